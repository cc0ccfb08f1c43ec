package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType reports an envelope whose type has no normalized variant.
var ErrUnknownType = errors.New("unknown event type")

// The backend has grown aliases for several event names over time. Each alias
// maps onto exactly one normalized variant here so that dispatch logic never
// has to know about the duplication.
var typeAliases = map[string]string{
	"message":         "message",
	"new_message":     "message",
	"chat":            "message",
	"message_sent":    "message",
	"agent_delta":     "stream_chunk",
	"ai_delta":        "stream_chunk",
	"stream_chunk":    "stream_chunk",
	"agent_done":      "stream_complete",
	"agent_message":   "stream_complete",
	"ai":              "stream_complete",
	"stream_complete": "stream_complete",
	"agent_error":     "agent_error",
	"ai_error":        "agent_error",
	"room_joined":     "room_joined",
	"joined":          "room_joined",
	"room_left":       "room_left",
	"left":            "room_left",
	"history":         "history",
}

type messagePayload struct {
	Message
	// Some producers flatten sender fields into the payload.
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
}

type streamPayload struct {
	StreamID  string `json:"streamId,omitempty"`
	ID        string `json:"id,omitempty"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName,omitempty"`
	ReplyTo   string `json:"replyTo,omitempty"`
	Text      string `json:"text,omitempty"`
	Content   string `json:"content,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

type errorPayload struct {
	AgentID string `json:"agentId,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

type roomPayload struct {
	RoomID string `json:"roomId,omitempty"`
	Name   string `json:"name,omitempty"`
}

type historyPayload struct {
	Messages []Message `json:"messages"`
}

// Normalize converts one inbound envelope into its tagged variant. Unknown
// types return ErrUnknownType; the caller decides whether that is fatal.
func Normalize(env Envelope) (Event, error) {
	kind, ok := typeAliases[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	switch kind {
	case "message":
		var p messagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode message payload: %w", err)
		}
		msg := p.Message
		if msg.Sender.ID == "" && p.SenderID != "" {
			msg.Sender = Sender{ID: p.SenderID, Name: p.SenderName, Kind: SenderUser}
		}
		if msg.RoomID == "" {
			msg.RoomID = env.RoomID
		}
		if msg.CreatedAt.IsZero() && env.Timestamp > 0 {
			msg.CreatedAt = time.Unix(env.Timestamp, 0).UTC()
		}
		return NewMessage{Message: msg}, nil

	case "stream_chunk":
		var p streamPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode stream chunk payload: %w", err)
		}
		streamID := p.StreamID
		if streamID == "" {
			streamID = p.ID
		}
		text := p.Text
		if text == "" {
			text = p.Content
		}
		return StreamChunk{
			RoomID:    env.RoomID,
			StreamID:  streamID,
			AgentID:   p.AgentID,
			AgentName: p.AgentName,
			ReplyTo:   p.ReplyTo,
			Text:      text,
		}, nil

	case "stream_complete":
		var p streamPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode stream complete payload: %w", err)
		}
		content := p.Content
		if content == "" {
			content = p.Text
		}
		createdAt := time.Now().UTC()
		if p.CreatedAt > 0 {
			createdAt = time.Unix(p.CreatedAt, 0).UTC()
		} else if env.Timestamp > 0 {
			createdAt = time.Unix(env.Timestamp, 0).UTC()
		}
		return StreamComplete{
			RoomID:    env.RoomID,
			StreamID:  p.StreamID,
			MessageID: p.ID,
			AgentID:   p.AgentID,
			AgentName: p.AgentName,
			ReplyTo:   p.ReplyTo,
			Content:   content,
			CreatedAt: createdAt,
		}, nil

	case "agent_error":
		var p errorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode agent error payload: %w", err)
		}
		reason := p.Message
		if reason == "" {
			reason = p.Error
		}
		return AgentError{RoomID: env.RoomID, AgentID: p.AgentID, Reason: reason}, nil

	case "room_joined":
		var p roomPayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, fmt.Errorf("decode room joined payload: %w", err)
			}
		}
		roomID := p.RoomID
		if roomID == "" {
			roomID = env.RoomID
		}
		return RoomJoined{RoomID: roomID, RoomName: p.Name}, nil

	case "room_left":
		var p roomPayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, fmt.Errorf("decode room left payload: %w", err)
			}
		}
		roomID := p.RoomID
		if roomID == "" {
			roomID = env.RoomID
		}
		return RoomLeft{RoomID: roomID}, nil

	case "history":
		var p historyPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode history payload: %w", err)
		}
		return History{RoomID: env.RoomID, Messages: p.Messages}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}
