package event

import (
	"encoding/json"
	"time"
)

// SenderKind distinguishes human participants from agent responders.
type SenderKind string

const (
	SenderUser  SenderKind = "user"
	SenderAgent SenderKind = "agent"
)

// Sender identifies the author of a message.
type Sender struct {
	ID   string     `json:"id"`
	Name string     `json:"name,omitempty"`
	Kind SenderKind `json:"kind,omitempty"`
}

// Message is one chat message as delivered by the backend. TempID echoes the
// client-generated id from the original send command, when the backend
// preserves it.
type Message struct {
	ID        string    `json:"id"`
	TempID    string    `json:"tempId,omitempty"`
	RoomID    string    `json:"roomId"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	ReplyTo   string    `json:"replyTo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Envelope is the wire frame shared by every WebSocket message in both
// directions. Data holds the variant-specific payload.
type Envelope struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Event is the normalized form of one inbound envelope. Exactly one concrete
// type below implements it per envelope.
type Event interface {
	// Room returns the room the event belongs to, or "" when the event
	// carries no room affinity.
	Room() string
}

// NewMessage carries a regular chat message, including redelivered echoes of
// the client's own messages.
type NewMessage struct {
	Message Message
}

func (e NewMessage) Room() string { return e.Message.RoomID }

// StreamChunk carries one incremental fragment of an in-flight agent reply.
// StreamID may be empty on early chunks when the backend has not assigned an
// id yet.
type StreamChunk struct {
	RoomID    string
	StreamID  string
	AgentID   string
	AgentName string
	ReplyTo   string
	Text      string
}

func (e StreamChunk) Room() string { return e.RoomID }

// StreamComplete marks an agent reply as finished and carries the full final
// content. Its ID does not always match the chunk StreamID.
type StreamComplete struct {
	RoomID    string
	StreamID  string
	MessageID string
	AgentID   string
	AgentName string
	ReplyTo   string
	Content   string
	CreatedAt time.Time
}

func (e StreamComplete) Room() string { return e.RoomID }

// AgentError reports a failed agent reply.
type AgentError struct {
	RoomID  string
	AgentID string
	Reason  string
}

func (e AgentError) Room() string { return e.RoomID }

// RoomJoined confirms a join request.
type RoomJoined struct {
	RoomID   string
	RoomName string
}

func (e RoomJoined) Room() string { return e.RoomID }

// RoomLeft confirms a leave request.
type RoomLeft struct {
	RoomID string
}

func (e RoomLeft) Room() string { return e.RoomID }

// History carries a backlog of messages delivered on join.
type History struct {
	RoomID   string
	Messages []Message
}

func (e History) Room() string { return e.RoomID }
