package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outbound command types understood by the backend.
const (
	CommandJoin    = "join"
	CommandLeave   = "leave"
	CommandMessage = "message"
)

// SendPayload is the outbound body of a message command. TempID lets the
// backend echo the client-generated id back so optimistic sends reconcile
// without a content match.
type SendPayload struct {
	TempID  string `json:"tempId,omitempty"`
	Content string `json:"content"`
}

// JoinCommand builds a join envelope for roomID.
func JoinCommand(roomID string) Envelope {
	return Envelope{Type: CommandJoin, RoomID: roomID, Timestamp: time.Now().Unix()}
}

// LeaveCommand builds a leave envelope for roomID.
func LeaveCommand(roomID string) Envelope {
	return Envelope{Type: CommandLeave, RoomID: roomID, Timestamp: time.Now().Unix()}
}

// MessageCommand builds a message envelope carrying content and the local
// temp id.
func MessageCommand(roomID, tempID, content string) (Envelope, error) {
	data, err := json.Marshal(SendPayload{TempID: tempID, Content: content})
	if err != nil {
		return Envelope{}, fmt.Errorf("encode send payload: %w", err)
	}
	return Envelope{
		Type:      CommandMessage,
		RoomID:    roomID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}, nil
}
