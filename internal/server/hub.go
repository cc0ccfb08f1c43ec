// Package server is the reference chat backend used for development and
// integration testing of the client engine. It deliberately behaves like the
// production backend the client defends against: own messages are echoed
// back, events may be redelivered, and agent replies stream in chunks.
package server

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/agent"
	"github.com/parleychat/parley/internal/event"
	"github.com/parleychat/parley/pkg/logger"
)

// Hub owns every room on the server.
type Hub struct {
	profiles  agent.Store
	responder *agent.Responder

	mu    sync.RWMutex
	rooms map[string]*Room
}

// NewHub returns an empty hub. responder may be nil, in which case mentions
// go unanswered.
func NewHub(profiles agent.Store, responder *agent.Responder) *Hub {
	return &Hub{
		profiles:  profiles,
		responder: responder,
		rooms:     make(map[string]*Room),
	}
}

// Room retrieves or creates the room with the given id.
func (h *Hub) Room(id string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()

	if r, ok := h.rooms[id]; ok {
		return r
	}
	r := newRoom(id)
	h.rooms[id] = r
	return r
}

// FindRoom returns the room only if it already exists.
func (h *Hub) FindRoom(id string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[id]
	return r, ok
}

// Room is one chat channel: its members and its message history.
type Room struct {
	ID string

	mu       sync.Mutex
	members  map[*conn]struct{}
	messages []event.Message
}

func newRoom(id string) *Room {
	return &Room{
		ID:      id,
		members: make(map[*conn]struct{}),
	}
}

// Join adds c to the room's member set.
func (r *Room) Join(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[c] = struct{}{}
}

// Leave removes c from the room's member set.
func (r *Room) Leave(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, c)
}

// Broadcast delivers env to every current member.
func (r *Room) Broadcast(env event.Envelope) {
	r.mu.Lock()
	members := make([]*conn, 0, len(r.members))
	for c := range r.members {
		members = append(members, c)
	}
	r.mu.Unlock()

	for _, c := range members {
		if err := c.write(env); err != nil {
			logger.Debugf("[hub] broadcast write failed room=%s: %v", r.ID, err)
		}
	}
}

// Append stores msg in the room history and returns it.
func (r *Room) Append(msg event.Message) event.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return msg
}

// Page returns up to limit messages starting at the cursor offset, oldest
// first, together with the next cursor ("" when exhausted).
func (r *Room) Page(cursor string, limit int) ([]event.Message, string) {
	if limit <= 0 {
		limit = 100
	}
	offset := 0
	if cursor != "" {
		if v, err := strconv.Atoi(cursor); err == nil && v > 0 {
			offset = v
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if offset >= len(r.messages) {
		return nil, ""
	}
	end := offset + limit
	if end > len(r.messages) {
		end = len(r.messages)
	}
	page := make([]event.Message, end-offset)
	copy(page, r.messages[offset:end])

	next := ""
	if end < len(r.messages) {
		next = strconv.Itoa(end)
	}
	return page, next
}

// PostMessage stores and broadcasts a user message, then kicks off an agent
// reply when the content mentions a known profile.
func (h *Hub) PostMessage(ctx context.Context, room *Room, msg event.Message) {
	msg = room.Append(msg)

	env, err := messageEnvelope(msg)
	if err != nil {
		logger.Errorf("[hub] encode message failed: %v", err)
		return
	}
	room.Broadcast(env)

	if h.responder == nil || h.profiles == nil {
		return
	}
	profile, ok := agent.Mentioned(h.profiles, msg.Content)
	if !ok {
		return
	}

	room.mu.Lock()
	history := make([]event.Message, len(room.messages))
	copy(history, room.messages)
	room.mu.Unlock()

	go h.runAgentReply(ctx, room, profile, history, msg)
}

func (h *Hub) runAgentReply(ctx context.Context, room *Room, profile agent.Profile, history []event.Message, replyTo event.Message) {
	// The reply belongs to the room, not to the sender's connection: keep
	// streaming even if the sender disconnects mid-reply.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	emit := func(env event.Envelope) {
		if env.Type == "agent_done" {
			if final, ok := decodeAgentDone(env); ok {
				room.Append(final)
			}
		}
		room.Broadcast(env)
	}

	h.responder.Respond(ctx, room.ID, profile, history, replyTo, emit)
}

func messageEnvelope(msg event.Message) (event.Envelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return event.Envelope{}, err
	}
	return event.Envelope{
		Type:      "message",
		RoomID:    msg.RoomID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	}, nil
}

func decodeAgentDone(env event.Envelope) (event.Message, bool) {
	var p struct {
		ID        string `json:"id"`
		AgentID   string `json:"agentId"`
		AgentName string `json:"agentName"`
		ReplyTo   string `json:"replyTo"`
		Content   string `json:"content"`
		CreatedAt int64  `json:"createdAt"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return event.Message{}, false
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := time.Now().UTC()
	if p.CreatedAt > 0 {
		createdAt = time.Unix(p.CreatedAt, 0).UTC()
	}
	return event.Message{
		ID:        id,
		RoomID:    env.RoomID,
		Sender:    event.Sender{ID: p.AgentID, Name: p.AgentName, Kind: event.SenderAgent},
		Content:   p.Content,
		ReplyTo:   p.ReplyTo,
		CreatedAt: createdAt,
	}, true
}
