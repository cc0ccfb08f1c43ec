package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parleychat/parley/internal/event"
	"github.com/parleychat/parley/pkg/logger"
)

// WebSocketHandler upgrades connections and runs the per-client loop.
type WebSocketHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates the handler for hub.
func NewWebSocketHandler(hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// conn is one connected client.
type conn struct {
	ws       *websocket.Conn
	userID   string
	userName string

	writeMu sync.Mutex

	mu    sync.Mutex
	rooms map[string]*Room
}

func (c *conn) write(env event.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(env)
}

// ServeHTTP handles GET /api/ws?user=<id>&name=<display name>.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		userID = uuid.NewString()
	}
	userName := r.URL.Query().Get("name")
	if userName == "" {
		userName = userID
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("[websocket] upgrade failed: %v", err)
		return
	}

	c := &conn{
		ws:       ws,
		userID:   userID,
		userName: userName,
		rooms:    make(map[string]*Room),
	}
	defer h.disconnect(c)

	logger.Infof("[websocket] connected user=%s", userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go h.pingLoop(ctx, c)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var env event.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warnf("[websocket] read error user=%s: %v", userID, err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(60 * time.Second))

		h.handleCommand(ctx, c, env)
	}
}

func (h *WebSocketHandler) handleCommand(ctx context.Context, c *conn, env event.Envelope) {
	switch env.Type {
	case event.CommandJoin:
		h.handleJoin(c, env)
	case event.CommandLeave:
		h.handleLeave(c, env)
	case event.CommandMessage:
		h.handleMessage(ctx, c, env)
	default:
		h.sendError(c, "unsupported command type: "+env.Type)
	}
}

func (h *WebSocketHandler) handleJoin(c *conn, env event.Envelope) {
	if env.RoomID == "" {
		h.sendError(c, "roomId is required")
		return
	}

	room := h.hub.Room(env.RoomID)
	room.Join(c)

	c.mu.Lock()
	c.rooms[room.ID] = room
	c.mu.Unlock()

	logger.Infof("[websocket] user=%s joined room=%s", c.userID, room.ID)

	payload, _ := json.Marshal(map[string]string{"roomId": room.ID, "name": room.ID})
	c.write(event.Envelope{
		Type:      "room_joined",
		RoomID:    room.ID,
		Data:      payload,
		Timestamp: time.Now().Unix(),
	})
}

func (h *WebSocketHandler) handleLeave(c *conn, env event.Envelope) {
	c.mu.Lock()
	room, ok := c.rooms[env.RoomID]
	if ok {
		delete(c.rooms, env.RoomID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	room.Leave(c)
	logger.Infof("[websocket] user=%s left room=%s", c.userID, room.ID)

	c.write(event.Envelope{
		Type:      "room_left",
		RoomID:    room.ID,
		Timestamp: time.Now().Unix(),
	})
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, c *conn, env event.Envelope) {
	c.mu.Lock()
	room, ok := c.rooms[env.RoomID]
	c.mu.Unlock()
	if !ok {
		h.sendError(c, "not a member of room "+env.RoomID)
		return
	}

	var payload event.SendPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		h.sendError(c, "invalid message payload")
		return
	}
	if payload.Content == "" {
		return
	}

	msg := event.Message{
		ID:        uuid.NewString(),
		TempID:    payload.TempID,
		RoomID:    room.ID,
		Sender:    event.Sender{ID: c.userID, Name: c.userName, Kind: event.SenderUser},
		Content:   payload.Content,
		CreatedAt: time.Now().UTC(),
	}

	h.hub.PostMessage(ctx, room, msg)
}

func (h *WebSocketHandler) sendError(c *conn, message string) {
	payload, _ := json.Marshal(map[string]string{"message": message})
	if err := c.write(event.Envelope{
		Type:      "error",
		Data:      payload,
		Timestamp: time.Now().Unix(),
	}); err != nil {
		logger.Warnf("[websocket] write error failed: %v", err)
	}
}

func (h *WebSocketHandler) disconnect(c *conn) {
	c.mu.Lock()
	rooms := make([]*Room, 0, len(c.rooms))
	for _, room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.rooms = make(map[string]*Room)
	c.mu.Unlock()

	for _, room := range rooms {
		room.Leave(c)
	}
	c.ws.Close()
	logger.Infof("[websocket] disconnected user=%s", c.userID)
}

func (h *WebSocketHandler) pingLoop(ctx context.Context, c *conn) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
