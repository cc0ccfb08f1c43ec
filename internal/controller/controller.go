// Package controller owns the active room. It is the single writer of the
// session state: transport events, timers and user input all funnel through
// it, and the render layer only ever hears about messages through the
// RenderSink it registered.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleychat/parley/internal/event"
	"github.com/parleychat/parley/internal/session"
	"github.com/parleychat/parley/pkg/logger"
)

var (
	ErrRoomRequired = errors.New("room id is required")
	ErrNoActiveRoom = errors.New("no active room")
)

// DefaultJoinWait bounds how long a join waits for server confirmation
// before the room is treated as joined with local state only.
const DefaultJoinWait = 3 * time.Second

// RenderSink receives every change the engine wants shown. It is the only
// write path out of the engine; implementations must not call back into the
// controller from within a sink method.
type RenderSink interface {
	MessageRendered(msg event.Message)
	MessageUpdated(id, content string)
	MessageRemoved(id string)
	MessageDelayed(id string)
	Notice(text string)
}

// Sender pushes outbound envelopes to the backend.
type Sender interface {
	Send(env event.Envelope) error
}

// HistoryFetcher loads a room's recent backlog so already-delivered ids are
// known before live events are trusted.
type HistoryFetcher interface {
	RecentMessages(ctx context.Context, roomID string) ([]event.Message, error)
}

// Config carries the controller's identity and timing knobs.
type Config struct {
	SelfID         string
	SelfName       string
	ConfirmTimeout time.Duration
	JoinWait       time.Duration
}

// Controller reconciles the inbound event stream against local optimistic
// state for the one active room.
type Controller struct {
	cfg     Config
	sender  Sender
	history HistoryFetcher
	sink    RenderSink

	mu         sync.Mutex
	generation uint64
	sess       *session.Session
	joinTimer  *time.Timer
}

// New wires a controller. history may be nil when no backlog API is
// available.
func New(cfg Config, sender Sender, history HistoryFetcher, sink RenderSink) *Controller {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = session.DefaultConfirmTimeout
	}
	if cfg.JoinWait <= 0 {
		cfg.JoinWait = DefaultJoinWait
	}
	return &Controller{
		cfg:     cfg,
		sender:  sender,
		history: history,
		sink:    sink,
	}
}

// ActiveRoom returns the id of the room currently joined, or "".
func (c *Controller) ActiveRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.RoomID
}

// JoinRoom switches the client into roomID. Any previous session is torn
// down first; the tracker is seeded from the history API before live events
// are trusted. If the backend does not confirm the join within the bounded
// wait, the room is treated as joined with local state only.
func (c *Controller) JoinRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return ErrRoomRequired
	}

	var backlog []event.Message
	if c.history != nil {
		msgs, err := c.history.RecentMessages(ctx, roomID)
		if err != nil {
			logger.Warnf("[controller] history fetch failed for room=%s: %v", roomID, err)
			c.sink.Notice("could not load room history; duplicates may appear")
		} else {
			backlog = msgs
		}
	}

	c.mu.Lock()
	c.teardownLocked()
	c.generation++
	sess := session.New(roomID, c.generation)
	c.sess = sess

	for _, msg := range backlog {
		sess.Tracker.MarkSeen(msg.ID)
		if msg.Sender.Kind == event.SenderAgent {
			sess.Tracker.MarkAgentContent(msg.Sender.ID, msg.Content, msg.CreatedAt)
		}
		c.sink.MessageRendered(msg)
	}

	gen := sess.Generation
	c.joinTimer = time.AfterFunc(c.cfg.JoinWait, func() {
		c.onJoinTimeout(gen, roomID)
	})
	c.mu.Unlock()

	if err := c.sender.Send(event.JoinCommand(roomID)); err != nil {
		logger.Warnf("[controller] join send failed for room=%s: %v", roomID, err)
		c.sink.Notice("join request could not be sent; working from local state")
	}
	return nil
}

// LeaveRoom tears down the active session. Late events for the old room are
// discarded by the room-id and generation checks, not by unsubscribing.
func (c *Controller) LeaveRoom() error {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return ErrNoActiveRoom
	}
	roomID := c.sess.RoomID
	c.teardownLocked()
	c.mu.Unlock()

	if err := c.sender.Send(event.LeaveCommand(roomID)); err != nil {
		logger.Warnf("[controller] leave send failed for room=%s: %v", roomID, err)
	}
	return nil
}

// SubmitMessage renders content optimistically and sends it. It returns the
// local temp id immediately; the server echo (or the confirmation timeout)
// settles the entry later.
func (c *Controller) SubmitMessage(content string) (string, error) {
	c.mu.Lock()
	if c.sess == nil {
		c.mu.Unlock()
		return "", ErrNoActiveRoom
	}
	sess := c.sess
	roomID := sess.RoomID
	gen := sess.Generation

	tempID := uuid.NewString()
	now := time.Now().UTC()
	timer := time.AfterFunc(c.cfg.ConfirmTimeout, func() {
		c.onConfirmTimeout(gen, tempID)
	})
	sess.Pending.Add(tempID, content, now, timer)

	c.sink.MessageRendered(event.Message{
		ID:        tempID,
		RoomID:    roomID,
		Sender:    event.Sender{ID: c.cfg.SelfID, Name: c.cfg.SelfName, Kind: event.SenderUser},
		Content:   content,
		CreatedAt: now,
	})
	c.mu.Unlock()

	env, err := event.MessageCommand(roomID, tempID, content)
	if err != nil {
		return tempID, err
	}
	if err := c.sender.Send(env); err != nil {
		logger.Warnf("[controller] message send failed room=%s temp=%s: %v", roomID, tempID, err)
		c.sink.Notice("message could not be sent; it may be delayed")
	}
	return tempID, nil
}

// HandleEvent is the single entry point for normalized transport events.
func (c *Controller) HandleEvent(ev event.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil {
		logger.Debugf("[controller] dropping event with no active session")
		return
	}
	if room := ev.Room(); room != "" && room != c.sess.RoomID {
		logger.Debugf("[controller] dropping stale event for room=%s (active=%s)", room, c.sess.RoomID)
		return
	}

	switch ev := ev.(type) {
	case event.RoomJoined:
		c.confirmJoinLocked(ev)
	case event.RoomLeft:
		c.teardownLocked()
		c.sink.Notice("left room " + ev.RoomID)
	case event.History:
		for _, msg := range ev.Messages {
			c.renderMessageLocked(msg)
		}
	case event.NewMessage:
		c.renderMessageLocked(ev.Message)
	case event.StreamChunk:
		c.appendChunkLocked(ev)
	case event.StreamComplete:
		c.completeStreamLocked(ev)
	case event.AgentError:
		c.sink.Notice("agent reply failed: " + ev.Reason)
	}
}

func (c *Controller) confirmJoinLocked(ev event.RoomJoined) {
	sess := c.sess
	if sess.Confirmed {
		return
	}
	sess.Confirmed = true
	if ev.RoomName != "" {
		sess.RoomName = ev.RoomName
	}
	if c.joinTimer != nil {
		c.joinTimer.Stop()
		c.joinTimer = nil
	}
	logger.Infof("[controller] joined room=%s", sess.RoomID)
}

// renderMessageLocked is the dedup-then-reconcile-then-render path every
// message-shaped event goes through.
func (c *Controller) renderMessageLocked(msg event.Message) {
	sess := c.sess

	if sess.Tracker.HasSeen(msg.ID) {
		return
	}
	isAgent := msg.Sender.Kind == event.SenderAgent
	if isAgent && sess.Tracker.HasSeenAgentContent(msg.Sender.ID, msg.Content, msg.CreatedAt) {
		sess.Tracker.MarkSeen(msg.ID)
		return
	}

	sess.Tracker.MarkSeen(msg.ID)
	if isAgent {
		sess.Tracker.MarkAgentContent(msg.Sender.ID, msg.Content, msg.CreatedAt)
	}

	if msg.Sender.ID == c.cfg.SelfID {
		var p *session.PendingMessage
		var ok bool
		if msg.TempID != "" {
			p, ok = sess.Pending.ReconcileByTempID(msg.TempID)
		}
		if !ok {
			p, ok = sess.Pending.Reconcile(msg.Content)
		}
		if ok {
			// The server message replaces the optimistic bubble.
			c.sink.MessageRemoved(p.TempID)
		}
	}

	c.sink.MessageRendered(msg)
}

func (c *Controller) appendChunkLocked(ev event.StreamChunk) {
	sess := c.sess
	st, created := sess.Streams.Append(ev.StreamID, ev.AgentID, ev.AgentName, ev.ReplyTo, ev.Text, time.Now().UTC())
	if created {
		st.RenderID = uuid.NewString()
		c.sink.MessageRendered(event.Message{
			ID:      st.RenderID,
			RoomID:  sess.RoomID,
			Sender:  event.Sender{ID: ev.AgentID, Name: ev.AgentName, Kind: event.SenderAgent},
			ReplyTo: ev.ReplyTo,
		})
	}
	// Always send the full accumulated text so rendering stays idempotent.
	c.sink.MessageUpdated(st.RenderID, st.Text)
}

func (c *Controller) completeStreamLocked(ev event.StreamComplete) {
	sess := c.sess

	// A finalized completion can be redelivered while the same agent is
	// already streaming again. It must be absorbed here, before Resolve,
	// or the agent-id fallback would finalize the new stream with the old
	// content.
	if sess.Tracker.HasSeen(ev.MessageID) || sess.Tracker.HasSeen(ev.StreamID) {
		return
	}

	st, ok := sess.Streams.Resolve(ev.StreamID, ev.AgentID)
	if !ok {
		// Unmatched completion: render the content as a standalone message
		// rather than dropping it. An empty body has nothing to show, so
		// only its ids are recorded.
		if ev.Content != "" {
			id := ev.MessageID
			if id == "" {
				id = ev.StreamID
			}
			if id == "" {
				id = uuid.NewString()
			}
			c.renderMessageLocked(event.Message{
				ID:        id,
				RoomID:    sess.RoomID,
				Sender:    event.Sender{ID: ev.AgentID, Name: ev.AgentName, Kind: event.SenderAgent},
				Content:   ev.Content,
				ReplyTo:   ev.ReplyTo,
				CreatedAt: ev.CreatedAt,
			})
		}
		sess.Tracker.MarkSeen(ev.MessageID)
		sess.Tracker.MarkSeen(ev.StreamID)
		return
	}

	sess.Streams.Finalize(st)

	content := ev.Content
	if content == "" {
		content = st.Text
	}
	c.sink.MessageUpdated(st.RenderID, content)

	// Suppress later redeliveries of the finalized message under either id
	// scheme.
	sess.Tracker.MarkSeen(ev.MessageID)
	sess.Tracker.MarkSeen(ev.StreamID)
	sess.Tracker.MarkAgentContent(ev.AgentID, content, ev.CreatedAt)
}

func (c *Controller) onConfirmTimeout(gen uint64, tempID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.Generation != gen {
		return
	}
	if _, ok := c.sess.Pending.MarkDelayed(tempID); ok {
		// The message stays rendered; network delay never hides user
		// content.
		c.sink.MessageDelayed(tempID)
	}
}

func (c *Controller) onJoinTimeout(gen uint64, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.Generation != gen || c.sess.Confirmed {
		return
	}
	c.sess.Confirmed = true
	logger.Warnf("[controller] no join confirmation for room=%s, continuing locally", roomID)
	c.sink.Notice("no response from server; room joined with local state only")
}

func (c *Controller) teardownLocked() {
	if c.joinTimer != nil {
		c.joinTimer.Stop()
		c.joinTimer = nil
	}
	if c.sess != nil {
		c.sess.Teardown()
		c.sess = nil
	}
}
