// Package session holds the client's view of one active chat room: which
// message ids have been rendered, which optimistic sends still await their
// server echo, and which agent replies are mid-stream.
package session

import "time"

// Session is the client's state for the one active room. It carries no
// locking of its own: the controller owns it exclusively and serializes all
// access (transport callbacks, timers, user input) through its mutex.
type Session struct {
	RoomID    string
	RoomName  string
	Confirmed bool
	JoinedAt  time.Time

	// Generation identifies this session instance. Deferred callbacks
	// capture it at creation time and no-op once it is stale, so a room
	// switch cannot be mutated by timers scheduled for the old room.
	Generation uint64

	Tracker *Tracker
	Pending *PendingBuffer
	Streams *StreamTable
}

// New creates a session for roomID under the given generation.
func New(roomID string, generation uint64) *Session {
	return &Session{
		RoomID:     roomID,
		JoinedAt:   time.Now().UTC(),
		Generation: generation,
		Tracker:    NewTracker(DefaultTrackerCapacity),
		Pending:    NewPendingBuffer(),
		Streams:    NewStreamTable(),
	}
}

// Teardown cancels outstanding timers and clears all sub-state. The session
// must not be used afterwards.
func (s *Session) Teardown() {
	s.Pending.Clear()
	s.Streams.Clear()
	s.Tracker.Reset()
}
