package session

import (
	"strings"
	"time"
)

// DefaultConfirmTimeout is how long a sent message waits for its server echo
// before being flagged as delayed.
const DefaultConfirmTimeout = 5 * time.Second

// PendingMessage is a locally rendered message awaiting its server echo.
type PendingMessage struct {
	TempID    string
	Content   string
	CreatedAt time.Time
	Delayed   bool

	timer *time.Timer
}

// PendingBuffer holds optimistic sends in submission order. A pending entry
// leaves the buffer exactly once: either a matching server echo reconciles it
// or the confirmation timeout flags it as delayed (flagged entries stay
// rendered, they are never dropped).
type PendingBuffer struct {
	entries []*PendingMessage
}

// NewPendingBuffer returns an empty buffer.
func NewPendingBuffer() *PendingBuffer {
	return &PendingBuffer{}
}

// Add records a new pending message. The timer is owned by the caller and is
// stopped on reconcile or teardown.
func (b *PendingBuffer) Add(tempID, content string, at time.Time, timer *time.Timer) *PendingMessage {
	p := &PendingMessage{
		TempID:    tempID,
		Content:   content,
		CreatedAt: at,
		timer:     timer,
	}
	b.entries = append(b.entries, p)
	return p
}

// Reconcile removes and returns the oldest pending entry whose trimmed
// content matches. Matching oldest-first keeps two identical quick
// submissions from cross-matching. The entry's timer is stopped.
func (b *PendingBuffer) Reconcile(content string) (*PendingMessage, bool) {
	want := strings.TrimSpace(content)
	for i, p := range b.entries {
		if strings.TrimSpace(p.Content) != want {
			continue
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		return p, true
	}
	return nil, false
}

// ReconcileByTempID removes the entry with the given temp id, when the
// backend echoes it back verbatim.
func (b *PendingBuffer) ReconcileByTempID(tempID string) (*PendingMessage, bool) {
	for i, p := range b.entries {
		if p.TempID != tempID {
			continue
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		return p, true
	}
	return nil, false
}

// MarkDelayed flags the entry with tempID and reports whether it was still
// pending and not already flagged.
func (b *PendingBuffer) MarkDelayed(tempID string) (*PendingMessage, bool) {
	for _, p := range b.entries {
		if p.TempID == tempID {
			if p.Delayed {
				return nil, false
			}
			p.Delayed = true
			return p, true
		}
	}
	return nil, false
}

// Len returns the number of unconfirmed entries.
func (b *PendingBuffer) Len() int { return len(b.entries) }

// Clear stops every outstanding timer and drops all entries.
func (b *PendingBuffer) Clear() {
	for _, p := range b.entries {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	b.entries = nil
}
