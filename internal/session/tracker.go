package session

import (
	"hash/fnv"
	"strconv"
	"time"
)

// DefaultTrackerCapacity bounds how many message ids the tracker remembers.
const DefaultTrackerCapacity = 1000

// compositeBucket is the timestamp granularity used when deduplicating agent
// messages by identity + content rather than by id.
const compositeBucket = 10 * time.Second

// Tracker remembers which message ids have already been rendered so that
// redelivered events are absorbed silently. It is a pure cache: evicting an
// old id can at worst let a duplicate through, it can never lose a message.
type Tracker struct {
	capacity int
	seen     map[string]struct{}
	order    []string
}

// NewTracker returns a tracker bounded to capacity entries, FIFO-evicted.
func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultTrackerCapacity
	}
	return &Tracker{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// HasSeen reports whether id was already marked.
func (t *Tracker) HasSeen(id string) bool {
	if id == "" {
		return false
	}
	_, ok := t.seen[id]
	return ok
}

// MarkSeen records id, evicting the oldest entry once capacity is exceeded.
func (t *Tracker) MarkSeen(id string) {
	if id == "" {
		return
	}
	if _, ok := t.seen[id]; ok {
		return
	}
	t.seen[id] = struct{}{}
	t.order = append(t.order, id)
	for len(t.order) > t.capacity {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.seen, oldest)
	}
}

// HasSeenAgentContent reports whether a semantically identical agent message
// was already marked. Agent messages can arrive under more than one event
// name with re-derived ids, so the surface id alone is not enough.
func (t *Tracker) HasSeenAgentContent(agentID, content string, at time.Time) bool {
	if agentID == "" || content == "" {
		return false
	}
	bucket := at.Unix() / int64(compositeBucket/time.Second)
	if t.HasSeen(compositeKey(agentID, content, bucket)) {
		return true
	}
	// A duplicate straddling a bucket boundary still matches the prior bucket.
	return t.HasSeen(compositeKey(agentID, content, bucket-1))
}

// MarkAgentContent records the composite key for an agent message.
func (t *Tracker) MarkAgentContent(agentID, content string, at time.Time) {
	if agentID == "" || content == "" {
		return
	}
	bucket := at.Unix() / int64(compositeBucket/time.Second)
	t.MarkSeen(compositeKey(agentID, content, bucket))
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int { return len(t.order) }

// Reset drops all tracked ids.
func (t *Tracker) Reset() {
	t.seen = make(map[string]struct{}, t.capacity)
	t.order = nil
}

func compositeKey(agentID, content string, bucket int64) string {
	h := fnv.New64a()
	h.Write([]byte(content))
	return "agent:" + agentID + ":" + strconv.FormatUint(h.Sum64(), 16) + ":" + strconv.FormatInt(bucket, 10)
}
