package session

import "time"

// StreamState accumulates one in-flight agent reply. Text grows by appending
// chunks in arrival order; the transport delivers chunks on a single ordered
// connection and the backend exposes no sequence numbers, so arrival order is
// the defined accumulation order.
type StreamState struct {
	StreamID  string
	AgentID   string
	AgentName string
	ReplyTo   string
	Text      string
	StartedAt time.Time

	// RenderID is the stable id the render layer knows this stream by. It
	// is assigned by the controller when the placeholder is first rendered
	// and survives id changes on the wire.
	RenderID string

	seq int
}

// StreamTable maps in-flight stream ids to their accumulated state. The
// backend's id scheme is not fully consistent: completion events sometimes
// carry a different id than the chunks did, and early chunks may carry no id
// at all, so the table supports fallback matching by agent identity.
type StreamTable struct {
	states  map[string]*StreamState
	nextSeq int
}

// NewStreamTable returns an empty table.
func NewStreamTable() *StreamTable {
	return &StreamTable{states: make(map[string]*StreamState)}
}

// Append folds one chunk into the table, creating the state on first sight.
// The returned created flag tells the caller to emit a placeholder render.
func (t *StreamTable) Append(streamID, agentID, agentName, replyTo, text string, at time.Time) (state *StreamState, created bool) {
	key := t.key(streamID, agentID)

	if st, ok := t.states[key]; ok {
		st.Text += text
		return st, false
	}

	// A chunk with a fresh stream id may continue a stream that started
	// before the backend assigned an id. Adopt that state instead of
	// starting a second accumulation for the same agent.
	if streamID != "" {
		if st, ok := t.states[t.key("", agentID)]; ok {
			delete(t.states, t.key("", agentID))
			st.StreamID = streamID
			st.Text += text
			t.states[key] = st
			return st, false
		}
	}

	t.nextSeq++
	st := &StreamState{
		StreamID:  streamID,
		AgentID:   agentID,
		AgentName: agentName,
		ReplyTo:   replyTo,
		Text:      text,
		StartedAt: at,
		seq:       t.nextSeq,
	}
	t.states[key] = st
	return st, true
}

// Resolve finds the state a completion event refers to: exact stream id
// first, then the most recently created accumulating stream for the agent.
func (t *StreamTable) Resolve(streamID, agentID string) (*StreamState, bool) {
	if streamID != "" {
		if st, ok := t.states[t.key(streamID, agentID)]; ok {
			return st, true
		}
	}
	if agentID == "" {
		return nil, false
	}
	var latest *StreamState
	for _, st := range t.states {
		if st.AgentID != agentID {
			continue
		}
		if latest == nil || st.seq > latest.seq {
			latest = st
		}
	}
	return latest, latest != nil
}

// Finalize removes st from the table.
func (t *StreamTable) Finalize(st *StreamState) {
	delete(t.states, t.key(st.StreamID, st.AgentID))
}

// Len returns the number of streams still accumulating.
func (t *StreamTable) Len() int { return len(t.states) }

// Clear drops every accumulating stream.
func (t *StreamTable) Clear() {
	t.states = make(map[string]*StreamState)
}

func (t *StreamTable) key(streamID, agentID string) string {
	if streamID != "" {
		return "s:" + streamID
	}
	return "a:" + agentID
}
