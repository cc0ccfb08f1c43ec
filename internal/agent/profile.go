package agent

import "strings"

// Profile describes one agent a room participant can mention.
type Profile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

// Store exposes profile retrieval for the responder and HTTP handlers.
type Store interface {
	List() []Profile
	FindByID(id string) (Profile, bool)
	FindByName(name string) (Profile, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Profile
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied profiles.
func NewMemoryStore(items []Profile) *MemoryStore {
	return &MemoryStore{items: append([]Profile(nil), items...)}
}

// List returns the configured profiles.
func (s *MemoryStore) List() []Profile {
	return append([]Profile(nil), s.items...)
}

// FindByID looks up a profile by identifier.
func (s *MemoryStore) FindByID(id string) (Profile, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Profile{}, false
}

// FindByName looks up a profile by its mention name, case-insensitively.
func (s *MemoryStore) FindByName(name string) (Profile, bool) {
	for _, item := range s.items {
		if strings.EqualFold(item.Name, name) {
			return item, true
		}
	}
	return Profile{}, false
}

// Seed returns the default profiles the dev server starts with.
func Seed() []Profile {
	return []Profile{
		{
			ID:           "helper",
			Name:         "helper",
			SystemPrompt: "You are a concise, friendly assistant in a group chat. Answer in a few sentences.",
		},
		{
			ID:           "scribe",
			Name:         "scribe",
			SystemPrompt: "You summarize the recent conversation when asked. Be brief and factual.",
		},
	}
}

// Mentioned extracts the first @name mention from content and resolves it
// against the store.
func Mentioned(store Store, content string) (Profile, bool) {
	fields := strings.Fields(content)
	for _, f := range fields {
		if !strings.HasPrefix(f, "@") {
			continue
		}
		name := strings.TrimRight(strings.TrimPrefix(f, "@"), ".,:;!?")
		if name == "" {
			continue
		}
		if p, ok := store.FindByName(name); ok {
			return p, true
		}
	}
	return Profile{}, false
}
