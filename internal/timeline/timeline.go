// Package timeline maintains the client-visible ordered sequence of
// messages for one conversation scope. The sequence is a read-through
// projection: the backing store stays authoritative, and the sequence
// only changes via the initial page seed and feed events.
package timeline

import (
	"sort"
	"sync"

	"relay/sync/internal/backend"
)

// Store holds the ordered sequence. All operations key on message id,
// which is what makes re-applying a duplicate event a no-op. Messages
// are kept ordered by createdAt with a stable tie-break on id, so an
// event arriving out of order still lands in time order.
type Store struct {
	mu       sync.Mutex
	scope    string
	messages []backend.Message
}

func New(scope string) *Store {
	return &Store{scope: scope}
}

func (s *Store) Scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Reset synchronously clears the sequence and rebinds the store to a
// new scope. Called on conversation switch, before the new load.
func (s *Store) Reset(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scope = scope
	s.messages = nil
}

// Seed replaces the sequence with the initially fetched page.
func (s *Store) Seed(messages []backend.Message) {
	page := make([]backend.Message, len(messages))
	copy(page, messages)
	sort.SliceStable(page, func(i, j int) bool {
		if !page[i].CreatedAt.Equal(page[j].CreatedAt) {
			return page[i].CreatedAt.Before(page[j].CreatedAt)
		}
		return page[i].ID < page[j].ID
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = page
}

// ApplyCreated inserts the message at its time-ordered position. A
// message already present is left untouched, so duplicate deliveries
// of the same Created event are no-ops.
func (s *Store) ApplyCreated(msg backend.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexOf(msg.ID) >= 0 {
		return
	}
	at := sort.Search(len(s.messages), func(i int) bool {
		if !s.messages[i].CreatedAt.Equal(msg.CreatedAt) {
			return s.messages[i].CreatedAt.After(msg.CreatedAt)
		}
		return s.messages[i].ID > msg.ID
	})
	s.messages = append(s.messages, backend.Message{})
	copy(s.messages[at+1:], s.messages[at:])
	s.messages[at] = msg
}

// ApplyUpdated replaces the matching message in place, preserving its
// position. Absent ids are a no-op, not an error: an update can race
// ahead of its create during initial load.
func (s *Store) ApplyUpdated(msg backend.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at := s.indexOf(msg.ID); at >= 0 {
		s.messages[at] = msg
	}
}

// ApplyRemoved drops the matching message; no-op if absent.
func (s *Store) ApplyRemoved(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at := s.indexOf(id); at >= 0 {
		s.messages = append(s.messages[:at], s.messages[at+1:]...)
	}
}

// Messages returns a copy of the current ordered sequence.
func (s *Store) Messages() []backend.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backend.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Store) indexOf(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}
