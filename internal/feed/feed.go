// Package feed turns a backend change feed into the three-way
// Created/Updated/Removed event stream the rest of the client consumes.
// Each subscription owns exactly one underlying push-channel; callbacks
// fire exactly once per raw event and never after Close returns.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"relay/sync/internal/backend"
)

// State is the subscription lifecycle as observed by the owner. Error
// states are reported, never thrown: the owner keeps rendering cached
// data and decides for itself whether to tear down and reopen.
type State string

const (
	StateConnecting State = "connecting"
	StateSubscribed State = "subscribed"
	StateError      State = "error"
	StateTimedOut   State = "timed_out"
	StateClosed     State = "closed"
)

type Kind string

const (
	Created Kind = "created"
	Updated Kind = "updated"
	Removed Kind = "removed"
)

// Event is one normalized change notification. Seq is the arrival
// sequence number assigned by this subscription, not by the backend;
// it increases monotonically per delivered event.
type Event struct {
	Kind     Kind
	Scope    string
	Seq      uint64
	Table    string
	EntityID string
	Entity   json.RawMessage
}

// Handler receives normalized events. Nil callbacks are skipped, but
// the underlying raw event is still consumed exactly once.
type Handler struct {
	OnCreated func(Event)
	OnUpdated func(Event)
	OnRemoved func(Event)
	OnStatus  func(State)
}

// Subscription is one open push-channel for one scope. It is owned by
// the component that opened it and must be closed by that component on
// teardown or scope change; handles are never shared or transferred.
type Subscription struct {
	id    string
	scope string
	feed  backend.ChangeFeed

	state atomic.Value // State

	mu      sync.Mutex
	closed  bool
	handler Handler
	seq     uint64
}

// Open registers a subscription for the scope and starts dispatching.
// Scope filtering is enforced at registration time by the transport;
// events for other scopes can never reach the handler.
func Open(ctx context.Context, transport backend.Transport, scope string, handler Handler) (*Subscription, error) {
	changeFeed, err := transport.OpenChangeFeed(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("open change feed for %s: %w", scope, err)
	}
	sub := &Subscription{
		id:      uuid.NewString(),
		scope:   scope,
		feed:    changeFeed,
		handler: handler,
	}
	sub.state.Store(StateConnecting)
	go sub.run()
	return sub, nil
}

func (s *Subscription) ID() string    { return s.id }
func (s *Subscription) Scope() string { return s.scope }

// State returns the last observed connection state. Safe to call from
// inside handler callbacks.
func (s *Subscription) State() State {
	return s.state.Load().(State)
}

func (s *Subscription) Connected() bool {
	return s.State() == StateSubscribed
}

// Close unsubscribes from the transport. Once Close returns, no
// further callback invocations occur, even for events the transport
// had already queued.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.state.Store(StateClosed)
	return s.feed.Close()
}

func (s *Subscription) run() {
	events := s.feed.Events()
	statuses := s.feed.Status()
	for events != nil || statuses != nil {
		select {
		case status, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			s.applyStatus(mapStatus(status))
		case raw, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.deliver(raw)
		}
	}
}

func mapStatus(status backend.FeedStatus) State {
	switch status {
	case backend.StatusConnecting:
		return StateConnecting
	case backend.StatusSubscribed:
		return StateSubscribed
	case backend.StatusTimedOut:
		return StateTimedOut
	case backend.StatusClosed:
		return StateClosed
	default:
		return StateError
	}
}

func (s *Subscription) applyStatus(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.state.Store(state)
	if s.handler.OnStatus != nil {
		s.handler.OnStatus(state)
	}
}

// deliver translates one raw event into exactly one callback. The
// closed check and the callback run under the same lock Close takes,
// which is what makes the post-close guarantee hold.
func (s *Subscription) deliver(raw backend.RawEvent) {
	if raw.Scope != s.scope {
		return
	}

	var kind Kind
	switch raw.Action {
	case backend.ActionInsert:
		kind = Created
	case backend.ActionUpdate:
		kind = Updated
	case backend.ActionDelete:
		kind = Removed
	default:
		// Unknown taxonomy values are this layer's problem, not the
		// caller's; they are dropped whole.
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.seq++
	ev := Event{
		Kind:     kind,
		Scope:    raw.Scope,
		Seq:      s.seq,
		Table:    raw.Table,
		EntityID: raw.EntityID,
		Entity:   raw.Entity,
	}
	switch kind {
	case Created:
		if s.handler.OnCreated != nil {
			s.handler.OnCreated(ev)
		}
	case Updated:
		if s.handler.OnUpdated != nil {
			s.handler.OnUpdated(ev)
		}
	case Removed:
		ev.Entity = nil
		if s.handler.OnRemoved != nil {
			s.handler.OnRemoved(ev)
		}
	}
}
