// Package notify consumes the per-user notification feed and turns
// qualifying events into at most one user-visible alert each. It owns
// the suppression rules (self-authored, currently-focused) and the
// unread counter; it never owns the conversation timeline.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"relay/sync/internal/backend"
	"relay/sync/internal/feed"
)

type Kind string

const (
	KindDirectMessage Kind = "dm"
	KindInvite        Kind = "invite"
)

// PlaceholderName is used when display-field resolution fails; a
// lookup failure degrades the alert, never drops it.
const PlaceholderName = "Someone"

const lookupTimeout = 3 * time.Second

// Record is one routed alert, held in memory until the UI removes or
// clears it. SourceID is the entity the alert is about (the DM sender,
// the inviter), which is also what display fields resolve against.
// Never persisted.
type Record struct {
	ID          string
	ScopeID     string
	SourceID    string
	ThreadID    string
	Kind        Kind
	DisplayName string
	Preview     string
	CreatedAt   time.Time
}

// Resolver is the best-effort display-field lookup, typically the
// backend store.
type Resolver interface {
	LookupDisplayFields(ctx context.Context, entityID string) (backend.DisplayFields, error)
}

// AlertSink receives each record exactly once, after it is appended
// and counted. Sinks must not block routing for long.
type AlertSink func(Record)

// Router deduplicates and routes notification-scope events for one
// user.
type Router struct {
	scopeID  string
	selfID   string
	resolver Resolver
	sinks    []AlertSink

	mu      sync.Mutex
	focused string
	records []Record
	unread  int
	seen    map[string]struct{}
}

func NewRouter(selfID string, resolver Resolver, sinks ...AlertSink) *Router {
	return &Router{
		scopeID:  backend.UserScope(selfID),
		selfID:   selfID,
		resolver: resolver,
		sinks:    sinks,
		seen:     make(map[string]struct{}),
	}
}

// SetFocus records the conversation the user is currently viewing.
// Suppression reads this value at delivery time, so switching focus
// mid-session immediately changes behavior for subsequent events.
func (r *Router) SetFocus(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.focused = threadID
}

func (r *Router) Focus() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focused
}

// HandleCreated consumes one Created event from the user-scope feed.
// Updates and removals on notification tables do not alert.
func (r *Router) HandleCreated(ctx context.Context, ev feed.Event) {
	switch ev.Table {
	case backend.TableDirectMessages:
		var msg backend.Message
		if err := json.Unmarshal(ev.Entity, &msg); err != nil {
			return
		}
		r.route(ctx, msg.ID, Record{
			SourceID:  msg.AuthorID,
			ThreadID:  msg.ConversationID,
			Kind:      KindDirectMessage,
			Preview:   msg.Content,
			CreatedAt: msg.CreatedAt,
		})
	case backend.TableInvites:
		var invite backend.Invite
		if err := json.Unmarshal(ev.Entity, &invite); err != nil {
			return
		}
		r.route(ctx, invite.ID, Record{
			SourceID:  invite.InviterID,
			ThreadID:  invite.ServerID,
			Kind:      KindInvite,
			Preview:   invite.ServerName,
			CreatedAt: invite.CreatedAt,
		})
	}
}

// route applies suppression, resolves display fields and fires the
// sinks. eventID identifies the underlying row, which is the dedup
// unit: one row, at most one alert, ever.
func (r *Router) route(ctx context.Context, eventID string, rec Record) {
	if rec.SourceID == r.selfID {
		return
	}

	r.mu.Lock()
	if _, dup := r.seen[eventID]; dup {
		r.mu.Unlock()
		return
	}
	if rec.ThreadID != "" && rec.ThreadID == r.focused {
		r.mu.Unlock()
		return
	}
	// Reserve the event id before the lookup so a duplicate delivery
	// racing the resolution still fires at most once.
	r.seen[eventID] = struct{}{}
	r.mu.Unlock()

	rec.ID = uuid.NewString()
	rec.ScopeID = r.scopeID
	rec.DisplayName = r.resolveName(ctx, rec.SourceID)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	r.unread++
	r.mu.Unlock()

	for _, sink := range r.sinks {
		sink(rec)
	}
}

func (r *Router) resolveName(ctx context.Context, entityID string) string {
	if r.resolver == nil {
		return PlaceholderName
	}
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	fields, err := r.resolver.LookupDisplayFields(ctx, entityID)
	if err != nil || fields.DisplayName == "" {
		return PlaceholderName
	}
	return fields.DisplayName
}

// Records returns the routed alerts in arrival order.
func (r *Router) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

func (r *Router) UnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread
}

// Remove drops one record by id and decrements the unread counter,
// floored at zero. Unknown ids are a no-op.
func (r *Router) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.records {
		if r.records[i].ID == id {
			r.records = append(r.records[:i], r.records[i+1:]...)
			if r.unread > 0 {
				r.unread--
			}
			return
		}
	}
}

// Clear empties the record collection and resets the counter. Viewing
// a conversation never clears anything implicitly; that linkage, if
// wanted, belongs to the caller.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = nil
	r.unread = 0
}
