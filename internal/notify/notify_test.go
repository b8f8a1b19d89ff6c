package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"relay/sync/internal/backend"
	"relay/sync/internal/feed"
)

type fakeResolver struct {
	lookupFn func(context.Context, string) (backend.DisplayFields, error)
}

func (f *fakeResolver) LookupDisplayFields(ctx context.Context, entityID string) (backend.DisplayFields, error) {
	if f.lookupFn != nil {
		return f.lookupFn(ctx, entityID)
	}
	return backend.DisplayFields{DisplayName: "Resolved " + entityID}, nil
}

func dmEvent(msgID, conversationID, authorID, content string) feed.Event {
	entity, _ := json.Marshal(backend.Message{
		ID:             msgID,
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        content,
		CreatedAt:      time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	})
	return feed.Event{
		Kind:     feed.Created,
		Scope:    backend.UserScope("usr_me"),
		Table:    backend.TableDirectMessages,
		EntityID: msgID,
		Entity:   entity,
	}
}

func inviteEvent(inviteID, serverID, inviterID string) feed.Event {
	entity, _ := json.Marshal(backend.Invite{
		ID:         inviteID,
		ServerID:   serverID,
		ServerName: "Relay HQ",
		InviterID:  inviterID,
		InviteeID:  "usr_me",
	})
	return feed.Event{
		Kind:     feed.Created,
		Scope:    backend.UserScope("usr_me"),
		Table:    backend.TableInvites,
		EntityID: inviteID,
		Entity:   entity,
	}
}

func TestRoutesDirectMessage(t *testing.T) {
	var alerts []Record
	router := NewRouter("usr_me", &fakeResolver{}, func(rec Record) { alerts = append(alerts, rec) })

	router.HandleCreated(context.Background(), dmEvent("dm_1", "conv_9", "usr_other", "hey"))

	records := router.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.Kind != KindDirectMessage || rec.SourceID != "usr_other" || rec.ThreadID != "conv_9" {
		t.Errorf("record = %+v", rec)
	}
	if rec.DisplayName != "Resolved usr_other" {
		t.Errorf("display name = %q", rec.DisplayName)
	}
	if rec.ScopeID != backend.UserScope("usr_me") {
		t.Errorf("scope = %q", rec.ScopeID)
	}
	if router.UnreadCount() != 1 {
		t.Errorf("unread = %d, want 1", router.UnreadCount())
	}
	if len(alerts) != 1 {
		t.Errorf("sink fired %d times, want 1", len(alerts))
	}
}

func TestRoutesInvite(t *testing.T) {
	router := NewRouter("usr_me", &fakeResolver{})

	router.HandleCreated(context.Background(), inviteEvent("inv_1", "srv_1", "usr_boss"))

	records := router.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Kind != KindInvite || records[0].Preview != "Relay HQ" {
		t.Errorf("record = %+v", records[0])
	}
}

func TestSuppressesSelfAuthored(t *testing.T) {
	router := NewRouter("usr_me", &fakeResolver{})

	router.HandleCreated(context.Background(), dmEvent("dm_1", "conv_9", "usr_me", "talking to myself"))
	router.HandleCreated(context.Background(), inviteEvent("inv_1", "srv_1", "usr_me"))

	if got := len(router.Records()); got != 0 {
		t.Errorf("expected no records, got %d", got)
	}
	if router.UnreadCount() != 0 {
		t.Errorf("unread = %d, want 0", router.UnreadCount())
	}
}

func TestSuppressesFocusedThreadAtDeliveryTime(t *testing.T) {
	router := NewRouter("usr_me", &fakeResolver{})

	router.SetFocus("conv_9")
	router.HandleCreated(context.Background(), dmEvent("dm_1", "conv_9", "usr_other", "seen live"))
	if got := len(router.Records()); got != 0 {
		t.Fatalf("focused event produced %d records", got)
	}

	// Focus is read per event, not captured at subscribe time.
	router.SetFocus("conv_other")
	router.HandleCreated(context.Background(), dmEvent("dm_2", "conv_9", "usr_other", "now unfocused"))
	if got := len(router.Records()); got != 1 {
		t.Fatalf("expected 1 record after focus switch, got %d", got)
	}
	if router.UnreadCount() != 1 {
		t.Errorf("unread = %d, want 1", router.UnreadCount())
	}
}

func TestDuplicateEventFiresOnce(t *testing.T) {
	fired := 0
	router := NewRouter("usr_me", &fakeResolver{}, func(Record) { fired++ })

	ev := dmEvent("dm_1", "conv_9", "usr_other", "hello")
	router.HandleCreated(context.Background(), ev)
	router.HandleCreated(context.Background(), ev)

	if got := len(router.Records()); got != 1 {
		t.Errorf("records = %d, want 1", got)
	}
	if router.UnreadCount() != 1 {
		t.Errorf("unread = %d, want 1", router.UnreadCount())
	}
	if fired != 1 {
		t.Errorf("sink fired %d times, want 1", fired)
	}
}

func TestLookupFailureFallsBackToPlaceholder(t *testing.T) {
	resolver := &fakeResolver{
		lookupFn: func(context.Context, string) (backend.DisplayFields, error) {
			return backend.DisplayFields{}, errors.New("lookup down")
		},
	}
	router := NewRouter("usr_me", resolver)

	router.HandleCreated(context.Background(), dmEvent("dm_1", "conv_9", "usr_other", "hello"))

	records := router.Records()
	if len(records) != 1 {
		t.Fatalf("lookup failure dropped the notification")
	}
	if records[0].DisplayName != PlaceholderName {
		t.Errorf("display name = %q, want %q", records[0].DisplayName, PlaceholderName)
	}
}

func TestRemoveDecrementsFlooredAtZero(t *testing.T) {
	router := NewRouter("usr_me", &fakeResolver{})

	router.HandleCreated(context.Background(), dmEvent("dm_1", "conv_9", "usr_other", "one"))
	router.HandleCreated(context.Background(), dmEvent("dm_2", "conv_9", "usr_other", "two"))
	records := router.Records()
	if len(records) != 2 || router.UnreadCount() != 2 {
		t.Fatalf("setup failed: %d records, unread %d", len(records), router.UnreadCount())
	}

	router.Remove(records[0].ID)
	if router.UnreadCount() != 1 || len(router.Records()) != 1 {
		t.Errorf("after remove: %d records, unread %d", len(router.Records()), router.UnreadCount())
	}

	// Unknown id is a no-op.
	router.Remove("not-a-record")
	if router.UnreadCount() != 1 {
		t.Errorf("unread = %d after no-op remove", router.UnreadCount())
	}

	router.Remove(records[1].ID)
	router.Remove(records[1].ID)
	if router.UnreadCount() != 0 {
		t.Errorf("unread = %d, want 0", router.UnreadCount())
	}
}

func TestClearResetsEverything(t *testing.T) {
	router := NewRouter("usr_me", &fakeResolver{})

	router.HandleCreated(context.Background(), dmEvent("dm_1", "conv_9", "usr_other", "one"))
	router.HandleCreated(context.Background(), inviteEvent("inv_1", "srv_1", "usr_boss"))

	router.Clear()
	if len(router.Records()) != 0 {
		t.Error("records survived clear")
	}
	if router.UnreadCount() != 0 {
		t.Errorf("unread = %d, want 0", router.UnreadCount())
	}
}

func TestIgnoresTimelineTables(t *testing.T) {
	router := NewRouter("usr_me", &fakeResolver{})

	ev := dmEvent("m_1", "conv_9", "usr_other", "channel chatter")
	ev.Table = backend.TableMessages
	router.HandleCreated(context.Background(), ev)

	if got := len(router.Records()); got != 0 {
		t.Errorf("channel-table event produced %d records", got)
	}
}
