// Package backend defines the narrow surface this client consumes from
// the remote backing store and its push transport, plus the concrete
// Postgres, Redis and object-storage implementations. Everything above
// this package treats the backend as a black box.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Message is the wire shape of one chat message. Identity is ID; the
// backing store enforces uniqueness.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	AuthorID       string     `json:"authorId"`
	Content        string     `json:"content"`
	Attachments    []string   `json:"attachments,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
}

// Invite is the wire shape of one server-invite row as carried on the
// per-user notification feed.
type Invite struct {
	ID         string    `json:"id"`
	ServerID   string    `json:"serverId"`
	ServerName string    `json:"serverName,omitempty"`
	InviterID  string    `json:"inviterId"`
	InviteeID  string    `json:"inviteeId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DisplayFields are the denormalized, human-readable attributes looked
// up separately from an entity id when rendering a notification.
type DisplayFields struct {
	DisplayName string
	AvatarURL   string
}

// Tables carried on the change feed.
const (
	TableMessages       = "messages"
	TableDirectMessages = "direct_messages"
	TableInvites        = "invites"
)

// Actions in the backend's event taxonomy. Mapping this three-way
// taxonomy to the client's Created/Updated/Removed union is the feed
// package's job, not the transport's.
const (
	ActionInsert = "INSERT"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// RawEvent is one raw push notification as published by the backend.
// Entity is the affected row, absent for deletes.
type RawEvent struct {
	Table    string          `json:"table"`
	Action   string          `json:"action"`
	Scope    string          `json:"scope"`
	EntityID string          `json:"entityId"`
	Entity   json.RawMessage `json:"entity,omitempty"`
}

// FeedStatus mirrors the transport's connection lifecycle.
type FeedStatus string

const (
	StatusConnecting   FeedStatus = "connecting"
	StatusSubscribed   FeedStatus = "subscribed"
	StatusChannelError FeedStatus = "channel_error"
	StatusTimedOut     FeedStatus = "timed_out"
	StatusClosed       FeedStatus = "closed"
)

// ChangeFeed is one open push-channel for a single scope. Events and
// Status are closed-over by Close; after Close no further events are
// emitted.
type ChangeFeed interface {
	Events() <-chan RawEvent
	Status() <-chan FeedStatus
	Close() error
}

// Transport opens change feeds. Scope filtering happens at
// registration time: a feed only ever carries events published for its
// scope.
type Transport interface {
	OpenChangeFeed(ctx context.Context, scope string) (ChangeFeed, error)
}

// Store is the one-shot CRUD surface of the backing relational store.
type Store interface {
	FetchPage(ctx context.Context, scope string, limit int) ([]Message, error)
	CreateMessage(ctx context.Context, msg Message) (Message, error)
	LookupDisplayFields(ctx context.Context, entityID string) (DisplayFields, error)
}

// ObjectStore uploads message attachments and returns a stable URL.
type ObjectStore interface {
	UploadAttachment(ctx context.Context, scope, name, contentType string, data []byte) (string, error)
}

var ErrNotFound = errors.New("backend: not found")

// ConversationScope formats the feed/store scope for one conversation.
func ConversationScope(conversationID string) string {
	return "conv:" + conversationID
}

// UserScope formats the per-user notification scope.
func UserScope(userID string) string {
	return "user:" + userID
}

// SplitScope returns the kind ("conv" or "user") and bare id of a
// scope. Unprefixed values are treated as conversation ids.
func SplitScope(scope string) (kind, id string) {
	if k, rest, ok := strings.Cut(scope, ":"); ok {
		return k, rest
	}
	return "conv", scope
}
