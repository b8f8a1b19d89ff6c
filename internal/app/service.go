// Package app composes the sync core for one signed-in user: the
// active conversation's timeline and feed handle, the per-user
// notification router, and the outbound send path. It is the only
// place where scope lifecycle (close old handle, clear state, reopen)
// is decided.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"relay/sync/internal/backend"
	"relay/sync/internal/config"
	"relay/sync/internal/feed"
	"relay/sync/internal/notify"
	"relay/sync/internal/timeline"
	"relay/sync/internal/util"
)

type dataStore interface {
	FetchPage(ctx context.Context, scope string, limit int) ([]backend.Message, error)
	CreateMessage(ctx context.Context, msg backend.Message) (backend.Message, error)
	LookupDisplayFields(ctx context.Context, entityID string) (backend.DisplayFields, error)
}

type objectStore interface {
	UploadAttachment(ctx context.Context, scope, name, contentType string, data []byte) (string, error)
}

// Attachment is one file to upload alongside an outbound message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

type SendOptions struct {
	Attachments []Attachment
}

// Service owns exactly one conversation session and one notification
// feed per user. Handles are never shared: the subscription a Service
// opens is closed by that same Service on scope change or Close.
type Service struct {
	selfID    string
	pageSize  int
	store     dataStore
	transport backend.Transport
	objects   objectStore
	router    *notify.Router

	mu             sync.Mutex
	gen            uint64
	conversationID string
	scope          string
	timeline       *timeline.Store
	conv           *feed.Subscription
	notifSub       *feed.Subscription
	loading        bool
	loadErr        error
	closed         bool
}

func New(cfg config.Config, dataStore *backend.PostgresStore, transport *backend.RedisTransport, objects *backend.MinioObjects, sinks ...notify.AlertSink) *Service {
	s := &Service{
		selfID:    cfg.SelfUserID,
		pageSize:  cfg.PageSize,
		store:     dataStore,
		transport: transport,
		timeline:  timeline.New(""),
	}
	if objects != nil {
		s.objects = objects
	}
	s.router = notify.NewRouter(cfg.SelfUserID, dataStore, sinks...)
	return s
}

// Start opens the per-user notification feed. The conversation feed
// opens lazily on the first SwitchScope.
func (s *Service) Start(ctx context.Context) error {
	if s.selfID == "" {
		return sendError(ReasonNotAuthenticated, "no user identity", nil)
	}
	handler := feed.Handler{
		OnCreated: func(ev feed.Event) {
			s.router.HandleCreated(context.Background(), ev)
		},
	}
	sub, err := feed.Open(ctx, s.transport, backend.UserScope(s.selfID), handler)
	if err != nil {
		return fmt.Errorf("open notification feed: %w", err)
	}
	s.mu.Lock()
	// A second Start is a no-op: the notification feed stays on the
	// handle the first call opened.
	stale := s.closed || s.notifSub != nil
	if !stale {
		s.notifSub = sub
	}
	s.mu.Unlock()
	if stale {
		sub.Close()
	}
	return nil
}

// SwitchScope moves the session to another conversation. The old
// handle closes and the sequence clears synchronously, before any part
// of the new scope opens; the page load runs in the background and the
// new feed opens once the load has seeded the sequence.
func (s *Service) SwitchScope(ctx context.Context, conversationID string) {
	scope := backend.ConversationScope(conversationID)

	s.mu.Lock()
	s.gen++
	gen := s.gen
	prev := s.conv
	s.conv = nil
	s.conversationID = conversationID
	s.scope = scope
	s.timeline.Reset(scope)
	s.loading = true
	s.loadErr = nil
	s.mu.Unlock()

	// The old handle closes before anything for the new scope opens.
	// Closing happens outside the service lock: feed callbacks take it,
	// and Close waits for in-flight callbacks.
	if prev != nil {
		prev.Close()
	}

	// Viewing a conversation focuses it for notification suppression.
	s.router.SetFocus(conversationID)

	go s.load(ctx, scope, gen)
}

// load fetches the initial page for scope. The result only applies if
// the switch that started it is still the latest one: a slow load for
// a previous switch must never clobber the current sequence, even
// when the user has since come back to the same scope.
func (s *Service) load(ctx context.Context, scope string, gen uint64) {
	page, err := s.store.FetchPage(ctx, scope, s.pageSize)

	s.mu.Lock()
	if s.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.loading = false
		s.loadErr = err
		s.mu.Unlock()
		return
	}
	s.timeline.Seed(page)
	s.loading = false
	s.mu.Unlock()

	s.openConversationFeed(ctx, scope, gen)
}

func (s *Service) openConversationFeed(ctx context.Context, scope string, gen uint64) {
	handler := feed.Handler{
		OnCreated: func(ev feed.Event) { s.applyCreated(ev) },
		OnUpdated: func(ev feed.Event) { s.applyUpdated(ev) },
		OnRemoved: func(ev feed.Event) { s.applyRemoved(ev) },
	}
	sub, err := feed.Open(ctx, s.transport, scope, handler)

	s.mu.Lock()
	if err != nil {
		if s.gen == gen {
			s.loadErr = err
		}
		s.mu.Unlock()
		return
	}
	stale := s.gen != gen || s.closed
	var prev *feed.Subscription
	if !stale {
		prev = s.conv
		s.conv = sub
	}
	s.mu.Unlock()
	if stale {
		sub.Close()
		return
	}
	// One handle per scope: anything already there is a leak waiting to
	// happen, so it closes before the replacement takes over.
	if prev != nil {
		prev.Close()
	}
}

func (s *Service) applyCreated(ev feed.Event) {
	msg, ok := decodeMessage(ev)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scope != ev.Scope {
		return
	}
	s.timeline.ApplyCreated(msg)
}

func (s *Service) applyUpdated(ev feed.Event) {
	msg, ok := decodeMessage(ev)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scope != ev.Scope {
		return
	}
	s.timeline.ApplyUpdated(msg)
}

func (s *Service) applyRemoved(ev feed.Event) {
	if ev.Table != backend.TableMessages {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scope != ev.Scope {
		return
	}
	s.timeline.ApplyRemoved(ev.EntityID)
}

func decodeMessage(ev feed.Event) (backend.Message, bool) {
	if ev.Table != backend.TableMessages {
		return backend.Message{}, false
	}
	var msg backend.Message
	if err := json.Unmarshal(ev.Entity, &msg); err != nil {
		return backend.Message{}, false
	}
	return msg, true
}

// GetMessages returns the current ordered sequence for the active
// conversation.
func (s *Service) GetMessages() []backend.Message {
	return s.timeline.Messages()
}

// Loading reports whether the initial page for the active scope is
// still in flight. The caller keeps rendering (and shows an indicator)
// meanwhile.
func (s *Service) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Service) LoadError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

// Connected reports the conversation feed's connectivity. False while
// disconnected; cached data stays renderable either way.
func (s *Service) Connected() bool {
	s.mu.Lock()
	sub := s.conv
	s.mu.Unlock()
	return sub != nil && sub.Connected()
}

func (s *Service) NotificationsConnected() bool {
	s.mu.Lock()
	sub := s.notifSub
	s.mu.Unlock()
	return sub != nil && sub.Connected()
}

// SendMessage issues the outbound create and reports the result. It
// never mutates the timeline: the new message appears only when the
// feed delivers its Created event.
func (s *Service) SendMessage(ctx context.Context, content string, opts SendOptions) (backend.Message, error) {
	s.mu.Lock()
	conversationID := s.conversationID
	s.mu.Unlock()

	if s.selfID == "" || conversationID == "" {
		return backend.Message{}, sendError(ReasonNotAuthenticated, "missing scope or user identity", nil)
	}

	attachments, err := s.uploadAttachments(ctx, backend.ConversationScope(conversationID), opts.Attachments)
	if err != nil {
		return backend.Message{}, err
	}

	msg := backend.Message{
		ID:             util.NewID("msg"),
		ConversationID: conversationID,
		AuthorID:       s.selfID,
		Content:        content,
		Attachments:    attachments,
	}
	created, err := s.store.CreateMessage(ctx, msg)
	if err != nil {
		return backend.Message{}, sendError(ReasonRejected, "backend rejected message", err)
	}
	return created, nil
}

func (s *Service) uploadAttachments(ctx context.Context, scope string, attachments []Attachment) ([]string, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	if s.objects == nil {
		return nil, sendError(ReasonAttachmentUpload, "attachment storage not configured", nil)
	}
	urls := make([]string, 0, len(attachments))
	for _, att := range attachments {
		url, err := s.objects.UploadAttachment(ctx, scope, att.Name, att.ContentType, att.Data)
		if err != nil {
			return nil, sendError(ReasonAttachmentUpload, "upload "+att.Name, err)
		}
		urls = append(urls, url)
	}
	return urls, nil
}

// SetFocus overrides the focused conversation used for notification
// suppression, for callers that track focus independently of the
// active scope (e.g. a DM panel over a channel view).
func (s *Service) SetFocus(conversationID string) {
	s.router.SetFocus(conversationID)
}

func (s *Service) Notifications() []notify.Record {
	return s.router.Records()
}

func (s *Service) UnreadCount() int {
	return s.router.UnreadCount()
}

func (s *Service) ClearNotifications() {
	s.router.Clear()
}

func (s *Service) RemoveNotification(id string) {
	s.router.Remove(id)
}

// Close tears down both handles. The Service is not reusable after.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	conv := s.conv
	notifSub := s.notifSub
	s.conv = nil
	s.notifSub = nil
	s.mu.Unlock()

	if conv != nil {
		conv.Close()
	}
	if notifSub != nil {
		notifSub.Close()
	}
}
