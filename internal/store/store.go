package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mvieira99/inboxsync/internal/bus"
	"go.uber.org/zap"
)

// API is the REST collaborator surface the store consumes.
type API interface {
	ListConversations(ctx context.Context, filters map[string]string) ([]*Conversation, error)
	GetConversation(ctx context.Context, conversationID int) (*ConversationDetail, error)
}

// Actions is the sync-layer surface the store drives. All calls are
// fire-and-forget; server pushes carry the authoritative result back.
type Actions interface {
	SendMessage(conversationID int, content string)
	UpdateConversationStatus(conversationID int, conversationStatus string)
	MarkAsRead(conversationID int)
	StartTyping(conversationID int)
	StopTyping(conversationID int)
}

// Cache persists snapshots so a restarted client has data before its
// first refresh. Optional; a nil Cache disables persistence.
type Cache interface {
	UpsertConversation(c *Conversation) error
	UpsertMessage(m *Message) error
	ReplaceMessages(conversationID int, msgs []*Message) error
	ListConversations(limit int) ([]*Conversation, error)
}

// Store owns the canonical client-side state: the conversation list
// sorted by last activity, the selected conversation's messages, and
// typing indicators. It merges real-time pushes with REST snapshots;
// the server is always the source of truth.
//
// Long-lived event handlers never capture state snapshots: every
// inbound event funnels through handleEvent, which reads the live
// selection under the store mutex.
type Store struct {
	api    API
	rt     Actions
	cache  Cache
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu            sync.RWMutex
	conversations []*Conversation
	selectedID    int
	selected      *Conversation
	messages      []*Message
	typing        map[int][]TypingPeer
	filters       map[string]string
	loading       bool
	lastError     string
}

// New creates a store. cache may be nil.
func New(api API, rt Actions, cache Cache, b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		api:    api,
		rt:     rt,
		cache:  cache,
		bus:    b,
		logger: logger,
		typing: make(map[int][]TypingPeer),
	}
}

// Start subscribes to decoded server pushes on the bus.
func (s *Store) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := s.bus.Subscribe("rt.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				s.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the event subscription.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// LoadSnapshot seeds the conversation list from the cache. Used once
// at startup before the first refresh; a populated list is never
// overwritten by cached data.
func (s *Store) LoadSnapshot() {
	if s.cache == nil {
		return
	}
	convs, err := s.cache.ListConversations(0)
	if err != nil {
		s.logger.Warn("failed to load cached conversations", zap.Error(err))
		return
	}
	if len(convs) == 0 {
		return
	}

	s.mu.Lock()
	if len(s.conversations) > 0 {
		s.mu.Unlock()
		return
	}
	s.conversations = convs
	s.sortLocked()
	s.mu.Unlock()

	s.logger.Info("loaded conversation snapshot", zap.Int("count", len(convs)))
	s.notify("store.conversations_changed")
}

// Conversations returns the sorted conversation list.
func (s *Store) Conversations() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// Selected returns the currently selected conversation, or nil.
func (s *Store) Selected() *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// Messages returns the selected conversation's messages.
func (s *Store) Messages() []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Typing returns the peers currently typing in a conversation.
func (s *Store) Typing(conversationID int) []TypingPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peers := s.typing[conversationID]
	out := make([]TypingPeer, len(peers))
	copy(out, peers)
	return out
}

// IsLoading reports whether a REST fetch is in flight.
func (s *Store) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// LastError returns the retained error message from the most recent
// failed operation; empty once a later operation of the same kind
// succeeds.
func (s *Store) LastError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// SetFilters replaces the filter set wholesale, so omitting a key
// clears that filter.
func (s *Store) SetFilters(filters map[string]string) {
	cp := make(map[string]string, len(filters))
	for k, v := range filters {
		cp[k] = v
	}
	s.mu.Lock()
	s.filters = cp
	s.mu.Unlock()
}

// Filters returns a copy of the active filter set.
func (s *Store) Filters() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]string, len(s.filters))
	for k, v := range s.filters {
		cp[k] = v
	}
	return cp
}

// Refresh replaces the conversation list with the server's answer for
// the current filters. On failure the stale list is retained and the
// error surfaced via LastError.
func (s *Store) Refresh(ctx context.Context) error {
	filters := s.Filters()

	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	convs, err := s.api.ListConversations(ctx, filters)

	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.lastError = fmt.Sprintf("load conversations: %v", err)
		s.mu.Unlock()
		s.logger.Warn("refresh failed", zap.Error(err))
		return err
	}
	s.conversations = convs
	s.sortLocked()
	// Re-point the selection at the refreshed object if it survived.
	if s.selectedID != 0 {
		if c := s.findLocked(s.selectedID); c != nil {
			s.selected = c
		}
	}
	s.lastError = ""
	s.mu.Unlock()

	s.persistConversations(convs)
	s.notify("store.conversations_changed")
	return nil
}

// Select makes a conversation current: the message list is replaced
// wholesale by a full-detail fetch, never merged. A response that
// arrives after the selection moved on is discarded. A nonzero known
// unread count triggers an immediate mark-as-read.
func (s *Store) Select(ctx context.Context, conversationID int) error {
	s.mu.Lock()
	s.selectedID = conversationID
	s.selected = s.findLocked(conversationID)
	s.messages = nil
	s.loading = true
	prevUnread := 0
	if s.selected != nil {
		prevUnread = s.selected.UnreadCount
	}
	s.mu.Unlock()

	s.notify("store.messages_changed")

	if prevUnread > 0 {
		s.MarkAsRead(conversationID)
	}

	detail, err := s.api.GetConversation(ctx, conversationID)

	s.mu.Lock()
	if err != nil {
		s.loading = false
		s.lastError = fmt.Sprintf("load conversation %d: %v", conversationID, err)
		s.mu.Unlock()
		s.logger.Warn("detail fetch failed", zap.Int("conversation_id", conversationID), zap.Error(err))
		return err
	}
	if s.selectedID != conversationID {
		// Selection moved on while this fetch was in flight.
		s.mu.Unlock()
		s.logger.Debug("discarding stale detail fetch", zap.Int("conversation_id", conversationID))
		return nil
	}
	conv := &detail.Conversation
	s.replaceLocked(conv)
	s.selected = conv
	s.messages = detail.Messages
	s.loading = false
	s.lastError = ""
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.ReplaceMessages(conversationID, detail.Messages); err != nil {
			s.logger.Warn("failed to cache messages", zap.Error(err))
		}
		s.persistConversations([]*Conversation{conv})
	}

	s.notify("store.conversations_changed")
	s.notify("store.messages_changed")
	return nil
}

// SendMessage sends an outgoing message through the sync layer.
func (s *Store) SendMessage(conversationID int, content string) {
	s.rt.SendMessage(conversationID, content)
}

// UpdateStatus requests a conversation status change.
func (s *Store) UpdateStatus(conversationID int, conversationStatus string) {
	s.rt.UpdateConversationStatus(conversationID, conversationStatus)
}

// MarkAsRead zeroes the local unread count and notifies the server.
// This is the only path that resets an unread count.
func (s *Store) MarkAsRead(conversationID int) {
	s.rt.MarkAsRead(conversationID)

	s.mu.Lock()
	changed := false
	if c := s.findLocked(conversationID); c != nil && c.UnreadCount != 0 {
		c.UnreadCount = 0
		changed = true
		s.persistConversationLocked(c)
	}
	s.mu.Unlock()

	if changed {
		s.notify("store.conversations_changed")
	}
}

// StartTyping forwards the local typing signal.
func (s *Store) StartTyping(conversationID int) {
	s.rt.StartTyping(conversationID)
}

// StopTyping forwards the local stop-typing signal.
func (s *Store) StopTyping(conversationID int) {
	s.rt.StopTyping(conversationID)
}

func (s *Store) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "rt.conversation.new":
		if c, ok := evt.Payload.(*Conversation); ok {
			s.applyNewConversation(c)
		}
	case "rt.conversation.updated":
		if c, ok := evt.Payload.(*Conversation); ok {
			s.applyConversationUpdated(c)
		}
	case "rt.message.new":
		if m, ok := evt.Payload.(*Message); ok {
			s.applyNewMessage(m)
		}
	case "rt.message.updated":
		if m, ok := evt.Payload.(*Message); ok {
			s.applyMessageUpdated(m)
		}
	case "rt.typing.start":
		if ev, ok := evt.Payload.(*TypingEvent); ok {
			s.applyTypingStart(ev)
		}
	case "rt.typing.stop":
		if ev, ok := evt.Payload.(*TypingEvent); ok {
			s.applyTypingStop(ev)
		}
	case "rt.error":
		if msg, ok := evt.Payload.(string); ok {
			s.mu.Lock()
			s.lastError = msg
			s.mu.Unlock()
			s.notify("store.error")
		}
	}
}

// applyNewConversation inserts at the head unless the id is already
// present, guarding against duplicate delivery on reconnect replay.
func (s *Store) applyNewConversation(c *Conversation) {
	s.mu.Lock()
	if s.findLocked(c.ID) != nil {
		s.mu.Unlock()
		return
	}
	s.conversations = append([]*Conversation{c}, s.conversations...)
	s.sortLocked()
	s.persistConversationLocked(c)
	s.mu.Unlock()

	s.notify("store.conversations_changed")
}

// applyConversationUpdated replaces the matching entry in place; the
// selection object is re-pointed too so consumers bound to it stay
// consistent. Updates for unknown conversations are ignored.
func (s *Store) applyConversationUpdated(c *Conversation) {
	s.mu.Lock()
	if s.findLocked(c.ID) == nil {
		s.mu.Unlock()
		s.logger.Debug("update for unknown conversation", zap.Int("conversation_id", c.ID))
		return
	}
	s.replaceLocked(c)
	if s.selectedID == c.ID {
		s.selected = c
	}
	s.sortLocked()
	s.persistConversationLocked(c)
	s.mu.Unlock()

	s.notify("store.conversations_changed")
}

// applyNewMessage updates the owning conversation's preview, activity
// timestamp, and unread count unconditionally, then appends to the
// message list only when the message belongs to the live selection and
// is not already present.
func (s *Store) applyNewMessage(m *Message) {
	s.mu.Lock()
	if c := s.findLocked(m.ConversationID); c != nil {
		c.LastMessage = m.Content
		c.LastActivityAt = m.CreatedAt
		c.UnreadCount++
		s.sortLocked()
		s.persistConversationLocked(c)
	}

	appended := false
	if m.ConversationID == s.selectedID && s.findMessageLocked(m.ID) == nil {
		s.messages = append(s.messages, m)
		appended = true
		if s.cache != nil {
			if err := s.cache.UpsertMessage(m); err != nil {
				s.logger.Warn("failed to cache message", zap.Error(err))
			}
		}
	}
	s.mu.Unlock()

	s.notify("store.conversations_changed")
	if appended {
		s.notify("store.messages_changed")
	}
}

// applyMessageUpdated mutates a selected-conversation message in place,
// e.g. an outgoing status transition to delivered or read.
func (s *Store) applyMessageUpdated(m *Message) {
	s.mu.Lock()
	if m.ConversationID != s.selectedID {
		s.mu.Unlock()
		return
	}
	existing := s.findMessageLocked(m.ID)
	if existing == nil {
		s.mu.Unlock()
		return
	}
	*existing = *m
	if s.cache != nil {
		if err := s.cache.UpsertMessage(m); err != nil {
			s.logger.Warn("failed to cache message", zap.Error(err))
		}
	}
	s.mu.Unlock()

	s.notify("store.messages_changed")
}

func (s *Store) applyTypingStart(ev *TypingEvent) {
	s.mu.Lock()
	peers := s.typing[ev.ConversationID]
	for _, p := range peers {
		if p.UserID == ev.UserID {
			s.mu.Unlock()
			return
		}
	}
	s.typing[ev.ConversationID] = append(peers, TypingPeer{UserID: ev.UserID, UserName: ev.UserName})
	s.mu.Unlock()

	s.notify("store.typing_changed")
}

func (s *Store) applyTypingStop(ev *TypingEvent) {
	s.mu.Lock()
	peers := s.typing[ev.ConversationID]
	filtered := peers[:0]
	for _, p := range peers {
		if p.UserID != ev.UserID {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) == len(peers) {
		s.mu.Unlock()
		return
	}
	if len(filtered) == 0 {
		delete(s.typing, ev.ConversationID)
	} else {
		s.typing[ev.ConversationID] = filtered
	}
	s.mu.Unlock()

	s.notify("store.typing_changed")
}

func (s *Store) findLocked(id int) *Conversation {
	for _, c := range s.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Store) findMessageLocked(id int) *Message {
	for _, m := range s.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// replaceLocked swaps the list entry with the same id, or inserts if
// absent, keeping the sort invariant.
func (s *Store) replaceLocked(c *Conversation) {
	for i, existing := range s.conversations {
		if existing.ID == c.ID {
			s.conversations[i] = c
			s.sortLocked()
			return
		}
	}
	s.conversations = append(s.conversations, c)
	s.sortLocked()
}

func (s *Store) sortLocked() {
	sort.SliceStable(s.conversations, func(i, j int) bool {
		return s.conversations[i].LastActivityAt > s.conversations[j].LastActivityAt
	})
}

func (s *Store) persistConversationLocked(c *Conversation) {
	if s.cache == nil {
		return
	}
	if err := s.cache.UpsertConversation(c); err != nil {
		s.logger.Warn("failed to cache conversation", zap.Error(err), zap.Int("conversation_id", c.ID))
	}
}

func (s *Store) persistConversations(convs []*Conversation) {
	if s.cache == nil {
		return
	}
	for _, c := range convs {
		if err := s.cache.UpsertConversation(c); err != nil {
			s.logger.Warn("failed to cache conversation", zap.Error(err), zap.Int("conversation_id", c.ID))
			return
		}
	}
}

func (s *Store) notify(kind string) {
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now()})
}
