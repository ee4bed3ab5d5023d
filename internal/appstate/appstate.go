// Package appstate holds the agent's in-memory application state. All reads
// return copies; all writes go through the mutators below.
package appstate

import (
	"slices"
	"sync"
	"time"

	"github.com/binomepay/binomepay-go/internal/domain"
)

// Topic names the part of the state a Change touched.
type Topic string

const (
	TopicUser          Topic = "user"
	TopicRequests      Topic = "requests"
	TopicMatches       Topic = "matches"
	TopicSuggestions   Topic = "suggestions"
	TopicConversations Topic = "conversations"
	TopicMessages      Topic = "messages"
	TopicNotifications Topic = "notifications"
	TopicSync          Topic = "sync"
	TopicReset         Topic = "reset"
)

// Change is delivered to subscribers after a mutation. ID is set when the
// change concerns one entity.
type Change struct {
	Topic Topic
	ID    string
}

// State is the application state container. The zero value is not usable;
// call New.
type State struct {
	mu            sync.RWMutex
	user          *domain.User
	requests      []domain.Request
	matches       []domain.Match
	suggestions   []domain.Suggestion
	conversations []domain.Conversation
	messages      map[string][]domain.Message
	notifications int
	lastSync      time.Time

	listenersMu sync.Mutex
	listeners   map[int]func(Change)
	nextID      int
}

func New() *State {
	return &State{
		messages:  make(map[string][]domain.Message),
		listeners: make(map[int]func(Change)),
	}
}

// Subscribe registers fn for every change and returns a function that
// removes it. fn runs synchronously after the state lock is released.
func (s *State) Subscribe(fn func(Change)) func() {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *State) emit(changes ...Change) {
	s.listenersMu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c)
		}
	}
}

// Selectors.

func (s *State) User() (domain.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return domain.User{}, false
	}
	return s.user.Clone(), true
}

func (s *State) Requests() []domain.Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.requests)
}

func (s *State) Matches() []domain.Match {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.matches)
}

func (s *State) Suggestions() []domain.Suggestion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.suggestions)
}

func (s *State) Suggestion(id string) (domain.Suggestion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := slices.IndexFunc(s.suggestions, func(x domain.Suggestion) bool { return x.ID == id })
	if i < 0 {
		return domain.Suggestion{}, false
	}
	return s.suggestions[i], true
}

func (s *State) Conversations() []domain.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConversations(s.conversations)
}

func (s *State) Conversation(id string) (domain.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.conversationIndex(id)
	if i < 0 {
		return domain.Conversation{}, false
	}
	return s.conversations[i].Clone(), true
}

func (s *State) Messages(conversationID string) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages[conversationID])
}

func (s *State) NotificationCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notifications
}

// UnreadTotal sums unread counters across conversations.
func (s *State) UnreadTotal() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.conversations {
		total += c.UnreadCount
	}
	return total
}

func (s *State) LastSyncAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// Snapshot returns a copy of the synced collections.
func (s *State) Snapshot() *domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &domain.Snapshot{
		Requests:      slices.Clone(s.requests),
		Matches:       slices.Clone(s.matches),
		Suggestions:   slices.Clone(s.suggestions),
		Conversations: cloneConversations(s.conversations),
	}
	if s.user != nil {
		u := s.user.Clone()
		snap.User = &u
	}
	return snap
}

// Mutators.

func (s *State) SetUser(u *domain.User) {
	s.mu.Lock()
	if u == nil {
		s.user = nil
	} else {
		c := u.Clone()
		s.user = &c
	}
	s.mu.Unlock()
	s.emit(Change{Topic: TopicUser})
}

// PatchUser applies p to the current user. It returns false when no user is set.
func (s *State) PatchUser(p domain.ProfilePatch, now time.Time) (domain.User, bool) {
	s.mu.Lock()
	if s.user == nil {
		s.mu.Unlock()
		return domain.User{}, false
	}
	u := p.Apply(s.user.Clone(), now)
	s.user = &u
	s.mu.Unlock()
	s.emit(Change{Topic: TopicUser})
	return u.Clone(), true
}

func (s *State) SetRequests(rs []domain.Request) {
	s.mu.Lock()
	s.requests = slices.Clone(rs)
	s.mu.Unlock()
	s.emit(Change{Topic: TopicRequests})
}

// AddRequest puts r at the head of the list.
func (s *State) AddRequest(r domain.Request) {
	s.mu.Lock()
	s.requests = slices.Insert(slices.Clone(s.requests), 0, r)
	s.mu.Unlock()
	s.emit(Change{Topic: TopicRequests, ID: r.ID})
}

// ReplaceRequest swaps the record with tempID for r. When tempID is gone r
// replaces any record with its own id, or is added.
func (s *State) ReplaceRequest(tempID string, r domain.Request) {
	s.mu.Lock()
	rs := slices.Clone(s.requests)
	rs = slices.DeleteFunc(rs, func(x domain.Request) bool { return x.ID == r.ID && x.ID != tempID })
	if i := slices.IndexFunc(rs, func(x domain.Request) bool { return x.ID == tempID }); i >= 0 {
		rs[i] = r
	} else {
		rs = slices.Insert(rs, 0, r)
	}
	s.requests = rs
	s.mu.Unlock()
	s.emit(Change{Topic: TopicRequests, ID: r.ID})
}

// RemoveRequest drops the request with id. It reports whether one was found.
func (s *State) RemoveRequest(id string) bool {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = slices.DeleteFunc(slices.Clone(s.requests), func(x domain.Request) bool { return x.ID == id })
	removed := len(s.requests) != n
	s.mu.Unlock()
	if removed {
		s.emit(Change{Topic: TopicRequests, ID: id})
	}
	return removed
}

func (s *State) SetMatches(ms []domain.Match) {
	s.mu.Lock()
	s.matches = slices.Clone(ms)
	s.mu.Unlock()
	s.emit(Change{Topic: TopicMatches})
}

func (s *State) AddMatch(m domain.Match) {
	s.mu.Lock()
	s.matches = slices.Insert(slices.Clone(s.matches), 0, m)
	s.mu.Unlock()
	s.emit(Change{Topic: TopicMatches, ID: m.ID})
}

// RekeyMatch renames a locally synthesized match to its server id.
func (s *State) RekeyMatch(oldID, newID string) bool {
	s.mu.Lock()
	i := slices.IndexFunc(s.matches, func(x domain.Match) bool { return x.ID == oldID })
	if i < 0 || oldID == newID {
		s.mu.Unlock()
		return false
	}
	ms := slices.Clone(s.matches)
	ms[i].ID = newID
	s.matches = dedupeByID(ms, func(x domain.Match) string { return x.ID })
	s.mu.Unlock()
	s.emit(Change{Topic: TopicMatches, ID: newID})
	return true
}

func (s *State) SetSuggestions(ss []domain.Suggestion) {
	s.mu.Lock()
	s.suggestions = slices.Clone(ss)
	s.mu.Unlock()
	s.emit(Change{Topic: TopicSuggestions})
}

// MarkSuggestionAccepted flips suggestion id to accepted. It returns false if
// the suggestion is unknown.
func (s *State) MarkSuggestionAccepted(id, conversationID string) bool {
	s.mu.Lock()
	i := slices.IndexFunc(s.suggestions, func(x domain.Suggestion) bool { return x.ID == id })
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	ss := slices.Clone(s.suggestions)
	ss[i].MarkAccepted(conversationID)
	s.suggestions = ss
	s.mu.Unlock()
	s.emit(Change{Topic: TopicSuggestions, ID: id})
	return true
}

func (s *State) SetConversations(cs []domain.Conversation) {
	s.mu.Lock()
	s.conversations = cloneConversations(cs)
	s.mu.Unlock()
	s.emit(Change{Topic: TopicConversations})
}

func (s *State) AddConversation(c domain.Conversation) {
	s.mu.Lock()
	s.conversations = slices.Insert(cloneConversations(s.conversations), 0, c.Clone())
	s.mu.Unlock()
	s.emit(Change{Topic: TopicConversations, ID: c.ID})
}

// RekeyConversation renames a locally synthesized conversation to its server
// id, carrying its messages and suggestion references along.
func (s *State) RekeyConversation(oldID, newID string) bool {
	s.mu.Lock()
	i := s.conversationIndex(oldID)
	if i < 0 || oldID == newID {
		s.mu.Unlock()
		return false
	}
	cs := cloneConversations(s.conversations)
	cs[i].ID = newID
	s.conversations = dedupeByID(cs, func(x domain.Conversation) string { return x.ID })

	if msgs, ok := s.messages[oldID]; ok {
		moved := make([]domain.Message, len(msgs))
		for j, m := range msgs {
			m.ConversationID = newID
			moved[j] = m
		}
		s.messages[newID] = append(moved, s.messages[newID]...)
		delete(s.messages, oldID)
	}

	ss := slices.Clone(s.suggestions)
	for j := range ss {
		if ss[j].ConversationID == oldID {
			ss[j].ConversationID = newID
		}
	}
	s.suggestions = ss
	s.mu.Unlock()
	s.emit(Change{Topic: TopicConversations, ID: newID}, Change{Topic: TopicMessages, ID: newID})
	return true
}

func (s *State) SetMessages(conversationID string, msgs []domain.Message) {
	s.mu.Lock()
	s.messages[conversationID] = slices.Clone(msgs)
	s.mu.Unlock()
	s.emit(Change{Topic: TopicMessages, ID: conversationID})
}

// AppendMessage adds m to its conversation and updates the conversation preview.
func (s *State) AppendMessage(m domain.Message) {
	s.mu.Lock()
	s.messages[m.ConversationID] = append(slices.Clone(s.messages[m.ConversationID]), m)
	s.touchConversation(m)
	s.mu.Unlock()
	s.emit(Change{Topic: TopicMessages, ID: m.ConversationID}, Change{Topic: TopicConversations, ID: m.ConversationID})
}

// ReplaceMessage swaps the optimistic message tempID for the confirmed m.
func (s *State) ReplaceMessage(tempID string, m domain.Message) bool {
	s.mu.Lock()
	msgs := slices.Clone(s.messages[m.ConversationID])
	i := slices.IndexFunc(msgs, func(x domain.Message) bool { return x.ID == tempID })
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	msgs[i] = m
	s.messages[m.ConversationID] = msgs
	s.mu.Unlock()
	s.emit(Change{Topic: TopicMessages, ID: m.ConversationID})
	return true
}

// RemoveMessage drops message id from a conversation.
func (s *State) RemoveMessage(conversationID, id string) bool {
	s.mu.Lock()
	msgs := s.messages[conversationID]
	n := len(msgs)
	msgs = slices.DeleteFunc(slices.Clone(msgs), func(x domain.Message) bool { return x.ID == id })
	removed := len(msgs) != n
	if removed {
		s.messages[conversationID] = msgs
	}
	s.mu.Unlock()
	if removed {
		s.emit(Change{Topic: TopicMessages, ID: conversationID})
	}
	return removed
}

// MarkConversationRead zeroes the unread counter of id.
func (s *State) MarkConversationRead(id string) bool {
	return s.updateConversation(id, func(c *domain.Conversation) { c.MarkRead() })
}

// IncrementUnread adds n to the unread counter of id, clamping at zero.
func (s *State) IncrementUnread(id string, n int) bool {
	return s.updateConversation(id, func(c *domain.Conversation) { c.AddUnread(n) })
}

func (s *State) IncrementNotifications() int {
	s.mu.Lock()
	s.notifications++
	n := s.notifications
	s.mu.Unlock()
	s.emit(Change{Topic: TopicNotifications})
	return n
}

func (s *State) ClearNotifications() {
	s.mu.Lock()
	s.notifications = 0
	s.mu.Unlock()
	s.emit(Change{Topic: TopicNotifications})
}

func (s *State) SetLastSync(t time.Time) {
	s.mu.Lock()
	s.lastSync = t
	s.mu.Unlock()
	s.emit(Change{Topic: TopicSync})
}

// Hydrate loads a cached snapshot. Nil parts leave the current value alone.
func (s *State) Hydrate(snap *domain.Snapshot) {
	if snap == nil {
		return
	}
	s.mu.Lock()
	if snap.User != nil {
		u := snap.User.Clone()
		s.user = &u
	}
	if snap.Requests != nil {
		s.requests = slices.Clone(snap.Requests)
	}
	if snap.Matches != nil {
		s.matches = slices.Clone(snap.Matches)
	}
	if snap.Suggestions != nil {
		s.suggestions = slices.Clone(snap.Suggestions)
	}
	if snap.Conversations != nil {
		s.conversations = cloneConversations(snap.Conversations)
	}
	s.mu.Unlock()
	s.emit(
		Change{Topic: TopicUser},
		Change{Topic: TopicRequests},
		Change{Topic: TopicMatches},
		Change{Topic: TopicSuggestions},
		Change{Topic: TopicConversations},
	)
}

// Reset drops everything, as on logout.
func (s *State) Reset() {
	s.mu.Lock()
	s.user = nil
	s.requests = nil
	s.matches = nil
	s.suggestions = nil
	s.conversations = nil
	s.messages = make(map[string][]domain.Message)
	s.notifications = 0
	s.lastSync = time.Time{}
	s.mu.Unlock()
	s.emit(Change{Topic: TopicReset})
}

func (s *State) conversationIndex(id string) int {
	return slices.IndexFunc(s.conversations, func(x domain.Conversation) bool { return x.ID == id })
}

func (s *State) updateConversation(id string, fn func(*domain.Conversation)) bool {
	s.mu.Lock()
	i := s.conversationIndex(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	cs := cloneConversations(s.conversations)
	fn(&cs[i])
	s.conversations = cs
	s.mu.Unlock()
	s.emit(Change{Topic: TopicConversations, ID: id})
	return true
}

// touchConversation updates the preview of m's conversation. Caller holds mu.
func (s *State) touchConversation(m domain.Message) {
	i := s.conversationIndex(m.ConversationID)
	if i < 0 {
		return
	}
	cs := cloneConversations(s.conversations)
	cs[i].LastMessage = m.Content
	if m.CreatedAt.After(cs[i].UpdatedAt) {
		cs[i].UpdatedAt = m.CreatedAt
	}
	s.conversations = cs
}

func cloneConversations(cs []domain.Conversation) []domain.Conversation {
	if cs == nil {
		return nil
	}
	out := make([]domain.Conversation, len(cs))
	for i, c := range cs {
		out[i] = c.Clone()
	}
	return out
}

// dedupeByID keeps the first occurrence of each id.
func dedupeByID[T any](xs []T, id func(T) string) []T {
	seen := make(map[string]bool, len(xs))
	out := xs[:0]
	for _, x := range xs {
		if seen[id(x)] {
			continue
		}
		seen[id(x)] = true
		out = append(out, x)
	}
	return out
}
