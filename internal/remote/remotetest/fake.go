// Package remotetest provides a scriptable remote.DataClient for tests.
package remotetest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/binomepay/binomepay-go/internal/domain"
	"github.com/binomepay/binomepay-go/internal/remote"
)

// Method names used in the call log and for failure injection.
const (
	MethodFetchUserProfile       = "FetchUserProfile"
	MethodUpdateUserProfile      = "UpdateUserProfile"
	MethodCreateRequest          = "CreateRequest"
	MethodFetchUserRequests      = "FetchUserRequests"
	MethodFetchUserMatches       = "FetchUserMatches"
	MethodFetchSuggestions       = "FetchSuggestionsForUser"
	MethodAcceptSuggestion       = "AcceptSuggestion"
	MethodFetchUserConversations = "FetchUserConversations"
	MethodFetchMessages          = "FetchMessages"
	MethodSendMessage            = "SendMessage"
	MethodMarkConversationAsRead = "MarkConversationAsRead"
	MethodReportUser             = "ReportUser"
	MethodSyncUserData           = "SyncUserData"
	MethodCheckAPIHealth         = "CheckAPIHealth"
)

// Call is one recorded invocation.
type Call struct {
	Method string
	Args   []string
}

func (c Call) String() string {
	return c.Method + "(" + strings.Join(c.Args, ", ") + ")"
}

type failure struct {
	err       error
	remaining int // <0 means forever
}

// Fake is an in-memory backend. Mutations are reflected in later fetches.
type Fake struct {
	mu       sync.Mutex
	calls    []Call
	data     domain.Snapshot
	messages map[string][]domain.Message
	reports  []domain.Report
	failures map[string]*failure
	healthy  bool
	seq      int
	Now      func() time.Time
}

// NewFake returns a healthy fake with an empty dataset.
func NewFake() *Fake {
	return &Fake{
		messages: make(map[string][]domain.Message),
		failures: make(map[string]*failure),
		healthy:  true,
		Now:      time.Now,
	}
}

// Update mutates the dataset under the lock.
func (f *Fake) Update(fn func(s *domain.Snapshot)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.data)
}

// SetHealthy controls CheckAPIHealth.
func (f *Fake) SetHealthy(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = ok
}

// FailAlways makes method return err until Recover.
func (f *Fake) FailAlways(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = &failure{err: err, remaining: -1}
}

// FailNext makes the next n calls of method return err.
func (f *Fake) FailNext(method string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = &failure{err: err, remaining: n}
}

// Recover clears injected failures for method.
func (f *Fake) Recover(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, method)
}

// Calls returns a copy of the call log.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// CallsTo counts invocations of method.
func (f *Fake) CallsTo(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// ResetCalls empties the call log.
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// Reports returns received reports.
func (f *Fake) Reports() []domain.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.reports)
}

// record logs the call and returns an injected failure, if any. Callers hold f.mu.
func (f *Fake) record(method string, args ...string) error {
	f.calls = append(f.calls, Call{Method: method, Args: args})
	fl, ok := f.failures[method]
	if !ok {
		return nil
	}
	if fl.remaining > 0 {
		fl.remaining--
		if fl.remaining == 0 {
			delete(f.failures, method)
		}
	}
	return fl.err
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *Fake) FetchUserProfile(ctx context.Context, userID string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(MethodFetchUserProfile, userID); err != nil {
		return nil, err
	}
	if f.data.User == nil {
		return nil, &remote.StatusError{StatusCode: 404, Message: "user not found"}
	}
	u := f.data.User.Clone()
	return &u, nil
}

func (f *Fake) UpdateUserProfile(ctx context.Context, userID string, patch domain.ProfilePatch) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(MethodUpdateUserProfile, userID); err != nil {
		return nil, err
	}
	base := domain.User{ID: userID}
	if f.data.User != nil {
		base = *f.data.User
	}
	u := patch.Apply(base, f.Now())
	f.data.User = &u
	out := u.Clone()
	return &out, nil
}

func (f *Fake) CreateRequest(ctx context.Context, userID string, nr domain.NewRequest) (*domain.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(MethodCreateRequest, userID, nr.Amount.String()+" "+nr.Currency); err != nil {
		return nil, err
	}
	now := f.Now()
	r := domain.Request{
		ID: f.nextID("r"), UserID: userID, Direction: nr.Direction, Amount: nr.Amount, Currency: nr.Currency,
		OriginCountry: nr.OriginCountry, DestCountry: nr.DestCountry, Status: domain.RequestOpen,
		CreatedAt: now, UpdatedAt: now,
	}
	f.data.Requests = append(f.data.Requests, r)
	return &r, nil
}

func (f *Fake) FetchUserRequests(ctx context.Context, userID string) ([]domain.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(MethodFetchUserRequests, userID); err != nil {
		return nil, err
	}
	return slices.Clone(f.data.Requests), nil
}

func (f *Fake) FetchUserMatches(ctx context.Context, userID string) ([]domain.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(MethodFetchUserMatches, userID); err != nil {
		return nil, err
	}
	return slices.Clone(f.data.Matches), nil
}

func (f *Fake) FetchSuggestionsForUser(ctx context.Context, userID string) ([]domain.Suggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(MethodFetchSuggestions, userID); err != nil {
		return nil, err
	}
	return slices.Clone(f.data.Suggestions), nil
}

func (f *Fake) AcceptSuggestion(ctx context.Context, suggestionID, userID string) (*domain.AcceptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(MethodAcceptSuggestion, suggestionID, userID); err != nil {
		return nil, err
	}
	i := slices.IndexFunc(f.data.Suggestions, func(s domain.Suggestion) bool { return s.ID == suggestionID })
	if i < 0 {
		return nil, &remote.StatusError{StatusCode: 404, Message: "suggestion not found"}
	}
	s := &f.data.Suggestions[i]
	res := &domain.AcceptResult{ConversationID: "c_" + s.ID, MatchID: "m_" + s.ID}
	if !s.IsAccepted {
		now := f.Now()
		f.data.Matches = append(f.data.Matches, domain.Match{
			ID: res.MatchID, CounterpartName: s.SenderName, Amount: s.Amount, Currency: s.Currency,
			Corridor: s.Corridor(), Status: domain.MatchAccepted, CreatedAt: now, UpdatedAt: now,
		})
		f.data.Conversations = append(f.data.Conversations, domain.Conversation{
			ID: res.ConversationID, CounterpartName: s.SenderName, UpdatedAt: now,
			MatchDetails: &domain.MatchDetails{Amount: s.Amount, Currency: s.Currency, Corridor: s.Corridor()},
		})
		s.MarkAccepted(res.ConversationID)
	}
	return res, nil
}

func (f *Fake) FetchUserConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(MethodFetchUserConversations, userID); err != nil {
		return nil, err
	}
	out := make([]domain.Conversation, len(f.data.Conversations))
	for i, c := range f.data.Conversations {
		out[i] = c.Clone()
	}
	return out, nil
}

func (f *Fake) FetchMessages(ctx context.Context, conversationID, userID string) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(MethodFetchMessages, conversationID, userID); err != nil {
		return nil, err
	}
	return slices.Clone(f.messages[conversationID]), nil
}

func (f *Fake) SendMessage(ctx context.Context, conversationID, content, senderID string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(MethodSendMessage, conversationID, content, senderID); err != nil {
		return nil, err
	}
	m := domain.Message{ID: f.nextID("msg"), ConversationID: conversationID, SenderID: senderID, Content: content, CreatedAt: f.Now()}
	f.messages[conversationID] = append(f.messages[conversationID], m)
	return &m, nil
}

func (f *Fake) MarkConversationAsRead(ctx context.Context, conversationID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record(MethodMarkConversationAsRead, conversationID, userID)
}

func (f *Fake) ReportUser(ctx context.Context, userID string, report domain.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(MethodReportUser, userID, report.ReportedUserID); err != nil {
		return err
	}
	f.reports = append(f.reports, report)
	return nil
}

func (f *Fake) SyncUserData(ctx context.Context, userID string) (*domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(MethodSyncUserData, userID); err != nil {
		return nil, err
	}
	snap := domain.Snapshot{
		Requests:    slices.Clone(f.data.Requests),
		Matches:     slices.Clone(f.data.Matches),
		Suggestions: slices.Clone(f.data.Suggestions),
	}
	if f.data.User != nil {
		u := f.data.User.Clone()
		snap.User = &u
	}
	for _, c := range f.data.Conversations {
		snap.Conversations = append(snap.Conversations, c.Clone())
	}
	return &snap, nil
}

func (f *Fake) CheckAPIHealth(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Method: MethodCheckAPIHealth})
	return f.healthy
}

var _ remote.DataClient = (*Fake)(nil)
