// Package exchange implements the user operations of the client: each one
// updates the application state optimistically, then confirms with the
// backend or defers to the offline queue.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/binomepay/binomepay-go/internal/appstate"
	"github.com/binomepay/binomepay-go/internal/auth"
	"github.com/binomepay/binomepay-go/internal/domain"
	"github.com/binomepay/binomepay-go/internal/notify"
	"github.com/binomepay/binomepay-go/internal/offline"
	"github.com/binomepay/binomepay-go/internal/platform/logutil"
	"github.com/binomepay/binomepay-go/internal/platform/store"
	"github.com/binomepay/binomepay-go/internal/ratelimit"
	"github.com/binomepay/binomepay-go/internal/remote"
	"github.com/binomepay/binomepay-go/internal/snapshot"
	"github.com/binomepay/binomepay-go/internal/validation"
)

var (
	ErrNoSession            = errors.New("no active session")
	ErrSuggestionNotFound   = errors.New("suggestion not found")
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrDuplicateAction means the operation matched an earlier queued or
	// dead-lettered action whose local record is no longer available.
	ErrDuplicateAction = errors.New("duplicate of an earlier offline action")
)

// aliasesKey maps locally synthesized ids to the server ids assigned on replay.
const aliasesKey = "offline:id_aliases"

// Options wires a Service. Remote, State, Auth, Queue, Limits and Store are required.
type Options struct {
	Remote    remote.DataClient
	State     *appstate.State
	Auth      auth.Provider
	Queue     *offline.Queue
	Limits    *ratelimit.Registry
	Store     store.Store
	Snapshots *snapshot.Cache
	Notifier  notify.Dispatcher
	Logger    *slog.Logger
	Now       func() time.Time
	NewID     func() string
}

// Service runs user operations.
type Service struct {
	remote    remote.DataClient
	state     *appstate.State
	auth      auth.Provider
	queue     *offline.Queue
	limits    *ratelimit.Registry
	store     store.Store
	snapshots *snapshot.Cache
	notifier  notify.Dispatcher
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	// acceptMu serializes acceptances so a double tap cannot create two matches.
	acceptMu  sync.Mutex
	aliasesMu sync.Mutex
}

func New(opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:12] }
	}
	return &Service{
		remote:    opts.Remote,
		state:     opts.State,
		auth:      opts.Auth,
		queue:     opts.Queue,
		limits:    opts.Limits,
		store:     opts.Store,
		snapshots: opts.Snapshots,
		notifier:  opts.Notifier,
		logger:    logutil.NoopIfNil(opts.Logger),
		now:       opts.Now,
		newID:     opts.NewID,
	}
}

func (s *Service) userID(ctx context.Context) (string, error) {
	sess, ok := s.auth.Session(ctx)
	if !ok || sess.UserID == "" {
		return "", ErrNoSession
	}
	return sess.UserID, nil
}

func (s *Service) touch(ctx context.Context, userID string) {
	if s.snapshots == nil {
		return
	}
	if err := s.snapshots.TouchActivity(ctx, userID); err != nil {
		s.logger.Debug("failed to record activity", "error", err)
	}
}

func (s *Service) dispatch(ctx context.Context, n notify.Notification) {
	if s.notifier != nil {
		s.notifier.Dispatch(ctx, n)
	}
}

// enqueue stores a for replay after a failed remote call. When a collapses
// into an earlier duplicate, that action is returned with enqueued false.
func (s *Service) enqueue(ctx context.Context, a offline.Action, cause error) (offline.Action, bool, error) {
	kept, enqueued, err := s.queue.Enqueue(ctx, a)
	if err != nil {
		return offline.Action{}, false, fmt.Errorf("queue %s: %w", a.Type, err)
	}
	s.logger.Info("remote call failed, action queued",
		"type", a.Type, "action_id", kept.ID, "enqueued", enqueued, "error", cause)
	return kept, enqueued, nil
}

// localID returns the optimistic record id a create or send action stands behind.
func localID(a offline.Action) string {
	if ids := a.LocalIDs(); len(ids) > 0 {
		return ids[0]
	}
	return ""
}

// Restore hydrates the state from the local snapshot of the signed-in user.
func (s *Service) Restore(ctx context.Context) error {
	userID, err := s.userID(ctx)
	if err != nil || s.snapshots == nil {
		return err
	}
	snap, err := s.snapshots.Load(ctx, userID)
	if err != nil {
		return err
	}
	s.state.Hydrate(snap)
	if at, err := s.snapshots.LastSync(ctx, userID); err == nil && !at.IsZero() {
		s.state.SetLastSync(at)
	}
	return nil
}

// CreateIntention validates and records a new request. The returned request
// carries a temp_ id when the backend could not be reached.
func (s *Service) CreateIntention(ctx context.Context, in validation.IntentionInput) (*domain.Request, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateIntention(in).Err(); err != nil {
		return nil, err
	}
	if err := s.limits.Intentions.Allow(ctx); err != nil {
		return nil, err
	}
	s.touch(ctx, userID)

	nr := in.Normalize()
	now := s.now()
	temp := domain.Request{
		ID:            domain.TempIDPrefix + s.newID(),
		UserID:        userID,
		Direction:     nr.Direction,
		Amount:        nr.Amount,
		Currency:      nr.Currency,
		OriginCountry: nr.OriginCountry,
		DestCountry:   nr.DestCountry,
		Status:        domain.RequestOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.state.AddRequest(temp)

	created, err := s.remote.CreateRequest(ctx, userID, nr)
	if err == nil && created != nil {
		s.state.ReplaceRequest(temp.ID, *created)
		return created, nil
	}

	a, aerr := offline.NewCreateRequest(userID, temp.ID, nr, now)
	if aerr != nil {
		return nil, aerr
	}
	kept, enqueued, qerr := s.enqueue(ctx, a, err)
	if qerr != nil {
		return nil, qerr
	}
	if !enqueued {
		// The earlier action owns the optimistic record; drop ours.
		s.state.RemoveRequest(temp.ID)
		id := localID(kept)
		for _, r := range s.state.Requests() {
			if r.ID == id {
				return &r, nil
			}
		}
		return nil, ErrDuplicateAction
	}
	return &temp, nil
}

// SendMessage posts content to a conversation.
func (s *Service) SendMessage(ctx context.Context, conversationID, content string) (*domain.Message, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateMessage(content).Err(); err != nil {
		return nil, err
	}
	if _, ok := s.state.Conversation(conversationID); !ok {
		return nil, ErrConversationNotFound
	}
	if err := s.limits.Messages.Allow(ctx); err != nil {
		return nil, err
	}
	s.touch(ctx, userID)

	content = strings.TrimSpace(content)
	now := s.now()
	temp := domain.Message{
		ID:             domain.TempIDPrefix + s.newID(),
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        content,
		CreatedAt:      now,
	}
	s.state.AppendMessage(temp)

	var sent *domain.Message
	if !domain.IsTempID(conversationID) {
		sent, err = s.remote.SendMessage(ctx, conversationID, content, userID)
	} else {
		err = fmt.Errorf("conversation %s not confirmed yet", conversationID)
	}
	if err == nil && sent != nil {
		s.state.ReplaceMessage(temp.ID, *sent)
		return sent, nil
	}

	a, aerr := offline.NewSendMessage(userID, temp.ID, conversationID, content, now)
	if aerr != nil {
		return nil, aerr
	}
	kept, enqueued, qerr := s.enqueue(ctx, a, err)
	if qerr != nil {
		return nil, qerr
	}
	if !enqueued {
		s.state.RemoveMessage(conversationID, temp.ID)
		id := localID(kept)
		for _, m := range s.state.Messages(conversationID) {
			if m.ID == id {
				return &m, nil
			}
		}
		return nil, ErrDuplicateAction
	}
	return &temp, nil
}

// AcceptSuggestion links the suggestion to a new match and conversation and
// returns the conversation id. An already accepted suggestion returns its
// existing conversation id.
func (s *Service) AcceptSuggestion(ctx context.Context, suggestionID string) (string, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return "", err
	}

	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()

	sg, ok := s.state.Suggestion(suggestionID)
	if !ok {
		return "", ErrSuggestionNotFound
	}
	if sg.IsAccepted && sg.ConversationID != "" {
		return sg.ConversationID, nil
	}
	s.touch(ctx, userID)

	now := s.now()
	res, err := s.remote.AcceptSuggestion(ctx, suggestionID, userID)
	var conversationID, matchID string
	if err == nil && res != nil {
		conversationID, matchID = res.ConversationID, res.MatchID
	}
	if conversationID == "" {
		conversationID = domain.LocalIDPrefix + "conv_" + s.newID()
	}
	if matchID == "" {
		matchID = domain.LocalIDPrefix + "match_" + s.newID()
	}
	if err != nil {
		a, aerr := offline.NewAcceptSuggestion(userID, suggestionID, conversationID, matchID, now)
		if aerr != nil {
			return "", aerr
		}
		kept, enqueued, qerr := s.enqueue(ctx, a, err)
		if qerr != nil {
			return "", qerr
		}
		if !enqueued {
			if p, perr := offline.DecodePayload[offline.AcceptSuggestionPayload](kept); perr == nil {
				conversationID, matchID = p.ConversationID, p.MatchID
			}
		}
	}

	corridor := sg.Corridor()
	if !s.hasMatch(matchID) {
		s.state.AddMatch(domain.Match{
			ID:              matchID,
			CounterpartName: sg.SenderName,
			Amount:          sg.Amount,
			Currency:        sg.Currency,
			Corridor:        corridor,
			Status:          domain.MatchAccepted,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}
	if _, exists := s.state.Conversation(conversationID); !exists {
		s.state.AddConversation(domain.Conversation{
			ID:              conversationID,
			CounterpartName: sg.SenderName,
			UpdatedAt:       now,
			MatchDetails: &domain.MatchDetails{
				Amount:   sg.Amount,
				Currency: sg.Currency,
				Corridor: corridor,
			},
		})
	}
	s.state.MarkSuggestionAccepted(suggestionID, conversationID)
	s.state.IncrementNotifications()
	s.dispatch(ctx, notify.MatchAccepted(userID, sg.SenderName, conversationID, matchID))

	s.logger.Info("suggestion accepted",
		"suggestion_id", suggestionID, "conversation_id", conversationID, "match_id", matchID, "queued", err != nil)
	return conversationID, nil
}

func (s *Service) hasMatch(id string) bool {
	for _, m := range s.state.Matches() {
		if m.ID == id {
			return true
		}
	}
	return false
}

// MarkConversationRead resets the unread counter locally and tells the
// backend on a best-effort basis.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID string) error {
	userID, err := s.userID(ctx)
	if err != nil {
		return err
	}
	if !s.state.MarkConversationRead(conversationID) {
		return ErrConversationNotFound
	}
	id := s.resolve(ctx, conversationID)
	if domain.IsTempID(id) {
		return nil
	}
	if err := s.remote.MarkConversationAsRead(ctx, id, userID); err != nil {
		s.logger.Warn("failed to mark conversation read remotely", "conversation_id", id, "error", err)
	}
	return nil
}

// UpdateProfile applies patch optimistically, then confirms or queues it.
func (s *Service) UpdateProfile(ctx context.Context, patch domain.ProfilePatch) (*domain.User, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	if patch.DisplayName != nil && strings.TrimSpace(*patch.DisplayName) == "" {
		return nil, (validation.Result{Errors: []string{"display name cannot be empty"}}).Err()
	}
	if patch.Empty() {
		if u, ok := s.state.User(); ok {
			return &u, nil
		}
		return &domain.User{ID: userID}, nil
	}
	s.touch(ctx, userID)

	now := s.now()
	local, ok := s.state.PatchUser(patch, now)
	if !ok {
		local = patch.Apply(domain.User{ID: userID}, now)
		s.state.SetUser(&local)
	}

	updated, err := s.remote.UpdateUserProfile(ctx, userID, patch)
	if err == nil && updated != nil {
		s.state.SetUser(updated)
		return updated, nil
	}

	a, aerr := offline.NewUpdateProfile(userID, patch, now)
	if aerr != nil {
		return nil, aerr
	}
	if _, _, qerr := s.enqueue(ctx, a, err); qerr != nil {
		return nil, qerr
	}
	return &local, nil
}

// ReportUser files a report. Reports are not queued; failures are returned.
func (s *Service) ReportUser(ctx context.Context, in validation.ReportInput) error {
	userID, err := s.userID(ctx)
	if err != nil {
		return err
	}
	if err := validation.ValidateReport(in).Err(); err != nil {
		return err
	}
	if err := s.limits.Reports.Allow(ctx); err != nil {
		return err
	}
	s.touch(ctx, userID)

	report := domain.Report{
		ReportedUserID: strings.TrimSpace(in.ReportedUserID),
		Reason:         strings.TrimSpace(in.Reason),
		Details:        strings.TrimSpace(in.Details),
	}
	if err := s.remote.ReportUser(ctx, userID, report); err != nil {
		return fmt.Errorf("report user: %w", err)
	}
	return nil
}

// LoadMessages fetches the messages of a conversation, keeping unconfirmed
// local messages at the end.
func (s *Service) LoadMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	userID, err := s.userID(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := s.state.Conversation(conversationID); !ok {
		return nil, ErrConversationNotFound
	}
	id := s.resolve(ctx, conversationID)
	if domain.IsTempID(id) {
		return s.state.Messages(conversationID), nil
	}

	fetched, err := s.remote.FetchMessages(ctx, id, userID)
	if err != nil {
		s.logger.Warn("failed to load messages, keeping cached copy", "conversation_id", id, "error", err)
		return s.state.Messages(conversationID), nil
	}
	merged := append([]domain.Message{}, fetched...)
	for _, m := range s.state.Messages(conversationID) {
		if domain.IsTempID(m.ID) {
			merged = append(merged, m)
		}
	}
	s.state.SetMessages(conversationID, merged)
	return merged, nil
}

// Logout signs out and forgets the user's local state. Queued actions are kept.
func (s *Service) Logout(ctx context.Context) error {
	userID, _ := s.userID(ctx)
	var errs []error
	if err := s.auth.SignOut(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sign out: %w", err))
	}
	s.state.Reset()
	if userID != "" && s.snapshots != nil {
		if err := s.snapshots.Clear(ctx, userID); err != nil {
			errs = append(errs, fmt.Errorf("clear snapshot: %w", err))
		}
	}
	return errors.Join(errs...)
}
