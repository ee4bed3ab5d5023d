// Package notify schedules local push notifications. Delivery is
// fire-and-forget: dispatchers log failures and never return them.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/binomepay/binomepay-go/internal/platform/logutil"
)

type Kind string

const (
	KindMatchAccepted Kind = "MATCH_ACCEPTED"
	KindNewMessage    Kind = "NEW_MESSAGE"
	KindMatchExpiring Kind = "MATCH_EXPIRING"
	KindKYCUpdate     Kind = "KYC_UPDATE"
	KindNewSuggestion Kind = "NEW_SUGGESTION"
	// KindActionFailed reports an offline action moved to the dead-letter list.
	KindActionFailed Kind = "ACTION_FAILED"
)

// Notification is a typed local notification.
type Notification struct {
	Kind      Kind              `json:"kind"`
	UserID    string            `json:"user_id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Dispatcher delivers notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification)
}

func MatchAccepted(userID, counterpart, conversationID, matchID string) Notification {
	return Notification{
		Kind:   KindMatchAccepted,
		UserID: userID,
		Title:  "Nouveau match",
		Body:   fmt.Sprintf("Vous êtes en relation avec %s", counterpart),
		Data:   map[string]string{"conversation_id": conversationID, "match_id": matchID},
	}
}

func NewMessage(userID, counterpart, conversationID, preview string) Notification {
	return Notification{
		Kind:   KindNewMessage,
		UserID: userID,
		Title:  counterpart,
		Body:   preview,
		Data:   map[string]string{"conversation_id": conversationID},
	}
}

func MatchExpiring(userID, matchID, counterpart string) Notification {
	return Notification{
		Kind:   KindMatchExpiring,
		UserID: userID,
		Title:  "Match expiré",
		Body:   fmt.Sprintf("Votre match avec %s a expiré", counterpart),
		Data:   map[string]string{"match_id": matchID},
	}
}

func KYCUpdate(userID, status string) Notification {
	return Notification{
		Kind:   KindKYCUpdate,
		UserID: userID,
		Title:  "Vérification d'identité",
		Body:   fmt.Sprintf("Statut de vérification : %s", status),
		Data:   map[string]string{"kyc_status": status},
	}
}

func NewSuggestion(userID, suggestionID, sender string) Notification {
	return Notification{
		Kind:   KindNewSuggestion,
		UserID: userID,
		Title:  "Nouvelle suggestion",
		Body:   fmt.Sprintf("%s correspond à votre demande", sender),
		Data:   map[string]string{"suggestion_id": suggestionID},
	}
}

func ActionFailed(userID, actionID, actionType, lastError string) Notification {
	return Notification{
		Kind:   KindActionFailed,
		UserID: userID,
		Title:  "Action non synchronisée",
		Body:   fmt.Sprintf("Une action (%s) n'a pas pu être envoyée", actionType),
		Data:   map[string]string{"action_id": actionID, "action_type": actionType, "error": lastError},
	}
}

// LogDispatcher writes notifications to a logger.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logutil.NoopIfNil(logger)}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, n Notification) {
	d.logger.Info("notification",
		"kind", n.Kind,
		"user_id", n.UserID,
		"title", n.Title,
		"body", n.Body,
	)
}

// Recorder keeps every notification in memory.
type Recorder struct {
	mu    sync.Mutex
	items []Notification
}

func (r *Recorder) Dispatch(ctx context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

// All returns a copy of the recorded notifications.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.items)
}

// Count returns how many notifications of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
}

// Multi fans out to several dispatchers in order.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, n Notification) {
	for _, d := range m {
		d.Dispatch(ctx, n)
	}
}

// Stamped sets CreatedAt before delegating.
type Stamped struct {
	Next Dispatcher
	Now  func() time.Time
}

func (s Stamped) Dispatch(ctx context.Context, n Notification) {
	if n.CreatedAt.IsZero() {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		n.CreatedAt = now()
	}
	s.Next.Dispatch(ctx, n)
}
