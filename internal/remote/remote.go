// Package remote defines the backend data client. Implementations are chosen
// once at startup: httpapi talks to the real backend, mock serves demo data.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/binomepay/binomepay-go/internal/domain"
)

var (
	// ErrUnavailable is returned when the backend cannot be reached at all.
	ErrUnavailable = errors.New("backend unavailable")
	ErrNotFound    = errors.New("not found")
)

// DataClient performs CRUD calls against the backend. It never retries.
type DataClient interface {
	FetchUserProfile(ctx context.Context, userID string) (*domain.User, error)
	UpdateUserProfile(ctx context.Context, userID string, patch domain.ProfilePatch) (*domain.User, error)

	CreateRequest(ctx context.Context, userID string, req domain.NewRequest) (*domain.Request, error)
	FetchUserRequests(ctx context.Context, userID string) ([]domain.Request, error)

	FetchUserMatches(ctx context.Context, userID string) ([]domain.Match, error)

	FetchSuggestionsForUser(ctx context.Context, userID string) ([]domain.Suggestion, error)
	AcceptSuggestion(ctx context.Context, suggestionID, userID string) (*domain.AcceptResult, error)

	FetchUserConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
	FetchMessages(ctx context.Context, conversationID, userID string) ([]domain.Message, error)
	SendMessage(ctx context.Context, conversationID, content, senderID string) (*domain.Message, error)
	MarkConversationAsRead(ctx context.Context, conversationID, userID string) error

	ReportUser(ctx context.Context, userID string, report domain.Report) error

	SyncUserData(ctx context.Context, userID string) (*domain.Snapshot, error)
	CheckAPIHealth(ctx context.Context) bool
}

// StatusError is a non-2xx backend response.
type StatusError struct {
	StatusCode int
	ReasonCode string
	Message    string
}

func (e *StatusError) Error() string {
	if e.ReasonCode != "" {
		return fmt.Sprintf("backend returned %d (%s): %s", e.StatusCode, e.ReasonCode, e.Message)
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// HTTPStatus lets the retry predicate classify the error.
func (e *StatusError) HTTPStatus() int { return e.StatusCode }

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
