package offline

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/binomepay/binomepay-go/internal/domain"
)

// Type tags an offline action.
type Type string

const (
	TypeCreateRequest    Type = "CREATE_REQUEST"
	TypeSendMessage      Type = "SEND_MESSAGE"
	TypeAcceptSuggestion Type = "ACCEPT_SUGGESTION"
	TypeUpdateProfile    Type = "UPDATE_PROFILE"
)

// Action is a deferred user mutation.
type Action struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	UserID         string          `json:"user_id"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	Attempts       int             `json:"attempts"`
	IdempotencyKey string          `json:"idempotency_key"`
	LastError      string          `json:"last_error,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// CreateRequestPayload replays a request created while offline. TempID is the
// optimistic record to replace once the server confirms.
type CreateRequestPayload struct {
	TempID  string            `json:"temp_id"`
	Request domain.NewRequest `json:"request"`
}

type SendMessagePayload struct {
	TempID         string `json:"temp_id"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// AcceptSuggestionPayload records the locally synthesized ids so that the
// server-assigned ids can replace them on replay.
type AcceptSuggestionPayload struct {
	SuggestionID   string `json:"suggestion_id"`
	ConversationID string `json:"conversation_id"`
	MatchID        string `json:"match_id"`
}

type UpdateProfilePayload struct {
	Patch domain.ProfilePatch `json:"patch"`
}

// identity returns the fields that identify the logical action, excluding
// locally generated ids.
func (p CreateRequestPayload) identity() any    { return p.Request }
func (p SendMessagePayload) identity() any      { return [2]string{p.ConversationID, p.Content} }
func (p AcceptSuggestionPayload) identity() any { return p.SuggestionID }
func (p UpdateProfilePayload) identity() any    { return p.Patch }

type payload interface {
	identity() any
}

func NewCreateRequest(userID, tempID string, req domain.NewRequest, now time.Time) (Action, error) {
	return newAction(TypeCreateRequest, userID, CreateRequestPayload{TempID: tempID, Request: req}, now)
}

func NewSendMessage(userID, tempID, conversationID, content string, now time.Time) (Action, error) {
	return newAction(TypeSendMessage, userID, SendMessagePayload{TempID: tempID, ConversationID: conversationID, Content: content}, now)
}

func NewAcceptSuggestion(userID, suggestionID, conversationID, matchID string, now time.Time) (Action, error) {
	return newAction(TypeAcceptSuggestion, userID, AcceptSuggestionPayload{SuggestionID: suggestionID, ConversationID: conversationID, MatchID: matchID}, now)
}

func NewUpdateProfile(userID string, patch domain.ProfilePatch, now time.Time) (Action, error) {
	return newAction(TypeUpdateProfile, userID, UpdateProfilePayload{Patch: patch}, now)
}

func newAction(t Type, userID string, p payload, now time.Time) (Action, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Action{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	ident, err := json.Marshal(p.identity())
	if err != nil {
		return Action{}, fmt.Errorf("encode %s identity: %w", t, err)
	}
	return Action{
		ID:         uuid.NewString(),
		Type:       t,
		UserID:     userID,
		EnqueuedAt: now,
		Payload:    raw,
		// Queue.Enqueue re-derives the key with its own window.
		IdempotencyKey: IdempotencyKey(t, userID, ident, now, DefaultDedupWindow),
	}, nil
}

// DecodePayload unmarshals the payload of a into T.
func DecodePayload[T any](a Action) (T, error) {
	var v T
	if err := json.Unmarshal(a.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", a.Type, err)
	}
	return v, nil
}

// IdempotencyKey hashes type, user, canonical identity and a coarse time bucket
// with BLAKE2b-256.
func IdempotencyKey(t Type, userID string, canonical []byte, at time.Time, window time.Duration) string {
	bucket := int64(0)
	if window > 0 {
		bucket = at.UnixNano() / int64(window)
	}

	h, _ := blake2b.New256(nil)
	h.Write([]byte(t))
	h.Write([]byte{0})
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(bucket, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// rekey recomputes the idempotency key with window.
func rekey(a Action, window time.Duration) (string, error) {
	var p payload
	var err error
	switch a.Type {
	case TypeCreateRequest:
		p, err = DecodePayload[CreateRequestPayload](a)
	case TypeSendMessage:
		p, err = DecodePayload[SendMessagePayload](a)
	case TypeAcceptSuggestion:
		p, err = DecodePayload[AcceptSuggestionPayload](a)
	case TypeUpdateProfile:
		p, err = DecodePayload[UpdateProfilePayload](a)
	default:
		return "", fmt.Errorf("unknown action type %q", a.Type)
	}
	if err != nil {
		return "", err
	}
	ident, err := json.Marshal(p.identity())
	if err != nil {
		return "", err
	}
	return IdempotencyKey(a.Type, a.UserID, ident, a.EnqueuedAt, window), nil
}

// LocalIDs returns the optimistic record ids the action stands behind.
func (a Action) LocalIDs() []string {
	switch a.Type {
	case TypeCreateRequest:
		if p, err := DecodePayload[CreateRequestPayload](a); err == nil {
			return []string{p.TempID}
		}
	case TypeSendMessage:
		if p, err := DecodePayload[SendMessagePayload](a); err == nil {
			return []string{p.TempID}
		}
	case TypeAcceptSuggestion:
		if p, err := DecodePayload[AcceptSuggestionPayload](a); err == nil {
			return []string{p.ConversationID, p.MatchID}
		}
	}
	return nil
}
