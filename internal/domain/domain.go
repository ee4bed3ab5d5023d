// Package domain holds the client-side data model shared by the sync agent
// and the development backend.
package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TempIDPrefix marks optimistic records not yet confirmed by the server.
const TempIDPrefix = "temp_"

// LocalIDPrefix marks records synthesized locally when the server gave no id.
const LocalIDPrefix = "local_"

// IsTempID reports whether id names an optimistic placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix) || strings.HasPrefix(id, LocalIDPrefix)
}

type KYCStatus string

const (
	KYCUnverified KYCStatus = "unverified"
	KYCPending    KYCStatus = "pending"
	KYCVerified   KYCStatus = "verified"
)

// Valid reports whether s is a known status.
func (s KYCStatus) Valid() bool {
	switch s {
	case KYCUnverified, KYCPending, KYCVerified:
		return true
	}
	return false
}

type User struct {
	ID                 string     `json:"id"`
	DisplayName        string     `json:"display_name"`
	KYCStatus          KYCStatus  `json:"kyc_status"`
	Rating             float64    `json:"rating"`
	AvatarURL          string     `json:"avatar_url,omitempty"`
	LastAvatarChangeAt *time.Time `json:"last_avatar_change_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (u User) SyncKey() string { return syncKey(u.ID, u.UpdatedAt) }

// ProfilePatch carries the user-editable profile fields. Nil fields are left unchanged.
type ProfilePatch struct {
	DisplayName *string `json:"display_name,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// Apply returns u with the patch applied at time now.
func (p ProfilePatch) Apply(u User, now time.Time) User {
	if p.DisplayName != nil {
		u.DisplayName = *p.DisplayName
	}
	if p.AvatarURL != nil && *p.AvatarURL != u.AvatarURL {
		u.AvatarURL = *p.AvatarURL
		t := now
		u.LastAvatarChangeAt = &t
	}
	u.UpdatedAt = now
	return u
}

// Empty reports whether the patch changes nothing.
func (p ProfilePatch) Empty() bool {
	return p.DisplayName == nil && p.AvatarURL == nil
}

type Direction string

const (
	DirectionSend    Direction = "SEND"
	DirectionReceive Direction = "RECEIVE"
)

type RequestStatus string

const (
	RequestOpen    RequestStatus = "OPEN"
	RequestMatched RequestStatus = "MATCHED"
	RequestClosed  RequestStatus = "CLOSED"
)

// Request is a user's declared intention to send or receive money along a corridor.
type Request struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Direction     Direction       `json:"direction"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	OriginCountry string          `json:"origin_country"`
	DestCountry   string          `json:"dest_country"`
	Status        RequestStatus   `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (r Request) Key() string     { return r.ID }
func (r Request) SyncKey() string { return syncKey(r.ID, latest(r.CreatedAt, r.UpdatedAt)) }

// Corridor returns the origin→destination shorthand.
func (r Request) Corridor() string { return Corridor(r.OriginCountry, r.DestCountry) }

// NewRequest is the payload for creating a request.
type NewRequest struct {
	Direction     Direction       `json:"direction"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	OriginCountry string          `json:"origin_country"`
	DestCountry   string          `json:"dest_country"`
}

// Suggestion is another user's open request shown as a candidate match.
type Suggestion struct {
	ID                string          `json:"id"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	OriginCountryName string          `json:"origin_country_name"`
	DestCountryName   string          `json:"dest_country_name"`
	SenderName        string          `json:"sender_name"`
	Note              string          `json:"note,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	IsAccepted        bool            `json:"is_accepted"`
	ConversationID    string          `json:"conversation_id,omitempty"`
}

func (s Suggestion) Key() string     { return s.ID }
func (s Suggestion) SyncKey() string { return syncKey(s.ID, s.CreatedAt) }

func (s Suggestion) Corridor() string { return Corridor(s.OriginCountryName, s.DestCountryName) }

// MarkAccepted flips the suggestion to accepted. An accepted suggestion keeps its
// first conversation reference.
func (s *Suggestion) MarkAccepted(conversationID string) {
	if s.IsAccepted {
		return
	}
	s.IsAccepted = true
	s.ConversationID = conversationID
}

type MatchStatus string

const (
	MatchPending  MatchStatus = "PENDING"
	MatchAccepted MatchStatus = "ACCEPTED"
	MatchExpired  MatchStatus = "EXPIRED"
)

type Match struct {
	ID              string          `json:"id"`
	CounterpartName string          `json:"counterpart_name"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Corridor        string          `json:"corridor"`
	Status          MatchStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (m Match) Key() string     { return m.ID }
func (m Match) SyncKey() string { return syncKey(m.ID, latest(m.CreatedAt, m.UpdatedAt)) }

type MatchDetails struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Corridor string          `json:"corridor"`
}

type Conversation struct {
	ID              string        `json:"id"`
	CounterpartName string        `json:"counterpart_name"`
	LastMessage     string        `json:"last_message"`
	UpdatedAt       time.Time     `json:"updated_at"`
	UnreadCount     int           `json:"unread_count"`
	MatchDetails    *MatchDetails `json:"match_details,omitempty"`
}

func (c Conversation) Key() string     { return c.ID }
func (c Conversation) SyncKey() string { return syncKey(c.ID, c.UpdatedAt) }

// MarkRead resets the unread counter.
func (c *Conversation) MarkRead() { c.UnreadCount = 0 }

// AddUnread increments the counter by n, clamping at zero.
func (c *Conversation) AddUnread(n int) {
	c.UnreadCount += n
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

func (m Message) Key() string     { return m.ID }
func (m Message) SyncKey() string { return syncKey(m.ID, m.CreatedAt) }

// Snapshot is the combined per-user payload returned by a full sync.
type Snapshot struct {
	User          *User          `json:"user"`
	Requests      []Request      `json:"requests"`
	Matches       []Match        `json:"matches"`
	Suggestions   []Suggestion   `json:"suggestions"`
	Conversations []Conversation `json:"conversations"`
}

// AcceptResult carries the server-assigned ids of an accepted suggestion.
type AcceptResult struct {
	ConversationID string `json:"conversation_id"`
	MatchID        string `json:"match_id"`
}

// Report flags another user for review.
type Report struct {
	ReportedUserID string `json:"reported_user_id"`
	Reason         string `json:"reason"`
	Details        string `json:"details,omitempty"`
}

// Corridor builds the "origin→destination" shorthand.
func Corridor(origin, dest string) string {
	return strings.TrimSpace(origin) + "→" + strings.TrimSpace(dest)
}

func syncKey(id string, t time.Time) string {
	if t.IsZero() {
		return id
	}
	return id + "@" + strconv.FormatInt(t.UnixMilli(), 10)
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Clone returns a copy that does not share MatchDetails.
func (c Conversation) Clone() Conversation {
	if c.MatchDetails != nil {
		md := *c.MatchDetails
		c.MatchDetails = &md
	}
	return c
}

// Clone returns a copy that does not share pointer fields.
func (u User) Clone() User {
	if u.LastAvatarChangeAt != nil {
		t := *u.LastAvatarChangeAt
		u.LastAvatarChangeAt = &t
	}
	return u
}
