package devserver

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/binomepay/binomepay-go/internal/domain"
)

type userRow struct {
	ID                 string     `gorm:"primaryKey;size:64"`
	DisplayName        string     `gorm:"size:120;not null"`
	KYCStatus          string     `gorm:"size:20;default:'unverified'"`
	Rating             float64    `gorm:"default:0"`
	AvatarURL          string     `gorm:"size:512"`
	LastAvatarChangeAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (userRow) TableName() string { return "users" }

func (u userRow) toDomain() domain.User {
	return domain.User{
		ID:                 u.ID,
		DisplayName:        u.DisplayName,
		KYCStatus:          domain.KYCStatus(u.KYCStatus),
		Rating:             u.Rating,
		AvatarURL:          u.AvatarURL,
		LastAvatarChangeAt: u.LastAvatarChangeAt,
		UpdatedAt:          u.UpdatedAt,
	}
}

// Amount columns are text so SQLite never rounds them through REAL.
type requestRow struct {
	ID            string          `gorm:"primaryKey;size:64"`
	UserID        string          `gorm:"index;size:64;not null"`
	Direction     string          `gorm:"size:16;not null"`
	Amount        decimal.Decimal `gorm:"type:text;not null"`
	Currency      string          `gorm:"size:3;not null"`
	OriginCountry string          `gorm:"size:80;not null"`
	DestCountry   string          `gorm:"size:80;not null"`
	Note          string          `gorm:"size:280"`
	Status        string          `gorm:"index;size:16;not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (requestRow) TableName() string { return "requests" }

func (r requestRow) toDomain() domain.Request {
	return domain.Request{
		ID:            r.ID,
		UserID:        r.UserID,
		Direction:     domain.Direction(r.Direction),
		Amount:        r.Amount,
		Currency:      r.Currency,
		OriginCountry: r.OriginCountry,
		DestCountry:   r.DestCountry,
		Status:        domain.RequestStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// acceptanceRow records that a user accepted another user's request.
type acceptanceRow struct {
	ID             uint   `gorm:"primaryKey"`
	RequestID      string `gorm:"uniqueIndex:idx_acceptance;size:64;not null"`
	UserID         string `gorm:"uniqueIndex:idx_acceptance;size:64;not null"`
	MatchID        string `gorm:"size:64;not null"`
	ConversationID string `gorm:"size:64;not null"`
	CreatedAt      time.Time
}

func (acceptanceRow) TableName() string { return "acceptances" }

type matchRow struct {
	ID          string          `gorm:"primaryKey;size:64"`
	RequestID   string          `gorm:"index;size:64"`
	RequesterID string          `gorm:"index;size:64;not null"`
	OwnerID     string          `gorm:"index;size:64;not null"`
	Amount      decimal.Decimal `gorm:"type:text;not null"`
	Currency    string          `gorm:"size:3;not null"`
	Corridor    string          `gorm:"size:170"`
	Status      string          `gorm:"index;size:16;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (matchRow) TableName() string { return "matches" }

// counterpart returns the other participant of the match.
func (m matchRow) counterpart(userID string) string {
	if m.RequesterID == userID {
		return m.OwnerID
	}
	return m.RequesterID
}

type conversationRow struct {
	ID          string          `gorm:"primaryKey;size:64"`
	MatchID     string          `gorm:"index;size:64"`
	UserA       string          `gorm:"index;size:64;not null"`
	UserB       string          `gorm:"index;size:64;not null"`
	UnreadA     int             `gorm:"default:0"`
	UnreadB     int             `gorm:"default:0"`
	LastMessage string          `gorm:"size:1000"`
	Amount      decimal.Decimal `gorm:"type:text"`
	Currency    string          `gorm:"size:3"`
	Corridor    string          `gorm:"size:170"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (conversationRow) TableName() string { return "conversations" }

func (c conversationRow) has(userID string) bool {
	return c.UserA == userID || c.UserB == userID
}

func (c conversationRow) other(userID string) string {
	if c.UserA == userID {
		return c.UserB
	}
	return c.UserA
}

func (c conversationRow) unreadFor(userID string) int {
	if c.UserA == userID {
		return c.UnreadA
	}
	return c.UnreadB
}

type messageRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"index;size:64;not null"`
	SenderID       string `gorm:"size:64;not null"`
	Content        string `gorm:"size:1000;not null"`
	CreatedAt      time.Time
}

func (messageRow) TableName() string { return "messages" }

func (m messageRow) toDomain() domain.Message {
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}

type reportRow struct {
	ID             uint   `gorm:"primaryKey"`
	ReporterID     string `gorm:"index;size:64;not null"`
	ReportedUserID string `gorm:"index;size:64;not null"`
	Reason         string `gorm:"size:500;not null"`
	Details        string `gorm:"size:2000"`
	CreatedAt      time.Time
}

func (reportRow) TableName() string { return "reports" }

func allModels() []any {
	return []any{
		&userRow{},
		&requestRow{},
		&acceptanceRow{},
		&matchRow{},
		&conversationRow{},
		&messageRow{},
		&reportRow{},
	}
}
