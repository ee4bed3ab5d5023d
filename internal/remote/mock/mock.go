// Package mock implements remote.DataClient over a static demo dataset held
// in memory. It never touches the network.
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/binomepay/binomepay-go/internal/domain"
	"github.com/binomepay/binomepay-go/internal/remote"
)

// DemoUserID is the user the agent signs in as when no user id is configured.
const DemoUserID = "u_demo"

// Client serves and mutates the demo dataset.
type Client struct {
	mu            sync.Mutex
	now           func() time.Time
	users         map[string]*domain.User
	requests      []domain.Request
	matches       []domain.Match
	suggestions   []domain.Suggestion
	conversations []domain.Conversation
	messages      map[string][]domain.Message
	reports       []domain.Report
}

// New returns a client seeded with the demo dataset.
func New() *Client {
	c := &Client{
		now:      time.Now,
		users:    make(map[string]*domain.User),
		messages: make(map[string][]domain.Message),
	}
	c.seed(c.now())
	return c
}

func (c *Client) seed(now time.Time) {
	eur := func(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

	c.suggestions = []domain.Suggestion{
		{ID: "s_1", Amount: eur(200), Currency: "EUR", OriginCountryName: "Sénégal", DestCountryName: "France",
			SenderName: "Fatou N.", Note: "Disponible ce week-end", CreatedAt: now.Add(-10 * time.Minute)},
		{ID: "s_2", Amount: eur(150), Currency: "EUR", OriginCountryName: "Sénégal", DestCountryName: "France",
			SenderName: "Moussa D.", CreatedAt: now.Add(-25 * time.Minute)},
		{ID: "s_3", Amount: eur(300), Currency: "EUR", OriginCountryName: "Côte d'Ivoire", DestCountryName: "France",
			SenderName: "Aminata K.", Note: "Urgent", CreatedAt: now.Add(-5 * time.Minute)},
	}

	c.matches = []domain.Match{
		{ID: "m_demo", CounterpartName: "Ibrahima S.", Amount: eur(100), Currency: "EUR",
			Corridor: domain.Corridor("France", "Sénégal"), Status: domain.MatchAccepted,
			CreatedAt: now.Add(-48 * time.Hour), UpdatedAt: now.Add(-48 * time.Hour)},
	}

	c.conversations = []domain.Conversation{
		{ID: "c_demo", CounterpartName: "Ibrahima S.", LastMessage: "Merci, bien reçu !",
			UpdatedAt: now.Add(-47 * time.Hour), UnreadCount: 1,
			MatchDetails: &domain.MatchDetails{Amount: eur(100), Currency: "EUR", Corridor: domain.Corridor("France", "Sénégal")}},
	}
	c.messages["c_demo"] = []domain.Message{
		{ID: "msg_demo_1", ConversationID: "c_demo", SenderID: "u_ibrahima", Content: "Bonjour, je suis disponible.", CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "msg_demo_2", ConversationID: "c_demo", SenderID: "u_ibrahima", Content: "Merci, bien reçu !", CreatedAt: now.Add(-47 * time.Hour)},
	}
}

func (c *Client) user(userID string) *domain.User {
	u, ok := c.users[userID]
	if !ok {
		u = &domain.User{
			ID:          userID,
			DisplayName: "Utilisateur Démo",
			KYCStatus:   domain.KYCVerified,
			Rating:      4.8,
			UpdatedAt:   c.now().Add(-24 * time.Hour).Truncate(time.Second),
		}
		c.users[userID] = u
	}
	return u
}

func (c *Client) FetchUserProfile(ctx context.Context, userID string) (*domain.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.user(userID).Clone()
	return &u, nil
}

func (c *Client) UpdateUserProfile(ctx context.Context, userID string, patch domain.ProfilePatch) (*domain.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := patch.Apply(*c.user(userID), c.now())
	c.users[userID] = &u
	out := u
	return &out, nil
}

func (c *Client) CreateRequest(ctx context.Context, userID string, nr domain.NewRequest) (*domain.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	r := domain.Request{
		ID:            "r_" + uuid.NewString()[:8],
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
	c.requests = append(c.requests, r)
	return &r, nil
}

func (c *Client) FetchUserRequests(ctx context.Context, userID string) ([]domain.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.Request
	for _, r := range c.requests {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (c *Client) FetchUserMatches(ctx context.Context, userID string) ([]domain.Match, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.matches), nil
}

func (c *Client) FetchSuggestionsForUser(ctx context.Context, userID string) ([]domain.Suggestion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.suggestions), nil
}

// AcceptSuggestion creates the match and conversation in the dataset. Accepting
// twice returns the first result.
func (c *Client) AcceptSuggestion(ctx context.Context, suggestionID, userID string) (*domain.AcceptResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slices.IndexFunc(c.suggestions, func(s domain.Suggestion) bool { return s.ID == suggestionID })
	if i < 0 {
		return nil, &remote.StatusError{StatusCode: 404, ReasonCode: "not_found", Message: fmt.Sprintf("suggestion %s not found", suggestionID)}
	}
	s := &c.suggestions[i]
	if s.IsAccepted {
		return &domain.AcceptResult{ConversationID: s.ConversationID, MatchID: "m_" + s.ID}, nil
	}

	now := c.now()
	res := &domain.AcceptResult{ConversationID: "c_" + s.ID, MatchID: "m_" + s.ID}
	c.matches = append(c.matches, domain.Match{
		ID: res.MatchID, CounterpartName: s.SenderName, Amount: s.Amount, Currency: s.Currency,
		Corridor: s.Corridor(), Status: domain.MatchAccepted, CreatedAt: now, UpdatedAt: now,
	})
	c.conversations = append(c.conversations, domain.Conversation{
		ID: res.ConversationID, CounterpartName: s.SenderName, UpdatedAt: now,
		MatchDetails: &domain.MatchDetails{Amount: s.Amount, Currency: s.Currency, Corridor: s.Corridor()},
	})
	s.MarkAccepted(res.ConversationID)
	return res, nil
}

func (c *Client) FetchUserConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Conversation, len(c.conversations))
	for i, cv := range c.conversations {
		out[i] = cv.Clone()
	}
	return out, nil
}

func (c *Client) FetchMessages(ctx context.Context, conversationID, userID string) ([]domain.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages[conversationID]), nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID, content, senderID string) (*domain.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := slices.IndexFunc(c.conversations, func(cv domain.Conversation) bool { return cv.ID == conversationID })
	if i < 0 {
		return nil, &remote.StatusError{StatusCode: 404, ReasonCode: "not_found", Message: "conversation not found"}
	}
	now := c.now()
	m := domain.Message{ID: "msg_" + uuid.NewString()[:8], ConversationID: conversationID, SenderID: senderID, Content: content, CreatedAt: now}
	c.messages[conversationID] = append(c.messages[conversationID], m)
	c.conversations[i].LastMessage = content
	c.conversations[i].UpdatedAt = now
	return &m, nil
}

func (c *Client) MarkConversationAsRead(ctx context.Context, conversationID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.conversations {
		if c.conversations[i].ID == conversationID {
			c.conversations[i].MarkRead()
		}
	}
	return nil
}

func (c *Client) ReportUser(ctx context.Context, userID string, report domain.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, report)
	return nil
}

func (c *Client) SyncUserData(ctx context.Context, userID string) (*domain.Snapshot, error) {
	user, _ := c.FetchUserProfile(ctx, userID)
	requests, _ := c.FetchUserRequests(ctx, userID)
	matches, _ := c.FetchUserMatches(ctx, userID)
	suggestions, _ := c.FetchSuggestionsForUser(ctx, userID)
	conversations, _ := c.FetchUserConversations(ctx, userID)
	return &domain.Snapshot{
		User:          user,
		Requests:      requests,
		Matches:       matches,
		Suggestions:   suggestions,
		Conversations: conversations,
	}, nil
}

// CheckAPIHealth always succeeds.
func (c *Client) CheckAPIHealth(ctx context.Context) bool { return true }

var _ remote.DataClient = (*Client)(nil)
