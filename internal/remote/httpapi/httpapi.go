// Package httpapi implements remote.DataClient over the backend's JSON HTTP API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/binomepay/binomepay-go/internal/auth"
	"github.com/binomepay/binomepay-go/internal/domain"
	"github.com/binomepay/binomepay-go/internal/platform/http/api"
	httpclient "github.com/binomepay/binomepay-go/internal/platform/http/client"
	"github.com/binomepay/binomepay-go/internal/platform/logutil"
	"github.com/binomepay/binomepay-go/internal/remote"
)

// Options configures the client.
type Options struct {
	// BaseURL is the backend origin, e.g. http://localhost:8790.
	BaseURL string
	Tokens  auth.TokenSource
	HTTP    *httpclient.Client
	// OnSessionExpired is called when the backend answers 401.
	OnSessionExpired func()
	Logger           *slog.Logger
}

// Client is a remote.DataClient backed by HTTP.
type Client struct {
	base      *url.URL
	tokens    auth.TokenSource
	http      *httpclient.Client
	onExpired func()
	logger    *slog.Logger
}

// New validates the base URL and builds a client.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q", opts.BaseURL)
	}
	hc := opts.HTTP
	if hc == nil {
		hc = httpclient.New(nil)
	}
	return &Client{
		base:      base,
		tokens:    opts.Tokens,
		http:      hc,
		onExpired: opts.OnSessionExpired,
		logger:    logutil.NoopIfNil(opts.Logger),
	}, nil
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.base.String() + "/" + strings.Join(escaped, "/")
}

// call sends a JSON request and decodes a JSON response into out (may be nil).
func (c *Client) call(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		switch {
		case err == nil:
			req.Header.Set("Authorization", "Bearer "+tok)
		case !errors.Is(err, auth.ErrNoToken):
			return fmt.Errorf("read session token: %w", err)
		}
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	data, err := c.http.ReadBody(resp)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, req.URL.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &remote.StatusError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if detail, ok := api.ParseError(data); ok {
			se.ReasonCode = detail.ReasonCode
			se.Message = detail.Message
		}
		if resp.StatusCode == http.StatusUnauthorized && c.onExpired != nil {
			c.onExpired()
		}
		c.logger.Debug("backend error", "method", method, "path", req.URL.Path, "status", resp.StatusCode, "reason_code", se.ReasonCode)
		return se
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, req.URL.Path, err)
	}
	return nil
}

func (c *Client) FetchUserProfile(ctx context.Context, userID string) (*domain.User, error) {
	var u domain.User
	if err := c.call(ctx, http.MethodGet, c.endpoint("api", "users", userID), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) UpdateUserProfile(ctx context.Context, userID string, patch domain.ProfilePatch) (*domain.User, error) {
	var u domain.User
	if err := c.call(ctx, http.MethodPatch, c.endpoint("api", "users", userID), patch, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) CreateRequest(ctx context.Context, userID string, nr domain.NewRequest) (*domain.Request, error) {
	var r domain.Request
	if err := c.call(ctx, http.MethodPost, c.endpoint("api", "users", userID, "requests"), nr, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) FetchUserRequests(ctx context.Context, userID string) ([]domain.Request, error) {
	var out []domain.Request
	err := c.call(ctx, http.MethodGet, c.endpoint("api", "users", userID, "requests"), nil, &out)
	return out, err
}

func (c *Client) FetchUserMatches(ctx context.Context, userID string) ([]domain.Match, error) {
	var out []domain.Match
	err := c.call(ctx, http.MethodGet, c.endpoint("api", "users", userID, "matches"), nil, &out)
	return out, err
}

func (c *Client) FetchSuggestionsForUser(ctx context.Context, userID string) ([]domain.Suggestion, error) {
	var out []domain.Suggestion
	err := c.call(ctx, http.MethodGet, c.endpoint("api", "users", userID, "suggestions"), nil, &out)
	return out, err
}

type acceptBody struct {
	UserID string `json:"user_id"`
}

func (c *Client) AcceptSuggestion(ctx context.Context, suggestionID, userID string) (*domain.AcceptResult, error) {
	var res domain.AcceptResult
	err := c.call(ctx, http.MethodPost, c.endpoint("api", "suggestions", suggestionID, "accept"), acceptBody{UserID: userID}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) FetchUserConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	err := c.call(ctx, http.MethodGet, c.endpoint("api", "users", userID, "conversations"), nil, &out)
	return out, err
}

func (c *Client) FetchMessages(ctx context.Context, conversationID, userID string) ([]domain.Message, error) {
	var out []domain.Message
	target := c.endpoint("api", "conversations", conversationID, "messages") + "?user_id=" + url.QueryEscape(userID)
	err := c.call(ctx, http.MethodGet, target, nil, &out)
	return out, err
}

type sendBody struct {
	Content  string `json:"content"`
	SenderID string `json:"sender_id"`
}

func (c *Client) SendMessage(ctx context.Context, conversationID, content, senderID string) (*domain.Message, error) {
	var m domain.Message
	err := c.call(ctx, http.MethodPost, c.endpoint("api", "conversations", conversationID, "messages"),
		sendBody{Content: content, SenderID: senderID}, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) MarkConversationAsRead(ctx context.Context, conversationID, userID string) error {
	return c.call(ctx, http.MethodPost, c.endpoint("api", "conversations", conversationID, "read"), acceptBody{UserID: userID}, nil)
}

func (c *Client) ReportUser(ctx context.Context, userID string, report domain.Report) error {
	return c.call(ctx, http.MethodPost, c.endpoint("api", "users", userID, "reports"), report, nil)
}

func (c *Client) SyncUserData(ctx context.Context, userID string) (*domain.Snapshot, error) {
	var snap domain.Snapshot
	if err := c.call(ctx, http.MethodGet, c.endpoint("api", "users", userID, "sync"), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// CheckAPIHealth reports whether GET /health answers 2xx.
func (c *Client) CheckAPIHealth(ctx context.Context) bool {
	err := c.call(ctx, http.MethodGet, c.endpoint("health"), nil, nil)
	if err != nil {
		c.logger.Debug("health check failed", "error", err)
		return false
	}
	return true
}

var _ remote.DataClient = (*Client)(nil)
