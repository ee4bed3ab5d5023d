// Package realtime subscribes to backend change events over a websocket and
// reconnects with exponential backoff when the stream drops.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/binomepay/binomepay-go/internal/auth"
	"github.com/binomepay/binomepay-go/internal/platform/logutil"
)

// Path is the websocket endpoint on the backend.
const Path = "/api/realtime"

// EventType names the collection a change touched.
type EventType string

const (
	EventUser          EventType = "user"
	EventRequests      EventType = "requests"
	EventMatches       EventType = "matches"
	EventSuggestions   EventType = "suggestions"
	EventConversations EventType = "conversations"
	EventMessages      EventType = "messages"
)

// Event is one change notification pushed by the backend.
type Event struct {
	Type     EventType `json:"type"`
	UserID   string    `json:"user_id"`
	EntityID string    `json:"entity_id,omitempty"`
}

// Handler receives decoded events.
type Handler func(ctx context.Context, ev Event)

// Config tunes reconnection.
type Config struct {
	InitialBackoff   time.Duration `toml:"initial_backoff"`
	MaxBackoff       time.Duration `toml:"max_backoff"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout"`
	ReadLimit        int64         `toml:"read_limit"`
}

func (c *Config) ApplyDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 * 1024
	}
}

// Subscriber maintains the websocket connection.
type Subscriber struct {
	url     string
	tokens  auth.TokenSource
	handler Handler
	cfg     Config
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// New builds a subscriber for the backend at baseURL (http or https).
func New(baseURL string, tokens auth.TokenSource, handler Handler, cfg Config, logger *slog.Logger) (*Subscriber, error) {
	wsURL, err := WebsocketURL(baseURL)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &Subscriber{
		url:     wsURL,
		tokens:  tokens,
		handler: handler,
		cfg:     cfg,
		dialer: &websocket.Dialer{
			Proxy:            nil,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logutil.NoopIfNil(logger),
	}, nil
}

// WebsocketURL maps an http(s) base URL to the ws(s) realtime endpoint.
func WebsocketURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported backend url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + Path
	return u.String(), nil
}

// Run connects, forwards events and reconnects until ctx is done.
func (s *Subscriber) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			b.Reset()
		}
		wait := b.NextBackOff()
		s.logger.Info("realtime stream disconnected", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection. connected reports whether the handshake succeeded.
func (s *Subscriber) session(ctx context.Context) (connected bool, err error) {
	header := http.Header{}
	if s.tokens != nil {
		tok, err := s.tokens.Token(ctx)
		if err != nil && !errors.Is(err, auth.ErrNoToken) {
			return false, fmt.Errorf("read token: %w", err)
		}
		if tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial %s: %w (status %d)", s.url, err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()
	conn.SetReadLimit(s.cfg.ReadLimit)

	// Unblock ReadJSON when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.logger.Info("realtime stream connected", "url", s.url)
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return true, err
		}
		if ev.Type == "" {
			continue
		}
		s.logger.Debug("realtime event", "type", ev.Type, "entity_id", ev.EntityID)
		if s.handler != nil {
			s.handler(ctx, ev)
		}
	}
}
