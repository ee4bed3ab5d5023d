// Package auth supplies the current session to the sync core and announces
// when it is lost.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/binomepay/binomepay-go/internal/platform/logutil"
	"github.com/binomepay/binomepay-go/internal/platform/store"
)

var (
	ErrNoToken      = errors.New("no session token")
	ErrInvalidToken = errors.New("invalid session token")
)

// TokenKey is the secure-store key holding the bearer token.
const TokenKey = "auth:token"

// tokenAlgorithms are accepted when parsing client-side; the server verifies signatures.
var tokenAlgorithms = []jose.SignatureAlgorithm{jose.HS256, jose.RS256, jose.ES256, jose.EdDSA}

// Session is the signed-in user.
type Session struct {
	UserID string
	Token  string
}

// Provider is the authentication surface the core depends on.
type Provider interface {
	Session(ctx context.Context) (Session, bool)
	SignOut(ctx context.Context) error
	// OnSessionLost registers fn and returns a function that removes it.
	OnSessionLost(fn func()) (unsubscribe func())
}

// TokenSource returns the bearer token for outbound calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StoreTokenSource reads the token from a store.Store.
type StoreTokenSource struct {
	store store.Store
	key   string
}

func NewStoreTokenSource(s store.Store) *StoreTokenSource {
	return &StoreTokenSource{store: s, key: TokenKey}
}

func (s *StoreTokenSource) Token(ctx context.Context) (string, error) {
	var tok string
	if err := store.GetJSON(ctx, s.store, s.key, &tok); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNoToken
		}
		return "", err
	}
	if tok == "" {
		return "", ErrNoToken
	}
	return tok, nil
}

// SetToken persists a new token.
func (s *StoreTokenSource) SetToken(ctx context.Context, token string) error {
	return store.SetJSON(ctx, s.store, s.key, token)
}

// Clear removes the token.
func (s *StoreTokenSource) Clear(ctx context.Context) error {
	return s.store.Remove(ctx, s.key)
}

// StaticTokenSource always returns the same token.
type StaticTokenSource string

func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

type clearer interface {
	Clear(ctx context.Context) error
}

// SessionProvider derives the session from a token source. A configured user
// id wins over the token subject.
type SessionProvider struct {
	tokens    TokenSource
	userID    string
	logger    *slog.Logger
	now       func() time.Time
	mu        sync.Mutex
	signedOut bool
	nextID    int
	watchers  map[int]func()
}

// NewSessionProvider creates a provider. userID may be empty.
func NewSessionProvider(tokens TokenSource, userID string, logger *slog.Logger) *SessionProvider {
	return &SessionProvider{
		tokens:   tokens,
		userID:   userID,
		logger:   logutil.NoopIfNil(logger),
		now:      time.Now,
		watchers: make(map[int]func()),
	}
}

// Session returns the active session, or false when signed out or the token
// is missing, malformed or expired.
func (p *SessionProvider) Session(ctx context.Context) (Session, bool) {
	p.mu.Lock()
	signedOut := p.signedOut
	p.mu.Unlock()
	if signedOut {
		return Session{}, false
	}

	var token string
	if p.tokens != nil {
		tok, err := p.tokens.Token(ctx)
		if err != nil && !errors.Is(err, ErrNoToken) {
			p.logger.Warn("failed to read session token", "error", err)
		}
		token = tok
	}

	if p.userID != "" {
		return Session{UserID: p.userID, Token: token}, true
	}
	if token == "" {
		return Session{}, false
	}

	claims, err := ParseClaims(token)
	if err != nil {
		p.logger.Debug("session token rejected", "error", err)
		return Session{}, false
	}
	if claims.Expiry != nil && p.now().After(claims.Expiry.Time()) {
		return Session{}, false
	}
	return Session{UserID: claims.Subject, Token: token}, true
}

// SignOut clears the stored token and fires session-lost listeners.
func (p *SessionProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	p.signedOut = true
	p.mu.Unlock()

	var err error
	if c, ok := p.tokens.(clearer); ok {
		err = c.Clear(ctx)
	}
	p.fire()
	return err
}

// SignIn re-enables a provider after SignOut.
func (p *SessionProvider) SignIn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signedOut = false
}

// Expire announces that the backend rejected the session.
func (p *SessionProvider) Expire() {
	p.logger.Info("session expired")
	p.fire()
}

func (p *SessionProvider) OnSessionLost(fn func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	p.watchers[id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.watchers, id)
	}
}

func (p *SessionProvider) fire() {
	p.mu.Lock()
	fns := make([]func(), 0, len(p.watchers))
	for _, fn := range p.watchers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// ParseClaims reads the registered claims of a compact JWT without verifying
// its signature.
func ParseClaims(raw string) (*jwt.Claims, error) {
	tok, err := jwt.ParseSigned(strings.TrimSpace(raw), tokenAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return &claims, nil
}

var _ Provider = (*SessionProvider)(nil)
