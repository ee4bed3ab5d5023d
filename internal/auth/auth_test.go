package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/binomepay/binomepay-go/internal/auth"
	"github.com/binomepay/binomepay-go/internal/platform/store/memory"
)

func mintToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	sig, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte("0123456789abcdef0123456789abcdef")},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		t.Fatal(err)
	}
	raw, err := jwt.Signed(sig).Claims(jwt.Claims{Subject: sub, Expiry: jwt.NewNumericDate(exp)}).Serialize()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestStoreTokenSource(t *testing.T) {
	ctx := context.Background()
	ts := auth.NewStoreTokenSource(memory.New())

	if _, err := ts.Token(ctx); !errors.Is(err, auth.ErrNoToken) {
		t.Errorf("expected ErrNoToken, got %v", err)
	}
	if err := ts.SetToken(ctx, "abc"); err != nil {
		t.Fatal(err)
	}
	if tok, err := ts.Token(ctx); err != nil || tok != "abc" {
		t.Errorf("Token = %q, %v", tok, err)
	}
	ts.Clear(ctx)
	if _, err := ts.Token(ctx); !errors.Is(err, auth.ErrNoToken) {
		t.Errorf("expected ErrNoToken after Clear, got %v", err)
	}
}

func TestSessionProvider_SubjectFromToken(t *testing.T) {
	ctx := context.Background()
	tok := mintToken(t, "u_1", time.Now().Add(time.Hour))
	p := auth.NewSessionProvider(auth.StaticTokenSource(tok), "", nil)

	s, ok := p.Session(ctx)
	if !ok {
		t.Fatal("expected a session")
	}
	if s.UserID != "u_1" || s.Token != tok {
		t.Errorf("unexpected session %+v", s)
	}
}

func TestSessionProvider_ExpiredToken(t *testing.T) {
	tok := mintToken(t, "u_1", time.Now().Add(-time.Minute))
	p := auth.NewSessionProvider(auth.StaticTokenSource(tok), "", nil)

	if _, ok := p.Session(context.Background()); ok {
		t.Error("expired token should not yield a session")
	}
}

func TestSessionProvider_ExplicitUserWins(t *testing.T) {
	tok := mintToken(t, "u_token", time.Now().Add(time.Hour))
	p := auth.NewSessionProvider(auth.StaticTokenSource(tok), "u_config", nil)

	s, ok := p.Session(context.Background())
	if !ok || s.UserID != "u_config" {
		t.Errorf("Session = %+v, %v", s, ok)
	}

	noToken := auth.NewSessionProvider(nil, "u_mock", nil)
	if s, ok := noToken.Session(context.Background()); !ok || s.UserID != "u_mock" {
		t.Errorf("mock session = %+v, %v", s, ok)
	}
}

func TestSessionProvider_GarbageToken(t *testing.T) {
	p := auth.NewSessionProvider(auth.StaticTokenSource("not-a-jwt"), "", nil)
	if _, ok := p.Session(context.Background()); ok {
		t.Error("malformed token should not yield a session")
	}
}

func TestSessionProvider_SignOutFiresListeners(t *testing.T) {
	ctx := context.Background()
	ts := auth.NewStoreTokenSource(memory.New())
	ts.SetToken(ctx, mintToken(t, "u_1", time.Now().Add(time.Hour)))
	p := auth.NewSessionProvider(ts, "", nil)

	fired := 0
	unsubscribe := p.OnSessionLost(func() { fired++ })

	if err := p.SignOut(ctx); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	if fired != 1 {
		t.Errorf("listener fired %d times, want 1", fired)
	}
	if _, ok := p.Session(ctx); ok {
		t.Error("no session expected after SignOut")
	}
	if _, err := ts.Token(ctx); !errors.Is(err, auth.ErrNoToken) {
		t.Error("SignOut should clear the stored token")
	}

	unsubscribe()
	p.Expire()
	if fired != 1 {
		t.Error("unsubscribed listener should not fire")
	}
}

func TestParseClaims(t *testing.T) {
	claims, err := auth.ParseClaims(mintToken(t, "u_9", time.Now().Add(time.Hour)))
	if err != nil || claims.Subject != "u_9" {
		t.Fatalf("ParseClaims = %+v, %v", claims, err)
	}
	if _, err := auth.ParseClaims("a.b.c"); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}
