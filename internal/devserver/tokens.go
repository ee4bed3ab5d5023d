package devserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/binomepay/binomepay-go/internal/platform/appctx"
	"github.com/binomepay/binomepay-go/internal/platform/http/api"
)

// TokenIssuer is the JWT iss claim of minted tokens.
const TokenIssuer = "binomepay-devserver"

var ErrInvalidToken = errors.New("invalid token")

// Tokens mints and verifies HS256 session tokens whose subject is the user id.
type Tokens struct {
	key    []byte
	ttl    time.Duration
	signer jose.Signer
	now    func() time.Time
}

// NewTokens requires a secret of at least 32 bytes.
func NewTokens(secret []byte, ttl time.Duration) (*Tokens, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes")
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: secret},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{key: secret, ttl: ttl, signer: signer, now: time.Now}, nil
}

// Mint returns a signed token for userID and its expiry.
func (t *Tokens) Mint(userID string) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	raw, err := jwt.Signed(t.signer).Claims(jwt.Claims{
		Issuer:   TokenIssuer,
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(exp),
	}).Serialize()
	if err != nil {
		return "", time.Time{}, err
	}
	return raw, exp, nil
}

// Verify checks the signature, issuer and expiry and returns the subject.
func (t *Tokens) Verify(raw string) (string, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var claims jwt.Claims
	if err := tok.Claims(t.key, &claims); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := claims.ValidateWithLeeway(jwt.Expected{Issuer: TokenIssuer, Time: t.now()}, 0); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return claims.Subject, nil
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Middleware rejects requests without a valid bearer token and stores the
// subject in the request context.
func (t *Tokens) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearer(r)
		if raw == "" {
			api.WriteUnauthorized(w, api.ReasonUnauthenticated, "missing bearer token")
			return
		}
		userID, err := t.Verify(raw)
		if err != nil {
			appctx.GetLogger(r.Context()).Debug("token rejected", "error", err)
			api.WriteUnauthorized(w, api.ReasonSessionExpired, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(appctx.WithUserID(r.Context(), userID)))
	})
}
