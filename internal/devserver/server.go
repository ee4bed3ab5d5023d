// Package devserver is a self-contained development backend implementing the
// remote data API over SQLite, with bearer JWT auth and a realtime websocket.
package devserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/binomepay/binomepay-go/internal/domain"
	"github.com/binomepay/binomepay-go/internal/platform/appctx"
	"github.com/binomepay/binomepay-go/internal/platform/cache"
	"github.com/binomepay/binomepay-go/internal/platform/http/api"
	"github.com/binomepay/binomepay-go/internal/platform/http/middleware"
	"github.com/binomepay/binomepay-go/internal/platform/logutil"
	"github.com/binomepay/binomepay-go/internal/ratelimit"
	"github.com/binomepay/binomepay-go/internal/realtime"
	"github.com/binomepay/binomepay-go/internal/validation"
)

// Options configures a Server.
type Options struct {
	DB     *DB
	Tokens *Tokens
	Hub    *Hub
	// Counter backs the token-mint rate limit. Nil disables it.
	Counter cache.Counter
	// MintLimit bounds POST /api/dev/tokens per client address.
	MintLimit ratelimit.WindowConfig
	// MatchTTL is how long a PENDING match lives. Default: 48h.
	MatchTTL time.Duration
	Logger   *slog.Logger
}

// Server serves the remote data API.
type Server struct {
	db       *DB
	tokens   *Tokens
	hub      *Hub
	minter   *ratelimit.WindowLimiter
	matchTTL time.Duration
	logger   *slog.Logger
}

func New(opts Options) *Server {
	s := &Server{
		db:       opts.DB,
		tokens:   opts.Tokens,
		hub:      opts.Hub,
		matchTTL: opts.MatchTTL,
		logger:   logutil.NoopIfNil(opts.Logger),
	}
	if s.hub == nil {
		s.hub = NewHub(s.logger)
	}
	if s.matchTTL <= 0 {
		s.matchTTL = 48 * time.Hour
	}
	if opts.Counter != nil {
		cfg := opts.MintLimit
		if cfg.KeyPrefix == "" {
			cfg.KeyPrefix = "devserver:tokens:"
		}
		if cfg.RequestsPerWindow <= 0 {
			cfg.RequestsPerWindow = 20
		}
		s.minter = ratelimit.NewWindow(opts.Counter, cfg)
	}
	return s
}

// Hub returns the realtime hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLoggerMiddleware(s.logger))
	r.Use(middleware.AccessLogMiddleware(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/dev", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				if s.minter != nil {
					r.Use(s.minter.Middleware)
				}
				r.Post("/tokens", s.mintToken)
			})
			r.Post("/users/{userID}/kyc", s.setKYC)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.tokens.Middleware)

			r.Get(strings.TrimPrefix(realtime.Path, "/api"), s.hub.ServeHTTP)

			r.Route("/users/{userID}", func(r chi.Router) {
				r.Use(s.requireSelf)
				r.Get("/", s.getUser)
				r.Patch("/", s.patchUser)
				r.Get("/requests", s.listRequests)
				r.Post("/requests", s.createRequest)
				r.Get("/matches", s.listMatches)
				r.Get("/suggestions", s.listSuggestions)
				r.Get("/conversations", s.listConversations)
				r.Post("/reports", s.createReport)
				r.Get("/sync", s.sync)
			})

			r.Post("/suggestions/{suggestionID}/accept", s.accept)
			r.Get("/conversations/{conversationID}/messages", s.listMessages)
			r.Post("/conversations/{conversationID}/messages", s.sendMessage)
			r.Post("/conversations/{conversationID}/read", s.markRead)
		})
	})
	return r
}

func subject(r *http.Request) string {
	id, _ := appctx.UserID(r.Context())
	return id
}

// requireSelf allows a caller to touch only their own /users/{userID} tree.
func (s *Server) requireSelf(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "userID") != subject(r) {
			api.WriteError(w, http.StatusForbidden, api.ReasonForbidden, "token does not belong to this user")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBodyUser rejects a body-supplied user id that differs from the token subject.
func checkBodyUser(w http.ResponseWriter, r *http.Request, bodyUserID string) bool {
	if bodyUserID != "" && bodyUserID != subject(r) {
		api.WriteError(w, http.StatusForbidden, api.ReasonForbidden, "user id does not match token")
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.ValidationError
	switch {
	case errors.As(err, &verr):
		api.WriteError(w, http.StatusBadRequest, api.ReasonValidation, "validation failed", verr.Errors...)
	case errors.Is(err, ErrNotFound):
		api.WriteNotFound(w, "not found")
	case errors.Is(err, ErrForbidden):
		api.WriteError(w, http.StatusForbidden, api.ReasonForbidden, "forbidden")
	case errors.Is(err, ErrConflict):
		api.WriteError(w, http.StatusConflict, api.ReasonConflict, err.Error())
	default:
		appctx.GetLogger(r.Context()).Error("request failed", "error", err)
		api.WriteInternalError(w, "internal error")
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type mintRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type mintResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// mintToken creates the user if needed and returns a session token.
func (s *Server) mintToken(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		api.WriteError(w, http.StatusBadRequest, api.ReasonValidation, "validation failed", "user_id is required")
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = req.UserID
	}
	if _, err := s.db.EnsureUser(r.Context(), req.UserID, name); err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, exp, err := s.tokens.Mint(req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, mintResponse{Token: tok, UserID: req.UserID, ExpiresAt: exp})
}

type kycRequest struct {
	Status domain.KYCStatus `json:"status"`
}

// setKYC simulates the verification provider changing a user's status.
func (s *Server) setKYC(w http.ResponseWriter, r *http.Request) {
	var req kycRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if !req.Status.Valid() {
		api.WriteError(w, http.StatusBadRequest, api.ReasonValidation, "validation failed", "status must be unverified, pending or verified")
		return
	}
	userID := chi.URLParam(r, "userID")
	if err := s.db.SetKYCStatus(r.Context(), userID, req.Status); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.hub.Publish(realtime.Event{Type: realtime.EventUser, EntityID: userID}, userID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.db.User(r.Context(), subject(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, u)
}

func (s *Server) patchUser(w http.ResponseWriter, r *http.Request) {
	var patch domain.ProfilePatch
	if err := api.DecodeJSON(r, &patch); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if patch.DisplayName != nil && strings.TrimSpace(*patch.DisplayName) == "" {
		api.WriteError(w, http.StatusBadRequest, api.ReasonValidation, "validation failed", "display name cannot be empty")
		return
	}
	userID := subject(r)
	u, err := s.db.UpdateUser(r.Context(), userID, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.hub.Publish(realtime.Event{Type: realtime.EventUser, EntityID: userID}, userID)
	api.WriteJSON(w, http.StatusOK, u)
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	out, err := s.db.Requests(r.Context(), subject(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	var nr domain.NewRequest
	if err := api.DecodeJSON(r, &nr); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	in := validation.IntentionInput{
		Direction:     nr.Direction,
		Amount:        nr.Amount,
		Currency:      nr.Currency,
		OriginCountry: nr.OriginCountry,
		DestCountry:   nr.DestCountry,
	}
	if err := validation.ValidateIntention(in).Err(); err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := subject(r)
	req, err := s.db.CreateRequest(r.Context(), userID, in.Normalize())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.hub.Publish(realtime.Event{Type: realtime.EventRequests, EntityID: req.ID}, userID)
	// Any connected user may now have a new suggestion.
	s.hub.Publish(realtime.Event{Type: realtime.EventSuggestions, EntityID: req.ID}, s.hub.Users(userID)...)
	api.WriteJSON(w, http.StatusCreated, req)
}

func (s *Server) listMatches(w http.ResponseWriter, r *http.Request) {
	out, err := s.db.Matches(r.Context(), subject(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) listSuggestions(w http.ResponseWriter, r *http.Request) {
	out, err := s.db.Suggestions(r.Context(), subject(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	out, err := s.db.Conversations(r.Context(), subject(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) createReport(w http.ResponseWriter, r *http.Request) {
	var rep domain.Report
	if err := api.DecodeJSON(r, &rep); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	in := validation.ReportInput{ReportedUserID: rep.ReportedUserID, Reason: rep.Reason, Details: rep.Details}
	if err := validation.ValidateReport(in).Err(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.db.CreateReport(r.Context(), subject(r), rep); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// sync returns the combined snapshot for the caller.
func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := subject(r)

	u, err := s.db.User(ctx, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap := domain.Snapshot{User: u}
	if snap.Requests, err = s.db.Requests(ctx, userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if snap.Matches, err = s.db.Matches(ctx, userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if snap.Suggestions, err = s.db.Suggestions(ctx, userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if snap.Conversations, err = s.db.Conversations(ctx, userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, snap)
}

type userBody struct {
	UserID string `json:"user_id"`
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) {
	var body userBody
	if err := api.DecodeJSON(r, &body); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if !checkBodyUser(w, r, body.UserID) {
		return
	}
	userID := subject(r)
	out, err := s.db.Accept(r.Context(), chi.URLParam(r, "suggestionID"), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if out.Created {
		s.logger.Info("suggestion accepted", "user_id", userID, "match_id", out.MatchID, "conversation_id", out.ConversationID)
		s.hub.Publish(realtime.Event{Type: realtime.EventMatches, EntityID: out.MatchID}, userID, out.OwnerID)
		s.hub.Publish(realtime.Event{Type: realtime.EventConversations, EntityID: out.ConversationID}, userID, out.OwnerID)
	}
	api.WriteJSON(w, http.StatusOK, out.AcceptResult)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	if !checkBodyUser(w, r, r.URL.Query().Get("user_id")) {
		return
	}
	out, err := s.db.Messages(r.Context(), chi.URLParam(r, "conversationID"), subject(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, out)
}

type sendBody struct {
	Content  string `json:"content"`
	SenderID string `json:"sender_id"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body sendBody
	if err := api.DecodeJSON(r, &body); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if !checkBodyUser(w, r, body.SenderID) {
		return
	}
	if err := validation.ValidateMessage(body.Content).Err(); err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := subject(r)
	msg, recipient, err := s.db.SendMessage(r.Context(), chi.URLParam(r, "conversationID"), userID, strings.TrimSpace(body.Content))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.hub.Publish(realtime.Event{Type: realtime.EventMessages, EntityID: msg.ConversationID}, recipient, userID)
	api.WriteJSON(w, http.StatusCreated, msg)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	var body userBody
	if err := api.DecodeJSON(r, &body); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if !checkBodyUser(w, r, body.UserID) {
		return
	}
	if err := s.db.MarkRead(r.Context(), chi.URLParam(r, "conversationID"), subject(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunExpiry expires stale PENDING matches every interval until ctx is done.
func (s *Server) RunExpiry(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.ExpireOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("match expiry failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ExpireOnce runs a single expiry pass and returns the number of matches expired.
func (s *Server) ExpireOnce(ctx context.Context) (int, error) {
	expired, err := s.db.ExpireMatches(ctx, s.db.now().Add(-s.matchTTL))
	if err != nil {
		return 0, err
	}
	for _, m := range expired {
		s.logger.Info("match expired", "match_id", m.ID)
		s.hub.Publish(realtime.Event{Type: realtime.EventMatches, EntityID: m.ID}, m.RequesterID, m.OwnerID)
	}
	return len(expired), nil
}
