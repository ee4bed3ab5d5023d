// Package agentapi exposes the agent's user operations and sync state over a
// local JSON HTTP API.
package agentapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/binomepay/binomepay-go/internal/appstate"
	"github.com/binomepay/binomepay-go/internal/domain"
	"github.com/binomepay/binomepay-go/internal/exchange"
	"github.com/binomepay/binomepay-go/internal/offline"
	"github.com/binomepay/binomepay-go/internal/platform/appctx"
	"github.com/binomepay/binomepay-go/internal/platform/http/api"
	"github.com/binomepay/binomepay-go/internal/platform/http/middleware"
	"github.com/binomepay/binomepay-go/internal/platform/logutil"
	"github.com/binomepay/binomepay-go/internal/ratelimit"
	"github.com/binomepay/binomepay-go/internal/syncer"
	"github.com/binomepay/binomepay-go/internal/validation"
)

// Online reports connectivity; *connectivity.Monitor satisfies it.
type Online interface {
	Online() bool
}

// Deps are the collaborators the API drives. Online may be nil.
type Deps struct {
	Service      *exchange.Service
	State        *appstate.State
	Orchestrator *syncer.Orchestrator
	Queue        *offline.Queue
	Limits       *ratelimit.Registry
	Online       Online
	Mode         string
	Logger       *slog.Logger
	Now          func() time.Time
}

// Handler serves the agent API.
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Handler{deps: deps, logger: logutil.NoopIfNil(deps.Logger)}
}

// Router builds the chi router with the standard middleware stack.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	// RequestID first so the request logger can pick it up.
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLoggerMiddleware(h.logger))
	r.Use(middleware.AccessLogMiddleware(h.logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Get("/state", h.state)
		r.Post("/sync", h.sync)

		r.Post("/intentions", h.createIntention)
		r.Post("/suggestions/{id}/accept", h.acceptSuggestion)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Get("/messages", h.listMessages)
			r.Post("/messages", h.sendMessage)
			r.Post("/read", h.markRead)
		})

		r.Patch("/profile", h.updateProfile)
		r.Post("/reports", h.report)

		r.Get("/queue", h.listQueue)
		r.Get("/dead-letters", h.listDeadLetters)
		r.Post("/dead-letters/{id}/requeue", h.requeueDeadLetter)
		r.Delete("/dead-letters/{id}", h.discardDeadLetter)

		r.Post("/logout", h.logout)
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Mode          string                            `json:"mode"`
	Online        bool                              `json:"online"`
	Sync          syncer.Stats                      `json:"sync"`
	QueueLength   int                               `json:"queue_length"`
	DeadLetters   int                               `json:"dead_letters"`
	Notifications int                               `json:"notifications"`
	UnreadTotal   int                               `json:"unread_total"`
	RateLimits    map[ratelimit.Action]*limitStatus `json:"rate_limits,omitempty"`
}

type limitStatus struct {
	Remaining    int       `json:"remaining"`
	ResetAt      time.Time `json:"reset_at,omitzero"`
	ResetSeconds int       `json:"reset_in_seconds"`
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatusResponse{
		Mode:          h.deps.Mode,
		Online:        h.deps.Online == nil || h.deps.Online.Online(),
		Sync:          h.deps.Orchestrator.Stats(),
		Notifications: h.deps.State.NotificationCount(),
		UnreadTotal:   h.deps.State.UnreadTotal(),
	}
	if n, err := h.deps.Queue.Len(ctx); err == nil {
		resp.QueueLength = n
	}
	if dead, err := h.deps.Queue.DeadLetters(ctx); err == nil {
		resp.DeadLetters = len(dead)
	}
	if h.deps.Limits != nil {
		if limits, err := h.deps.Limits.Status(ctx); err == nil {
			now := h.deps.Now()
			resp.RateLimits = make(map[ratelimit.Action]*limitStatus, len(limits))
			for action, res := range limits {
				resp.RateLimits[action] = &limitStatus{
					Remaining:    res.Remaining,
					ResetAt:      res.ResetAt,
					ResetSeconds: int(res.TimeUntilReset(now).Seconds()),
				}
			}
		}
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// StateResponse is returned by GET /api/state.
type StateResponse struct {
	*domain.Snapshot
	Notifications int       `json:"notifications"`
	UnreadTotal   int       `json:"unread_total"`
	LastSyncAt    time.Time `json:"last_sync_at,omitzero"`
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	st := h.deps.State
	api.WriteJSON(w, http.StatusOK, StateResponse{
		Snapshot:      st.Snapshot(),
		Notifications: st.NotificationCount(),
		UnreadTotal:   st.UnreadTotal(),
		LastSyncAt:    st.LastSyncAt(),
	})
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	synced := h.deps.Orchestrator.PerformSync(r.Context(), true)
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"synced": synced,
		"stats":  h.deps.Orchestrator.Stats(),
	})
}

func (h *Handler) createIntention(w http.ResponseWriter, r *http.Request) {
	var in validation.IntentionInput
	if err := api.DecodeJSON(r, &in); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	req, err := h.deps.Service.CreateIntention(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, map[string]any{
		"request": req,
		"queued":  domain.IsTempID(req.ID),
	})
}

func (h *Handler) acceptSuggestion(w http.ResponseWriter, r *http.Request) {
	convID, err := h.deps.Service.AcceptSuggestion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"conversation_id": convID,
		"queued":          domain.IsTempID(convID),
	})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.deps.Service.LoadMessages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	api.WriteJSON(w, http.StatusOK, msgs)
}

type sendMessageBody struct {
	Content string `json:"content"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var body sendMessageBody
	if err := api.DecodeJSON(r, &body); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	msg, err := h.deps.Service.SendMessage(r.Context(), chi.URLParam(r, "id"), body.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, map[string]any{
		"message": msg,
		"queued":  domain.IsTempID(msg.ID),
	})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Service.MarkConversationRead(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	var patch domain.ProfilePatch
	if err := api.DecodeJSON(r, &patch); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	u, err := h.deps.Service.UpdateProfile(r.Context(), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, u)
}

func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	var in validation.ReportInput
	if err := api.DecodeJSON(r, &in); err != nil {
		api.WriteBadRequest(w, err.Error())
		return
	}
	if err := h.deps.Service.ReportUser(r.Context(), in); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) listQueue(w http.ResponseWriter, r *http.Request) {
	h.writeActions(w, r, h.deps.Queue.Pending)
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	h.writeActions(w, r, h.deps.Queue.DeadLetters)
}

func (h *Handler) writeActions(w http.ResponseWriter, r *http.Request, list func(context.Context) ([]offline.Action, error)) {
	actions, err := list(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if actions == nil {
		actions = []offline.Action{}
	}
	api.WriteJSON(w, http.StatusOK, actions)
}

func (h *Handler) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Queue.RequeueDeadLetter(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) discardDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Queue.DiscardDeadLetter(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Service.Logout(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps service errors onto the JSON error envelope.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.ValidationError
	var lerr *ratelimit.LimitError
	switch {
	case errors.As(err, &verr):
		api.WriteError(w, http.StatusBadRequest, api.ReasonValidation, "validation failed", verr.Errors...)
	case errors.As(err, &lerr):
		secs := int(lerr.ResetAt.Sub(h.deps.Now()).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		api.WriteError(w, http.StatusTooManyRequests, api.ReasonRateLimited, err.Error())
	case errors.Is(err, exchange.ErrSuggestionNotFound),
		errors.Is(err, exchange.ErrConversationNotFound),
		errors.Is(err, offline.ErrNotFound):
		api.WriteNotFound(w, err.Error())
	case errors.Is(err, exchange.ErrDuplicateAction):
		api.WriteError(w, http.StatusConflict, api.ReasonConflict, err.Error())
	case errors.Is(err, exchange.ErrNoSession):
		api.WriteUnauthorized(w, api.ReasonUnauthenticated, "no active session")
	default:
		appctx.GetLogger(r.Context()).Error("request failed", "error", err)
		api.WriteError(w, http.StatusServiceUnavailable, api.ReasonUnavailable, "operation could not be completed")
	}
}
