package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/binomepay/binomepay-go/internal/auth"
	"github.com/binomepay/binomepay-go/internal/domain"
	"github.com/binomepay/binomepay-go/internal/platform/http/api"
	"github.com/binomepay/binomepay-go/internal/remote"
	"github.com/binomepay/binomepay-go/internal/remote/httpapi"
	"github.com/binomepay/binomepay-go/internal/retry"
)

func newClient(t *testing.T, h http.Handler, opts httpapi.Options) *httpapi.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	opts.BaseURL = srv.URL
	c, err := httpapi.New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestNew_InvalidURL(t *testing.T) {
	if _, err := httpapi.New(httpapi.Options{BaseURL: "not a url"}); err == nil {
		t.Error("expected error for invalid base url")
	}
}

func TestFetchUserProfile_SendsBearer(t *testing.T) {
	var gotAuth, gotPath string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users/{id}", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		api.WriteJSON(w, http.StatusOK, domain.User{ID: r.PathValue("id"), DisplayName: "Awa", KYCStatus: domain.KYCVerified})
	})

	c := newClient(t, mux, httpapi.Options{Tokens: auth.StaticTokenSource("tok123")})
	u, err := c.FetchUserProfile(context.Background(), "u_1")
	if err != nil {
		t.Fatalf("FetchUserProfile failed: %v", err)
	}
	if u.ID != "u_1" || u.KYCStatus != domain.KYCVerified {
		t.Errorf("unexpected user %+v", u)
	}
	if gotAuth != "Bearer tok123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/api/users/u_1" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestErrorEnvelopeBecomesStatusError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users/{id}/matches", func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusServiceUnavailable, api.ReasonUnavailable, "maintenance")
	})

	c := newClient(t, mux, httpapi.Options{})
	_, err := c.FetchUserMatches(context.Background(), "u_1")

	var se *remote.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *remote.StatusError, got %T %v", err, err)
	}
	if se.StatusCode != 503 || se.ReasonCode != api.ReasonUnavailable || se.Message != "maintenance" {
		t.Errorf("unexpected status error %+v", se)
	}
	if !retry.IsRetryable(err) {
		t.Error("503 should be retryable")
	}
}

func TestUnauthorizedFiresSessionExpired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/users/{id}/sync", func(w http.ResponseWriter, r *http.Request) {
		api.WriteUnauthorized(w, api.ReasonSessionExpired, "token expired")
	})

	expired := 0
	c := newClient(t, mux, httpapi.Options{OnSessionExpired: func() { expired++ }})
	if _, err := c.SyncUserData(context.Background(), "u_1"); !remote.IsStatus(err, 401) {
		t.Fatalf("expected 401, got %v", err)
	}
	if expired != 1 {
		t.Errorf("OnSessionExpired called %d times", expired)
	}
}

func TestAcceptSuggestionAndSendMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/suggestions/{id}/accept", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			UserID string `json:"user_id"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.UserID != "u_1" || r.PathValue("id") != "s_1" {
			api.WriteBadRequest(w, "bad accept")
			return
		}
		api.WriteJSON(w, http.StatusOK, domain.AcceptResult{ConversationID: "c_9", MatchID: "m_9"})
	})
	mux.HandleFunc("POST /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content  string `json:"content"`
			SenderID string `json:"sender_id"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		api.WriteJSON(w, http.StatusCreated, domain.Message{ID: "msg_1", ConversationID: r.PathValue("id"), SenderID: body.SenderID, Content: body.Content})
	})

	c := newClient(t, mux, httpapi.Options{})
	ctx := context.Background()

	res, err := c.AcceptSuggestion(ctx, "s_1", "u_1")
	if err != nil || res.ConversationID != "c_9" || res.MatchID != "m_9" {
		t.Fatalf("AcceptSuggestion = %+v, %v", res, err)
	}

	m, err := c.SendMessage(ctx, "c_9", "Bonjour", "u_1")
	if err != nil || m.ID != "msg_1" || m.Content != "Bonjour" || m.ConversationID != "c_9" {
		t.Fatalf("SendMessage = %+v, %v", m, err)
	}
}

func TestCheckAPIHealth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	c := newClient(t, mux, httpapi.Options{})
	if !c.CheckAPIHealth(context.Background()) {
		t.Error("expected healthy backend")
	}

	down, err := httpapi.New(httpapi.Options{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		t.Fatal(err)
	}
	if down.CheckAPIHealth(context.Background()) {
		t.Error("unreachable backend reported healthy")
	}
}
