package devserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/binomepay/binomepay-go/internal/auth"
	"github.com/binomepay/binomepay-go/internal/devserver"
	"github.com/binomepay/binomepay-go/internal/domain"
	"github.com/binomepay/binomepay-go/internal/platform/cache/memory"
	"github.com/binomepay/binomepay-go/internal/platform/http/api"
	"github.com/binomepay/binomepay-go/internal/ratelimit"
	"github.com/binomepay/binomepay-go/internal/realtime"
	"github.com/binomepay/binomepay-go/internal/remote"
	"github.com/binomepay/binomepay-go/internal/remote/httpapi"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fixture struct {
	db  *devserver.DB
	srv *devserver.Server
	ts  *httptest.Server
}

func newFixture(t *testing.T, opts devserver.Options) *fixture {
	t.Helper()
	db, err := devserver.OpenDB(":memory:")
	if err != nil {
		t.Fatalf("OpenDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Seed(context.Background()); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	tokens, err := devserver.NewTokens(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewTokens failed: %v", err)
	}
	opts.DB = db
	opts.Tokens = tokens
	srv := devserver.New(opts)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &fixture{db: db, srv: srv, ts: ts}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func reason(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, _ := io.ReadAll(resp.Body)
	detail, ok := api.ParseError(data)
	if !ok {
		t.Fatalf("response is not an error envelope: %s", data)
	}
	return detail.ReasonCode
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	resp := f.do(t, http.MethodPost, "/api/dev/tokens", "", map[string]string{"user_id": userID})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("mint token status = %d", resp.StatusCode)
	}
	var out struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	decode(t, resp, &out)
	if out.Token == "" || out.UserID != userID {
		t.Fatalf("unexpected mint response %+v", out)
	}
	return out.Token
}

func TestSeedIsIdempotent(t *testing.T) {
	f := newFixture(t, devserver.Options{})
	wrote, err := f.db.Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if wrote {
		t.Error("second Seed wrote data")
	}
}

func TestAuth(t *testing.T) {
	f := newFixture(t, devserver.Options{})

	resp := f.do(t, http.MethodGet, "/api/users/u_awa", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", resp.StatusCode)
	}
	if got := reason(t, resp); got != api.ReasonUnauthenticated {
		t.Errorf("reason = %q", got)
	}

	resp = f.do(t, http.MethodGet, "/api/users/u_awa", "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", resp.StatusCode)
	}
	if got := reason(t, resp); got != api.ReasonSessionExpired {
		t.Errorf("reason = %q", got)
	}

	tok := f.token(t, "u_awa")
	resp = f.do(t, http.MethodGet, "/api/users/u_fatou/requests", tok, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("foreign tree status = %d, want 403", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/users/u_awa", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("own profile status = %d", resp.StatusCode)
	}
	var u domain.User
	decode(t, resp, &u)
	if u.DisplayName != "Awa D." || u.KYCStatus != domain.KYCVerified {
		t.Errorf("profile = %+v", u)
	}
}

func TestMintCreatesUser(t *testing.T) {
	f := newFixture(t, devserver.Options{})
	tok := f.token(t, "u_new")

	resp := f.do(t, http.MethodGet, "/api/users/u_new", tok, nil)
	var u domain.User
	decode(t, resp, &u)
	if u.ID != "u_new" || u.KYCStatus != domain.KYCUnverified {
		t.Errorf("new user = %+v", u)
	}

	resp = f.do(t, http.MethodPost, "/api/dev/tokens", "", map[string]string{"user_id": " "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank user status = %d, want 400", resp.StatusCode)
	}
}

func TestMintRateLimited(t *testing.T) {
	counter := memory.New(time.Minute, 0)
	defer counter.Close()
	f := newFixture(t, devserver.Options{
		Counter:   counter,
		MintLimit: ratelimit.WindowConfig{RequestsPerWindow: 2, Window: time.Minute},
	})

	f.token(t, "u_awa")
	f.token(t, "u_awa")
	resp := f.do(t, http.MethodPost, "/api/dev/tokens", "", map[string]string{"user_id": "u_awa"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third mint status = %d, want 429", resp.StatusCode)
	}
	if got := reason(t, resp); got != api.ReasonRateLimited {
		t.Errorf("reason = %q", got)
	}
}

func TestCreateRequest(t *testing.T) {
	f := newFixture(t, devserver.Options{})
	tok := f.token(t, "u_aminata")

	body := map[string]string{
		"direction":      "SEND",
		"amount":         "75.50",
		"currency":       "eur",
		"origin_country": " France ",
		"dest_country":   "Côte d'Ivoire",
	}
	resp := f.do(t, http.MethodPost, "/api/users/u_aminata/requests", tok, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var req domain.Request
	decode(t, resp, &req)
	if req.Status != domain.RequestOpen || req.Currency != "EUR" || req.OriginCountry != "France" {
		t.Errorf("created request = %+v", req)
	}
	if req.Amount.String() != "75.5" {
		t.Errorf("amount = %s", req.Amount)
	}

	resp = f.do(t, http.MethodPost, "/api/users/u_aminata/requests", tok, map[string]string{
		"amount":         "0",
		"currency":       "EUR",
		"origin_country": "France",
		"dest_country":   "France",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid create status = %d, want 400", resp.StatusCode)
	}
	if got := reason(t, resp); got != api.ReasonValidation {
		t.Errorf("reason = %q", got)
	}

	// The only reverse-corridor request is her own.
	resp = f.do(t, http.MethodGet, "/api/users/u_aminata/suggestions", tok, nil)
	var sugs []domain.Suggestion
	decode(t, resp, &sugs)
	if len(sugs) != 0 {
		t.Errorf("suggestions = %+v, want none", sugs)
	}
}

func TestSuggestionsAndAccept(t *testing.T) {
	f := newFixture(t, devserver.Options{})
	awa := f.token(t, "u_awa")

	resp := f.do(t, http.MethodGet, "/api/users/u_awa/suggestions", awa, nil)
	var sugs []domain.Suggestion
	decode(t, resp, &sugs)
	if len(sugs) != 3 {
		t.Fatalf("suggestions = %d, want 3", len(sugs))
	}
	if sugs[0].ID != "r_fatou_1" || sugs[0].SenderName != "Fatou N." || sugs[0].Note != "Disponible ce week-end" {
		t.Errorf("first suggestion = %+v", sugs[0])
	}
	if sugs[1].ID != "r_moussa_1" || sugs[1].IsAccepted {
		t.Errorf("second suggestion = %+v", sugs[1])
	}
	if !sugs[2].IsAccepted || sugs[2].ConversationID != "c_demo" {
		t.Errorf("accepted suggestion = %+v", sugs[2])
	}

	resp = f.do(t, http.MethodPost, "/api/suggestions/r_fatou_1/accept", awa, map[string]string{"user_id": "u_awa"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accept status = %d", resp.StatusCode)
	}
	var first domain.AcceptResult
	decode(t, resp, &first)
	if first.ConversationID == "" || first.MatchID == "" {
		t.Fatalf("accept result = %+v", first)
	}

	resp = f.do(t, http.MethodPost, "/api/suggestions/r_fatou_1/accept", awa, map[string]string{"user_id": "u_awa"})
	var again domain.AcceptResult
	decode(t, resp, &again)
	if again != first {
		t.Errorf("re-accept = %+v, want %+v", again, first)
	}

	// Awa's own open request was matched too, so only accepted ones remain.
	resp = f.do(t, http.MethodGet, "/api/users/u_awa/suggestions", awa, nil)
	sugs = nil
	decode(t, resp, &sugs)
	if len(sugs) != 2 {
		t.Fatalf("suggestions after accept = %d, want 2", len(sugs))
	}
	for _, s := range sugs {
		if !s.IsAccepted {
			t.Errorf("suggestion %s not accepted", s.ID)
		}
	}

	resp = f.do(t, http.MethodGet, "/api/users/u_awa/requests", awa, nil)
	var reqs []domain.Request
	decode(t, resp, &reqs)
	for _, r := range reqs {
		if r.Status != domain.RequestMatched {
			t.Errorf("request %s status = %s, want MATCHED", r.ID, r.Status)
		}
	}

	fatou := f.token(t, "u_fatou")
	resp = f.do(t, http.MethodGet, "/api/users/u_fatou/conversations", fatou, nil)
	var convs []domain.Conversation
	decode(t, resp, &convs)
	if len(convs) != 1 || convs[0].ID != first.ConversationID || convs[0].CounterpartName != "Awa D." {
		t.Fatalf("fatou conversations = %+v", convs)
	}
	if convs[0].MatchDetails == nil || convs[0].MatchDetails.Currency != "EUR" {
		t.Errorf("match details = %+v", convs[0].MatchDetails)
	}
}

func TestAcceptConflicts(t *testing.T) {
	f := newFixture(t, devserver.Options{})
	fatou := f.token(t, "u_fatou")
	moussa := f.token(t, "u_moussa")

	resp := f.do(t, http.MethodPost, "/api/suggestions/r_fatou_1/accept", fatou, map[string]string{})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("own request status = %d, want 409", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/suggestions/r_ibrahima_1/accept", moussa, map[string]string{})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("matched request status = %d, want 409", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/suggestions/r_missing/accept", moussa, map[string]string{})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing request status = %d, want 404", resp.StatusCode)
	}

	resp = f.do(t, http.MethodPost, "/api/suggestions/r_fatou_1/accept", moussa, map[string]string{"user_id": "u_awa"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("mismatched body user status = %d, want 403", resp.StatusCode)
	}
}

func TestMessagesAndRead(t *testing.T) {
	f := newFixture(t, devserver.Options{})
	awa := f.token(t, "u_awa")
	ibrahima := f.token(t, "u_ibrahima")

	resp := f.do(t, http.MethodGet, "/api/conversations/c_demo/messages?user_id=u_awa", awa, nil)
	var msgs []domain.Message
	decode(t, resp, &msgs)
	if len(msgs) != 3 || msgs[0].ID != "msg_demo_1" {
		t.Fatalf("messages = %+v", msgs)
	}

	resp = f.do(t, http.MethodPost, "/api/conversations/c_demo/messages", ibrahima,
		map[string]string{"content": "  Je confirme.  ", "sender_id": "u_ibrahima"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status = %d", resp.StatusCode)
	}
	var sent domain.Message
	decode(t, resp, &sent)
	if sent.Content != "Je confirme." || sent.SenderID != "u_ibrahima" {
		t.Errorf("sent = %+v", sent)
	}

	resp = f.do(t, http.MethodGet, "/api/users/u_awa/conversations", awa, nil)
	var convs []domain.Conversation
	decode(t, resp, &convs)
	if len(convs) != 1 || convs[0].UnreadCount != 2 || convs[0].LastMessage != "Je confirme." {
		t.Fatalf("conversations = %+v", convs)
	}

	resp = f.do(t, http.MethodPost, "/api/conversations/c_demo/read", awa, map[string]string{"user_id": "u_awa"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("read status = %d", resp.StatusCode)
	}
	resp = f.do(t, http.MethodGet, "/api/users/u_awa/conversations", awa, nil)
	convs = nil
	decode(t, resp, &convs)
	if convs[0].UnreadCount != 0 {
		t.Errorf("unread after read = %d", convs[0].UnreadCount)
	}

	resp = f.do(t, http.MethodPost, "/api/conversations/c_demo/messages", awa,
		map[string]string{"content": "   ", "sender_id": "u_awa"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank message status = %d, want 400", resp.StatusCode)
	}

	moussa := f.token(t, "u_moussa")
	resp = f.do(t, http.MethodGet, "/api/conversations/c_demo/messages", moussa, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("outsider status = %d, want 403", resp.StatusCode)
	}
}

func TestReports(t *testing.T) {
	f := newFixture(t, devserver.Options{})
	awa := f.token(t, "u_awa")

	resp := f.do(t, http.MethodPost, "/api/users/u_awa/reports", awa,
		map[string]string{"reported_user_id": "u_moussa", "reason": "No show"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("report status = %d", resp.StatusCode)
	}
	n, err := f.db.ReportCount(context.Background(), "u_moussa")
	if err != nil || n != 1 {
		t.Errorf("ReportCount = %d, %v", n, err)
	}

	resp = f.do(t, http.MethodPost, "/api/users/u_awa/reports", awa,
		map[string]string{"reported_user_id": "u_moussa", "reason": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty reason status = %d, want 400", resp.StatusCode)
	}
}

func TestExpireOnce(t *testing.T) {
	f := newFixture(t, devserver.Options{MatchTTL: 30 * time.Minute})

	n, err := f.srv.ExpireOnce(context.Background())
	if err != nil {
		t.Fatalf("ExpireOnce failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}
	if n, _ := f.srv.ExpireOnce(context.Background()); n != 0 {
		t.Errorf("second pass expired = %d", n)
	}

	awa := f.token(t, "u_awa")
	resp := f.do(t, http.MethodGet, "/api/users/u_awa/matches", awa, nil)
	var matches []domain.Match
	decode(t, resp, &matches)
	statuses := map[string]domain.MatchStatus{}
	for _, m := range matches {
		statuses[m.ID] = m.Status
	}
	if statuses["m_pending"] != domain.MatchExpired || statuses["m_demo"] != domain.MatchAccepted {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestRealtimeDelivery(t *testing.T) {
	f := newFixture(t, devserver.Options{})
	awa := f.token(t, "u_awa")
	ibrahima := f.token(t, "u_ibrahima")

	wsURL, err := realtime.WebsocketURL(f.ts.URL)
	if err != nil {
		t.Fatalf("WebsocketURL failed: %v", err)
	}
	header := http.Header{"Authorization": []string{"Bearer " + awa}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.srv.Hub().Connections("u_awa") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp := f.do(t, http.MethodPost, "/api/conversations/c_demo/messages", ibrahima,
		map[string]string{"content": "Ping", "sender_id": "u_ibrahima"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send status = %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev realtime.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != realtime.EventMessages || ev.UserID != "u_awa" || ev.EntityID != "c_demo" {
		t.Errorf("event = %+v", ev)
	}

	_, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Error("dial without token succeeded")
	}
}

func TestHTTPClientAgainstDevserver(t *testing.T) {
	f := newFixture(t, devserver.Options{})
	tok := f.token(t, "u_awa")
	client, err := httpapi.New(httpapi.Options{BaseURL: f.ts.URL, Tokens: auth.StaticTokenSource(tok)})
	if err != nil {
		t.Fatalf("httpapi.New failed: %v", err)
	}
	ctx := context.Background()

	if !client.CheckAPIHealth(ctx) {
		t.Error("health check failed")
	}

	snap, err := client.SyncUserData(ctx, "u_awa")
	if err != nil {
		t.Fatalf("SyncUserData failed: %v", err)
	}
	if snap.User == nil || snap.User.DisplayName != "Awa D." {
		t.Errorf("snapshot user = %+v", snap.User)
	}
	if len(snap.Requests) != 2 || len(snap.Matches) != 2 || len(snap.Suggestions) != 3 || len(snap.Conversations) != 1 {
		t.Errorf("snapshot sizes: requests=%d matches=%d suggestions=%d conversations=%d",
			len(snap.Requests), len(snap.Matches), len(snap.Suggestions), len(snap.Conversations))
	}

	name := "Awa Diop"
	u, err := client.UpdateUserProfile(ctx, "u_awa", domain.ProfilePatch{DisplayName: &name})
	if err != nil {
		t.Fatalf("UpdateUserProfile failed: %v", err)
	}
	if u.DisplayName != name {
		t.Errorf("display name = %q", u.DisplayName)
	}

	msg, err := client.SendMessage(ctx, "c_demo", "Bonjour", "u_awa")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if !strings.HasPrefix(msg.ID, "msg_") {
		t.Errorf("message id = %q", msg.ID)
	}

	_, err = client.FetchUserRequests(ctx, "u_fatou")
	if !remote.IsStatus(err, http.StatusForbidden) {
		t.Errorf("foreign fetch err = %v, want 403", err)
	}
}

func TestTokens(t *testing.T) {
	if _, err := devserver.NewTokens([]byte("short"), time.Hour); err == nil {
		t.Error("expected error for short secret")
	}

	tokens, err := devserver.NewTokens(testSecret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	raw, exp, err := tokens.Mint("u_awa")
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if time.Until(exp) < 59*time.Minute {
		t.Errorf("expiry = %v", exp)
	}
	sub, err := tokens.Verify(raw)
	if err != nil || sub != "u_awa" {
		t.Errorf("Verify = %q, %v", sub, err)
	}

	other, _ := devserver.NewTokens([]byte("fedcba9876543210fedcba9876543210"), time.Hour)
	if _, err := other.Verify(raw); !errors.Is(err, devserver.ErrInvalidToken) {
		t.Errorf("wrong key err = %v", err)
	}

	short, _ := devserver.NewTokens(testSecret, time.Nanosecond)
	raw, _, _ = short.Mint("u_awa")
	time.Sleep(10 * time.Millisecond)
	if _, err := short.Verify(raw); !errors.Is(err, devserver.ErrInvalidToken) {
		t.Errorf("expired token err = %v", err)
	}

	claims, err := auth.ParseClaims(raw)
	if err != nil || claims.Issuer != devserver.TokenIssuer {
		t.Errorf("ParseClaims = %+v, %v", claims, err)
	}
}
