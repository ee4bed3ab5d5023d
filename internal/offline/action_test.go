package offline_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/binomepay/binomepay-go/internal/domain"
	"github.com/binomepay/binomepay-go/internal/offline"
)

func TestIdempotencyKeyIgnoresLocalIDs(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)

	a, err := offline.NewSendMessage("u_1", "temp_a", "c_1", "Salut", now)
	if err != nil {
		t.Fatal(err)
	}
	b, err := offline.NewSendMessage("u_1", "temp_b", "c_1", "Salut", now.Add(10*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Error("action ids must be unique")
	}
	if a.IdempotencyKey != b.IdempotencyKey {
		t.Error("same message in the same window should share a key")
	}

	c, _ := offline.NewSendMessage("u_1", "temp_c", "c_1", "Salut", now.Add(2*time.Minute))
	if c.IdempotencyKey == a.IdempotencyKey {
		t.Error("a later window should produce a different key")
	}
	d, _ := offline.NewSendMessage("u_2", "temp_d", "c_1", "Salut", now)
	if d.IdempotencyKey == a.IdempotencyKey {
		t.Error("different users should produce different keys")
	}
}

func TestDecodePayload(t *testing.T) {
	req := domain.NewRequest{
		OriginCountry: "Sénégal",
		DestCountry:   "France",
		Amount:        decimal.NewFromInt(200),
		Currency:      "EUR",
		Direction:     domain.DirectionSend,
	}
	a, err := offline.NewCreateRequest("u_1", "temp_1", req, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if a.Type != offline.TypeCreateRequest {
		t.Errorf("type = %s", a.Type)
	}

	p, err := offline.DecodePayload[offline.CreateRequestPayload](a)
	if err != nil {
		t.Fatal(err)
	}
	if p.TempID != "temp_1" || !p.Request.Amount.Equal(req.Amount) || p.Request.Currency != "EUR" {
		t.Errorf("payload = %+v", p)
	}

	if _, err := offline.DecodePayload[offline.SendMessagePayload](offline.Action{Type: offline.TypeSendMessage, Payload: []byte("{")}); err == nil {
		t.Error("expected decode error")
	}
}

func TestLocalIDs(t *testing.T) {
	now := time.Now()
	accept, _ := offline.NewAcceptSuggestion("u_1", "s_1", "local_c", "local_m", now)
	msg, _ := offline.NewSendMessage("u_1", "temp_m", "c_1", "Salut", now)
	profile, _ := offline.NewUpdateProfile("u_1", domain.ProfilePatch{}, now)

	if ids := accept.LocalIDs(); len(ids) != 2 || ids[0] != "local_c" || ids[1] != "local_m" {
		t.Errorf("accept ids = %v", ids)
	}
	if ids := msg.LocalIDs(); len(ids) != 1 || ids[0] != "temp_m" {
		t.Errorf("message ids = %v", ids)
	}
	if ids := profile.LocalIDs(); ids != nil {
		t.Errorf("profile ids = %v", ids)
	}
}
