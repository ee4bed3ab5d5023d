package appctx_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/binomepay/binomepay-go/internal/platform/appctx"
)

func TestGetLogger(t *testing.T) {
	if got := appctx.GetLogger(context.Background()); got != slog.Default() {
		t.Error("expected slog.Default() without an attached logger")
	}

	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(buf, nil))
	ctx := appctx.WithLogger(context.Background(), logger)

	appctx.GetLogger(ctx).Info("hello", "key", "value")
	if !bytes.Contains(buf.Bytes(), []byte("key=value")) {
		t.Errorf("expected attached logger to be used, got %q", buf.String())
	}
}

func TestGetLogger_NilLogger(t *testing.T) {
	ctx := appctx.WithLogger(context.Background(), nil)
	if appctx.GetLogger(ctx) == nil {
		t.Fatal("expected fallback logger")
	}
}

func TestUserID(t *testing.T) {
	if _, ok := appctx.UserID(context.Background()); ok {
		t.Error("expected no user id on empty context")
	}
	if _, ok := appctx.UserID(appctx.WithUserID(context.Background(), "")); ok {
		t.Error("empty user id must not count as present")
	}

	id, ok := appctx.UserID(appctx.WithUserID(context.Background(), "u_1"))
	if !ok || id != "u_1" {
		t.Errorf("UserID = %q, %v; want u_1, true", id, ok)
	}
}
