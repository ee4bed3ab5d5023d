package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/binomepay/binomepay-go/internal/platform/store"
	"github.com/binomepay/binomepay-go/internal/platform/store/memory"
	"github.com/binomepay/binomepay-go/internal/platform/store/testutil"
)

func TestMemoryDriver(t *testing.T) {
	testutil.RunDriverTests(t, func(t *testing.T) store.Store {
		return memory.New()
	})
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	s.Set(ctx, "k", []byte("abc"))
	v, _ := s.Get(ctx, "k")
	v[0] = 'z'

	again, _ := s.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value was mutated through Get result: %q", again)
	}
}

func TestMemory_Closed(t *testing.T) {
	s := memory.New()
	s.Close()

	if err := s.Set(context.Background(), "k", nil); !errors.Is(err, store.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
