// Package testutil provides shared conformance tests for store drivers.
package testutil

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/binomepay/binomepay-go/internal/platform/store"
)

// RunDriverTests exercises the Store contract. newStore must return a fresh, empty store.
func RunDriverTests(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SetGetOverwrite", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		if err := s.Set(ctx, "k", []byte(`{"v":1}`)); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		if err := s.Set(ctx, "k", []byte(`{"v":2}`)); err != nil {
			t.Fatalf("second Set failed: %v", err)
		}
		got, err := s.Get(ctx, "k")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got) != `{"v":2}` {
			t.Errorf("Get = %s, want {\"v\":2}", got)
		}
	})

	t.Run("Remove", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		if err := s.Set(ctx, "k", []byte(`"x"`)); err != nil {
			t.Fatal(err)
		}
		if err := s.Remove(ctx, "k"); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if _, err := s.Get(ctx, "k"); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("expected ErrNotFound after Remove, got %v", err)
		}
		if err := s.Remove(ctx, "never-set"); err != nil {
			t.Errorf("removing a missing key should succeed, got %v", err)
		}
	})

	t.Run("KeysByPrefix", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		for _, k := range []string{"ratelimit:b", "offline:queue", "ratelimit:a"} {
			if err := s.Set(ctx, k, []byte(`[]`)); err != nil {
				t.Fatal(err)
			}
		}
		keys, err := s.Keys(ctx, "ratelimit:")
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		want := []string{"ratelimit:a", "ratelimit:b"}
		if !reflect.DeepEqual(keys, want) {
			t.Errorf("Keys = %v, want %v", keys, want)
		}

		all, err := s.Keys(ctx, "")
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 {
			t.Errorf("expected 3 keys with empty prefix, got %v", all)
		}
	})

	t.Run("JSONHelpers", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		in := map[string]int{"a": 1, "b": 2}
		if err := store.SetJSON(ctx, s, "m", in); err != nil {
			t.Fatalf("SetJSON failed: %v", err)
		}
		var out map[string]int
		if err := store.GetJSON(ctx, s, "m", &out); err != nil {
			t.Fatalf("GetJSON failed: %v", err)
		}
		if !reflect.DeepEqual(in, out) {
			t.Errorf("round trip mismatch: %v vs %v", in, out)
		}
		if err := store.GetJSON(ctx, s, "absent", &out); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("GetJSON on absent key: expected ErrNotFound, got %v", err)
		}
	})
}
