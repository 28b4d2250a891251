package pgstore_test

import (
	"context"
	"errors"
	"os"
	"slices"
	"testing"

	"github.com/MrWong99/novaflow/internal/history"
	"github.com/MrWong99/novaflow/internal/history/pgstore"
)

// newTestStore skips unless NOVAFLOW_TEST_POSTGRES_DSN is set and starts
// every test from empty tables.
func newTestStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("NOVAFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NOVAFLOW_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration tests")
	}
	ctx := context.Background()
	s, err := pgstore.New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPGStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	id, err := s.Create(ctx)
	if err != nil || id != "1" {
		t.Fatalf("Create = %q, %v", id, err)
	}

	e1 := history.NewEntry("hello", "hi")
	e2 := history.NewEntry("again", "sure")
	for _, e := range []history.Entry{e1, e2} {
		if err := s.Append(ctx, "1", e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	got, err := s.Read(ctx, "1")
	if err != nil || !slices.Equal(got, []history.Entry{e1, e2}) {
		t.Errorf("Read = %+v, %v", got, err)
	}

	if err := s.Append(ctx, "7", e1); err != nil {
		t.Fatalf("Append to new chat: %v", err)
	}
	if id, _ := s.Create(ctx); id != "8" {
		t.Errorf("Create after 7 = %q", id)
	}
	ids, _ := s.List(ctx)
	if !slices.Equal(ids, []string{"1", "7", "8"}) {
		t.Errorf("List = %v", ids)
	}

	if _, err := s.Read(ctx, "x"); !errors.Is(err, history.ErrInvalidID) {
		t.Errorf("Read(x): %v", err)
	}
	if got, _ := s.Read(ctx, "42"); got == nil || len(got) != 0 {
		t.Errorf("Read(missing) = %#v", got)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if ok, _ := s.Exists(ctx, "1"); ok {
		t.Error("chat survived Clear")
	}
}
