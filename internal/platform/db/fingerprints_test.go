package db

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// newTestStore connects to TEST_DATABASE_URL and creates a throwaway table.
func newTestStore(t *testing.T) *FingerprintStore {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := NewPool(ctx, PoolConfig{URL: url, MaxConns: 2, ApplicationName: "claim-loader-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(pool.Close)

	table := "fp_test_" + uuid.New().String()[:8]
	store := NewFingerprintStore(pool, table)
	if err := store.EnsureTable(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+store.Table())
	})
	return store
}

func TestFingerprintStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	table, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(table) != 0 {
		t.Fatalf("expected empty table, got %d", len(table))
	}

	want := make(map[string]string)
	for i := 0; i < 2500; i++ {
		want[fmt.Sprintf("c-%d", i)] = fmt.Sprintf("h%d", i)
	}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want["c-1"] = "changed"
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	if got["c-1"] != "changed" || got["c-2499"] != "h2499" {
		t.Errorf("unexpected entries: c-1=%s c-2499=%s", got["c-1"], got["c-2499"])
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(want) {
		t.Errorf("expected count %d, got %d", len(want), n)
	}

	stats, err := Check(ctx, store.pool)
	if err != nil || !stats.Healthy {
		t.Errorf("expected healthy pool, got %+v %v", stats, err)
	}
}

func TestNewFingerprintStore_QuotesTable(t *testing.T) {
	s := NewFingerprintStore(nil, "")
	if s.Table() != `"claim_fingerprints"` {
		t.Errorf("unexpected table %s", s.Table())
	}
	s = NewFingerprintStore(nil, `evil"; DROP TABLE x; --`)
	if s.Table() != `"evil""; DROP TABLE x; --"` {
		t.Errorf("table name not escaped: %s", s.Table())
	}
}
