package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDependencyCache_ConcurrentMissesResolveOnce(t *testing.T) {
	c := NewDependencyCache()
	key := DependencyKey{ResourceType: "Patient", ID: "p1"}

	var calls int32
	resolve := func(context.Context) (string, bool, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return "p1", true, nil
	}

	const n = 16
	var wg sync.WaitGroup
	var createdCount int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, created, err := c.Resolve(context.Background(), key, resolve)
			if err != nil || id != "p1" {
				t.Errorf("unexpected result %q, %v", id, err)
			}
			if created {
				atomic.AddInt32(&createdCount, 1)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("expected 1 resolve call, got %d", calls)
	}
	if createdCount != 1 {
		t.Errorf("expected exactly one caller to report creation, got %d", createdCount)
	}
	if id, ok := c.lookup(key); !ok || id != "p1" {
		t.Errorf("expected cached p1, got %q %v", id, ok)
	}
}

func TestDependencyCache_UnrelatedKeysDoNotSerialize(t *testing.T) {
	c := NewDependencyCache()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		c.Resolve(context.Background(), DependencyKey{"Patient", "slow"}, func(context.Context) (string, bool, error) {
			close(started)
			<-release
			return "slow", true, nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		c.Resolve(context.Background(), DependencyKey{"Patient", "fast"}, func(context.Context) (string, bool, error) {
			return "fast", true, nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("resolve of an unrelated key blocked behind a slow key")
	}
	close(release)
}

func TestDependencyCache_FailureIsCached(t *testing.T) {
	c := NewDependencyCache()
	key := DependencyKey{ResourceType: "Coverage", ID: "cov-1"}
	boom := errors.New("boom")

	calls := 0
	resolve := func(context.Context) (string, bool, error) {
		calls++
		return "", false, boom
	}
	for i := 0; i < 3; i++ {
		if _, _, err := c.Resolve(context.Background(), key, resolve); !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if _, ok := c.lookup(key); ok {
		t.Error("failed key should not be reported as resolved")
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 key, got %d", c.Len())
	}
}

// lookup returns a resolved id without resolving.
func (c *DependencyCache) lookup(key DependencyKey) (string, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.done || e.err != nil {
		return "", false
	}
	return e.id, true
}
