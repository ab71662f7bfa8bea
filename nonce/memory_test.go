package nonce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestMemoryConsumeOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(clock.NewMock())

	if seen, _ := s.Seen(ctx, "n1"); seen {
		t.Fatal("Expected fresh nonce to be unseen")
	}
	if err := s.Consume(ctx, "n1", "key", 8*time.Minute); err != nil {
		t.Fatalf("First consume failed: %v", err)
	}
	if seen, _ := s.Seen(ctx, "n1"); !seen {
		t.Error("Expected nonce to be seen after consume")
	}
	if err := s.Consume(ctx, "n1", "key", 8*time.Minute); !errors.Is(err, ErrReplayed) {
		t.Errorf("Expected ErrReplayed, got %v", err)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := NewMemory(clk)

	_ = s.Consume(ctx, "n1", "key", 8*time.Minute)
	clk.Add(8*time.Minute + time.Second)

	if seen, _ := s.Seen(ctx, "n1"); seen {
		t.Error("Expected expired nonce to be unseen")
	}
	if err := s.Consume(ctx, "n1", "key", 8*time.Minute); err != nil {
		t.Errorf("Expected expired nonce to be reusable, got %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Expected 1 live record, got %d", s.Len())
	}
}

func TestMemoryPrunes(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	s := NewMemory(clk)

	for _, n := range []string{"a", "b", "c"} {
		_ = s.Consume(ctx, n, "key", time.Minute)
	}
	clk.Add(2 * time.Minute)
	if got := s.Len(); got != 0 {
		t.Errorf("Expected pruned store, got %d records", got)
	}
}

func TestMemoryConcurrentConsume(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Consume(ctx, "race", "key", time.Minute); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("Expected exactly one successful consume, got %d", wins.Load())
	}
}
