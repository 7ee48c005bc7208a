package refclip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestRegistrySingleProducerPerURL(t *testing.T) {
	registry := NewInFlightRegistry()

	first, err := registry.Register("https://example.com/a")
	if err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	second, err := registry.Register("https://example.com/a")
	if !errors.Is(err, ErrSaveInFlight) {
		t.Fatalf("second Register error = %v, want ErrSaveInFlight", err)
	}
	if second != first {
		t.Fatal("second Register should return the first handle")
	}
	if !registry.InProgress("https://example.com/a") {
		t.Fatal("InProgress should be true while registered")
	}
	if registry.InProgress("https://example.com/b") {
		t.Fatal("InProgress leaked to another URL")
	}
}

func TestRegistryAwaitersObserveSameOutcome(t *testing.T) {
	registry := NewInFlightRegistry()
	handle, err := registry.Register("https://example.com/a")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	want := &SaveResult{URL: "https://example.com/a", SnapshotSaved: true}
	var wg sync.WaitGroup
	outcomes := make([]SaveOutcome, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, awaitErr := handle.Await(context.Background())
			if awaitErr != nil {
				t.Errorf("Await failed: %v", awaitErr)
				return
			}
			outcomes[i] = outcome
		}(i)
	}

	registry.Release("https://example.com/a", SaveOutcome{Result: want})
	wg.Wait()

	for i, outcome := range outcomes {
		if outcome.Result != want {
			t.Fatalf("awaiter %d saw result %+v, want the shared result", i, outcome.Result)
		}
		if outcome.URL != "https://example.com/a" {
			t.Fatalf("awaiter %d saw URL %q", i, outcome.URL)
		}
	}
	if registry.InProgress("https://example.com/a") {
		t.Fatal("Release should remove the in-flight marker")
	}
}

func TestRegistryReleaseAllowsNextSave(t *testing.T) {
	registry := NewInFlightRegistry()
	if _, err := registry.Register("u"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	registry.Release("u", SaveOutcome{Err: errors.New("boom")})
	if _, err := registry.Register("u"); err != nil {
		t.Fatalf("Register after failed save should succeed, got %v", err)
	}
}

func TestAwaitRespectsContext(t *testing.T) {
	registry := NewInFlightRegistry()
	handle, err := registry.Register("u")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := handle.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Await error = %v, want deadline exceeded", err)
	}
}
