package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_PrimarySuccess(t *testing.T) {
	t.Parallel()

	g := NewGroup("primary", "primary", CircuitBreakerConfig{MaxFailures: 3})
	g.Add("secondary", "secondary")

	got, err := Do(context.Background(), g, func(_ context.Context, v string) (string, error) {
		return "from-" + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-primary" {
		t.Fatalf("got %q, want from-primary", got)
	}
}

func TestDo_Failover(t *testing.T) {
	t.Parallel()

	g := NewGroup("primary", "primary", CircuitBreakerConfig{MaxFailures: 3})
	g.Add("secondary", "secondary")

	got, err := Do(context.Background(), g, func(_ context.Context, v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return "from-" + v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "from-secondary" {
		t.Fatalf("got %q, want from-secondary", got)
	}
}

func TestDo_AllFail(t *testing.T) {
	t.Parallel()

	g := NewGroup("only", 1, CircuitBreakerConfig{MaxFailures: 3})
	_, err := Do(context.Background(), g, func(context.Context, int) (int, error) {
		return 0, errTest
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping the cause", err)
	}
}

func TestDo_SkipsOpenEntry(t *testing.T) {
	t.Parallel()

	g := NewGroup("primary", "primary", CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	g.Add("secondary", "secondary")
	ctx := context.Background()

	for range 2 {
		_, _ = Do(ctx, g, func(_ context.Context, v string) (string, error) {
			if v == "primary" {
				return "", errTest
			}
			return v, nil
		})
	}
	if s := g.Breakers()[0].State(); s != StateOpen {
		t.Fatalf("primary state = %v, want open", s)
	}

	var calls []string
	got, err := Do(ctx, g, func(_ context.Context, v string) (string, error) {
		calls = append(calls, v)
		return v, nil
	})
	if err != nil || got != "secondary" {
		t.Fatalf("got %q, %v; want secondary", got, err)
	}
	if len(calls) != 1 {
		t.Errorf("calls = %v, want only secondary", calls)
	}
}

func TestDo_StopsOnDoneContext(t *testing.T) {
	t.Parallel()

	g := NewGroup("primary", "primary", CircuitBreakerConfig{})
	g.Add("secondary", "secondary")

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	_, err := Do(ctx, g, func(_ context.Context, v string) (string, error) {
		calls++
		cancel()
		return "", context.Canceled
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no failover after cancel)", calls)
	}
}
