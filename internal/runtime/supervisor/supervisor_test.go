package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoPropagatesFirstError(t *testing.T) {
	sup := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	sup.Go("worker", func(ctx context.Context) error { return boom })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("Wait() = %v, want %v", err, boom)
	}
	select {
	case <-sup.Context().Done():
	default:
		t.Fatal("context not canceled after error")
	}
}

func TestGoRecoversPanic(t *testing.T) {
	sup := New(context.Background(), WithCancelOnError(true))
	sup.Go("worker", func(ctx context.Context) error { panic("kaput") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil {
		t.Fatal("expected give-up error")
	}
	// Initial run plus two restarts.
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartStopsOnCleanExit(t *testing.T) {
	sup := New(context.Background())
	var runs atomic.Int32
	sup.GoRestart("oneshot", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}

func TestStopCancelsAndWaits(t *testing.T) {
	sup := New(context.Background())
	stopped := make(chan struct{})
	sup.Go0("blocker", func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop() = %v", err)
	}
	select {
	case <-stopped:
	default:
		t.Fatal("goroutine still running after Stop")
	}
}
