package bridge

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maruel/odb/internal/observer"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		panic("unreachable")
	}
}

func TestBridge(t *testing.T) {
	t.Run("latest started run wins", func(t *testing.T) {
		src := observer.New(1)
		slow := make(chan struct{})
		b := New(src, func(_ context.Context, v int, _ func(func())) (int, error) {
			if v == 1 {
				<-slow // ignores cancellation on purpose
			}
			return v * 10, nil
		})
		commits := make(chan int, 10)
		b.Watch(func(_, curr int) { commits <- curr })
		_ = src.Set(2)
		if got := recv(t, commits); got != 20 {
			t.Fatalf("first commit = %d, want 20", got)
		}
		close(slow)
		b.Wait()
		if got := b.Get(); got != 20 {
			t.Errorf("Get() = %d after stale run finished, want 20", got)
		}
		select {
		case v := <-commits:
			t.Errorf("stale run committed %d", v)
		default:
		}
		if got := b.Generation(); got != 2 {
			t.Errorf("Generation() = %d, want 2", got)
		}
	})

	t.Run("superseded run is cancelled and cleaned up", func(t *testing.T) {
		src := observer.New(1)
		var mu sync.Mutex
		var events []string
		log := func(s string) {
			mu.Lock()
			events = append(events, s)
			mu.Unlock()
		}
		started := make(chan struct{})
		b := New(src, func(ctx context.Context, v int, onCleanup func(func())) (int, error) {
			if v == 1 {
				onCleanup(func() { log("cleanup 1") })
				close(started)
				<-ctx.Done()
				log("cancelled 1")
				return 0, ctx.Err()
			}
			log("start 2")
			return v, nil
		})
		b.Watch(func(_, _ int) {})
		recv(t, started)
		_ = src.Set(2)
		b.Wait()
		mu.Lock()
		defer mu.Unlock()
		i := slices.Index(events, "cleanup 1")
		j := slices.Index(events, "start 2")
		if i < 0 || j < 0 || i > j {
			t.Errorf("events = %v, want cleanup 1 before start 2", events)
		}
		if !slices.Contains(events, "cancelled 1") {
			t.Errorf("events = %v, run 1 not cancelled", events)
		}
		if err := b.Err(); err != nil {
			t.Errorf("Err() = %v, cancelled run must not surface", err)
		}
	})

	t.Run("late cleanup runs once", func(t *testing.T) {
		src := observer.New(1)
		var cleanups atomic.Int32
		started := make(chan struct{})
		b := New(src, func(ctx context.Context, v int, onCleanup func(func())) (int, error) {
			if v == 1 {
				close(started)
				<-ctx.Done()
				onCleanup(func() { cleanups.Add(1) })
				return 0, ctx.Err()
			}
			return v, nil
		})
		b.Watch(func(_, _ int) {})
		recv(t, started)
		_ = src.Set(2)
		b.Wait()
		if n := cleanups.Load(); n != 1 {
			t.Errorf("cleanups = %d, want 1", n)
		}
	})

	t.Run("errors are absorbed", func(t *testing.T) {
		src := observer.New(1)
		errBoom := errors.New("boom")
		b := New(src, func(_ context.Context, v int, _ func(func())) (int, error) {
			if v == 2 {
				return 0, errBoom
			}
			return v * 10, nil
		})
		var got []int
		var mu sync.Mutex
		b.Watch(func(_, curr int) {
			mu.Lock()
			got = append(got, curr)
			mu.Unlock()
		})
		b.Wait()
		_ = src.Set(2)
		b.Wait()
		if v := b.Get(); v != 10 {
			t.Errorf("Get() = %d after failure, want previous value 10", v)
		}
		if err := b.Err(); !errors.Is(err, errBoom) {
			t.Errorf("Err() = %v, want boom", err)
		}
		_ = src.Set(3)
		b.Wait()
		if err := b.Err(); err != nil {
			t.Errorf("Err() = %v after recovery, want nil", err)
		}
		mu.Lock()
		defer mu.Unlock()
		if !slices.Equal(got, []int{10, 30}) {
			t.Errorf("commits = %v, want [10 30]", got)
		}
	})

	t.Run("lazy start", func(t *testing.T) {
		src := observer.New(1)
		var cleanups atomic.Int32
		b := New(src, func(_ context.Context, v int, onCleanup func(func())) (int, error) {
			onCleanup(func() { cleanups.Add(1) })
			return v, nil
		})
		_ = src.Set(5)
		if n := b.Runs(); n != 0 {
			t.Fatalf("Runs() = %d before Watch, want 0", n)
		}
		cancel := b.Watch(func(_, _ int) {})
		b.Wait()
		if n := b.Runs(); n != 1 {
			t.Errorf("Runs() = %d, want 1", n)
		}
		if got := b.Get(); got != 5 {
			t.Errorf("Get() = %d, want 5", got)
		}
		cancel()
		if n := src.Listeners(); n != 0 {
			t.Errorf("source listeners = %d after last cancel, want 0", n)
		}
		if n := cleanups.Load(); n != 1 {
			t.Errorf("cleanups = %d after last cancel, want 1", n)
		}
		_ = src.Set(6)
		b.Wait()
		if n := b.Runs(); n != 1 {
			t.Errorf("Runs() = %d after unsubscribe, want 1", n)
		}
	})

	t.Run("Dispose", func(t *testing.T) {
		src := observer.New(1)
		var cleanups atomic.Int32
		b := New(src, func(_ context.Context, v int, onCleanup func(func())) (int, error) {
			onCleanup(func() { cleanups.Add(1) })
			return v, nil
		})
		b.Watch(func(_, _ int) {})
		b.Wait()
		b.Dispose()
		b.Dispose()
		if n := cleanups.Load(); n != 1 {
			t.Errorf("cleanups = %d, want 1", n)
		}
		_ = src.Set(9)
		b.Wait()
		if n := b.Runs(); n != 1 {
			t.Errorf("Runs() = %d after Dispose, want 1", n)
		}
		if got := b.Get(); got != 1 {
			t.Errorf("Get() = %d after Dispose, want 1", got)
		}
		if !b.Disposed() {
			t.Error("Disposed() = false")
		}
	})
}

func TestBridgeCleanupOrder(t *testing.T) {
	src := observer.New(1)
	var mu sync.Mutex
	var events []string
	log := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}
	gate := make(chan struct{})
	entered := make(chan struct{})
	started3 := make(chan struct{})
	b := New(src, func(_ context.Context, v int, onCleanup func(func())) (int, error) {
		switch v {
		case 1:
			onCleanup(func() {
				close(entered)
				<-gate
				log("cleanup 1")
			})
		case 3:
			log("start 3")
			close(started3)
		}
		return v, nil
	})
	commits := make(chan int, 10)
	b.Watch(func(_, curr int) { commits <- curr })
	if got := recv(t, commits); got != 1 {
		t.Fatalf("first commit = %d, want 1", got)
	}
	_ = src.Set(2)
	_ = src.Set(3)
	recv(t, entered)
	select {
	case <-started3:
		t.Fatal("run 3 started while run 1 was being cleaned up")
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	recv(t, started3)
	b.Wait()
	mu.Lock()
	got := slices.Clone(events)
	mu.Unlock()
	want := []string{"cleanup 1", "start 3"}
	if !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	b.Dispose()
}
