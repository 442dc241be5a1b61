package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	now := time.Now()
	b := New("spooler", 3, time.Minute)
	b.now = fixedClock(&now)

	ctx := context.Background()
	fail := func(context.Context) error { return errBoom }

	for i := 0; i < 3; i++ {
		if err := b.Do(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v, want errBoom", i, err)
		}
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}

	// В разомкнутом состоянии операция не должна вызываться.
	called := false
	err := b.Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Fatalf("operation must not be invoked while open")
	}
}

func TestBreaker_SuccessResetsFailureCounter(t *testing.T) {
	b := New("spooler", 3, time.Minute)
	ctx := context.Background()

	_ = b.Do(ctx, func(context.Context) error { return errBoom })
	_ = b.Do(ctx, func(context.Context) error { return errBoom })
	_ = b.Do(ctx, func(context.Context) error { return nil })
	_ = b.Do(ctx, func(context.Context) error { return errBoom })
	_ = b.Do(ctx, func(context.Context) error { return errBoom })

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED after counter reset", b.State())
	}
}

func TestBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	now := time.Now()
	b := New("spooler", 1, time.Minute)
	b.now = fixedClock(&now)

	ctx := context.Background()
	_ = b.Do(ctx, func(context.Context) error { return errBoom })
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN", b.State())
	}

	now = now.Add(time.Minute + time.Second)

	if err := b.Do(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("trial call error: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED after successful trial", b.State())
	}
	if b.failures != 0 {
		t.Fatalf("failures = %d, want 0", b.failures)
	}
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	now := time.Now()
	b := New("spooler", 1, time.Minute)
	b.now = fixedClock(&now)

	ctx := context.Background()
	_ = b.Do(ctx, func(context.Context) error { return errBoom })

	now = now.Add(time.Minute + time.Second)

	if err := b.Do(ctx, func(context.Context) error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("trial err = %v, want errBoom", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want OPEN after failed trial", b.State())
	}

	// Таймаут отсчитывается заново: сразу после провала пробного
	// вызова предохранитель должен отклонять запросы.
	if err := b.Do(ctx, func(context.Context) error { return nil }); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen right after reopen", err)
	}
}

func TestBreaker_HalfOpenAllowsSingleTrial(t *testing.T) {
	now := time.Now()
	b := New("spooler", 1, time.Minute)
	b.now = fixedClock(&now)

	ctx := context.Background()
	_ = b.Do(ctx, func(context.Context) error { return errBoom })

	now = now.Add(2 * time.Minute)

	var inFlight int32
	release := make(chan struct{})
	trialStarted := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Do(ctx, func(context.Context) error {
			atomic.AddInt32(&inFlight, 1)
			close(trialStarted)
			<-release
			return nil
		})
	}()

	<-trialStarted

	// Пока пробный вызов не завершился, остальные должны отклоняться.
	for i := 0; i < 5; i++ {
		err := b.Do(ctx, func(context.Context) error {
			atomic.AddInt32(&inFlight, 1)
			return nil
		})
		if !errors.Is(err, ErrOpen) {
			t.Fatalf("concurrent call %d: err = %v, want ErrOpen", i, err)
		}
	}

	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&inFlight); got != 1 {
		t.Fatalf("in-flight calls = %d, want exactly 1 trial", got)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED", b.State())
	}
}

func TestBreaker_CanceledCallDoesNotCount(t *testing.T) {
	b := New("spooler", 1, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want CLOSED: cancellation is not a failure", b.State())
	}
}

func TestRegistry_ReturnsSameInstancePerName(t *testing.T) {
	r := NewRegistry(5, time.Minute)

	a := r.Get("spooler")
	bb := r.Get("spooler")
	c := r.Get("converter")

	if a != bb {
		t.Fatalf("expected same breaker instance for one name")
	}
	if a == c {
		t.Fatalf("expected distinct breakers for distinct names")
	}
}
