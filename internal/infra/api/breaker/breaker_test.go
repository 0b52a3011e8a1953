package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/adsync/internal/infra/api/apierr"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(Config{Name: "test-open", Threshold: 5, Timeout: 50 * time.Millisecond}, nil)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("state after %d failures = %s, want closed", i+1, b.State())
		}
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state after 5 failures = %s, want open", b.State())
	}
	if b.CanExecute() {
		t.Error("CanExecute should be false while open")
	}
	if b.Failures() != 5 {
		t.Errorf("Failures() = %d, want 5", b.Failures())
	}

	time.Sleep(60 * time.Millisecond)

	if !b.CanExecute() {
		t.Fatal("CanExecute should allow one probe after the timeout")
	}
	if b.CanExecute() {
		t.Error("only one probe is allowed per half-open period")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("state after probe success = %s, want closed", b.State())
	}
	if b.Failures() != 0 {
		t.Errorf("Failures() = %d, want 0", b.Failures())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Config{Name: "test-reopen", Threshold: 2, Timeout: 40 * time.Millisecond}, nil)
	b.RecordFailure()
	b.RecordFailure()

	time.Sleep(50 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Errorf("state after probe failure = %s, want open", b.State())
	}
	if b.CanExecute() {
		t.Error("timer should restart after a failed probe")
	}
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b := New(Config{Name: "test-reset-count", Threshold: 3}, nil)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed: failures were not consecutive", b.State())
	}
}

func TestBreakerExecute(t *testing.T) {
	b := New(Config{Name: "test-execute", Threshold: 2, Timeout: time.Minute}, nil)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		_, err := b.Execute(func() (any, error) { return nil, boom })
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want boom", err)
		}
	}

	called := false
	_, err := b.Execute(func() (any, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, apierr.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn must not run while the breaker is open")
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := New(Config{Name: "test-cancel", Threshold: 1}, nil)

	_, err := b.Execute(func() (any, error) { return nil, context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

func TestBreakerReset(t *testing.T) {
	b := New(Config{Name: "test-manual-reset", Threshold: 1, Timeout: time.Hour}, nil)
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	b.Reset()
	snap := b.Snapshot()
	if snap.State != StateClosed || snap.Failures != 0 || !snap.LastFailureTime.IsZero() {
		t.Errorf("snapshot after reset = %+v", snap)
	}
	if !b.CanExecute() {
		t.Error("CanExecute should be true after reset")
	}
}
