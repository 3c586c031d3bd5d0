package resilience_test

import (
	"errors"
	"testing"
	"time"

	"github.com/phonelark/switchboard/internal/resilience"
)

func TestBreaker_ClosedAdmitsAttempts(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.Config{Name: "test"})
	for i := 0; i < 10; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		b.RecordSuccess()
	}
	if got := b.State(); got != resilience.StateClosed {
		t.Errorf("state = %v; want closed", got)
	}
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.Config{MaxFailures: 3, ResetTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow %d: %v", i, err)
		}
		b.RecordFailure()
	}

	if got := b.State(); got != resilience.StateOpen {
		t.Fatalf("state after %d failures = %v; want open", 3, got)
	}
	if err := b.Allow(); !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("Allow on open breaker = %v; want ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.Config{MaxFailures: 3, ResetTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		_ = b.Allow()
		b.RecordFailure()
	}
	_ = b.Allow()
	b.RecordSuccess()
	for i := 0; i < 2; i++ {
		_ = b.Allow()
		b.RecordFailure()
	}

	// 2 failures, success, 2 failures: never 3 consecutive.
	if got := b.State(); got != resilience.StateClosed {
		t.Errorf("state = %v; want closed", got)
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.Config{
		MaxFailures:  1,
		ResetTimeout: 20 * time.Millisecond,
		HalfOpenMax:  1,
	})

	_ = b.Allow()
	b.RecordFailure()
	if got := b.State(); got != resilience.StateOpen {
		t.Fatalf("state = %v; want open", got)
	}

	time.Sleep(40 * time.Millisecond)
	if got := b.State(); got != resilience.StateHalfOpen {
		t.Fatalf("state after timeout = %v; want half-open", got)
	}

	// Probe is admitted and its success closes the breaker.
	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow: %v", err)
	}
	b.RecordSuccess()
	if got := b.State(); got != resilience.StateClosed {
		t.Errorf("state after successful probe = %v; want closed", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.Config{
		MaxFailures:  1,
		ResetTimeout: 20 * time.Millisecond,
		HalfOpenMax:  3,
	})

	_ = b.Allow()
	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow: %v", err)
	}
	b.RecordFailure()

	if got := b.State(); got != resilience.StateOpen {
		t.Errorf("state after failed probe = %v; want open", got)
	}
}

func TestBreaker_HalfOpenProbeBudget(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.Config{
		MaxFailures:  1,
		ResetTimeout: 20 * time.Millisecond,
		HalfOpenMax:  2,
	})

	_ = b.Allow()
	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)

	// Two probes admitted, third rejected while outcomes are pending.
	if err := b.Allow(); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if err := b.Allow(); !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("probe 3 = %v; want ErrOpen", err)
	}
}

func TestBreaker_HalfOpenNeedsCompletedSuccesses(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.Config{
		MaxFailures:  1,
		ResetTimeout: 20 * time.Millisecond,
		HalfOpenMax:  3,
	})

	_ = b.Allow()
	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)

	// Admit the full probe budget up front; the breaker must not close
	// until that many probes have actually reported success.
	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("probe %d: %v", i+1, err)
		}
	}

	b.RecordSuccess()
	if got := b.State(); got != resilience.StateHalfOpen {
		t.Fatalf("state after 1 of 3 successes = %v; want half-open", got)
	}
	b.RecordSuccess()
	if got := b.State(); got != resilience.StateHalfOpen {
		t.Fatalf("state after 2 of 3 successes = %v; want half-open", got)
	}
	b.RecordSuccess()
	if got := b.State(); got != resilience.StateClosed {
		t.Errorf("state after 3 of 3 successes = %v; want closed", got)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	b := resilience.NewBreaker(resilience.Config{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = b.Allow()
	b.RecordFailure()
	if got := b.State(); got != resilience.StateOpen {
		t.Fatalf("state = %v; want open", got)
	}

	b.Reset()
	if got := b.State(); got != resilience.StateClosed {
		t.Errorf("state after Reset = %v; want closed", got)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow after Reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	cases := map[resilience.State]string{
		resilience.StateClosed:   "closed",
		resilience.StateOpen:     "open",
		resilience.StateHalfOpen: "half-open",
		resilience.State(99):     "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q; want %q", state, got, want)
		}
	}
}
