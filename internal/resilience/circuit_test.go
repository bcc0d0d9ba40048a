package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sells-group/meterlab/internal/apperr"
)

var errUnavailable = NewTransientError(errors.New("runner unavailable"), 503)

func failN(cb *CircuitBreaker, n int, err error) {
	for range n {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return err })
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("runner", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	failN(cb, 3, errUnavailable)

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if !apperr.Is(err, apperr.KindTransient) || !IsTransient(err) {
		t.Errorf("rejected call should be transient, got %v", err)
	}
}

func TestCircuitBreaker_PermanentErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker("runner", CircuitBreakerConfig{FailureThreshold: 2})
	failN(cb, 5, apperr.Validationf("trained_model", "m1", "bad config"))

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker("runner", CircuitBreakerConfig{FailureThreshold: 3})
	failN(cb, 2, errUnavailable)
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	failN(cb, 2, errUnavailable)

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("runner", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }
	failN(cb, 1, errUnavailable)

	now = now.Add(11 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	// A failed probe reopens the circuit.
	failN(cb, 1, errUnavailable)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open after failed probe, got %s", cb.State())
	}

	now = now.Add(11 * time.Second)
	if err := cb.Execute(context.Background(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_OnStateChangeAndReset(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	cb := NewCircuitBreaker("kafka", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange: func(from, to CircuitState) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})
	failN(cb, 1, errUnavailable)
	cb.Reset()

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after reset, got %s", cb.State())
	}
	want := []string{"closed->open", "open->closed"}
	if len(transitions) != 2 || transitions[0] != want[0] || transitions[1] != want[1] {
		t.Errorf("expected %v, got %v", want, transitions)
	}
	if cb.Name() != "kafka" {
		t.Errorf("unexpected name %q", cb.Name())
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker("runner", CircuitBreakerConfig{FailureThreshold: 1000})
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cb.Execute(context.Background(), func(_ context.Context) error {
				if i%2 == 0 {
					return errUnavailable
				}
				return nil
			})
		}()
	}
	wg.Wait()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker("runner", DefaultCircuitBreakerConfig())
	id, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (string, error) {
		return "job-1", nil
	})
	if err != nil || id != "job-1" {
		t.Errorf("got (%q, %v)", id, err)
	}
}

func TestCircuitState_String(t *testing.T) {
	for state, want := range map[CircuitState]string{
		CircuitClosed: "closed", CircuitOpen: "open", CircuitHalfOpen: "half-open", CircuitState(9): "unknown",
	} {
		if state.String() != want {
			t.Errorf("expected %q, got %q", want, state.String())
		}
	}
}

func TestFromSettings(t *testing.T) {
	rc := FromRetrySettings(5, 100, 2000)
	if rc.MaxAttempts != 5 || rc.InitialBackoff != 100*time.Millisecond || rc.MaxBackoff != 2*time.Second {
		t.Errorf("unexpected retry config %+v", rc)
	}
	if def := FromRetrySettings(0, 0, 0); def.MaxAttempts != 3 {
		t.Errorf("expected default attempts, got %d", def.MaxAttempts)
	}

	cc := FromCircuitSettings(2, 10)
	if cc.FailureThreshold != 2 || cc.ResetTimeout != 10*time.Second {
		t.Errorf("unexpected circuit config %+v", cc)
	}
}
