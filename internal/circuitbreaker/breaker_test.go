package circuitbreaker

import (
	"testing"
	"time"
)

func TestBreaker_StartsClosed(t *testing.T) {
	b := New(3, time.Second)
	if !b.Allow("provider") {
		t.Fatal("new breaker should allow requests")
	}
	if b.State("provider") != StateClosed {
		t.Fatalf("expected closed, got %v", b.State("provider"))
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)
	for i := 0; i < 3; i++ {
		b.RecordFailure("provider")
	}
	if b.Allow("provider") {
		t.Fatal("tripped breaker should reject requests")
	}
	if b.State("provider") != StateOpen {
		t.Fatalf("expected open, got %v", b.State("provider"))
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Minute)
	b.RecordFailure("provider")
	b.RecordFailure("provider")
	b.RecordSuccess("provider")
	b.RecordFailure("provider")
	b.RecordFailure("provider")
	if b.State("provider") != StateClosed {
		t.Fatal("breaker should stay closed when failures are not consecutive")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(2, 10*time.Millisecond)
	b.RecordFailure("provider")
	b.RecordFailure("provider")
	if b.Allow("provider") {
		t.Fatal("breaker should be open")
	}

	time.Sleep(20 * time.Millisecond)

	if !b.Allow("provider") {
		t.Fatal("breaker should allow one probe after open duration")
	}
	if b.State("provider") != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State("provider"))
	}
	// Second request while probing is rejected.
	if b.Allow("provider") {
		t.Fatal("breaker should reject while probe is in flight")
	}

	b.RecordSuccess("provider")
	if b.State("provider") != StateClosed {
		t.Fatal("successful probe should close the breaker")
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := New(2, 10*time.Millisecond)
	b.RecordFailure("provider")
	b.RecordFailure("provider")
	time.Sleep(20 * time.Millisecond)

	if !b.Allow("provider") {
		t.Fatal("expected probe to be allowed")
	}
	b.RecordFailure("provider")
	if b.State("provider") != StateOpen {
		t.Fatalf("failed probe should reopen, got %v", b.State("provider"))
	}
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(1, time.Minute)
	b.RecordFailure("rpc")
	if b.Allow("rpc") {
		t.Fatal("rpc circuit should be open")
	}
	if !b.Allow("provider") {
		t.Fatal("provider circuit should be unaffected")
	}
}
