package telos

import (
	"testing"
	"time"
)

func TestUnlimitedRetriesByDefault(t *testing.T) {
	tracker := newRetryTracker(RetryPolicy{})
	now := time.Now()
	for i := 0; i < 50; i++ {
		if !tracker.RecordFailure("a1", 0, now) {
			t.Fatalf("default policy must never exhaust, stopped at attempt %d", i+1)
		}
		if !tracker.Eligible("a1", 0, now) {
			t.Fatal("no backoff means always eligible")
		}
	}
}

func TestMaxAttemptsExhausts(t *testing.T) {
	tracker := newRetryTracker(RetryPolicy{MaxAttempts: 2})
	now := time.Now()
	if !tracker.RecordFailure("a1", 0, now) {
		t.Fatal("first failure should still allow a retry")
	}
	if tracker.RecordFailure("a1", 0, now) {
		t.Fatal("second failure should exhaust the budget")
	}
}

func TestFailureCountResetsOnNewStep(t *testing.T) {
	tracker := newRetryTracker(RetryPolicy{MaxAttempts: 2})
	now := time.Now()
	tracker.RecordFailure("a1", 0, now)
	if !tracker.RecordFailure("a1", 1, now) {
		t.Fatal("a different step starts a fresh budget")
	}
}

func TestSuccessClearsHistory(t *testing.T) {
	tracker := newRetryTracker(RetryPolicy{MaxAttempts: 2})
	now := time.Now()
	tracker.RecordFailure("a1", 0, now)
	tracker.RecordSuccess("a1")
	if !tracker.RecordFailure("a1", 0, now) {
		t.Fatal("success should reset the failure count")
	}
}

func TestBackoffDelaysEligibility(t *testing.T) {
	tracker := newRetryTracker(RetryPolicy{Backoff: time.Minute})
	now := time.Now()
	tracker.RecordFailure("a1", 0, now)

	if tracker.Eligible("a1", 0, now.Add(30*time.Second)) {
		t.Error("step should be ineligible inside the backoff window")
	}
	if !tracker.Eligible("a1", 0, now.Add(2*time.Minute)) {
		t.Error("step should be eligible after the backoff window")
	}
	if !tracker.Eligible("a2", 0, now) {
		t.Error("other agents are unaffected")
	}
}
