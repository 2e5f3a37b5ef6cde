package telos

import (
	"sync"
	"time"
)

// RetryPolicy governs what happens after a failed step. The shipped
// default retries the same step forever with no backoff: the step cursor
// stays put and the next cycle picks it up again.
type RetryPolicy struct {
	// MaxAttempts bounds consecutive failures of one step before the
	// whole telos is marked failed. Zero means unlimited.
	MaxAttempts int
	// Backoff delays re-execution of a step after a failure. Zero means
	// the next cycle retries immediately.
	Backoff time.Duration
}

// retryTracker applies a RetryPolicy across scheduler cycles.
type retryTracker struct {
	policy RetryPolicy

	attempts map[string]stepAttempts
	mu       sync.Mutex
}

type stepAttempts struct {
	step     int
	failures int
	nextTry  time.Time
}

func newRetryTracker(policy RetryPolicy) *retryTracker {
	return &retryTracker{policy: policy, attempts: make(map[string]stepAttempts)}
}

// Eligible reports whether the agent's current step may run now.
func (r *retryTracker) Eligible(agentID string, step int, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.attempts[agentID]
	if !ok || a.step != step {
		return true
	}
	return !now.Before(a.nextTry)
}

// RecordFailure counts a failed attempt. It returns true while the policy
// allows further retries of this step, false once the budget is spent.
func (r *retryTracker) RecordFailure(agentID string, step int, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.attempts[agentID]
	if a.step != step {
		a = stepAttempts{step: step}
	}
	a.failures++
	a.nextTry = now.Add(r.policy.Backoff)
	r.attempts[agentID] = a

	return r.policy.MaxAttempts == 0 || a.failures < r.policy.MaxAttempts
}

// RecordSuccess clears the failure history for the agent.
func (r *retryTracker) RecordSuccess(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, agentID)
}
