package supervisor

import (
	"regexp"
	"sync"
	"time"
)

// rateLimitPattern matches provider throttling signals in worker
// output. Matching a log line tags the failure as rate-limit rather
// than generic, which gates the cool-down path.
var rateLimitPattern = regexp.MustCompile(`(?i)rate[ _-]?limit|too many requests|\b429\b|quota exceeded|overloaded`)

// IsRateLimitLine reports whether a worker output line indicates
// provider rate limiting.
func IsRateLimitLine(line string) bool {
	return rateLimitPattern.MatchString(line)
}

// rateGate tracks per-task rate-limit cool-downs and retry counts.
type rateGate struct {
	cooldown   time.Duration
	maxRetries int

	mu    sync.Mutex
	state map[string]*rateState
}

type rateState struct {
	attempts  int
	coolUntil time.Time
}

func newRateGate(cooldown time.Duration, maxRetries int) *rateGate {
	return &rateGate{
		cooldown:   cooldown,
		maxRetries: maxRetries,
		state:      make(map[string]*rateState),
	}
}

// check reports whether the task may be spawned. When blocked it
// returns the time the cool-down ends and whether retries are left.
func (g *rateGate) check(taskID string, now time.Time) (retryAt time.Time, exhausted, blocked bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.state[taskID]
	if !ok {
		return time.Time{}, false, false
	}
	if st.attempts > g.maxRetries {
		return st.coolUntil, true, true
	}
	if now.Before(st.coolUntil) {
		return st.coolUntil, false, true
	}
	return time.Time{}, false, false
}

// hit records a rate-limit failure and starts a new cool-down.
func (g *rateGate) hit(taskID string, now time.Time) (retryAt time.Time, attempt int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.state[taskID]
	if !ok {
		st = &rateState{}
		g.state[taskID] = st
	}
	st.attempts++
	st.coolUntil = now.Add(g.cooldown)
	return st.coolUntil, st.attempts
}

// clear forgets a task's rate-limit history after a clean run.
func (g *rateGate) clear(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.state, taskID)
}
