// Package mock provides a scriptable test double for the tool.Tool interface.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/perennialhq/concierge/pkg/tool"
)

// Call records a single Execute invocation.
type Call struct {
	// Args is the JSON arguments string passed to Execute.
	Args string
	// Caller is the caller context passed to Execute.
	Caller tool.CallerContext
	// Start is when the invocation began. Concurrency tests compare Start
	// values across tools to prove overlap.
	Start time.Time
}

// Tool is a mock implementation of tool.Tool.
// The zero value returns "" with no error and records every call.
type Tool struct {
	// Result is returned by Execute on success.
	Result string

	// Err, if non-nil, is returned by every Execute call.
	Err error

	// Delay, if non-zero, is how long Execute blocks before returning
	// (respecting context cancellation).
	Delay time.Duration

	// ExecuteFn, when non-nil, overrides all of the above.
	ExecuteFn func(ctx context.Context, args string, caller tool.CallerContext) (string, error)

	mu    sync.Mutex
	calls []Call
	count atomic.Int64
}

// Compile-time interface assertion.
var _ tool.Tool = (*Tool)(nil)

// Execute records the call, waits out Delay, then returns Result/Err.
func (t *Tool) Execute(ctx context.Context, args string, caller tool.CallerContext) (string, error) {
	t.mu.Lock()
	t.calls = append(t.calls, Call{Args: args, Caller: caller, Start: time.Now()})
	t.mu.Unlock()
	t.count.Add(1)

	if t.ExecuteFn != nil {
		return t.ExecuteFn(ctx, args, caller)
	}
	if t.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(t.Delay):
		}
	}
	if t.Err != nil {
		return "", t.Err
	}
	return t.Result, nil
}

// CallCount returns the number of Execute invocations so far. Safe to call
// while executions are in flight.
func (t *Tool) CallCount() int {
	return int(t.count.Load())
}

// Calls returns a copy of the recorded calls.
func (t *Tool) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Call, len(t.calls))
	copy(out, t.calls)
	return out
}
