// Package executor runs batches of tool calls concurrently under the tier
// gate, the response cache, and per-call timeouts.
//
// ExecuteBatch never returns an error: every request resolves to exactly one
// result, failure paths included, so the orchestrator can always hand the
// model a complete set of tool outcomes. Isolation is per call — one tool
// timing out or failing does not disturb its batch mates.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/perennialhq/concierge/internal/observe"
	"github.com/perennialhq/concierge/internal/registry"
	"github.com/perennialhq/concierge/internal/tier"
	"github.com/perennialhq/concierge/internal/toolcache"
	"github.com/perennialhq/concierge/pkg/tool"
)

// Code classifies how a tool call resolved.
type Code string

const (
	// CodeOK marks a successful execution (fresh or cached).
	CodeOK Code = "ok"
	// CodeUnknownTool marks a call naming a tool not in the catalog.
	CodeUnknownTool Code = "unknown_tool"
	// CodeUnauthorized marks a call blocked by the tier gate.
	CodeUnauthorized Code = "unauthorized"
	// CodeTimeout marks a call that exceeded its per-call deadline.
	CodeTimeout Code = "timeout"
	// CodeExecutionFailed marks a call whose collaborator returned an error.
	CodeExecutionFailed Code = "execution_failed"
)

// Request is one tool call the model asked for.
type Request struct {
	CallID    string
	Name      string
	Arguments string
}

// Result is the resolution of one [Request], matched by CallID.
//
// Content is always safe to feed back to the model: on failure it carries a
// short diagnostic phrase, never internal error detail.
type Result struct {
	CallID   string
	Name     string
	Code     Code
	Content  string
	CacheHit bool
	Duration time.Duration
}

// Executor dispatches tool batches. Construct with [New]; safe for concurrent
// use across turns.
type Executor struct {
	registry       *registry.Registry
	cache          toolcache.Cache
	metrics        *observe.Metrics
	defaultTimeout time.Duration
	maxParallel    int64
}

// Option configures an [Executor].
type Option func(*Executor)

// WithDefaultTimeout sets the per-call timeout used when a tool's definition
// does not override it. Default 15s.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithMaxParallel caps how many tool calls of one batch run at once.
// Default 4.
func WithMaxParallel(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxParallel = int64(n)
		}
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an Executor over the given catalog and cache. cache may be nil,
// which disables caching entirely.
func New(reg *registry.Registry, cache toolcache.Cache, opts ...Option) *Executor {
	e := &Executor{
		registry:       reg,
		cache:          cache,
		defaultTimeout: 15 * time.Second,
		maxParallel:    4,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// ExecuteBatch resolves every request and returns one result per request, in
// request order. It blocks until all calls have resolved; there is no partial
// hand-back. Concurrency is bounded by the configured parallelism ceiling.
//
// t is the caller's subscription tier, used by the gate. caller is forwarded
// to the collaborators.
func (e *Executor) ExecuteBatch(ctx context.Context, reqs []Request, t tier.Tier, caller tool.CallerContext) []Result {
	results := make([]Result, len(reqs))

	sem := semaphore.NewWeighted(e.maxParallel)
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				results[i] = e.cancelled(req)
				return nil
			}
			defer sem.Release(1)
			results[i] = e.executeOne(gctx, req, t, caller)
			return nil
		})
	}
	// Workers never return errors; failures live in their result slots.
	_ = g.Wait()
	return results
}

// executeOne resolves a single request through the gate, the cache, and the
// collaborator.
func (e *Executor) executeOne(ctx context.Context, req Request, t tier.Tier, caller tool.CallerContext) Result {
	res := Result{CallID: req.CallID, Name: req.Name}
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		e.metrics.ToolExecutionDuration.Record(ctx, res.Duration.Seconds())
		e.metrics.RecordToolCall(ctx, req.Name, string(res.Code))
	}()

	def, err := e.registry.Lookup(req.Name)
	if err != nil {
		res.Code = CodeUnknownTool
		res.Content = fmt.Sprintf("tool %q does not exist", req.Name)
		return res
	}
	if !t.AtLeast(def.MinTier) {
		res.Code = CodeUnauthorized
		res.Content = fmt.Sprintf("tool %q requires the %s plan or higher; upgrade required", req.Name, def.MinTier)
		return res
	}

	cacheable := e.cache != nil && def.CacheTTL > 0
	var key string
	if cacheable {
		scope := ""
		if def.UserScoped {
			scope = caller.UserID
		}
		key = toolcache.Key(req.Name, req.Arguments, scope)

		val, hit, err := e.cache.Get(ctx, key)
		if err != nil {
			observe.Logger(ctx).Warn("tool cache read failed", "tool", req.Name, "error", err)
		}
		if hit {
			e.metrics.CacheHits.Add(ctx, 1)
			res.Code = CodeOK
			res.Content = string(val)
			res.CacheHit = true
			return res
		}
		e.metrics.CacheMisses.Add(ctx, 1)
	}

	impl, ok := e.registry.Implementation(req.Name)
	if !ok {
		// Catalog entries always carry an implementation; reaching this
		// means the registry was mutated mid-flight.
		res.Code = CodeExecutionFailed
		res.Content = fmt.Sprintf("tool %q is unavailable", req.Name)
		return res
	}

	timeout := e.defaultTimeout
	if def.Timeout > 0 {
		timeout = def.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := impl.Execute(callCtx, req.Arguments, caller)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			res.Code = CodeTimeout
			res.Content = fmt.Sprintf("tool %q timed out after %s", req.Name, timeout)
			return res
		}
		observe.Logger(ctx).Warn("tool execution failed", "tool", req.Name, "error", err)
		res.Code = CodeExecutionFailed
		res.Content = fmt.Sprintf("tool %q failed to produce a result", req.Name)
		return res
	}

	if cacheable {
		if err := e.cache.Set(ctx, key, []byte(out), def.CacheTTL); err != nil {
			observe.Logger(ctx).Warn("tool cache write failed", "tool", req.Name, "error", err)
		}
	}
	res.Code = CodeOK
	res.Content = out
	return res
}

// cancelled produces the result for a request whose semaphore acquire was cut
// short by batch-context cancellation.
func (e *Executor) cancelled(req Request) Result {
	return Result{
		CallID:  req.CallID,
		Name:    req.Name,
		Code:    CodeTimeout,
		Content: fmt.Sprintf("tool %q was cancelled before it could run", req.Name),
	}
}
