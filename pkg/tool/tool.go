// Package tool defines the contract between the orchestration core and the
// data tools it dispatches to.
//
// A tool is a black box: the core validates the shape of a call, decides
// whether the caller may make it, and hands over a JSON arguments string. What
// the tool does with it — a database lookup, a vector search, a web fetch —
// is entirely its own business. Implementations live outside this module and
// are wired in at process start; [mcptool] adapts tools hosted on MCP servers
// and mock provides a scriptable test double.
package tool

import "context"

// CallerContext identifies the end user on whose behalf a tool call is made.
// User-scoped tools use it to enforce their own row-level access, independent
// of the core's tier gate.
type CallerContext struct {
	// UserID is the stable identifier of the end user.
	UserID string

	// Tier is the wire name of the user's subscription tier ("free", "plus",
	// "pro", "ultra").
	Tier string
}

// Tool executes a single data-tool call.
//
// Implementations must be safe for concurrent use: the executor dispatches
// independent calls of one batch in parallel. args is a JSON object string;
// an empty object ("{}") is valid for parameter-less tools. The returned
// string is the tool's payload, fed back to the model verbatim.
//
// A returned error means the call failed; the executor converts it into an
// error-carrying result rather than propagating it, so implementations should
// return errors freely and never panic.
type Tool interface {
	Execute(ctx context.Context, args string, caller CallerContext) (string, error)
}

// Func adapts an ordinary function to the [Tool] interface.
type Func func(ctx context.Context, args string, caller CallerContext) (string, error)

// Execute implements [Tool].
func (f Func) Execute(ctx context.Context, args string, caller CallerContext) (string, error) {
	return f(ctx, args, caller)
}
