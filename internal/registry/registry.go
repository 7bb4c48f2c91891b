// Package registry holds the static catalog of data tools and the tier gate
// that decides which subscription tiers may invoke them.
//
// The catalog is assembled once at process start — Register every tool, then
// Freeze — and is immutable afterwards. Tool identity is a closed set: any
// name the model requests that is not in the catalog is an error path, never
// a dynamic lookup against some open-ended plugin system.
//
// Typical usage:
//
//	reg := registry.New()
//	err := reg.Register(registry.Definition{
//	    Name:     "article_search",
//	    MinTier:  tier.Free,
//	    CacheTTL: 5 * time.Minute,
//	    InputSchema: map[string]any{"type": "object", ...},
//	}, articleSearchTool)
//	reg.Freeze()
//
//	defs := reg.Manifest(tier.Plus, detection.PrioritizedTools)
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/perennialhq/concierge/internal/tier"
	"github.com/perennialhq/concierge/pkg/provider/llm"
	"github.com/perennialhq/concierge/pkg/tool"
)

// ErrUnknownTool is returned by [Registry.Lookup] for names not in the catalog.
var ErrUnknownTool = errors.New("registry: unknown tool")

// Definition is the static metadata for one catalog tool.
type Definition struct {
	// Name is the unique tool identifier the model calls it by.
	Name string

	// Description explains the tool to the model.
	Description string

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema map[string]any

	// MinTier is the lowest subscription tier allowed to invoke the tool.
	MinTier tier.Tier

	// CacheTTL is how long successful results may be served from cache.
	// Zero means the tool is never cached and the cache is bypassed entirely.
	CacheTTL time.Duration

	// UserScoped marks tools whose results must never be shared across
	// users; their cache keys include the user ID.
	UserScoped bool

	// Timeout overrides the executor's default per-call timeout when non-zero.
	Timeout time.Duration
}

// entry pairs a definition with its bound implementation.
type entry struct {
	def  Definition
	impl tool.Tool
}

// Registry is the catalog of registered tools.
//
// Register and Freeze are meant for process start-up; all read methods are
// safe for concurrent use afterwards.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]entry
	order  []string // registration order, used as manifest catalog order
	frozen bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool to the catalog. It returns an error if the registry is
// frozen, the name is empty or duplicated, or impl is nil.
func (r *Registry) Register(def Definition, impl tool.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry: register %q: registry is frozen", def.Name)
	}
	if def.Name == "" {
		return errors.New("registry: definition must have a non-empty name")
	}
	if impl == nil {
		return fmt.Errorf("registry: register %q: implementation must not be nil", def.Name)
	}
	if !def.MinTier.IsValid() {
		return fmt.Errorf("registry: register %q: invalid minimum tier %d", def.Name, def.MinTier)
	}
	if _, dup := r.tools[def.Name]; dup {
		return fmt.Errorf("registry: duplicate tool name %q", def.Name)
	}

	r.tools[def.Name] = entry{def: def, impl: impl}
	r.order = append(r.order, def.Name)
	return nil
}

// Freeze marks the catalog immutable. Further Register calls fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the definition for name, or [ErrUnknownTool].
func (r *Registry) Lookup(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return e.def, nil
}

// Implementation returns the bound [tool.Tool] for name.
func (r *Registry) Implementation(name string) (tool.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.impl, true
}

// Authorized reports whether the given tier may invoke the named tool.
// Unknown names are never authorized.
func (r *Registry) Authorized(t tier.Tier, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return false
	}
	return t.AtLeast(e.def.MinTier)
}

// Names returns all catalog tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Manifest returns the tool definitions offered to the model for a caller at
// tier t, as [llm.ToolDefinition] values ready for a completion request.
//
// Only tools the tier is authorized for are included — the gate is advisory
// here and enforced again at execution time. prioritized names (from domain
// detection) come first, preserving their given order; the remaining tools
// follow in catalog order. Unknown or unauthorized prioritized names are
// skipped silently.
func (r *Registry) Manifest(t tier.Tier, prioritized []string) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool, len(r.order))
	ordered := make([]string, 0, len(r.order))
	for _, name := range prioritized {
		e, ok := r.tools[name]
		if !ok || seen[name] || !t.AtLeast(e.def.MinTier) {
			continue
		}
		seen[name] = true
		ordered = append(ordered, name)
	}
	for _, name := range r.order {
		if seen[name] || !t.AtLeast(r.tools[name].def.MinTier) {
			continue
		}
		seen[name] = true
		ordered = append(ordered, name)
	}

	defs := make([]llm.ToolDefinition, 0, len(ordered))
	for _, name := range ordered {
		def := r.tools[name].def
		defs = append(defs, llm.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.InputSchema,
		})
	}
	return defs
}
