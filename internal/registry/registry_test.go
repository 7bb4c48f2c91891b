package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/perennialhq/concierge/internal/tier"
	"github.com/perennialhq/concierge/pkg/tool"
)

// noopTool is a minimal tool.Tool for registration tests.
var noopTool = tool.Func(func(_ context.Context, _ string, _ tool.CallerContext) (string, error) {
	return "", nil
})

// newTestRegistry registers a small catalog spanning all tiers.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	defs := []Definition{
		{Name: "article_search", MinTier: tier.Free, CacheTTL: time.Minute},
		{Name: "user_library", MinTier: tier.Free, CacheTTL: time.Minute, UserScoped: true},
		{Name: "web_search", MinTier: tier.Plus, CacheTTL: 5 * time.Minute},
		{Name: "deep_research", MinTier: tier.Pro},
		{Name: "image_analysis", MinTier: tier.Ultra},
	}
	for _, d := range defs {
		if err := r.Register(d, noopTool); err != nil {
			t.Fatalf("Register(%q): %v", d.Name, err)
		}
	}
	r.Freeze()
	return r
}

func TestLookupUnknown(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Lookup("nonexistent")
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("Lookup(nonexistent) error = %v, want ErrUnknownTool", err)
	}
}

func TestRegisterAfterFreeze(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(Definition{Name: "late", MinTier: tier.Free}, noopTool)
	if err == nil {
		t.Fatal("Register succeeded on a frozen registry")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	if err := r.Register(Definition{Name: "dup", MinTier: tier.Free}, noopTool); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(Definition{Name: "dup", MinTier: tier.Free}, noopTool); err == nil {
		t.Fatal("duplicate registration succeeded")
	}
}

func TestAuthorizedOrdinal(t *testing.T) {
	r := newTestRegistry(t)
	cases := []struct {
		tier tier.Tier
		name string
		want bool
	}{
		{tier.Free, "article_search", true},
		{tier.Free, "web_search", false},
		{tier.Plus, "web_search", true},
		{tier.Plus, "deep_research", false},
		{tier.Pro, "deep_research", true},
		{tier.Pro, "image_analysis", false},
		{tier.Ultra, "image_analysis", true},
		{tier.Ultra, "nonexistent", false},
	}
	for _, c := range cases {
		if got := r.Authorized(c.tier, c.name); got != c.want {
			t.Errorf("Authorized(%s, %q) = %v, want %v", c.tier, c.name, got, c.want)
		}
	}
}

func TestManifestFiltersAndOrders(t *testing.T) {
	r := newTestRegistry(t)

	// Plus tier: deep_research and image_analysis must be absent; prioritized
	// names come first in the order given.
	defs := r.Manifest(tier.Plus, []string{"web_search", "article_search"})
	got := make([]string, len(defs))
	for i, d := range defs {
		got[i] = d.Name
	}
	want := []string{"web_search", "article_search", "user_library"}
	if len(got) != len(want) {
		t.Fatalf("Manifest names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Manifest names = %v, want %v", got, want)
		}
	}
}

func TestManifestSkipsUnknownAndUnauthorizedPriorities(t *testing.T) {
	r := newTestRegistry(t)

	defs := r.Manifest(tier.Free, []string{"deep_research", "made_up", "article_search"})
	if len(defs) == 0 || defs[0].Name != "article_search" {
		t.Fatalf("expected article_search first, got %v", defs)
	}
	for _, d := range defs {
		if d.Name == "deep_research" || d.Name == "made_up" {
			t.Errorf("manifest leaked unauthorized/unknown tool %q", d.Name)
		}
	}
}
