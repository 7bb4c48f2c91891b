package toolcache

import (
	"context"
	"testing"
	"time"
)

func TestKeyArgumentOrderIrrelevant(t *testing.T) {
	a := Key("article_search", `{"query":"go","limit":5}`, "")
	b := Key("article_search", `{"limit":5,"query":"go"}`, "")
	if a != b {
		t.Fatalf("key differs for reordered args:\n  %s\n  %s", a, b)
	}
}

func TestKeyNestedCanonicalization(t *testing.T) {
	a := Key("t", `{"f":{"x":1,"y":[1,2]},"g":true}`, "")
	b := Key("t", `{"g":true,"f":{"y":[1,2],"x":1}}`, "")
	if a != b {
		t.Fatal("nested object key order changed the cache key")
	}
}

func TestKeyDistinguishesTools(t *testing.T) {
	if Key("a", `{}`, "") == Key("b", `{}`, "") {
		t.Fatal("different tools share a cache key")
	}
}

func TestKeyUserScopeIsolation(t *testing.T) {
	global := Key("user_library", `{"q":"x"}`, "")
	alice := Key("user_library", `{"q":"x"}`, "user-alice")
	bob := Key("user_library", `{"q":"x"}`, "user-bob")
	if alice == bob {
		t.Fatal("two users share a user-scoped cache key")
	}
	if alice == global || bob == global {
		t.Fatal("user-scoped key collides with the global key")
	}
}

func TestKeyInvalidJSONStable(t *testing.T) {
	a := Key("t", `{not json`, "")
	b := Key("t", `{not json`, "")
	if a != b {
		t.Fatal("invalid JSON did not produce a stable key")
	}
}

func TestMemoryGetSet(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	key := Key("t", `{"q":1}`, "")
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatal("hit on empty cache")
	}
	if err := c.Set(ctx, key, []byte("payload"), time.Minute); err != nil {
		t.Fatal(err)
	}
	val, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get after Set: ok=%v err=%v", ok, err)
	}
	if string(val) != "payload" {
		t.Fatalf("Get = %q, want %q", val, "payload")
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	now := time.Now()
	c.now = func() time.Time { return now }

	key := Key("t", `{}`, "")
	if err := c.Set(ctx, key, []byte("v"), 10*time.Second); err != nil {
		t.Fatal(err)
	}

	if _, ok, _ := c.Get(ctx, key); !ok {
		t.Fatal("miss before expiry")
	}

	now = now.Add(11 * time.Second)
	if _, ok, _ := c.Get(ctx, key); ok {
		t.Fatal("hit after expiry")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not evicted on read, len=%d", c.Len())
	}
}

func TestMemoryValueIsolation(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	src := []byte("original")
	key := Key("t", `{}`, "")
	if err := c.Set(ctx, key, src, time.Minute); err != nil {
		t.Fatal(err)
	}
	src[0] = 'X'

	got, _, _ := c.Get(ctx, key)
	if string(got) != "original" {
		t.Fatalf("cache shares backing array with caller: %q", got)
	}
	got[0] = 'Y'
	again, _, _ := c.Get(ctx, key)
	if string(again) != "original" {
		t.Fatalf("returned slice aliases stored value: %q", again)
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(n int) {
			defer func() { done <- struct{}{} }()
			key := Key("t", `{"n":`+string(rune('0'+n))+`}`, "")
			for j := 0; j < 200; j++ {
				_ = c.Set(ctx, key, []byte("v"), time.Minute)
				_, _, _ = c.Get(ctx, key)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}
