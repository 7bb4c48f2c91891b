package domaindetect

import (
	"reflect"
	"testing"
)

func TestDetectSingleDomain(t *testing.T) {
	det := Detect("What's in the news about the housing market?")
	if det.Primary() != "news" {
		t.Fatalf("Primary() = %q, want %q (domains: %v)", det.Primary(), "news", det.Domains)
	}
	if len(det.PrioritizedTools) == 0 || det.PrioritizedTools[0] != "news_headlines" {
		t.Fatalf("PrioritizedTools = %v, want news_headlines first", det.PrioritizedTools)
	}
}

func TestDetectNoMatch(t *testing.T) {
	det := Detect("hello there")
	if len(det.Domains) != 0 || len(det.PrioritizedTools) != 0 {
		t.Fatalf("expected empty detection, got %+v", det)
	}
	if det.Primary() != "" {
		t.Fatalf("Primary() = %q, want empty", det.Primary())
	}
}

func TestDetectUnionPreservesTableOrderAndDedupes(t *testing.T) {
	// "latest" triggers news, "deep dive" triggers research. Both lists
	// contain article_search and web_search; each must appear exactly once,
	// and news tools (earlier table row) must come first.
	det := Detect("Give me a deep dive on the latest electric vehicle announcements")
	wantDomains := []string{"news", "research"}
	if !reflect.DeepEqual(det.Domains, wantDomains) {
		t.Fatalf("Domains = %v, want %v", det.Domains, wantDomains)
	}

	counts := map[string]int{}
	for _, tool := range det.PrioritizedTools {
		counts[tool]++
	}
	for tool, n := range counts {
		if n > 1 {
			t.Errorf("tool %q appears %d times in union", tool, n)
		}
	}
	if det.PrioritizedTools[0] != "news_headlines" {
		t.Errorf("union order = %v, want news tools first", det.PrioritizedTools)
	}
	if counts["deep_research"] != 1 {
		t.Errorf("research tools missing from union: %v", det.PrioritizedTools)
	}
}

func TestDetectFuzzyKeyword(t *testing.T) {
	det := Detect("show me the headdlines")
	if det.Primary() != "news" {
		t.Fatalf("fuzzy match failed: domains = %v", det.Domains)
	}
}

func TestDetectShortWordsNotFuzzed(t *testing.T) {
	// "newz" is under the fuzzy length floor; it must not match "news".
	det := Detect("newz plz")
	if len(det.Domains) != 0 {
		t.Fatalf("short word matched fuzzily: %v", det.Domains)
	}
}

func TestDetectDeterministic(t *testing.T) {
	const utterance = "recommend me something similar to my saved articles"
	first := Detect(utterance)
	for i := 0; i < 10; i++ {
		if got := Detect(utterance); !reflect.DeepEqual(got, first) {
			t.Fatalf("detection not deterministic: %+v vs %+v", got, first)
		}
	}
}
