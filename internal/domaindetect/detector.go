// Package domaindetect maps a user utterance to a domain tag and a
// prioritized subset of tools.
//
// Detection is a deterministic keyword/phrase match against a fixed domain
// table — no model calls, no I/O, sub-millisecond — so it can run inline on
// every message. The output is advisory only: it reorders the tool manifest
// offered to the model, it never forbids a tool the model chooses anyway.
package domaindetect

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// fuzzyMinRunes is the minimum keyword length for edit-distance matching.
// Short words produce too many false positives at distance 1.
const fuzzyMinRunes = 5

// Detection is the result of analysing one utterance.
type Detection struct {
	// Domains lists every matched domain tag, in table order. Empty when
	// nothing matched.
	Domains []string

	// PrioritizedTools is the union of the matched domains' tool lists,
	// preserving table order with duplicates removed.
	PrioritizedTools []string
}

// domainEntry is one row of the domain table.
type domainEntry struct {
	name     string
	phrases  []string // multi-word cues, matched as substrings
	keywords []string // single-word cues, matched per word with fuzz
	tools    []string // prioritized tools, most relevant first
}

// domainTable is the fixed domain table. Order matters: earlier domains win
// the primary-domain slot and contribute their tools first.
var domainTable = []domainEntry{
	{
		name:     "news",
		phrases:  []string{"in the news", "latest on", "what happened", "breaking news", "this week", "today's"},
		keywords: []string{"news", "headline", "headlines", "current", "recent", "latest"},
		tools:    []string{"news_headlines", "article_search", "trending_topics", "web_search"},
	},
	{
		name:     "research",
		phrases:  []string{"deep dive", "tell me everything", "in detail", "compare and contrast", "pros and cons", "search the web"},
		keywords: []string{"research", "analyse", "analyze", "sources", "evidence", "thorough"},
		tools:    []string{"deep_research", "web_search", "source_credibility", "article_search"},
	},
	{
		name:     "library",
		phrases:  []string{"my library", "i saved", "my reading list", "my collection", "saved articles"},
		keywords: []string{"saved", "bookmarked", "library", "collection"},
		tools:    []string{"user_library", "user_history", "related_content"},
	},
	{
		name:     "media",
		phrases:  []string{"this image", "the picture", "the photo", "make a chart", "plot this"},
		keywords: []string{"image", "photo", "picture", "chart", "graph", "diagram"},
		tools:    []string{"image_analysis", "chart_generator"},
	},
	{
		name:     "account",
		phrases:  []string{"my subscription", "my plan", "my usage", "how many credits"},
		keywords: []string{"subscription", "billing", "credits", "upgrade", "usage"},
		tools:    []string{"account_usage", "user_preferences"},
	},
	{
		name:     "recommendations",
		phrases:  []string{"what should i read", "recommend me", "similar to", "more like"},
		keywords: []string{"recommend", "recommendation", "suggest", "suggestions"},
		tools:    []string{"related_content", "user_history", "trending_topics"},
	},
}

// Detect analyses the utterance and returns the matched domains and their
// prioritized tool union. It is pure: identical input yields identical output.
func Detect(utterance string) Detection {
	lower := strings.ToLower(utterance)
	words := splitWords(lower)

	var det Detection
	seen := make(map[string]bool)

	for _, entry := range domainTable {
		if !matchesEntry(lower, words, entry) {
			continue
		}
		det.Domains = append(det.Domains, entry.name)
		for _, t := range entry.tools {
			if !seen[t] {
				seen[t] = true
				det.PrioritizedTools = append(det.PrioritizedTools, t)
			}
		}
	}
	return det
}

// Primary returns the first matched domain, or "" when nothing matched.
func (d Detection) Primary() string {
	if len(d.Domains) == 0 {
		return ""
	}
	return d.Domains[0]
}

// matchesEntry reports whether the utterance triggers the given domain.
func matchesEntry(lower string, words []string, entry domainEntry) bool {
	for _, p := range entry.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, kw := range entry.keywords {
		for _, w := range words {
			if wordMatches(w, kw) {
				return true
			}
		}
	}
	return false
}

// wordMatches reports whether word matches the keyword exactly, or within
// edit distance 1 when both are long enough for fuzzy matching to be safe.
// Misspellings like "headdlines" or "reccomend" still rank their domain.
func wordMatches(word, keyword string) bool {
	if word == keyword {
		return true
	}
	if len([]rune(word)) < fuzzyMinRunes || len([]rune(keyword)) < fuzzyMinRunes {
		return false
	}
	return matchr.DamerauLevenshtein(word, keyword) <= 1
}

// splitWords breaks the lowercased utterance into letter/digit runs.
func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
