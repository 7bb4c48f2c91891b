package tier

import "testing"

func TestOrdering(t *testing.T) {
	if !(Free < Plus && Plus < Pro && Pro < Ultra) {
		t.Fatalf("tier ordinals out of order: free=%d plus=%d pro=%d ultra=%d", Free, Plus, Pro, Ultra)
	}
}

func TestAtLeast(t *testing.T) {
	cases := []struct {
		have, min Tier
		want      bool
	}{
		{Free, Free, true},
		{Free, Plus, false},
		{Plus, Free, true},
		{Pro, Ultra, false},
		{Ultra, Pro, true},
		{Ultra, Ultra, true},
	}
	for _, c := range cases {
		if got := c.have.AtLeast(c.min); got != c.want {
			t.Errorf("%s.AtLeast(%s) = %v, want %v", c.have, c.min, got, c.want)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, tr := range []Tier{Free, Plus, Pro, Ultra} {
		got, err := Parse(tr.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", tr.String(), err)
		}
		if got != tr {
			t.Errorf("Parse(%q) = %v, want %v", tr.String(), got, tr)
		}
	}
	if _, err := Parse("platinum"); err == nil {
		t.Error("Parse accepted an unknown tier name")
	}
}

func TestMonthlyGrantMonotonic(t *testing.T) {
	prev := int64(-1)
	for _, tr := range []Tier{Free, Plus, Pro, Ultra} {
		g := tr.MonthlyGrantMinorUnits()
		if g <= prev {
			t.Fatalf("grant for %s (%d) not greater than previous (%d)", tr, g, prev)
		}
		prev = g
	}
}
