package lang

import "testing"

func installedFixture() (map[int64]struct{}, error) {
	return map[int64]struct{}{
		BritishEnglish.RefsetID():  {},
		AmericanEnglish.RefsetID(): {},
	}, nil
}

func TestMatchRefsetIDsPrefersRequestedDialect(t *testing.T) {
	m, err := NewMatcher(installedFixture)
	if err != nil {
		t.Fatal(err)
	}
	tags, err := ParseAcceptLanguage("en-GB,en;q=0.5")
	if err != nil {
		t.Fatal(err)
	}
	refsets := m.MatchRefsetIDs(tags)
	if len(refsets) == 0 {
		t.Fatal("expected at least one matched refset")
	}
	if refsets[0] != BritishEnglish.RefsetID() {
		t.Errorf("expected British English refset first, got %d", refsets[0])
	}
}

func TestMatchRefsetIDsEmptyWhenNothingInstalled(t *testing.T) {
	m, err := NewMatcher(func() (map[int64]struct{}, error) { return map[int64]struct{}{}, nil })
	if err != nil {
		t.Fatal(err)
	}
	tags, _ := ParseAcceptLanguage("fr")
	if got := m.MatchRefsetIDs(tags); got != nil {
		t.Errorf("expected nil result with no installed refsets, got %v", got)
	}
}

func TestDeterministic(t *testing.T) {
	m, err := NewMatcher(installedFixture)
	if err != nil {
		t.Fatal(err)
	}
	tags, _ := ParseAcceptLanguage("en-US")
	a := m.MatchRefsetIDs(tags)
	b := m.MatchRefsetIDs(tags)
	if len(a) != len(b) {
		t.Fatalf("non-deterministic result lengths: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("non-deterministic result at %d: %v vs %v", i, a, b)
		}
	}
}
