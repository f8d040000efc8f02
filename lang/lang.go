// Package lang resolves a BCP-47 language range to the ordered set of
// SNOMED CT language reference-set identifiers whose "preferred in"
// membership should be consulted for synonym selection.
package lang

import (
	"golang.org/x/text/language"
)

// Dialect names a recognised SNOMED dialect or language refset binding.
type Dialect int

// Supported dialects. lastDialect is a sentinel bounding iteration, not a
// real dialect.
const (
	AmericanEnglish Dialect = iota
	BritishEnglish
	NHSClinicalEnglish
	NHSPharmacyEnglish
	French
	Spanish
	Danish
	Swedish
	Estonian
	lastDialect
)

var tags = map[Dialect]language.Tag{
	AmericanEnglish:    language.AmericanEnglish,
	BritishEnglish:     language.BritishEnglish,
	NHSClinicalEnglish: language.BritishEnglish,
	NHSPharmacyEnglish: language.BritishEnglish,
	French:             language.French,
	Spanish:            language.Spanish,
	Danish:             language.Danish,
	Swedish:            language.Swedish,
	Estonian:           language.Estonian,
}

// refsetIDs maps each dialect to its SNOMED CT language reference set
// identifier. Values of 0 indicate no known binding for that dialect in
// the international edition (filtered out by installed-refset matching
// regardless).
var refsetIDs = map[Dialect]int64{
	AmericanEnglish:    900000000000509007,
	BritishEnglish:     900000000000508004,
	NHSClinicalEnglish: 999001261000000100,
	NHSPharmacyEnglish: 999000691000001104,
	French:             722130004,
	Spanish:            450828004,
	Danish:             554461000005103,
	Swedish:            46011000052107,
	Estonian:           0,
}

// Tag returns the BCP-47 tag associated with a dialect.
func (d Dialect) Tag() language.Tag { return tags[d] }

// RefsetID returns the language reference set identifier bound to a dialect.
func (d Dialect) RefsetID() int64 { return refsetIDs[d] }

func (d Dialect) String() string { return d.Tag().String() }

// DefaultFallback is consulted when nothing in the requested range
// resolves to an installed refset.
var DefaultFallback = AmericanEnglish

// InstalledRefsetsFunc reports the set of refset ids currently installed
// in the store; Match consults it to filter candidate dialects. Defined
// as a function type (rather than a direct store dependency) so this
// package has no import-cycle on store or hermes.
type InstalledRefsetsFunc func() (map[int64]struct{}, error)

// Matcher resolves Accept-Language-style preferences to an ordered list
// of installed language refset ids.
type Matcher struct {
	installed InstalledRefsetsFunc
	matcher   language.Matcher
	supported []Dialect
}

// NewMatcher builds a Matcher over the dialects whose refset is
// currently installed.
func NewMatcher(installed InstalledRefsetsFunc) (*Matcher, error) {
	set, err := installed()
	if err != nil {
		return nil, err
	}
	var supported []Dialect
	var langTags []language.Tag
	for d := Dialect(0); d < lastDialect; d++ {
		refset := refsetIDs[d]
		if refset == 0 {
			continue
		}
		if _, ok := set[refset]; ok {
			supported = append(supported, d)
			langTags = append(langTags, tags[d])
		}
	}
	return &Matcher{installed: installed, matcher: language.NewMatcher(langTags), supported: supported}, nil
}

// MatchRefsetIDs parses an ordered or Accept-Language-style list of BCP-47
// ranges and returns, best match first, every installed language refset
// id consistent with that preference. Deterministic: same input and same
// installed set yield the same output. Never raises; an
// unmatchable preference yields an empty slice, triggering the caller's
// fallback to en-US.
func (m *Matcher) MatchRefsetIDs(preferred []language.Tag) []int64 {
	if len(m.supported) == 0 || len(preferred) == 0 {
		return nil
	}
	var result []int64
	seen := make(map[int64]bool)
	add := func(d Dialect) {
		if refset := refsetIDs[d]; refset != 0 && !seen[refset] {
			seen[refset] = true
			result = append(result, refset)
		}
	}
	// the single overall best match leads, honouring x/text's full
	// confidence-based matching logic rather than naive base-tag equality.
	_, bestIndex, confidence := m.matcher.Match(preferred...)
	if confidence != language.No && bestIndex >= 0 && bestIndex < len(m.supported) {
		add(m.supported[bestIndex])
	}
	// then walk the remaining preferences in order, adding every installed
	// dialect that shares a base language, so a caller asking for
	// "en-GB, en-US" gets both refsets rather than only the matcher's
	// single best pick.
	for _, pref := range preferred {
		base, _ := pref.Base()
		for _, d := range m.supported {
			dBase, _ := tags[d].Base()
			if dBase == base {
				add(d)
			}
		}
	}
	return result
}

// ParseAcceptLanguage parses a comma-separated, optionally q-valued
// Accept-Language-style string into ordered BCP-47 tags.
func ParseAcceptLanguage(s string) ([]language.Tag, error) {
	tags, _, err := language.ParseAcceptLanguage(s)
	if err != nil {
		return nil, err
	}
	return tags, nil
}
