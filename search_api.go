package hermes

import (
	"fmt"
	"sort"

	"golang.org/x/text/language"

	"github.com/wardle/hermes/ecl"
	"github.com/wardle/hermes/hermeserr"
	"github.com/wardle/hermes/lang"
	"github.com/wardle/hermes/search"
	"github.com/wardle/hermes/snomed"
)

// maxHitsLimit is the exclusive upper bound on SearchRequest.MaxHits.
const maxHitsLimit = 10000

// SearchRequest carries the parameters of a free-text search.
// Zero values mean: active content only, fully specified names excluded,
// no fuzziness, no constraint.
type SearchRequest struct {
	S       string // search text; blank degenerates to a pure filter query
	MaxHits int    // required, exclusive bounds (0, 10000)

	// Properties constrains matches to concepts holding the given
	// attribute values, keyed by attribute type id.
	Properties map[int64][]int64
	// Constraint is an ECL expression ANDed with the term query.
	Constraint string
	// ConceptRefsets restricts matches to members of any of these refsets.
	ConceptRefsets []int64

	Fuzzy         int // Damerau-Levenshtein edit distance applied to each token
	FallbackFuzzy int // retry distance when an exact search returns nothing

	IncludeInactiveConcepts     bool
	IncludeInactiveDescriptions bool
	RemoveDuplicates            bool
	ShowFSN                     bool

	// AcceptLanguage selects the language refsets used to compute each
	// result's preferred term. Empty uses the service default locale.
	AcceptLanguage string
}

// Search executes a free-text search over the description index,
// returning at most MaxHits results ordered by score then ascending
// description id.
func (svc *Svc) Search(req *SearchRequest) ([]search.Result, error) {
	if req.MaxHits <= 0 || req.MaxHits >= maxHitsLimit {
		return nil, &hermeserr.InvalidParameterError{
			Parameter: "max_hits",
			Reason:    fmt.Sprintf("must be in (0, %d), got %d", maxHitsLimit, req.MaxHits),
		}
	}
	filters, err := svc.searchFilters(req)
	if err != nil {
		return nil, err
	}
	termQ := search.Term(req.S)
	if req.Fuzzy > 0 {
		termQ = search.FuzzyTerm(req.S, req.Fuzzy)
	}
	results, err := svc.descriptions.DoQueryForResults(search.And(append([]search.Query{termQ}, filters...)...), req.MaxHits)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 && req.Fuzzy == 0 && req.FallbackFuzzy > 0 {
		termQ = search.FuzzyTerm(req.S, req.FallbackFuzzy)
		results, err = svc.descriptions.DoQueryForResults(search.And(append([]search.Query{termQ}, filters...)...), req.MaxHits)
		if err != nil {
			return nil, err
		}
	}
	if req.RemoveDuplicates {
		results = search.RemoveDuplicates(results)
	}
	for i := range results {
		if d, err := svc.PreferredSynonym(results[i].ConceptID, req.AcceptLanguage); err == nil {
			results[i].PreferredTerm = d.Term
		}
	}
	return results, nil
}

// searchFilters builds the non-term filter clauses of a search, shared by
// Search and the degenerate blank-text filter query.
func (svc *Svc) searchFilters(req *SearchRequest) ([]search.Query, error) {
	var filters []search.Query
	if !req.IncludeInactiveDescriptions {
		filters = append(filters, search.ActiveDescription(true))
	}
	if !req.IncludeInactiveConcepts {
		filters = append(filters, search.ActiveConcept(true))
	}
	if !req.ShowFSN {
		filters = append(filters, search.IsFSN(false))
	}
	typeIDs := make([]int64, 0, len(req.Properties))
	for typeID := range req.Properties {
		typeIDs = append(typeIDs, typeID)
	}
	sort.Slice(typeIDs, func(i, j int) bool { return typeIDs[i] < typeIDs[j] })
	for _, typeID := range typeIDs {
		filters = append(filters, search.AttributeInSet(typeID, req.Properties[typeID]))
	}
	if len(req.ConceptRefsets) > 0 {
		filters = append(filters, search.MemberOfAny(req.ConceptRefsets))
	}
	if req.Constraint != "" {
		expr, err := ecl.Parse(req.Constraint)
		if err != nil {
			return nil, err
		}
		q, err := ecl.Compile(expr, svc)
		if err != nil {
			return nil, err
		}
		filters = append(filters, q)
	}
	return filters, nil
}

// LanguageRefsetIDs resolves an Accept-Language-style preference to the
// ordered language refset ids to consult, falling back to the service
// default locale and finally to en-US. The result
// may be empty if no language refset at all is installed.
func (svc *Svc) LanguageRefsetIDs(acceptLanguage string) []int64 {
	svc.mu.RLock()
	matcher := svc.matcher
	svc.mu.RUnlock()
	if acceptLanguage != "" {
		if tags, err := lang.ParseAcceptLanguage(acceptLanguage); err == nil {
			if refsets := matcher.MatchRefsetIDs(tags); len(refsets) > 0 {
				return refsets
			}
		}
	}
	if refsets := matcher.MatchRefsetIDs(svc.defaultTags); len(refsets) > 0 {
		return refsets
	}
	return matcher.MatchRefsetIDs([]language.Tag{lang.DefaultFallback.Tag()})
}

// PreferredSynonym returns the preferred synonym for a concept given an
// Accept-Language preference, deterministic in the installed refsets and
// the preference alone. When no language refset yields a preferred term,
// it falls back to matching description language codes directly, so a
// concept remains nameable on a store with no language refsets installed.
func (svc *Svc) PreferredSynonym(conceptID int64, acceptLanguage string) (*snomed.Description, error) {
	return svc.preferredDescription(conceptID, snomed.Synonym, acceptLanguage)
}

// FullySpecifiedName returns the concept's fully specified name in the
// given locale preference.
func (svc *Svc) FullySpecifiedName(conceptID int64, acceptLanguage string) (*snomed.Description, error) {
	return svc.preferredDescription(conceptID, snomed.FullySpecifiedName, acceptLanguage)
}

func (svc *Svc) preferredDescription(conceptID, typeID int64, acceptLanguage string) (*snomed.Description, error) {
	descs, err := svc.store.Descriptions(conceptID)
	if err != nil {
		return nil, err
	}
	refsetIDs := svc.LanguageRefsetIDs(acceptLanguage)
	for _, refsetID := range refsetIDs {
		for _, d := range descs {
			if !d.Active || d.TypeID != typeID {
				continue
			}
			preferredIn, _, err := svc.store.LanguageAcceptability(d.ID)
			if err != nil {
				return nil, err
			}
			for _, p := range preferredIn {
				if p == refsetID {
					return d, nil
				}
			}
		}
	}
	return svc.simpleLanguageMatch(conceptID, descs, typeID, acceptLanguage)
}

// simpleLanguageMatch matches on description language codes alone,
// without recourse to a language refset, so a concept remains nameable
// when no language refset covers it.
func (svc *Svc) simpleLanguageMatch(conceptID int64, descs []*snomed.Description, typeID int64, acceptLanguage string) (*snomed.Description, error) {
	preferred := svc.defaultTags
	if acceptLanguage != "" {
		if tags, err := lang.ParseAcceptLanguage(acceptLanguage); err == nil {
			preferred = tags
		}
	}
	// deterministic ordering before matching
	sorted := make([]*snomed.Description, 0, len(descs))
	for _, d := range descs {
		if d.Active && d.TypeID == typeID {
			sorted = append(sorted, d)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].LanguageCode != sorted[j].LanguageCode {
			return sorted[i].LanguageCode < sorted[j].LanguageCode
		}
		return sorted[i].ID < sorted[j].ID
	})
	if len(sorted) == 0 {
		return nil, &hermeserr.NotFoundError{Kind: "description", ID: fmt.Sprintf("concept %d type %d", conceptID, typeID)}
	}
	dTags := make([]language.Tag, len(sorted))
	for i, d := range sorted {
		dTags[i] = language.Make(d.LanguageCode)
	}
	matcher := language.NewMatcher(dTags)
	_, i, _ := matcher.Match(preferred...)
	return sorted[i], nil
}
