package search

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	"golang.org/x/text/unicode/norm"
)

// Query is an opaque, composable query value targeting the description
// index. Values are built by the q_* constructors below and combined with And/Or/Not; they carry no
// connection to a particular Index so they can be constructed by the ECL
// compiler without an open store.
type Query struct {
	bleve query.Query
}

func wrap(q query.Query) Query { return Query{bleve: q} }

// And is q_and: every sub-query must match (ECL conjunction).
func And(qs ...Query) Query {
	cq := bleve.NewConjunctionQuery()
	for _, q := range qs {
		if q.bleve != nil {
			cq.AddQuery(q.bleve)
		}
	}
	return wrap(cq)
}

// Or is q_or: any sub-query may match (ECL disjunction).
func Or(qs ...Query) Query {
	dq := bleve.NewDisjunctionQuery()
	for _, q := range qs {
		if q.bleve != nil {
			dq.AddQuery(q.bleve)
		}
	}
	dq.SetMin(0)
	return wrap(dq)
}

// Not is q_not: matches include but not exclude (ECL MINUS).
func Not(include, exclude Query) Query {
	bq := bleve.NewBooleanQuery()
	if include.bleve != nil {
		bq.AddMust(include.bleve)
	} else {
		bq.AddMust(bleve.NewMatchAllQuery())
	}
	bq.AddMustNot(exclude.bleve)
	return wrap(bq)
}

// All is q_all: matches every document, used as the identity element
// when negating a bare attribute value query (ECL "!=").
func All() Query { return wrap(bleve.NewMatchAllQuery()) }

func termKeyword(field, value string) Query {
	q := bleve.NewTermQuery(value)
	q.SetField(field)
	return wrap(q)
}

// Self is q_self(id): the single concept literal.
func Self(conceptID int64) Query {
	return termKeyword("conceptId", strconv.FormatInt(conceptID, 10))
}

// DescriptionID is q_description_id(id).
func DescriptionID(descriptionID int64) Query {
	return termKeyword("descriptionId", strconv.FormatInt(descriptionID, 10))
}

// ConceptID is q_concept_id(id), an alias of Self kept for readability at
// call sites that are not expressing the ECL focus-concept literal.
func ConceptID(conceptID int64) Query { return Self(conceptID) }

// ConceptIDs is q_concept_ids(set): realises an already-materialised
// concept-id set (produced by a dotted/reverse ECL rewrite, or by a
// store-side ancestor/parent lookup) back into an index query so it
// composes with outer AND/OR/NOT.
func ConceptIDs(ids []int64) Query {
	if len(ids) == 0 {
		return wrap(bleve.NewMatchNoneQuery())
	}
	dq := bleve.NewDisjunctionQuery()
	for _, id := range ids {
		dq.AddQuery(termKeyword("conceptId", strconv.FormatInt(id, 10)).bleve)
	}
	dq.SetMin(0)
	return wrap(dq)
}

// DescendantOf is q_descendant_of(id): ECL "< id", realised against the
// transitive IS-A closure stored at index time in the "pi:" keyword facet.
func DescendantOf(conceptID int64) Query {
	return termKeyword("keywords", prefixParentISA+strconv.FormatInt(conceptID, 10))
}

// DescendantOrSelfOf is q_descendant_or_self_of(id): ECL "<< id".
func DescendantOrSelfOf(conceptID int64) Query {
	return Or(DescendantOf(conceptID), Self(conceptID))
}

// ChildOf is q_child_of(id): ECL "<! id", the direct IS-A children,
// realised against the "dp:" keyword facet (direct parent, from the
// child's point of view).
func ChildOf(conceptID int64) Query {
	return termKeyword("keywords", prefixDirectParentISA+strconv.FormatInt(conceptID, 10))
}

// ChildOrSelfOf is q_child_or_self_of(id): ECL "<<! id".
func ChildOrSelfOf(conceptID int64) Query {
	return Or(ChildOf(conceptID), Self(conceptID))
}

// MemberOf is q_member_of(refsetId): ECL "^ refsetId".
func MemberOf(refsetID int64) Query {
	return termKeyword("keywords", prefixConceptRefset+strconv.FormatInt(refsetID, 10))
}

// MemberOfAny is q_member_of_any(set).
func MemberOfAny(refsetIDs []int64) Query {
	qs := make([]Query, len(refsetIDs))
	for i, id := range refsetIDs {
		qs[i] = MemberOf(id)
	}
	return Or(qs...)
}

// AcceptabilityKind distinguishes the two description-acceptability
// facets.
type AcceptabilityKind int

// Recognised acceptability kinds.
const (
	PreferredIn AcceptabilityKind = iota
	AcceptableIn
)

// Acceptability is q_acceptability(kind, refsetId).
func Acceptability(kind AcceptabilityKind, refsetID int64) Query {
	prefix := prefixPreferredIn
	if kind == AcceptableIn {
		prefix = prefixAcceptableIn
	}
	return termKeyword("keywords", prefix+strconv.FormatInt(refsetID, 10))
}

// AttributeInSet is q_attribute_in_set(typeId, values): matches documents
// whose concept has an active attribute of typeId with a destination in
// values (ECL refinement "attr = (v1 v2 ...)").
func AttributeInSet(typeID int64, values []int64) Query {
	qs := make([]Query, len(values))
	for i, v := range values {
		qs[i] = termKeyword("keywords", fmt.Sprintf("%s%d=%d", prefixAttribute, typeID, v))
	}
	return Or(qs...)
}

// unboundedCardinality marks the upper bound of an ECL cardinality
// refinement with no max ("n..*").
const unboundedCardinality = -1

// AttributeCount is q_attribute_count(typeId, min, max): ECL cardinality
// refinement "[min..max] attr = value", realised against the "ac:"
// cumulative at-least markers written at index time. max ==
// unboundedCardinality (the ECL "*" bound) omits the upper constraint.
func AttributeCount(typeID int64, min, max int) Query {
	var clauses []Query
	if min > 0 {
		clauses = append(clauses, termKeyword("keywords", fmt.Sprintf("%s%d:%d", prefixAttributeAtLeast, typeID, min)))
	}
	bq := bleve.NewBooleanQuery()
	for _, c := range clauses {
		bq.AddMust(c.bleve)
	}
	if max != unboundedCardinality {
		bq.AddMustNot(termKeyword("keywords", fmt.Sprintf("%s%d:%d", prefixAttributeAtLeast, typeID, max+1)).bleve)
	}
	if len(clauses) == 0 && max == unboundedCardinality {
		return wrap(bleve.NewMatchAllQuery())
	}
	return wrap(bq)
}

// activeFilter is shared by ActiveDescription/ActiveConcept.
func activeFilter(field string, active bool) Query {
	q := bleve.NewBoolFieldQuery(active)
	q.SetField(field)
	return wrap(q)
}

// ActiveDescription filters on the description's own active flag.
func ActiveDescription(active bool) Query { return activeFilter("activeDescription", active) }

// ActiveConcept filters on the owning concept's active flag.
func ActiveConcept(active bool) Query { return activeFilter("activeConcept", active) }

// IsFSN / IsSynonym filter by description type, used by Search's
// show_fsn option.
func IsFSN(is bool) Query     { return activeFilter("isFSN", is) }
func IsSynonym(is bool) Query { return activeFilter("isSynonym", is) }

// Term is q_term(prefix): an edge-n-gram-style prefix match used for
// autocompletion, ANDed across whitespace-separated tokens.
func Term(s string) Query {
	tokens := tokenise(s)
	if len(tokens) == 0 {
		return wrap(bleve.NewMatchAllQuery())
	}
	cq := bleve.NewConjunctionQuery()
	for _, tok := range tokens {
		cq.AddQuery(prefixOrMatch(tok, 0))
	}
	return wrap(cq)
}

// FuzzyTerm replaces term clauses by fuzzy edits of the given Damerau-
// Levenshtein distance.
func FuzzyTerm(s string, distance int) Query {
	tokens := tokenise(s)
	if len(tokens) == 0 {
		return wrap(bleve.NewMatchAllQuery())
	}
	cq := bleve.NewConjunctionQuery()
	for _, tok := range tokens {
		cq.AddQuery(prefixOrMatch(tok, distance))
	}
	return wrap(cq)
}

func prefixOrMatch(token string, fuzzy int) query.Query {
	dq := bleve.NewDisjunctionQuery()
	mq := bleve.NewMatchQuery(token)
	mq.SetField("term")
	dq.AddQuery(mq)
	if len(token) >= 3 {
		pq := bleve.NewPrefixQuery(token)
		pq.SetField("term")
		dq.AddQuery(pq)
	}
	if fuzzy > 0 {
		fq := bleve.NewFuzzyQuery(token)
		fq.SetField("term")
		fq.SetFuzziness(fuzzy)
		dq.AddQuery(fq)
	}
	return dq
}

// Wildcard is q_wildcard(pattern): a glob-style ('*'/'?') match over the
// raw term text, distinct from the ECL "*" operator (which lowers to
// DescendantOrSelfOf(Root)).
func Wildcard(pattern string) Query {
	q := bleve.NewWildcardQuery(pattern)
	q.SetField("term")
	return wrap(q)
}

func tokenise(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(s)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	return fields
}

// foldTerm produces the diacritic-folded form of a term for locale-aware
// matching, stripping combining marks via Unicode
// NFD normalisation.
func foldTerm(s string) string {
	t := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(t))
	for _, r := range t {
		if unicode.Is(unicode.Mn, r) { // combining mark
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return norm.NFC.String(b.String())
}

// Result is a single match realised by DoQueryForResults.
type Result struct {
	DescriptionID int64
	ConceptID     int64
	Term          string
	PreferredTerm string
}

// DoQueryForConceptIDs realises q to the set of distinct concept ids of
// matching documents.
func (ix *Index) DoQueryForConceptIDs(q Query) ([]int64, error) {
	req := bleve.NewSearchRequestOptions(q.bleve, 10000, 0, false)
	req.Fields = []string{"conceptId"}
	seen := make(map[int64]bool)
	var out []int64
	for {
		res, err := ix.bi.Search(req)
		if err != nil {
			return nil, err
		}
		for _, hit := range res.Hits {
			cid, err := strconv.ParseInt(hit.Fields["conceptId"].(string), 10, 64)
			if err != nil {
				continue
			}
			if !seen[cid] {
				seen[cid] = true
				out = append(out, cid)
			}
		}
		if len(res.Hits) < req.Size || req.Size == 0 {
			break
		}
		req.From += req.Size
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// DoQueryForResults realises q to an ordered sequence of result records,
// honouring score ties by ascending description id, and stopping at
// maxHits.
func (ix *Index) DoQueryForResults(q Query, maxHits int) ([]Result, error) {
	if maxHits <= 0 {
		maxHits = 100
	}
	req := bleve.NewSearchRequestOptions(q.bleve, maxHits, 0, false)
	req.Fields = []string{"descriptionId", "conceptId", "term"}
	req.SortBy([]string{"-_score", "descriptionId"})
	res, err := ix.bi.Search(req)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		did, _ := strconv.ParseInt(hit.Fields["descriptionId"].(string), 10, 64)
		cid, _ := strconv.ParseInt(hit.Fields["conceptId"].(string), 10, 64)
		term, _ := hit.Fields["term"].(string)
		out = append(out, Result{DescriptionID: did, ConceptID: cid, Term: term})
	}
	return out, nil
}

// RemoveDuplicates elides result records sharing the same (conceptId,
// term) pair, keeping the first encountered;
// applies only when the caller opts in.
func RemoveDuplicates(results []Result) []Result {
	type key struct {
		concept int64
		term    string
	}
	seen := make(map[key]bool, len(results))
	out := make([]Result, 0, len(results))
	for _, r := range results {
		k := key{r.ConceptID, r.Term}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}
