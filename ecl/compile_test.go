package ecl

import (
	"errors"
	"testing"

	"github.com/wardle/hermes/hermeserr"
	"github.com/wardle/hermes/search"
)

// fakeIndex records the realisation calls the compiler makes, returning
// canned sets, so compilation strategies can be asserted without a live
// search index.
type fakeIndex struct {
	parents      map[int64][]int64 // direct IS-A
	ancestors    map[int64][]int64
	destinations map[int64][]int64 // attribute destinations by source, single type
	sources      map[int64][]int64 // attribute sources by destination, single type
	members      map[int64][]int64 // refset id -> referenced components
	executed     []search.Query
	executeIDs   []int64 // returned from every Execute call
}

func (f *fakeIndex) DirectParents(conceptID int64) ([]int64, error) {
	return f.parents[conceptID], nil
}

func (f *fakeIndex) Ancestors(conceptID int64) ([]int64, error) {
	return f.ancestors[conceptID], nil
}

func (f *fakeIndex) AttributeDestinations(conceptIDs []int64, _ int64) ([]int64, error) {
	var out []int64
	for _, id := range conceptIDs {
		out = append(out, f.destinations[id]...)
	}
	return out, nil
}

func (f *fakeIndex) AttributeSources(destinationIDs []int64, _ int64) ([]int64, error) {
	var out []int64
	for _, id := range destinationIDs {
		out = append(out, f.sources[id]...)
	}
	return out, nil
}

func (f *fakeIndex) QueryMembers(refsetID int64, _ []search.FieldFilter) ([]int64, error) {
	return f.members[refsetID], nil
}

func (f *fakeIndex) HistoryClosure(conceptIDs []int64, _ HistoryProfile) ([]int64, error) {
	return append(conceptIDs, 999), nil
}

func (f *fakeIndex) Execute(q search.Query) ([]int64, error) {
	f.executed = append(f.executed, q)
	return f.executeIDs, nil
}

func compileSource(t *testing.T, src string, idx Index) search.Query {
	t.Helper()
	expr, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	q, err := Compile(expr, idx)
	if err != nil {
		t.Fatalf("Compile(%q): %v", src, err)
	}
	return q
}

func TestCompileSimpleOperatorsNeedNoRealisation(t *testing.T) {
	idx := &fakeIndex{}
	for _, src := range []string{"24700007", "< 24700007", "<< 24700007", "<! 24700007", "*"} {
		compileSource(t, src, idx)
	}
	if len(idx.executed) != 0 {
		t.Errorf("closure operators should lower lazily, got %d realisations", len(idx.executed))
	}
}

func TestCompileAncestorRealisesClosure(t *testing.T) {
	idx := &fakeIndex{ancestors: map[int64][]int64{24700007: {64572001, 138875005}}}
	compileSource(t, "> 24700007", idx)
	if len(idx.executed) != 0 {
		t.Errorf("ancestor-of should use the precomputed closure, not the index")
	}
}

func TestCompileDottedRealisesIntermediateSets(t *testing.T) {
	idx := &fakeIndex{
		executeIDs:   []int64{24700007},
		destinations: map[int64][]int64{24700007: {21483005}},
	}
	compileSource(t, "<< 404684003 . 363698007", idx)
	if len(idx.executed) != 1 {
		t.Fatalf("expected exactly one realisation of the base set, got %d", len(idx.executed))
	}
}

func TestCompileRefinementRealisesValue(t *testing.T) {
	idx := &fakeIndex{executeIDs: []int64{39057004}}
	compileSource(t, "<< 404684003 : 363698007 = << 39057004", idx)
	if len(idx.executed) != 1 {
		t.Fatalf("expected the attribute value to be realised once, got %d", len(idx.executed))
	}
}

func TestCompileReverseAttribute(t *testing.T) {
	idx := &fakeIndex{
		executeIDs: []int64{111115},
		sources:    map[int64][]int64{111115: {105590001}},
	}
	compileSource(t, "< 105590001 : R 127489000 = 111115", idx)
}

func TestCompileUnsupported(t *testing.T) {
	idx := &fakeIndex{executeIDs: []int64{1}}
	tests := []string{
		"< 373873005 : 1142139005 = #3",             // numeric concrete value
		`< 373873005 : 1142139005 = "text"`,         // string concrete value
		"< 404684003 : [0..0] 363698007 != << 1234", // != with zero cardinality
	}
	for _, src := range tests {
		expr, err := Parse(src)
		if err != nil {
			t.Fatalf("Parse(%q): %v", src, err)
		}
		_, err = Compile(expr, idx)
		var ue *hermeserr.UnsupportedError
		if !errors.As(err, &ue) {
			t.Errorf("Compile(%q): got %v, want UnsupportedError", src, err)
		}
	}
}

func TestCompileMemberFilterUsesMemberIndex(t *testing.T) {
	idx := &fakeIndex{members: map[int64][]int64{447562003: {24700007}}}
	compileSource(t, `^ 447562003 {{ M mapTarget = "G35" }}`, idx)
	if len(idx.executed) != 0 {
		t.Errorf("member filters should query the member index, not the description index")
	}
}

func TestCompileHistorySupplementRealises(t *testing.T) {
	idx := &fakeIndex{executeIDs: []int64{195967001}}
	compileSource(t, "<< 195967001 {{ +HISTORY }}", idx)
	if len(idx.executed) != 1 {
		t.Fatalf("expected the outer query to be realised for the history supplement")
	}
}
