package hermes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/wardle/hermes/hermeserr"
	"github.com/wardle/hermes/identifier"
	"github.com/wardle/hermes/snomed"
)

// Fixture concept identifiers: genuine SCTIDs so every identifier in the
// test ontology carries a well-formed partition and check digit.
const (
	root         = 138875005       // SNOMED CT concept
	disease      = 64572001        // disease
	ms           = 24700007        // multiple sclerosis
	mnd          = 37340000        // motor neuron disease
	appendectomy = 80146002        // excision of appendix
	cnsStructure = 21483005        // structure of central nervous system
	findingSite  = 363698007       // finding site attribute
	icd10Map     = 447562003       // ICD-10 complex map reference set
	oldMS        = 586591000000100 // inactive UK-namespace predecessor of MS
	gbRefset     = 900000000000508004
	usRefset     = 900000000000509007
	coreModule   = 900000000000207008
	ukModule     = 999000011000000103
)

var nextDescriptionSeq int64

func newDescriptionID(t *testing.T) int64 {
	t.Helper()
	nextDescriptionSeq++
	id, err := identifier.New(identifier.KindDescription, nextDescriptionSeq)
	if err != nil {
		t.Fatalf("identifier.New: %v", err)
	}
	return id.Int64()
}

type fixture struct {
	concepts      []*snomed.Concept
	descriptions  []*snomed.Description
	relationships []*snomed.Relationship
	refsetItems   []*snomed.RefsetItem
	nextUUID      byte
	nextRelSeq    int64
}

func (f *fixture) concept(id int64, active bool) {
	f.concepts = append(f.concepts, &snomed.Concept{
		ID: id, EffectiveTime: 18000, Active: active,
		ModuleID: coreModule, DefinitionStatusID: snomed.Primitive,
	})
}

func (f *fixture) description(t *testing.T, conceptID int64, typeID int64, term string, preferredIn, acceptableIn []int64) int64 {
	id := newDescriptionID(t)
	f.descriptions = append(f.descriptions, &snomed.Description{
		ID: id, EffectiveTime: 18000, Active: true, ModuleID: coreModule,
		ConceptID: conceptID, LanguageCode: "en", TypeID: typeID, Term: term,
	})
	for _, refsetID := range preferredIn {
		f.languageItem(refsetID, id, snomed.Preferred)
	}
	for _, refsetID := range acceptableIn {
		f.languageItem(refsetID, id, snomed.Acceptable)
	}
	return id
}

func (f *fixture) uuid() [16]byte {
	f.nextUUID++
	var u [16]byte
	u[0] = f.nextUUID
	return u
}

func (f *fixture) languageItem(refsetID, descriptionID int64, acceptability int64) {
	item := &snomed.RefsetItem{
		Kind:     snomed.KindLanguage,
		Language: &snomed.LanguageFields{AcceptabilityID: acceptability},
	}
	item.ID = f.uuid()
	item.EffectiveTime = 18000
	item.Active = true
	item.ModuleID = coreModule
	item.RefsetID = refsetID
	item.ReferencedComponentID = descriptionID
	f.refsetItems = append(f.refsetItems, item)
}

func (f *fixture) relationship(sourceID, typeID, destinationID int64) {
	f.nextRelSeq++
	id, _ := identifier.New(identifier.KindRelationship, f.nextRelSeq)
	f.relationships = append(f.relationships, &snomed.Relationship{
		ID: id.Int64(), EffectiveTime: 18000, Active: true, ModuleID: coreModule,
		SourceID: sourceID, DestinationID: destinationID, TypeID: typeID,
		CharacteristicTypeID: snomed.InferredRelationship,
	})
}

func (f *fixture) complexMap(componentID int64, target string) {
	item := &snomed.RefsetItem{
		Kind:       snomed.KindComplexMap,
		ComplexMap: &snomed.ComplexMapFields{MapGroup: 1, MapPriority: 1, MapTarget: target},
	}
	item.ID = f.uuid()
	item.EffectiveTime = 18000
	item.Active = true
	item.ModuleID = coreModule
	item.RefsetID = icd10Map
	item.ReferencedComponentID = componentID
	f.refsetItems = append(f.refsetItems, item)
}

func (f *fixture) association(refsetID, componentID, targetID int64) {
	item := &snomed.RefsetItem{
		Kind:        snomed.KindAssociation,
		Association: &snomed.AssociationFields{TargetComponentID: targetID},
	}
	item.ID = f.uuid()
	item.EffectiveTime = 18000
	item.Active = true
	item.ModuleID = coreModule
	item.RefsetID = refsetID
	item.ReferencedComponentID = componentID
	f.refsetItems = append(f.refsetItems, item)
}

func (f *fixture) moduleDependency(moduleID, targetModuleID int64, targetEffectiveTime int32) {
	item := &snomed.RefsetItem{
		Kind:             snomed.KindModuleDependency,
		ModuleDependency: &snomed.ModuleDependencyFields{SourceEffectiveTime: 18000, TargetEffectiveTime: targetEffectiveTime},
	}
	item.ID = f.uuid()
	item.EffectiveTime = 18000
	item.Active = true
	item.ModuleID = moduleID
	item.RefsetID = snomed.RefsetModuleDependency
	item.ReferencedComponentID = targetModuleID
	f.refsetItems = append(f.refsetItems, item)
}

// openFixture builds and indexes the test ontology:
//
//	root
//	├── disease
//	│   ├── multiple sclerosis  (finding site CNS, mapped to ICD-10 G35,
//	│   │                         replaced the inactive oldMS concept)
//	│   └── motor neuron disease
//	├── appendectomy            (en-GB and en-US preferred terms differ)
//	└── CNS structure
func openFixture(t *testing.T) *Svc {
	t.Helper()
	dir := t.TempDir()
	svc, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	f := &fixture{}
	for _, id := range []int64{root, disease, ms, mnd, appendectomy, cnsStructure, findingSite, icd10Map} {
		f.concept(id, true)
	}
	f.concept(oldMS, false)

	f.description(t, root, snomed.FullySpecifiedName, "SNOMED CT Concept (SNOMED RT+CTV3)", nil, nil)
	f.description(t, root, snomed.Synonym, "SNOMED CT Concept", []int64{usRefset, gbRefset}, nil)
	f.description(t, disease, snomed.Synonym, "Disease", []int64{usRefset, gbRefset}, nil)
	f.description(t, ms, snomed.FullySpecifiedName, "Multiple sclerosis (disorder)", nil, nil)
	f.description(t, ms, snomed.Synonym, "Multiple sclerosis", []int64{usRefset, gbRefset}, nil)
	f.description(t, mnd, snomed.Synonym, "Motor neuron disease", []int64{usRefset, gbRefset}, nil)
	f.description(t, mnd, snomed.Synonym, "MND", nil, []int64{usRefset, gbRefset})
	f.description(t, appendectomy, snomed.Synonym, "Appendectomy", []int64{usRefset}, []int64{gbRefset})
	f.description(t, appendectomy, snomed.Synonym, "Appendicectomy", []int64{gbRefset}, []int64{usRefset})
	f.description(t, cnsStructure, snomed.Synonym, "Structure of central nervous system", []int64{usRefset, gbRefset}, nil)
	f.description(t, findingSite, snomed.Synonym, "Finding site", []int64{usRefset, gbRefset}, nil)
	f.description(t, icd10Map, snomed.Synonym, "ICD-10 complex map reference set", []int64{usRefset, gbRefset}, nil)
	f.description(t, oldMS, snomed.Synonym, "Multiple sclerosis (old)", nil, nil)

	f.relationship(disease, snomed.IsA, root)
	f.relationship(ms, snomed.IsA, disease)
	f.relationship(mnd, snomed.IsA, disease)
	f.relationship(appendectomy, snomed.IsA, root)
	f.relationship(cnsStructure, snomed.IsA, root)
	f.relationship(findingSite, snomed.IsA, root)
	f.relationship(icd10Map, snomed.IsA, root)
	f.relationship(ms, findingSite, cnsStructure)

	f.complexMap(ms, "G35")
	f.complexMap(ms, "G35.9")
	f.association(snomed.RefsetSameAs, oldMS, ms)
	f.moduleDependency(ukModule, coreModule, 18000)
	f.moduleDependency(ukModule, 123456789, 18000)

	for _, batch := range []interface{}{f.concepts, f.descriptions, f.relationships, f.refsetItems} {
		if err := svc.Put(batch); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := svc.Index(context.Background(), nil); err != nil {
		t.Fatalf("Index: %v", err)
	}
	return svc
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func TestConceptLookup(t *testing.T) {
	svc := openFixture(t)
	c, err := svc.Concept(ms)
	if err != nil {
		t.Fatal(err)
	}
	if c.ID != ms || !c.Active {
		t.Errorf("got %+v", c)
	}
	_, err = svc.Concept(999999)
	var nf *hermeserr.NotFoundError
	if !errors.As(err, &nf) {
		t.Errorf("got %v, want NotFoundError", err)
	}
}

func TestSubsumption(t *testing.T) {
	svc := openFixture(t)
	tests := []struct {
		a, b int64
		want bool
	}{
		{ms, disease, true},
		{ms, root, true},
		{ms, ms, true}, // reflexive
		{disease, ms, false},
		{mnd, ms, false},
	}
	for _, tt := range tests {
		got, err := svc.SubsumedBy(tt.a, tt.b)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("SubsumedBy(%d, %d) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestAllParentsContainsDirectParents(t *testing.T) {
	svc := openFixture(t)
	all, err := svc.AllParents(ms)
	if err != nil {
		t.Fatal(err)
	}
	direct, err := svc.Parents(ms)
	if err != nil {
		t.Fatal(err)
	}
	set := toSet(all)
	for _, p := range direct {
		if !set[p] {
			t.Errorf("all_parents missing direct parent %d", p)
		}
	}
	if !set[root] {
		t.Error("all_parents missing transitive ancestor root")
	}
}

func TestSiblings(t *testing.T) {
	svc := openFixture(t)
	sibs, err := svc.Siblings(ms)
	if err != nil {
		t.Fatal(err)
	}
	if !toSet(sibs)[mnd] {
		t.Errorf("got %v", sibs)
	}
}

func TestPathsToRoot(t *testing.T) {
	svc := openFixture(t)
	paths, err := svc.PathsToRoot(ms)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) == 0 {
		t.Fatal("expected at least one path")
	}
	for _, path := range paths {
		if path[0] != ms || path[len(path)-1] != root {
			t.Errorf("bad path %v", path)
		}
	}
}

func TestPreferredSynonymByLocale(t *testing.T) {
	svc := openFixture(t)
	gb, err := svc.PreferredSynonym(appendectomy, "en-GB")
	if err != nil {
		t.Fatal(err)
	}
	if gb.Term != "Appendicectomy" {
		t.Errorf("en-GB: got %q", gb.Term)
	}
	us, err := svc.PreferredSynonym(appendectomy, "en-US")
	if err != nil {
		t.Fatal(err)
	}
	if us.Term != "Appendectomy" {
		t.Errorf("en-US: got %q", us.Term)
	}
	// determinism
	again, err := svc.PreferredSynonym(appendectomy, "en-GB")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != gb.ID {
		t.Error("preferred synonym must be deterministic")
	}
}

func TestExpandECL(t *testing.T) {
	svc := openFixture(t)
	ids, err := svc.ExpandECL("<< 24700007")
	if err != nil {
		t.Fatal(err)
	}
	if !toSet(ids)[ms] {
		t.Errorf("<< must include self, got %v", ids)
	}
	ids, err = svc.ExpandECL("< 24700007")
	if err != nil {
		t.Fatal(err)
	}
	if toSet(ids)[ms] {
		t.Errorf("< must exclude self, got %v", ids)
	}
	ids, err = svc.ExpandECL("< 64572001")
	if err != nil {
		t.Fatal(err)
	}
	set := toSet(ids)
	if !set[ms] || !set[mnd] || set[disease] {
		t.Errorf("got %v", ids)
	}
}

func TestExpandECLRefinement(t *testing.T) {
	svc := openFixture(t)
	ids, err := svc.ExpandECL("< 64572001 : 363698007 = 21483005")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != ms {
		t.Errorf("got %v", ids)
	}
}

func TestExpandECLMemberOf(t *testing.T) {
	svc := openFixture(t)
	ids, err := svc.ExpandECL("^ 447562003")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != ms {
		t.Errorf("got %v", ids)
	}
}

func TestExpandECLMemberFilter(t *testing.T) {
	svc := openFixture(t)
	ids, err := svc.ExpandECL(`^ 447562003 {{ M mapTarget = "G35" }}`)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != ms {
		t.Errorf("got %v", ids)
	}
}

func TestIntersectECL(t *testing.T) {
	svc := openFixture(t)
	ids, err := svc.IntersectECL([]int64{ms}, "^ 447562003")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != ms {
		t.Errorf("got %v", ids)
	}
	ids, err = svc.IntersectECL([]int64{oldMS, ms}, "< 64572001")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != ms {
		t.Errorf("got %v", ids)
	}
}

func TestExpandECLHistoricSuperset(t *testing.T) {
	svc := openFixture(t)
	plain, err := svc.ExpandECL("<< 24700007")
	if err != nil {
		t.Fatal(err)
	}
	historic, err := svc.ExpandECLHistoric("<< 24700007")
	if err != nil {
		t.Fatal(err)
	}
	hset := toSet(historic)
	for _, id := range plain {
		if !hset[id] {
			t.Errorf("historic expansion missing %d", id)
		}
	}
	if !hset[oldMS] {
		t.Errorf("historic expansion missing inactive predecessor, got %v", historic)
	}
}

func TestECLHistorySupplement(t *testing.T) {
	svc := openFixture(t)
	ids, err := svc.ExpandECL("<< 24700007 {{ +HISTORY }}")
	if err != nil {
		t.Fatal(err)
	}
	if !toSet(ids)[oldMS] {
		t.Errorf("got %v", ids)
	}
}

func TestWithHistorical(t *testing.T) {
	svc := openFixture(t)
	ids, err := svc.WithHistorical([]int64{oldMS})
	if err != nil {
		t.Fatal(err)
	}
	set := toSet(ids)
	if !set[oldMS] || !set[ms] {
		t.Errorf("got %v", ids)
	}
	c, err := svc.Concept(oldMS)
	if err != nil {
		t.Fatal(err)
	}
	if c.Active {
		t.Error("predecessor concept should be inactive")
	}
}

func TestExpandHistoricExclusiveWithPreferred(t *testing.T) {
	svc := openFixture(t)
	_, err := svc.Expand(&ExpandRequest{ECL: "<< 24700007", IncludeHistoric: true, Preferred: []int64{gbRefset}})
	var ip *hermeserr.InvalidParameterError
	if !errors.As(err, &ip) {
		t.Errorf("got %v, want InvalidParameterError", err)
	}
}

func TestExpandECLPreferred(t *testing.T) {
	svc := openFixture(t)
	refs, err := svc.ExpandECLPreferred("24700007", []int64{gbRefset})
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].Term != "Multiple sclerosis" {
		t.Errorf("got %+v", refs)
	}
}

func TestMapInto(t *testing.T) {
	svc := openFixture(t)
	mapped, err := svc.MapInto([]int64{ms, appendectomy}, "<< 64572001")
	if err != nil {
		t.Fatal(err)
	}
	if len(mapped) != 2 {
		t.Fatalf("got %d results", len(mapped))
	}
	if len(mapped[0]) != 1 || mapped[0][0] != ms {
		t.Errorf("ms should map to itself, got %v", mapped[0])
	}
	if len(mapped[1]) != 0 {
		t.Errorf("appendectomy is no disease, got %v", mapped[1])
	}
	// a concept not in the target set maps to its ancestors within it
	mapped, err = svc.MapInto([]int64{ms}, "64572001")
	if err != nil {
		t.Fatal(err)
	}
	if len(mapped[0]) != 1 || mapped[0][0] != disease {
		t.Errorf("got %v", mapped[0])
	}
}

func TestSearch(t *testing.T) {
	svc := openFixture(t)
	results, err := svc.Search(&SearchRequest{S: "mnd", Constraint: "< 64572001", MaxHits: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected a hit for 'mnd'")
	}
	if results[0].ConceptID != mnd {
		t.Errorf("got %+v", results[0])
	}
	if results[0].PreferredTerm != "Motor neuron disease" {
		t.Errorf("got preferred term %q", results[0].PreferredTerm)
	}
}

func TestSearchMaxHitsBounds(t *testing.T) {
	svc := openFixture(t)
	var ip *hermeserr.InvalidParameterError
	if _, err := svc.Search(&SearchRequest{S: "x", MaxHits: 0}); !errors.As(err, &ip) {
		t.Errorf("max_hits 0: got %v", err)
	}
	if _, err := svc.Search(&SearchRequest{S: "x", MaxHits: 10000}); !errors.As(err, &ip) {
		t.Errorf("max_hits 10000: got %v", err)
	}
}

func TestSearchBlankIsFilterQuery(t *testing.T) {
	svc := openFixture(t)
	results, err := svc.Search(&SearchRequest{S: "", Constraint: "< 64572001", MaxHits: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 || len(results) > 3 {
		t.Errorf("got %d results", len(results))
	}
}

func TestSearchProperties(t *testing.T) {
	svc := openFixture(t)
	results, err := svc.Search(&SearchRequest{
		S: "", MaxHits: 10,
		Properties: map[int64][]int64{findingSite: {cnsStructure}},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.ConceptID != ms {
			t.Errorf("unexpected hit %+v", r)
		}
	}
	if len(results) == 0 {
		t.Error("expected hits for the finding-site property filter")
	}
}

func TestSearchFallbackFuzzy(t *testing.T) {
	svc := openFixture(t)
	results, err := svc.Search(&SearchRequest{S: "sclerosos", MaxHits: 5, FallbackFuzzy: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 || results[0].ConceptID != ms {
		t.Errorf("expected the fuzzy fallback to find multiple sclerosis, got %+v", results)
	}
}

func TestReverseMap(t *testing.T) {
	svc := openFixture(t)
	items, err := svc.ReverseMap(icd10Map, "G35")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items", len(items))
	}
	for _, item := range items {
		if item.ReferencedComponentID != ms {
			t.Errorf("got %+v", item)
		}
		if item.ComplexMap.MapTarget[:3] != "G35" {
			t.Errorf("got target %q", item.ComplexMap.MapTarget)
		}
	}
}

func TestMemberFieldPrefix(t *testing.T) {
	svc := openFixture(t)
	ids, err := svc.MemberFieldPrefix(icd10Map, "mapTarget", "G3")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != ms {
		t.Errorf("got %v", ids)
	}
}

func TestModuleDependencies(t *testing.T) {
	svc := openFixture(t)
	deps, err := svc.ModuleDependencies()
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 2 {
		t.Fatalf("got %d records", len(deps))
	}
	byTarget := make(map[int64]*snomed.ModuleDependencyValidity)
	for _, d := range deps {
		byTarget[d.Item.ReferencedComponentID] = d
	}
	if dep := byTarget[coreModule]; dep == nil || !dep.Valid {
		t.Errorf("core module dependency should be valid, got %+v", dep)
	}
	if dep := byTarget[123456789]; dep == nil || dep.Valid || dep.Reason == "" {
		t.Errorf("missing module dependency should be invalid with a reason, got %+v", dep)
	}
}

func TestExpandECLStreamCancellation(t *testing.T) {
	svc := openFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	ch := svc.ExpandECLStream(ctx, "<< 138875005")
	first, ok := <-ch
	if !ok || first.Err != nil {
		t.Fatalf("got %+v, ok=%v", first, ok)
	}
	cancel()
	// the channel must close without further blocking
	for range ch {
	}
}

func TestExtendedConcept(t *testing.T) {
	svc := openFixture(t)
	ec, err := svc.ExtendedConcept(ms)
	if err != nil {
		t.Fatal(err)
	}
	if ec.Concept.ID != ms || len(ec.Descriptions) == 0 {
		t.Fatalf("got %+v", ec)
	}
	if !toSet(ec.ParentRelationships[snomed.IsA])[root] {
		t.Error("parent relationships should hold the transitive IS-A closure")
	}
	if toSet(ec.DirectParentRelationships[snomed.IsA])[root] {
		t.Error("direct parents should not include transitive ancestors")
	}
	if !toSet(ec.Refsets)[icd10Map] {
		t.Errorf("got refsets %v", ec.Refsets)
	}
}

func TestRenderExpressionRefreshesTerms(t *testing.T) {
	svc := openFixture(t)
	exp, err := svc.ParseExpression("24700007 |old term| : 363698007 = 21483005")
	if err != nil {
		t.Fatal(err)
	}
	rendered, err := svc.RenderExpression(exp, "en-US")
	if err != nil {
		t.Fatal(err)
	}
	want := "24700007 |Multiple sclerosis| : 363698007 |Finding site| = 21483005 |Structure of central nervous system|"
	if rendered != want {
		t.Errorf("got %q", rendered)
	}
}

func TestOpenVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	svc, err := Open(dir, Options{})
	if err != nil {
		t.Fatal(err)
	}
	svc.Close()
	if err := os.WriteFile(filepath.Join(dir, "version"), []byte("99"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err = Open(dir, Options{})
	var vm *hermeserr.StoreVersionMismatchError
	if !errors.As(err, &vm) {
		t.Errorf("got %v, want StoreVersionMismatchError", err)
	}
}

func TestStatistics(t *testing.T) {
	svc := openFixture(t)
	st, err := svc.Statistics()
	if err != nil {
		t.Fatal(err)
	}
	if st.Concepts != 9 || st.Relationships != 8 {
		t.Errorf("got %+v", st)
	}
	if len(st.Refsets) == 0 {
		t.Error("expected installed refsets to be named")
	}
}
