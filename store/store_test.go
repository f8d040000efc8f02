package store

import (
	"testing"

	"github.com/wardle/hermes/snomed"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetConcept(t *testing.T) {
	s := openTestStore(t)
	c := &snomed.Concept{ID: 24700007, EffectiveTime: 18000, Active: true, ModuleID: 1, DefinitionStatusID: 1}
	if err := s.PutConcepts(c); err != nil {
		t.Fatal(err)
	}
	got, err := s.Concept(24700007)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != c.ID {
		t.Errorf("got id %d, want %d", got.ID, c.ID)
	}
}

func TestConceptNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Concept(1); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestLatestEffectiveTimeWins(t *testing.T) {
	s := openTestStore(t)
	old := &snomed.Concept{ID: 1, EffectiveTime: 100, Active: true, ModuleID: 1, DefinitionStatusID: 1}
	newer := &snomed.Concept{ID: 1, EffectiveTime: 200, Active: false, ModuleID: 1, DefinitionStatusID: 1}
	if err := s.PutConcepts(old); err != nil {
		t.Fatal(err)
	}
	if err := s.PutConcepts(newer); err != nil {
		t.Fatal(err)
	}
	got, err := s.Concept(1)
	if err != nil {
		t.Fatal(err)
	}
	if got.EffectiveTime != 200 || got.Active {
		t.Errorf("expected later row to win, got %+v", got)
	}
	// writing the older row again must not resurrect it
	if err := s.PutConcepts(old); err != nil {
		t.Fatal(err)
	}
	got, err = s.Concept(1)
	if err != nil {
		t.Fatal(err)
	}
	if got.EffectiveTime != 200 {
		t.Errorf("older write should not win over newer: %+v", got)
	}
}

func TestDescriptionsByConcept(t *testing.T) {
	s := openTestStore(t)
	d1 := &snomed.Description{ID: 1, EffectiveTime: 1, Active: true, ConceptID: 100, TypeID: snomed.FullySpecifiedName, Term: "Foo (disorder)", LanguageCode: "en"}
	d2 := &snomed.Description{ID: 2, EffectiveTime: 1, Active: true, ConceptID: 100, TypeID: snomed.Synonym, Term: "Foo", LanguageCode: "en"}
	if err := s.PutDescriptions(d1, d2); err != nil {
		t.Fatal(err)
	}
	got, err := s.Descriptions(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d descriptions, want 2", len(got))
	}
}

func TestIndexSubsumption(t *testing.T) {
	s := openTestStore(t)
	// 3 -> 2 -> 1 (IS-A chain)
	rels := []*snomed.Relationship{
		{ID: 1, EffectiveTime: 1, Active: true, SourceID: 2, DestinationID: 1, TypeID: snomed.IsA},
		{ID: 2, EffectiveTime: 1, Active: true, SourceID: 3, DestinationID: 2, TypeID: snomed.IsA},
	}
	if err := s.PutRelationships(rels...); err != nil {
		t.Fatal(err)
	}
	if err := s.Index(nil); err != nil {
		t.Fatal(err)
	}
	parents, err := s.ParentRelationships(3)
	if err != nil {
		t.Fatal(err)
	}
	direct := parents[snomed.IsA]
	if len(direct) != 1 || direct[0] != 2 {
		t.Fatalf("expected direct IS-A parent [2] for concept 3, got %v", direct)
	}
	ancestors, err := s.AllParentIDs(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(ancestors) != 2 {
		t.Fatalf("expected 2 ancestors of concept 3, got %v", ancestors)
	}
	children, err := s.ChildRelationships(1)
	if err != nil {
		t.Fatal(err)
	}
	directChildren := children[snomed.IsA]
	if len(directChildren) != 1 || directChildren[0] != 2 {
		t.Fatalf("expected direct IS-A child [2] for concept 1, got %v", directChildren)
	}
	descendants, err := s.AllChildIDs(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(descendants) != 2 {
		t.Fatalf("expected 2 descendants of concept 1, got %v", descendants)
	}
	subsumed, err := s.SubsumedBy(3, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !subsumed {
		t.Error("expected 3 to be subsumed by 1")
	}
	reflexive, err := s.SubsumedBy(3, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !reflexive {
		t.Error("expected subsumption to be reflexive")
	}
}

func TestInstalledReferenceSetsAfterIndex(t *testing.T) {
	s := openTestStore(t)
	var id [16]byte
	copy(id[:], "0123456789abcdef")
	item := &snomed.RefsetItem{
		Header:    snomed.Header{ID: id, EffectiveTime: 1, Active: true, RefsetID: 447562003, ReferencedComponentID: 24700007},
		Kind:      snomed.KindSimpleMap,
		SimpleMap: &snomed.SimpleMapFields{MapTarget: "G35"},
	}
	if err := s.PutRefsetItems(item); err != nil {
		t.Fatal(err)
	}
	if err := s.Index(nil); err != nil {
		t.Fatal(err)
	}
	installed, err := s.InstalledReferenceSets()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := installed[447562003]; !ok {
		t.Error("expected refset 447562003 to be installed")
	}
	matches, err := s.ReverseMap(447562003, "G35")
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 reverse-map match, got %d", len(matches))
	}
}
