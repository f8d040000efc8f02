package search

import (
	"testing"

	"github.com/wardle/hermes/snomed"
)

func fixtureMembers(t *testing.T) *MemberIndex {
	t.Helper()
	mi, err := NewMemberIndex("")
	if err != nil {
		t.Fatalf("NewMemberIndex: %v", err)
	}
	t.Cleanup(func() { mi.Close() })
	items := []*snomed.RefsetItem{
		mapItem(1, 447562003, 24700007, "G35"),
		mapItem(2, 447562003, 24700007, "G35.9"),
		mapItem(3, 447562003, 73211009, "E11"),
		assocItem(4, 900000000000527005, 111115, 24700007),
	}
	if err := mi.IndexMembers(items); err != nil {
		t.Fatalf("IndexMembers: %v", err)
	}
	return mi
}

func mapItem(seq byte, refsetID, componentID int64, target string) *snomed.RefsetItem {
	item := &snomed.RefsetItem{
		Kind:      snomed.KindSimpleMap,
		SimpleMap: &snomed.SimpleMapFields{MapTarget: target},
	}
	item.ID[0] = seq
	item.Active = true
	item.RefsetID = refsetID
	item.ReferencedComponentID = componentID
	return item
}

func assocItem(seq byte, refsetID, componentID, targetID int64) *snomed.RefsetItem {
	item := &snomed.RefsetItem{
		Kind:        snomed.KindAssociation,
		Association: &snomed.AssociationFields{TargetComponentID: targetID},
	}
	item.ID[0] = seq
	item.Active = true
	item.RefsetID = refsetID
	item.ReferencedComponentID = componentID
	return item
}

func TestQueryMembersEquality(t *testing.T) {
	mi := fixtureMembers(t)
	ids, err := mi.QueryMembers(447562003, []FieldFilter{{Field: "mapTarget", Op: OpEqual, Value: "G35"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != 24700007 {
		t.Errorf("got %v", ids)
	}
}

func TestQueryMembersNumericField(t *testing.T) {
	mi := fixtureMembers(t)
	ids, err := mi.QueryMembers(900000000000527005, []FieldFilter{{Field: "targetComponentId", Op: OpEqual, Value: "24700007"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != 111115 {
		t.Errorf("got %v", ids)
	}
}

func TestQueryMembersPrefix(t *testing.T) {
	mi := fixtureMembers(t)
	ids, err := mi.QueryMembersPrefix(447562003, "mapTarget", "G35")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != 24700007 {
		t.Errorf("got %v", ids)
	}
	ids, err = mi.QueryMembersPrefix(447562003, "mapTarget", "Z")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("got %v", ids)
	}
}

func TestQueryMembersRefsetScoped(t *testing.T) {
	mi := fixtureMembers(t)
	ids, err := mi.QueryMembers(447562003, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Errorf("expected both mapped concepts, got %v", ids)
	}
}

func TestQueryMembersRejectsOrderedStringField(t *testing.T) {
	mi := fixtureMembers(t)
	if _, err := mi.QueryMembers(447562003, []FieldFilter{{Field: "mapTarget", Op: OpLess, Value: "G"}}); err == nil {
		t.Error("expected ordering on a string field to be rejected")
	}
}
