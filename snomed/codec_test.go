package snomed

import (
	"reflect"
	"strings"
	"testing"
)

func TestConceptRoundTrip(t *testing.T) {
	c := &Concept{ID: 24700007, EffectiveTime: 18000, Active: true, ModuleID: 900000000000207008, DefinitionStatusID: 900000000000074008}
	got, err := DecodeConcept(EncodeConcept(c))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(c, got) {
		t.Errorf("round trip mismatch: %+v != %+v", c, got)
	}
}

func TestDescriptionRoundTrip(t *testing.T) {
	d := &Description{
		ID: 37340000001, EffectiveTime: 18000, Active: true, ModuleID: 900000000000207008,
		ConceptID: 37340000, LanguageCode: "en", TypeID: FullySpecifiedName,
		Term: "Motor neuron disease (disorder)", CaseSignificanceID: 900000000000448009,
	}
	got, err := DecodeDescription(EncodeDescription(d))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(d, got) {
		t.Errorf("round trip mismatch: %+v != %+v", d, got)
	}
}

func TestDescriptionRoundTripLongTerm(t *testing.T) {
	d := &Description{
		ID: 1, EffectiveTime: 100, Active: true, ModuleID: 1, ConceptID: 1,
		LanguageCode: "en", TypeID: Definition, Term: strings.Repeat("x", 70000), CaseSignificanceID: 1,
	}
	got, err := DecodeDescription(EncodeDescription(d))
	if err != nil {
		t.Fatal(err)
	}
	if got.Term != d.Term {
		t.Errorf("long term round trip failed: got length %d, want %d", len(got.Term), len(d.Term))
	}
}

func TestRelationshipRoundTrip(t *testing.T) {
	r := &Relationship{
		ID: 1, EffectiveTime: 18000, Active: true, ModuleID: 900000000000207008,
		SourceID: 24700007, DestinationID: 414029004, RelationshipGroup: 1,
		TypeID: 116676008, CharacteristicTypeID: InferredRelationship, ModifierID: 900000000000451002,
	}
	got, err := DecodeRelationship(EncodeRelationship(r))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(r, got) {
		t.Errorf("round trip mismatch: %+v != %+v", r, got)
	}
}

func TestConcreteValueRoundTrip(t *testing.T) {
	cv := &ConcreteValue{ID: 1, Active: true, SourceID: 1, TypeID: 1, Value: "#123.4", RelationshipGroup: 0, CharacteristicTypeID: 1, ModifierID: 1}
	got, err := DecodeConcreteValue(EncodeConcreteValue(cv))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(cv, got) {
		t.Errorf("round trip mismatch: %+v != %+v", cv, got)
	}
	if !got.IsNumeric() {
		t.Error("expected numeric concrete value")
	}
}

func TestRefsetItemRoundTripVariants(t *testing.T) {
	header := Header{EffectiveTime: 18000, Active: true, ModuleID: 1, RefsetID: 900000000000509007, ReferencedComponentID: 24700007}
	tests := []*RefsetItem{
		{Header: header, Kind: KindSimple, Simple: &SimpleFields{}},
		{Header: header, Kind: KindLanguage, Language: &LanguageFields{AcceptabilityID: 900000000000548007}},
		{Header: header, Kind: KindSimpleMap, SimpleMap: &SimpleMapFields{MapTarget: "G35"}},
		{Header: header, Kind: KindComplexMap, ComplexMap: &ComplexMapFields{MapGroup: 1, MapPriority: 1, MapRule: "TRUE", MapAdvice: "ALWAYS", MapTarget: "G35", CorrelationID: 1}},
		{Header: header, Kind: KindExtendedMap, ExtendedMap: &ExtendedMapFields{ComplexMapFields: ComplexMapFields{MapTarget: "G35"}, MapCategoryID: 1}},
		{Header: header, Kind: KindAssociation, Association: &AssociationFields{TargetComponentID: 123}},
		{Header: header, Kind: KindAttributeValue, AttributeValue: &AttributeValueFields{ValueID: 123}},
		{Header: header, Kind: KindOwlExpression, OwlExpression: &OwlExpressionFields{OwlExpression: "SubClassOf(:1 :2)"}},
		{Header: header, Kind: KindRefsetDescriptor, RefsetDescriptor: &RefsetDescriptorFields{AttributeDescriptionID: 1, AttributeTypeID: 2, AttributeOrder: 0}},
		{Header: header, Kind: KindModuleDependency, ModuleDependency: &ModuleDependencyFields{SourceEffectiveTime: 18000, TargetEffectiveTime: 18001}},
	}
	for _, item := range tests {
		b := EncodeRefsetItem(item)
		got, err := DecodeRefsetItem(b)
		if err != nil {
			t.Fatalf("%v: %v", item.Kind, err)
		}
		if got.Kind != item.Kind {
			t.Errorf("kind mismatch: got %v, want %v", got.Kind, item.Kind)
		}
		if !reflect.DeepEqual(item, got) {
			t.Errorf("%v round trip mismatch:\n got  %+v\n want %+v", item.Kind, got, item)
		}
	}
}
