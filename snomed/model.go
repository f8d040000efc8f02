// Package snomed defines the SNOMED CT domain model (concepts,
// descriptions, relationships, concrete values and reference set items)
// together with a compact binary codec for persisting them (see codec.go).
package snomed

// Description type identifiers (SNOMED concept ids for the description
// type refset).
const (
	FullySpecifiedName int64 = 900000000000003001
	Synonym            int64 = 900000000000013009
	Definition         int64 = 900000000000550004
)

// Relationship type and characteristic identifiers in common use.
const (
	IsA int64 = 116680003

	StatedRelationship     int64 = 900000000000010007
	InferredRelationship   int64 = 900000000000011006
	AdditionalRelationship int64 = 900000000000227009
)

// Description-acceptability identifiers, used as the AcceptabilityID of a
// Language refset item.
const (
	Preferred  int64 = 900000000000548007
	Acceptable int64 = 900000000000549004
)

// Historical association refset identifiers, the most commonly installed subset of the association
// reference set hierarchy.
const (
	RefsetSameAs                int64 = 900000000000527005
	RefsetReplacedBy            int64 = 900000000000526001
	RefsetPossiblyEquivalentTo  int64 = 900000000000523009
	RefsetWasA                  int64 = 900000000000528000
	RefsetPartiallyEquivalentTo int64 = 1186924009
	RefsetMovedTo               int64 = 900000000000525002
	RefsetMovedFrom             int64 = 900000000000524003
	RefsetAlternative           int64 = 900000000000530003
	RefsetRefersTo              int64 = 900000000000531004
)

// DefaultHistoryProfile is the set of historical association refsets
// consulted when a caller does not select a specific profile. It is a
// built-in list; history-profile refsets are not read. Refsets in it that
// are not installed are skipped at evaluation time.
var DefaultHistoryProfile = []int64{
	RefsetSameAs, RefsetReplacedBy, RefsetPossiblyEquivalentTo, RefsetWasA,
	RefsetPartiallyEquivalentTo, RefsetMovedTo, RefsetAlternative, RefsetRefersTo,
}

// Definition status identifiers.
const (
	Primitive    int64 = 900000000000074008
	FullyDefined int64 = 900000000000073002
)

// RefsetModuleDependency is the module dependency reference set, whose
// items record cross-module version requirements validated during
// indexing.
const RefsetModuleDependency int64 = 900000000000534007

// RefsetDescriptorRefset is the "Reference set descriptor" refset, whose
// items declare the per-refset field schema used for reification.
const RefsetDescriptorRefset int64 = 900000000000456007

// RootConcept is the SNOMED CT root concept, the implicit destination of
// the ECL wildcard ("*") realised as descendant-or-self-of Root.
const RootConcept int64 = 138875005

// ReferenceSetConcept is the root of the "Reference set" metadata
// hierarchy; ECL's "^ X" member-of operator realises X as descendants of
// this concept when X is not already a concrete refset id.
const ReferenceSetConcept int64 = 900000000000455006

// AttributeConcept is the root of the "Attribute" metadata hierarchy,
// against which ECL attribute names in a refinement are resolved.
const AttributeConcept int64 = 246061005

// Concept is the canonical clinical entity: an id with a lifecycle and a
// definition status (primitive or fully defined).
type Concept struct {
	ID                 int64
	EffectiveTime      int32 // days since epoch
	Active             bool
	ModuleID           int64
	DefinitionStatusID int64
}

// Description is a human-readable term attached to a concept.
type Description struct {
	ID                 int64
	EffectiveTime      int32
	Active             bool
	ModuleID           int64
	ConceptID          int64
	LanguageCode       string
	TypeID             int64
	Term               string
	CaseSignificanceID int64
}

// IsFSN reports whether this description is the concept's fully specified name.
func (d *Description) IsFSN() bool { return d.TypeID == FullySpecifiedName }

// IsSynonym reports whether this description is a synonym.
func (d *Description) IsSynonym() bool { return d.TypeID == Synonym }

// Relationship links a source concept to a destination concept via a typed
// attribute, optionally grouped with other relationships.
type Relationship struct {
	ID                   int64
	EffectiveTime        int32
	Active               bool
	ModuleID             int64
	SourceID             int64
	DestinationID        int64
	RelationshipGroup    int32
	TypeID               int64
	CharacteristicTypeID int64
	ModifierID           int64
}

// IsPrimitive reports whether the concept is primitive rather than fully
// defined by its relationships.
func (c *Concept) IsPrimitive() bool { return c.DefinitionStatusID == Primitive }

// ConceptReference pairs a concept id with a display term, the compact
// result shape used when a caller wants identifiers bound to preferred
// synonyms rather than full descriptions.
type ConceptReference struct {
	ConceptID int64
	Term      string
}

// IsIsA reports whether this relationship is a subsumption (IS-A) edge.
func (r *Relationship) IsIsA() bool { return r.TypeID == IsA }

// ConcreteValue attaches a literal (numeric or string) value to a concept
// via a typed attribute, in place of a destination concept.
type ConcreteValue struct {
	ID                   int64
	Active               bool
	SourceID             int64
	TypeID               int64
	Value                string // "#123.4" for numeric, quoted for string
	RelationshipGroup    int32
	CharacteristicTypeID int64
	ModifierID           int64
}

// IsNumeric reports whether Value is the numeric concrete-value encoding
// (prefixed with '#').
func (cv *ConcreteValue) IsNumeric() bool {
	return len(cv.Value) > 0 && cv.Value[0] == '#'
}

// ExtendedDescription is a denormalised, search-index-ready view of a
// description: the description itself plus everything needed to build
// per-document index fields without further store lookups.
type ExtendedDescription struct {
	Description        *Description
	Concept            *Concept
	ConceptActive      bool
	PreferredIn        []int64 // language refset ids in which this description is preferred
	AcceptableIn       []int64 // language refset ids in which this description is acceptable
	ConceptRefsets     []int64 // refsets of which the owning concept is a member
	DescriptionRefsets []int64 // refsets of which this description is a member
	RecursiveParentIDs []int64 // transitive IS-A ancestors of the owning concept
	DirectParentIDs    []int64 // direct IS-A parents of the owning concept
	AttributeIDs       map[int64][]int64
}

// ExtendedConcept is the denormalised view returned by the facade's
// extended_concept operation.
type ExtendedConcept struct {
	Concept                   *Concept
	Descriptions              []*Description
	ParentRelationships       map[int64][]int64 // typeId -> destination concept ids (all active, any group)
	DirectParentRelationships map[int64][]int64
	ConcreteValues            []*ConcreteValue
	Refsets                   []int64
}
