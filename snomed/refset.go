package snomed

import "fmt"

// RefsetItemKind discriminates the variant held by a RefsetItem. It is
// the one-byte tag written immediately before a refset item's encoded
// body, letting a reader reify a byte slice to the correct
// concrete variant without consulting the refset-descriptor table.
type RefsetItemKind byte

// Recognised refset item variants.
const (
	KindSimple RefsetItemKind = iota
	KindLanguage
	KindSimpleMap
	KindComplexMap
	KindExtendedMap
	KindAssociation
	KindAttributeValue
	KindOwlExpression
	KindRefsetDescriptor
	KindModuleDependency
	KindMRCMDomain
	KindMRCMAttributeDomain
	KindMRCMAttributeRange
	KindMRCMModuleScope
)

func (k RefsetItemKind) String() string {
	switch k {
	case KindSimple:
		return "Simple"
	case KindLanguage:
		return "Language"
	case KindSimpleMap:
		return "SimpleMap"
	case KindComplexMap:
		return "ComplexMap"
	case KindExtendedMap:
		return "ExtendedMap"
	case KindAssociation:
		return "Association"
	case KindAttributeValue:
		return "AttributeValue"
	case KindOwlExpression:
		return "OwlExpression"
	case KindRefsetDescriptor:
		return "RefsetDescriptor"
	case KindModuleDependency:
		return "ModuleDependency"
	case KindMRCMDomain:
		return "MRCMDomain"
	case KindMRCMAttributeDomain:
		return "MRCMAttributeDomain"
	case KindMRCMAttributeRange:
		return "MRCMAttributeRange"
	case KindMRCMModuleScope:
		return "MRCMModuleScope"
	default:
		return fmt.Sprintf("RefsetItemKind(%d)", byte(k))
	}
}

// Header is the common prefix of every refset item variant.
type Header struct {
	ID                    [16]byte // UUID
	EffectiveTime         int32
	Active                bool
	ModuleID              int64
	RefsetID              int64
	ReferencedComponentID int64
}

// RefsetItem is a tagged union over the refset-item variants defined by
// the SNOMED reference set framework. Exactly one of the pointer fields
// other than Header is non-nil, as determined by Kind.
type RefsetItem struct {
	Header
	Kind RefsetItemKind

	Simple           *SimpleFields
	Language         *LanguageFields
	SimpleMap        *SimpleMapFields
	ComplexMap       *ComplexMapFields
	ExtendedMap      *ExtendedMapFields
	Association      *AssociationFields
	AttributeValue   *AttributeValueFields
	OwlExpression    *OwlExpressionFields
	RefsetDescriptor *RefsetDescriptorFields
	ModuleDependency *ModuleDependencyFields
	MRCMDomain       *MRCMDomainFields
	MRCMAttrDomain   *MRCMAttributeDomainFields
	MRCMAttrRange    *MRCMAttributeRangeFields
	MRCMModuleScope  *MRCMModuleScopeFields
}

// SimpleFields carries no additional fields beyond the header.
type SimpleFields struct{}

// LanguageFields marks a description's acceptability within a language refset.
type LanguageFields struct {
	AcceptabilityID int64
}

// SimpleMapFields maps the referenced component to a single external code.
type SimpleMapFields struct {
	MapTarget string
}

// ComplexMapFields describes a ranked, conditional cross-map.
type ComplexMapFields struct {
	MapGroup      int32
	MapPriority   int32
	MapRule       string
	MapAdvice     string
	MapTarget     string
	CorrelationID int64
}

// ExtendedMapFields is a ComplexMap with an additional map category.
type ExtendedMapFields struct {
	ComplexMapFields
	MapCategoryID int64
}

// AssociationFields records a historical or other association to another component.
type AssociationFields struct {
	TargetComponentID int64
}

// AttributeValueFields attaches a concept-valued attribute to the referenced component.
type AttributeValueFields struct {
	ValueID int64
}

// OwlExpressionFields carries an OWL axiom or expression.
type OwlExpressionFields struct {
	OwlExpression string
}

// RefsetDescriptorFields declares one additional attribute of a refset's schema.
type RefsetDescriptorFields struct {
	AttributeDescriptionID int64
	AttributeTypeID        int64
	AttributeOrder         int32
}

// ModuleDependencyFields records cross-module version dependency.
type ModuleDependencyFields struct {
	SourceEffectiveTime int32
	TargetEffectiveTime int32
}

// MRCMDomainFields is a Machine Readable Concept Model domain constraint.
type MRCMDomainFields struct {
	DomainConstraint                  string
	ParentDomain                      string
	ProximalPrimitiveConstraint       string
	ProximalPrimitiveRefinement       string
	DomainTemplateForPrecoordination  string
	DomainTemplateForPostcoordination string
	GuideURL                          string
}

// MRCMAttributeDomainFields is an MRCM attribute-domain binding.
type MRCMAttributeDomainFields struct {
	DomainID                    int64
	Grouped                     bool
	AttributeCardinality        string
	AttributeInGroupCardinality string
	RuleStrengthID              int64
	ContentTypeID               int64
}

// MRCMAttributeRangeFields is an MRCM attribute-range constraint.
type MRCMAttributeRangeFields struct {
	RangeConstraint string
	AttributeRule   string
	RuleStrengthID  int64
	ContentTypeID   int64
}

// MRCMModuleScopeFields scopes MRCM rules to a module.
type MRCMModuleScopeFields struct {
	MRCMRuleRefsetID int64
}

// ModuleDependencyValidity is one record returned by the facade's
// ModuleDependencies: a ModuleDependency item annotated with whether the
// target module version it cites is present in the store.
type ModuleDependencyValidity struct {
	Item   *RefsetItem
	Valid  bool
	Reason string
}
