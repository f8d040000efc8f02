package search

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/wardle/hermes/snomed"
)

// memberDocument is the per-refset-item document indexed by the member
// index. Unlike the description index, fields are not folded into
// a single keyword facet: each refset-item attribute the ECL member
// filter grammar can reference ({{M field op value}}) is given its
// own field so that both exact and range/prefix queries can be expressed
// directly, following the column layout the refset descriptors declare
// per refset kind.
type memberDocument struct {
	ItemID                string `json:"itemId"`
	RefsetID              int64  `json:"refsetId"`
	ReferencedComponentID int64  `json:"referencedComponentId"`
	ModuleID              int64  `json:"moduleId"`
	Active                bool   `json:"active"`

	MapTarget     string `json:"mapTarget"`
	MapGroup      int64  `json:"mapGroup"`
	MapPriority   int64  `json:"mapPriority"`
	MapRule       string `json:"mapRule"`
	MapAdvice     string `json:"mapAdvice"`
	CorrelationID int64  `json:"correlationId"`
	MapCategoryID int64  `json:"mapCategoryId"`

	AcceptabilityID int64 `json:"acceptabilityId"`

	TargetComponentID int64 `json:"targetComponentId"`

	ValueID int64 `json:"valueId"`

	AttributeDescriptionID int64 `json:"attributeDescriptionId"`
	AttributeTypeID        int64 `json:"attributeTypeId"`
	AttributeOrder         int64 `json:"attributeOrder"`

	DomainID       int64 `json:"domainId"`
	Grouped        bool  `json:"grouped"`
	RuleStrengthID int64 `json:"ruleStrengthId"`
	ContentTypeID  int64 `json:"contentTypeId"`
}

func newMemberDocument(item *snomed.RefsetItem) memberDocument {
	doc := memberDocument{
		ItemID:                hex.EncodeToString(item.ID[:]),
		RefsetID:              item.RefsetID,
		ReferencedComponentID: item.ReferencedComponentID,
		ModuleID:              item.ModuleID,
		Active:                item.Active,
	}
	switch item.Kind {
	case snomed.KindLanguage:
		doc.AcceptabilityID = item.Language.AcceptabilityID
	case snomed.KindSimpleMap:
		doc.MapTarget = item.SimpleMap.MapTarget
	case snomed.KindComplexMap:
		doc.MapGroup = int64(item.ComplexMap.MapGroup)
		doc.MapPriority = int64(item.ComplexMap.MapPriority)
		doc.MapRule = item.ComplexMap.MapRule
		doc.MapAdvice = item.ComplexMap.MapAdvice
		doc.MapTarget = item.ComplexMap.MapTarget
		doc.CorrelationID = item.ComplexMap.CorrelationID
	case snomed.KindExtendedMap:
		doc.MapGroup = int64(item.ExtendedMap.MapGroup)
		doc.MapPriority = int64(item.ExtendedMap.MapPriority)
		doc.MapRule = item.ExtendedMap.MapRule
		doc.MapAdvice = item.ExtendedMap.MapAdvice
		doc.MapTarget = item.ExtendedMap.MapTarget
		doc.CorrelationID = item.ExtendedMap.CorrelationID
		doc.MapCategoryID = item.ExtendedMap.MapCategoryID
	case snomed.KindAssociation:
		doc.TargetComponentID = item.Association.TargetComponentID
	case snomed.KindAttributeValue:
		doc.ValueID = item.AttributeValue.ValueID
	case snomed.KindRefsetDescriptor:
		doc.AttributeDescriptionID = item.RefsetDescriptor.AttributeDescriptionID
		doc.AttributeTypeID = item.RefsetDescriptor.AttributeTypeID
		doc.AttributeOrder = int64(item.RefsetDescriptor.AttributeOrder)
	case snomed.KindMRCMAttributeDomain:
		doc.DomainID = item.MRCMAttrDomain.DomainID
		doc.Grouped = item.MRCMAttrDomain.Grouped
		doc.RuleStrengthID = item.MRCMAttrDomain.RuleStrengthID
		doc.ContentTypeID = item.MRCMAttrDomain.ContentTypeID
	case snomed.KindMRCMAttributeRange:
		doc.RuleStrengthID = item.MRCMAttrRange.RuleStrengthID
		doc.ContentTypeID = item.MRCMAttrRange.ContentTypeID
	}
	return doc
}

// MemberIndex wraps a bleve index over refset items.
type MemberIndex struct {
	bi bleve.Index
}

func newMemberMapping() mapping.IndexMapping {
	m := bleve.NewIndexMapping()

	kw := bleve.NewTextFieldMapping()
	kw.Analyzer = keyword.Name

	num := bleve.NewNumericFieldMapping()
	boolM := bleve.NewBooleanFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("itemId", kw)
	for _, f := range []string{"refsetId", "referencedComponentId", "moduleId",
		"mapGroup", "mapPriority", "correlationId", "mapCategoryId",
		"acceptabilityId", "targetComponentId", "valueId",
		"attributeDescriptionId", "attributeTypeId", "attributeOrder",
		"domainId", "ruleStrengthId", "contentTypeId"} {
		doc.AddFieldMappingsAt(f, num)
	}
	for _, f := range []string{"mapTarget", "mapRule", "mapAdvice"} {
		doc.AddFieldMappingsAt(f, kw)
	}
	for _, f := range []string{"active", "grouped"} {
		doc.AddFieldMappingsAt(f, boolM)
	}
	m.DefaultMapping = doc
	return m
}

// NewMemberIndex opens (or creates) the member index at path. An empty
// path opens an in-memory index.
func NewMemberIndex(path string) (*MemberIndex, error) {
	if path == "" {
		bi, err := bleve.NewMemOnly(newMemberMapping())
		if err != nil {
			return nil, err
		}
		return &MemberIndex{bi: bi}, nil
	}
	bi, err := bleve.Open(path)
	if err == nil {
		return &MemberIndex{bi: bi}, nil
	}
	bi, err = bleve.New(path, newMemberMapping())
	if err != nil {
		return nil, err
	}
	return &MemberIndex{bi: bi}, nil
}

// Close releases the index's resources.
func (mi *MemberIndex) Close() error { return mi.bi.Close() }

// IndexMembers adds or replaces documents for the given refset items in a
// single batch.
func (mi *MemberIndex) IndexMembers(items []*snomed.RefsetItem) error {
	batch := mi.bi.NewBatch()
	for _, item := range items {
		doc := newMemberDocument(item)
		if err := batch.Index(doc.ItemID, doc); err != nil {
			return err
		}
	}
	return mi.bi.Batch(batch)
}

// Operator is a member-filter comparison operator (ECL {{M field op
// value}}).
type Operator int

// Recognised member-filter operators.
const (
	OpEqual Operator = iota
	OpNotEqual
	OpLess
	OpLessOrEqual
	OpGreater
	OpGreaterOrEqual
)

// numericFields lists the fields that hold an integer value and so
// support ordering operators; all other known fields are string-valued
// and support only equality and prefix matching.
var numericFields = map[string]bool{
	"refsetId": true, "referencedComponentId": true, "moduleId": true,
	"mapGroup": true, "mapPriority": true, "correlationId": true,
	"mapCategoryId": true, "acceptabilityId": true, "targetComponentId": true,
	"valueId": true, "attributeDescriptionId": true, "attributeTypeId": true,
	"attributeOrder": true, "domainId": true, "ruleStrengthId": true,
	"contentTypeId": true,
}

// FieldFilter is one {{M field op value}} predicate.
type FieldFilter struct {
	Field string
	Op    Operator
	Value string // numeric fields parse Value with strconv.ParseInt
}

func (f FieldFilter) toQuery() (query.Query, error) {
	if numericFields[f.Field] {
		n, err := strconv.ParseInt(f.Value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("search: field %q requires a numeric value, got %q", f.Field, f.Value)
		}
		v := float64(n)
		switch f.Op {
		case OpEqual:
			return numericRange(f.Field, &v, &v, true), nil
		case OpLess:
			return numericRange(f.Field, nil, &v, false), nil
		case OpLessOrEqual:
			return numericRange(f.Field, nil, &v, true), nil
		case OpGreater:
			return numericRange(f.Field, &v, nil, false), nil
		case OpGreaterOrEqual:
			return numericRange(f.Field, &v, nil, true), nil
		case OpNotEqual:
			bq := bleve.NewBooleanQuery()
			bq.AddMustNot(numericRange(f.Field, &v, &v, true))
			return bq, nil
		}
		return nil, fmt.Errorf("search: unsupported operator on field %q", f.Field)
	}
	switch f.Op {
	case OpEqual:
		q := bleve.NewTermQuery(f.Value)
		q.SetField(f.Field)
		return q, nil
	case OpNotEqual:
		q := bleve.NewTermQuery(f.Value)
		q.SetField(f.Field)
		bq := bleve.NewBooleanQuery()
		bq.AddMustNot(q)
		return bq, nil
	default:
		return nil, fmt.Errorf("search: field %q is not ordered, only = and != apply", f.Field)
	}
}

// Prefix returns a filter-equivalent query matching field as a prefix,
// used to realise ECL's mapTarget wildcard member filters.
func Prefix(field, value string) (query.Query, error) {
	if numericFields[field] {
		return nil, fmt.Errorf("search: field %q is numeric, prefix match not applicable", field)
	}
	q := bleve.NewPrefixQuery(value)
	q.SetField(field)
	return q, nil
}

func numericRange(field string, min, max *float64, inclusive bool) query.Query {
	var minInc, maxInc *bool
	if min != nil {
		b := inclusive
		minInc = &b
	}
	if max != nil {
		b := inclusive
		maxInc = &b
	}
	q := bleve.NewNumericRangeInclusiveQuery(min, max, minInc, maxInc)
	q.SetField(field)
	return q
}

// QueryMembersPrefix returns the referenced component ids of active
// items in refsetID whose string field begins with prefix.
func (mi *MemberIndex) QueryMembersPrefix(refsetID int64, field, prefix string) ([]int64, error) {
	pq, err := Prefix(field, prefix)
	if err != nil {
		return nil, err
	}
	bq := bleve.NewBooleanQuery()
	refsetVal := float64(refsetID)
	bq.AddMust(numericRange("refsetId", &refsetVal, &refsetVal, true))
	aq := bleve.NewBoolFieldQuery(true)
	aq.SetField("active")
	bq.AddMust(aq)
	bq.AddMust(pq)
	return mi.referencedComponents(bq)
}

func (mi *MemberIndex) referencedComponents(q query.Query) ([]int64, error) {
	req := bleve.NewSearchRequestOptions(q, 10000, 0, false)
	req.Fields = []string{"referencedComponentId"}
	seen := make(map[int64]bool)
	var out []int64
	for {
		res, err := mi.bi.Search(req)
		if err != nil {
			return nil, err
		}
		for _, hit := range res.Hits {
			id, ok := numericHitField(hit.Fields["referencedComponentId"])
			if !ok {
				continue
			}
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
		if len(res.Hits) < req.Size || req.Size == 0 {
			break
		}
		req.From += req.Size
	}
	return out, nil
}

// numericHitField decodes a stored numeric field from a search hit.
// bleve returns stored numerics as float64.
func numericHitField(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}

// QueryMembers evaluates an ECL {{M field op value ...}} filter against
// refsetID and returns the matching referenced component ids. Filters are ANDed together.
func (mi *MemberIndex) QueryMembers(refsetID int64, filters []FieldFilter) ([]int64, error) {
	bq := bleve.NewBooleanQuery()
	refsetVal := float64(refsetID)
	bq.AddMust(numericRange("refsetId", &refsetVal, &refsetVal, true))
	aq := bleve.NewBoolFieldQuery(true)
	aq.SetField("active")
	bq.AddMust(aq)
	for _, f := range filters {
		q, err := f.toQuery()
		if err != nil {
			return nil, err
		}
		bq.AddMust(q)
	}
	return mi.referencedComponents(bq)
}
