package snomed

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Binary serialization. Every component variant has a tagged
// encoder/decoder. Identifiers and module ids are signed 64-bit
// big-endian; small positive integers (relationship group, effective
// time as days-since-epoch) use a variable-length encoding; terms are
// UTF-8 with a 16-bit length prefix, falling back to a 32-bit prefix for
// the rare term of 2^16-1 bytes or more; refset items carry a one-byte
// variant tag ahead of their body so a reader can reify the correct
// concrete type without consulting the refset-descriptor table.

const longTermMarker = 0xFFFF

// putVarint writes v using the same encoding as encoding/binary's varint,
// appropriate for small non-negative counters (relationship groups,
// attribute orders, days-since-epoch deltas).
func putVarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readVarint(r *bytes.Reader) (int64, error) {
	v, err := binary.ReadVarint(r)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func putInt64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}

func readInt64(r *bytes.Reader) (int64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(tmp[:])), nil
}

func putBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// putString writes s as UTF-8 with a 16-bit length prefix, or, for the
// rare string whose length is 2^16-1 or more, a sentinel 0xFFFF followed
// by a 32-bit length.
func putString(buf *bytes.Buffer, s string) {
	if len(s) < longTermMarker {
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(len(s)))
		buf.Write(tmp[:])
	} else {
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], longTermMarker)
		buf.Write(tmp[:])
		var tmp4 [4]byte
		binary.BigEndian.PutUint32(tmp4[:], uint32(len(s)))
		buf.Write(tmp4[:])
	}
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var tmp [2]byte
	if _, err := io.ReadFull(r, tmp[:]); err != nil {
		return "", err
	}
	n16 := binary.BigEndian.Uint16(tmp[:])
	var n uint32
	if n16 == longTermMarker {
		var tmp4 [4]byte
		if _, err := io.ReadFull(r, tmp4[:]); err != nil {
			return "", err
		}
		n = binary.BigEndian.Uint32(tmp4[:])
	} else {
		n = uint32(n16)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeConcept serializes a Concept to its compact binary form.
func EncodeConcept(c *Concept) []byte {
	var buf bytes.Buffer
	putInt64(&buf, c.ID)
	putVarint(&buf, int64(c.EffectiveTime))
	putBool(&buf, c.Active)
	putInt64(&buf, c.ModuleID)
	putInt64(&buf, c.DefinitionStatusID)
	return buf.Bytes()
}

// DecodeConcept deserializes a Concept from bytes written by EncodeConcept.
func DecodeConcept(b []byte) (*Concept, error) {
	r := bytes.NewReader(b)
	c := &Concept{}
	var err error
	if c.ID, err = readInt64(r); err != nil {
		return nil, err
	}
	var et int64
	if et, err = readVarint(r); err != nil {
		return nil, err
	}
	c.EffectiveTime = int32(et)
	if c.Active, err = readBool(r); err != nil {
		return nil, err
	}
	if c.ModuleID, err = readInt64(r); err != nil {
		return nil, err
	}
	if c.DefinitionStatusID, err = readInt64(r); err != nil {
		return nil, err
	}
	return c, nil
}

// EncodeDescription serializes a Description to its compact binary form.
func EncodeDescription(d *Description) []byte {
	var buf bytes.Buffer
	putInt64(&buf, d.ID)
	putVarint(&buf, int64(d.EffectiveTime))
	putBool(&buf, d.Active)
	putInt64(&buf, d.ModuleID)
	putInt64(&buf, d.ConceptID)
	putString(&buf, d.LanguageCode)
	putInt64(&buf, d.TypeID)
	putString(&buf, d.Term)
	putInt64(&buf, d.CaseSignificanceID)
	return buf.Bytes()
}

// DecodeDescription deserializes a Description from bytes written by EncodeDescription.
func DecodeDescription(b []byte) (*Description, error) {
	r := bytes.NewReader(b)
	d := &Description{}
	var err error
	if d.ID, err = readInt64(r); err != nil {
		return nil, err
	}
	var et int64
	if et, err = readVarint(r); err != nil {
		return nil, err
	}
	d.EffectiveTime = int32(et)
	if d.Active, err = readBool(r); err != nil {
		return nil, err
	}
	if d.ModuleID, err = readInt64(r); err != nil {
		return nil, err
	}
	if d.ConceptID, err = readInt64(r); err != nil {
		return nil, err
	}
	if d.LanguageCode, err = readString(r); err != nil {
		return nil, err
	}
	if d.TypeID, err = readInt64(r); err != nil {
		return nil, err
	}
	if d.Term, err = readString(r); err != nil {
		return nil, err
	}
	if d.CaseSignificanceID, err = readInt64(r); err != nil {
		return nil, err
	}
	return d, nil
}

// EncodeRelationship serializes a Relationship to its compact binary form.
func EncodeRelationship(rel *Relationship) []byte {
	var buf bytes.Buffer
	putInt64(&buf, rel.ID)
	putVarint(&buf, int64(rel.EffectiveTime))
	putBool(&buf, rel.Active)
	putInt64(&buf, rel.ModuleID)
	putInt64(&buf, rel.SourceID)
	putInt64(&buf, rel.DestinationID)
	putVarint(&buf, int64(rel.RelationshipGroup))
	putInt64(&buf, rel.TypeID)
	putInt64(&buf, rel.CharacteristicTypeID)
	putInt64(&buf, rel.ModifierID)
	return buf.Bytes()
}

// DecodeRelationship deserializes a Relationship from bytes written by EncodeRelationship.
func DecodeRelationship(b []byte) (*Relationship, error) {
	r := bytes.NewReader(b)
	rel := &Relationship{}
	var err error
	if rel.ID, err = readInt64(r); err != nil {
		return nil, err
	}
	var et int64
	if et, err = readVarint(r); err != nil {
		return nil, err
	}
	rel.EffectiveTime = int32(et)
	if rel.Active, err = readBool(r); err != nil {
		return nil, err
	}
	if rel.ModuleID, err = readInt64(r); err != nil {
		return nil, err
	}
	if rel.SourceID, err = readInt64(r); err != nil {
		return nil, err
	}
	if rel.DestinationID, err = readInt64(r); err != nil {
		return nil, err
	}
	var grp int64
	if grp, err = readVarint(r); err != nil {
		return nil, err
	}
	rel.RelationshipGroup = int32(grp)
	if rel.TypeID, err = readInt64(r); err != nil {
		return nil, err
	}
	if rel.CharacteristicTypeID, err = readInt64(r); err != nil {
		return nil, err
	}
	if rel.ModifierID, err = readInt64(r); err != nil {
		return nil, err
	}
	return rel, nil
}

// EncodeConcreteValue serializes a ConcreteValue to its compact binary form.
func EncodeConcreteValue(cv *ConcreteValue) []byte {
	var buf bytes.Buffer
	putInt64(&buf, cv.ID)
	putBool(&buf, cv.Active)
	putInt64(&buf, cv.SourceID)
	putInt64(&buf, cv.TypeID)
	putString(&buf, cv.Value)
	putVarint(&buf, int64(cv.RelationshipGroup))
	putInt64(&buf, cv.CharacteristicTypeID)
	putInt64(&buf, cv.ModifierID)
	return buf.Bytes()
}

// DecodeConcreteValue deserializes a ConcreteValue from bytes written by EncodeConcreteValue.
func DecodeConcreteValue(b []byte) (*ConcreteValue, error) {
	r := bytes.NewReader(b)
	cv := &ConcreteValue{}
	var err error
	if cv.ID, err = readInt64(r); err != nil {
		return nil, err
	}
	if cv.Active, err = readBool(r); err != nil {
		return nil, err
	}
	if cv.SourceID, err = readInt64(r); err != nil {
		return nil, err
	}
	if cv.TypeID, err = readInt64(r); err != nil {
		return nil, err
	}
	if cv.Value, err = readString(r); err != nil {
		return nil, err
	}
	var grp int64
	if grp, err = readVarint(r); err != nil {
		return nil, err
	}
	cv.RelationshipGroup = int32(grp)
	if cv.CharacteristicTypeID, err = readInt64(r); err != nil {
		return nil, err
	}
	if cv.ModifierID, err = readInt64(r); err != nil {
		return nil, err
	}
	return cv, nil
}

func putHeader(buf *bytes.Buffer, h *Header) {
	buf.Write(h.ID[:])
	putVarint(buf, int64(h.EffectiveTime))
	putBool(buf, h.Active)
	putInt64(buf, h.ModuleID)
	putInt64(buf, h.RefsetID)
	putInt64(buf, h.ReferencedComponentID)
}

func readHeader(r *bytes.Reader) (Header, error) {
	var h Header
	if _, err := io.ReadFull(r, h.ID[:]); err != nil {
		return h, err
	}
	et, err := readVarint(r)
	if err != nil {
		return h, err
	}
	h.EffectiveTime = int32(et)
	if h.Active, err = readBool(r); err != nil {
		return h, err
	}
	if h.ModuleID, err = readInt64(r); err != nil {
		return h, err
	}
	if h.RefsetID, err = readInt64(r); err != nil {
		return h, err
	}
	if h.ReferencedComponentID, err = readInt64(r); err != nil {
		return h, err
	}
	return h, nil
}

// EncodeRefsetItem serializes a RefsetItem, prefixing the header with a
// one-byte variant tag so DecodeRefsetItem can reify the correct concrete
// variant without a refset-descriptor lookup.
func EncodeRefsetItem(item *RefsetItem) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(item.Kind))
	putHeader(&buf, &item.Header)
	switch item.Kind {
	case KindSimple:
		// no additional fields
	case KindLanguage:
		putInt64(&buf, item.Language.AcceptabilityID)
	case KindSimpleMap:
		putString(&buf, item.SimpleMap.MapTarget)
	case KindComplexMap:
		putComplexMap(&buf, item.ComplexMap)
	case KindExtendedMap:
		putComplexMap(&buf, &item.ExtendedMap.ComplexMapFields)
		putInt64(&buf, item.ExtendedMap.MapCategoryID)
	case KindAssociation:
		putInt64(&buf, item.Association.TargetComponentID)
	case KindAttributeValue:
		putInt64(&buf, item.AttributeValue.ValueID)
	case KindOwlExpression:
		putString(&buf, item.OwlExpression.OwlExpression)
	case KindRefsetDescriptor:
		putInt64(&buf, item.RefsetDescriptor.AttributeDescriptionID)
		putInt64(&buf, item.RefsetDescriptor.AttributeTypeID)
		putVarint(&buf, int64(item.RefsetDescriptor.AttributeOrder))
	case KindModuleDependency:
		putVarint(&buf, int64(item.ModuleDependency.SourceEffectiveTime))
		putVarint(&buf, int64(item.ModuleDependency.TargetEffectiveTime))
	case KindMRCMDomain:
		f := item.MRCMDomain
		putString(&buf, f.DomainConstraint)
		putString(&buf, f.ParentDomain)
		putString(&buf, f.ProximalPrimitiveConstraint)
		putString(&buf, f.ProximalPrimitiveRefinement)
		putString(&buf, f.DomainTemplateForPrecoordination)
		putString(&buf, f.DomainTemplateForPostcoordination)
		putString(&buf, f.GuideURL)
	case KindMRCMAttributeDomain:
		f := item.MRCMAttrDomain
		putInt64(&buf, f.DomainID)
		putBool(&buf, f.Grouped)
		putString(&buf, f.AttributeCardinality)
		putString(&buf, f.AttributeInGroupCardinality)
		putInt64(&buf, f.RuleStrengthID)
		putInt64(&buf, f.ContentTypeID)
	case KindMRCMAttributeRange:
		f := item.MRCMAttrRange
		putString(&buf, f.RangeConstraint)
		putString(&buf, f.AttributeRule)
		putInt64(&buf, f.RuleStrengthID)
		putInt64(&buf, f.ContentTypeID)
	case KindMRCMModuleScope:
		putInt64(&buf, item.MRCMModuleScope.MRCMRuleRefsetID)
	default:
		panic(fmt.Sprintf("snomed: unhandled refset item kind %v", item.Kind))
	}
	return buf.Bytes()
}

func putComplexMap(buf *bytes.Buffer, f *ComplexMapFields) {
	putVarint(buf, int64(f.MapGroup))
	putVarint(buf, int64(f.MapPriority))
	putString(buf, f.MapRule)
	putString(buf, f.MapAdvice)
	putString(buf, f.MapTarget)
	putInt64(buf, f.CorrelationID)
}

func readComplexMap(r *bytes.Reader) (ComplexMapFields, error) {
	var f ComplexMapFields
	g, err := readVarint(r)
	if err != nil {
		return f, err
	}
	f.MapGroup = int32(g)
	p, err := readVarint(r)
	if err != nil {
		return f, err
	}
	f.MapPriority = int32(p)
	if f.MapRule, err = readString(r); err != nil {
		return f, err
	}
	if f.MapAdvice, err = readString(r); err != nil {
		return f, err
	}
	if f.MapTarget, err = readString(r); err != nil {
		return f, err
	}
	if f.CorrelationID, err = readInt64(r); err != nil {
		return f, err
	}
	return f, nil
}

// DecodeRefsetItem deserializes a RefsetItem from bytes written by
// EncodeRefsetItem, dispatching on the leading variant tag.
func DecodeRefsetItem(b []byte) (*RefsetItem, error) {
	r := bytes.NewReader(b)
	tagByte, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	kind := RefsetItemKind(tagByte)
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	item := &RefsetItem{Header: h, Kind: kind}
	switch kind {
	case KindSimple:
		item.Simple = &SimpleFields{}
	case KindLanguage:
		v, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		item.Language = &LanguageFields{AcceptabilityID: v}
	case KindSimpleMap:
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		item.SimpleMap = &SimpleMapFields{MapTarget: s}
	case KindComplexMap:
		f, err := readComplexMap(r)
		if err != nil {
			return nil, err
		}
		item.ComplexMap = &ComplexMapFields{}
		*item.ComplexMap = f
	case KindExtendedMap:
		f, err := readComplexMap(r)
		if err != nil {
			return nil, err
		}
		cat, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		item.ExtendedMap = &ExtendedMapFields{ComplexMapFields: f, MapCategoryID: cat}
	case KindAssociation:
		v, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		item.Association = &AssociationFields{TargetComponentID: v}
	case KindAttributeValue:
		v, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		item.AttributeValue = &AttributeValueFields{ValueID: v}
	case KindOwlExpression:
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		item.OwlExpression = &OwlExpressionFields{OwlExpression: s}
	case KindRefsetDescriptor:
		desc, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		typ, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		order, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		item.RefsetDescriptor = &RefsetDescriptorFields{AttributeDescriptionID: desc, AttributeTypeID: typ, AttributeOrder: int32(order)}
	case KindModuleDependency:
		src, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		tgt, err := readVarint(r)
		if err != nil {
			return nil, err
		}
		item.ModuleDependency = &ModuleDependencyFields{SourceEffectiveTime: int32(src), TargetEffectiveTime: int32(tgt)}
	case KindMRCMDomain:
		f := &MRCMDomainFields{}
		var err error
		if f.DomainConstraint, err = readString(r); err != nil {
			return nil, err
		}
		if f.ParentDomain, err = readString(r); err != nil {
			return nil, err
		}
		if f.ProximalPrimitiveConstraint, err = readString(r); err != nil {
			return nil, err
		}
		if f.ProximalPrimitiveRefinement, err = readString(r); err != nil {
			return nil, err
		}
		if f.DomainTemplateForPrecoordination, err = readString(r); err != nil {
			return nil, err
		}
		if f.DomainTemplateForPostcoordination, err = readString(r); err != nil {
			return nil, err
		}
		if f.GuideURL, err = readString(r); err != nil {
			return nil, err
		}
		item.MRCMDomain = f
	case KindMRCMAttributeDomain:
		f := &MRCMAttributeDomainFields{}
		var err error
		if f.DomainID, err = readInt64(r); err != nil {
			return nil, err
		}
		if f.Grouped, err = readBool(r); err != nil {
			return nil, err
		}
		if f.AttributeCardinality, err = readString(r); err != nil {
			return nil, err
		}
		if f.AttributeInGroupCardinality, err = readString(r); err != nil {
			return nil, err
		}
		if f.RuleStrengthID, err = readInt64(r); err != nil {
			return nil, err
		}
		if f.ContentTypeID, err = readInt64(r); err != nil {
			return nil, err
		}
		item.MRCMAttrDomain = f
	case KindMRCMAttributeRange:
		f := &MRCMAttributeRangeFields{}
		var err error
		if f.RangeConstraint, err = readString(r); err != nil {
			return nil, err
		}
		if f.AttributeRule, err = readString(r); err != nil {
			return nil, err
		}
		if f.RuleStrengthID, err = readInt64(r); err != nil {
			return nil, err
		}
		if f.ContentTypeID, err = readInt64(r); err != nil {
			return nil, err
		}
		item.MRCMAttrRange = f
	case KindMRCMModuleScope:
		v, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		item.MRCMModuleScope = &MRCMModuleScopeFields{MRCMRuleRefsetID: v}
	default:
		return nil, fmt.Errorf("snomed: unrecognised refset item tag %d", tagByte)
	}
	return item, nil
}
