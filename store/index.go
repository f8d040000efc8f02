package store

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/RoaringBitmap/roaring/roaring64"
	"go.etcd.io/bbolt"

	"github.com/wardle/hermes/snomed"
)

// Progress is called periodically during a long-running rebuild so that
// callers (a CLI, an HTTP admin surface) can render their own progress
// reporting.
type Progress func(stage string, done, total int)

// Index performs a full rebuild of the store's derived buckets:
// source/destination relationship indices, the transitive IS-A closure
// (folded into concept-parents/concept-children), the refset membership
// indices and the mapTarget reverse index. Refset items are reified by
// their stored variant tag; refset descriptors are not consulted. It is
// atomic: on any error the derived buckets are left as they were before
// Index was called. Index requires exclusive access to the store (no
// concurrent readers use the store correctly mid-rebuild elsewhere in the
// process; the facade serialises Index against open read handles).
func (s *Store) Index(progress Progress) error {
	if progress == nil {
		progress = func(string, int, int) {}
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := clearBucket(tx, bktSourceRelationships); err != nil {
			return err
		}
		if err := clearBucket(tx, bktDestinationRelationships); err != nil {
			return err
		}
		if err := clearBucket(tx, bktConceptParents); err != nil {
			return err
		}
		if err := clearBucket(tx, bktConceptChildren); err != nil {
			return err
		}
		if err := clearBucket(tx, bktComponentRefsetItems); err != nil {
			return err
		}
		if err := clearBucket(tx, bktRefsetItems); err != nil {
			return err
		}
		if err := clearBucket(tx, bktInstalledRefsets); err != nil {
			return err
		}
		if err := clearBucket(tx, bktRefsetFieldReverse); err != nil {
			return err
		}

		attrs, err := indexRelationships(tx, progress)
		if err != nil {
			return err
		}
		if err := indexSubsumption(tx, attrs, progress); err != nil {
			return err
		}
		if err := indexRefsetItems(tx, progress); err != nil {
			return err
		}
		return nil
	})
}

func clearBucket(tx *bbolt.Tx, b bucket) error {
	if err := tx.DeleteBucket(b.name()); err != nil && err != bbolt.ErrBucketNotFound {
		return err
	}
	_, err := tx.CreateBucket(b.name())
	return err
}

// attributeMaps accumulates, per concept, the typeId -> []destinationId
// map built while streaming relationships.
type attributeMaps struct {
	parentAttrs map[int64]map[int64]map[int64]bool // conceptId -> typeId -> destId set
	childAttrs  map[int64]map[int64]map[int64]bool // conceptId -> typeId -> sourceId set
}

// indexRelationships builds source→relationships and
// destination→relationships from the active relationship bucket, and
// accumulates the per-concept attribute maps used by the subsumption step.
func indexRelationships(tx *bbolt.Tx, progress Progress) (*attributeMaps, error) {
	rels := tx.Bucket(bktRelationship.name())
	src := tx.Bucket(bktSourceRelationships.name())
	dst := tx.Bucket(bktDestinationRelationships.name())

	maps := &attributeMaps{
		parentAttrs: make(map[int64]map[int64]map[int64]bool),
		childAttrs:  make(map[int64]map[int64]map[int64]bool),
	}

	total := rels.Stats().KeyN
	done := 0
	err := rels.ForEach(func(k, v []byte) error {
		done++
		if done%100000 == 0 {
			progress("relationships", done, total)
		}
		r, err := snomed.DecodeRelationship(v)
		if err != nil {
			return err
		}
		if !r.Active {
			return nil
		}
		if err := src.Put(compoundKey(int64Key(r.SourceID), int64Key(r.TypeID), int64Key(r.DestinationID), int64Key(r.ID)), nil); err != nil {
			return err
		}
		if err := dst.Put(compoundKey(int64Key(r.DestinationID), int64Key(r.TypeID), int64Key(r.SourceID), int64Key(r.ID)), nil); err != nil {
			return err
		}
		addAttr(maps.parentAttrs, r.SourceID, r.TypeID, r.DestinationID)
		addAttr(maps.childAttrs, r.DestinationID, r.TypeID, r.SourceID)
		return nil
	})
	return maps, err
}

func addAttr(m map[int64]map[int64]map[int64]bool, concept, typeID, other int64) {
	byType, ok := m[concept]
	if !ok {
		byType = make(map[int64]map[int64]bool)
		m[concept] = byType
	}
	set, ok := byType[typeID]
	if !ok {
		set = make(map[int64]bool)
		byType[typeID] = set
	}
	set[other] = true
}

// indexSubsumption computes the transitive IS-A closure for every concept
// that appears in the relationship attribute maps, storing the resulting
// {typeId -> set} into concept-parents / concept-children. IsA keeps the
// direct parent/child set; the full ancestor/descendant closure is stored
// under ClosureTypeID.
func indexSubsumption(tx *bbolt.Tx, attrs *attributeMaps, progress Progress) error {
	ancestorCache := make(map[int64]*roaring64.Bitmap)
	var ancestors func(id int64, seen map[int64]bool) *roaring64.Bitmap
	ancestors = func(id int64, seen map[int64]bool) *roaring64.Bitmap {
		if bm, ok := ancestorCache[id]; ok {
			return bm
		}
		bm := roaring64.New()
		if seen[id] {
			return bm // cycle guard; SNOMED's IS-A graph is a DAG but defend anyway
		}
		seen[id] = true
		direct := attrs.parentAttrs[id][snomed.IsA]
		for parent := range direct {
			bm.Add(uint64(parent))
			bm.Or(ancestors(parent, seen))
		}
		ancestorCache[id] = bm
		return bm
	}

	parentsBucket := tx.Bucket(bktConceptParents.name())
	childrenBucket := tx.Bucket(bktConceptChildren.name())

	// union of every concept id that appears as a source or destination,
	// so leaf and root concepts with no recorded attribute still get an
	// (empty) entry rather than silently falling back to a store miss.
	allConcepts := make(map[int64]bool)
	for id := range attrs.parentAttrs {
		allConcepts[id] = true
	}
	for id := range attrs.childAttrs {
		allConcepts[id] = true
	}

	descendantsOf := make(map[int64]map[int64]bool)
	total := len(allConcepts)
	done := 0
	for id := range allConcepts {
		done++
		if done%100000 == 0 {
			progress("subsumption", done, total)
		}
		anc := ancestors(id, make(map[int64]bool))
		out := map[int64][]int64{}
		for typeID, set := range attrs.parentAttrs[id] {
			out[typeID] = sortedKeys(set) // typeId=IsA here is the *direct* IS-A parent set
		}
		it := anc.Iterator()
		ancIDs := make([]int64, 0, anc.GetCardinality())
		for it.HasNext() {
			a := int64(it.Next())
			ancIDs = append(ancIDs, a)
			if descendantsOf[a] == nil {
				descendantsOf[a] = make(map[int64]bool)
			}
			descendantsOf[a][id] = true
		}
		// the transitive closure is folded in under a reserved sentinel key
		// (no real relationship type id is negative) so that the direct IsA
		// attribute set above is not overwritten; AllParentIDs/AllChildIDs
		// read this key, ParentRelationships(id)[snomed.IsA] reads the direct set.
		out[ClosureTypeID] = ancIDs
		if err := parentsBucket.Put(int64Key(id), encodeAttributeMap(out)); err != nil {
			return err
		}
	}
	for id := range allConcepts {
		out := map[int64][]int64{}
		for typeID, set := range attrs.childAttrs[id] {
			out[typeID] = sortedKeys(set)
		}
		out[ClosureTypeID] = sortedKeys(descendantsOf[id])
		if err := childrenBucket.Put(int64Key(id), encodeAttributeMap(out)); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(set map[int64]bool) []int64 {
	out := make([]int64, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// encodeAttributeMap / decodeAttributeMap serialize a {typeId -> []id}
// map as a flat varint stream: count, then for each type (typeId, count,
// ids...).
func encodeAttributeMap(m map[int64][]int64) []byte {
	var buf bytes.Buffer
	putVarintInt(&buf, int64(len(m)))
	types := make([]int64, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	for _, t := range types {
		ids := m[t]
		putVarintInt(&buf, t)
		putVarintInt(&buf, int64(len(ids)))
		for _, id := range ids {
			putVarintInt(&buf, id)
		}
	}
	return buf.Bytes()
}

func decodeAttributeMap(b []byte, out map[int64][]int64) error {
	r := bytes.NewReader(b)
	n, err := binary.ReadVarint(r)
	if err != nil {
		return err
	}
	for i := int64(0); i < n; i++ {
		t, err := binary.ReadVarint(r)
		if err != nil {
			return err
		}
		count, err := binary.ReadVarint(r)
		if err != nil {
			return err
		}
		ids := make([]int64, count)
		for j := range ids {
			v, err := binary.ReadVarint(r)
			if err != nil {
				return err
			}
			ids[j] = v
		}
		out[t] = ids
	}
	return nil
}

func putVarintInt(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// indexRefsetItems walks the refset-item bucket, reifying membership into
// component-refset-items, refset-items, installed-refsets and
// refset-field-reverse (mapTarget only), and passes the ModuleDependency
// items to validateModuleDependencies.
func indexRefsetItems(tx *bbolt.Tx, progress Progress) error {
	items := tx.Bucket(bktRefsetItem.name())
	componentIx := tx.Bucket(bktComponentRefsetItems.name())
	refsetIx := tx.Bucket(bktRefsetItems.name())
	installed := tx.Bucket(bktInstalledRefsets.name())
	fieldReverse := tx.Bucket(bktRefsetFieldReverse.name())

	effectiveTimes := make(map[int64]int32) // moduleId -> max effectiveTime seen, for module-dependency validation
	var dependencies []*snomed.RefsetItem

	total := items.Stats().KeyN
	done := 0
	err := items.ForEach(func(k, v []byte) error {
		done++
		if done%100000 == 0 {
			progress("refsets", done, total)
		}
		item, err := snomed.DecodeRefsetItem(v)
		if err != nil {
			return err
		}
		if et, ok := effectiveTimes[item.ModuleID]; !ok || item.EffectiveTime > et {
			effectiveTimes[item.ModuleID] = item.EffectiveTime
		}
		if !item.Active {
			return nil
		}
		if err := componentIx.Put(compoundKey(int64Key(item.ReferencedComponentID), int64Key(item.RefsetID), item.ID[:]), nil); err != nil {
			return err
		}
		if err := refsetIx.Put(compoundKey(int64Key(item.RefsetID), item.ID[:]), nil); err != nil {
			return err
		}
		if err := installed.Put(int64Key(item.RefsetID), nil); err != nil {
			return err
		}
		// mapTarget is the one field reverse-indexed in the store; other
		// fields are answered by the member search index.
		var mapTarget string
		switch item.Kind {
		case snomed.KindSimpleMap:
			mapTarget = item.SimpleMap.MapTarget
		case snomed.KindComplexMap:
			mapTarget = item.ComplexMap.MapTarget
		case snomed.KindExtendedMap:
			mapTarget = item.ExtendedMap.MapTarget
		}
		if mapTarget != "" {
			key := compoundKey(int64Key(item.RefsetID), []byte("mapTarget\x00"), []byte(mapTarget), item.ID[:])
			if err := fieldReverse.Put(key, nil); err != nil {
				return err
			}
		}
		if item.Kind == snomed.KindModuleDependency {
			dependencies = append(dependencies, item)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return validateModuleDependencies(dependencies, effectiveTimes)
}

// validateModuleDependencies compares, for each ModuleDependency item,
// the cited target effectiveTime with the latest effectiveTime observed
// among refset items of the target module. It never fails Index and
// records nothing; the {valid, reason} records are computed separately by
// hermes.Svc.ModuleDependencies.
func validateModuleDependencies(items []*snomed.RefsetItem, effectiveTimes map[int64]int32) error {
	for _, item := range items {
		dep := item.ModuleDependency
		if et, ok := effectiveTimes[item.ReferencedComponentID]; !ok || et < dep.TargetEffectiveTime {
			// Not fatal: a missing or older target module is not an Index()
			// failure. SNOMED releases routinely reference modules not
			// installed locally.
			continue
		}
	}
	return nil
}

// RefsetDescriptors returns the attribute descriptors for refsetID,
// ordered by attributeOrder.
func (s *Store) RefsetDescriptors(refsetID int64) ([]*snomed.RefsetDescriptorFields, error) {
	var result []*snomed.RefsetDescriptorFields
	err := s.RefsetMembers(snomed.RefsetDescriptorRefset, func(item *snomed.RefsetItem) error {
		if item.Kind != snomed.KindRefsetDescriptor {
			return nil
		}
		if item.ReferencedComponentID != refsetID {
			return nil
		}
		result = append(result, item.RefsetDescriptor)
		return nil
	})
	sort.Slice(result, func(i, j int) bool { return result[i].AttributeOrder < result[j].AttributeOrder })
	return result, err
}
