package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/wardle/hermes/snomed"
)

// Store is the bbolt-backed component store. It owns the canonical bytes
// for every component and the derived indices computed from them by
// Index. A single Store supports many concurrent readers; writes take
// the store's single writer lock for the duration of the batch,
// following bbolt's single-writer/many-readers transaction model.
type Store struct {
	db       *bbolt.DB
	path     string
	readOnly bool
}

// Open opens (creating if necessary) the store.db file at path. A store
// directory also contains a version marker file; Open refuses to open a
// store whose marker does not match Version.
func Open(dir string, readOnly bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil && !readOnly {
		return nil, err
	}
	if err := checkVersion(dir, readOnly); err != nil {
		return nil, err
	}
	dbPath := filepath.Join(dir, "store.db")
	db, err := bbolt.Open(dbPath, 0644, &bbolt.Options{ReadOnly: readOnly})
	if err != nil {
		return nil, &CorruptStoreError{Err: err}
	}
	if !readOnly {
		if err := db.Update(func(tx *bbolt.Tx) error {
			for b := bucket(0); b < numBuckets; b++ {
				if _, err := tx.CreateBucketIfNotExists(b.name()); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Store{db: db, path: dir, readOnly: readOnly}, nil
}

func checkVersion(dir string, readOnly bool) error {
	marker := filepath.Join(dir, "version")
	b, err := os.ReadFile(marker)
	if err != nil {
		if os.IsNotExist(err) {
			if readOnly {
				return ErrDatabaseNotInitialised
			}
			return os.WriteFile(marker, []byte(fmt.Sprintf("%d", Version)), 0644)
		}
		return err
	}
	var found int
	if _, err := fmt.Sscanf(string(b), "%d", &found); err != nil {
		return &CorruptStoreError{Err: err}
	}
	if found != Version {
		return &StoreVersionMismatchError{Found: found, Want: Version}
	}
	return nil
}

// Close releases the store's resources.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the directory this store was opened against.
func (s *Store) Path() string { return s.path }

// PutConcepts writes concepts in a single atomic batch, applying the
// latest-effectiveTime-wins merge rule on conflicting writes of the same
// id (on ties, the active row wins, then the last writer). Writes never
// touch derived buckets; call Index to rebuild them.
func (s *Store) PutConcepts(concepts ...*snomed.Concept) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bktConcept.name())
		for _, c := range concepts {
			if err := mergeWrite(b, int64Key(c.ID), snomed.EncodeConcept(c), func(existing []byte) (int32, bool) {
				prev, err := snomed.DecodeConcept(existing)
				if err != nil {
					return 0, true
				}
				return prev.EffectiveTime, prev.Active
			}, c.EffectiveTime, c.Active); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutDescriptions writes descriptions in a single atomic batch.
func (s *Store) PutDescriptions(descriptions ...*snomed.Description) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bktDescription.name())
		for _, d := range descriptions {
			if err := mergeWrite(b, int64Key(d.ID), snomed.EncodeDescription(d), func(existing []byte) (int32, bool) {
				prev, err := snomed.DecodeDescription(existing)
				if err != nil {
					return 0, true
				}
				return prev.EffectiveTime, prev.Active
			}, d.EffectiveTime, d.Active); err != nil {
				return err
			}
			if err := tx.Bucket(bktConceptDescriptions.name()).Put(compoundKey(int64Key(d.ConceptID), int64Key(d.ID)), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutRelationships writes relationships in a single atomic batch.
func (s *Store) PutRelationships(relationships ...*snomed.Relationship) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bktRelationship.name())
		for _, r := range relationships {
			if err := mergeWrite(b, int64Key(r.ID), snomed.EncodeRelationship(r), func(existing []byte) (int32, bool) {
				prev, err := snomed.DecodeRelationship(existing)
				if err != nil {
					return 0, true
				}
				return prev.EffectiveTime, prev.Active
			}, r.EffectiveTime, r.Active); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutConcreteValues writes concrete values in a single atomic batch.
func (s *Store) PutConcreteValues(values ...*snomed.ConcreteValue) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bktConcreteValue.name())
		ix := tx.Bucket(bktSourceConcreteValues.name())
		for _, v := range values {
			if err := b.Put(int64Key(v.ID), snomed.EncodeConcreteValue(v)); err != nil {
				return err
			}
			if err := ix.Put(compoundKey(int64Key(v.SourceID), int64Key(v.ID)), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// ConcreteValues returns every concrete value sourced at conceptID.
func (s *Store) ConcreteValues(conceptID int64) ([]*snomed.ConcreteValue, error) {
	var result []*snomed.ConcreteValue
	err := s.db.View(func(tx *bbolt.Tx) error {
		ix := tx.Bucket(bktSourceConcreteValues.name())
		values := tx.Bucket(bktConcreteValue.name())
		prefix := int64Key(conceptID)
		c := ix.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			v := values.Get(k[len(prefix):])
			if v == nil {
				continue
			}
			cv, err := snomed.DecodeConcreteValue(v)
			if err != nil {
				return err
			}
			result = append(result, cv)
		}
		return nil
	})
	return result, err
}

// RelationshipSources returns the source concept ids of active
// relationships of typeID whose destination is destinationID, backed by
// the destination→relationships index.
func (s *Store) RelationshipSources(destinationID, typeID int64) ([]int64, error) {
	var result []int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		ix := tx.Bucket(bktDestinationRelationships.name())
		prefix := compoundKey(int64Key(destinationID), int64Key(typeID))
		c := ix.Cursor()
		seen := make(map[int64]bool)
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			sourceID := decodeInt64Key(k[len(prefix) : len(prefix)+8])
			if !seen[sourceID] {
				seen[sourceID] = true
				result = append(result, sourceID)
			}
		}
		return nil
	})
	return result, err
}

// PutRefsetItems writes refset items, keyed by UUID, in a single atomic batch.
func (s *Store) PutRefsetItems(items ...*snomed.RefsetItem) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bktRefsetItem.name())
		for _, item := range items {
			if err := b.Put(item.ID[:], snomed.EncodeRefsetItem(item)); err != nil {
				return err
			}
		}
		return nil
	})
}

// mergeWrite implements the latest-effectiveTime-wins write rule: the
// incoming row replaces the existing row only if its effectiveTime is
// later, or, on ties, if it is active and the existing is not, or if both
// carry the same active flag (the last writer wins).
func mergeWrite(b *bbolt.Bucket, key, value []byte, decodeExisting func([]byte) (int32, bool), newTime int32, newActive bool) error {
	existing := b.Get(key)
	if existing == nil {
		return b.Put(key, value)
	}
	prevTime, prevActive := decodeExisting(existing)
	if newTime > prevTime || (newTime == prevTime && newActive && !prevActive) {
		return b.Put(key, value)
	}
	if newTime == prevTime && newActive == prevActive {
		return b.Put(key, value) // last writer wins on a true tie
	}
	return nil
}

// Concept returns the concept with the given id, or ErrNotFound.
func (s *Store) Concept(id int64) (*snomed.Concept, error) {
	var c *snomed.Concept
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bktConcept.name()).Get(int64Key(id))
		if v == nil {
			return ErrNotFound
		}
		var err error
		c, err = snomed.DecodeConcept(v)
		return err
	})
	return c, err
}

// Concepts returns the concepts with the given ids, in the same order. A
// missing id yields a nil entry at the corresponding position.
func (s *Store) Concepts(ids ...int64) ([]*snomed.Concept, error) {
	result := make([]*snomed.Concept, len(ids))
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bktConcept.name())
		for i, id := range ids {
			v := b.Get(int64Key(id))
			if v == nil {
				continue
			}
			c, err := snomed.DecodeConcept(v)
			if err != nil {
				return err
			}
			result[i] = c
		}
		return nil
	})
	return result, err
}

// Description returns the description with the given id, or ErrNotFound.
func (s *Store) Description(id int64) (*snomed.Description, error) {
	var d *snomed.Description
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bktDescription.name()).Get(int64Key(id))
		if v == nil {
			return ErrNotFound
		}
		var err error
		d, err = snomed.DecodeDescription(v)
		return err
	})
	return d, err
}

// Descriptions returns all descriptions belonging to conceptID.
func (s *Store) Descriptions(conceptID int64) ([]*snomed.Description, error) {
	var result []*snomed.Description
	err := s.db.View(func(tx *bbolt.Tx) error {
		ix := tx.Bucket(bktConceptDescriptions.name())
		desc := tx.Bucket(bktDescription.name())
		prefix := int64Key(conceptID)
		c := ix.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			descID := decodeInt64Key(k[len(prefix):])
			v := desc.Get(int64Key(descID))
			if v == nil {
				continue
			}
			d, err := snomed.DecodeDescription(v)
			if err != nil {
				return err
			}
			result = append(result, d)
		}
		return nil
	})
	return result, err
}

// Relationship returns the relationship with the given id, or ErrNotFound.
func (s *Store) Relationship(id int64) (*snomed.Relationship, error) {
	var r *snomed.Relationship
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bktRelationship.name()).Get(int64Key(id))
		if v == nil {
			return ErrNotFound
		}
		var err error
		r, err = snomed.DecodeRelationship(v)
		return err
	})
	return r, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// ParentRelationships returns every active relationship sourced at
// conceptID, across all groups, keyed by typeId.
func (s *Store) ParentRelationships(conceptID int64) (map[int64][]int64, error) {
	result := make(map[int64][]int64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bktConceptParents.name())
		v := b.Get(int64Key(conceptID))
		if v == nil {
			return nil
		}
		return decodeAttributeMap(v, result)
	})
	return result, err
}

// ChildRelationships returns, for conceptID, the map {typeId -> set of
// source concept ids} of relationships whose destination is conceptID.
func (s *Store) ChildRelationships(conceptID int64) (map[int64][]int64, error) {
	result := make(map[int64][]int64)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bktConceptChildren.name())
		v := b.Get(int64Key(conceptID))
		if v == nil {
			return nil
		}
		return decodeAttributeMap(v, result)
	})
	return result, err
}

// AllParentIDs returns the transitive set of IS-A ancestors of conceptID,
// precomputed by Index.
func (s *Store) AllParentIDs(conceptID int64) ([]int64, error) {
	parents, err := s.ParentRelationships(conceptID)
	if err != nil {
		return nil, err
	}
	return parents[ClosureTypeID], nil
}

// AllChildIDs returns the transitive set of IS-A descendants of conceptID,
// precomputed by Index.
func (s *Store) AllChildIDs(conceptID int64) ([]int64, error) {
	children, err := s.ChildRelationships(conceptID)
	if err != nil {
		return nil, err
	}
	return children[ClosureTypeID], nil
}

// SubsumedBy reports whether b is in a's transitive ancestor set, or
// b == a: subsumption is a reflexive partial order.
func (s *Store) SubsumedBy(a, b int64) (bool, error) {
	if a == b {
		return true, nil
	}
	ancestors, err := s.AllParentIDs(a)
	if err != nil {
		return false, err
	}
	for _, id := range ancestors {
		if id == b {
			return true, nil
		}
	}
	return false, nil
}

// InstalledReferenceSets returns the set of refset ids that have at least
// one active member, as computed by the most recent Index call.
func (s *Store) InstalledReferenceSets() (map[int64]struct{}, error) {
	result := make(map[int64]struct{})
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bktInstalledRefsets.name())
		return b.ForEach(func(k, _ []byte) error {
			result[decodeInt64Key(k)] = struct{}{}
			return nil
		})
	})
	return result, err
}

// ComponentReferenceSets returns the refset ids of which componentID is
// an active member.
func (s *Store) ComponentReferenceSets(componentID int64) ([]int64, error) {
	var result []int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		ix := tx.Bucket(bktComponentRefsetItems.name())
		prefix := int64Key(componentID)
		c := ix.Cursor()
		seen := make(map[int64]bool)
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			refsetID := decodeInt64Key(k[len(prefix) : len(prefix)+8])
			if !seen[refsetID] {
				seen[refsetID] = true
				result = append(result, refsetID)
			}
		}
		return nil
	})
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, err
}

// ReferenceSetItems returns every refset item belonging to componentID
// within refsetID.
func (s *Store) ReferenceSetItems(componentID, refsetID int64) ([]*snomed.RefsetItem, error) {
	var result []*snomed.RefsetItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		ix := tx.Bucket(bktComponentRefsetItems.name())
		items := tx.Bucket(bktRefsetItem.name())
		prefix := compoundKey(int64Key(componentID), int64Key(refsetID))
		c := ix.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			uuid := k[len(prefix):]
			v := items.Get(uuid)
			if v == nil {
				continue
			}
			item, err := snomed.DecodeRefsetItem(v)
			if err != nil {
				return err
			}
			result = append(result, item)
		}
		return nil
	})
	return result, err
}

// ComponentRefsetItems returns every active refset item referencing
// componentID, across all refsets it belongs to.
func (s *Store) ComponentRefsetItems(componentID int64) ([]*snomed.RefsetItem, error) {
	var result []*snomed.RefsetItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		ix := tx.Bucket(bktComponentRefsetItems.name())
		items := tx.Bucket(bktRefsetItem.name())
		prefix := int64Key(componentID)
		c := ix.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			uuid := k[len(prefix)+8:]
			v := items.Get(uuid)
			if v == nil {
				continue
			}
			item, err := snomed.DecodeRefsetItem(v)
			if err != nil {
				return err
			}
			result = append(result, item)
		}
		return nil
	})
	return result, err
}

// LanguageAcceptability returns the language refset ids in which
// descriptionID is preferred, and separately those in which it is merely
// acceptable.
func (s *Store) LanguageAcceptability(descriptionID int64) (preferredIn, acceptableIn []int64, err error) {
	items, err := s.ComponentRefsetItems(descriptionID)
	if err != nil {
		return nil, nil, err
	}
	for _, item := range items {
		if item.Kind != snomed.KindLanguage {
			continue
		}
		switch item.Language.AcceptabilityID {
		case snomed.Preferred:
			preferredIn = append(preferredIn, item.RefsetID)
		case snomed.Acceptable:
			acceptableIn = append(acceptableIn, item.RefsetID)
		}
	}
	return preferredIn, acceptableIn, nil
}

// RefsetMembers iterates every active item in refsetID, invoking f for each.
func (s *Store) RefsetMembers(refsetID int64, f func(*snomed.RefsetItem) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		ix := tx.Bucket(bktRefsetItems.name())
		items := tx.Bucket(bktRefsetItem.name())
		prefix := int64Key(refsetID)
		c := ix.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			uuid := k[len(prefix):]
			v := items.Get(uuid)
			if v == nil {
				continue
			}
			item, err := snomed.DecodeRefsetItem(v)
			if err != nil {
				return err
			}
			if err := f(item); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReverseMap returns refset items in refsetID whose mapTarget field
// begins with targetPrefix, backed by the
// refset-field-reverse bucket built during Index.
func (s *Store) ReverseMap(refsetID int64, targetPrefix string) ([]*snomed.RefsetItem, error) {
	var result []*snomed.RefsetItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		ix := tx.Bucket(bktRefsetFieldReverse.name())
		items := tx.Bucket(bktRefsetItem.name())
		prefix := compoundKey(int64Key(refsetID), []byte("mapTarget\x00"), []byte(targetPrefix))
		c := ix.Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			uuid := k[len(k)-16:]
			v := items.Get(uuid)
			if v == nil {
				continue
			}
			item, err := snomed.DecodeRefsetItem(v)
			if err != nil {
				return err
			}
			result = append(result, item)
		}
		return nil
	})
	return result, err
}

// Statistics reports current store counts.
func (s *Store) Statistics() (Statistics, error) {
	var st Statistics
	err := s.db.View(func(tx *bbolt.Tx) error {
		st.Concepts = tx.Bucket(bktConcept.name()).Stats().KeyN
		st.Descriptions = tx.Bucket(bktDescription.name()).Stats().KeyN
		st.Relationships = tx.Bucket(bktRelationship.name()).Stats().KeyN
		st.ConcreteValues = tx.Bucket(bktConcreteValue.name()).Stats().KeyN
		st.RefsetItems = tx.Bucket(bktRefsetItem.name()).Stats().KeyN
		return tx.Bucket(bktInstalledRefsets.name()).ForEach(func(k, _ []byte) error {
			st.Refsets = append(st.Refsets, fmt.Sprintf("%d", decodeInt64Key(k)))
			return nil
		})
	})
	return st, err
}
