package store

import (
	"go.etcd.io/bbolt"

	"github.com/wardle/hermes/snomed"
)

// ForEachDescription streams every description in the store to f.
// Callers needing a bounded-queue stream wrap this with their own
// channel.
func (s *Store) ForEachDescription(f func(*snomed.Description) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bktDescription.name()).ForEach(func(_, v []byte) error {
			d, err := snomed.DecodeDescription(v)
			if err != nil {
				return err
			}
			return f(d)
		})
	})
}

// ForEachConcept streams every concept in the store to f.
func (s *Store) ForEachConcept(f func(*snomed.Concept) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bktConcept.name()).ForEach(func(_, v []byte) error {
			c, err := snomed.DecodeConcept(v)
			if err != nil {
				return err
			}
			return f(c)
		})
	})
}

// ForEachRefsetItem streams every refset item in the store to f, in UUID
// order. Used by the facade to build the member search index.
func (s *Store) ForEachRefsetItem(f func(*snomed.RefsetItem) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bktRefsetItem.name()).ForEach(func(_, v []byte) error {
			item, err := snomed.DecodeRefsetItem(v)
			if err != nil {
				return err
			}
			return f(item)
		})
	})
}

// ExtendedDescription denormalises a single description into the
// search-index-ready view, resolving the concept, refset memberships,
// acceptability and attribute/ancestor sets the index needs without
// further round-trips once built.
func (s *Store) ExtendedDescription(d *snomed.Description) (*snomed.ExtendedDescription, error) {
	c, err := s.Concept(d.ConceptID)
	if err != nil {
		return nil, err
	}
	conceptRefsets, err := s.ComponentReferenceSets(d.ConceptID)
	if err != nil {
		return nil, err
	}
	descriptionRefsets, err := s.ComponentReferenceSets(d.ID)
	if err != nil {
		return nil, err
	}
	preferredIn, acceptableIn, err := s.LanguageAcceptability(d.ID)
	if err != nil {
		return nil, err
	}
	parents, err := s.ParentRelationships(d.ConceptID)
	if err != nil {
		return nil, err
	}
	directParents := parents[snomed.IsA]
	recursiveParents := parents[ClosureTypeID]
	attrs := make(map[int64][]int64, len(parents))
	for typeID, ids := range parents {
		if typeID == ClosureTypeID {
			continue
		}
		attrs[typeID] = ids
	}
	return &snomed.ExtendedDescription{
		Description:        d,
		Concept:            c,
		ConceptActive:      c.Active,
		PreferredIn:        preferredIn,
		AcceptableIn:       acceptableIn,
		ConceptRefsets:     conceptRefsets,
		DescriptionRefsets: descriptionRefsets,
		RecursiveParentIDs: recursiveParents,
		DirectParentIDs:    directParents,
		AttributeIDs:       attrs,
	}, nil
}

// ForEachExtendedDescription streams an ExtendedDescription for every
// description in the store, in batches of batchSize, invoking f once per
// batch. A zero batchSize defaults to 5000.
func (s *Store) ForEachExtendedDescription(batchSize int, progress Progress, f func([]*snomed.ExtendedDescription) error) error {
	if batchSize <= 0 {
		batchSize = 5000
	}
	if progress == nil {
		progress = func(string, int, int) {}
	}
	total := 0
	if err := s.db.View(func(tx *bbolt.Tx) error {
		total = tx.Bucket(bktDescription.name()).Stats().KeyN
		return nil
	}); err != nil {
		return err
	}
	batch := make([]*snomed.ExtendedDescription, 0, batchSize)
	done := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := f(batch); err != nil {
			return err
		}
		batch = make([]*snomed.ExtendedDescription, 0, batchSize)
		return nil
	}
	err := s.ForEachDescription(func(d *snomed.Description) error {
		ed, err := s.ExtendedDescription(d)
		if err != nil {
			return err
		}
		batch = append(batch, ed)
		done++
		if done%10000 == 0 {
			progress("search-index", done, total)
		}
		if len(batch) == batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}
