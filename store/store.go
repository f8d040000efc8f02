// Package store implements the authoritative on-disk substrate for Hermes:
// an embedded, memory-mapped, sorted key-value store holding SNOMED
// components and the derived indices computed from them.
package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// bucket identifies one of the store's logical maps. Buckets are bbolt
// top-level buckets; compound keys within a bucket are lexicographically
// ordered byte tuples so that prefix scans (e.g. "all relationships
// sourced at concept X") are simple cursor seeks.
type bucket int

// Primary and derived buckets.
const (
	bktConcept bucket = iota
	bktDescription
	bktRelationship
	bktConcreteValue
	bktRefsetItem

	bktConceptDescriptions      // (conceptId, descriptionId) -> ∅
	bktSourceConcreteValues     // (sourceId, valueId) -> ∅
	bktSourceRelationships      // (sourceId, typeId, destinationId, relationshipId) -> ∅
	bktDestinationRelationships // (destinationId, typeId, sourceId, relationshipId) -> ∅
	bktConceptParents           // conceptId -> serialized {typeId -> []conceptId}
	bktConceptChildren          // conceptId -> serialized {typeId -> []conceptId}
	bktComponentRefsetItems     // (componentId, refsetId, itemUUID) -> ∅
	bktRefsetItems              // (refsetId, itemUUID) -> ∅
	bktInstalledRefsets         // refsetId -> ∅
	bktRefsetFieldReverse       // (refsetId, fieldNameId, value, itemUUID) -> ∅
	bktRefsetDescriptors        // (refsetId, attributeOrder) -> descriptor bytes

	numBuckets
)

var bucketNames = [numBuckets][]byte{
	bktConcept:                  []byte("concept"),
	bktDescription:              []byte("description"),
	bktRelationship:             []byte("relationship"),
	bktConcreteValue:            []byte("concrete-value"),
	bktRefsetItem:               []byte("refset-item"),
	bktConceptDescriptions:      []byte("concept-descriptions"),
	bktSourceConcreteValues:     []byte("source-concrete-values"),
	bktSourceRelationships:      []byte("source-relationships"),
	bktDestinationRelationships: []byte("destination-relationships"),
	bktConceptParents:           []byte("concept-parents"),
	bktConceptChildren:          []byte("concept-children"),
	bktComponentRefsetItems:     []byte("component-refset-items"),
	bktRefsetItems:              []byte("refset-items"),
	bktInstalledRefsets:         []byte("installed-refsets"),
	bktRefsetFieldReverse:       []byte("refset-field-reverse"),
	bktRefsetDescriptors:        []byte("refset-descriptors"),
}

func (b bucket) name() []byte { return bucketNames[b] }

// Sentinel errors.
var (
	ErrNotFound               = errors.New("store: not found")
	ErrDatabaseNotInitialised = errors.New("store: database not initialised")
	ErrClosed                 = errors.New("store: closed")
)

// StoreVersionMismatchError is returned by Open when an existing store's
// version marker does not match this implementation's expected version.
type StoreVersionMismatchError struct {
	Found, Want int
}

func (e *StoreVersionMismatchError) Error() string {
	return fmt.Sprintf("store: version mismatch: found %d, want %d", e.Found, e.Want)
}

// CorruptStoreError wraps an underlying error observed while opening or
// reading the store that indicates the on-disk structure is damaged.
type CorruptStoreError struct {
	Err error
}

func (e *CorruptStoreError) Error() string { return fmt.Sprintf("store: corrupt: %v", e.Err) }
func (e *CorruptStoreError) Unwrap() error { return e.Err }

// Version is the current on-disk store format version.
const Version = 1

// ClosureTypeID is the reserved attribute-map key under which Index folds
// the transitive IS-A closure. No real SNOMED relationship type id is negative,
// so this sentinel never collides with a genuine attribute type.
// ParentRelationships(id)[snomed.IsA] / ChildRelationships(id)[snomed.IsA]
// give the *direct* IS-A edges; this key gives the full closure.
const ClosureTypeID int64 = -1

// compoundKey joins byte-slice components into a single lexicographically
// ordered key, so prefix scans walk a contiguous range.
func compoundKey(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func int64Key(id int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

func decodeInt64Key(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// Statistics summarises the store's content.
type Statistics struct {
	Concepts       int
	Descriptions   int
	Relationships  int
	ConcreteValues int
	RefsetItems    int
	Refsets        []string
}

func (s Statistics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Number of concepts: %d\n", s.Concepts)
	fmt.Fprintf(&b, "Number of descriptions: %d\n", s.Descriptions)
	fmt.Fprintf(&b, "Number of relationships: %d\n", s.Relationships)
	fmt.Fprintf(&b, "Number of concrete values: %d\n", s.ConcreteValues)
	fmt.Fprintf(&b, "Number of reference set items: %d\n", s.RefsetItems)
	fmt.Fprintf(&b, "Number of installed refsets: %d:\n", len(s.Refsets))
	for _, r := range s.Refsets {
		fmt.Fprintf(&b, "  Installed refset: %s\n", r)
	}
	return b.String()
}
