// Package hermes is the unified query surface over a SNOMED CT
// distribution: an open handle pair of component store and search indices
// exposing concept/description/relationship lookups, subsumption,
// free-text search, ECL expansion, historical associations and
// crossmaps. The HTTP server, CLI and RF2 file parser are external
// collaborators built on top of this package.
package hermes

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/text/language"

	"github.com/wardle/hermes/hermeserr"
	"github.com/wardle/hermes/lang"
	"github.com/wardle/hermes/search"
	"github.com/wardle/hermes/snomed"
	"github.com/wardle/hermes/store"
)

const (
	searchIndexName = "search.db"
	memberIndexName = "members.db"
)

// Options configures Open.
type Options struct {
	// DefaultLocale is the BCP-47 language range consulted when a caller
	// does not supply an Accept-Language preference. Empty means "en-US".
	DefaultLocale string
	// ReadOnly opens the store for queries only; Put and Index will fail.
	// Import tooling opens read-write; everything else should not.
	ReadOnly bool
}

// Svc is an open handle onto a store directory. A single Svc supports
// many concurrent readers; Put and Index require a handle opened
// read-write and are mutually exclusive with each other. Client code
// borrows the handle and must not retain results of queries across Close.
type Svc struct {
	path     string
	readOnly bool

	store        *store.Store
	descriptions *search.Index
	members      *search.MemberIndex

	mu          sync.RWMutex // guards matcher, rebuilt after Index
	matcher     *lang.Matcher
	defaultTags []language.Tag
}

// openHandles is the process-wide registry of open services, keyed by
// path, used only for graceful shutdown.
var (
	handlesMu   sync.Mutex
	openHandles = make(map[string]*Svc)
)

// Open opens the store directory at path, refusing a version mismatch.
func Open(path string, opts Options) (*Svc, error) {
	st, err := store.Open(path, opts.ReadOnly)
	if err != nil {
		return nil, translateOpenError(err)
	}
	descriptions, err := search.NewIndex(filepath.Join(path, searchIndexName))
	if err != nil {
		st.Close()
		return nil, &hermeserr.CorruptStoreError{Err: err}
	}
	members, err := search.NewMemberIndex(filepath.Join(path, memberIndexName))
	if err != nil {
		descriptions.Close()
		st.Close()
		return nil, &hermeserr.CorruptStoreError{Err: err}
	}
	svc := &Svc{
		path:         path,
		readOnly:     opts.ReadOnly,
		store:        st,
		descriptions: descriptions,
		members:      members,
	}
	locale := opts.DefaultLocale
	if locale == "" {
		locale = "en-US"
	}
	tags, err := lang.ParseAcceptLanguage(locale)
	if err != nil {
		svc.closeResources()
		return nil, &hermeserr.InvalidParameterError{Parameter: "default_locale", Reason: err.Error()}
	}
	svc.defaultTags = tags
	if err := svc.refreshMatcher(); err != nil {
		svc.closeResources()
		return nil, err
	}
	handlesMu.Lock()
	openHandles[path] = svc
	handlesMu.Unlock()
	return svc, nil
}

func translateOpenError(err error) error {
	var vm *store.StoreVersionMismatchError
	if errors.As(err, &vm) {
		return &hermeserr.StoreVersionMismatchError{Found: vm.Found, Want: vm.Want}
	}
	var cs *store.CorruptStoreError
	if errors.As(err, &cs) {
		return &hermeserr.CorruptStoreError{Err: cs.Err}
	}
	return err
}

func (svc *Svc) refreshMatcher() error {
	m, err := lang.NewMatcher(svc.store.InstalledReferenceSets)
	if err != nil {
		return err
	}
	svc.mu.Lock()
	svc.matcher = m
	svc.mu.Unlock()
	return nil
}

// Path returns the directory this service was opened against.
func (svc *Svc) Path() string { return svc.path }

func (svc *Svc) closeResources() error {
	err := svc.members.Close()
	if e := svc.descriptions.Close(); err == nil {
		err = e
	}
	if e := svc.store.Close(); err == nil {
		err = e
	}
	return err
}

// Close releases the handle's resources and removes it from the
// open-handle registry. It does not signal streams started by
// ExpandECLStream; such a stream stops only when its own context is
// cancelled or its ids are exhausted.
func (svc *Svc) Close() error {
	handlesMu.Lock()
	delete(openHandles, svc.path)
	handlesMu.Unlock()
	return svc.closeResources()
}

// CloseAll closes every service opened by this process, for graceful
// shutdown.
func CloseAll() {
	handlesMu.Lock()
	handles := make([]*Svc, 0, len(openHandles))
	for _, svc := range openHandles {
		handles = append(handles, svc)
	}
	openHandles = make(map[string]*Svc)
	handlesMu.Unlock()
	for _, svc := range handles {
		svc.closeResources()
	}
}

// notFound translates the store's sentinel into the facade's typed error.
func notFound(err error, kind string, id int64) error {
	if err == store.ErrNotFound {
		return &hermeserr.NotFoundError{Kind: kind, ID: fmt.Sprintf("%d", id)}
	}
	return err
}

// Concept returns the concept with the given identifier.
func (svc *Svc) Concept(conceptID int64) (*snomed.Concept, error) {
	c, err := svc.store.Concept(conceptID)
	if err != nil {
		return nil, notFound(err, "concept", conceptID)
	}
	return c, nil
}

// Concepts returns the concepts with the given identifiers, in order; a
// missing identifier yields a nil entry.
func (svc *Svc) Concepts(conceptIDs ...int64) ([]*snomed.Concept, error) {
	return svc.store.Concepts(conceptIDs...)
}

// Description returns the description with the given identifier.
func (svc *Svc) Description(descriptionID int64) (*snomed.Description, error) {
	d, err := svc.store.Description(descriptionID)
	if err != nil {
		return nil, notFound(err, "description", descriptionID)
	}
	return d, nil
}

// Relationship returns the relationship with the given identifier.
func (svc *Svc) Relationship(relationshipID int64) (*snomed.Relationship, error) {
	r, err := svc.store.Relationship(relationshipID)
	if err != nil {
		return nil, notFound(err, "relationship", relationshipID)
	}
	return r, nil
}

// Descriptions returns all descriptions for a concept.
func (svc *Svc) Descriptions(conceptID int64) ([]*snomed.Description, error) {
	return svc.store.Descriptions(conceptID)
}

// Synonyms returns the active synonyms of a concept. When language refset
// ids are supplied, only synonyms preferred or acceptable in at least one
// of them are returned.
func (svc *Svc) Synonyms(conceptID int64, languageRefsetIDs ...int64) ([]*snomed.Description, error) {
	descs, err := svc.store.Descriptions(conceptID)
	if err != nil {
		return nil, err
	}
	var result []*snomed.Description
	for _, d := range descs {
		if !d.Active || !d.IsSynonym() {
			continue
		}
		if len(languageRefsetIDs) == 0 {
			result = append(result, d)
			continue
		}
		preferredIn, acceptableIn, err := svc.store.LanguageAcceptability(d.ID)
		if err != nil {
			return nil, err
		}
		if anyInSet(languageRefsetIDs, preferredIn) || anyInSet(languageRefsetIDs, acceptableIn) {
			result = append(result, d)
		}
	}
	return result, nil
}

func anyInSet(wanted, present []int64) bool {
	for _, w := range wanted {
		for _, p := range present {
			if w == p {
				return true
			}
		}
	}
	return false
}

// ExtendedConcept returns the denormalised view of a concept: the concept
// itself, its descriptions, all parent relationships including the
// transitive IS-A closure, the direct relationships, concrete values and
// refset memberships.
func (svc *Svc) ExtendedConcept(conceptID int64) (*snomed.ExtendedConcept, error) {
	c, err := svc.Concept(conceptID)
	if err != nil {
		return nil, err
	}
	descs, err := svc.store.Descriptions(conceptID)
	if err != nil {
		return nil, err
	}
	parents, err := svc.store.ParentRelationships(conceptID)
	if err != nil {
		return nil, err
	}
	direct := make(map[int64][]int64)
	all := make(map[int64][]int64)
	for typeID, ids := range parents {
		if typeID == store.ClosureTypeID {
			all[snomed.IsA] = ids // transitive closure under the IS-A key
			continue
		}
		direct[typeID] = ids
		if typeID != snomed.IsA {
			all[typeID] = ids
		}
	}
	values, err := svc.store.ConcreteValues(conceptID)
	if err != nil {
		return nil, err
	}
	refsets, err := svc.store.ComponentReferenceSets(conceptID)
	if err != nil {
		return nil, err
	}
	return &snomed.ExtendedConcept{
		Concept:                   c,
		Descriptions:              descs,
		ParentRelationships:       all,
		DirectParentRelationships: direct,
		ConcreteValues:            values,
		Refsets:                   refsets,
	}, nil
}

// Parents returns the direct IS-A parents of a concept.
func (svc *Svc) Parents(conceptID int64) ([]int64, error) {
	parents, err := svc.store.ParentRelationships(conceptID)
	if err != nil {
		return nil, err
	}
	return parents[snomed.IsA], nil
}

// Children returns the direct IS-A children of a concept.
func (svc *Svc) Children(conceptID int64) ([]int64, error) {
	children, err := svc.store.ChildRelationships(conceptID)
	if err != nil {
		return nil, err
	}
	return children[snomed.IsA], nil
}

// Siblings returns concepts sharing at least one direct parent with the
// given concept, excluding the concept itself.
func (svc *Svc) Siblings(conceptID int64) ([]int64, error) {
	parents, err := svc.Parents(conceptID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool)
	var result []int64
	for _, parent := range parents {
		children, err := svc.Children(parent)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			if child != conceptID && !seen[child] {
				seen[child] = true
				result = append(result, child)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// AllParents returns the transitive IS-A ancestors of the given concepts,
// deduplicated.
func (svc *Svc) AllParents(conceptIDs ...int64) ([]int64, error) {
	return svc.closureUnion(conceptIDs, svc.store.AllParentIDs)
}

// AllChildren returns the transitive IS-A descendants of the given
// concepts, deduplicated.
func (svc *Svc) AllChildren(conceptIDs ...int64) ([]int64, error) {
	return svc.closureUnion(conceptIDs, svc.store.AllChildIDs)
}

func (svc *Svc) closureUnion(conceptIDs []int64, f func(int64) ([]int64, error)) ([]int64, error) {
	seen := make(map[int64]bool)
	var result []int64
	for _, id := range conceptIDs {
		ids, err := f(id)
		if err != nil {
			return nil, err
		}
		for _, v := range ids {
			if !seen[v] {
				seen[v] = true
				result = append(result, v)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// ParentRelationshipsOfType returns the destination concepts of active
// relationships of typeID sourced at the concept.
func (svc *Svc) ParentRelationshipsOfType(conceptID, typeID int64) ([]int64, error) {
	parents, err := svc.store.ParentRelationships(conceptID)
	if err != nil {
		return nil, err
	}
	return parents[typeID], nil
}

// ChildRelationshipsOfType returns the source concepts of active
// relationships of typeID whose destination is the concept.
func (svc *Svc) ChildRelationshipsOfType(conceptID, typeID int64) ([]int64, error) {
	children, err := svc.store.ChildRelationships(conceptID)
	if err != nil {
		return nil, err
	}
	return children[typeID], nil
}

// SubsumedBy reports whether subsumer is an ancestor of (or equal to)
// conceptID under active IS-A.
func (svc *Svc) SubsumedBy(conceptID, subsumer int64) (bool, error) {
	return svc.store.SubsumedBy(conceptID, subsumer)
}

// PathsToRoot returns every IS-A path from the concept to the root, the
// concept first and the root last in each path.
func (svc *Svc) PathsToRoot(conceptID int64) ([][]int64, error) {
	parents, err := svc.Parents(conceptID)
	if err != nil {
		return nil, err
	}
	results := make([][]int64, 0, len(parents))
	if len(parents) == 0 {
		return append(results, []int64{conceptID}), nil
	}
	for _, parent := range parents {
		parentPaths, err := svc.PathsToRoot(parent)
		if err != nil {
			return nil, err
		}
		for _, pp := range parentPaths {
			results = append(results, append([]int64{conceptID}, pp...))
		}
	}
	return results, nil
}

// LongestPathToRoot returns the longest IS-A path from the concept to the
// root.
func (svc *Svc) LongestPathToRoot(conceptID int64) ([]int64, error) {
	paths, err := svc.PathsToRoot(conceptID)
	if err != nil {
		return nil, err
	}
	var longest []int64
	for _, path := range paths {
		if len(path) >= len(longest) {
			longest = path
		}
	}
	return longest, nil
}

// ShortestPathToRoot returns the shortest IS-A path from the concept to
// the root.
func (svc *Svc) ShortestPathToRoot(conceptID int64) ([]int64, error) {
	paths, err := svc.PathsToRoot(conceptID)
	if err != nil {
		return nil, err
	}
	var shortest []int64
	for _, path := range paths {
		if shortest == nil || len(path) < len(shortest) {
			shortest = path
		}
	}
	return shortest, nil
}

// Primitive returns the closest primitive ancestor-or-self of the
// concept in the IS-A hierarchy.
func (svc *Svc) Primitive(conceptID int64) (*snomed.Concept, error) {
	c, err := svc.Concept(conceptID)
	if err != nil {
		return nil, err
	}
	if c.IsPrimitive() {
		return c, nil
	}
	paths, err := svc.PathsToRoot(conceptID)
	if err != nil {
		return nil, err
	}
	bestLength := -1
	var best *snomed.Concept
	for _, path := range paths {
		for i, id := range path {
			candidate, err := svc.Concept(id)
			if err != nil {
				return nil, err
			}
			if candidate.IsPrimitive() && (bestLength == -1 || i < bestLength) {
				bestLength = i
				best = candidate
			}
		}
	}
	if best == nil {
		return nil, &hermeserr.NotFoundError{Kind: "primitive ancestor", ID: fmt.Sprintf("%d", conceptID)}
	}
	return best, nil
}

// InstalledReferenceSets returns the refset ids with at least one active
// member.
func (svc *Svc) InstalledReferenceSets() (map[int64]struct{}, error) {
	return svc.store.InstalledReferenceSets()
}

// ComponentReferenceSets returns the refset ids of which a component is an
// active member.
func (svc *Svc) ComponentReferenceSets(componentID int64) ([]int64, error) {
	return svc.store.ComponentReferenceSets(componentID)
}

// ReferenceSetItems returns the active refset items for a component
// within a specific refset.
func (svc *Svc) ReferenceSetItems(componentID, refsetID int64) ([]*snomed.RefsetItem, error) {
	return svc.store.ReferenceSetItems(componentID, refsetID)
}

// Statistics reports store counts, with installed refsets named by their
// preferred synonym in the default locale.
func (svc *Svc) Statistics() (store.Statistics, error) {
	st, err := svc.store.Statistics()
	if err != nil {
		return st, err
	}
	installed, err := svc.store.InstalledReferenceSets()
	if err != nil {
		return st, err
	}
	ids := make([]int64, 0, len(installed))
	for id := range installed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if d, err := svc.PreferredSynonym(id, ""); err == nil {
			names = append(names, fmt.Sprintf("%s (%d)", d.Term, id))
		} else {
			names = append(names, fmt.Sprintf("%d", id))
		}
	}
	st.Refsets = names
	return st, nil
}

// Put writes a batch of components of a single kind into the store,
// applying the latest-effectiveTime-wins merge rule. It accepts the
// slices the RF2 importer collaborator produces.
func (svc *Svc) Put(components interface{}) error {
	if svc.readOnly {
		return store.ErrClosed
	}
	switch batch := components.(type) {
	case []*snomed.Concept:
		return svc.store.PutConcepts(batch...)
	case []*snomed.Description:
		return svc.store.PutDescriptions(batch...)
	case []*snomed.Relationship:
		return svc.store.PutRelationships(batch...)
	case []*snomed.ConcreteValue:
		return svc.store.PutConcreteValues(batch...)
	case []*snomed.RefsetItem:
		return svc.store.PutRefsetItems(batch...)
	default:
		return fmt.Errorf("hermes: cannot put components of type %T", components)
	}
}

// Index performs the full precomputation pass: rebuilds the store's
// derived buckets, then the description and member search indices, then
// refreshes the language matcher against the newly installed refsets.
// Mutually exclusive with readers; run it from the import tooling, not a
// serving process.
func (svc *Svc) Index(ctx context.Context, progress store.Progress) error {
	if svc.readOnly {
		return store.ErrClosed
	}
	if err := svc.store.Index(progress); err != nil {
		return err
	}
	if err := svc.store.ForEachExtendedDescription(0, progress, func(batch []*snomed.ExtendedDescription) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return svc.descriptions.IndexDescriptions(batch)
	}); err != nil {
		return err
	}
	var members []*snomed.RefsetItem
	flush := func() error {
		if len(members) == 0 {
			return nil
		}
		err := svc.members.IndexMembers(members)
		members = members[:0]
		return err
	}
	if err := svc.store.ForEachRefsetItem(func(item *snomed.RefsetItem) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		members = append(members, item)
		if len(members) == 5000 {
			return flush()
		}
		return nil
	}); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	return svc.refreshMatcher()
}
