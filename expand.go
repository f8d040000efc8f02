package hermes

import (
	"context"
	"sort"
	"strconv"

	"github.com/wardle/hermes/ecl"
	"github.com/wardle/hermes/hermeserr"
	"github.com/wardle/hermes/search"
	"github.com/wardle/hermes/snomed"
)

// Svc implements ecl.Index: the compiler calls back into the open handle
// whenever a rewrite needs a concrete concept-id set rather than a composable index query.
var _ ecl.Index = (*Svc)(nil)

// DirectParents returns the direct IS-A parents of a concept.
func (svc *Svc) DirectParents(conceptID int64) ([]int64, error) {
	return svc.Parents(conceptID)
}

// Ancestors returns the transitive IS-A ancestors of a single concept.
func (svc *Svc) Ancestors(conceptID int64) ([]int64, error) {
	return svc.store.AllParentIDs(conceptID)
}

// AttributeDestinations returns the union over conceptIDs of the active
// destination concepts of attributeTypeID.
func (svc *Svc) AttributeDestinations(conceptIDs []int64, attributeTypeID int64) ([]int64, error) {
	seen := make(map[int64]bool)
	var result []int64
	for _, id := range conceptIDs {
		parents, err := svc.store.ParentRelationships(id)
		if err != nil {
			return nil, err
		}
		for _, dest := range parents[attributeTypeID] {
			if !seen[dest] {
				seen[dest] = true
				result = append(result, dest)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// AttributeSources returns the concepts holding an active attribute of
// attributeTypeID pointing at any of destinationIDs.
func (svc *Svc) AttributeSources(destinationIDs []int64, attributeTypeID int64) ([]int64, error) {
	seen := make(map[int64]bool)
	var result []int64
	for _, dest := range destinationIDs {
		sources, err := svc.store.RelationshipSources(dest, attributeTypeID)
		if err != nil {
			return nil, err
		}
		for _, src := range sources {
			if !seen[src] {
				seen[src] = true
				result = append(result, src)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// QueryMembers evaluates member-filter predicates against a refset.
func (svc *Svc) QueryMembers(refsetID int64, filters []search.FieldFilter) ([]int64, error) {
	return svc.members.QueryMembers(refsetID, filters)
}

// Execute realises a query against the description index, returning the
// distinct matching concept ids in ascending order.
func (svc *Svc) Execute(q search.Query) ([]int64, error) {
	return svc.descriptions.DoQueryForConceptIDs(q)
}

// historyProfileRefsets maps an ECL history supplement profile to the
// association refsets it consults. Membership is intersected with the
// installed refsets at evaluation time, so a profile never reaches for an
// absent refset.
func historyProfileRefsets(profile ecl.HistoryProfile) []int64 {
	switch profile {
	case ecl.HistoryMin:
		return []int64{snomed.RefsetSameAs}
	case ecl.HistoryMod:
		return []int64{snomed.RefsetSameAs, snomed.RefsetReplacedBy, snomed.RefsetPartiallyEquivalentTo}
	case ecl.HistoryMoved:
		return []int64{snomed.RefsetMovedTo, snomed.RefsetMovedFrom}
	default:
		return snomed.DefaultHistoryProfile
	}
}

// HistoryClosure widens conceptIDs with their historical associations
// under the given profile: forward from each inactive concept to its
// replacement targets, and backward from each concept to the inactive
// concepts it replaced. The additional ids are appended after the input
// set and the whole deduplicated.
func (svc *Svc) HistoryClosure(conceptIDs []int64, profile ecl.HistoryProfile) ([]int64, error) {
	return svc.historical(conceptIDs, historyProfileRefsets(profile))
}

// WithHistorical returns conceptIDs closed under the selected historical
// association refsets; with none given, the default profile filtered by
// what is installed.
func (svc *Svc) WithHistorical(conceptIDs []int64, refsetIDs ...int64) ([]int64, error) {
	if len(refsetIDs) == 0 {
		refsetIDs = snomed.DefaultHistoryProfile
	}
	return svc.historical(conceptIDs, refsetIDs)
}

func (svc *Svc) historical(conceptIDs []int64, refsetIDs []int64) ([]int64, error) {
	installed, err := svc.store.InstalledReferenceSets()
	if err != nil {
		return nil, err
	}
	active := make(map[int64]bool)
	for _, id := range refsetIDs {
		if _, ok := installed[id]; ok {
			active[id] = true
		}
	}
	seen := make(map[int64]bool, len(conceptIDs))
	result := make([]int64, 0, len(conceptIDs))
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			result = append(result, id)
		}
	}
	for _, id := range conceptIDs {
		add(id)
	}
	for _, id := range conceptIDs {
		// forward: associations referencing this concept point at its
		// replacements
		items, err := svc.store.ComponentRefsetItems(id)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			if item.Kind == snomed.KindAssociation && active[item.RefsetID] {
				add(item.Association.TargetComponentID)
			}
		}
		// backward: inactive predecessors whose association targets this
		// concept, found via the member index
		for refsetID := range active {
			predecessors, err := svc.members.QueryMembers(refsetID, []search.FieldFilter{
				{Field: "targetComponentId", Op: search.OpEqual, Value: strconv.FormatInt(id, 10)},
			})
			if err != nil {
				return nil, err
			}
			for _, p := range predecessors {
				add(p)
			}
		}
	}
	return result, nil
}

// ExpandRequest selects how an ECL expansion is realised. IncludeHistoric
// and Preferred are mutually exclusive.
type ExpandRequest struct {
	ECL             string
	IncludeHistoric bool
	// Preferred binds each returned term to the preferred synonym in the
	// named language refsets; empty means ids only.
	Preferred []int64
}

// Expand evaluates an ECL expression constraint against the open handle.
func (svc *Svc) Expand(req *ExpandRequest) ([]*snomed.ConceptReference, error) {
	if req.IncludeHistoric && len(req.Preferred) > 0 {
		return nil, &hermeserr.InvalidParameterError{
			Parameter: "includeHistoric",
			Reason:    "mutually exclusive with preferred",
		}
	}
	ids, err := svc.ExpandECL(req.ECL)
	if err != nil {
		return nil, err
	}
	if req.IncludeHistoric {
		ids, err = svc.HistoryClosure(ids, ecl.HistoryAll)
		if err != nil {
			return nil, err
		}
	}
	refs := make([]*snomed.ConceptReference, len(ids))
	for i, id := range ids {
		refs[i] = &snomed.ConceptReference{ConceptID: id}
		if len(req.Preferred) > 0 {
			if descs, err := svc.Synonyms(id, req.Preferred...); err == nil {
				for _, d := range descs {
					preferredIn, _, err := svc.store.LanguageAcceptability(d.ID)
					if err != nil {
						continue
					}
					if anyInSet(req.Preferred, preferredIn) {
						refs[i].Term = d.Term
						break
					}
				}
			}
		}
	}
	return refs, nil
}

// compileECL parses and lowers an ECL source string to an index query.
func (svc *Svc) compileECL(s string) (search.Query, error) {
	expr, err := ecl.Parse(s)
	if err != nil {
		return search.Query{}, err
	}
	return ecl.Compile(expr, svc)
}

// ExpandECL evaluates an ECL expression to the matching concept ids, in
// ascending order.
func (svc *Svc) ExpandECL(s string) ([]int64, error) {
	q, err := svc.compileECL(s)
	if err != nil {
		return nil, err
	}
	return svc.Execute(q)
}

// ExpandECLHistoric evaluates an ECL expression and widens the result
// with historical associations under the default profile; always a
// superset of ExpandECL.
func (svc *Svc) ExpandECLHistoric(s string) ([]int64, error) {
	ids, err := svc.ExpandECL(s)
	if err != nil {
		return nil, err
	}
	return svc.HistoryClosure(ids, ecl.HistoryAll)
}

// ExpandECLPreferred evaluates an ECL expression, binding each result to
// its preferred synonym within the named language refsets.
func (svc *Svc) ExpandECLPreferred(s string, refsetIDs []int64) ([]*snomed.ConceptReference, error) {
	return svc.Expand(&ExpandRequest{ECL: s, Preferred: refsetIDs})
}

// IntersectECL returns ids ∩ expand(ecl), computed index-side by ANDing
// the candidate set into the query rather than materialising the full
// expansion.
func (svc *Svc) IntersectECL(conceptIDs []int64, s string) ([]int64, error) {
	q, err := svc.compileECL(s)
	if err != nil {
		return nil, err
	}
	return svc.Execute(search.And(search.ConceptIDs(conceptIDs), q))
}

// MapInto maps each input concept into an ECL-defined value set: the
// result at position i is conceptIDs[i] alone when it is itself in the
// expansion, and otherwise the subset of the expansion comprising its
// ancestors. Input order is preserved.
func (svc *Svc) MapInto(conceptIDs []int64, s string) ([][]int64, error) {
	expansion, err := svc.ExpandECL(s)
	if err != nil {
		return nil, err
	}
	target := make(map[int64]bool, len(expansion))
	for _, id := range expansion {
		target[id] = true
	}
	result := make([][]int64, len(conceptIDs))
	for i, id := range conceptIDs {
		if target[id] {
			result[i] = []int64{id}
			continue
		}
		ancestors, err := svc.store.AllParentIDs(id)
		if err != nil {
			return nil, err
		}
		var matched []int64
		for _, a := range ancestors {
			if target[a] {
				matched = append(matched, a)
			}
		}
		result[i] = matched
	}
	return result, nil
}

// ReverseMap returns the items of a map refset whose target code begins
// with code, e.g. the ICD-10 entries mapping back into SNOMED.
func (svc *Svc) ReverseMap(refsetID int64, code string) ([]*snomed.RefsetItem, error) {
	return svc.store.ReverseMap(refsetID, code)
}

// MemberFieldPrefix returns the referenced components of refset items
// whose string field begins with prefix, backed by the member index.
func (svc *Svc) MemberFieldPrefix(refsetID int64, field, prefix string) ([]int64, error) {
	return svc.members.QueryMembersPrefix(refsetID, field, prefix)
}

// ConceptIDStream carries one id of a streamed expansion, or a terminal
// error.
type ConceptIDStream struct {
	ID  int64
	Err error
}

// ExpandECLStream evaluates an ECL expression and streams the matching
// concept ids into a bounded channel, stopping early when ctx is
// cancelled.
func (svc *Svc) ExpandECLStream(ctx context.Context, s string) <-chan ConceptIDStream {
	out := make(chan ConceptIDStream, 64)
	go func() {
		defer close(out)
		ids, err := svc.ExpandECL(s)
		if err != nil {
			select {
			case out <- ConceptIDStream{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		for _, id := range ids {
			select {
			case out <- ConceptIDStream{ID: id}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ModuleDependencies validates the module dependency reference set:
// every item is annotated with whether the module version it cites is
// actually present in this store.
func (svc *Svc) ModuleDependencies() ([]*snomed.ModuleDependencyValidity, error) {
	latest := make(map[int64]int32)
	observe := func(moduleID int64, et int32) {
		if cur, ok := latest[moduleID]; !ok || et > cur {
			latest[moduleID] = et
		}
	}
	if err := svc.store.ForEachConcept(func(c *snomed.Concept) error {
		observe(c.ModuleID, c.EffectiveTime)
		return nil
	}); err != nil {
		return nil, err
	}
	var result []*snomed.ModuleDependencyValidity
	err := svc.store.RefsetMembers(snomed.RefsetModuleDependency, func(item *snomed.RefsetItem) error {
		if item.Kind != snomed.KindModuleDependency {
			return nil
		}
		observe(item.ModuleID, item.ModuleDependency.SourceEffectiveTime)
		v := &snomed.ModuleDependencyValidity{Item: item, Valid: true}
		target := item.ReferencedComponentID
		et, ok := latest[target]
		switch {
		case !ok:
			v.Valid = false
			v.Reason = "target module not installed"
		case et < item.ModuleDependency.TargetEffectiveTime:
			v.Valid = false
			v.Reason = "installed target module older than required"
		}
		result = append(result, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
