package ecl

import (
	"strconv"

	"github.com/wardle/hermes/hermeserr"
	"github.com/wardle/hermes/search"
	"github.com/wardle/hermes/snomed"
)

// Index is the small set of store/search operations the compiler needs
// beyond what search.Query's keyword facets already realise lazily: the
// reverse-direction subsumption operators, attribute destination
// look-ups for dotted projection, member filters, and historical
// association widening all require a concrete concept-id set at compile
// time rather than a lazily-evaluated query. hermes.Svc implements this interface.
type Index interface {
	// DirectParents returns the direct IS-A parents of conceptID.
	DirectParents(conceptID int64) ([]int64, error)
	// Ancestors returns the transitive IS-A ancestors of conceptID.
	Ancestors(conceptID int64) ([]int64, error)
	// AttributeDestinations returns the union, over every concept in
	// conceptIDs, of the destination concepts of attributeTypeID.
	AttributeDestinations(conceptIDs []int64, attributeTypeID int64) ([]int64, error)
	// AttributeSources returns the concepts holding an active attribute of
	// attributeTypeID whose destination is in destinationIDs (the reverse
	// direction of AttributeDestinations, used by the "R" reverse flag).
	AttributeSources(destinationIDs []int64, attributeTypeID int64) ([]int64, error)
	// QueryMembers evaluates a {{M field op value}} filter against refsetID.
	QueryMembers(refsetID int64, filters []search.FieldFilter) ([]int64, error)
	// HistoryClosure returns conceptIDs widened by the historical
	// association profile).
	HistoryClosure(conceptIDs []int64, profile HistoryProfile) ([]int64, error)
	// Execute realises q against the description index, returning the
	// distinct matching concept ids.
	Execute(q search.Query) ([]int64, error)
}

// Compile lowers an ECL AST into a search.Query.
func Compile(expr *Expression, idx Index) (search.Query, error) {
	if expr.Single != nil {
		return compileSub(expr.Single, idx)
	}
	queries := make([]search.Query, len(expr.Compound))
	for i, sub := range expr.Compound {
		q, err := Compile(&sub, idx)
		if err != nil {
			return search.Query{}, err
		}
		queries[i] = q
	}
	switch expr.CompoundOp {
	case BoolAnd:
		return search.And(queries...), nil
	case BoolOr:
		return search.Or(queries...), nil
	case BoolMinus:
		if len(queries) == 1 {
			return queries[0], nil
		}
		return search.Not(queries[0], search.Or(queries[1:]...)), nil
	default:
		return search.Query{}, &hermeserr.UnsupportedError{Feature: "boolean combinator"}
	}
}

func compileSub(se *SubExpression, idx Index) (search.Query, error) {
	base, err := compileBase(se, idx)
	if err != nil {
		return search.Query{}, err
	}
	if len(se.Dotted) > 0 {
		ids, err := idx.Execute(base)
		if err != nil {
			return search.Query{}, err
		}
		for _, attr := range se.Dotted {
			if attr.Wildcard {
				return search.Query{}, &hermeserr.UnsupportedError{Feature: "wildcard dotted attribute", Fragment: "*"}
			}
			ids, err = idx.AttributeDestinations(ids, attr.ID)
			if err != nil {
				return search.Query{}, err
			}
		}
		base = search.ConceptIDs(ids)
	}
	if se.Refinement != nil {
		refQ, err := compileRefinement(se.Refinement, idx)
		if err != nil {
			return search.Query{}, err
		}
		base = search.And(base, refQ)
	}
	for _, f := range se.Filters {
		fq, err := compileFilter(f, se, base, idx)
		if err != nil {
			return search.Query{}, err
		}
		base = fq
	}
	return base, nil
}

func compileBase(se *SubExpression, idx Index) (search.Query, error) {
	if se.MemberOf {
		return compileMemberOf(se, idx)
	}
	if se.Nested != nil {
		nestedQ, err := Compile(se.Nested, idx)
		if err != nil {
			return search.Query{}, err
		}
		if se.Operator == OpNone {
			return nestedQ, nil
		}
		ids, err := idx.Execute(nestedQ)
		if err != nil {
			return search.Query{}, err
		}
		return applyOperatorToIDs(ids, se.Operator, idx)
	}
	if se.Focus.Wildcard {
		if se.Operator == OpNone || se.Operator == OpDescendantOrSelfOf {
			return search.DescendantOrSelfOf(snomed.RootConcept), nil
		}
		return search.Query{}, &hermeserr.UnsupportedError{Feature: "operator applied to wildcard", Fragment: se.Focus.Term}
	}
	return applyOperatorToSingle(se.Focus.ID, se.Operator, idx)
}

func applyOperatorToSingle(id int64, op Operator, idx Index) (search.Query, error) {
	switch op {
	case OpNone:
		return search.Self(id), nil
	case OpDescendantOf:
		return search.DescendantOf(id), nil
	case OpDescendantOrSelfOf:
		return search.DescendantOrSelfOf(id), nil
	case OpChildOf:
		return search.ChildOf(id), nil
	case OpChildOrSelfOf:
		return search.ChildOrSelfOf(id), nil
	case OpAncestorOf:
		ids, err := idx.Ancestors(id)
		if err != nil {
			return search.Query{}, err
		}
		return search.ConceptIDs(ids), nil
	case OpAncestorOrSelfOf:
		ids, err := idx.Ancestors(id)
		if err != nil {
			return search.Query{}, err
		}
		return search.Or(search.ConceptIDs(ids), search.Self(id)), nil
	case OpParentOf:
		ids, err := idx.DirectParents(id)
		if err != nil {
			return search.Query{}, err
		}
		return search.ConceptIDs(ids), nil
	case OpParentOrSelfOf:
		ids, err := idx.DirectParents(id)
		if err != nil {
			return search.Query{}, err
		}
		return search.Or(search.ConceptIDs(ids), search.Self(id)), nil
	default:
		return search.Query{}, &hermeserr.UnsupportedError{Feature: "constraint operator"}
	}
}

func applyOperatorToIDs(ids []int64, op Operator, idx Index) (search.Query, error) {
	queries := make([]search.Query, 0, len(ids))
	for _, id := range ids {
		q, err := applyOperatorToSingle(id, op, idx)
		if err != nil {
			return search.Query{}, err
		}
		queries = append(queries, q)
	}
	return search.Or(queries...), nil
}

func compileMemberOf(se *SubExpression, idx Index) (search.Query, error) {
	if se.MemberOfSet != nil {
		if se.MemberOfSet.Wildcard {
			return search.Query{}, &hermeserr.UnsupportedError{Feature: "member of any refset", Fragment: "^ *"}
		}
		refsetID := se.MemberOfSet.ID
		if len(memberFilters(se.Filters)) > 0 {
			ids, err := idx.QueryMembers(refsetID, toFieldFilters(memberFilters(se.Filters)))
			if err != nil {
				return search.Query{}, err
			}
			return search.ConceptIDs(ids), nil
		}
		return search.MemberOf(refsetID), nil
	}
	if se.MemberOfExpr != nil {
		refsetQ, err := Compile(se.MemberOfExpr, idx)
		if err != nil {
			return search.Query{}, err
		}
		refsetIDs, err := idx.Execute(refsetQ)
		if err != nil {
			return search.Query{}, err
		}
		return search.MemberOfAny(refsetIDs), nil
	}
	return search.Query{}, &hermeserr.UnsupportedError{Feature: "member-of operand"}
}

func memberFilters(filters []Filter) []Filter {
	var out []Filter
	for _, f := range filters {
		if f.Kind == FilterMember {
			out = append(out, f)
		}
	}
	return out
}

func toFieldFilters(filters []Filter) []search.FieldFilter {
	out := make([]search.FieldFilter, 0, len(filters))
	for _, f := range filters {
		out = append(out, search.FieldFilter{Field: f.Field, Op: toSearchOperator(f.Op), Value: f.Value})
	}
	return out
}

func toSearchOperator(op string) search.Operator {
	switch op {
	case "=":
		return search.OpEqual
	case "!=":
		return search.OpNotEqual
	case "<":
		return search.OpLess
	case "<=":
		return search.OpLessOrEqual
	case ">":
		return search.OpGreater
	case ">=":
		return search.OpGreaterOrEqual
	default:
		return search.OpEqual
	}
}

func compileFilter(f Filter, se *SubExpression, base search.Query, idx Index) (search.Query, error) {
	switch f.Kind {
	case FilterConcept:
		if f.Field == "active" {
			return search.And(base, search.ActiveConcept(f.Value == "true")), nil
		}
		return search.Query{}, &hermeserr.UnsupportedError{Feature: "concept filter", Fragment: f.Field}
	case FilterDescription:
		switch f.Field {
		case "active":
			return search.And(base, search.ActiveDescription(f.Value == "true")), nil
		case "term":
			return search.And(base, search.Term(f.Value)), nil
		case "type":
			switch f.Value {
			case "syn":
				return search.And(base, search.IsSynonym(true)), nil
			case "fsn":
				return search.And(base, search.IsFSN(true)), nil
			case "def":
				return search.And(base, search.IsSynonym(false), search.IsFSN(false)), nil
			}
			return search.Query{}, &hermeserr.UnsupportedError{Feature: "description type filter", Fragment: f.Value}
		case "dialect", "dialectId":
			refsetID, err := strconv.ParseInt(f.Value, 10, 64)
			if err != nil {
				// dialect aliases ("en-gb") need the locale matcher, which
				// lives behind the facade; only refset-id dialects lower here
				return search.Query{}, &hermeserr.UnsupportedError{Feature: "dialect alias filter", Fragment: f.Value}
			}
			return search.And(base, search.Acceptability(search.PreferredIn, refsetID)), nil
		}
		return search.Query{}, &hermeserr.UnsupportedError{Feature: "description filter", Fragment: f.Field}
	case FilterMember:
		if se.MemberOf {
			return base, nil // already folded into compileMemberOf
		}
		// a bare member filter with no enclosing memberOf has no refset
		// context to evaluate against
		return search.Query{}, &hermeserr.UnsupportedError{Feature: "member filter outside memberOf", Fragment: f.Field}
	case FilterHistory:
		ids, err := idx.Execute(base)
		if err != nil {
			return search.Query{}, err
		}
		widened, err := idx.HistoryClosure(ids, f.History)
		if err != nil {
			return search.Query{}, err
		}
		return search.ConceptIDs(widened), nil
	default:
		return base, nil
	}
}

func compileRefinement(ref *Refinement, idx Index) (search.Query, error) {
	var queries []search.Query
	for _, ac := range ref.Attributes {
		q, err := compileAttribute(ac, idx)
		if err != nil {
			return search.Query{}, err
		}
		queries = append(queries, q)
	}
	for _, g := range ref.Groups {
		q, err := compileRefinement(&g.Refinement, idx)
		if err != nil {
			return search.Query{}, err
		}
		queries = append(queries, q)
	}
	for _, n := range ref.Nested {
		q, err := compileRefinement(&n, idx)
		if err != nil {
			return search.Query{}, err
		}
		queries = append(queries, q)
	}
	if len(queries) == 0 {
		return search.Query{}, &hermeserr.UnsupportedError{Feature: "empty refinement"}
	}
	if ref.Op == BoolOr {
		return search.Or(queries...), nil
	}
	return search.And(queries...), nil
}

func compileAttribute(ac AttributeConstraint, idx Index) (search.Query, error) {
	if ac.ValueNumber != nil || ac.ValueString != nil || ac.ValueBool != nil {
		return search.Query{}, &hermeserr.UnsupportedError{Feature: "concrete (non-concept) attribute refinement", Fragment: ""}
	}
	if ac.ValueExpr == nil {
		return search.Query{}, &hermeserr.UnsupportedError{Feature: "attribute value"}
	}
	if ac.Comparator == CmpNotEquals && ac.MaxCardinality == 0 {
		return search.Query{}, &hermeserr.UnsupportedError{Feature: "!= with zero cardinality", Fragment: ""}
	}
	valueQ, err := Compile(ac.ValueExpr, idx)
	if err != nil {
		return search.Query{}, err
	}
	destIDs, err := idx.Execute(valueQ)
	if err != nil {
		return search.Query{}, err
	}
	typeIDs, err := resolveAttributeTypes(ac, idx)
	if err != nil {
		return search.Query{}, err
	}
	if ac.Reverse {
		// R attr = X: realise X to destinations, look up the sources whose
		// attribute points into that set, and lift the union back into a
		// concept-id query.
		var sources []int64
		seen := make(map[int64]bool)
		for _, typeID := range typeIDs {
			ids, err := idx.AttributeSources(destIDs, typeID)
			if err != nil {
				return search.Query{}, err
			}
			for _, id := range ids {
				if !seen[id] {
					seen[id] = true
					sources = append(sources, id)
				}
			}
		}
		return search.ConceptIDs(sources), nil
	}
	perType := make([]search.Query, 0, len(typeIDs))
	for _, typeID := range typeIDs {
		q := search.AttributeInSet(typeID, destIDs)
		min, max := ac.MinCardinality, ac.MaxCardinality
		if min == 0 && max == -1 {
			// No explicit cardinality: ECL's default is "at least one match".
			min = 1
		}
		perType = append(perType, search.And(q, search.AttributeCount(typeID, min, max)))
	}
	matched := search.Or(perType...)
	if ac.Comparator == CmpNotEquals {
		return search.Not(search.Query{}, matched), nil
	}
	return matched, nil
}

// resolveAttributeTypes widens an attribute name to the set of attribute
// type ids it denotes: the name itself for a plain literal, its subsumed
// types for an operator-prefixed name, and every descendant of the
// Attribute metadata concept for the wildcard.
func resolveAttributeTypes(ac AttributeConstraint, idx Index) ([]int64, error) {
	if ac.Name.Wildcard {
		return idx.Execute(search.DescendantOf(snomed.AttributeConcept))
	}
	if ac.NameOperator == OpNone {
		return []int64{ac.Name.ID}, nil
	}
	q, err := applyOperatorToSingle(ac.Name.ID, ac.NameOperator, idx)
	if err != nil {
		return nil, err
	}
	return idx.Execute(q)
}
