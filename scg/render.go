package scg

import (
	"sort"
	"strconv"
	"strings"
)

// TermResolver supplies the preferred synonym for a concept when a
// renderer refreshes terms; it is a function type so this package needs
// no dependency on an open terminology service.
type TermResolver func(conceptID int64) (string, error)

// Renderer renders an expression back to SCG text such that it can be
// round-tripped via Parse.
type Renderer struct {
	hideTerms bool         // omit |term| annotations, as in canonical form
	sort      bool         // sort focus concepts, refinements and groups canonically
	resolve   TermResolver // when set, replace each term by the resolved preferred synonym
}

// NewDefaultRenderer renders an expression as parsed, terms included.
func NewDefaultRenderer() *Renderer { return &Renderer{} }

// NewCanonicalRenderer renders in canonical form: terms hidden, focus
// concepts, refinements and groups sorted. Two expressions are equivalent
// under round-trippable parse/render exactly when their canonical
// renderings are equal.
func NewCanonicalRenderer() *Renderer { return &Renderer{hideTerms: true, sort: true} }

// NewUpdatingRenderer refreshes every term annotation via resolve before
// rendering, used to re-bind an old expression's terms to the preferred
// synonyms of a current release.
func NewUpdatingRenderer(resolve TermResolver) *Renderer { return &Renderer{resolve: resolve} }

// Equal reports whether two expressions are equivalent under canonical
// rendering.
func Equal(a, b *Expression) bool {
	r := NewCanonicalRenderer()
	sa, err1 := r.Render(a)
	sb, err2 := r.Render(b)
	return err1 == nil && err2 == nil && sa == sb
}

// Render renders the expression according to the renderer's rules.
func (r *Renderer) Render(exp *Expression) (string, error) {
	var sb strings.Builder
	if exp.DefinitionStatus == SubtypeOf {
		sb.WriteString("<<< ")
	}
	if err := r.renderClause(&sb, exp.Clause); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (r *Renderer) renderClause(sb *strings.Builder, clause *Clause) error {
	focus := clause.FocusConcepts
	if r.sort {
		focus = append([]ConceptReference(nil), focus...)
		sort.Slice(focus, func(i, j int) bool { return focus[i].ConceptID < focus[j].ConceptID })
	}
	for i, cr := range focus {
		if i > 0 {
			sb.WriteString(" + ")
		}
		if err := r.renderConcept(sb, cr); err != nil {
			return err
		}
	}
	if len(clause.Refinements) == 0 && len(clause.Groups) == 0 {
		return nil
	}
	sb.WriteString(" : ")
	refinements := clause.Refinements
	if r.sort {
		refinements = append([]Refinement(nil), refinements...)
		sort.Slice(refinements, func(i, j int) bool {
			return refinements[i].Type.ConceptID < refinements[j].Type.ConceptID
		})
	}
	first := true
	for _, ref := range refinements {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		if err := r.renderRefinement(sb, ref); err != nil {
			return err
		}
	}
	groups := clause.Groups
	if r.sort {
		groups = make([][]Refinement, 0, len(clause.Groups))
		for _, g := range clause.Groups {
			sorted := append([]Refinement(nil), g...)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i].Type.ConceptID < sorted[j].Type.ConceptID
			})
			groups = append(groups, sorted)
		}
		sort.Slice(groups, func(i, j int) bool {
			if len(groups[i]) == 0 || len(groups[j]) == 0 {
				return len(groups[i]) < len(groups[j])
			}
			return groups[i][0].Type.ConceptID < groups[j][0].Type.ConceptID
		})
	}
	for _, group := range groups {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		sb.WriteString("{ ")
		for i, ref := range group {
			if i > 0 {
				sb.WriteString(", ")
			}
			if err := r.renderRefinement(sb, ref); err != nil {
				return err
			}
		}
		sb.WriteString(" }")
	}
	return nil
}

func (r *Renderer) renderRefinement(sb *strings.Builder, ref Refinement) error {
	if err := r.renderConcept(sb, ref.Type); err != nil {
		return err
	}
	sb.WriteString(" = ")
	switch {
	case ref.Value.Concept != nil:
		return r.renderConcept(sb, *ref.Value.Concept)
	case ref.Value.Clause != nil:
		sb.WriteString("( ")
		if err := r.renderClause(sb, ref.Value.Clause); err != nil {
			return err
		}
		sb.WriteString(" )")
		return nil
	case ref.Value.String != nil:
		sb.WriteString(`"`)
		sb.WriteString(*ref.Value.String)
		sb.WriteString(`"`)
		return nil
	default:
		sb.WriteString("#")
		sb.WriteString(ref.Value.Number)
		return nil
	}
}

func (r *Renderer) renderConcept(sb *strings.Builder, cr ConceptReference) error {
	sb.WriteString(strconv.FormatInt(cr.ConceptID, 10))
	if r.hideTerms {
		return nil
	}
	term := cr.Term
	if r.resolve != nil {
		resolved, err := r.resolve(cr.ConceptID)
		if err != nil {
			return err
		}
		if resolved != "" {
			term = resolved
		}
	}
	if term != "" {
		sb.WriteString(" |")
		sb.WriteString(term)
		sb.WriteString("|")
	}
	return nil
}
