package scg

import (
	"errors"
	"strings"
	"testing"

	"github.com/wardle/hermes/hermeserr"
)

func mustParse(t *testing.T, src string) *Expression {
	t.Helper()
	exp, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse(%q): %v", src, err)
	}
	return exp
}

func TestParseSingleConcept(t *testing.T) {
	exp := mustParse(t, "73211009 |diabetes mellitus|")
	if len(exp.Clause.FocusConcepts) != 1 {
		t.Fatalf("got %+v", exp.Clause)
	}
	fc := exp.Clause.FocusConcepts[0]
	if fc.ConceptID != 73211009 || fc.Term != "diabetes mellitus" {
		t.Errorf("got %+v", fc)
	}
	if exp.DefinitionStatus != EquivalentTo {
		t.Error("default definition status should be equivalent-to")
	}
}

func TestParseSubtypeOf(t *testing.T) {
	exp := mustParse(t, "<<< 73211009")
	if exp.DefinitionStatus != SubtypeOf {
		t.Errorf("got %v", exp.DefinitionStatus)
	}
}

func TestParseMultipleFocusConcepts(t *testing.T) {
	exp := mustParse(t, "421720008 |spray dose form| + 7946007 |drug suspension|")
	if len(exp.Clause.FocusConcepts) != 2 {
		t.Fatalf("got %+v", exp.Clause.FocusConcepts)
	}
}

func TestParseRefinements(t *testing.T) {
	exp := mustParse(t, "83152002 |oophorectomy| : 405815000 |procedure device| = 122456005 |laser device|")
	if len(exp.Clause.Refinements) != 1 {
		t.Fatalf("got %+v", exp.Clause)
	}
	r := exp.Clause.Refinements[0]
	if r.Type.ConceptID != 405815000 || r.Value.Concept == nil || r.Value.Concept.ConceptID != 122456005 {
		t.Errorf("got %+v", r)
	}
}

func TestParseAttributeGroups(t *testing.T) {
	exp := mustParse(t, `71388002 |procedure| :
		{ 260686004 |method| = 129304002 |excision - action|, 405813007 |procedure site - direct| = 15497006 |ovarian structure| }
		{ 260686004 |method| = 129304002 |excision - action|, 405813007 |procedure site - direct| = 31435000 |fallopian tube structure| }`)
	if len(exp.Clause.Groups) != 2 {
		t.Fatalf("got %d groups", len(exp.Clause.Groups))
	}
	if len(exp.Clause.Groups[0]) != 2 {
		t.Errorf("got %d refinements in first group", len(exp.Clause.Groups[0]))
	}
}

func TestParseNestedExpression(t *testing.T) {
	exp := mustParse(t, "397956004 |prosthetic arthroplasty of the hip| : 363704007 |procedure site| = ( 24136001 |hip joint structure| : 272741003 |laterality| = 7771000 |left| )")
	r := exp.Clause.Refinements[0]
	if r.Value.Clause == nil {
		t.Fatalf("expected nested clause, got %+v", r.Value)
	}
	if len(r.Value.Clause.Refinements) != 1 {
		t.Errorf("got %+v", r.Value.Clause)
	}
}

func TestParseConcreteValues(t *testing.T) {
	exp := mustParse(t, `323510009 |amoxicillin 500mg capsule| : 111115 |trade name| = "PANADOL", 111117 |strength| = #500`)
	rs := exp.Clause.Refinements
	if len(rs) != 2 {
		t.Fatalf("got %+v", rs)
	}
	if rs[0].Value.String == nil || *rs[0].Value.String != "PANADOL" {
		t.Errorf("got %+v", rs[0].Value)
	}
	if rs[1].Value.Number != "500" {
		t.Errorf("got %+v", rs[1].Value)
	}
}

func TestParseErrorHasPosition(t *testing.T) {
	_, err := Parse("73211009 :")
	var pe *hermeserr.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want ParseError", err)
	}
	if pe.Line < 1 || pe.Column < 1 {
		t.Errorf("expected positive position, got %d:%d", pe.Line, pe.Column)
	}
}

func TestParseRejectsTrailingInput(t *testing.T) {
	if _, err := Parse("73211009 %"); err == nil {
		t.Error("expected trailing input to be rejected")
	}
}

// round-trip law: parse ∘ render ∘ parse = parse
func TestRoundTrip(t *testing.T) {
	sources := []string{
		"73211009 |diabetes mellitus|",
		"<<< 73211009",
		"421720008 + 7946007",
		"83152002 : 405815000 = 122456005",
		"71388002 : { 260686004 = 129304002, 405813007 = 15497006 } { 260686004 = 129304002 }",
		"397956004 : 363704007 = ( 24136001 : 272741003 = 7771000 )",
		`323510009 : 111115 = "PANADOL", 111117 = #500`,
	}
	renderer := NewDefaultRenderer()
	for _, src := range sources {
		first := mustParse(t, src)
		rendered, err := renderer.Render(first)
		if err != nil {
			t.Fatalf("Render(%q): %v", src, err)
		}
		second, err := Parse(rendered)
		if err != nil {
			t.Fatalf("re-Parse(%q): %v", rendered, err)
		}
		if !Equal(first, second) {
			t.Errorf("round trip changed %q -> %q", src, rendered)
		}
	}
}

func TestCanonicalRenderingSorts(t *testing.T) {
	a := mustParse(t, "7946007 + 421720008 : 111117 = #500, 111115 = \"X\"")
	b := mustParse(t, "421720008 + 7946007 : 111115 = \"X\", 111117 = #500")
	if !Equal(a, b) {
		t.Error("canonical rendering should make ordering irrelevant")
	}
}

func TestCanonicalHidesTerms(t *testing.T) {
	exp := mustParse(t, "73211009 |diabetes mellitus|")
	s, err := NewCanonicalRenderer().Render(exp)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(s, "|") {
		t.Errorf("canonical form should hide terms, got %q", s)
	}
}

func TestUpdatingRendererRefreshesTerms(t *testing.T) {
	exp := mustParse(t, "73211009 |stale|")
	r := NewUpdatingRenderer(func(conceptID int64) (string, error) {
		return "diabetes mellitus", nil
	})
	s, err := r.Render(exp)
	if err != nil {
		t.Fatal(err)
	}
	if s != "73211009 |diabetes mellitus|" {
		t.Errorf("got %q", s)
	}
}
