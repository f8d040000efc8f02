// Package scg parses and renders SNOMED CT compositional grammar (SCG)
// expressions. Expressions combine focus concepts with refinements
// and attribute groups, much as a sentence combines words; the package
// guarantees that a rendered expression parses back to the same structure
// under whitespace and term normalisation.
package scg

import (
	"strconv"
	"strings"

	"github.com/wardle/hermes/hermeserr"
)

// DefinitionStatus marks whether an expression is equivalent to ("===")
// or a subtype of ("<<<") the concepts it composes.
type DefinitionStatus int

// Recognised definition statuses. EquivalentTo is the grammar's default
// when no marker is present.
const (
	EquivalentTo DefinitionStatus = iota
	SubtypeOf
)

// Expression is a parsed SCG expression.
type Expression struct {
	DefinitionStatus DefinitionStatus
	Clause           *Clause
}

// Clause is one (possibly nested) subexpression: focus concepts plus any
// ungrouped refinements and attribute groups.
type Clause struct {
	FocusConcepts []ConceptReference
	Refinements   []Refinement
	Groups        [][]Refinement
}

// ConceptReference is a concept id with its optional |term| annotation.
type ConceptReference struct {
	ConceptID int64
	Term      string
}

// Refinement is one attribute = value pair.
type Refinement struct {
	Type  ConceptReference
	Value Value
}

// Value is a refinement's right-hand side: exactly one field is set.
type Value struct {
	Concept *ConceptReference
	Clause  *Clause // parenthesised nested subexpression
	Number  string  // concrete numeric value, without the leading '#'
	String  *string // concrete quoted string value
}

type scanner struct {
	input string
	pos   int
	line  int
	col   int
}

func newScanner(input string) *scanner {
	return &scanner{input: input, line: 1, col: 1}
}

func (s *scanner) peek() byte {
	if s.pos >= len(s.input) {
		return 0
	}
	return s.input[s.pos]
}

func (s *scanner) advance() byte {
	b := s.peek()
	s.pos++
	if b == '\n' {
		s.line++
		s.col = 1
	} else {
		s.col++
	}
	return b
}

func (s *scanner) skipSpace() {
	for {
		switch s.peek() {
		case ' ', '\t', '\r', '\n':
			s.advance()
		default:
			return
		}
	}
}

func (s *scanner) err(expected string) error {
	return &hermeserr.ParseError{Line: s.line, Column: s.col, Expected: expected, Input: s.input}
}

// accept consumes lit if it is next in the input.
func (s *scanner) accept(lit string) bool {
	s.skipSpace()
	if strings.HasPrefix(s.input[s.pos:], lit) {
		for range lit {
			s.advance()
		}
		return true
	}
	return false
}

func (s *scanner) expect(lit string) error {
	if !s.accept(lit) {
		return s.err(lit)
	}
	return nil
}

// Parse parses an SCG expression.
func Parse(input string) (*Expression, error) {
	s := newScanner(input)
	exp := &Expression{}
	if s.accept("===") {
		exp.DefinitionStatus = EquivalentTo
	} else if s.accept("<<<") {
		exp.DefinitionStatus = SubtypeOf
	}
	clause, err := parseClause(s)
	if err != nil {
		return nil, err
	}
	exp.Clause = clause
	s.skipSpace()
	if s.peek() != 0 {
		return nil, s.err("end of expression")
	}
	return exp, nil
}

func parseClause(s *scanner) (*Clause, error) {
	clause := &Clause{}
	for {
		cr, err := parseConceptReference(s)
		if err != nil {
			return nil, err
		}
		clause.FocusConcepts = append(clause.FocusConcepts, cr)
		if !s.accept("+") {
			break
		}
	}
	if !s.accept(":") {
		return clause, nil
	}
	for {
		if s.accept("{") {
			group, err := parseAttributeSet(s)
			if err != nil {
				return nil, err
			}
			if err := s.expect("}"); err != nil {
				return nil, err
			}
			clause.Groups = append(clause.Groups, group)
		} else {
			r, err := parseRefinement(s)
			if err != nil {
				return nil, err
			}
			clause.Refinements = append(clause.Refinements, r)
		}
		if s.accept(",") {
			continue
		}
		// attribute groups may follow one another without a separator
		s.skipSpace()
		if s.peek() != '{' {
			break
		}
	}
	return clause, nil
}

func parseAttributeSet(s *scanner) ([]Refinement, error) {
	var set []Refinement
	for {
		r, err := parseRefinement(s)
		if err != nil {
			return nil, err
		}
		set = append(set, r)
		if !s.accept(",") {
			break
		}
	}
	return set, nil
}

func parseRefinement(s *scanner) (Refinement, error) {
	name, err := parseConceptReference(s)
	if err != nil {
		return Refinement{}, err
	}
	if err := s.expect("="); err != nil {
		return Refinement{}, err
	}
	value, err := parseValue(s)
	if err != nil {
		return Refinement{}, err
	}
	return Refinement{Type: name, Value: value}, nil
}

func parseValue(s *scanner) (Value, error) {
	s.skipSpace()
	switch {
	case s.accept("("):
		clause, err := parseClause(s)
		if err != nil {
			return Value{}, err
		}
		if err := s.expect(")"); err != nil {
			return Value{}, err
		}
		// a parenthesised single concept with no refinement is the concept
		// itself, not a nested clause
		if len(clause.FocusConcepts) == 1 && len(clause.Refinements) == 0 && len(clause.Groups) == 0 {
			cr := clause.FocusConcepts[0]
			return Value{Concept: &cr}, nil
		}
		return Value{Clause: clause}, nil
	case s.accept("#"):
		num, err := parseNumber(s)
		if err != nil {
			return Value{}, err
		}
		return Value{Number: num}, nil
	case s.peek() == '"':
		str, err := parseQuoted(s)
		if err != nil {
			return Value{}, err
		}
		return Value{String: &str}, nil
	default:
		cr, err := parseConceptReference(s)
		if err != nil {
			return Value{}, err
		}
		return Value{Concept: &cr}, nil
	}
}

func parseConceptReference(s *scanner) (ConceptReference, error) {
	s.skipSpace()
	start := s.pos
	for {
		b := s.peek()
		if b < '0' || b > '9' {
			break
		}
		s.advance()
	}
	if s.pos == start {
		return ConceptReference{}, s.err("concept identifier")
	}
	id, err := strconv.ParseInt(s.input[start:s.pos], 10, 64)
	if err != nil {
		return ConceptReference{}, s.err("concept identifier")
	}
	cr := ConceptReference{ConceptID: id}
	s.skipSpace()
	if s.peek() == '|' {
		s.advance()
		var sb strings.Builder
		for {
			b := s.peek()
			if b == 0 {
				return ConceptReference{}, s.err("|")
			}
			if b == '|' {
				s.advance()
				break
			}
			sb.WriteByte(s.advance())
		}
		cr.Term = strings.TrimSpace(sb.String())
	}
	return cr, nil
}

func parseNumber(s *scanner) (string, error) {
	s.skipSpace()
	start := s.pos
	if s.peek() == '-' {
		s.advance()
	}
	for {
		b := s.peek()
		if (b < '0' || b > '9') && b != '.' {
			break
		}
		s.advance()
	}
	if s.pos == start {
		return "", s.err("numeric value")
	}
	return s.input[start:s.pos], nil
}

func parseQuoted(s *scanner) (string, error) {
	s.advance() // opening quote
	var sb strings.Builder
	for {
		b := s.peek()
		if b == 0 {
			return "", s.err(`"`)
		}
		if b == '"' {
			s.advance()
			return sb.String(), nil
		}
		sb.WriteByte(s.advance())
	}
}
