package ecl

import (
	"strconv"

	"github.com/wardle/hermes/hermeserr"
)

// parser is a hand-written recursive-descent parser following the ECL
// grammar's production structure: expression constraint, compound
// constraint, refined constraint, refinement, filter.
type parser struct {
	lex     *lexer
	tok     token
	peeked  bool
	peekTok token
}

func newParser(input string) (*parser, error) {
	p := &parser{lex: newLexer(input)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *parser) advance() error {
	if p.peeked {
		p.tok = p.peekTok
		p.peeked = false
		return nil
	}
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

func (p *parser) peek() (token, error) {
	if !p.peeked {
		t, err := p.lex.next()
		if err != nil {
			return token{}, err
		}
		p.peekTok = t
		p.peeked = true
	}
	return p.peekTok, nil
}

func (p *parser) parseErr(expected string) error {
	return &hermeserr.ParseError{Line: p.tok.line, Column: p.tok.column, Expected: expected, Input: p.tok.text}
}

func (p *parser) expect(k tokenKind, expected string) (token, error) {
	if p.tok.kind != k {
		return token{}, p.parseErr(expected)
	}
	t := p.tok
	if err := p.advance(); err != nil {
		return token{}, err
	}
	return t, nil
}

func (p *parser) isIdent(word string) bool {
	return p.tok.kind == tokIdent && p.tok.text == word
}

// Parse compiles an ECL source string into an Expression AST.
func Parse(source string) (*Expression, error) {
	p, err := newParser(source)
	if err != nil {
		return nil, err
	}
	expr, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, p.parseErr("end of expression")
	}
	return expr, nil
}

func (p *parser) parseExpression() (*Expression, error) {
	first, err := p.parseFullSubExpression()
	if err != nil {
		return nil, err
	}
	terms := []Expression{{Single: first}}
	var op BooleanOp
	haveOp := false
	for {
		var word string
		switch {
		case p.isIdent("AND"):
			word = "AND"
		case p.isIdent("OR"):
			word = "OR"
		case p.isIdent("MINUS"):
			word = "MINUS"
		default:
			goto done
		}
		var next BooleanOp
		switch word {
		case "AND":
			next = BoolAnd
		case "OR":
			next = BoolOr
		case "MINUS":
			next = BoolMinus
		}
		if haveOp && next != op {
			return nil, &hermeserr.UnsupportedError{Feature: "mixed AND/OR/MINUS without parentheses", Fragment: word}
		}
		haveOp = true
		op = next
		if err := p.advance(); err != nil {
			return nil, err
		}
		term, err := p.parseFullSubExpression()
		if err != nil {
			return nil, err
		}
		terms = append(terms, Expression{Single: term})
	}
done:
	if !haveOp {
		return &terms[0], nil
	}
	return &Expression{Compound: terms, CompoundOp: op}, nil
}

// parseFullSubExpression parses a single subexpression constraint
// together with any dotted projection and refinement suffix.
func (p *parser) parseFullSubExpression() (*SubExpression, error) {
	se, err := p.parseSubExpression()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokDot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		attr, err := p.parseFocusConcept()
		if err != nil {
			return nil, err
		}
		se.Dotted = append(se.Dotted, attr)
	}
	if p.tok.kind == tokColon {
		if err := p.advance(); err != nil {
			return nil, err
		}
		ref, err := p.parseRefinement()
		if err != nil {
			return nil, err
		}
		se.Refinement = ref
	}
	return se, nil
}

func (p *parser) parseOperator() Operator {
	switch p.tok.kind {
	case tokLt:
		return OpDescendantOf
	case tokLtLt:
		return OpDescendantOrSelfOf
	case tokLtBang:
		return OpChildOf
	case tokLtLtBang:
		return OpChildOrSelfOf
	case tokGt:
		return OpAncestorOf
	case tokGtGt:
		return OpAncestorOrSelfOf
	case tokGtBang:
		return OpParentOf
	case tokGtGtBang:
		return OpParentOrSelfOf
	default:
		return OpNone
	}
}

func (p *parser) parseSubExpression() (*SubExpression, error) {
	se := &SubExpression{}
	if p.tok.kind == tokCaret {
		se.MemberOf = true
		if err := p.advance(); err != nil {
			return nil, err
		}
	} else {
		op := p.parseOperator()
		if op != OpNone {
			se.Operator = op
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if p.tok.kind == tokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		if se.MemberOf {
			se.MemberOfExpr = inner
		} else {
			se.Nested = inner
		}
	} else {
		focus, err := p.parseFocusConcept()
		if err != nil {
			return nil, err
		}
		if se.MemberOf {
			se.MemberOfSet = &focus
		} else {
			se.Focus = focus
		}
	}
	for p.tok.kind == tokLBraceBrace {
		filters, err := p.parseFilterBlock()
		if err != nil {
			return nil, err
		}
		se.Filters = append(se.Filters, filters...)
	}
	return se, nil
}

func (p *parser) parseFocusConcept() (FocusConcept, error) {
	if p.tok.kind == tokStar {
		if err := p.advance(); err != nil {
			return FocusConcept{}, err
		}
		return FocusConcept{Wildcard: true}, nil
	}
	numTok, err := p.expect(tokNumber, "concept identifier")
	if err != nil {
		return FocusConcept{}, err
	}
	id, err := strconv.ParseInt(numTok.text, 10, 64)
	if err != nil {
		return FocusConcept{}, &hermeserr.InvalidIdentifierError{Value: numTok.text, Reason: "not a valid SCTID"}
	}
	fc := FocusConcept{ID: id}
	if p.tok.kind == tokTerm {
		fc.Term = p.tok.text
		if err := p.advance(); err != nil {
			return FocusConcept{}, err
		}
	}
	return fc, nil
}

func (p *parser) parseCardinality() (int, int, error) {
	if _, err := p.expect(tokLBracket, "["); err != nil {
		return 0, 0, err
	}
	minTok, err := p.expect(tokNumber, "cardinality minimum")
	if err != nil {
		return 0, 0, err
	}
	min, _ := strconv.Atoi(minTok.text)
	if _, err := p.expect(tokDotDot, ".."); err != nil {
		return 0, 0, err
	}
	max := -1
	if p.tok.kind == tokStar {
		if err := p.advance(); err != nil {
			return 0, 0, err
		}
	} else {
		maxTok, err := p.expect(tokNumber, "cardinality maximum")
		if err != nil {
			return 0, 0, err
		}
		max, _ = strconv.Atoi(maxTok.text)
	}
	if _, err := p.expect(tokRBracket, "]"); err != nil {
		return 0, 0, err
	}
	return min, max, nil
}

func (p *parser) parseRefinement() (*Refinement, error) {
	first, err := p.parseSubRefinement()
	if err != nil {
		return nil, err
	}
	ref := first
	var op BooleanOp
	haveOp := false
	for {
		var word string
		switch {
		case p.isIdent("AND"), p.tok.kind == tokComma:
			word = "AND"
		case p.isIdent("OR"):
			word = "OR"
		default:
			return ref, nil
		}
		next := BoolAnd
		if word == "OR" {
			next = BoolOr
		}
		if haveOp && next != op {
			return nil, &hermeserr.UnsupportedError{Feature: "mixed AND/OR in refinement without parentheses", Fragment: word}
		}
		haveOp = true
		op = next
		if err := p.advance(); err != nil {
			return nil, err
		}
		more, err := p.parseSubRefinement()
		if err != nil {
			return nil, err
		}
		ref.Attributes = append(ref.Attributes, more.Attributes...)
		ref.Groups = append(ref.Groups, more.Groups...)
		ref.Nested = append(ref.Nested, more.Nested...)
		ref.Op = op
	}
}

func (p *parser) parseSubRefinement() (*Refinement, error) {
	if p.tok.kind == tokLParen {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseRefinement()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return &Refinement{Nested: []Refinement{*inner}}, nil
	}
	// An attribute group begins with an optional cardinality followed by "{";
	// a cardinality not followed by "{" bounds a single attribute.
	if p.tok.kind == tokLBracket || p.tok.kind == tokLBrace {
		min, max := 0, -1
		if p.tok.kind == tokLBracket {
			var err error
			min, max, err = p.parseCardinality()
			if err != nil {
				return nil, err
			}
			if p.tok.kind != tokLBrace {
				attr, err := p.parseAttributeConstraint()
				if err != nil {
					return nil, err
				}
				attr.MinCardinality, attr.MaxCardinality = min, max
				return &Refinement{Attributes: []AttributeConstraint{*attr}}, nil
			}
		}
		if _, err := p.expect(tokLBrace, "{"); err != nil {
			return nil, err
		}
		inner, err := p.parseRefinement()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRBrace, "}"); err != nil {
			return nil, err
		}
		return &Refinement{Groups: []AttributeGroup{{MinCardinality: min, MaxCardinality: max, Refinement: *inner}}}, nil
	}
	attr, err := p.parseAttributeConstraint()
	if err != nil {
		return nil, err
	}
	return &Refinement{Attributes: []AttributeConstraint{*attr}}, nil
}

func (p *parser) parseAttributeConstraint() (*AttributeConstraint, error) {
	ac := &AttributeConstraint{MinCardinality: 0, MaxCardinality: -1}
	if p.tok.kind == tokLBracket {
		min, max, err := p.parseCardinality()
		if err != nil {
			return nil, err
		}
		ac.MinCardinality, ac.MaxCardinality = min, max
	}
	if p.isIdent("R") {
		ac.Reverse = true
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if op := p.parseOperator(); op != OpNone {
		ac.NameOperator = op
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	name, err := p.parseFocusConcept()
	if err != nil {
		return nil, err
	}
	ac.Name = name
	switch p.tok.kind {
	case tokEquals:
		ac.Comparator = CmpEquals
	case tokNotEquals:
		ac.Comparator = CmpNotEquals
	default:
		return nil, p.parseErr("= or !=")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.parseAttributeValue(ac); err != nil {
		return nil, err
	}
	return ac, nil
}

func (p *parser) parseAttributeValue(ac *AttributeConstraint) error {
	switch p.tok.kind {
	case tokHash:
		if err := p.advance(); err != nil {
			return err
		}
		numTok, err := p.expect(tokNumber, "numeric value")
		if err != nil {
			return err
		}
		v, _ := strconv.ParseFloat(numTok.text, 64)
		cmp := NumEquals
		if ac.Comparator == CmpNotEquals {
			cmp = NumNotEquals
		}
		ac.ValueNumber = &NumericValue{Comparator: cmp, Value: v}
		return nil
	case tokString:
		s := p.tok.text
		ac.ValueString = &s
		return p.advance()
	case tokIdent:
		if p.tok.text == "true" || p.tok.text == "false" {
			b := p.tok.text == "true"
			ac.ValueBool = &b
			return p.advance()
		}
		return p.parseErr("true, false, numeric or string value")
	default:
		expr, err := p.parseExpression()
		if err != nil {
			return err
		}
		ac.ValueExpr = expr
		return nil
	}
}

// parseFilterBlock parses one "{{ filter (, filter)* }}" clause.
func (p *parser) parseFilterBlock() ([]Filter, error) {
	if _, err := p.expect(tokLBraceBrace, "{{"); err != nil {
		return nil, err
	}
	var filters []Filter
	for {
		f, err := p.parseFilter()
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
		if p.tok.kind == tokComma || p.isIdent("AND") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if _, err := p.expect(tokRBraceBrace, "}}"); err != nil {
		return nil, err
	}
	return filters, nil
}

func (p *parser) parseFilter() (Filter, error) {
	if p.tok.kind == tokIdent && len(p.tok.text) > 0 && p.tok.text[0] == '+' {
		return p.parseHistoryFilter()
	}
	if p.isIdent("M") {
		return p.parseMemberFilter()
	}
	if p.tok.kind != tokIdent {
		return Filter{}, p.parseErr("filter name")
	}
	field := p.tok.text
	kind := FilterDescription
	switch field {
	case "active", "module", "definitionStatus":
		kind = FilterConcept
	}
	if err := p.advance(); err != nil {
		return Filter{}, err
	}
	op, err := p.parseFilterOp()
	if err != nil {
		return Filter{}, err
	}
	value, err := p.parseFilterValue()
	if err != nil {
		return Filter{}, err
	}
	return Filter{Kind: kind, Field: field, Op: op, Value: value}, nil
}

func (p *parser) parseMemberFilter() (Filter, error) {
	if err := p.advance(); err != nil { // consume "M"
		return Filter{}, err
	}
	if p.tok.kind != tokIdent {
		return Filter{}, p.parseErr("member field name")
	}
	field := p.tok.text
	if err := p.advance(); err != nil {
		return Filter{}, err
	}
	op, err := p.parseFilterOp()
	if err != nil {
		return Filter{}, err
	}
	value, err := p.parseFilterValue()
	if err != nil {
		return Filter{}, err
	}
	return Filter{Kind: FilterMember, Field: field, Op: op, Value: value}, nil
}

func (p *parser) parseHistoryFilter() (Filter, error) {
	name := p.tok.text
	if err := p.advance(); err != nil {
		return Filter{}, err
	}
	var profile HistoryProfile
	switch name {
	case "+HISTORY":
		profile = HistoryAll
	case "+HISTORY-MIN":
		profile = HistoryMin
	case "+HISTORY-MOD":
		profile = HistoryMod
	case "+HISTORY-MOVED-TO", "+HISTORY-MOVED-FROM":
		profile = HistoryMoved
	default:
		return Filter{}, &hermeserr.UnsupportedError{Feature: "history profile", Fragment: name}
	}
	return Filter{Kind: FilterHistory, History: profile}, nil
}

func (p *parser) parseFilterOp() (string, error) {
	switch p.tok.kind {
	case tokEquals:
		if err := p.advance(); err != nil {
			return "", err
		}
		return "=", nil
	case tokNotEquals:
		if err := p.advance(); err != nil {
			return "", err
		}
		return "!=", nil
	case tokLt:
		if err := p.advance(); err != nil {
			return "", err
		}
		return "<", nil
	case tokLessOrEqual:
		if err := p.advance(); err != nil {
			return "", err
		}
		return "<=", nil
	case tokGt:
		if err := p.advance(); err != nil {
			return "", err
		}
		return ">", nil
	case tokGreaterOrEqual:
		if err := p.advance(); err != nil {
			return "", err
		}
		return ">=", nil
	default:
		return "", p.parseErr("comparison operator")
	}
}

func (p *parser) parseFilterValue() (string, error) {
	switch p.tok.kind {
	case tokString, tokTerm, tokIdent:
		v := p.tok.text
		return v, p.advance()
	case tokNumber:
		v := p.tok.text
		return v, p.advance()
	default:
		return "", p.parseErr("filter value")
	}
}
