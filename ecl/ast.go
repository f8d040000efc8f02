// Package ecl implements a hand-written recursive-descent lexer, parser
// and compiler for SNOMED CT's Expression Constraint Language v2.0. The
// compiler lowers the AST to composable index queries, realising an
// intermediate concept-id set for the constructs the index cannot answer
// lazily (attribute values and widened attribute names, ancestor and
// parent operators, operators and ^ applied to a parenthesised
// expression, dotted projection, the reverse flag, member filters and
// history supplements).
package ecl

// Operator is one of ECL's eight prefix set operators, or none (a bare
// focus concept).
type Operator int

// Recognised constraint operators.
const (
	OpNone Operator = iota
	OpDescendantOf
	OpDescendantOrSelfOf
	OpChildOf
	OpChildOrSelfOf
	OpAncestorOf
	OpAncestorOrSelfOf
	OpParentOf
	OpParentOrSelfOf
)

// ComparisonOperator is the refinement comparison operator ("=" / "!=").
type ComparisonOperator int

// Recognised comparison operators.
const (
	CmpEquals ComparisonOperator = iota
	CmpNotEquals
)

// BooleanOp combines sibling expression constraints or refinements.
type BooleanOp int

// Recognised boolean combinators.
const (
	BoolAnd BooleanOp = iota
	BoolOr
	BoolMinus
)

// Expression is the top-level parsed ECL expression constraint.
type Expression struct {
	// Compound holds a non-empty list of terms joined by CompoundOp when this
	// expression is a compound (AND/OR/MINUS) expression; otherwise it is
	// nil and Single is used.
	Compound   []Expression
	CompoundOp BooleanOp

	Single *SubExpression
}

// SubExpression is a (possibly dotted, possibly refined) single
// expression constraint term.
type SubExpression struct {
	Operator Operator
	Focus    FocusConcept
	Nested   *Expression // set when Focus is a parenthesised sub-expression

	MemberOf     bool
	MemberOfSet  *FocusConcept // the ^ operand, when a literal/wildcard
	MemberOfExpr *Expression   // the ^ operand, when a parenthesised expression

	Filters []Filter

	Refinement *Refinement // set by "expr : refinement"

	// Dotted holds one or more attribute names applied via ".attr" to
	// project this expression onto its attribute target set.
	Dotted []FocusConcept
}

// FocusConcept is a single SCTID focus concept, or the ECL wildcard "*".
type FocusConcept struct {
	Wildcard bool
	ID       int64
	Term     string // optional |term| annotation, informational only
}

// Refinement is a (possibly grouped, possibly nested AND/OR) set of
// attribute constraints.
type Refinement struct {
	Attributes []AttributeConstraint
	Groups     []AttributeGroup
	Nested     []Refinement
	Op         BooleanOp
}

// AttributeGroup is a cardinality-bounded { } grouping of attributes
// that must co-occur within the same relationship group.
type AttributeGroup struct {
	MinCardinality int
	MaxCardinality int // Unbounded when negative
	Refinement     Refinement
}

// AttributeConstraint is one name (comparator) value refinement clause.
type AttributeConstraint struct {
	Reverse        bool // "R" reverse-of-attribute flag
	MinCardinality int
	MaxCardinality int // Unbounded when negative

	// NameOperator widens Name to a set of attribute types: "<< 127489000"
	// as an attribute name matches any attribute type subsumed by
	// 127489000. Attribute names resolve within the Attribute metadata
	// hierarchy, so a wildcard Name means every descendant of the
	// Attribute concept.
	NameOperator Operator
	Name         FocusConcept

	Comparator ComparisonOperator

	// Exactly one of the following value kinds is populated, chosen by
	// the parser from the literal it encountered.
	ValueExpr   *Expression
	ValueNumber *NumericValue
	ValueString *string
	ValueBool   *bool
}

// NumericValue is a concrete decimal or integer attribute value with its
// own numeric comparator (distinct from the attribute's own = / !=).
type NumericValue struct {
	Comparator NumericComparator
	Value      float64
}

// NumericComparator is the numeric comparison operator applied to a
// concrete attribute value ("#", "<", "<=", ">", ">=", "!=").
type NumericComparator int

// Recognised numeric comparators.
const (
	NumEquals NumericComparator = iota
	NumNotEquals
	NumLess
	NumLessOrEqual
	NumGreater
	NumGreaterOrEqual
)

// Filter is one {{ ... }} filter constraint clause.
type Filter struct {
	// Kind distinguishes a description filter ("term"/"language"/"type"/
	// "dialect"/"active"), a concept filter ("active"/"definitionStatus"/
	// "module"), a member filter ("M field op value"), or the historical
	// supplement ("+HISTORY"/"+HISTORY-MIN"/"+HISTORY-MOD"...).
	Kind    FilterKind
	Field   string
	Op      string
	Value   string
	History HistoryProfile
}

// FilterKind discriminates the filter clause variants.
type FilterKind int

// Recognised filter kinds.
const (
	FilterDescription FilterKind = iota
	FilterConcept
	FilterMember
	FilterHistory
)

// HistoryProfile names a supplement ({{+HISTORY}} and its named
// sub-profiles) that widens a result set with historically associated
// concepts).
type HistoryProfile int

// Recognised history profiles.
const (
	HistoryNone HistoryProfile = iota
	HistoryAll
	HistoryMin
	HistoryMod
	HistoryMoved
)
