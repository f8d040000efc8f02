// Package hermeserr defines the typed error kinds returned at the facade
// boundary: sentinel values and small exported structs compared with
// errors.Is/errors.As.
package hermeserr

import "fmt"

// NotFoundError reports that a lookup for a component or refset item found
// nothing.
type NotFoundError struct {
	Kind string // "concept", "description", "relationship", "refset-item", ...
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("hermes: %s %s not found", e.Kind, e.ID) }

// InvalidIdentifierError reports a malformed or unrecognised SCTID. It mirrors identifier.InvalidIdentifierError at the
// facade boundary so callers need only import this package's error kinds.
type InvalidIdentifierError struct {
	Value  string
	Reason string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("hermes: invalid identifier %q: %s", e.Value, e.Reason)
}

// ParseError reports an ECL or SCG grammar rejection with source
// position.
type ParseError struct {
	Line, Column int
	Expected     string
	Input        string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("hermes: parse error at %d:%d: expected %s", e.Line, e.Column, e.Expected)
}

// UnsupportedError reports a grammatically valid construct this
// implementation does not evaluate: numeric concrete
// refinements, `!=` with cardinality zero, time-value member filters.
type UnsupportedError struct {
	Feature  string
	Fragment string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("hermes: unsupported: %s (%q)", e.Feature, e.Fragment)
}

// InvalidParameterError reports an out-of-bounds or mutually exclusive
// parameter combination: max_hits outside its bounds, includeHistoric
// combined with preferred, and similar.
type InvalidParameterError struct {
	Parameter string
	Reason    string
}

func (e *InvalidParameterError) Error() string {
	return fmt.Sprintf("hermes: invalid parameter %q: %s", e.Parameter, e.Reason)
}

// StoreVersionMismatchError reports that an on-disk store's version marker
// does not match this implementation.
type StoreVersionMismatchError struct {
	Found, Want int
}

func (e *StoreVersionMismatchError) Error() string {
	return fmt.Sprintf("hermes: store version mismatch: found %d, want %d", e.Found, e.Want)
}

// CorruptStoreError wraps an unrecoverable error observed opening or
// reading the on-disk store.
type CorruptStoreError struct {
	Err error
}

func (e *CorruptStoreError) Error() string { return fmt.Sprintf("hermes: corrupt store: %v", e.Err) }
func (e *CorruptStoreError) Unwrap() error { return e.Err }

// ImportError reports a row/column mismatch or unrecognised RF2 filename
// pattern. Raised by the RF2 importer collaborator; the core itself does
// not return it.
type ImportError struct {
	File   string
	Reason string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("hermes: import error in %s: %s", e.File, e.Reason)
}
