package refpath

import "errors"

var (
	// ErrEmptyPath is returned for an empty path string or a path ending in a
	// separator.
	ErrEmptyPath = errors.New("empty reference path")

	// ErrMalformedPath is returned when a path token cannot be parsed.
	ErrMalformedPath = errors.New("malformed reference path")

	// ErrUnknownField is returned when a token matches no field on any type
	// assignable from the current type.
	ErrUnknownField = errors.New("unknown field")

	// ErrAmbiguousField is returned when a token matches fields with different
	// storage identifiers and no explicit #id qualifier was given.
	ErrAmbiguousField = errors.New("ambiguous field")

	// ErrNotReference is returned when a non-terminal token names a field that is
	// not a reference field.
	ErrNotReference = errors.New("not a reference field")

	// ErrUnknownSubField is returned when the token after a complex field is not
	// one of its sub-field names.
	ErrUnknownSubField = errors.New("unknown sub-field")

	// ErrSubFieldMode is returned when the terminal field violates the caller's
	// sub-field mode.
	ErrSubFieldMode = errors.New("terminal field violates sub-field mode")
)
