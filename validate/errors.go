// Package validate evaluates declarative field constraints and user validation
// methods against object records, and reports violations as structured errors.
package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/marrowdb/marrow/schema"
)

// FieldError is one violation on one field.
type FieldError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Violations collects validation violations for one record, keyed by field name.
// Type-level violations are keyed by the empty string.
type Violations struct {
	Fields map[string][]string
}

// NewViolations creates an empty violation set.
func NewViolations() *Violations {
	return &Violations{Fields: make(map[string][]string)}
}

// Add records a violation for a field.
func (v *Violations) Add(field, message string) {
	if v.Fields == nil {
		v.Fields = make(map[string][]string)
	}
	v.Fields[field] = append(v.Fields[field], message)
}

// HasViolations reports whether any violation was recorded.
func (v *Violations) HasViolations() bool {
	return len(v.Fields) > 0
}

// Count returns the total number of violations.
func (v *Violations) Count() int {
	n := 0
	for _, msgs := range v.Fields {
		n += len(msgs)
	}
	return n
}

// Error implements the error interface.
func (v *Violations) Error() string {
	if !v.HasViolations() {
		return "no violations"
	}
	fields := make([]string, 0, len(v.Fields))
	for f := range v.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	var b strings.Builder
	for i, f := range fields {
		for _, msg := range v.Fields[f] {
			if i > 0 || b.Len() > 0 {
				b.WriteString("; ")
			}
			if f == "" {
				b.WriteString(msg)
			} else {
				b.WriteString(f)
				b.WriteString(": ")
				b.WriteString(msg)
			}
		}
	}
	return b.String()
}

// ObjectError is the failure of one object's validation: the object, its type,
// and the violations found. Draining stops at the first ObjectError.
type ObjectError struct {
	ID         schema.ObjectID
	TypeName   string
	Violations *Violations
}

// Error implements the error interface.
func (e *ObjectError) Error() string {
	return fmt.Sprintf("validation failed for %s object %s: %s", e.TypeName, e.ID, e.Violations.Error())
}

// Unwrap exposes the underlying violations.
func (e *ObjectError) Unwrap() error {
	return e.Violations
}
