package validate

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/marrowdb/marrow/kv"
	"github.com/marrowdb/marrow/schema"
)

// Engine evaluates declarative field constraints and user-declared validation
// methods. Stateless apart from a compiled-pattern cache; safe for concurrent
// use across transactions.
type Engine struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

// NewEngine creates a validation engine.
func NewEngine() *Engine {
	return &Engine{patterns: make(map[string]*regexp.Regexp)}
}

// groupsMatch reports whether a constraint belonging to declared groups applies
// when the requested groups are asked for. Unnamed constraints belong to the
// default group.
func groupsMatch(declared, requested []string) bool {
	if len(declared) == 0 {
		declared = []string{schema.DefaultGroup}
	}
	if len(requested) == 0 {
		requested = []string{schema.DefaultGroup}
	}
	for _, d := range declared {
		for _, r := range requested {
			if d == r {
				return true
			}
		}
	}
	return false
}

// ValidateRecord runs the declarative field and type constraints of typ against a
// record for the requested constraint groups, then the user-declared validation
// methods applicable to those groups. Violations are collected per field; a
// non-nil result is a *Violations.
func (e *Engine) ValidateRecord(ctx context.Context, typ *schema.ModelType, record map[string]any, groups []string) error {
	violations := NewViolations()

	for _, f := range typ.AllFields() {
		switch ff := f.(type) {
		case *schema.SimpleField:
			e.validateField(ff, record[ff.Name], groups, violations)
		case *schema.ComplexField:
			e.validateComplex(ff, record[ff.Name], groups, violations)
		}
	}

	for _, v := range typ.Validators() {
		if !groupsMatch(v.Groups, groups) {
			continue
		}
		if err := v.Fn(ctx, record); err != nil {
			violations.Add("", err.Error())
		}
	}

	if violations.HasViolations() {
		return violations
	}
	return nil
}

func (e *Engine) validateField(f *schema.SimpleField, value any, groups []string, violations *Violations) {
	name := f.Name
	if p := f.Parent(); p != nil {
		name = p.Name + "." + f.Name
	}
	for _, c := range f.Constraints {
		if !groupsMatch(c.Groups, groups) {
			continue
		}
		if msg := e.check(c, value); msg != "" {
			violations.Add(name, msg)
		}
	}
}

func (e *Engine) validateComplex(f *schema.ComplexField, stored any, groups []string, violations *Violations) {
	for _, sub := range f.SubFields() {
		for _, v := range kv.ExtractIndexed(stored, sub, f) {
			e.validateField(sub, v, groups, violations)
		}
	}
}

// check evaluates one constraint against one value, returning a violation
// message or the empty string. Nil values only trip the Required constraint;
// nullability of everything else is Required's business.
func (e *Engine) check(c schema.Constraint, value any) string {
	if value == nil {
		if c.Kind == schema.Required {
			return "value is required"
		}
		return ""
	}
	switch c.Kind {
	case schema.Required:
		return ""
	case schema.Min:
		if n, ok := asFloat(value); ok {
			if bound, ok := asFloatArg(c.Value); ok && n < bound {
				return fmt.Sprintf("value %v is below minimum %v", value, c.Value)
			}
		}
	case schema.Max:
		if n, ok := asFloat(value); ok {
			if bound, ok := asFloatArg(c.Value); ok && n > bound {
				return fmt.Sprintf("value %v is above maximum %v", value, c.Value)
			}
		}
	case schema.MinLength:
		if s, ok := value.(string); ok {
			if bound, ok := asIntArg(c.Value); ok && len(s) < bound {
				return fmt.Sprintf("length %d is below minimum %d", len(s), bound)
			}
		}
	case schema.MaxLength:
		if s, ok := value.(string); ok {
			if bound, ok := asIntArg(c.Value); ok && len(s) > bound {
				return fmt.Sprintf("length %d is above maximum %d", len(s), bound)
			}
		}
	case schema.Pattern:
		if s, ok := value.(string); ok {
			pattern, ok := c.Value.(string)
			if !ok {
				return "pattern constraint has a non-string pattern"
			}
			re, err := e.compile(pattern)
			if err != nil {
				return fmt.Sprintf("invalid pattern %q: %v", pattern, err)
			}
			if !re.MatchString(s) {
				return fmt.Sprintf("value %q does not match pattern %q", s, pattern)
			}
		}
	case schema.OneOf:
		allowed, ok := c.Value.([]any)
		if !ok {
			return "oneof constraint has a non-list argument"
		}
		for _, a := range allowed {
			if kv.EqualValues(a, value) {
				return ""
			}
		}
		return fmt.Sprintf("value %v is not one of the allowed values", value)
	}
	return ""
}

func (e *Engine) compile(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.patterns[pattern]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.patterns[pattern] = re
	e.mu.Unlock()
	return re, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asFloatArg(v any) (float64, bool) {
	return asFloat(v)
}

func asIntArg(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}
