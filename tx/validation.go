package tx

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/marrowdb/marrow/kv"
	"github.com/marrowdb/marrow/schema"
	"github.com/marrowdb/marrow/validate"
)

// validationQueue holds the objects awaiting deferred validation, keyed by
// identifier, each with the union of constraint groups requested so far.
type validationQueue struct {
	mu      sync.Mutex
	entries map[schema.ObjectID]map[string]struct{}
}

func newValidationQueue() *validationQueue {
	return &validationQueue{entries: make(map[schema.ObjectID]map[string]struct{})}
}

func (q *validationQueue) add(id schema.ObjectID, groups ...string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	set, ok := q.entries[id]
	if !ok {
		set = make(map[string]struct{})
		q.entries[id] = set
	}
	if len(groups) == 0 {
		set[schema.DefaultGroup] = struct{}{}
	}
	for _, g := range groups {
		set[g] = struct{}{}
	}
}

func (q *validationQueue) remove(id schema.ObjectID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
}

func (q *validationQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[schema.ObjectID]map[string]struct{})
}

func (q *validationQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// popMin removes and returns the entry with the smallest identifier, keeping
// the drain order stable.
func (q *validationQueue) popMin() (schema.ObjectID, []string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return 0, nil, false
	}
	var min schema.ObjectID
	first := true
	for id := range q.entries {
		if first || id < min {
			min = id
			first = false
		}
	}
	set := q.entries[min]
	delete(q.entries, min)
	groups := make([]string, 0, len(set))
	for g := range set {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return min, groups, true
}

// QueueLen reports how many objects are awaiting validation.
func (t *Tx) QueueLen() int { return t.queue.len() }

// ResetValidationQueue discards every pending validation entry.
func (t *Tx) ResetValidationQueue() { t.queue.reset() }

// Validate drains the validation queue in identifier order. Objects deleted
// since they were enqueued are skipped. The drain stops at the first violating
// object, which stays queued under its groups; the returned error is a
// *validate.ObjectError describing the violations.
func (t *Tx) Validate(ctx context.Context) error {
	if !t.kvt.IsValid() {
		return kv.ErrInvalidTransaction
	}
	if t.mode == Disabled {
		return nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		id, groups, ok := t.queue.popMin()
		if !ok {
			return nil
		}
		if err := t.validateOne(ctx, id, groups); err != nil {
			t.queue.add(id, groups...)
			t.log.Debug("validation failed", zap.Stringer("id", id), zap.Error(err))
			return err
		}
	}
}

func (t *Tx) validateOne(ctx context.Context, id schema.ObjectID, groups []string) error {
	exists, err := t.kvt.Exists(id)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	typ, ok := t.reg.TypeOf(id)
	if !ok {
		return nil
	}

	rec := make(map[string]any, len(typ.AllFields()))
	for _, f := range typ.AllFields() {
		v, err := t.kvt.ReadField(id, f.StorageID(), true)
		if err != nil {
			return err
		}
		rec[f.FieldName()] = v
	}

	v := validate.NewViolations()
	if err := t.engine.ValidateRecord(ctx, typ, rec, groups); err != nil {
		var got *validate.Violations
		if !errors.As(err, &got) {
			return err
		}
		v = got
	}
	if err := t.checkUniqueness(typ, id, rec, v); err != nil {
		return err
	}
	if v.HasViolations() {
		return &validate.ObjectError{ID: id, TypeName: typ.Name, Violations: v}
	}
	return nil
}

// checkUniqueness verifies every unique field of the object against the
// field's index, across all types sharing the field's storage identifier. Nil
// values and declared exclusions are not checked.
func (t *Tx) checkUniqueness(typ *schema.ModelType, id schema.ObjectID, rec map[string]any, v *validate.Violations) error {
	for _, f := range typ.AllFields() {
		sf, ok := f.(*schema.SimpleField)
		if !ok || !sf.Unique {
			continue
		}
		val := rec[sf.Name]
		if val == nil || uniqueExcluded(sf, val) {
			continue
		}
		filter := t.typesCarrying(sf.StorageID())
		entries, err := t.kvt.QueryIndex(sf.StorageID(), filter)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !kv.EqualValues(e.Value, val) {
				continue
			}
			for _, other := range e.IDs {
				if other != id {
					v.Add(sf.Name, "value is not unique")
					break
				}
			}
		}
	}
	return nil
}

func uniqueExcluded(sf *schema.SimpleField, val kv.Value) bool {
	for _, ex := range sf.UniqueExclude {
		if kv.EqualValues(ex, val) {
			return true
		}
	}
	return false
}

// typesCarrying returns the identifiers of every instantiable type storing the
// given field, across all declaring types and their subtypes.
func (t *Tx) typesCarrying(field schema.FieldID) []schema.TypeID {
	seen := make(map[schema.TypeID]struct{})
	var out []schema.TypeID
	for _, name := range t.reg.TypesDeclaring(field) {
		typ, ok := t.reg.Type(name)
		if !ok {
			continue
		}
		for _, sub := range t.reg.InstantiableSubtypes(typ) {
			if _, dup := seen[sub.ID]; dup {
				continue
			}
			seen[sub.ID] = struct{}{}
			out = append(out, sub.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
