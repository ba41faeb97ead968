package tx

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/marrowdb/marrow/kv"
	"github.com/marrowdb/marrow/refpath"
	"github.com/marrowdb/marrow/schema"
)

// CopyTracker records copy progress across multiple Copy calls so that a batch
// of overlapping copies moves each object and walks each reference chain at
// most once. A tracker must only be reused for copies into the same
// destination transaction.
type CopyTracker struct {
	copied    map[schema.ObjectID]struct{}
	traversed map[traverseKey]struct{}
}

type traverseKey struct {
	src    schema.ObjectID
	dst    schema.ObjectID
	suffix string
}

// NewCopyTracker returns an empty tracker.
func NewCopyTracker() *CopyTracker {
	return &CopyTracker{
		copied:    make(map[schema.ObjectID]struct{}),
		traversed: make(map[traverseKey]struct{}),
	}
}

// Copied reports whether the destination identifier has already been copied
// to under this tracker.
func (ct *CopyTracker) Copied(id schema.ObjectID) bool {
	_, ok := ct.copied[id]
	return ok
}

// MarkCopied records a destination identifier as already copied, excluding it
// from future copies under this tracker.
func (ct *CopyTracker) MarkCopied(id schema.ObjectID) {
	ct.copied[id] = struct{}{}
}

func (ct *CopyTracker) seenTraversal(k traverseKey) bool {
	_, ok := ct.traversed[k]
	return ok
}

func (ct *CopyTracker) markTraversed(k traverseKey) {
	ct.traversed[k] = struct{}{}
}

// Copy copies the object srcID from this transaction into dst under dstID
// (srcID itself when dstID is zero), then follows each reference path from the
// source object and copies every object reached, preserving identifiers.
// Existing destination records are overwritten field by field. The initial
// object must exist; objects reached through paths may dangle and are skipped.
// Reference cycles terminate because each (source, destination, remaining
// path) triple is walked once per tracker. A nil tracker makes the call self-contained.
// The canonical handle for the destination object is returned.
func (t *Tx) Copy(dst *Tx, srcID, dstID schema.ObjectID, tracker *CopyTracker, paths ...string) (*Obj, error) {
	if !t.kvt.IsValid() || !dst.kvt.IsValid() {
		return nil, kv.ErrInvalidTransaction
	}
	typ, ok := t.reg.TypeOf(srcID)
	if !ok {
		return nil, fmt.Errorf("%w: object %v", kv.ErrUnknownType, srcID)
	}
	if dstID.IsNull() {
		dstID = srcID
	}
	if tracker == nil {
		tracker = NewCopyTracker()
	}

	programs := [][]refpath.Step{nil}
	for _, raw := range paths {
		expanded, err := t.copyPrograms(typ, raw)
		if err != nil {
			return nil, err
		}
		programs = append(programs, expanded...)
	}

	for _, prog := range programs {
		if err := t.copyAlong(dst, srcID, dstID, true, prog, tracker); err != nil {
			return nil, err
		}
	}
	t.log.Debug("copy complete",
		zap.Stringer("src", srcID), zap.Stringer("dst", dstID), zap.Int("paths", len(paths)))
	return dst.Get(dstID), nil
}

// copyPrograms resolves one raw path into step programs ending on reference
// fields. A path ending on a complex field expands into one program per
// reference sub-field of the collection.
func (t *Tx) copyPrograms(typ *schema.ModelType, raw string) ([][]refpath.Step, error) {
	p, err := t.resolver.Resolve(typ, raw, refpath.SubFieldEither)
	if err != nil {
		return nil, err
	}
	switch target := p.Target.(type) {
	case *schema.SimpleField:
		if !target.IsReference() {
			return nil, fmt.Errorf("%w: path %q ends on field %q", refpath.ErrNotReference, raw, target.Name)
		}
		step := refpath.Step{Field: target.ID}
		if p.TargetOwner != nil {
			step.Complex = p.TargetOwner.ID
		}
		return [][]refpath.Step{append(append([]refpath.Step(nil), p.Steps...), step)}, nil
	case *schema.ComplexField:
		subs := target.ReferenceSubFields()
		if len(subs) == 0 {
			return nil, fmt.Errorf("%w: path %q ends on collection %q with no reference sub-fields",
				refpath.ErrNotReference, raw, target.Name)
		}
		out := make([][]refpath.Step, 0, len(subs))
		for _, sub := range subs {
			step := refpath.Step{Field: sub.ID, Complex: target.ID}
			out = append(out, append(append([]refpath.Step(nil), p.Steps...), step))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: path %q", refpath.ErrNotReference, raw)
	}
}

// copyAlong copies srcID into dst and recurses along the remaining steps.
// required marks the initial, explicitly named object; referents reached
// through steps tolerate missing records.
func (t *Tx) copyAlong(dst *Tx, srcID, dstID schema.ObjectID, required bool, rest []refpath.Step, tracker *CopyTracker) error {
	tkey := traverseKey{src: srcID, dst: dstID, suffix: stepSuffix(rest)}
	if tracker.seenTraversal(tkey) {
		return nil
	}

	if !tracker.Copied(dstID) {
		exists, err := t.kvt.Exists(srcID)
		if err != nil {
			return err
		}
		if !exists {
			// Not marked traversed so a later attempt, after the object appears,
			// is not skipped.
			if required {
				return fmt.Errorf("%w: object %v", kv.ErrObjectNotFound, srcID)
			}
			return nil
		}
		if err := kv.CopyRecordVia(t.kvt, srcID, dst.kvt, dstID); err != nil {
			return err
		}
		tracker.MarkCopied(dstID)
	}
	tracker.markTraversed(tkey)

	if len(rest) == 0 {
		return nil
	}
	step := rest[0]
	typ, ok := t.reg.TypeOf(srcID)
	if !ok {
		return nil
	}

	var referents []schema.ObjectID
	if step.Complex != 0 {
		f, ok := typ.FieldByID(step.Complex)
		if !ok {
			return nil
		}
		cf, ok := f.(*schema.ComplexField)
		if !ok {
			return nil
		}
		sub, ok := cf.SubField(subName(cf, step.Field))
		if !ok {
			return nil
		}
		stored, err := t.kvt.ReadField(srcID, cf.ID, true)
		if err != nil {
			if errors.Is(err, kv.ErrUnknownField) || errors.Is(err, kv.ErrObjectNotFound) {
				return nil
			}
			return err
		}
		for _, elem := range kv.ExtractIndexed(stored, sub, cf) {
			if id, ok := elem.(schema.ObjectID); ok && !id.IsNull() {
				referents = append(referents, id)
			}
		}
	} else {
		stored, err := t.kvt.ReadField(srcID, step.Field, true)
		if err != nil {
			if errors.Is(err, kv.ErrUnknownField) || errors.Is(err, kv.ErrObjectNotFound) {
				return nil
			}
			return err
		}
		if id, ok := stored.(schema.ObjectID); ok && !id.IsNull() {
			referents = append(referents, id)
		}
	}

	for _, ref := range referents {
		if err := t.copyAlong(dst, ref, ref, false, rest[1:], tracker); err != nil {
			return err
		}
	}
	return nil
}

func subName(cf *schema.ComplexField, id schema.FieldID) string {
	for _, sub := range cf.SubFields() {
		if sub.ID == id {
			return sub.Name
		}
	}
	return ""
}

// stepSuffix encodes a remaining step program as a traversal-set key.
func stepSuffix(steps []refpath.Step) string {
	if len(steps) == 0 {
		return ""
	}
	var b strings.Builder
	for _, s := range steps {
		b.WriteString(strconv.FormatUint(uint64(s.Field), 10))
		if s.Complex != 0 {
			b.WriteByte('@')
			b.WriteString(strconv.FormatUint(uint64(s.Complex), 10))
		}
		b.WriteByte('.')
	}
	return b.String()
}
