// Package address resolves paths against the workspace tree and applies
// single mutations at the addressed site. The addressor is stateless: every
// helper walks the tree without mutating it and only the final step of an
// operation touches state, so a failed resolution never leaves a partial
// apply behind.
package address

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrStaleIndex is returned when a numeric key no longer falls inside the
	// addressed sequence.
	ErrStaleIndex = errors.New("stale index")

	// ErrUnknownID is returned when an identifier key has no matching element
	// in the addressed sequence.
	ErrUnknownID = errors.New("unknown element id")

	// ErrUnresolvable is returned when an intermediate key cannot be resolved
	// (missing field, non-container value, empty path).
	ErrUnresolvable = errors.New("path unresolvable")
)

// Record is a keyed container addressable by field name.
type Record interface {
	Field(name string) (any, bool)
	SetField(name string, value any) error
	DeleteField(name string) (any, error)
}

// Sequence is an ordered container addressable by position or element ID.
type Sequence interface {
	Len() int
	At(i int) any
	Set(i int, value any) error
	Insert(i int, value any) error
	Remove(i int) (any, error)
	// IndexOf reports the current position of the element with the given
	// identifier, or -1 when absent.
	IndexOf(id string) int
}

// Resolve walks every key but the last and returns the container holding the
// mutation site together with the final key.
func Resolve(root any, p Path) (any, Key, error) {
	if len(p) == 0 {
		return nil, Key{}, fmt.Errorf("empty path: %w", ErrUnresolvable)
	}
	container, err := walk(root, p[:len(p)-1])
	if err != nil {
		return nil, Key{}, err
	}
	return container, p[len(p)-1], nil
}

// Lookup reads the value addressed by the full path without mutating anything.
func Lookup(root any, p Path) (any, error) {
	return walk(root, p)
}

// Set assigns a value at the addressed site and returns the prior value.
// Out-of-range sequence indices report ErrStaleIndex; the sequence is never
// implicitly extended.
func Set(root any, p Path, value any) (any, error) {
	container, last, err := Resolve(root, p)
	if err != nil {
		return nil, err
	}
	switch c := container.(type) {
	case Record:
		name, ok := fieldName(last)
		if !ok {
			return nil, fmt.Errorf("key %s against record: %w", last, ErrUnresolvable)
		}
		prior, _ := c.Field(name)
		if err := c.SetField(name, value); err != nil {
			return nil, err
		}
		return prior, nil
	case Sequence:
		idx, err := sequenceIndex(c, last)
		if err != nil {
			return nil, err
		}
		prior := c.At(idx)
		if err := c.Set(idx, value); err != nil {
			return nil, err
		}
		return prior, nil
	default:
		return nil, fmt.Errorf("key %s against non-container: %w", last, ErrUnresolvable)
	}
}

// Delete removes the addressed element and returns it. Sequences splice one
// element; records drop the field.
func Delete(root any, p Path) (any, error) {
	container, last, err := Resolve(root, p)
	if err != nil {
		return nil, err
	}
	switch c := container.(type) {
	case Record:
		name, ok := fieldName(last)
		if !ok {
			return nil, fmt.Errorf("key %s against record: %w", last, ErrUnresolvable)
		}
		return c.DeleteField(name)
	case Sequence:
		idx, err := sequenceIndex(c, last)
		if err != nil {
			return nil, err
		}
		return c.Remove(idx)
	default:
		return nil, fmt.Errorf("key %s against non-container: %w", last, ErrUnresolvable)
	}
}

// Insert places a value into the sequence addressed by the whole path. A
// negative index appends; any other index is clamped to [0, len]. The position
// actually used is returned.
func Insert(root any, p Path, value any, index int) (int, error) {
	target, err := walk(root, p)
	if err != nil {
		return 0, err
	}
	seq, ok := target.(Sequence)
	if !ok {
		return 0, fmt.Errorf("insert target %s is not a sequence: %w", p, ErrUnresolvable)
	}
	at := index
	if at < 0 || at > seq.Len() {
		at = seq.Len()
	}
	if err := seq.Insert(at, value); err != nil {
		return 0, err
	}
	return at, nil
}

// RemoveAt splices the element at the given position out of the sequence
// addressed by the whole path.
func RemoveAt(root any, p Path, index int) (any, error) {
	target, err := walk(root, p)
	if err != nil {
		return nil, err
	}
	seq, ok := target.(Sequence)
	if !ok {
		return nil, fmt.Errorf("remove target %s is not a sequence: %w", p, ErrUnresolvable)
	}
	if index < 0 || index >= seq.Len() {
		return nil, fmt.Errorf("index %d of %d at %s: %w", index, seq.Len(), p, ErrStaleIndex)
	}
	return seq.Remove(index)
}

// SequenceIndex maps a key onto a concrete position within the sequence
// without mutating anything.
func SequenceIndex(seq Sequence, key Key) (int, error) {
	return sequenceIndex(seq, key)
}

// ResolveElement resolves an element path (one whose final key addresses a
// sequence member) to its containing sequence and the element's current
// position.
func ResolveElement(root any, p Path) (Sequence, int, error) {
	container, last, err := Resolve(root, p)
	if err != nil {
		return nil, 0, err
	}
	seq, ok := container.(Sequence)
	if !ok {
		return nil, 0, fmt.Errorf("%s does not address a sequence element: %w", p, ErrUnresolvable)
	}
	idx, err := sequenceIndex(seq, last)
	if err != nil {
		return nil, 0, err
	}
	return seq, idx, nil
}

func walk(root any, keys Path) (any, error) {
	current := root
	for i, key := range keys {
		next, err := step(current, key)
		if err != nil {
			return nil, fmt.Errorf("at %s (depth %d): %w", key, i, err)
		}
		current = next
	}
	return current, nil
}

func step(current any, key Key) (any, error) {
	switch c := current.(type) {
	case Record:
		name, ok := fieldName(key)
		if !ok {
			return nil, fmt.Errorf("%s keys a record: %w", key, ErrUnresolvable)
		}
		value, ok := c.Field(name)
		if !ok {
			return nil, fmt.Errorf("missing field %q: %w", name, ErrUnresolvable)
		}
		return value, nil
	case Sequence:
		idx, err := sequenceIndex(c, key)
		if err != nil {
			return nil, err
		}
		return c.At(idx), nil
	default:
		return nil, fmt.Errorf("%s against non-container: %w", key, ErrUnresolvable)
	}
}

// sequenceIndex maps a key onto a concrete position within the sequence.
// Identifier keys are resolved against current positions, which keeps them
// valid across concurrent index shifts.
func sequenceIndex(seq Sequence, key Key) (int, error) {
	switch {
	case key.IsID():
		idx := seq.IndexOf(key.id)
		if idx < 0 {
			return 0, fmt.Errorf("id %q: %w", key.id, ErrUnknownID)
		}
		return idx, nil
	case key.IsIndex():
		if key.index < 0 || key.index >= seq.Len() {
			return 0, fmt.Errorf("index %d of %d: %w", key.index, seq.Len(), ErrStaleIndex)
		}
		return key.index, nil
	default:
		// Legacy peers send list positions as decimal strings.
		idx, err := strconv.Atoi(key.field)
		if err != nil {
			return 0, fmt.Errorf("%s keys a sequence: %w", key, ErrUnresolvable)
		}
		if idx < 0 || idx >= seq.Len() {
			return 0, fmt.Errorf("index %d of %d: %w", idx, seq.Len(), ErrStaleIndex)
		}
		return idx, nil
	}
}

func fieldName(key Key) (string, bool) {
	if !key.IsField() {
		return "", false
	}
	return key.field, true
}
