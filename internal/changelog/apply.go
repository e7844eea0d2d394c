package changelog

import (
	"fmt"

	"github.com/example/twodo-sync-engine/internal/address"
	"github.com/example/twodo-sync-engine/internal/change"
)

// applyForward executes an operation against the workspace and returns a
// resolved copy carrying the prior values and concrete positions observed at
// apply time. No step mutates state until the full path has resolved, so a
// returned error means the workspace is unchanged.
func (l *Log) applyForward(op change.Op) (change.Op, error) {
	switch op := op.(type) {
	case change.Set:
		prior, err := address.Set(l.ws, op.Path, op.Value)
		if err != nil {
			return nil, err
		}
		return change.Set{Path: op.Path, Value: op.Value, Prior: prior}, nil

	case change.Delete:
		return l.applyDelete(op)

	case change.Insert:
		at, err := address.Insert(l.ws, op.Path, op.Value, op.Index)
		if err != nil {
			return nil, err
		}
		return change.Insert{Path: op.Path, Value: op.Value, Index: at}, nil

	case change.Move:
		return l.applyMove(op)

	default:
		return nil, fmt.Errorf("unknown operation %T", op)
	}
}

func (l *Log) applyDelete(op change.Delete) (change.Op, error) {
	container, last, err := address.Resolve(l.ws, op.Path)
	if err != nil {
		return nil, err
	}
	seq, isSeq := container.(address.Sequence)
	if !isSeq {
		removed, err := address.Delete(l.ws, op.Path)
		if err != nil {
			return nil, err
		}
		return change.Delete{Path: op.Path, Prior: removed, Index: -1}, nil
	}

	// Prefer the element's stable identifier over the recorded position.
	idx := -1
	if id := change.ValueID(op.Prior); id != "" {
		idx = seq.IndexOf(id)
	}
	if idx < 0 {
		idx, err = address.SequenceIndex(seq, last)
		if err != nil {
			return nil, err
		}
	}
	anchor := ""
	if idx > 0 {
		anchor = change.ValueID(seq.At(idx - 1))
	}
	removed, err := seq.Remove(idx)
	if err != nil {
		return nil, err
	}
	return change.Delete{Path: op.Path, Prior: removed, Index: idx, Anchor: anchor}, nil
}

// applyMove relocates one element as a single transaction: if the insert half
// fails, the removed element is put back and the error reported. A move is
// never partially applied.
func (l *Log) applyMove(op change.Move) (change.Op, error) {
	fromAny, err := address.Lookup(l.ws, op.From)
	if err != nil {
		return nil, err
	}
	fromSeq, ok := fromAny.(address.Sequence)
	if !ok {
		return nil, fmt.Errorf("move source %s is not a sequence: %w", op.From, address.ErrUnresolvable)
	}
	toAny, err := address.Lookup(l.ws, op.To)
	if err != nil {
		return nil, err
	}
	toSeq, ok := toAny.(address.Sequence)
	if !ok {
		return nil, fmt.Errorf("move destination %s is not a sequence: %w", op.To, address.ErrUnresolvable)
	}

	fromIdx := -1
	if id := change.ValueID(op.Value); id != "" {
		fromIdx = fromSeq.IndexOf(id)
	}
	if fromIdx < 0 {
		if op.FromIndex < 0 || op.FromIndex >= fromSeq.Len() {
			return nil, fmt.Errorf("move source index %d of %d: %w", op.FromIndex, fromSeq.Len(), address.ErrStaleIndex)
		}
		fromIdx = op.FromIndex
	}

	moved, err := fromSeq.Remove(fromIdx)
	if err != nil {
		return nil, err
	}

	toIdx := op.ToIndex
	if toIdx < 0 || toIdx > toSeq.Len() {
		toIdx = toSeq.Len()
	}
	if err := toSeq.Insert(toIdx, moved); err != nil {
		if rbErr := fromSeq.Insert(fromIdx, moved); rbErr != nil {
			l.logger.Error().Err(rbErr).Msg("move rollback failed after insert error")
		}
		return nil, fmt.Errorf("move insert half: %w", err)
	}
	return change.Move{From: op.From, To: op.To, FromIndex: fromIdx, ToIndex: toIdx, Value: moved}, nil
}

// applyInverse reverts one recorded operation. The workspace is untouched
// when an error is returned.
func (l *Log) applyInverse(rec *change.Record) error {
	switch op := rec.Op.(type) {
	case change.Set:
		_, err := address.Set(l.ws, op.Path, op.Prior)
		return err

	case change.Delete:
		if op.Index < 0 {
			// Field delete on a record container: restore the prior value.
			_, err := address.Set(l.ws, op.Path, op.Prior)
			return err
		}
		return l.undoDelete(op)

	case change.Insert:
		return l.undoInsert(op)

	case change.Move:
		reverse := change.Move{
			From:      op.To,
			To:        op.From,
			FromIndex: op.ToIndex,
			ToIndex:   op.FromIndex,
			Value:     op.Value,
		}
		_, err := l.applyMove(reverse)
		return err

	default:
		return fmt.Errorf("unknown operation %T", rec.Op)
	}
}

// undoDelete puts a deleted element back into its sequence. The restored
// position is derived from the recorded predecessor identifier when that
// element is still present, so concurrent inserts that shifted the sequence
// do not displace the restoration; the recorded index is the fallback.
func (l *Log) undoDelete(op change.Delete) error {
	parent := op.Path.Parent()
	at := op.Index
	if op.Anchor != "" {
		target, err := address.Lookup(l.ws, parent)
		if err != nil {
			return err
		}
		if seq, ok := target.(address.Sequence); ok {
			if i := seq.IndexOf(op.Anchor); i >= 0 {
				at = i + 1
			}
		}
	}
	_, err := address.Insert(l.ws, parent, op.Prior, at)
	return err
}

// undoInsert removes the element that an insert placed. The recorded index is
// a hint only: the element is located by identifier first, then by weighted
// content matching, and an ambiguous match aborts rather than guessing.
func (l *Log) undoInsert(op change.Insert) error {
	target, err := address.Lookup(l.ws, op.Path)
	if err != nil {
		return err
	}
	seq, ok := target.(address.Sequence)
	if !ok {
		return fmt.Errorf("insert target %s is not a sequence: %w", op.Path, address.ErrUnresolvable)
	}
	idx, err := locateInserted(seq, op.Value, op.Index)
	if err != nil {
		return err
	}
	_, err = seq.Remove(idx)
	return err
}
