package changelog

import (
	"fmt"

	"github.com/example/twodo-sync-engine/internal/address"
	"github.com/example/twodo-sync-engine/internal/change"
	"github.com/example/twodo-sync-engine/internal/types"
)

// Diagnostic reports one stack entry whose path no longer resolves against
// the current workspace.
type Diagnostic struct {
	Stack    string         `json:"stack"`
	Position int            `json:"position"`
	ChangeID types.ChangeID `json:"changeId"`
	Problem  string         `json:"problem"`
}

// Diagnose walks both stacks and reports every entry that could not currently
// be applied or inverted. It is a read-only pre-flight check: nothing is
// mutated, unlike snapshot recovery.
func (l *Log) Diagnose() []Diagnostic {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Diagnostic
	for i, rec := range l.undo {
		if err := l.checkResolvable(rec.Op); err != nil {
			out = append(out, Diagnostic{Stack: "undo", Position: i, ChangeID: rec.ID, Problem: err.Error()})
		}
	}
	for i, rec := range l.redo {
		if err := l.checkResolvable(rec.Op); err != nil {
			out = append(out, Diagnostic{Stack: "redo", Position: i, ChangeID: rec.ID, Problem: err.Error()})
		}
	}
	return out
}

func (l *Log) checkResolvable(op change.Op) error {
	switch op := op.(type) {
	case change.Set:
		container, last, err := address.Resolve(l.ws, op.Path)
		if err != nil {
			return err
		}
		return checkLastKey(container, last)

	case change.Delete:
		if op.Index < 0 {
			_, _, err := address.Resolve(l.ws, op.Path)
			return err
		}
		// Inversion re-inserts into the parent sequence.
		return checkSequence(l.ws, op.Path.Parent())

	case change.Insert:
		target, err := address.Lookup(l.ws, op.Path)
		if err != nil {
			return err
		}
		seq, ok := target.(address.Sequence)
		if !ok {
			return fmt.Errorf("insert target %s is not a sequence: %w", op.Path, address.ErrUnresolvable)
		}
		if _, err := locateInserted(seq, op.Value, op.Index); err != nil {
			return err
		}
		return nil

	case change.Move:
		if err := checkSequence(l.ws, op.From); err != nil {
			return fmt.Errorf("move source: %w", err)
		}
		if err := checkSequence(l.ws, op.To); err != nil {
			return fmt.Errorf("move destination: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown operation %T", op)
	}
}

func checkLastKey(container any, last address.Key) error {
	switch c := container.(type) {
	case address.Record:
		if !last.IsField() {
			return fmt.Errorf("%s keys a record: %w", last, address.ErrUnresolvable)
		}
		return nil
	case address.Sequence:
		_, err := address.SequenceIndex(c, last)
		return err
	default:
		return fmt.Errorf("%s against non-container: %w", last, address.ErrUnresolvable)
	}
}

func checkSequence(root any, p address.Path) error {
	target, err := address.Lookup(root, p)
	if err != nil {
		return err
	}
	if _, ok := target.(address.Sequence); !ok {
		return fmt.Errorf("%s is not a sequence: %w", p, address.ErrUnresolvable)
	}
	return nil
}
