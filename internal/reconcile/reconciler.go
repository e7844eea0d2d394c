// Package reconcile merges remotely authored changes into the local change
// log without re-broadcasting them, and mirrors undo/redo requests from
// peers.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/change"
	"github.com/example/twodo-sync-engine/internal/changelog"
	"github.com/example/twodo-sync-engine/internal/document"
	"github.com/example/twodo-sync-engine/internal/types"
)

// Reconciler applies peer changes to one document's log. Concurrent edits to
// the same site resolve by arrival order (last writer wins), not by
// intention-preserving merge.
type Reconciler struct {
	log    *changelog.Log
	logger zerolog.Logger

	mu       sync.Mutex
	pending  map[string]*change.Record
	lastSync int64
}

// New constructs a reconciler over the given log.
func New(log *changelog.Log, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		log:     log,
		logger:  logger,
		pending: make(map[string]*change.Record),
	}
}

// HandleChange applies one inbound peer change. Halves of a split move pair
// (legacy peers encode a move as delete+insert sharing a moveGroupId) are
// held until their partner arrives and then applied as one atomic move.
func (r *Reconciler) HandleChange(ctx context.Context, rec *change.Record) error {
	if rec == nil || rec.Op == nil {
		return fmt.Errorf("nil change record")
	}
	rec.Origin = types.OriginRemote

	if rec.MoveGroup == "" {
		return r.log.ApplyRemote(ctx, rec)
	}

	r.mu.Lock()
	partner, ok := r.pending[rec.MoveGroup]
	if !ok {
		r.pending[rec.MoveGroup] = rec
		r.mu.Unlock()
		return nil
	}
	delete(r.pending, rec.MoveGroup)
	r.mu.Unlock()

	move, err := combineMovePair(partner, rec)
	if err != nil {
		return err
	}
	return r.log.ApplyRemote(ctx, move)
}

// FlushPending applies any held move halves as plain changes. Called when the
// peer connection drops so an orphaned half is not lost.
func (r *Reconciler) FlushPending(ctx context.Context) {
	r.mu.Lock()
	held := make([]*change.Record, 0, len(r.pending))
	for group, rec := range r.pending {
		held = append(held, rec)
		delete(r.pending, group)
	}
	r.mu.Unlock()

	for _, rec := range held {
		rec.MoveGroup = ""
		if err := r.log.ApplyRemote(ctx, rec); err != nil {
			r.logger.Warn().Err(err).Str("change", string(rec.ID)).Msg("orphaned move half could not be applied")
		}
	}
}

// HandleUndo mirrors an undo authored elsewhere; the peer channel is not
// notified again.
func (r *Reconciler) HandleUndo(_ context.Context, id types.ChangeID) error {
	return r.log.UndoByID(id)
}

// HandleRedo mirrors a redo authored elsewhere.
func (r *Reconciler) HandleRedo(_ context.Context, id types.ChangeID) error {
	return r.log.RedoByID(id)
}

// HandleFullSync replaces the whole workspace, guarded by the sync timestamp:
// syncs older than the last applied one are ignored.
func (r *Reconciler) HandleFullSync(_ context.Context, data json.RawMessage, timestamp int64) error {
	r.mu.Lock()
	if timestamp < r.lastSync {
		r.mu.Unlock()
		r.logger.Debug().Int64("timestamp", timestamp).Int64("current", r.lastSync).Msg("ignoring older full sync")
		return nil
	}
	r.lastSync = timestamp
	r.mu.Unlock()

	ws, err := document.DecodeWorkspace(data)
	if err != nil {
		return fmt.Errorf("decode full sync: %w", err)
	}
	r.log.Workspace().ReplaceWith(ws)
	return nil
}

// combineMovePair folds the two wire halves of a move back into one atomic
// Move record. Arrival order of the halves is not guaranteed.
func combineMovePair(a, b *change.Record) (*change.Record, error) {
	var del *change.Delete
	var ins *change.Insert
	for _, rec := range []*change.Record{a, b} {
		switch op := rec.Op.(type) {
		case change.Delete:
			d := op
			del = &d
		case change.Insert:
			i := op
			ins = &i
		}
	}
	if del == nil || ins == nil {
		return nil, fmt.Errorf("move group %s: pair is not delete+insert", a.MoveGroup)
	}

	value := ins.Value
	if value == nil {
		value = del.Prior
	}
	move := change.Move{
		From:      del.Path.Parent(),
		To:        ins.Path,
		FromIndex: del.Index,
		ToIndex:   ins.Index,
		Value:     value,
	}
	return &change.Record{
		ID:        a.ID,
		Client:    a.Client,
		Origin:    types.OriginRemote,
		At:        a.At,
		Op:        move,
		MoveGroup: a.MoveGroup,
	}, nil
}
