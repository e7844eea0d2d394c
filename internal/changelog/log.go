// Package changelog implements the undo/redo engine: bounded change stacks,
// atomic move handling, periodic snapshotting, and snapshot recovery.
package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/address"
	"github.com/example/twodo-sync-engine/internal/change"
	"github.com/example/twodo-sync-engine/internal/document"
	"github.com/example/twodo-sync-engine/internal/snapshot"
	"github.com/example/twodo-sync-engine/internal/types"
)

const (
	DefaultUndoCapacity  = 100
	DefaultRedoCapacity  = 100
	DefaultSnapshotEvery = 10
)

var (
	// ErrEmptyStack is returned when there is nothing to undo or redo.
	ErrEmptyStack = errors.New("stack is empty")

	// ErrNotFound is returned when a change id is not present on the
	// addressed stack.
	ErrNotFound = errors.New("change not found")

	// ErrUnrecoverable is returned when both fallback matching and snapshot
	// recovery fail; the workspace is left exactly as before the attempt.
	ErrUnrecoverable = errors.New("unrecoverable divergence")
)

// PeerChannel is the outbound half of the peer collaborator.
type PeerChannel interface {
	Send(ctx context.Context, rec *change.Record) error
	SendUndo(ctx context.Context, id types.ChangeID) error
	SendRedo(ctx context.Context, id types.ChangeID) error
}

// Flusher schedules a debounced persistence flush of the log's buffer.
type Flusher interface {
	ScheduleFlush()
}

// Options tune a Log. Zero values pick the defaults above; Peer and Flusher
// may be nil for detached use.
type Options struct {
	UndoCapacity  int
	RedoCapacity  int
	SnapshotEvery int
	Peer          PeerChannel
	Flusher       Flusher
	Snapshots     *snapshot.Store
	Logger        zerolog.Logger
}

// State is the serializable projection persisted per document.
type State struct {
	Undo      []*change.Record    `json:"undoStack"`
	Redo      []*change.Record    `json:"redoStack"`
	Snapshots []snapshot.Snapshot `json:"snapshots"`
	Counter   int                 `json:"changeCounter"`
}

// Log is the change-tracking engine for one document's workspace view. The
// workspace handle is injected at construction and shared with the editing
// collaborator, which must route every mutation through Record/ApplyLocal/
// ApplyRemote for the history to stay coherent.
type Log struct {
	mu      sync.Mutex
	doc     types.DocumentID
	ws      *document.Workspace
	undo    []*change.Record
	redo    []*change.Record
	counter int
	undoCap int
	redoCap int
	every   int
	snaps   *snapshot.Store
	peer    PeerChannel
	flusher Flusher
	logger  zerolog.Logger
}

// New constructs a Log over the given workspace handle.
func New(doc types.DocumentID, ws *document.Workspace, opts Options) *Log {
	if opts.UndoCapacity <= 0 {
		opts.UndoCapacity = DefaultUndoCapacity
	}
	if opts.RedoCapacity <= 0 {
		opts.RedoCapacity = DefaultRedoCapacity
	}
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = DefaultSnapshotEvery
	}
	if opts.Snapshots == nil {
		opts.Snapshots = snapshot.NewStore(snapshot.DefaultRetain)
	}
	return &Log{
		doc:     doc,
		ws:      ws,
		undoCap: opts.UndoCapacity,
		redoCap: opts.RedoCapacity,
		every:   opts.SnapshotEvery,
		snaps:   opts.Snapshots,
		peer:    opts.Peer,
		flusher: opts.Flusher,
		logger:  opts.Logger.With().Str("document", string(doc)).Logger(),
	}
}

// Workspace returns the injected workspace handle.
func (l *Log) Workspace() *document.Workspace { return l.ws }

// Snapshots returns the log's snapshot store.
func (l *Log) Snapshots() *snapshot.Store { return l.snaps }

// WorkspaceJSON serializes the workspace under the log's lock so readers get
// a consistent view while changes are being applied.
func (l *Log) WorkspaceJSON() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return json.Marshal(l.ws)
}

// Record appends an already-applied change to the undo stack: the redo stack
// is cleared, the change counter advances, every Nth change checkpoints a
// snapshot, the oldest entry is evicted past capacity, a buffer flush is
// scheduled, and local changes are forwarded to the peer channel.
func (l *Log) Record(ctx context.Context, rec *change.Record) error {
	if rec == nil || rec.Op == nil {
		return fmt.Errorf("nil change record")
	}

	l.mu.Lock()
	l.redo = l.redo[:0]
	l.counter++
	rec.Seq = l.counter
	l.undo = append(l.undo, rec)
	if len(l.undo) > l.undoCap {
		l.undo = l.undo[1:]
		evictionsTotal.WithLabelValues(string(l.doc)).Inc()
	}
	if l.counter%l.every == 0 {
		l.snaps.Checkpoint(l.counter, l.ws)
	}
	origin := rec.Origin
	l.mu.Unlock()

	recordedTotal.WithLabelValues(string(l.doc), string(origin)).Inc()
	l.scheduleFlush()

	if origin == types.OriginLocal && l.peer != nil {
		if err := l.peer.Send(ctx, rec); err != nil {
			l.logger.Warn().Err(err).Str("change", string(rec.ID)).Msg("peer forward failed")
		}
	}
	return nil
}

// ApplyLocal applies the operation through the path addressor, stamps it as a
// local change, and records it. The returned record carries the resolved
// prior values and positions.
func (l *Log) ApplyLocal(ctx context.Context, client types.ClientID, op change.Op) (*change.Record, error) {
	l.mu.Lock()
	resolved, err := l.applyForward(op)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	l.validateLocked()
	l.mu.Unlock()

	rec := change.NewRecord(client, resolved)
	if err := l.Record(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ApplyRemote applies a peer-authored change and pushes it onto the undo
// stack tagged remote-origin, without re-broadcasting it. The local redo
// stack survives: only locally recorded changes invalidate the local future.
func (l *Log) ApplyRemote(ctx context.Context, rec *change.Record) error {
	if rec == nil || rec.Op == nil {
		return fmt.Errorf("nil change record")
	}

	l.mu.Lock()
	resolved, err := l.applyForward(rec.Op)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("apply remote change %s: %w", rec.ID, err)
	}
	rec.Op = resolved
	rec.Origin = types.OriginRemote
	l.counter++
	rec.Seq = l.counter
	l.undo = append(l.undo, rec)
	if len(l.undo) > l.undoCap {
		l.undo = l.undo[1:]
		evictionsTotal.WithLabelValues(string(l.doc)).Inc()
	}
	if l.counter%l.every == 0 {
		l.snaps.Checkpoint(l.counter, l.ws)
	}
	l.validateLocked()
	l.mu.Unlock()

	recordedTotal.WithLabelValues(string(l.doc), string(types.OriginRemote)).Inc()
	l.scheduleFlush()
	return nil
}

// Undo reverts the most recent change. On an unresolvable inverse it falls
// back to snapshot recovery once; if that also fails the entry is restored to
// the undo stack and the workspace is left untouched.
func (l *Log) Undo(ctx context.Context) (types.ChangeID, error) {
	l.mu.Lock()
	if len(l.undo) == 0 {
		l.mu.Unlock()
		undoTotal.WithLabelValues(string(l.doc), "empty").Inc()
		return "", ErrEmptyStack
	}
	rec := l.undo[len(l.undo)-1]
	l.undo = l.undo[:len(l.undo)-1]

	if err := l.undoLocked(rec); err != nil {
		l.undo = append(l.undo, rec)
		l.mu.Unlock()
		undoTotal.WithLabelValues(string(l.doc), "failed").Inc()
		return "", err
	}

	l.pushRedoLocked(rec)
	l.validateLocked()
	origin := rec.Origin
	l.mu.Unlock()

	undoTotal.WithLabelValues(string(l.doc), "ok").Inc()
	l.scheduleFlush()
	if origin == types.OriginLocal && l.peer != nil {
		if err := l.peer.SendUndo(ctx, rec.ID); err != nil {
			l.logger.Warn().Err(err).Str("change", string(rec.ID)).Msg("peer undo notify failed")
		}
	}
	return rec.ID, nil
}

// Redo reapplies the most recently undone change exactly as recorded.
func (l *Log) Redo(ctx context.Context) (types.ChangeID, error) {
	l.mu.Lock()
	if len(l.redo) == 0 {
		l.mu.Unlock()
		redoTotal.WithLabelValues(string(l.doc), "empty").Inc()
		return "", ErrEmptyStack
	}
	rec := l.redo[len(l.redo)-1]
	l.redo = l.redo[:len(l.redo)-1]

	if _, err := l.applyForward(rec.Op); err != nil {
		l.redo = append(l.redo, rec)
		l.mu.Unlock()
		redoTotal.WithLabelValues(string(l.doc), "failed").Inc()
		return "", err
	}

	l.undo = append(l.undo, rec)
	if len(l.undo) > l.undoCap {
		l.undo = l.undo[1:]
		evictionsTotal.WithLabelValues(string(l.doc)).Inc()
	}
	l.validateLocked()
	origin := rec.Origin
	l.mu.Unlock()

	redoTotal.WithLabelValues(string(l.doc), "ok").Inc()
	l.scheduleFlush()
	if origin == types.OriginLocal && l.peer != nil {
		if err := l.peer.SendRedo(ctx, rec.ID); err != nil {
			l.logger.Warn().Err(err).Str("change", string(rec.ID)).Msg("peer redo notify failed")
		}
	}
	return rec.ID, nil
}

// UndoByID reverts a specific change on the undo stack without notifying the
// peer channel. Used to mirror undos authored elsewhere.
func (l *Log) UndoByID(id types.ChangeID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i := len(l.undo) - 1; i >= 0; i-- {
		if l.undo[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("undo %s: %w", id, ErrNotFound)
	}
	rec := l.undo[idx]
	if err := l.undoLocked(rec); err != nil {
		return err
	}
	l.undo = append(l.undo[:idx], l.undo[idx+1:]...)
	l.pushRedoLocked(rec)
	l.validateLocked()
	return nil
}

// RedoByID reapplies a specific change from the redo stack without notifying
// the peer channel.
func (l *Log) RedoByID(id types.ChangeID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i := len(l.redo) - 1; i >= 0; i-- {
		if l.redo[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("redo %s: %w", id, ErrNotFound)
	}
	rec := l.redo[idx]
	if _, err := l.applyForward(rec.Op); err != nil {
		return err
	}
	l.redo = append(l.redo[:idx], l.redo[idx+1:]...)
	l.undo = append(l.undo, rec)
	if len(l.undo) > l.undoCap {
		l.undo = l.undo[1:]
		evictionsTotal.WithLabelValues(string(l.doc)).Inc()
	}
	l.validateLocked()
	return nil
}

// undoLocked reverts one record in place. The workspace is untouched when an
// error is returned.
func (l *Log) undoLocked(rec *change.Record) error {
	err := l.applyInverse(rec)
	if err == nil {
		return nil
	}
	if !recoverable(err) {
		return err
	}

	// Last resort: roll the workspace back to the newest snapshot captured
	// strictly before this change was recorded.
	recovered, rerr := l.recoverLocked(rec.Seq - 1)
	if rerr != nil {
		l.logger.Error().Err(err).Str("change", string(rec.ID)).Msg("undo unresolvable and snapshot recovery failed")
		return fmt.Errorf("%w: %v", ErrUnrecoverable, err)
	}
	l.logger.Warn().
		Str("change", string(rec.ID)).
		Int("recovered_counter", recovered).
		Msg("undo fell back to snapshot recovery")
	return nil
}

// RecoverFromSnapshot replaces the live workspace with the most recent
// snapshot captured at or before target. Changes recorded after the restored
// counter stay on the stacks but are not replayed; callers decide whether to
// discard them.
func (l *Log) RecoverFromSnapshot(target int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recoverLocked(target)
}

func (l *Log) recoverLocked(target int) (int, error) {
	snap, ok := l.snaps.Before(target)
	if !ok {
		return 0, fmt.Errorf("no snapshot at or before counter %d", target)
	}
	l.ws.ReplaceWith(snap.Workspace)
	recoveriesTotal.WithLabelValues(string(l.doc)).Inc()

	newer := 0
	for _, rec := range l.undo {
		if rec.Seq > snap.Counter {
			newer++
		}
	}
	if newer > 0 {
		l.logger.Warn().
			Int("recovered_counter", snap.Counter).
			Int("unreplayed_entries", newer).
			Msg("snapshot recovery left newer stack entries unapplied")
	}
	return snap.Counter, nil
}

func (l *Log) pushRedoLocked(rec *change.Record) {
	l.redo = append(l.redo, rec)
	if len(l.redo) > l.redoCap {
		l.redo = l.redo[1:]
	}
}

func (l *Log) validateLocked() {
	issues := l.ws.Validate()
	if len(issues) == 0 {
		return
	}
	errs := 0
	for _, issue := range issues {
		if issue.Severity == document.SeverityError {
			errs++
		}
		l.logger.Debug().Str("path", issue.Path).Str("severity", string(issue.Severity)).Msg(issue.Message)
	}
	if errs > 0 {
		l.logger.Warn().Int("errors", errs).Int("warnings", len(issues)-errs).Msg("workspace validation found structural violations")
	}
}

func (l *Log) scheduleFlush() {
	if l.flusher != nil {
		l.flusher.ScheduleFlush()
	}
}

// Counter returns the number of changes recorded so far.
func (l *Log) Counter() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counter
}

// UndoLen reports the undo stack depth.
func (l *Log) UndoLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.undo)
}

// RedoLen reports the redo stack depth.
func (l *Log) RedoLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.redo)
}

// History returns up to limit most recent undo entries, oldest first.
func (l *Log) History(limit int) []*change.Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	if limit > 0 && len(l.undo) > limit {
		start = len(l.undo) - limit
	}
	out := make([]*change.Record, len(l.undo)-start)
	copy(out, l.undo[start:])
	return out
}

// ExportState captures the serializable projection of the log.
func (l *Log) ExportState() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := State{Counter: l.counter}
	st.Undo = make([]*change.Record, len(l.undo))
	copy(st.Undo, l.undo)
	st.Redo = make([]*change.Record, len(l.redo))
	copy(st.Redo, l.redo)
	st.Snapshots = l.snaps.All()
	return st
}

// ImportState replaces the log's stacks, counter, and snapshot store from a
// persisted buffer.
func (l *Log) ImportState(st State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.undo = append(l.undo[:0], st.Undo...)
	l.redo = append(l.redo[:0], st.Redo...)
	l.counter = st.Counter
	l.snaps.Replace(st.Snapshots)
}

// recoverable reports whether the failure is an addressing problem that
// snapshot recovery can still paper over, as opposed to a structural error in
// the change itself.
func recoverable(err error) bool {
	return errors.Is(err, address.ErrStaleIndex) ||
		errors.Is(err, address.ErrUnknownID) ||
		errors.Is(err, ErrAmbiguousMatch) ||
		errors.Is(err, ErrNoMatch)
}
