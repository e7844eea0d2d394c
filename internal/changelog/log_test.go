package changelog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/address"
	"github.com/example/twodo-sync-engine/internal/change"
	"github.com/example/twodo-sync-engine/internal/document"
	"github.com/example/twodo-sync-engine/internal/types"
)

type fakePeer struct {
	mu    sync.Mutex
	sent  []*change.Record
	undos []types.ChangeID
	redos []types.ChangeID
}

func (p *fakePeer) Send(_ context.Context, rec *change.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, rec)
	return nil
}

func (p *fakePeer) SendUndo(_ context.Context, id types.ChangeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.undos = append(p.undos, id)
	return nil
}

func (p *fakePeer) SendRedo(_ context.Context, id types.ChangeID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.redos = append(p.redos, id)
	return nil
}

func testWorkspace() *document.Workspace {
	return &document.Workspace{Documents: []*document.Document{{
		ID:    "doc-1",
		Title: "Today",
		Groups: []*document.Group{{
			ID:    "grp-1",
			Title: "Inbox",
			Items: []*document.Item{
				{ID: "item-1", Type: "todo", Text: "buy milk"},
				{ID: "item-2", Type: "todo", Text: "walk dog"},
			},
		}, {
			ID:    "grp-2",
			Title: "Later",
			Items: []*document.Item{},
		}},
	}}}
}

func newTestLog(ws *document.Workspace, opts Options) *Log {
	opts.Logger = zerolog.New(io.Discard)
	return New("doc-1", ws, opts)
}

func itemsPath() address.Path {
	return address.P(address.FieldKey("documents"), address.IDKey("doc-1"), address.FieldKey("groups"), address.IDKey("grp-1"), address.FieldKey("items"))
}

func itemPath(id string) address.Path {
	return append(itemsPath(), address.IDKey(id))
}

func itemIDs(ws *document.Workspace) []string {
	items := ws.Documents[0].Groups[0].Items
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return ids
}

func itemTexts(ws *document.Workspace) []string {
	items := ws.Documents[0].Groups[0].Items
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}
	return texts
}

func TestUndoRestoresSetPrior(t *testing.T) {
	ws := testWorkspace()
	log := newTestLog(ws, Options{})
	ctx := context.Background()

	textPath := append(itemPath("item-1"), address.FieldKey("text"))
	if _, err := log.ApplyLocal(ctx, "alice", change.Set{Path: textPath, Value: "buy oat milk"}); err != nil {
		t.Fatalf("apply set: %v", err)
	}
	if got := ws.Documents[0].Groups[0].Items[0].Text; got != "buy oat milk" {
		t.Fatalf("set not applied, text = %q", got)
	}

	if _, err := log.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if got := ws.Documents[0].Groups[0].Items[0].Text; got != "buy milk" {
		t.Fatalf("undo did not restore prior, text = %q", got)
	}

	if _, err := log.Redo(ctx); err != nil {
		t.Fatalf("redo: %v", err)
	}
	if got := ws.Documents[0].Groups[0].Items[0].Text; got != "buy oat milk" {
		t.Fatalf("redo did not reapply, text = %q", got)
	}
}

func TestUndoDeleteRestoresLogicalPosition(t *testing.T) {
	ws := testWorkspace()
	log := newTestLog(ws, Options{})
	ctx := context.Background()

	del, err := log.ApplyLocal(ctx, "alice", change.Delete{Path: itemPath("item-2")})
	if err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	if got := itemIDs(ws); len(got) != 1 || got[0] != "item-1" {
		t.Fatalf("delete not applied, items = %v", got)
	}

	// A concurrent remote insert at the head shifts every numeric index
	// recorded before it arrived.
	remote := change.NewRecord("bob", change.Insert{
		Path:  itemsPath(),
		Value: map[string]any{"id": "item-z", "type": "todo", "text": "water plants"},
		Index: 0,
	})
	if err := log.ApplyRemote(ctx, remote); err != nil {
		t.Fatalf("apply remote insert: %v", err)
	}

	if err := log.UndoByID(del.ID); err != nil {
		t.Fatalf("undo: %v", err)
	}
	want := []string{"item-z", "item-1", "item-2"}
	got := itemIDs(ws)
	if len(got) != len(want) {
		t.Fatalf("items = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("restored item lost its place after item-1: got %v, want %v", got, want)
		}
	}
}

func TestUndoDeleteFallsBackToRecordedIndexWithoutPredecessor(t *testing.T) {
	ws := testWorkspace()
	log := newTestLog(ws, Options{})
	ctx := context.Background()

	del, err := log.ApplyLocal(ctx, "alice", change.Delete{Path: itemPath("item-2")})
	if err != nil {
		t.Fatalf("apply delete: %v", err)
	}

	// The recorded predecessor disappears before the undo arrives.
	remote := change.NewRecord("bob", change.Delete{Path: itemPath("item-1")})
	if err := log.ApplyRemote(ctx, remote); err != nil {
		t.Fatalf("apply remote delete: %v", err)
	}

	if err := log.UndoByID(del.ID); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if got := itemIDs(ws); len(got) != 1 || got[0] != "item-2" {
		t.Fatalf("undo did not restore the deleted item, items = %v", got)
	}
}

func TestUndoInsertMatchesByIdentifier(t *testing.T) {
	ws := testWorkspace()
	log := newTestLog(ws, Options{})
	ctx := context.Background()

	inserted := &document.Item{ID: "item-3", Type: "todo", Text: "call mom"}
	if _, err := log.ApplyLocal(ctx, "alice", change.Insert{Path: itemsPath(), Value: inserted, Index: 1}); err != nil {
		t.Fatalf("apply insert: %v", err)
	}

	// A concurrent edit shifts the inserted element away from its recorded
	// position; the identifier must still find it.
	items := &ws.Documents[0].Groups[0].Items
	(*items)[1], (*items)[2] = (*items)[2], (*items)[1]

	if _, err := log.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	for _, it := range ws.Documents[0].Groups[0].Items {
		if it.ID == "item-3" {
			t.Fatalf("inserted item survived undo")
		}
	}
	if got := itemTexts(ws); len(got) != 2 {
		t.Fatalf("wrong items after undo: %v", got)
	}
}

func TestMoveAppliesAtomicallyAndInverts(t *testing.T) {
	ws := testWorkspace()
	log := newTestLog(ws, Options{})
	ctx := context.Background()

	from := itemsPath()
	to := address.P(address.FieldKey("documents"), address.IDKey("doc-1"), address.FieldKey("groups"), address.IDKey("grp-2"), address.FieldKey("items"))

	mv := change.Move{From: from, To: to, FromIndex: 0, ToIndex: 0, Value: ws.Documents[0].Groups[0].Items[0]}
	if _, err := log.ApplyLocal(ctx, "alice", mv); err != nil {
		t.Fatalf("apply move: %v", err)
	}
	if n := len(ws.Documents[0].Groups[0].Items); n != 1 {
		t.Fatalf("source still has %d items", n)
	}
	if n := len(ws.Documents[0].Groups[1].Items); n != 1 {
		t.Fatalf("destination has %d items", n)
	}

	if _, err := log.Undo(ctx); err != nil {
		t.Fatalf("undo move: %v", err)
	}
	if got := itemTexts(ws); len(got) != 2 || got[0] != "buy milk" {
		t.Fatalf("move not reverted, items = %v", got)
	}
	if n := len(ws.Documents[0].Groups[1].Items); n != 0 {
		t.Fatalf("destination not emptied on undo, has %d items", n)
	}
}

func TestMoveRollsBackWhenInsertHalfFails(t *testing.T) {
	ws := testWorkspace()
	log := newTestLog(ws, Options{})
	ctx := context.Background()

	// Destination path resolves to a record field, not a sequence.
	badTo := address.P(address.FieldKey("documents"), address.IDKey("doc-1"), address.FieldKey("title"))
	mv := change.Move{From: itemsPath(), To: badTo, FromIndex: 0, ToIndex: 0}
	if _, err := log.ApplyLocal(ctx, "alice", mv); err == nil {
		t.Fatalf("expected move to fail")
	}
	if got := itemTexts(ws); len(got) != 2 || got[0] != "buy milk" {
		t.Fatalf("failed move left workspace mutated: %v", got)
	}
	if log.UndoLen() != 0 {
		t.Fatalf("failed move was recorded")
	}
}

func TestRecordClearsRedoStack(t *testing.T) {
	ws := testWorkspace()
	log := newTestLog(ws, Options{})
	ctx := context.Background()

	textPath := append(itemPath("item-1"), address.FieldKey("text"))
	if _, err := log.ApplyLocal(ctx, "alice", change.Set{Path: textPath, Value: "v1"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := log.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if log.RedoLen() != 1 {
		t.Fatalf("redo stack should hold the undone change")
	}

	if _, err := log.ApplyLocal(ctx, "alice", change.Set{Path: textPath, Value: "v2"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if log.RedoLen() != 0 {
		t.Fatalf("new change must clear the redo stack")
	}
	if _, err := log.Redo(ctx); !errors.Is(err, ErrEmptyStack) {
		t.Fatalf("redo on cleared stack = %v, want ErrEmptyStack", err)
	}
}

func TestUndoCapacityEvictsOldest(t *testing.T) {
	ws := testWorkspace()
	log := newTestLog(ws, Options{UndoCapacity: 5})
	ctx := context.Background()

	textPath := append(itemPath("item-1"), address.FieldKey("text"))
	for i := 0; i < 8; i++ {
		if _, err := log.ApplyLocal(ctx, "alice", change.Set{Path: textPath, Value: fmt.Sprintf("v%d", i)}); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if log.UndoLen() != 5 {
		t.Fatalf("undo depth = %d, want capacity 5", log.UndoLen())
	}
	if log.Counter() != 8 {
		t.Fatalf("counter = %d, want 8 (eviction must not rewind it)", log.Counter())
	}

	// Only the newest five changes remain undoable.
	for i := 0; i < 5; i++ {
		if _, err := log.Undo(ctx); err != nil {
			t.Fatalf("undo %d: %v", i, err)
		}
	}
	if _, err := log.Undo(ctx); !errors.Is(err, ErrEmptyStack) {
		t.Fatalf("undo past capacity = %v, want ErrEmptyStack", err)
	}
	if got := ws.Documents[0].Groups[0].Items[0].Text; got != "v2" {
		t.Fatalf("workspace rewound past evicted entries, text = %q", got)
	}
}

func TestRedoByIDEvictsOldestWhenUndoIsFull(t *testing.T) {
	ws := testWorkspace()
	log := newTestLog(ws, Options{UndoCapacity: 3})
	ctx := context.Background()

	textPath := append(itemPath("item-1"), address.FieldKey("text"))
	for i := 0; i < 3; i++ {
		if _, err := log.ApplyLocal(ctx, "alice", change.Set{Path: textPath, Value: fmt.Sprintf("v%d", i)}); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	parked, err := log.Undo(ctx)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}

	// A remote change refills the undo stack to capacity without clearing
	// the parked redo entry.
	titlePath := address.P(address.FieldKey("documents"), address.IDKey("doc-1"), address.FieldKey("title"))
	if err := log.ApplyRemote(ctx, change.NewRecord("bob", change.Set{Path: titlePath, Value: "Theirs"})); err != nil {
		t.Fatalf("apply remote: %v", err)
	}

	before := testutil.ToFloat64(evictionsTotal.WithLabelValues("doc-1"))
	if err := log.RedoByID(parked); err != nil {
		t.Fatalf("redo by id: %v", err)
	}
	if log.UndoLen() != 3 {
		t.Fatalf("undo depth = %d, want capacity 3", log.UndoLen())
	}
	if got := testutil.ToFloat64(evictionsTotal.WithLabelValues("doc-1")) - before; got != 1 {
		t.Fatalf("evictions counted = %v, want 1", got)
	}
}

func TestSnapshotCadenceAndRetention(t *testing.T) {
	ws := testWorkspace()
	log := newTestLog(ws, Options{SnapshotEvery: 10})
	ctx := context.Background()

	textPath := append(itemPath("item-1"), address.FieldKey("text"))
	for i := 1; i <= 25; i++ {
		if _, err := log.ApplyLocal(ctx, "alice", change.Set{Path: textPath, Value: fmt.Sprintf("v%d", i)}); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	counters := log.Snapshots().Counters()
	if len(counters) != 2 || counters[0] != 10 || counters[1] != 20 {
		t.Fatalf("snapshot counters = %v, want [10 20]", counters)
	}
}

func TestLocalChangesReachPeerRemoteDoNot(t *testing.T) {
	ws := testWorkspace()
	peer := &fakePeer{}
	log := newTestLog(ws, Options{Peer: peer})
	ctx := context.Background()

	textPath := append(itemPath("item-1"), address.FieldKey("text"))
	if _, err := log.ApplyLocal(ctx, "alice", change.Set{Path: textPath, Value: "local edit"}); err != nil {
		t.Fatalf("apply local: %v", err)
	}
	if len(peer.sent) != 1 {
		t.Fatalf("local change not forwarded, sent = %d", len(peer.sent))
	}

	remote := change.NewRecord("bob", change.Set{Path: textPath, Value: "remote edit"})
	remote.Origin = types.OriginRemote
	if err := log.ApplyRemote(ctx, remote); err != nil {
		t.Fatalf("apply remote: %v", err)
	}
	if len(peer.sent) != 1 {
		t.Fatalf("remote change echoed back to peer")
	}

	// Undoing a remote-origin entry must not notify the peer either.
	if _, err := log.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if len(peer.undos) != 0 {
		t.Fatalf("undo of remote change notified peer")
	}
	if _, err := log.Undo(ctx); err != nil {
		t.Fatalf("undo local: %v", err)
	}
	if len(peer.undos) != 1 {
		t.Fatalf("undo of local change not notified, undos = %d", len(peer.undos))
	}
}

func TestApplyRemotePreservesLocalRedo(t *testing.T) {
	ws := testWorkspace()
	log := newTestLog(ws, Options{})
	ctx := context.Background()

	textPath := append(itemPath("item-1"), address.FieldKey("text"))
	if _, err := log.ApplyLocal(ctx, "alice", change.Set{Path: textPath, Value: "mine"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := log.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}

	titlePath := address.P(address.FieldKey("documents"), address.IDKey("doc-1"), address.FieldKey("title"))
	remote := change.NewRecord("bob", change.Set{Path: titlePath, Value: "Theirs"})
	if err := log.ApplyRemote(ctx, remote); err != nil {
		t.Fatalf("apply remote: %v", err)
	}
	if log.RedoLen() != 1 {
		t.Fatalf("remote change cleared local redo stack")
	}
	if _, err := log.Redo(ctx); err != nil {
		t.Fatalf("redo after remote change: %v", err)
	}
}

func TestUndoByIDSkipsPeerNotify(t *testing.T) {
	ws := testWorkspace()
	peer := &fakePeer{}
	log := newTestLog(ws, Options{Peer: peer})
	ctx := context.Background()

	textPath := append(itemPath("item-1"), address.FieldKey("text"))
	rec, err := log.ApplyLocal(ctx, "alice", change.Set{Path: textPath, Value: "edited"})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	if err := log.UndoByID(rec.ID); err != nil {
		t.Fatalf("undo by id: %v", err)
	}
	if got := ws.Documents[0].Groups[0].Items[0].Text; got != "buy milk" {
		t.Fatalf("undo by id did not revert, text = %q", got)
	}
	if len(peer.undos) != 0 {
		t.Fatalf("mirrored undo must not notify the peer channel")
	}

	if err := log.UndoByID("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id = %v, want ErrNotFound", err)
	}

	if err := log.RedoByID(rec.ID); err != nil {
		t.Fatalf("redo by id: %v", err)
	}
	if got := ws.Documents[0].Groups[0].Items[0].Text; got != "edited" {
		t.Fatalf("redo by id did not reapply, text = %q", got)
	}
}

func TestUndoFallsBackToSnapshotRecovery(t *testing.T) {
	ws := testWorkspace()
	log := newTestLog(ws, Options{SnapshotEvery: 2})
	ctx := context.Background()

	textPath := append(itemPath("item-1"), address.FieldKey("text"))
	if _, err := log.ApplyLocal(ctx, "alice", change.Set{Path: textPath, Value: "v1"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := log.ApplyLocal(ctx, "alice", change.Set{Path: textPath, Value: "v2"}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	inserted := &document.Item{ID: "item-9", Type: "todo", Text: "ephemeral"}
	if _, err := log.ApplyLocal(ctx, "alice", change.Insert{Path: itemsPath(), Value: inserted, Index: -1}); err != nil {
		t.Fatalf("apply insert: %v", err)
	}

	// Simulate an out-of-band removal so the undo cannot find its target.
	items := &ws.Documents[0].Groups[0].Items
	*items = (*items)[:2]

	if _, err := log.Undo(ctx); err != nil {
		t.Fatalf("undo with recovery fallback: %v", err)
	}
	// The snapshot at counter 2 holds text v2 and the original two items.
	if got := itemTexts(ws); len(got) != 2 {
		t.Fatalf("recovery produced wrong item count: %v", got)
	}
	if got := ws.Documents[0].Groups[0].Items[0].Text; got != "v2" {
		t.Fatalf("recovered text = %q, want v2", got)
	}
}

func TestUndoRestoresEntryWhenRecoveryImpossible(t *testing.T) {
	ws := testWorkspace()
	// No snapshots will exist: cadence larger than the number of changes.
	log := newTestLog(ws, Options{SnapshotEvery: 100})
	ctx := context.Background()

	inserted := &document.Item{ID: "item-9", Type: "todo", Text: "ephemeral"}
	if _, err := log.ApplyLocal(ctx, "alice", change.Insert{Path: itemsPath(), Value: inserted, Index: -1}); err != nil {
		t.Fatalf("apply insert: %v", err)
	}

	items := &ws.Documents[0].Groups[0].Items
	*items = (*items)[:2]

	if _, err := log.Undo(ctx); !errors.Is(err, ErrUnrecoverable) {
		t.Fatalf("undo = %v, want ErrUnrecoverable", err)
	}
	if log.UndoLen() != 1 {
		t.Fatalf("failed undo must leave the entry on the stack")
	}
	if got := itemTexts(ws); len(got) != 2 {
		t.Fatalf("failed undo mutated workspace: %v", got)
	}
}

func TestExportImportStateRoundTrip(t *testing.T) {
	ws := testWorkspace()
	log := newTestLog(ws, Options{SnapshotEvery: 2})
	ctx := context.Background()

	textPath := append(itemPath("item-1"), address.FieldKey("text"))
	for i := 1; i <= 3; i++ {
		if _, err := log.ApplyLocal(ctx, "alice", change.Set{Path: textPath, Value: fmt.Sprintf("v%d", i)}); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}
	if _, err := log.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}

	st := log.ExportState()

	ws2 := testWorkspace()
	ws2.Documents[0].Groups[0].Items[0].Text = "v2"
	log2 := newTestLog(ws2, Options{SnapshotEvery: 2})
	log2.ImportState(st)

	if log2.Counter() != log.Counter() {
		t.Fatalf("counter = %d, want %d", log2.Counter(), log.Counter())
	}
	if log2.UndoLen() != log.UndoLen() || log2.RedoLen() != log.RedoLen() {
		t.Fatalf("stack depths differ after import")
	}
	if _, err := log2.Undo(ctx); err != nil {
		t.Fatalf("undo on imported state: %v", err)
	}
	if got := ws2.Documents[0].Groups[0].Items[0].Text; got != "v1" {
		t.Fatalf("imported undo produced %q, want v1", got)
	}
}

func TestHistoryReturnsNewestWindow(t *testing.T) {
	ws := testWorkspace()
	log := newTestLog(ws, Options{})
	ctx := context.Background()

	textPath := append(itemPath("item-1"), address.FieldKey("text"))
	for i := 0; i < 6; i++ {
		if _, err := log.ApplyLocal(ctx, "alice", change.Set{Path: textPath, Value: fmt.Sprintf("v%d", i)}); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	hist := log.History(4)
	if len(hist) != 4 {
		t.Fatalf("history length = %d, want 4", len(hist))
	}
	if hist[len(hist)-1].Seq != 6 {
		t.Fatalf("history must end with the newest change, got seq %d", hist[len(hist)-1].Seq)
	}
}

func TestDiagnoseFlagsDanglingEntries(t *testing.T) {
	ws := testWorkspace()
	log := newTestLog(ws, Options{})
	ctx := context.Background()

	if _, err := log.ApplyLocal(ctx, "alice", change.Delete{Path: itemPath("item-2")}); err != nil {
		t.Fatalf("apply delete: %v", err)
	}
	if issues := log.Diagnose(); len(issues) != 0 {
		t.Fatalf("healthy log reported issues: %+v", issues)
	}

	// Remove the group out of band so the recorded path no longer resolves.
	ws.Documents[0].Groups = ws.Documents[0].Groups[1:]
	issues := log.Diagnose()
	if len(issues) == 0 {
		t.Fatalf("expected diagnostics for dangling path")
	}
}
