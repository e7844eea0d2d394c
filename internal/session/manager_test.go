package session

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/address"
	"github.com/example/twodo-sync-engine/internal/buffer"
	"github.com/example/twodo-sync-engine/internal/change"
	"github.com/example/twodo-sync-engine/internal/changelog"
	"github.com/example/twodo-sync-engine/internal/types"
)

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		UndoCapacity:   10,
		RedoCapacity:   10,
		SnapshotEvery:  5,
		SnapshotRetain: 3,
		BufferDebounce: 10 * time.Millisecond,
	}
}

func seedWorkspace(t *testing.T, eng *Engine) {
	t.Helper()
	err := eng.Log.Workspace().SetField("documents", []any{
		map[string]any{"id": "doc-1", "title": "seed", "groups": []any{}},
	})
	if err != nil {
		t.Fatalf("seed workspace: %v", err)
	}
}

func titlePath() address.Path {
	return address.P(address.FieldKey("documents"), address.IDKey("doc-1"), address.FieldKey("title"))
}

func TestAcquireSharesOneEnginePerDocument(t *testing.T) {
	m := NewManager(buffer.NewMemoryStore(), nil, testManagerConfig(), zerolog.New(io.Discard))
	ctx := context.Background()

	first, err := m.Acquire(ctx, "doc-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := m.Acquire(ctx, "doc-1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if first != second {
		t.Fatal("same document produced two engines")
	}

	other, err := m.Acquire(ctx, "doc-2")
	if err != nil {
		t.Fatalf("acquire other: %v", err)
	}
	if other == first {
		t.Fatal("distinct documents share an engine")
	}
}

func TestReleaseTearsDownOnLastReference(t *testing.T) {
	m := NewManager(buffer.NewMemoryStore(), nil, testManagerConfig(), zerolog.New(io.Discard))
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "doc-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "doc-1"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	m.Release(ctx, "doc-1")
	if _, ok := m.Peek("doc-1"); !ok {
		t.Fatal("engine dropped while a reference remained")
	}

	m.Release(ctx, "doc-1")
	if _, ok := m.Peek("doc-1"); ok {
		t.Fatal("engine survived the last release")
	}
}

func TestReacquireRestoresPersistedHistory(t *testing.T) {
	store := buffer.NewMemoryStore()
	m := NewManager(store, nil, testManagerConfig(), zerolog.New(io.Discard))
	ctx := context.Background()

	eng, err := m.Acquire(ctx, "doc-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	seedWorkspace(t, eng)
	if _, err := eng.Log.ApplyLocal(ctx, "client-a", change.Set{Path: titlePath(), Value: "edited"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	m.Release(ctx, "doc-1")

	reloaded, err := m.Acquire(ctx, "doc-1")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer m.Release(ctx, "doc-1")

	if got := reloaded.Log.UndoLen(); got != 1 {
		t.Fatalf("restored undo depth = %d, want 1", got)
	}
	if got := reloaded.Log.Counter(); got != 1 {
		t.Fatalf("restored counter = %d, want 1", got)
	}
}

func TestSnapshotsForOnlyResolvesHostedDocuments(t *testing.T) {
	m := NewManager(buffer.NewMemoryStore(), nil, testManagerConfig(), zerolog.New(io.Discard))
	ctx := context.Background()

	if _, ok := m.SnapshotsFor("doc-1"); ok {
		t.Fatal("resolved a snapshot store for an unhosted document")
	}
	if _, err := m.Acquire(ctx, "doc-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, ok := m.SnapshotsFor("doc-1"); !ok {
		t.Fatal("hosted document has no snapshot store")
	}
	m.Release(ctx, "doc-1")
}

func TestPeerFactoryWiresEngineBroadcasts(t *testing.T) {
	m := NewManager(buffer.NewMemoryStore(), nil, testManagerConfig(), zerolog.New(io.Discard))
	peer := &capturePeer{}
	m.SetPeerFactory(func(types.DocumentID) changelog.PeerChannel { return peer })
	ctx := context.Background()

	eng, err := m.Acquire(ctx, "doc-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer m.Release(ctx, "doc-1")
	seedWorkspace(t, eng)

	if _, err := eng.Log.ApplyLocal(ctx, "client-a", change.Set{Path: titlePath(), Value: "edited"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(peer.sent) != 1 {
		t.Fatalf("peer received %d records, want 1", len(peer.sent))
	}
}

type capturePeer struct {
	sent []*change.Record
}

func (p *capturePeer) Send(_ context.Context, rec *change.Record) error {
	p.sent = append(p.sent, rec)
	return nil
}

func (p *capturePeer) SendUndo(_ context.Context, _ types.ChangeID) error { return nil }
func (p *capturePeer) SendRedo(_ context.Context, _ types.ChangeID) error { return nil }
