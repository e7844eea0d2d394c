package playback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/document"
	"github.com/example/twodo-sync-engine/internal/snapshot"
	"github.com/example/twodo-sync-engine/internal/types"
)

type fakeLoader struct {
	refs    []ArchiveRef
	objects map[string][]byte
	lists   int
	loads   int
}

func (l *fakeLoader) List(_ context.Context, _ types.DocumentID) ([]ArchiveRef, error) {
	l.lists++
	return l.refs, nil
}

func (l *fakeLoader) Load(_ context.Context, path string) ([]byte, error) {
	l.loads++
	data, ok := l.objects[path]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

type fakeLive struct {
	stores map[types.DocumentID]*snapshot.Store
}

func (f *fakeLive) SnapshotsFor(doc types.DocumentID) (*snapshot.Store, bool) {
	store, ok := f.stores[doc]
	return store, ok
}

func playbackWorkspace(title string) *document.Workspace {
	return &document.Workspace{Documents: []*document.Document{{ID: "doc-1", Title: title}}}
}

func archiveBytes(t *testing.T, doc types.DocumentID, counter int, title string) []byte {
	t.Helper()
	wsJSON, err := json.Marshal(playbackWorkspace(title))
	if err != nil {
		t.Fatalf("encode workspace: %v", err)
	}
	data, err := cbor.Marshal(snapshot.ArchivePayload{
		Document:  doc,
		Counter:   counter,
		TakenAt:   time.Now().UTC(),
		Workspace: wsJSON,
	})
	if err != nil {
		t.Fatalf("encode archive: %v", err)
	}
	return data
}

func decodeTitle(t *testing.T, data json.RawMessage) string {
	t.Helper()
	ws, err := document.DecodeWorkspace(data)
	if err != nil {
		t.Fatalf("decode response workspace: %v", err)
	}
	return ws.Documents[0].Title
}

func TestStateAtPrefersLiveStore(t *testing.T) {
	store := snapshot.NewStore(5)
	store.Checkpoint(10, playbackWorkspace("live at 10"))
	store.Checkpoint(20, playbackWorkspace("live at 20"))
	live := &fakeLive{stores: map[types.DocumentID]*snapshot.Store{"doc-1": store}}
	loader := &fakeLoader{}
	svc := NewService(live, loader, zerolog.New(io.Discard), ServiceConfig{})

	resp, err := svc.StateAt(context.Background(), Request{Document: "doc-1", AtChange: 15})
	if err != nil {
		t.Fatalf("state at: %v", err)
	}
	if resp.Source != "live" || resp.Counter != 10 {
		t.Fatalf("resp = source %q counter %d", resp.Source, resp.Counter)
	}
	if got := decodeTitle(t, resp.Data); got != "live at 10" {
		t.Fatalf("workspace title = %q", got)
	}
	if loader.lists != 0 {
		t.Fatal("live hit must not touch object storage")
	}
}

func TestStateAtFallsBackToArchiveAndCaches(t *testing.T) {
	loader := &fakeLoader{
		refs: []ArchiveRef{
			{Counter: 30, Path: "snapshots/doc-1/30.cbor"},
			{Counter: 10, Path: "snapshots/doc-1/10.cbor"},
			{Counter: 20, Path: "snapshots/doc-1/20.cbor"},
		},
		objects: map[string][]byte{
			"snapshots/doc-1/10.cbor": archiveBytes(t, "doc-1", 10, "archived at 10"),
			"snapshots/doc-1/20.cbor": archiveBytes(t, "doc-1", 20, "archived at 20"),
			"snapshots/doc-1/30.cbor": archiveBytes(t, "doc-1", 30, "archived at 30"),
		},
	}
	svc := NewService(nil, loader, zerolog.New(io.Discard), ServiceConfig{})
	ctx := context.Background()

	resp, err := svc.StateAt(ctx, Request{Document: "doc-1", AtChange: 25})
	if err != nil {
		t.Fatalf("state at: %v", err)
	}
	if resp.Source != "archive" || resp.Counter != 20 {
		t.Fatalf("resp = source %q counter %d", resp.Source, resp.Counter)
	}
	if got := decodeTitle(t, resp.Data); got != "archived at 20" {
		t.Fatalf("workspace title = %q", got)
	}

	again, err := svc.StateAt(ctx, Request{Document: "doc-1", AtChange: 25})
	if err != nil {
		t.Fatalf("cached state at: %v", err)
	}
	if again.Source != "cache" || again.Counter != 20 {
		t.Fatalf("second resp = source %q counter %d", again.Source, again.Counter)
	}
	if loader.loads != 1 {
		t.Fatalf("archive loaded %d times, want 1", loader.loads)
	}
}

func TestStateAtReportsNoStateBeforeFirstSnapshot(t *testing.T) {
	loader := &fakeLoader{refs: []ArchiveRef{{Counter: 50, Path: "snapshots/doc-1/50.cbor"}}}
	svc := NewService(nil, loader, zerolog.New(io.Discard), ServiceConfig{})

	_, err := svc.StateAt(context.Background(), Request{Document: "doc-1", AtChange: 5})
	if !errors.Is(err, ErrNoState) {
		t.Fatalf("err = %v, want ErrNoState", err)
	}
}

func TestStateAtValidatesRequest(t *testing.T) {
	svc := NewService(nil, &fakeLoader{}, zerolog.New(io.Discard), ServiceConfig{})
	ctx := context.Background()

	if _, err := svc.StateAt(ctx, Request{AtChange: 5}); err == nil {
		t.Fatal("missing document accepted")
	}
	if _, err := svc.StateAt(ctx, Request{Document: "doc-1"}); err == nil {
		t.Fatal("zero cursor accepted")
	}
}

func TestCacheReturnsIsolatedCopies(t *testing.T) {
	loader := &fakeLoader{
		refs:    []ArchiveRef{{Counter: 10, Path: "snapshots/doc-1/10.cbor"}},
		objects: map[string][]byte{"snapshots/doc-1/10.cbor": archiveBytes(t, "doc-1", 10, "pristine")},
	}
	svc := NewService(nil, loader, zerolog.New(io.Discard), ServiceConfig{})
	ctx := context.Background()

	first, err := svc.StateAt(ctx, Request{Document: "doc-1", AtChange: 10})
	if err != nil {
		t.Fatalf("state at: %v", err)
	}
	ws, err := document.DecodeWorkspace(first.Data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ws.Documents[0].Title = "mutated"

	second, err := svc.StateAt(ctx, Request{Document: "doc-1", AtChange: 10})
	if err != nil {
		t.Fatalf("second state at: %v", err)
	}
	if got := decodeTitle(t, second.Data); got != "pristine" {
		t.Fatalf("cached workspace leaked a mutation: %q", got)
	}
}
