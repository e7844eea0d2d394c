package session

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/types"
)

func testConn(client types.ClientID) *Conn {
	return newConn(nil, client, zerolog.New(io.Discard))
}

func drainOne(t *testing.T, c *Conn) types.Envelope {
	t.Helper()
	select {
	case data := <-c.send:
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("decode queued envelope: %v", err)
		}
		return env
	default:
		t.Fatal("no envelope queued")
		return types.Envelope{}
	}
}

func assertEmpty(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected envelope queued: %s", data)
	default:
	}
}

func TestBroadcastSkipsTheAuthor(t *testing.T) {
	r := NewRegistry()
	author := testConn("client-a")
	other := testConn("client-b")
	r.Register("doc-1", author)
	r.Register("doc-1", other)

	env := types.Envelope{Type: types.MsgChange, Document: "doc-1", Client: "client-a"}
	if sent := r.Broadcast("doc-1", env, author); sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}

	got := drainOne(t, other)
	if got.Type != types.MsgChange || got.Client != "client-a" {
		t.Fatalf("delivered envelope = %+v", got)
	}
	assertEmpty(t, author)
}

func TestBroadcastSkipClientCoversEveryConnOfThatClient(t *testing.T) {
	r := NewRegistry()
	laptop := testConn("client-a")
	phone := testConn("client-a")
	other := testConn("client-b")
	r.Register("doc-1", laptop)
	r.Register("doc-1", phone)
	r.Register("doc-1", other)

	env := types.Envelope{Type: types.MsgChange, Document: "doc-1", Client: "client-a"}
	if sent := r.BroadcastSkipClient("doc-1", env, "client-a"); sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	assertEmpty(t, laptop)
	assertEmpty(t, phone)
	drainOne(t, other)
}

func TestBroadcastIsScopedToTheDocument(t *testing.T) {
	r := NewRegistry()
	joined := testConn("client-a")
	elsewhere := testConn("client-b")
	r.Register("doc-1", joined)
	r.Register("doc-2", elsewhere)

	if sent := r.Broadcast("doc-1", types.Envelope{Type: types.MsgClientJoined}, nil); sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}
	drainOne(t, joined)
	assertEmpty(t, elsewhere)
}

func TestUnregisterStopsDelivery(t *testing.T) {
	r := NewRegistry()
	c := testConn("client-a")
	r.Register("doc-1", c)
	if got := r.Count("doc-1"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	r.Unregister("doc-1", c)
	if got := r.Count("doc-1"); got != 0 {
		t.Fatalf("count after unregister = %d, want 0", got)
	}
	if sent := r.Broadcast("doc-1", types.Envelope{Type: types.MsgClientLeft}, nil); sent != 0 {
		t.Fatalf("sent = %d, want 0", sent)
	}
	assertEmpty(t, c)
}
