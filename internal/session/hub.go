package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/change"
	"github.com/example/twodo-sync-engine/internal/changelog"
	"github.com/example/twodo-sync-engine/internal/presence"
	"github.com/example/twodo-sync-engine/internal/types"
)

const historyWindow = 50

// Relay forwards applied changes to other server instances. Nil disables
// cross-instance fan-out.
type Relay interface {
	Publish(ctx context.Context, doc types.DocumentID, id types.ChangeID, client types.ClientID, payload []byte) error
}

// Hub upgrades editor clients to websocket sessions and speaks the sync
// protocol with them.
type Hub struct {
	manager  *Manager
	registry *Registry
	relay    Relay
	presence *presence.Service
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewHub constructs a Hub over the given engine manager. The relay and
// presence service may be nil for single-instance deployments.
func NewHub(manager *Manager, registry *Registry, relay Relay, pres *presence.Service, logger zerolog.Logger) *Hub {
	manager.SetPeerFactory(func(doc types.DocumentID) changelog.PeerChannel {
		return &localPeer{doc: doc, registry: registry}
	})
	return &Hub{
		manager:  manager,
		registry: registry,
		relay:    relay,
		presence: pres,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Registry exposes the connection registry so the pub/sub relay can fan
// remote traffic out to local clients.
func (h *Hub) Registry() *Registry { return h.registry }

// ServeHTTP implements http.Handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientID := types.ClientID(r.URL.Query().Get("clientId"))
	if clientID == "" {
		clientID = types.ClientID(uuid.NewString())
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	logger := h.logger.With().Str("client", string(clientID)).Logger()
	conn := newConn(ws, clientID, logger)
	go conn.writePump()

	_ = conn.SendEnvelope(types.Envelope{Type: types.MsgConnected, Client: clientID})
	logger.Info().Msg("client connected")

	h.readLoop(r.Context(), conn)
	h.teardown(context.Background(), conn)
}

func (h *Hub) readLoop(ctx context.Context, conn *Conn) {
	conn.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				conn.logger.Debug().Err(err).Msg("read loop exited")
			}
			return
		}

		var env types.Envelope
		if err := env.UnmarshalBinary(data); err != nil {
			conn.logger.Warn().Err(err).Msg("undecodable message")
			continue
		}
		if env.Client == "" {
			env.Client = conn.ClientID()
		}
		messagesTotal.WithLabelValues(env.Type).Inc()

		if err := h.dispatch(ctx, conn, env); err != nil {
			conn.logger.Warn().Err(err).Str("type", env.Type).Msg("message rejected")
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, conn *Conn, env types.Envelope) error {
	switch env.Type {
	case types.MsgJoinFile:
		return h.handleJoin(ctx, conn, env)
	case types.MsgLeaveFile:
		h.leave(ctx, conn)
		return nil
	case types.MsgChange:
		return h.handleChange(ctx, conn, env)
	case types.MsgUndo:
		return h.handleUndoRedo(ctx, conn, env, true)
	case types.MsgRedo:
		return h.handleUndoRedo(ctx, conn, env, false)
	case types.MsgFullSync:
		return h.handleFullSync(ctx, conn, env)
	case types.MsgGetHistory:
		return h.handleGetHistory(conn, env)
	default:
		conn.logger.Debug().Str("type", env.Type).Msg("ignoring unknown message")
		return nil
	}
}

func (h *Hub) handleJoin(ctx context.Context, conn *Conn, env types.Envelope) error {
	if env.Document == "" {
		return errors.New("join without filename")
	}
	if current, ok := conn.Document(); ok {
		if current == env.Document {
			return nil
		}
		h.leave(ctx, conn)
	}

	eng, err := h.manager.Acquire(ctx, env.Document)
	if err != nil {
		return err
	}
	conn.setDocument(env.Document)
	h.registry.Register(env.Document, conn)

	data, err := eng.Log.WorkspaceJSON()
	if err != nil {
		return err
	}
	reply := types.Envelope{
		Type:     types.MsgFileJoined,
		Document: env.Document,
		Client:   conn.ClientID(),
		Data:     data,
		History:  marshalHistory(eng.Log.History(historyWindow)),
	}
	if err := conn.SendEnvelope(reply); err != nil {
		return err
	}

	h.registry.Broadcast(env.Document, types.Envelope{
		Type:     types.MsgClientJoined,
		Document: env.Document,
		Client:   conn.ClientID(),
	}, conn)

	if h.presence != nil {
		if err := h.presence.HandleJoin(ctx, env.Document, conn.ClientID()); err != nil {
			conn.logger.Warn().Err(err).Msg("presence join failed")
		}
		if roster, err := h.presence.Roster(ctx, env.Document); err == nil {
			for _, entry := range roster {
				if entry.Client == conn.ClientID() {
					continue
				}
				_ = conn.SendEnvelope(types.Envelope{
					Type:     types.MsgClientJoined,
					Document: entry.Document,
					Client:   entry.Client,
				})
			}
		}
	}
	conn.logger.Info().Str("document", string(env.Document)).Msg("client joined document")
	return nil
}

func (h *Hub) handleChange(ctx context.Context, conn *Conn, env types.Envelope) error {
	ctx, span := tracer.Start(ctx, "session.handle_change")
	defer span.End()

	eng, err := h.engineFor(conn)
	if err != nil {
		return err
	}

	var wire change.Wire
	if err := json.Unmarshal(env.Change, &wire); err != nil {
		return err
	}
	rec, err := change.FromWire(wire)
	if err != nil {
		return err
	}
	if rec.Client == "" {
		rec.Client = env.Client
	}
	if rec.ID == "" {
		rec.ID = types.NewChangeID(rec.Client)
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	if err := eng.Reconciler.HandleChange(ctx, rec); err != nil {
		return err
	}

	h.registry.Broadcast(eng.Doc, env, conn)
	h.publish(ctx, eng.Doc, rec.ID, env)
	return nil
}

func (h *Hub) handleUndoRedo(ctx context.Context, conn *Conn, env types.Envelope, undo bool) error {
	eng, err := h.engineFor(conn)
	if err != nil {
		return err
	}
	if env.ChangeID == "" {
		return errors.New("missing changeId")
	}

	if undo {
		err = eng.Reconciler.HandleUndo(ctx, env.ChangeID)
	} else {
		err = eng.Reconciler.HandleRedo(ctx, env.ChangeID)
	}
	if err != nil {
		return err
	}

	h.registry.Broadcast(eng.Doc, env, conn)
	h.publish(ctx, eng.Doc, env.ChangeID, env)
	return nil
}

func (h *Hub) handleFullSync(ctx context.Context, conn *Conn, env types.Envelope) error {
	eng, err := h.engineFor(conn)
	if err != nil {
		return err
	}
	if err := eng.Reconciler.HandleFullSync(ctx, env.Data, env.Timestamp); err != nil {
		return err
	}
	h.registry.Broadcast(eng.Doc, env, conn)
	h.publish(ctx, eng.Doc, types.ChangeID(uuid.NewString()), env)
	return nil
}

func (h *Hub) handleGetHistory(conn *Conn, env types.Envelope) error {
	eng, err := h.engineFor(conn)
	if err != nil {
		return err
	}
	limit := historyWindow
	if env.Timestamp > 0 && env.Timestamp < int64(historyWindow) {
		limit = int(env.Timestamp)
	}
	return conn.SendEnvelope(types.Envelope{
		Type:     types.MsgHistory,
		Document: eng.Doc,
		History:  marshalHistory(eng.Log.History(limit)),
	})
}

func (h *Hub) engineFor(conn *Conn) (*Engine, error) {
	doc, ok := conn.Document()
	if !ok {
		return nil, errors.New("not joined to a document")
	}
	eng, ok := h.manager.Peek(doc)
	if !ok {
		return nil, errors.New("no engine for document")
	}
	return eng, nil
}

func (h *Hub) leave(ctx context.Context, conn *Conn) {
	doc, ok := conn.Document()
	if !ok {
		return
	}
	conn.setDocument("")
	h.registry.Unregister(doc, conn)

	if eng, ok := h.manager.Peek(doc); ok {
		eng.Reconciler.FlushPending(ctx)
	}
	h.registry.Broadcast(doc, types.Envelope{
		Type:     types.MsgClientLeft,
		Document: doc,
		Client:   conn.ClientID(),
	}, conn)
	if h.presence != nil {
		h.presence.HandleLeave(ctx, doc, conn.ClientID())
	}
	h.manager.Release(ctx, doc)
	conn.logger.Info().Str("document", string(doc)).Msg("client left document")
}

func (h *Hub) teardown(ctx context.Context, conn *Conn) {
	h.leave(ctx, conn)
	conn.close()
	conn.logger.Info().Msg("client disconnected")
}

func (h *Hub) publish(ctx context.Context, doc types.DocumentID, id types.ChangeID, env types.Envelope) {
	if h.relay == nil {
		return
	}
	payload, err := env.MarshalBinary()
	if err != nil {
		return
	}
	if err := h.relay.Publish(ctx, doc, id, env.Client, payload); err != nil {
		h.logger.Warn().Err(err).Str("document", string(doc)).Msg("relay publish failed")
	}
}

func marshalHistory(records []*change.Record) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		out = append(out, data)
	}
	return out
}

var _ changelog.PeerChannel = (*localPeer)(nil)

// localPeer lets a hosted engine broadcast changes it authors itself (for
// example recovery repairs) to joined clients. Most server-side records are
// remote-origin and never pass through here.
type localPeer struct {
	doc      types.DocumentID
	registry *Registry
}

func (p *localPeer) Send(_ context.Context, rec *change.Record) error {
	for _, wire := range rec.PeerWire() {
		payload, err := json.Marshal(wire)
		if err != nil {
			return err
		}
		p.registry.Broadcast(p.doc, types.Envelope{
			Type:     types.MsgChange,
			Document: p.doc,
			Client:   rec.Client,
			Change:   payload,
		}, nil)
	}
	return nil
}

func (p *localPeer) SendUndo(_ context.Context, id types.ChangeID) error {
	p.registry.Broadcast(p.doc, types.Envelope{Type: types.MsgUndo, Document: p.doc, ChangeID: id}, nil)
	return nil
}

func (p *localPeer) SendRedo(_ context.Context, id types.ChangeID) error {
	p.registry.Broadcast(p.doc, types.Envelope{Type: types.MsgRedo, Document: p.doc, ChangeID: id}, nil)
	return nil
}
