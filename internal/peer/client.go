// Package peer implements the peer-channel collaborator: a websocket client
// speaking the JSON sync protocol. Outbound sends are queued and written by a
// single pump; inbound messages are dispatched to the reconciler.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/change"
	"github.com/example/twodo-sync-engine/internal/types"
)

const (
	defaultSendBuffer  = 64
	defaultWriteWait   = 5 * time.Second
	maxReconnectDelay  = 30 * time.Second
	baseReconnectDelay = time.Second
)

var errSendBufferFull = errors.New("peer send buffer full")

// Handler receives inbound peer messages.
type Handler interface {
	HandleChange(ctx context.Context, rec *change.Record) error
	HandleUndo(ctx context.Context, id types.ChangeID) error
	HandleRedo(ctx context.Context, id types.ChangeID) error
	HandleFullSync(ctx context.Context, data json.RawMessage, timestamp int64) error
}

// Disconnector is optionally implemented by handlers that need to know when
// the connection dropped (e.g. to flush held move halves).
type Disconnector interface {
	HandleDisconnect(ctx context.Context)
}

// Client is a reconnecting websocket peer channel for one document.
type Client struct {
	url      string
	doc      types.DocumentID
	clientID types.ClientID
	handler  Handler
	logger   zerolog.Logger
	outbound chan types.Envelope
}

// NewClient constructs a client; Start must be called to connect.
func NewClient(url string, doc types.DocumentID, clientID types.ClientID, handler Handler, logger zerolog.Logger) *Client {
	return &Client{
		url:      url,
		doc:      doc,
		clientID: clientID,
		handler:  handler,
		logger:   logger.With().Str("document", string(doc)).Str("client", string(clientID)).Logger(),
		outbound: make(chan types.Envelope, defaultSendBuffer),
	}
}

// Start runs the connect/reconnect loop until the context is cancelled.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Client) run(ctx context.Context) {
	delay := baseReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.session(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn().Err(err).Dur("backoff", delay).Msg("peer connection lost; reconnecting")
		}
		if d, ok := c.handler.(Disconnector); ok {
			d.HandleDisconnect(ctx)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			delay = minDuration(delay*2, maxReconnectDelay)
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	join := types.Envelope{Type: types.MsgJoinFile, Document: c.doc, Client: c.clientID}
	if err := writeEnvelope(conn, join); err != nil {
		return err
	}
	c.logger.Info().Msg("peer channel connected")

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- c.writePump(sessionCtx, conn) }()
	go func() { errCh <- c.readPump(sessionCtx, conn) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-c.outbound:
			if err := writeEnvelope(conn, env); err != nil {
				return err
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env types.Envelope
		if err := env.UnmarshalBinary(data); err != nil {
			c.logger.Warn().Err(err).Msg("undecodable peer message")
			continue
		}
		if err := c.dispatch(ctx, env); err != nil {
			c.logger.Warn().Err(err).Str("type", env.Type).Msg("peer message rejected")
		}
	}
}

func (c *Client) dispatch(ctx context.Context, env types.Envelope) error {
	switch env.Type {
	case types.MsgChange:
		var wire change.Wire
		if err := json.Unmarshal(env.Change, &wire); err != nil {
			return err
		}
		rec, err := change.FromWire(wire)
		if err != nil {
			return err
		}
		return c.handler.HandleChange(ctx, rec)
	case types.MsgUndo:
		return c.handler.HandleUndo(ctx, env.ChangeID)
	case types.MsgRedo:
		return c.handler.HandleRedo(ctx, env.ChangeID)
	case types.MsgFullSync, types.MsgFileJoined:
		if len(env.Data) == 0 {
			return nil
		}
		return c.handler.HandleFullSync(ctx, env.Data, env.Timestamp)
	case types.MsgConnected, types.MsgClientJoined, types.MsgClientLeft, types.MsgHistory:
		c.logger.Debug().Str("type", env.Type).Msg("peer session message")
		return nil
	default:
		c.logger.Debug().Str("type", env.Type).Msg("ignoring unknown peer message")
		return nil
	}
}

// Send forwards a recorded change to the peer channel. Moves travel as their
// legacy split-pair encoding.
func (c *Client) Send(_ context.Context, rec *change.Record) error {
	for _, wire := range rec.PeerWire() {
		payload, err := json.Marshal(wire)
		if err != nil {
			return err
		}
		env := types.Envelope{
			Type:     types.MsgChange,
			Document: c.doc,
			Client:   c.clientID,
			Change:   payload,
		}
		if err := c.enqueue(env); err != nil {
			return err
		}
	}
	return nil
}

// SendUndo notifies peers that a change was undone locally.
func (c *Client) SendUndo(_ context.Context, id types.ChangeID) error {
	return c.enqueue(types.Envelope{Type: types.MsgUndo, Document: c.doc, Client: c.clientID, ChangeID: id})
}

// SendRedo notifies peers that a change was redone locally.
func (c *Client) SendRedo(_ context.Context, id types.ChangeID) error {
	return c.enqueue(types.Envelope{Type: types.MsgRedo, Document: c.doc, Client: c.clientID, ChangeID: id})
}

func (c *Client) enqueue(env types.Envelope) error {
	select {
	case c.outbound <- env:
		return nil
	default:
		return errSendBufferFull
	}
}

func writeEnvelope(conn *websocket.Conn, env types.Envelope) error {
	data, err := env.MarshalBinary()
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
