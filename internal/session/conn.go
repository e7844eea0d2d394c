package session

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/types"
)

const (
	defaultSendBuffer = 64
	writeTimeout      = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongTimeout       = 75 * time.Second
)

var errSendBufferFull = errors.New("send buffer full")

// Conn wraps one upgraded websocket session. Writes go through a buffered
// channel drained by a single pump so handlers never block on the socket.
type Conn struct {
	ws       *websocket.Conn
	client   types.ClientID
	logger   zerolog.Logger
	send     chan []byte
	done     chan struct{}
	closeOne sync.Once

	mu       sync.Mutex
	document types.DocumentID
}

func newConn(ws *websocket.Conn, client types.ClientID, logger zerolog.Logger) *Conn {
	return &Conn{
		ws:     ws,
		client: client,
		logger: logger,
		send:   make(chan []byte, defaultSendBuffer),
		done:   make(chan struct{}),
	}
}

// ClientID returns the connection's client identifier.
func (c *Conn) ClientID() types.ClientID { return c.client }

// Document returns the document this connection has joined, if any.
func (c *Conn) Document() (types.DocumentID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.document, c.document != ""
}

func (c *Conn) setDocument(doc types.DocumentID) {
	c.mu.Lock()
	c.document = doc
	c.mu.Unlock()
}

// SendEnvelope serializes and enqueues an envelope for delivery. A full send
// buffer closes the connection rather than blocking the caller.
func (c *Conn) SendEnvelope(env types.Envelope) error {
	data, err := env.MarshalBinary()
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		c.logger.Warn().Str("client", string(c.client)).Msg("send buffer full; closing connection")
		c.close()
		return errSendBufferFull
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write pump error")
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *Conn) close() {
	c.closeOne.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
