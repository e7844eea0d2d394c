package session

import (
	"sync"

	"github.com/example/twodo-sync-engine/internal/types"
)

// Registry tracks joined connections keyed by document so the hub can
// broadcast efficiently.
type Registry struct {
	mu        sync.RWMutex
	documents map[types.DocumentID]map[*Conn]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{documents: make(map[types.DocumentID]map[*Conn]struct{})}
}

// Register associates the connection with a document.
func (r *Registry) Register(doc types.DocumentID, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.documents[doc] == nil {
		r.documents[doc] = make(map[*Conn]struct{})
	}
	r.documents[doc][c] = struct{}{}
	joinedClients.WithLabelValues(string(doc)).Set(float64(len(r.documents[doc])))
}

// Unregister removes the connection.
func (r *Registry) Unregister(doc types.DocumentID, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.documents[doc]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.documents, doc)
	}
	joinedClients.WithLabelValues(string(doc)).Set(float64(len(conns)))
}

// Count returns the number of connections joined to the document.
func (r *Registry) Count(doc types.DocumentID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.documents[doc])
}

// Broadcast delivers the envelope to every connection joined to the document,
// skipping the sender so changes are never echoed to their author.
func (r *Registry) Broadcast(doc types.DocumentID, env types.Envelope, skip *Conn) int {
	return r.broadcast(doc, env, func(c *Conn) bool { return c == skip })
}

// BroadcastSkipClient delivers to every connection except those owned by the
// given client identifier. Used when relaying pub/sub traffic where the
// originating connection is not local.
func (r *Registry) BroadcastSkipClient(doc types.DocumentID, env types.Envelope, skipClient types.ClientID) int {
	return r.broadcast(doc, env, func(c *Conn) bool {
		return skipClient != "" && c.ClientID() == skipClient
	})
}

func (r *Registry) broadcast(doc types.DocumentID, env types.Envelope, skip func(*Conn) bool) int {
	r.mu.RLock()
	conns := r.documents[doc]
	recipients := make([]*Conn, 0, len(conns))
	for c := range conns {
		if !skip(c) {
			recipients = append(recipients, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, c := range recipients {
		if err := c.SendEnvelope(env); err == nil {
			sent++
		}
	}
	return sent
}
