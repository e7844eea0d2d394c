// Package buffer persists one document's change log (stacks, snapshots,
// counter) to a durable store with debounced writes, and reloads it when the
// document is opened.
package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/changelog"
	"github.com/example/twodo-sync-engine/internal/types"
)

// DefaultDebounce coalesces bursts of flush requests into one write.
const DefaultDebounce = 500 * time.Millisecond

// DurableStore is the opaque persistence collaborator. Absence on read is a
// normal case (first open), not an error.
type DurableStore interface {
	Write(ctx context.Context, doc types.DocumentID, data []byte) error
	Read(ctx context.Context, doc types.DocumentID) ([]byte, bool, error)
}

// Persister owns the buffer of the currently open document. Flushes and loads
// are sequenced on one internal lock, so a flush still in flight when the
// document switches is allowed to complete and the next operation queues
// behind it.
type Persister struct {
	store  DurableStore
	delay  time.Duration
	logger zerolog.Logger

	mu    sync.Mutex
	doc   types.DocumentID
	log   *changelog.Log
	timer *time.Timer

	ioMu sync.Mutex
}

// NewPersister constructs a persister over the given durable store. A
// non-positive delay picks DefaultDebounce.
func NewPersister(store DurableStore, delay time.Duration, logger zerolog.Logger) *Persister {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Persister{store: store, delay: delay, logger: logger}
}

// Attach hands the persister ownership of a document's log without loading
// anything. Used for brand-new documents.
func (p *Persister) Attach(doc types.DocumentID, log *changelog.Log) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTimerLocked()
	p.doc = doc
	p.log = log
}

// ScheduleFlush arms (or re-arms) the debounce timer. Implements
// changelog.Flusher.
func (p *Persister) ScheduleFlush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.log == nil {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.delay, func() {
		if err := p.Flush(context.Background()); err != nil {
			p.logger.Warn().Err(err).Msg("debounced flush failed; will retry on next window")
		}
	})
}

// Flush serializes the current document's log state and writes it now. A
// store failure is non-fatal: the in-memory log stays authoritative and the
// next debounce window retries.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	doc, log := p.doc, p.log
	p.stopTimerLocked()
	p.mu.Unlock()

	if log == nil {
		return nil
	}

	p.ioMu.Lock()
	defer p.ioMu.Unlock()

	data, err := json.Marshal(log.ExportState())
	if err != nil {
		flushesTotal.WithLabelValues("encode_error").Inc()
		return fmt.Errorf("encode buffer for %s: %w", doc, err)
	}
	if err := p.store.Write(ctx, doc, data); err != nil {
		flushesTotal.WithLabelValues("store_error").Inc()
		return fmt.Errorf("write buffer for %s: %w", doc, err)
	}
	flushesTotal.WithLabelValues("ok").Inc()
	p.logger.Debug().Str("document", string(doc)).Int("bytes", len(data)).Msg("buffer flushed")
	return nil
}

// Load reads the buffer for a newly opened document into the given log, or
// leaves the log empty when no buffer exists yet. The persister takes
// ownership of the new document.
func (p *Persister) Load(ctx context.Context, doc types.DocumentID, log *changelog.Log) error {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()

	data, ok, err := p.store.Read(ctx, doc)
	if err != nil {
		loadsTotal.WithLabelValues("store_error").Inc()
		return fmt.Errorf("read buffer for %s: %w", doc, err)
	}
	if ok {
		var state changelog.State
		if err := json.Unmarshal(data, &state); err != nil {
			loadsTotal.WithLabelValues("decode_error").Inc()
			return fmt.Errorf("decode buffer for %s: %w", doc, err)
		}
		log.ImportState(state)
		loadsTotal.WithLabelValues("ok").Inc()
	} else {
		loadsTotal.WithLabelValues("absent").Inc()
	}

	p.mu.Lock()
	p.stopTimerLocked()
	p.doc = doc
	p.log = log
	p.mu.Unlock()
	return nil
}

// Switch flushes the outgoing document's buffer, then loads the incoming one.
func (p *Persister) Switch(ctx context.Context, doc types.DocumentID, log *changelog.Log) error {
	if err := p.Flush(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("flush of outgoing buffer failed during switch")
	}
	return p.Load(ctx, doc, log)
}

func (p *Persister) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
