package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/types"
)

const defaultArchiveInterval = 30 * time.Second

// ArchivePayload is the object-storage representation of one snapshot. The
// workspace travels as its JSON encoding inside a compact CBOR envelope.
type ArchivePayload struct {
	Document  types.DocumentID `cbor:"document"`
	Counter   int              `cbor:"counter"`
	TakenAt   time.Time        `cbor:"taken_at"`
	Workspace []byte           `cbor:"workspace"`
}

// Archiver periodically uploads the newest unarchived snapshot of each
// tracked document to object storage. Archival is best-effort: the in-memory
// store stays authoritative for recovery.
type Archiver struct {
	object   *minio.Client
	bucket   string
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	stores   map[types.DocumentID]*Store
	archived map[types.DocumentID]int
}

// NewArchiver constructs an archiver writing to the given bucket.
func NewArchiver(object *minio.Client, bucket string, logger zerolog.Logger) *Archiver {
	return &Archiver{
		object:   object,
		bucket:   bucket,
		interval: defaultArchiveInterval,
		logger:   logger,
		stores:   make(map[types.DocumentID]*Store),
		archived: make(map[types.DocumentID]int),
	}
}

// Track registers a document's snapshot store for archival.
func (a *Archiver) Track(doc types.DocumentID, store *Store) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stores[doc] = store
}

// Untrack stops archiving the document.
func (a *Archiver) Untrack(doc types.DocumentID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.stores, doc)
	delete(a.archived, doc)
}

// Start begins the periodic archival loop.
func (a *Archiver) Start(ctx context.Context) {
	go a.loop(ctx)
}

func (a *Archiver) loop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Archiver) runOnce(ctx context.Context) {
	a.mu.Lock()
	tracked := make(map[types.DocumentID]*Store, len(a.stores))
	for doc, store := range a.stores {
		tracked[doc] = store
	}
	a.mu.Unlock()

	for doc, store := range tracked {
		if err := a.archiveDocument(ctx, doc, store); err != nil {
			a.logger.Error().Err(err).Str("document", string(doc)).Msg("snapshot archive failed")
		}
	}
}

func (a *Archiver) archiveDocument(ctx context.Context, doc types.DocumentID, store *Store) error {
	if a.object == nil {
		return fmt.Errorf("object storage client not configured")
	}

	meta, ok := store.Latest()
	if !ok {
		return nil
	}

	a.mu.Lock()
	last := a.archived[doc]
	a.mu.Unlock()
	if meta.Counter <= last {
		return nil
	}

	snap, ok := store.Before(meta.Counter)
	if !ok {
		return nil
	}

	wsJSON, err := json.Marshal(snap.Workspace)
	if err != nil {
		return fmt.Errorf("encode workspace: %w", err)
	}
	payload := ArchivePayload{
		Document:  doc,
		Counter:   snap.Counter,
		TakenAt:   snap.At,
		Workspace: wsJSON,
	}
	data, err := cbor.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode archive payload: %w", err)
	}

	objectPath := fmt.Sprintf("snapshots/%s/%d.cbor", doc, snap.Counter)
	if _, err := a.object.PutObject(ctx, a.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/cbor"}); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}

	a.mu.Lock()
	a.archived[doc] = snap.Counter
	a.mu.Unlock()

	a.logger.Info().Str("document", string(doc)).Int("counter", snap.Counter).Msg("snapshot archived")
	return nil
}

// DecodeArchive unmarshals an archived snapshot payload.
func DecodeArchive(data []byte) (ArchivePayload, error) {
	var payload ArchivePayload
	if err := cbor.Unmarshal(data, &payload); err != nil {
		return ArchivePayload{}, fmt.Errorf("decode archive payload: %w", err)
	}
	return payload, nil
}
