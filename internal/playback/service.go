// Package playback reconstructs the workspace a document held at an earlier
// change counter. Live snapshot stores answer recent targets; older targets
// fall back to the CBOR archives in object storage.
package playback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/document"
	"github.com/example/twodo-sync-engine/internal/snapshot"
	"github.com/example/twodo-sync-engine/internal/types"
)

// ErrNoState reports that no snapshot at or before the target exists.
var ErrNoState = errors.New("no snapshot at or before target")

// ArchiveRef points at one archived snapshot object.
type ArchiveRef struct {
	Counter int
	Path    string
}

// SnapshotLoader reads archived snapshots from object storage.
type SnapshotLoader interface {
	List(ctx context.Context, doc types.DocumentID) ([]ArchiveRef, error)
	Load(ctx context.Context, path string) ([]byte, error)
}

// LiveStores resolves the in-memory snapshot store of a currently hosted
// document. The session manager satisfies this.
type LiveStores interface {
	SnapshotsFor(doc types.DocumentID) (*snapshot.Store, bool)
}

// Request captures the playback cursor for a document.
type Request struct {
	Document types.DocumentID
	AtChange int
}

// Response is the reconstructed workspace and its provenance.
type Response struct {
	Document types.DocumentID `json:"document"`
	Counter  int              `json:"changeCounter"`
	TakenAt  time.Time        `json:"takenAt"`
	Source   string           `json:"source"`
	Data     json.RawMessage  `json:"data"`
}

// Service answers state-at-counter queries.
type Service struct {
	live   LiveStores
	loader SnapshotLoader
	cache  *stateCache
	logger zerolog.Logger
}

// ServiceConfig configures optional behaviours for playback.
type ServiceConfig struct {
	CacheSize int
}

// NewService constructs a playback service. live may be nil when the caller
// only serves archived state.
func NewService(live LiveStores, loader SnapshotLoader, logger zerolog.Logger, cfg ServiceConfig) *Service {
	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = 8
	}
	return &Service{
		live:   live,
		loader: loader,
		cache:  newStateCache(cacheSize),
		logger: logger,
	}
}

// StateAt returns the newest known workspace at or before the requested
// change counter.
func (s *Service) StateAt(ctx context.Context, req Request) (Response, error) {
	if req.Document == "" {
		return Response{}, errors.New("document is required")
	}
	if req.AtChange <= 0 {
		return Response{}, errors.New("at_change must be positive")
	}

	if s.live != nil {
		if store, ok := s.live.SnapshotsFor(req.Document); ok {
			if snap, ok := store.Before(req.AtChange); ok {
				return respond(req.Document, snap, "live")
			}
		}
	}

	if snap, ok := s.cache.Get(req.Document, req.AtChange); ok {
		return respond(req.Document, snap, "cache")
	}

	snap, err := s.loadArchived(ctx, req.Document, req.AtChange)
	if err != nil {
		return Response{}, err
	}
	s.cache.Put(req.Document, snap)
	return respond(req.Document, snap, "archive")
}

func (s *Service) loadArchived(ctx context.Context, doc types.DocumentID, target int) (snapshot.Snapshot, error) {
	refs, err := s.loader.List(ctx, doc)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("list archives: %w", err)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Counter > refs[j].Counter })
	var best *ArchiveRef
	for i := range refs {
		if refs[i].Counter <= target {
			best = &refs[i]
			break
		}
	}
	if best == nil {
		return snapshot.Snapshot{}, ErrNoState
	}

	data, err := s.loader.Load(ctx, best.Path)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("load archive %s: %w", best.Path, err)
	}
	payload, err := snapshot.DecodeArchive(data)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode archive %s: %w", best.Path, err)
	}
	if payload.Document != "" && payload.Document != doc {
		s.logger.Warn().Str("document", string(doc)).Str("archive_doc", string(payload.Document)).Msg("archive document mismatch")
	}

	ws, err := document.DecodeWorkspace(payload.Workspace)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode workspace: %w", err)
	}
	return snapshot.Snapshot{Counter: payload.Counter, At: payload.TakenAt, Workspace: ws}, nil
}

func respond(doc types.DocumentID, snap snapshot.Snapshot, source string) (Response, error) {
	data, err := json.Marshal(snap.Workspace)
	if err != nil {
		return Response{}, fmt.Errorf("encode workspace: %w", err)
	}
	return Response{
		Document: doc,
		Counter:  snap.Counter,
		TakenAt:  snap.At,
		Source:   source,
		Data:     data,
	}, nil
}

// ObjectLoader reads archives from MinIO.
type ObjectLoader struct {
	client *minio.Client
	bucket string
}

// NewObjectLoader builds a SnapshotLoader over a MinIO client.
func NewObjectLoader(client *minio.Client, bucket string) *ObjectLoader {
	return &ObjectLoader{client: client, bucket: bucket}
}

// List enumerates the archived snapshots of a document.
func (l *ObjectLoader) List(ctx context.Context, doc types.DocumentID) ([]ArchiveRef, error) {
	prefix := fmt.Sprintf("snapshots/%s/", doc)
	var refs []ArchiveRef
	for obj := range l.client.ListObjects(ctx, l.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := strings.TrimSuffix(strings.TrimPrefix(obj.Key, prefix), ".cbor")
		counter, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		refs = append(refs, ArchiveRef{Counter: counter, Path: obj.Key})
	}
	return refs, nil
}

// Load fetches one archive object.
func (l *ObjectLoader) Load(ctx context.Context, path string) ([]byte, error) {
	obj, err := l.client.GetObject(ctx, l.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}
