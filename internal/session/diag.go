package session

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/twodo-sync-engine/internal/changelog"
	"github.com/example/twodo-sync-engine/internal/document"
	"github.com/example/twodo-sync-engine/internal/snapshot"
	"github.com/example/twodo-sync-engine/internal/types"
)

// DiagHandler serves GET /diag/{documentID}: a read-only health report over a
// hosted document engine.
type DiagHandler struct {
	manager  *Manager
	registry *Registry
	logger   zerolog.Logger
}

// NewDiagHandler builds the diagnostics handler.
func NewDiagHandler(manager *Manager, registry *Registry, logger zerolog.Logger) *DiagHandler {
	return &DiagHandler{manager: manager, registry: registry, logger: logger}
}

type diagReport struct {
	Document      types.DocumentID       `json:"document"`
	Counter       int                    `json:"changeCounter"`
	UndoDepth     int                    `json:"undoDepth"`
	RedoDepth     int                    `json:"redoDepth"`
	JoinedClients int                    `json:"joinedClients"`
	Snapshots     []int                  `json:"snapshotCounters"`
	LastSnapshot  *snapshot.Meta         `json:"lastSnapshot,omitempty"`
	StackIssues   []changelog.Diagnostic `json:"stackIssues"`
	TreeIssues    []document.Issue       `json:"treeIssues"`
}

// ServeHTTP implements http.Handler.
func (h *DiagHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != "diag" || parts[1] == "" {
		http.NotFound(w, r)
		return
	}
	doc := types.DocumentID(parts[1])

	eng, ok := h.manager.Peek(doc)
	if !ok {
		http.Error(w, "document not hosted", http.StatusNotFound)
		return
	}

	report := diagReport{
		Document:      doc,
		Counter:       eng.Log.Counter(),
		UndoDepth:     eng.Log.UndoLen(),
		RedoDepth:     eng.Log.RedoLen(),
		JoinedClients: h.registry.Count(doc),
		Snapshots:     eng.Log.Snapshots().Counters(),
		StackIssues:   eng.Log.Diagnose(),
	}
	if meta, ok := eng.Log.Snapshots().Latest(); ok {
		report.LastSnapshot = &meta
	}

	// Validate against a decoded copy so the live tree stays untouched.
	if data, err := eng.Log.WorkspaceJSON(); err == nil {
		if ws, err := document.DecodeWorkspace(data); err == nil {
			report.TreeIssues = ws.Validate()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Error().Err(err).Str("document", string(doc)).Msg("encode diag report failed")
	}
}
