package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/apperr"
	"github.com/lodestone-ai/lodestone/internal/corpusstats"
	"github.com/lodestone-ai/lodestone/internal/spaces"
)

// SpaceRegistry is the slice of the space registry the handler needs.
type SpaceRegistry interface {
	Resolve(tenantID, text string, stats *corpusstats.Stats) (spaces.Space, error)
	Upsert(tenantID string, space spaces.Space) (spaces.Space, error)
	Spaces(tenantID string) ([]spaces.Space, error)
	Version(tenantID string) (int, error)
}

// StatsSource yields per-tenant corpus statistics for salient-phrase naming.
type StatsSource interface {
	Get(tenantID string) (*corpusstats.Stats, error)
}

// SpacesHandler serves the per-tenant space registry to ingestion and admin
// callers.
// Endpoints:
//
//	GET  /v1/spaces
//	POST /v1/spaces
//	POST /v1/spaces/resolve
type SpacesHandler struct {
	registry SpaceRegistry
	stats    StatsSource
	logger   *zap.Logger
}

// NewSpacesHandler constructs the handler. stats may be nil; resolution then
// falls back to token-based naming for auto-created spaces.
func NewSpacesHandler(registry SpaceRegistry, stats StatsSource, logger *zap.Logger) *SpacesHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SpacesHandler{registry: registry, stats: stats, logger: logger}
}

// RegisterRoutes registers the space endpoints on the given mux.
func (h *SpacesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/spaces", h.handleSpaces)
	mux.HandleFunc("/v1/spaces/resolve", h.handleResolve)
}

func (h *SpacesHandler) handleSpaces(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listSpaces(w, r)
	case http.MethodPost:
		h.upsertSpace(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
	}
}

// spacesListBody is the GET /v1/spaces response.
type spacesListBody struct {
	TenantID string         `json:"tenantId"`
	Spaces   []spaces.Space `json:"spaces"`
	Version  int            `json:"version"`
}

func (h *SpacesHandler) listSpaces(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	list, err := h.registry.Spaces(tenantID)
	if err != nil {
		h.registryError(w, tenantID, "list spaces", err)
		return
	}
	version, err := h.registry.Version(tenantID)
	if err != nil {
		h.registryError(w, tenantID, "read registry version", err)
		return
	}
	writeJSON(w, http.StatusOK, spacesListBody{TenantID: tenantID, Spaces: list, Version: version})
}

func (h *SpacesHandler) upsertSpace(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var space spaces.Space
	if err := json.NewDecoder(r.Body).Decode(&space); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	stored, err := h.registry.Upsert(tenantID, space)
	if err != nil {
		h.registryError(w, tenantID, "upsert space", err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// resolveRequestBody carries the document text whose space assignment the
// ingest pipeline needs before writing chunks.
type resolveRequestBody struct {
	Text string `json:"text"`
}

// resolveResponseBody reports the assigned space and the registry version
// after resolution, which bumps when a space was auto-created.
type resolveResponseBody struct {
	Space   spaces.Space `json:"space"`
	Version int          `json:"version"`
}

func (h *SpacesHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
		return
	}
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var body resolveRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}
	if body.Text == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "text is required")
		return
	}

	var stats *corpusstats.Stats
	if h.stats != nil {
		// A stats miss only degrades auto-created space names, never resolution.
		stats, _ = h.stats.Get(tenantID)
	}
	space, err := h.registry.Resolve(tenantID, body.Text, stats)
	if err != nil {
		h.registryError(w, tenantID, "resolve space", err)
		return
	}
	version, err := h.registry.Version(tenantID)
	if err != nil {
		h.registryError(w, tenantID, "read registry version", err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponseBody{Space: space, Version: version})
}

// tenant extracts the tenant header shared with the search endpoint. Space
// registries are tenant-scoped, so requests without one are rejected.
func (h *SpacesHandler) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	caller := callerFromHeaders(r)
	if caller.TenantID == "" {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "X-Tenant-ID header is required")
		return "", false
	}
	return caller.TenantID, true
}

func (h *SpacesHandler) registryError(w http.ResponseWriter, tenantID, op string, err error) {
	code := apperr.CodeOf(err)
	status := statusFromCode(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("space registry operation failed",
			zap.String("tenant_id", tenantID),
			zap.String("op", op),
			zap.Error(err))
	} else {
		h.logger.Warn("space registry request rejected",
			zap.String("tenant_id", tenantID),
			zap.String("op", op),
			zap.String("code", string(code)),
			zap.Error(err))
	}
	writeError(w, status, errorCode(code), safeMessage(err, "space registry operation failed"))
}
