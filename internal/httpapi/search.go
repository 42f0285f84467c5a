// Package httpapi exposes the retrieval pipeline over HTTP: the search
// endpoint plus the server assembly that mounts health probes and the
// Prometheus scrape route alongside it.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/lodestone-ai/lodestone/internal/apperr"
	"github.com/lodestone-ai/lodestone/internal/auth"
	"github.com/lodestone-ai/lodestone/internal/models"
	"github.com/lodestone-ai/lodestone/internal/search"
)

// maxRequestBody caps search request bodies; queries are short text.
const maxRequestBody = 1 << 20

// codeInvalidRequest labels HTTP-layer rejections that never reached the
// pipeline, so callers can tell them from pipeline error codes.
const codeInvalidRequest = "invalid-request"

// Searcher runs one retrieval request. The search orchestrator satisfies it.
type Searcher interface {
	Search(ctx context.Context, collection string, req models.SearchRequest, user *auth.UserContext) (*search.Response, error)
}

// SearchHandler serves retrieval queries.
// Endpoints:
//
//	POST /v1/search
type SearchHandler struct {
	searcher   Searcher
	collection string
	logger     *zap.Logger
}

// NewSearchHandler constructs the handler. The collection is used when a
// request names none.
func NewSearchHandler(searcher Searcher, collection string, logger *zap.Logger) *SearchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchHandler{searcher: searcher, collection: collection, logger: logger}
}

// RegisterRoutes registers the search endpoint on the given mux.
func (h *SearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/search", h.handleSearch)
}

// searchRequestBody is the POST /v1/search payload: the pipeline request
// plus the target collection.
type searchRequestBody struct {
	Collection string `json:"collection,omitempty"`
	models.SearchRequest
}

func (h *SearchHandler) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, codeInvalidRequest, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var body searchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "invalid JSON body")
		return
	}

	collection := body.Collection
	if collection == "" {
		collection = h.collection
	}
	caller := callerFromHeaders(r)

	resp, err := h.searcher.Search(r.Context(), collection, body.SearchRequest, caller)
	if err != nil {
		code := apperr.CodeOf(err)
		status := statusFromCode(code)
		if status >= http.StatusInternalServerError {
			h.logger.Error("search request failed",
				zap.String("tenant_id", caller.TenantID),
				zap.String("caller_id", caller.ID),
				zap.Error(err))
		} else {
			h.logger.Warn("search request rejected",
				zap.String("tenant_id", caller.TenantID),
				zap.String("caller_id", caller.ID),
				zap.String("code", string(code)),
				zap.Error(err))
		}
		writeError(w, status, errorCode(code), safeMessage(err, "search failed"))
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// callerFromHeaders resolves the caller identity injected by the edge proxy.
// Token verification happened upstream; these headers are trusted inside the
// service mesh.
func callerFromHeaders(r *http.Request) *auth.UserContext {
	return &auth.UserContext{
		ID:       strings.TrimSpace(r.Header.Get("X-User-ID")),
		TenantID: strings.TrimSpace(r.Header.Get("X-Tenant-ID")),
		GroupIDs: splitGroups(r.Header.Get("X-Group-IDs")),
		Language: strings.TrimSpace(r.Header.Get("X-Language")),
	}
}

// splitGroups parses the comma-separated group header, dropping empties.
func splitGroups(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if g := strings.TrimSpace(p); g != "" {
			out = append(out, g)
		}
	}
	return out
}

// statusFromCode maps the pipeline error taxonomy onto HTTP statuses.
func statusFromCode(code apperr.Code) int {
	switch code {
	case apperr.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperr.CodeEmbeddingTimeout, apperr.CodeOverallTimeout:
		return http.StatusRequestTimeout
	case apperr.CodeEmbeddingUnavailable:
		return http.StatusBadGateway
	case apperr.CodeInvalidConfiguration:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(code apperr.Code) string {
	if code == "" {
		return "internal"
	}
	return string(code)
}

// safeMessage extracts the caller-safe message from a typed error, capped so
// internals never leak through overlong strings (UTF-8 safe).
func safeMessage(err error, fallback string) string {
	var e *apperr.Error
	if !errors.As(err, &e) || e.Message == "" {
		return fallback
	}
	runes := []rune(e.Message)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return e.Message
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

// writeError writes the error envelope with status and content-type.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
