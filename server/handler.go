package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/quonaro/ghly"
	"github.com/quonaro/ghly/origin"
	"github.com/quonaro/ghly/telemetry"
)

// usageDetail is returned for malformed /gh paths.
const usageDetail = "Invalid API path format. Correct template: /gh/{owner}/{repo}/{path}?ref={branch}"

// etagLength is how many fingerprint characters go into the ETag header.
const etagLength = 16

// handleFile serves one file through the cache.
//
// Query parameters: ref (branch, tag, or commit; default main) and refresh
// (force a cache refresh before resolving).
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")
	repo := r.PathValue("repo")
	path := r.PathValue("path")
	if owner == "" || repo == "" || path == "" {
		writeJSONError(w, http.StatusBadRequest, usageDetail)
		return
	}

	key := ghly.NewFileKey(owner, repo, path, r.URL.Query().Get("ref"))

	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		// A failed invalidation degrades to serving possibly-stale
		// content rather than failing the request.
		if err := s.resolver.Invalidate(r.Context(), key); err != nil {
			s.logger.Warn("forced refresh invalidation failed", "key", key.String(), "error", err)
		}
	}

	content, contentType, err := s.resolver.Resolve(r.Context(), key)
	if err != nil {
		s.writeResolveError(w, r, key, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600, must-revalidate")

	if meta, err := s.resolver.Metadata(r.Context(), key); err == nil {
		fingerprint := meta.Fingerprint
		if len(fingerprint) > etagLength {
			fingerprint = fingerprint[:etagLength]
		}
		w.Header().Set("ETag", `"`+fingerprint+`"`)
	}

	status := "MISS"
	if tags := telemetry.TagsFromContext(r.Context()); tags != nil && tags.CacheResult == telemetry.CacheHit {
		status = "HIT"
	}
	w.Header().Set("X-Cache-Status", status)

	_, _ = w.Write(content)
}

// writeResolveError translates resolver errors into protocol responses.
func (s *Server) writeResolveError(w http.ResponseWriter, r *http.Request, key ghly.FileKey, err error) {
	var upstreamErr *origin.UpstreamError

	switch {
	case errors.Is(err, ghly.ErrForbidden):
		s.logger.Error("permission denied", "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusForbidden, err.Error())

	case errors.Is(err, ghly.ErrNotFound):
		writeJSONError(w, http.StatusNotFound,
			fmt.Sprintf("File not found: %s", key.String()))

	case errors.As(err, &upstreamErr):
		s.logger.Error("upstream failure", "key", key.String(),
			"status", upstreamErr.Status, "unreachable", upstreamErr.Unreachable(), "error", err)
		writeJSONError(w, http.StatusBadGateway,
			fmt.Sprintf("Upstream failure fetching %s", key.String()))

	default:
		s.logger.Error("unexpected resolve error", "key", key.String(), "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// handleBadPath answers malformed /gh requests with the expected template.
func (s *Server) handleBadPath(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusBadRequest, usageDetail)
}
