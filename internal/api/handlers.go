package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/daimoniac/vulnhash/internal/errors"
	"github.com/daimoniac/vulnhash/internal/types"
)

// maxBodyBytes bounds lookup request bodies
const maxBodyBytes = 8 << 20

// handleLookup looks up an artifact by combined hash and embedded file hashes
// @Summary Look up an artifact
// @Description Return the CVEs of records matching the artifact's combined hash, plus those of every record whose file hashes are all contained in the artifact. When a policy is configured the response carries its verdict.
// @Tags Lookup
// @Accept json
// @Produce json
// @Param request body LookupRequest true "Artifact fingerprints"
// @Success 200 {object} CVEListResponse
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Security BearerAuth
// @Router /lookup [post]
func (s *APIServer) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req LookupRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Hash == "" && len(req.FileHashes) == 0 {
		s.respondError(w, http.StatusBadRequest, "Either hash or file_hashes must be specified")
		return
	}

	cves, err := s.service.Lookup(r.Context(), types.Artifact{
		CombinedHash: req.Hash,
		FileHashes:   req.FileHashes,
		Metadata:     req.Metadata,
	})
	if err != nil {
		s.respondServiceError(w, "lookup", err)
		return
	}

	s.respondCVEs(r.Context(), w, req.Hash, cves)
}

// handleHash looks up a single combined hash
// @Summary Look up a hash
// @Description Return the CVEs of the record whose combined hash matches exactly
// @Tags Lookup
// @Produce json
// @Param hash path string true "Combined hash"
// @Success 200 {object} CVEListResponse
// @Failure 400 {object} ErrorResponse "Hash is required"
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Security BearerAuth
// @Router /hash/{hash} [get]
func (s *APIServer) handleHash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// Path format: /api/v1/hash/{hash}
	hash := strings.TrimPrefix(r.URL.Path, "/api/v1/hash/")
	if hash == "" || strings.Contains(hash, "/") {
		s.respondError(w, http.StatusBadRequest, "Hash is required")
		return
	}

	cves, err := s.service.ByHash(r.Context(), hash)
	if err != nil {
		s.respondServiceError(w, "hash lookup", err)
		return
	}

	s.respondCVEs(r.Context(), w, hash, cves)
}

// handleProperties looks up records by metadata
// @Summary Look up by properties
// @Description Return the CVEs of every record carrying all of the given metadata pairs
// @Tags Lookup
// @Accept json
// @Produce json
// @Param request body PropertiesRequest true "Metadata pairs"
// @Success 200 {object} CVEListResponse
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Security BearerAuth
// @Router /properties [post]
func (s *APIServer) handleProperties(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req PropertiesRequest
	if !s.decode(w, r, &req) {
		return
	}

	cves, err := s.service.LookupProperties(r.Context(), req.Properties)
	if err != nil {
		s.respondServiceError(w, "properties lookup", err)
		return
	}

	s.respondJSON(w, http.StatusOK, newCVEListResponse(cves))
}

// handleEmbedded looks up records fully contained in a set of file hashes
// @Summary Look up by embedded file hashes
// @Description Return the CVEs of every record whose file hashes are all in the given set
// @Tags Lookup
// @Accept json
// @Produce json
// @Param request body EmbeddedRequest true "File hashes"
// @Success 200 {object} CVEListResponse
// @Failure 400 {object} ErrorResponse "Invalid request"
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Security BearerAuth
// @Router /embedded [post]
func (s *APIServer) handleEmbedded(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req EmbeddedRequest
	if !s.decode(w, r, &req) {
		return
	}

	cves, err := s.service.ByEmbeddedHashes(r.Context(), req.FileHashes)
	if err != nil {
		s.respondServiceError(w, "embedded lookup", err)
		return
	}

	s.respondJSON(w, http.StatusOK, newCVEListResponse(cves))
}

// handleSync runs one feed synchronization
// @Summary Synchronize
// @Description Fetch the removed and updated records since the last sync and apply them. Blocks until the run finishes.
// @Tags Actions
// @Produce json
// @Success 200 {object} SyncResponse
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 403 {object} ErrorResponse "Read-only mode"
// @Failure 502 {object} SyncResponse "Feed unreachable or malformed"
// @Failure 500 {object} SyncResponse "Sync failed"
// @Security BearerAuth
// @Router /sync [post]
func (s *APIServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	result, err := s.service.Synchronize(r.Context())
	if err != nil {
		s.respondJSON(w, statusForError(err), newSyncResponse(result, err))
		return
	}

	s.logger.Info("sync triggered via API",
		"run_id", result.RunID,
		"records_added", result.Added,
		"records_removed", result.Removed)

	s.respondJSON(w, http.StatusOK, newSyncResponse(result, nil))
}

// handlePurge drops every cached lookup result
// @Summary Purge the result cache
// @Tags Actions
// @Produce json
// @Success 200 {object} PurgeResponse
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 403 {object} ErrorResponse "Read-only mode"
// @Failure 500 {object} ErrorResponse "Purge failed"
// @Security BearerAuth
// @Router /cache/purge [post]
func (s *APIServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.service.Purge(); err != nil {
		s.respondServiceError(w, "purge", err)
		return
	}

	s.logger.Info("result cache purged via API")
	s.respondJSON(w, http.StatusOK, PurgeResponse{Purged: true})
}

// handleStatus reports the sync cursor, table sizes and the last sync
// @Summary Status
// @Tags Status
// @Produce json
// @Success 200 {object} StatusResponse
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Security BearerAuth
// @Router /status [get]
func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	lastUpdated, err := s.service.LastUpdated()
	if err != nil {
		s.logger.Warn("sync cursor unreadable",
			"error", err)
	}

	stats, err := s.service.Stats(r.Context())
	if err != nil {
		s.respondServiceError(w, "stats", err)
		return
	}

	s.respondJSON(w, http.StatusOK, newStatusResponse(lastUpdated, stats, s.service.SyncStatus()))
}

// handleListTolerations lists the configured CVE tolerations
// @Summary List tolerations
// @Description List the CVE tolerations applied during policy evaluation, sorted by CVE id
// @Tags Status
// @Produce json
// @Success 200 {array} ToleratedCVEResponse
// @Failure 401 {object} ErrorResponse "Unauthorized"
// @Security BearerAuth
// @Router /tolerations [get]
func (s *APIServer) handleListTolerations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := make([]ToleratedCVEResponse, 0, len(s.tolerations))
	for _, t := range s.tolerations {
		resp = append(resp, ToleratedCVEResponse{
			CVEID:     t.ID,
			Statement: t.Statement,
			ExpiresAt: formatNullableTimestamp(t.ExpiresAt),
		})
	}
	sort.Slice(resp, func(i, j int) bool { return resp[i].CVEID < resp[j].CVEID })

	s.respondJSON(w, http.StatusOK, resp)
}

// respondCVEs answers a hash lookup, attaching the policy verdict when a
// policy is configured
func (s *APIServer) respondCVEs(ctx context.Context, w http.ResponseWriter, hash string, cves []string) {
	resp := newCVEListResponse(cves)
	if s.policy != nil {
		decision, err := s.policy.Evaluate(ctx, hash, resp.CVEs, s.tolerations)
		if err != nil {
			s.respondServiceError(w, "policy evaluation", err)
			return
		}
		resp.Policy = newPolicyDecisionResponse(decision)
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// decode reads a JSON request body, answering 400 on failure
func (s *APIServer) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

func (s *APIServer) respondServiceError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("API request failed",
		"op", op,
		"kind", errors.Kind(err),
		"error", err)
	s.respondError(w, statusForError(err), fmt.Sprintf("%s failed: %v", op, err))
}

// statusForError maps error kinds to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.IsConnectivity(err):
		return http.StatusBadGateway
	case errors.IsConfiguration(err):
		return http.StatusBadRequest
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
