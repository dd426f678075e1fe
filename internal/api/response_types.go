package api

import (
	"time"

	"github.com/daimoniac/vulnhash/internal/policy"
	"github.com/daimoniac/vulnhash/internal/statestore"
	"github.com/daimoniac/vulnhash/internal/syncer"
	"github.com/daimoniac/vulnhash/internal/types"
)

// formatTime converts a time to ISO8601 (RFC 3339) in UTC.
//
// Example:
//
//	formatTime(time.Unix(0, 0)) returns "1970-01-01T00:00:00Z"
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// formatNullableTimestamp converts a nullable Unix timestamp to ISO8601 or nil
func formatNullableTimestamp(unixSeconds *int64) *string {
	if unixSeconds == nil {
		return nil
	}
	formatted := formatTime(time.Unix(*unixSeconds, 0))
	return &formatted
}

// ErrorResponse is returned with every non-2xx status
type ErrorResponse struct {
	Error string `json:"error"`
}

// LookupRequest describes an artifact by its fingerprints
type LookupRequest struct {
	Hash       string            `json:"hash" example:"deadbeef"`
	FileHashes map[string]string `json:"file_hashes,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// PropertiesRequest is a set of metadata pairs that must all match
type PropertiesRequest struct {
	Properties map[string]string `json:"properties"`
}

// EmbeddedRequest lists the file hashes contained in an artifact
type EmbeddedRequest struct {
	FileHashes []string `json:"file_hashes"`
}

// CVEListResponse is the answer to a lookup
type CVEListResponse struct {
	CVEs       []string                `json:"cves"`
	Vulnerable bool                    `json:"vulnerable"`
	Policy     *PolicyDecisionResponse `json:"policy,omitempty"`
}

// PolicyDecisionResponse is the policy verdict for a lookup.
// Timestamps are formatted as ISO8601 strings.
type PolicyDecisionResponse struct {
	Passed              bool                   `json:"passed"`
	Reason              string                 `json:"reason"`
	FailingCVEs         []string               `json:"failing_cves"`
	ToleratedCVEs       []ToleratedCVEResponse `json:"tolerated_cves"`
	ExpiringTolerations []ToleratedCVEResponse `json:"expiring_tolerations,omitempty"`
}

// ToleratedCVEResponse represents a tolerated CVE for API responses.
// Timestamps are formatted as ISO8601 strings.
type ToleratedCVEResponse struct {
	CVEID     string  `json:"cve_id"`
	Statement string  `json:"statement"`
	ExpiresAt *string `json:"expires_at"` // ISO8601 or null
}

// SyncResponse describes one synchronization run
type SyncResponse struct {
	RunID       string `json:"run_id"`
	Since       string `json:"since"`            // ISO8601
	Cursor      string `json:"cursor,omitempty"` // ISO8601, empty when the run failed
	Added       int    `json:"added"`
	Removed     int    `json:"removed"`
	Skipped     int    `json:"skipped"`
	Attempts    int    `json:"attempts"`
	CachePurged bool   `json:"cache_purged"`
	DurationMS  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
}

// StatusResponse summarizes the database and the last sync
type StatusResponse struct {
	LastUpdated string        `json:"last_updated"` // ISO8601
	Records     int           `json:"records"`
	FileHashes  int           `json:"file_hashes"`
	CVERows     int           `json:"cve_rows"`
	LastSync    *SyncResponse `json:"last_sync,omitempty"`
}

// PurgeResponse confirms a cache purge
type PurgeResponse struct {
	Purged bool `json:"purged"`
}

func newCVEListResponse(cves []string) CVEListResponse {
	if cves == nil {
		cves = []string{}
	}
	return CVEListResponse{CVEs: cves, Vulnerable: len(cves) > 0}
}

func newPolicyDecisionResponse(d *policy.PolicyDecision) *PolicyDecisionResponse {
	resp := &PolicyDecisionResponse{
		Passed:        d.Passed,
		Reason:        d.Reason,
		FailingCVEs:   d.FailingCVEs,
		ToleratedCVEs: make([]ToleratedCVEResponse, 0, len(d.ToleratedCVEs)),
	}
	for _, t := range d.ToleratedCVEs {
		resp.ToleratedCVEs = append(resp.ToleratedCVEs, newToleratedCVEResponse(t))
	}
	for _, e := range d.ExpiringTolerations {
		expires := formatTime(e.ExpiresAt)
		resp.ExpiringTolerations = append(resp.ExpiringTolerations, ToleratedCVEResponse{
			CVEID:     e.CVEID,
			Statement: e.Statement,
			ExpiresAt: &expires,
		})
	}
	return resp
}

func newToleratedCVEResponse(t types.ToleratedCVE) ToleratedCVEResponse {
	return ToleratedCVEResponse{
		CVEID:     t.CVEID,
		Statement: t.Statement,
		ExpiresAt: formatNullableTimestamp(t.ExpiresAt),
	}
}

func newSyncResponse(r syncer.Result, err error) *SyncResponse {
	resp := &SyncResponse{
		RunID:       r.RunID,
		Since:       formatTime(r.Since),
		Added:       r.Added,
		Removed:     r.Removed,
		Skipped:     r.Skipped,
		Attempts:    r.Attempts,
		CachePurged: r.CachePurged,
		DurationMS:  r.Duration.Milliseconds(),
	}
	if !r.Cursor.IsZero() {
		resp.Cursor = formatTime(r.Cursor)
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func newStatusResponse(lastUpdated time.Time, stats statestore.Stats, status syncer.Status) StatusResponse {
	resp := StatusResponse{
		LastUpdated: formatTime(lastUpdated),
		Records:     stats.Records,
		FileHashes:  stats.FileHashes,
		CVERows:     stats.CVEs,
	}
	if status.Ran {
		resp.LastSync = newSyncResponse(status.Result, status.Err)
	}
	return resp
}
