package types

import (
	"sort"
	"strings"
	"time"
)

// VulnerabilityRecord is one known-vulnerable artifact as stored in the index.
// Hash is unique across records; storing a record whose Hash already exists
// replaces the prior record.
type VulnerabilityRecord struct {
	ID         int64             `json:"id,omitempty"`
	Hash       string            `json:"hash"`
	FileHashes map[string]string `json:"file_hashes,omitempty"` // file hash -> original file name
	Metadata   map[string]string `json:"metadata,omitempty"`
	CVEs       []string          `json:"cves"`

	Name        string    `json:"name,omitempty"`
	Vendor      string    `json:"vendor,omitempty"`
	Version     string    `json:"version,omitempty"`
	Format      string    `json:"format,omitempty"`
	Status      string    `json:"status,omitempty"`
	Submitter   string    `json:"submitter,omitempty"`
	Date        time.Time `json:"date,omitempty"`
	SubmittedOn time.Time `json:"submitted_on,omitempty"`
	DBVersion   string    `json:"db_version,omitempty"`
}

// Artifact is the fingerprint of a scanned artifact as produced by the
// fingerprinting collaborator.
type Artifact struct {
	CombinedHash string            `json:"combined_hash"`
	FileHashes   map[string]string `json:"file_hashes,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CVEs         []string          `json:"cves,omitempty"`
}

// FileHashKeys returns the artifact's file hashes in sorted order
func (a Artifact) FileHashKeys() []string {
	keys := make([]string, 0, len(a.FileHashes))
	for h := range a.FileHashes {
		keys = append(keys, h)
	}
	sort.Strings(keys)
	return keys
}

// MergeCVEs returns the sorted union of the given CVE lists with surrounding
// whitespace trimmed. The result is never nil so that "no vulnerabilities"
// encodes as an empty list.
func MergeCVEs(lists ...[]string) []string {
	seen := make(map[string]struct{})
	for _, list := range lists {
		for _, cve := range list {
			cve = strings.TrimSpace(cve)
			if cve == "" {
				continue
			}
			seen[cve] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for cve := range seen {
		out = append(out, cve)
	}
	sort.Strings(out)
	return out
}
