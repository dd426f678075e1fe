package statestore

import (
	"context"

	"github.com/daimoniac/vulnhash/internal/types"
)

// Index answers vulnerability lookups. None of its methods treat "no match"
// as an error: they return an empty, non-nil CVE list instead.
type Index interface {
	// ByHash returns the CVEs of the record whose combined hash equals hash
	ByHash(ctx context.Context, hash string) ([]string, error)

	// ByProperties returns the CVEs of every record carrying all of the given
	// metadata key/value pairs
	ByProperties(ctx context.Context, props map[string]string) ([]string, error)

	// ByEmbeddedHashes returns the CVEs of every record whose complete file
	// hash set is contained in fileHashes
	ByEmbeddedHashes(ctx context.Context, fileHashes []string) ([]string, error)
}

// Writer mutates records inside an Apply transaction
type Writer interface {
	// Remove deletes the record with the given combined hash, cascading to its
	// file hashes, metadata and CVEs. It reports whether a record existed.
	Remove(ctx context.Context, hash string) (bool, error)

	// Replace deletes any record sharing rec.Hash and inserts rec afresh
	Replace(ctx context.Context, rec *types.VulnerabilityRecord) error
}

// Store is the vulnerability database behind the engine
type Store interface {
	Index

	// Apply runs fn inside one transaction guarded by a savepoint. Either every
	// mutation fn makes is committed or none is.
	Apply(ctx context.Context, fn func(w Writer) error) (ApplyStats, error)

	// RecordCount returns the number of stored records
	RecordCount(ctx context.Context) (int, error)

	// Stats returns row counts for the metrics collector
	Stats(ctx context.Context) (Stats, error)

	Ping(ctx context.Context) error
	Close() error
}

// ApplyStats counts the records touched by one Apply call
type ApplyStats struct {
	Added   int
	Removed int
}

// Changed reports whether the apply touched any record
func (s ApplyStats) Changed() bool {
	return s.Added+s.Removed > 0
}

// Stats holds table row counts
type Stats struct {
	Records    int
	FileHashes int
	CVEs       int
}
