package statestore

import (
	"context"
	"database/sql"

	"github.com/daimoniac/vulnhash/internal/errors"
	"github.com/daimoniac/vulnhash/internal/types"
)

// ByHash returns the CVEs recorded for the artifact with the given combined hash
func (s *SQLStore) ByHash(ctx context.Context, hash string) ([]string, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT id FROM records WHERE hash = ? ORDER BY id LIMIT 1`), hash).Scan(&id)
	if err == sql.ErrNoRows {
		return []string{}, nil
	}
	if err != nil {
		return nil, errors.NewStorage("query record by hash", err)
	}
	return s.cvesFor(ctx, []int64{id})
}

// ByProperties returns the CVEs of records that carry every given key/value
// pair. Each pair is queried on its own and candidates are counted; only a
// candidate seen for all pairs matches.
func (s *SQLStore) ByProperties(ctx context.Context, props map[string]string) ([]string, error) {
	if len(props) == 0 {
		return []string{}, nil
	}

	query := s.dialect.Rebind(`SELECT DISTINCT record FROM meta WHERE key = ? AND value = ?`)
	counts := make(map[int64]int)
	for _, key := range sortedKeys(props) {
		found := 0
		err := s.scanIDs(ctx, query, []any{key, props[key]}, func(id int64) {
			counts[id]++
			found++
		})
		if err != nil {
			return nil, errors.NewStorage("query metadata", err)
		}
		// A pair nobody carries rules out every candidate
		if found == 0 {
			return []string{}, nil
		}
	}

	matches := make([]int64, 0, len(counts))
	for id, n := range counts {
		if n == len(props) {
			matches = append(matches, id)
		}
	}
	return s.cvesFor(ctx, matches)
}

// embeddedAttempts bounds how often ByEmbeddedHashes recomputes when a write
// commits while it is counting
const embeddedAttempts = 3

// ByEmbeddedHashes returns the CVEs of records whose complete file hash set
// appears in fileHashes, i.e. known-vulnerable artifacts bundled inside the
// queried one. Overlap alone is not a match.
//
// Totals and hit counts are read in separate queries. If a write commits in
// between, the two can disagree, so the lookup is repeated until both come
// from the same generation. After embeddedAttempts tries the last result is
// returned and may miss records a concurrent write added.
func (s *SQLStore) ByEmbeddedHashes(ctx context.Context, fileHashes []string) ([]string, error) {
	query := dedupe(fileHashes)
	if len(query) == 0 {
		return []string{}, nil
	}

	var matches []int64
	for attempt := 1; attempt <= embeddedAttempts; attempt++ {
		gen := s.totalsGeneration()

		var err error
		if matches, err = s.embeddedMatches(ctx, query); err != nil {
			return nil, err
		}
		if s.totalsGeneration() == gen {
			break
		}
		s.logger.Debug("index changed during embedded lookup, retrying",
			"attempt", attempt)
	}
	return s.cvesFor(ctx, matches)
}

// embeddedMatches returns the records whose every file hash is in query
func (s *SQLStore) embeddedMatches(ctx context.Context, query []string) ([]int64, error) {
	totals, err := s.fileCounts(ctx)
	if err != nil {
		return nil, err
	}
	if s.afterTotals != nil {
		s.afterTotals()
	}

	hits := make(map[int64]int)
	for _, p := range membership(s.dialect, "filehash", query) {
		rows, err := s.db.QueryContext(ctx,
			s.dialect.Rebind(`SELECT record, COUNT(*) FROM filehashes WHERE `+p.sql+` GROUP BY record`), p.args...)
		if err != nil {
			return nil, errors.NewStorage("query file hashes", err)
		}
		for rows.Next() {
			var id int64
			var n int
			if err := rows.Scan(&id, &n); err != nil {
				rows.Close()
				return nil, errors.NewStorage("scan file hash counts", err)
			}
			hits[id] += n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, errors.NewStorage("iterate file hash counts", err)
		}
		rows.Close()
	}

	matches := make([]int64, 0)
	for id, n := range hits {
		if total, ok := totals[id]; ok && n == total {
			matches = append(matches, id)
		}
	}
	return matches, nil
}

// fileCounts returns the total file hash count of every record, computing and
// caching it when absent
func (s *SQLStore) fileCounts(ctx context.Context) (map[int64]int, error) {
	s.totalsMu.RLock()
	totals, gen := s.totals, s.totalsGen
	s.totalsMu.RUnlock()
	if totals != nil {
		return totals, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT record, COUNT(*) FROM filehashes GROUP BY record`)
	if err != nil {
		return nil, errors.NewStorage("count file hashes", err)
	}
	defer rows.Close()

	computed := make(map[int64]int)
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, errors.NewStorage("scan file hash totals", err)
		}
		computed[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorage("iterate file hash totals", err)
	}

	s.totalsMu.Lock()
	if s.totalsGen == gen {
		s.totals = computed
	}
	s.totalsMu.Unlock()

	return computed, nil
}

// cvesFor returns the distinct CVEs attached to the given records
func (s *SQLStore) cvesFor(ctx context.Context, ids []int64) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}

	var cves []string
	for _, p := range membership(s.dialect, "record", ids) {
		rows, err := s.db.QueryContext(ctx,
			s.dialect.Rebind(`SELECT DISTINCT cve FROM cves WHERE `+p.sql), p.args...)
		if err != nil {
			return nil, errors.NewStorage("query cves", err)
		}
		for rows.Next() {
			var cve string
			if err := rows.Scan(&cve); err != nil {
				rows.Close()
				return nil, errors.NewStorage("scan cve", err)
			}
			cves = append(cves, cve)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, errors.NewStorage("iterate cves", err)
		}
		rows.Close()
	}
	return types.MergeCVEs(cves), nil
}

func (s *SQLStore) scanIDs(ctx context.Context, query string, args []any, fn func(id int64)) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		fn(id)
	}
	return rows.Err()
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
