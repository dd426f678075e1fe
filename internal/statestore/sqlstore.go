package statestore

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"sync"

	"github.com/daimoniac/vulnhash/internal/errors"
	"github.com/daimoniac/vulnhash/internal/types"
)

const savepointName = "vulnhash_sync"

// SQLStore implements Store on top of database/sql. The SQL differences
// between backends are confined to its Dialect and migration set.
type SQLStore struct {
	db      *sql.DB
	dialect *Dialect
	logger  *slog.Logger

	// writeMu serializes Apply calls
	writeMu sync.Mutex

	// totals caches the file hash count of every record for embedded
	// matching. totalsGen advances on every committed change so a reader
	// that computed totals against older data does not publish them.
	totalsMu  sync.RWMutex
	totals    map[int64]int
	totalsGen uint64

	// afterTotals runs between reading totals and counting hits in
	// ByEmbeddedHashes. Tests use it to commit concurrently.
	afterTotals func()
}

// NewSQLStore wraps an open database whose schema is already in place
func NewSQLStore(db *sql.DB, dialect *Dialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  logger,
	}
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.NewStorage("ping", err)
	}
	return nil
}

// Dialect returns the SQL dialect the store speaks
func (s *SQLStore) Dialect() *Dialect {
	return s.dialect
}

// RecordCount returns the number of stored records
func (s *SQLStore) RecordCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, errors.NewStorage("count records", err)
	}
	return n, nil
}

// Stats returns row counts of the record, file hash and CVE tables
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM records),
			(SELECT COUNT(*) FROM filehashes),
			(SELECT COUNT(*) FROM cves)
	`).Scan(&st.Records, &st.FileHashes, &st.CVEs)
	if err != nil {
		return Stats{}, errors.NewStorage("collect stats", err)
	}
	return st, nil
}

// Apply runs fn in a transaction with a savepoint. If fn fails the savepoint
// is rolled back along with the transaction and nothing fn did is visible.
// Errors from fn that already carry a kind are returned as is; anything else
// is reported as a StorageError.
func (s *SQLStore) Apply(ctx context.Context, fn func(w Writer) error) (ApplyStats, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ApplyStats{}, errors.NewStorage("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepointName); err != nil {
		return ApplyStats{}, errors.NewStorage("create savepoint", err)
	}

	w := &txWriter{tx: tx, dialect: s.dialect}
	if err := fn(w); err != nil {
		// The context may be what failed; the rollback must still run.
		if _, rbErr := tx.ExecContext(context.WithoutCancel(ctx), "ROLLBACK TO SAVEPOINT "+savepointName); rbErr != nil {
			s.logger.Debug("rollback to savepoint failed",
				"error", rbErr.Error())
		}
		if errors.IsConnectivity(err) || errors.IsStorage(err) || errors.IsConfiguration(err) {
			return ApplyStats{}, err
		}
		return ApplyStats{}, errors.NewStorage("apply", err)
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepointName); err != nil {
		return ApplyStats{}, errors.NewStorage("release savepoint", err)
	}
	if err := tx.Commit(); err != nil {
		return ApplyStats{}, errors.NewStorage("commit", err)
	}

	if w.stats.Changed() {
		s.invalidateTotals()
	}
	return w.stats, nil
}

func (s *SQLStore) totalsGeneration() uint64 {
	s.totalsMu.RLock()
	defer s.totalsMu.RUnlock()
	return s.totalsGen
}

func (s *SQLStore) invalidateTotals() {
	s.totalsMu.Lock()
	s.totals = nil
	s.totalsGen++
	s.totalsMu.Unlock()
}

// txWriter applies record mutations inside an Apply transaction
type txWriter struct {
	tx      *sql.Tx
	dialect *Dialect
	stats   ApplyStats

	// Child row statements are prepared on first use and closed with the tx
	fileStmt *sql.Stmt
	metaStmt *sql.Stmt
	cveStmt  *sql.Stmt
}

func (w *txWriter) Remove(ctx context.Context, hash string) (bool, error) {
	res, err := w.tx.ExecContext(ctx, w.dialect.Rebind(`DELETE FROM records WHERE hash = ?`), hash)
	if err != nil {
		return false, errors.NewStorage("delete record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.NewStorage("delete record", err)
	}
	w.stats.Removed += int(n)
	return n > 0, nil
}

func (w *txWriter) Replace(ctx context.Context, rec *types.VulnerabilityRecord) error {
	if _, err := w.tx.ExecContext(ctx, w.dialect.Rebind(`DELETE FROM records WHERE hash = ?`), rec.Hash); err != nil {
		return errors.NewStorage("delete previous record", err)
	}

	var id int64
	err := w.tx.QueryRowContext(ctx,
		w.dialect.Rebind(`INSERT INTO records (hash) VALUES (?) RETURNING id`), rec.Hash).Scan(&id)
	if err != nil {
		return errors.NewStoragef("insert record", "hash %q: %w", rec.Hash, err)
	}

	if len(rec.FileHashes) > 0 {
		stmt, err := w.prepare(ctx, &w.fileStmt, `INSERT INTO filehashes (record, filehash) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		for _, h := range sortedKeys(rec.FileHashes) {
			if _, err := stmt.ExecContext(ctx, id, h); err != nil {
				return errors.NewStorage("insert file hash", err)
			}
		}
	}

	if len(rec.Metadata) > 0 {
		stmt, err := w.prepare(ctx, &w.metaStmt, `INSERT INTO meta (record, key, value) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		for _, k := range sortedKeys(rec.Metadata) {
			if _, err := stmt.ExecContext(ctx, id, k, rec.Metadata[k]); err != nil {
				return errors.NewStorage("insert metadata", err)
			}
		}
	}

	if cves := types.MergeCVEs(rec.CVEs); len(cves) > 0 {
		stmt, err := w.prepare(ctx, &w.cveStmt, `INSERT INTO cves (record, cve) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		for _, cve := range cves {
			if _, err := stmt.ExecContext(ctx, id, cve); err != nil {
				return errors.NewStorage("insert cve", err)
			}
		}
	}

	rec.ID = id
	w.stats.Added++
	return nil
}

func (w *txWriter) prepare(ctx context.Context, slot **sql.Stmt, query string) (*sql.Stmt, error) {
	if *slot != nil {
		return *slot, nil
	}
	stmt, err := w.tx.PrepareContext(ctx, w.dialect.Rebind(query))
	if err != nil {
		return nil, errors.NewStorage("prepare statement", err)
	}
	*slot = stmt
	return stmt, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
