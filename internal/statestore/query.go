package statestore

import (
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// maxInParams bounds the bind parameters of one expanded IN clause. SQLite
// builds before 3.32 refuse more than 999.
const maxInParams = 500

// Dialect isolates the SQL differences between backends: placeholder style,
// migration set, and how a list of values is bound.
type Dialect struct {
	Name       string
	goose      goose.Dialect
	migrations string
	dollar     bool

	// array wraps a slice so it binds as a single array parameter. Nil
	// means the backend has no array binding and IN clauses are expanded.
	array func(values any) any
}

var (
	// SQLite serves both the cgo and the pure Go sqlite drivers
	SQLite = &Dialect{
		Name:       "sqlite",
		goose:      goose.DialectSQLite3,
		migrations: "migrations/sqlite",
	}

	// PostgresPgx binds slices natively through pgx's database/sql adapter
	PostgresPgx = &Dialect{
		Name:       "postgres",
		goose:      goose.DialectPostgres,
		migrations: "migrations/postgres",
		dollar:     true,
		array:      func(values any) any { return values },
	}

	// PostgresPQ binds slices through pq.Array
	PostgresPQ = &Dialect{
		Name:       "postgres",
		goose:      goose.DialectPostgres,
		migrations: "migrations/postgres",
		dollar:     true,
		array:      func(values any) any { return pq.Array(values) },
	}
)

// Rebind rewrites '?' placeholders into the dialect's native form
func (d *Dialect) Rebind(query string) string {
	if !d.dollar {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// predicate is a WHERE fragment with its bind arguments, using '?' placeholders
type predicate struct {
	sql  string
	args []any
}

// membership builds "column is one of values" predicates. With array binding
// the whole list goes into one = ANY(?) parameter; otherwise the list is
// split into IN clauses of at most maxInParams placeholders each. Values are
// always bound, never interpolated.
func membership[T any](d *Dialect, column string, values []T) []predicate {
	if len(values) == 0 {
		return nil
	}

	if d.array != nil {
		return []predicate{{
			sql:  column + " = ANY(?)",
			args: []any{d.array(values)},
		}}
	}

	preds := make([]predicate, 0, (len(values)+maxInParams-1)/maxInParams)
	for start := 0; start < len(values); start += maxInParams {
		chunk := values[start:min(start+maxInParams, len(values))]

		args := make([]any, len(chunk))
		for i, v := range chunk {
			args[i] = v
		}
		placeholders := strings.Repeat("?, ", len(chunk))
		preds = append(preds, predicate{
			sql:  column + " IN (" + placeholders[:len(placeholders)-2] + ")",
			args: args,
		})
	}
	return preds
}
