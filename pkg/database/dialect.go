package database

import (
	"strconv"
	"strings"
)

// Dialect identifies the SQL backend the client is connected to.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// IsValid checks if the dialect is a supported value
func (d Dialect) IsValid() bool {
	switch d {
	case DialectSQLite, DialectPostgres:
		return true
	}
	return false
}

// Rebind converts a query written with `?` placeholders into the dialect's
// native placeholder form. SQLite queries pass through unchanged; PostgreSQL
// queries get $1..$n. Question marks inside single-quoted literals are left
// alone.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)

	n := 0
	inLiteral := false
	for _, r := range query {
		switch {
		case r == '\'':
			inLiteral = !inLiteral
			b.WriteRune(r)
		case r == '?' && !inLiteral:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LockSuffix returns the row-locking clause appended to claim SELECTs.
// PostgreSQL uses FOR UPDATE SKIP LOCKED so concurrent workers never block on
// each other's claims. SQLite serializes writers at the connection level, so
// the plain query inside an immediate transaction gives the same isolation.
func (d Dialect) LockSuffix() string {
	if d == DialectPostgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// JSONExtract renders an expression that pulls a top-level key out of a JSON
// column as text. Column must be a trusted identifier, never user input.
func (d Dialect) JSONExtract(column, key string) string {
	if d == DialectPostgres {
		return column + "->>'" + key + "'"
	}
	return "json_extract(" + column + ", '$." + key + "')"
}
