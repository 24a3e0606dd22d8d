package database

import (
	"fmt"
	"strings"
)

// Dialect identifies the SQL flavour of the store
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

// upsertClause renders the conflict clause that turns an INSERT into an
// idempotent upsert on key.
func (d Dialect) upsertClause(key, update []string) string {
	var b strings.Builder
	switch d {
	case MySQL:
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
		if len(update) == 0 {
			fmt.Fprintf(&b, "%s = %s", key[0], key[0])
			return b.String()
		}
		for i, col := range update {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = VALUES(%s)", col, col)
		}
	default:
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO ", strings.Join(key, ", "))
		if len(update) == 0 {
			b.WriteString("NOTHING")
			return b.String()
		}
		b.WriteString("UPDATE SET ")
		for i, col := range update {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s = excluded.%s", col, col)
		}
	}
	return b.String()
}

// BuildUpsert renders a multi-row upsert of columns with rows value tuples
func (d Dialect) BuildUpsert(table string, columns, key, update []string, rows int) string {
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
	}
	b.WriteString(d.upsertClause(key, update))
	return b.String()
}

// Placeholders renders n comma-separated bind markers
func Placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
