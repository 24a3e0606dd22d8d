package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/market-sync/pkg/models"
)

// Table describes the write contract of one payload table
type Table struct {
	Name    string
	Columns []string
	Key     []string
}

// updateColumns are the non-key columns refreshed on conflict
func (t Table) updateColumns() []string {
	keys := make(map[string]bool, len(t.Key))
	for _, k := range t.Key {
		keys[k] = true
	}
	var cols []string
	for _, c := range t.Columns {
		if !keys[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

func (t Table) keyIndexes() []int {
	idx := make([]int, 0, len(t.Key))
	for _, k := range t.Key {
		for i, c := range t.Columns {
			if c == k {
				idx = append(idx, i)
				break
			}
		}
	}
	return idx
}

var tables = map[string]Table{
	models.TableBars: {
		Name:    models.TableBars,
		Columns: models.BarColumns,
		Key:     []string{"symbol", "date", "frequency"},
	},
	models.TableFinancials: {
		Name:    models.TableFinancials,
		Columns: models.FinancialColumns,
		Key:     []string{"symbol", "report_date", "report_type"},
	},
	models.TableValuations: {
		Name:    models.TableValuations,
		Columns: models.ValuationColumns,
		Key:     []string{"symbol", "date"},
	},
	models.TableSecurities: {
		Name:    models.TableSecurities,
		Columns: models.SecurityColumns,
		Key:     []string{"symbol"},
	},
	models.TableCalendar: {
		Name:    models.TableCalendar,
		Columns: models.CalendarColumns,
		Key:     []string{"date", "market"},
	},
	models.TableIndicators: {
		Name:    models.TableIndicators,
		Columns: models.IndicatorColumns,
		Key:     []string{"symbol", "date", "frequency"},
	},
}

// LookupTable returns the write contract for a table name
func LookupTable(name string) (Table, bool) {
	t, ok := tables[name]
	return t, ok
}

// UpsertBulk writes records into table inside q (normally a transaction).
// Rows sharing a key collapse to the last one; the result is the number of
// distinct rows applied. Re-applying the same records is a no-op.
func (c *Client) UpsertBulk(ctx context.Context, q Querier, table string, records []models.Record) (int, error) {
	t, ok := tables[table]
	if !ok {
		return 0, fmt.Errorf("unknown table %s", table)
	}
	if len(records) == 0 {
		return 0, nil
	}

	rows := dedupe(t, records)
	update := t.updateColumns()

	for start := 0; start < len(rows); start += c.statementRows {
		end := start + c.statementRows
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		args := make([]any, 0, len(chunk)*len(t.Columns))
		for _, row := range chunk {
			if len(row) != len(t.Columns) {
				return 0, fmt.Errorf("%s row has %d values, want %d", table, len(row), len(t.Columns))
			}
			args = append(args, row...)
		}

		query := c.dialect.BuildUpsert(t.Name, t.Columns, t.Key, update, len(chunk))
		if _, err := q.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("failed to upsert %d rows into %s: %w", len(chunk), table, err)
		}
	}

	return len(rows), nil
}

func dedupe(t Table, records []models.Record) [][]any {
	keyIdx := t.keyIndexes()
	pos := make(map[string]int, len(records))
	rows := make([][]any, 0, len(records))

	var b strings.Builder
	for _, rec := range records {
		values := rec.Values()
		b.Reset()
		for _, i := range keyIdx {
			if i < len(values) {
				fmt.Fprintf(&b, "%v\x00", values[i])
			}
		}
		key := b.String()
		if at, seen := pos[key]; seen {
			rows[at] = values
			continue
		}
		pos[key] = len(rows)
		rows = append(rows, values)
	}
	return rows
}
