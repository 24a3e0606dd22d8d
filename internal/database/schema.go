package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/market-sync/pkg/models"
)

type index struct {
	name    string
	columns string
}

type tableDDL struct {
	name    string
	body    string
	indexes []index
}

// the column types below are understood by both MySQL and SQLite
var schema = []tableDDL{
	{
		name: "securities",
		body: `symbol VARCHAR(16) NOT NULL,
			name VARCHAR(128) NOT NULL DEFAULT '',
			market VARCHAR(8) NOT NULL DEFAULT '',
			exchange VARCHAR(16) NOT NULL DEFAULT '',
			industry VARCHAR(64) NOT NULL DEFAULT '',
			list_date DATE NULL,
			delist_date DATE NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			PRIMARY KEY (symbol)`,
		indexes: []index{{"idx_securities_status", "status"}},
	},
	{
		name: "trading_calendar",
		body: `date DATE NOT NULL,
			market VARCHAR(8) NOT NULL,
			is_trading INT NOT NULL DEFAULT 1,
			PRIMARY KEY (date, market)`,
	},
	{
		name: "bars",
		body: `symbol VARCHAR(16) NOT NULL,
			date DATE NOT NULL,
			frequency VARCHAR(4) NOT NULL,
			open DOUBLE NOT NULL,
			high DOUBLE NOT NULL,
			low DOUBLE NOT NULL,
			close DOUBLE NOT NULL,
			volume DOUBLE NOT NULL,
			amount DOUBLE NOT NULL DEFAULT 0,
			source VARCHAR(32) NOT NULL DEFAULT '',
			quality_score INT NOT NULL DEFAULT 100,
			PRIMARY KEY (symbol, date, frequency)`,
		indexes: []index{{"idx_bars_frequency_date", "frequency, date"}},
	},
	{
		name: "financials",
		body: `symbol VARCHAR(16) NOT NULL,
			report_date DATE NOT NULL,
			report_type VARCHAR(8) NOT NULL,
			disclosure_date DATE NULL,
			revenue DOUBLE NULL,
			operating_profit DOUBLE NULL,
			net_profit DOUBLE NULL,
			total_assets DOUBLE NULL,
			total_liabilities DOUBLE NULL,
			shareholders_equity DOUBLE NULL,
			operating_cash_flow DOUBLE NULL,
			eps DOUBLE NULL,
			bps DOUBLE NULL,
			roe DOUBLE NULL,
			roa DOUBLE NULL,
			source VARCHAR(32) NOT NULL DEFAULT '',
			quality_score INT NOT NULL DEFAULT 100,
			PRIMARY KEY (symbol, report_date, report_type)`,
		indexes: []index{{"idx_financials_disclosure", "symbol, disclosure_date"}},
	},
	{
		name: "valuations",
		body: `symbol VARCHAR(16) NOT NULL,
			date DATE NOT NULL,
			disclosure_date DATE NOT NULL,
			pe_ratio DOUBLE NULL,
			pb_ratio DOUBLE NULL,
			ps_ratio DOUBLE NULL,
			pcf_ratio DOUBLE NULL,
			market_cap DOUBLE NULL,
			circulating_cap DOUBLE NULL,
			source VARCHAR(32) NOT NULL DEFAULT '',
			quality_score INT NOT NULL DEFAULT 100,
			PRIMARY KEY (symbol, date)`,
	},
	{
		name: "sync_status",
		body: `symbol VARCHAR(16) NOT NULL,
			target_date DATE NOT NULL,
			sync_type VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL,
			records_count INT NOT NULL DEFAULT 0,
			session_id VARCHAR(36) NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (symbol, target_date)`,
		indexes: []index{
			{"idx_sync_status_target", "target_date, status"},
			{"idx_sync_status_updated", "status, updated_at"},
		},
	},
	{
		name: "bar_sync_status",
		body: `symbol VARCHAR(16) NOT NULL,
			frequency VARCHAR(4) NOT NULL,
			target_date DATE NOT NULL,
			last_data_date DATE NULL,
			status VARCHAR(16) NOT NULL,
			records_count INT NOT NULL DEFAULT 0,
			session_id VARCHAR(36) NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (symbol, frequency)`,
	},
	{
		name: "sync_sessions",
		body: `session_id VARCHAR(36) NOT NULL,
			target_date DATE NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NULL,
			report MEDIUMTEXT NULL,
			PRIMARY KEY (session_id)`,
		indexes: []index{{"idx_sync_sessions_started", "started_at"}},
	},
	{
		name: "sync_phases",
		body: `phase VARCHAR(32) NOT NULL,
			target_date DATE NOT NULL,
			scope VARCHAR(64) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			session_id VARCHAR(36) NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			counts TEXT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (phase, target_date)`,
	},
	{
		name: "sync_meta",
		body: `meta_key VARCHAR(64) NOT NULL,
			meta_value VARCHAR(255) NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (meta_key)`,
	},
}

var indicatorSchema = []tableDDL{
	{
		name: "technical_indicators",
		body: `symbol VARCHAR(16) NOT NULL,
			date DATE NOT NULL,
			frequency VARCHAR(4) NOT NULL,
			ma5 DOUBLE NULL,
			ma10 DOUBLE NULL,
			ma20 DOUBLE NULL,
			ma60 DOUBLE NULL,
			rsi DOUBLE NULL,
			macd_dif DOUBLE NULL,
			macd_dea DOUBLE NULL,
			macd_histogram DOUBLE NULL,
			boll_upper DOUBLE NULL,
			boll_middle DOUBLE NULL,
			boll_lower DOUBLE NULL,
			bars INT NOT NULL DEFAULT 0,
			calculated_at DATETIME NOT NULL,
			PRIMARY KEY (symbol, date, frequency)`,
		indexes: []index{{"idx_indicators_symbol_freq_date", "symbol, frequency, date"}},
	},
}

func (d Dialect) createStatements(t tableDDL) []string {
	switch d {
	case MySQL:
		body := t.body
		for _, idx := range t.indexes {
			body += fmt.Sprintf(",\n\t\t\tKEY %s (%s)", idx.name, idx.columns)
		}
		return []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t\t\t%s\n\t\t) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4", t.name, body)}
	default:
		stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t\t\t%s\n\t\t)", t.name, t.body)}
		for _, idx := range t.indexes {
			stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", idx.name, t.name, idx.columns))
		}
		return stmts
	}
}

// Migration is one versioned schema step
type Migration struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt string
}

type migrationStep struct {
	version int
	name    string
	tables  []tableDDL
}

var migrationSteps = []migrationStep{
	{version: 1, name: "create_sync_schema", tables: schema},
	{version: 2, name: "create_technical_indicators", tables: indicatorSchema},
}

func (c *Client) ensureMigrationsTable(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INT NOT NULL,
		name VARCHAR(128) NOT NULL,
		applied_at DATETIME NOT NULL,
		PRIMARY KEY (version)
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (c *Client) appliedMigrations(ctx context.Context) (map[int]string, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]string)
	for rows.Next() {
		var version int
		var at time.Time
		if err := rows.Scan(&version, TimeScanner(&at)); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		applied[version] = at.Format(models.TimestampLayout)
	}
	return applied, rows.Err()
}

// Migrate applies every pending schema migration and returns their versions
func (c *Client) Migrate(ctx context.Context) ([]int, error) {
	if err := c.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	applied, err := c.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	var done []int
	for _, step := range migrationSteps {
		if _, ok := applied[step.version]; ok {
			continue
		}

		err := c.ExecTx(ctx, func(tx *sql.Tx) error {
			for _, t := range step.tables {
				for _, stmt := range c.dialect.createStatements(t) {
					if _, err := tx.ExecContext(ctx, stmt); err != nil {
						return fmt.Errorf("failed to create %s: %w", t.name, err)
					}
				}
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
				step.version, step.name, TimestampArg(time.Now()))
			return err
		})
		if err != nil {
			return done, fmt.Errorf("failed to apply migration %d_%s: %w", step.version, step.name, err)
		}

		c.logger.WithField("version", step.version).Infof("Applied migration %s", step.name)
		done = append(done, step.version)
	}

	return done, nil
}

// MigrationStatus lists every known migration and whether it is applied
func (c *Client) MigrationStatus(ctx context.Context) ([]Migration, error) {
	if err := c.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	applied, err := c.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Migration, 0, len(migrationSteps))
	for _, step := range migrationSteps {
		at, ok := applied[step.version]
		out = append(out, Migration{Version: step.version, Name: step.name, Applied: ok, AppliedAt: at})
	}
	return out, nil
}

// TableNames lists the tables created by the schema
func TableNames() []string {
	var names []string
	for _, step := range migrationSteps {
		for _, t := range step.tables {
			names = append(names, t.name)
		}
	}
	return names
}
