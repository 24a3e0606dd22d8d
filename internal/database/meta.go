package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetMeta reads a run marker
func (c *Client) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := c.db.QueryRowContext(ctx, "SELECT meta_value FROM sync_meta WHERE meta_key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta writes a run marker
func (c *Client) SetMeta(ctx context.Context, key, value string) error {
	query := c.dialect.BuildUpsert("sync_meta",
		[]string{"meta_key", "meta_value", "updated_at"},
		[]string{"meta_key"},
		[]string{"meta_value", "updated_at"}, 1)
	if _, err := c.db.ExecContext(ctx, query, key, value, TimestampArg(time.Now())); err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}
