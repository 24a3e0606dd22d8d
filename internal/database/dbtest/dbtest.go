// Package dbtest opens throwaway SQLite stores for package tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/market-sync/internal/database"
	"github.com/market-sync/pkg/logger"
	"github.com/stretchr/testify/require"
)

// New returns a migrated store in a temporary directory, closed on cleanup
func New(t testing.TB) *database.Client {
	t.Helper()

	client, err := database.OpenSQLite(filepath.Join(t.TempDir(), "market.db"), 0, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	_, err = client.Migrate(context.Background())
	require.NoError(t, err)

	return client
}
