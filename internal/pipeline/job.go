package pipeline

import (
	"context"
	"database/sql"

	"github.com/market-sync/pkg/models"
)

// Payload is what a job fetched for one symbol
type Payload struct {
	Records []models.Record
	// Missing names the kinds the provider had no data for
	Missing []string
	// Present counts kinds that were already stored and not fetched
	Present int
}

// Job fetches the data of one sync phase for a symbol
type Job interface {
	Name() string
	FetchOne(ctx context.Context, symbol string) (*Payload, error)
}

// BulkJob is a Job that can also fetch a whole chunk in one request
type BulkJob interface {
	Job
	CanBulk() bool
	// FetchMany returns a payload per symbol; symbols absent from the map
	// are fetched one by one
	FetchMany(ctx context.Context, symbols []string) (map[string]*Payload, error)
}

// Checkpoint persists per-symbol progress. Claim commits processing before
// the fetch; Finish writes the terminal status in the payload transaction.
type Checkpoint interface {
	Claim(ctx context.Context, symbol string) (bool, error)
	Finish(ctx context.Context, tx *sql.Tx, symbol string, status models.SyncStatus, records int) error
}

func canBulk(job Job) (BulkJob, bool) {
	bj, ok := job.(BulkJob)
	if !ok || !bj.CanBulk() {
		return nil, false
	}
	return bj, true
}
