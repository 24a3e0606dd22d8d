package pipeline

import (
	"time"

	"github.com/market-sync/pkg/models"
)

// Mode is the fetch strategy of a run
type Mode string

const (
	ModeBatch  Mode = "batch"
	ModeSerial Mode = "serial"
)

// Result summarizes one pipeline run
type Result struct {
	Job         string        `json:"job"`
	Mode        Mode          `json:"mode"`
	FellBack    bool          `json:"fell_back"`
	Processed   int           `json:"processed"`
	Completed   int           `json:"completed"`
	Partial     int           `json:"partial"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Records     int           `json:"records"`
	Rejected    int           `json:"rejected"`
	WriteErrors int           `json:"write_errors"`
	Chunks      int           `json:"chunks"`
	Duration    time.Duration `json:"duration"`
}

// Counts flattens the result for phase reports
func (r *Result) Counts() map[string]int {
	fellBack := 0
	if r.FellBack {
		fellBack = 1
	}
	return map[string]int{
		"processed":    r.Processed,
		"completed":    r.Completed,
		"partial":      r.Partial,
		"failed":       r.Failed,
		"skipped":      r.Skipped,
		"records":      r.Records,
		"rejected":     r.Rejected,
		"write_errors": r.WriteErrors,
		"chunks":       r.Chunks,
		"fell_back":    fellBack,
	}
}

// Status folds the result into a phase status
func (r *Result) Status() models.PhaseStatus {
	switch {
	case r.Processed == 0:
		return models.PhaseCompleted
	case r.Failed+r.WriteErrors == r.Processed:
		return models.PhaseFailed
	case r.Failed > 0 || r.Partial > 0 || r.WriteErrors > 0:
		return models.PhasePartial
	}
	return models.PhaseCompleted
}

// outcome is one task's result as seen by the collector
type outcome struct {
	symbol   string
	status   models.SyncStatus
	records  int
	rejected int
	skipped  bool
	writeErr error
}

func (r *Result) add(o outcome) {
	r.Processed++
	r.Rejected += o.rejected
	switch {
	case o.skipped:
		r.Skipped++
	case o.writeErr != nil:
		r.WriteErrors++
	default:
		r.Records += o.records
		switch o.status {
		case models.StatusCompleted:
			r.Completed++
		case models.StatusPartial:
			r.Partial++
		default:
			r.Failed++
		}
	}
}
