package models

import (
	"errors"
	"fmt"
	"time"
)

// SyncStatus is the checkpoint state of one unit of sync work
type SyncStatus string

const (
	StatusPending    SyncStatus = "pending"
	StatusProcessing SyncStatus = "processing"
	StatusCompleted  SyncStatus = "completed"
	StatusPartial    SyncStatus = "partial"
	StatusFailed     SyncStatus = "failed"
)

// SyncTypeExtended marks financial/valuation checkpoints
const SyncTypeExtended = "extended"

// ErrInvalidTransition is returned for status edges the state machine does not allow
var ErrInvalidTransition = errors.New("invalid sync status transition")

// allowed edges; the empty status is a record that does not exist yet.
// processing -> pending is intentionally absent: only the stale reclaim
// in the state store performs it.
var transitions = map[SyncStatus][]SyncStatus{
	"":               {StatusPending, StatusProcessing},
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusPartial, StatusFailed},
	StatusPartial:    {StatusProcessing},
	StatusFailed:     {StatusProcessing},
}

// ParseSyncStatus converts a stored status string into the enum
func ParseSyncStatus(s string) (SyncStatus, error) {
	switch st := SyncStatus(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusPartial, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown sync status %q", s)
}

// IsTerminal reports whether a run has finished with this unit
func (s SyncStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusPartial || s == StatusFailed
}

func (s SyncStatus) String() string {
	return string(s)
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to SyncStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns the new status
func Transition(from, to SyncStatus) (SyncStatus, error) {
	if !CanTransition(from, to) {
		if from == "" {
			from = "none"
		}
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return to, nil
}

// SyncStatusRecord is the persisted checkpoint for (symbol, target_date)
type SyncStatusRecord struct {
	Symbol       string     `json:"symbol" db:"symbol"`
	SyncType     string     `json:"sync_type" db:"sync_type"`
	TargetDate   time.Time  `json:"target_date" db:"target_date"`
	Status       SyncStatus `json:"status" db:"status"`
	RecordsCount int        `json:"records_count" db:"records_count"`
	SessionID    string     `json:"session_id" db:"session_id"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// BarProgress checkpoints incremental bar sync per (symbol, frequency)
type BarProgress struct {
	Symbol       string     `json:"symbol" db:"symbol"`
	Frequency    string     `json:"frequency" db:"frequency"`
	TargetDate   time.Time  `json:"target_date" db:"target_date"`
	LastDataDate time.Time  `json:"last_data_date" db:"last_data_date"`
	Status       SyncStatus `json:"status" db:"status"`
	RecordsCount int        `json:"records_count" db:"records_count"`
	SessionID    string     `json:"session_id" db:"session_id"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// SyncSession groups the status records written by one run
type SyncSession struct {
	SessionID  string      `json:"session_id" db:"session_id"`
	TargetDate time.Time   `json:"target_date" db:"target_date"`
	StartedAt  time.Time   `json:"started_at" db:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty" db:"finished_at"`
	Report     *SyncReport `json:"report,omitempty" db:"report"`
}
