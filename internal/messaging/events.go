package messaging

import (
	"strings"
	"time"

	"github.com/market-sync/pkg/models"
)

// Subjects of the SYNC stream
const (
	StreamSync      = "SYNC"
	subjectRoot     = "sync"
	SubjectPhase    = subjectRoot + ".phase"
	SubjectProgress = subjectRoot + ".progress"
	SubjectReport   = subjectRoot + ".report"
	SubjectError    = subjectRoot + ".error"
)

// PhaseEvent announces a finished orchestrator phase
type PhaseEvent struct {
	SessionID  string             `json:"session_id"`
	TargetDate string             `json:"target_date"`
	Phase      string             `json:"phase"`
	Status     models.PhaseStatus `json:"status"`
	Counts     map[string]int     `json:"counts,omitempty"`
	DurationMS int64              `json:"duration_ms"`
	Error      string             `json:"error,omitempty"`
	Timestamp  time.Time          `json:"timestamp"`
}

// ProgressEvent reports pipeline progress of one job
type ProgressEvent struct {
	SessionID string    `json:"session_id"`
	Job       string    `json:"job"`
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent reports a phase error
type ErrorEvent struct {
	SessionID string    `json:"session_id"`
	Phase     string    `json:"phase"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// token makes s safe as a single subject token
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// PhaseSubject returns the subject of a phase event
func PhaseSubject(phase string) string {
	return SubjectPhase + "." + token(phase)
}

// ProgressSubject returns the subject of a progress event
func ProgressSubject(job string) string {
	return SubjectProgress + "." + token(job)
}

// ErrorSubject returns the subject of an error event
func ErrorSubject(phase string) string {
	return SubjectError + "." + token(phase)
}
