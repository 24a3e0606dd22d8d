package models

import (
	"sort"
	"time"
)

// PhaseStatus is the outcome of one orchestrator phase
type PhaseStatus string

const (
	PhaseCompleted PhaseStatus = "completed"
	PhasePartial   PhaseStatus = "partial"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// PhaseReport is one phase entry of a SyncReport
type PhaseReport struct {
	Status     PhaseStatus    `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMS int64          `json:"duration_ms"`
	Counts     map[string]int `json:"counts"`
	Error      string         `json:"error,omitempty"`
}

// Duration returns the phase duration
func (p *PhaseReport) Duration() time.Duration {
	return time.Duration(p.DurationMS) * time.Millisecond
}

// ReportSummary aggregates phase outcomes
type ReportSummary struct {
	TotalPhases  int      `json:"total_phases"`
	Successful   int      `json:"successful"`
	Failed       int      `json:"failed"`
	Skipped      int      `json:"skipped"`
	FailedPhases []string `json:"failed_phases"`
}

// SyncReport is the structured outcome of one orchestrator run
type SyncReport struct {
	SessionID  string                  `json:"session_id"`
	TargetDate string                  `json:"target_date"`
	StartedAt  time.Time               `json:"started_at"`
	DurationMS int64                   `json:"duration_ms"`
	Phases     map[string]*PhaseReport `json:"phases"`
	PhaseOrder []string                `json:"phase_order"`
	Summary    ReportSummary           `json:"summary"`
}

// NewSyncReport starts an empty report
func NewSyncReport(sessionID string, target time.Time, started time.Time) *SyncReport {
	return &SyncReport{
		SessionID:  sessionID,
		TargetDate: FormatDate(target),
		StartedAt:  started,
		Phases:     make(map[string]*PhaseReport),
		Summary:    ReportSummary{FailedPhases: []string{}},
	}
}

// AddPhase records a phase outcome and updates the summary
func (r *SyncReport) AddPhase(name string, phase *PhaseReport) {
	if _, exists := r.Phases[name]; !exists {
		r.PhaseOrder = append(r.PhaseOrder, name)
	}
	r.Phases[name] = phase
	r.summarize()
}

func (r *SyncReport) summarize() {
	s := ReportSummary{FailedPhases: []string{}}
	for _, name := range r.PhaseOrder {
		s.TotalPhases++
		switch r.Phases[name].Status {
		case PhaseFailed:
			s.Failed++
			s.FailedPhases = append(s.FailedPhases, name)
		case PhaseSkipped:
			s.Skipped++
			s.Successful++
		default:
			s.Successful++
		}
	}
	sort.Strings(s.FailedPhases)
	r.Summary = s
}

// Finish stamps the total duration
func (r *SyncReport) Finish(now time.Time) {
	r.DurationMS = now.Sub(r.StartedAt).Milliseconds()
}

// Count returns a named counter of a phase, or zero
func (r *SyncReport) Count(phase, counter string) int {
	p, ok := r.Phases[phase]
	if !ok || p.Counts == nil {
		return 0
	}
	return p.Counts[counter]
}
