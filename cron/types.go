// Package cron submits internal turns to sessions on a fixed interval.
package cron

import (
	"time"

	"github.com/smallnest/clawrun/runs"
)

// Status of the last firing.
const (
	StatusAdmitted  = "admitted"
	StatusDeduped   = "deduped"
	StatusCoalesced = "coalesced"
	StatusError     = "error"
)

// JobState represents the current state of a job
type JobState struct {
	Enabled           bool       `json:"enabled"`
	LastRunAt         *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt         *time.Time `json:"nextRunAt,omitempty"`
	RunCount          int        `json:"runCount"`
	ConsecutiveErrors int        `json:"consecutiveErrors"`
	ErrorBackoffUntil *time.Time `json:"errorBackoffUntil,omitempty"`
	LastStatus        string     `json:"lastStatus,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	LastRunID         string     `json:"lastRunId,omitempty"`
}

// Job fires an internal turn into SessionID every Every.
type Job struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	SessionID string        `json:"sessionId"`
	Message   string        `json:"message"`
	Every     time.Duration `json:"every"`
	Mode      runs.Mode     `json:"mode"`
	Source    string        `json:"source"`
	State     JobState      `json:"state"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Clone returns a copy safe to hand out.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}

// ShouldRun checks if the job should run at the given time
func (j *Job) ShouldRun(now time.Time) bool {
	if !j.State.Enabled {
		return false
	}

	// Check error backoff
	if j.State.ErrorBackoffUntil != nil && now.Before(*j.State.ErrorBackoffUntil) {
		return false
	}

	return j.State.NextRunAt != nil && !now.Before(*j.State.NextRunAt)
}

// MarkCompleted records the outcome of one firing and schedules the next.
func (j *Job) MarkCompleted(now time.Time, status, runID, errMsg string) {
	j.State.LastRunAt = &now
	j.State.LastStatus = status
	j.State.LastError = errMsg
	j.State.RunCount++

	next := now.Add(j.Every)
	j.State.NextRunAt = &next

	if status != StatusError {
		j.State.LastRunID = runID
		j.State.ConsecutiveErrors = 0
		j.State.ErrorBackoffUntil = nil
		return
	}

	// Apply exponential backoff
	j.State.ConsecutiveErrors++
	until := now.Add(GetBackoffDelay(j.State.ConsecutiveErrors))
	j.State.ErrorBackoffUntil = &until
	if next.Before(until) {
		j.State.NextRunAt = &until
	}
}

// GetBackoffDelay calculates exponential backoff delay for consecutive errors
func GetBackoffDelay(consecutiveErrors int) time.Duration {
	// Backoff sequence: 30s, 1m, 5m, 15m, 60m (max)
	backoffs := []time.Duration{
		30 * time.Second,
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		60 * time.Minute,
	}

	if consecutiveErrors <= 0 {
		return 0
	}

	idx := consecutiveErrors - 1
	if idx >= len(backoffs) {
		return backoffs[len(backoffs)-1]
	}

	return backoffs[idx]
}
