package task

import (
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusRevoked Status = "REVOKED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusRevoked
}

type Kind string

const (
	KindContentBatch Kind = "content-batch-generation"
	KindDailyRun     Kind = "daily-autonomous-run"
	KindWeeklyReport Kind = "weekly-report"
	KindSocialPost   Kind = "social-post"
)

// Error is the structured failure stored on a task.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type Task struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Owner       string          `json:"owner"`
	Params      json.RawMessage `json:"params,omitempty"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *Error          `json:"error,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand out of a store.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Params = cloneRaw(t.Params)
	cp.Result = cloneRaw(t.Result)
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	return &cp
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusRevoked, StatusFailure},
	StatusRunning: {StatusSuccess, StatusFailure, StatusRevoked},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Patch carries the payload written alongside a status transition.
type Patch struct {
	Result json.RawMessage
	Error  *Error
}

// Apply moves t to status to, stamping timestamps that have not been set yet.
// Result is kept only for SUCCESS and Error only for FAILURE.
func (t *Task) Apply(to Status, p Patch, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("illegal transition %s -> %s", t.Status, to)
	}
	t.Status = to
	switch to {
	case StatusRunning:
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
	case StatusSuccess:
		t.Result = p.Result
		t.Error = nil
	case StatusFailure:
		t.Result = nil
		t.Error = p.Error
		if t.Error == nil {
			t.Error = &Error{Code: "unknown", Message: "task failed"}
		}
	}
	if to.Terminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	return nil
}
