package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrInvestigationNotFound is returned for an unknown investigation id.
var ErrInvestigationNotFound = errors.New("investigation not found")

const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusRetrying = "retrying"
	StatusDone     = "done"
	StatusPartial  = "partial"
	StatusFailed   = "failed"
)

// Investigation is the job record of one template run. Document holds the
// latest slot document as JSON.
type Investigation struct {
	ID           string          `json:"id"`
	Project      string          `json:"project"`
	Template     string          `json:"template"`
	Target       string          `json:"target"`
	Jurisdiction string          `json:"jurisdiction,omitempty"`
	Status       string          `json:"status"`
	Attempts     int             `json:"attempts"`
	Document     json.RawMessage `json:"document,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedBy    string          `json:"created_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Terminal reports whether no further processing will happen.
func (i Investigation) Terminal() bool {
	switch i.Status {
	case StatusDone, StatusPartial, StatusFailed:
		return true
	}
	return false
}

type InvestigationStore interface {
	CreateInvestigation(ctx context.Context, inv Investigation) error
	GetInvestigation(ctx context.Context, id string) (Investigation, error)
	// StartInvestigation sets status running, bumps the attempt counter and
	// returns the updated record.
	StartInvestigation(ctx context.Context, id string) (Investigation, error)
	FinishInvestigation(ctx context.Context, id, status string, document json.RawMessage, errMsg string) error
}
