package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/OFFIS-RIT/pivot/pkg/store"
)

// Investigations is an in-process InvestigationStore.
type Investigations struct {
	mu   sync.Mutex
	jobs map[string]store.Investigation
}

func NewInvestigations() *Investigations {
	return &Investigations{jobs: make(map[string]store.Investigation)}
}

func (s *Investigations) CreateInvestigation(ctx context.Context, inv store.Investigation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if inv.Status == "" {
		inv.Status = store.StatusQueued
	}
	inv.CreatedAt, inv.UpdatedAt = now, now
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[inv.ID] = inv
	return nil
}

func (s *Investigations) GetInvestigation(ctx context.Context, id string) (store.Investigation, error) {
	if err := ctx.Err(); err != nil {
		return store.Investigation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.jobs[id]
	if !ok {
		return store.Investigation{}, store.ErrInvestigationNotFound
	}
	return inv, nil
}

func (s *Investigations) StartInvestigation(ctx context.Context, id string) (store.Investigation, error) {
	if err := ctx.Err(); err != nil {
		return store.Investigation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.jobs[id]
	if !ok {
		return store.Investigation{}, store.ErrInvestigationNotFound
	}
	inv.Status = store.StatusRunning
	inv.Attempts++
	inv.UpdatedAt = time.Now().UTC()
	s.jobs[id] = inv
	return inv, nil
}

func (s *Investigations) FinishInvestigation(ctx context.Context, id, status string, document json.RawMessage, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.jobs[id]
	if !ok {
		return store.ErrInvestigationNotFound
	}
	inv.Status = status
	if document != nil {
		inv.Document = append(json.RawMessage(nil), document...)
	}
	inv.Error = errMsg
	inv.UpdatedAt = time.Now().UTC()
	s.jobs[id] = inv
	return nil
}
