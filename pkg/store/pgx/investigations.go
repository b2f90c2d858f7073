package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/pivot/internal/util"
	"github.com/OFFIS-RIT/pivot/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

// InvestigationStorage implements store.InvestigationStore on the
// investigations table.
type InvestigationStorage struct {
	conn pgxIConn
}

func NewInvestigationStorage(conn pgxIConn) *InvestigationStorage {
	return &InvestigationStorage{conn: conn}
}

func (s *InvestigationStorage) CreateInvestigation(ctx context.Context, inv store.Investigation) error {
	status := inv.Status
	if status == "" {
		status = store.StatusQueued
	}
	return util.RetryErrWithContext(ctx, maxTries, func(ctx context.Context) error {
		_, err := s.conn.Exec(ctx, createInvestigationSQL,
			inv.ID, inv.Project, inv.Template, inv.Target, inv.Jurisdiction, status, inv.CreatedBy,
		)
		return err
	})
}

func (s *InvestigationStorage) GetInvestigation(ctx context.Context, id string) (store.Investigation, error) {
	return s.scanOne(ctx, getInvestigationSQL, id)
}

func (s *InvestigationStorage) StartInvestigation(ctx context.Context, id string) (store.Investigation, error) {
	return s.scanOne(ctx, startInvestigationSQL, id)
}

func (s *InvestigationStorage) FinishInvestigation(ctx context.Context, id, status string, document json.RawMessage, errMsg string) error {
	var doc any
	if document != nil {
		doc = string(document)
	}
	tag, err := util.RetryWithContext(ctx, maxTries, func(ctx context.Context) (int64, error) {
		tag, err := s.conn.Exec(ctx, finishInvestigationSQL, id, status, doc, errMsg)
		return tag.RowsAffected(), err
	})
	if err != nil {
		return fmt.Errorf("failed to update investigation %s: %w", id, err)
	}
	if tag == 0 {
		return store.ErrInvestigationNotFound
	}
	return nil
}

func (s *InvestigationStorage) scanOne(ctx context.Context, sql, id string) (store.Investigation, error) {
	var inv store.Investigation
	var doc []byte
	err := s.conn.QueryRow(ctx, sql, id).Scan(
		&inv.ID, &inv.Project, &inv.Template, &inv.Target, &inv.Jurisdiction,
		&inv.Status, &inv.Attempts, &doc, &inv.Error, &inv.CreatedBy,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return store.Investigation{}, store.ErrInvestigationNotFound
	}
	if err != nil {
		return store.Investigation{}, fmt.Errorf("failed to load investigation %s: %w", id, err)
	}
	if doc != nil {
		inv.Document = json.RawMessage(doc)
	}
	return inv, nil
}

const investigationColumns = `
id, project, template, target, jurisdiction, status, attempts, document, error, created_by, created_at, updated_at`

const createInvestigationSQL = `
INSERT INTO investigations (id, project, template, target, jurisdiction, status, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`

const getInvestigationSQL = `
SELECT` + investigationColumns + `
FROM investigations
WHERE id = $1;
`

const startInvestigationSQL = `
UPDATE investigations
SET status = 'running', attempts = attempts + 1, updated_at = now()
WHERE id = $1
RETURNING` + investigationColumns + `;
`

const finishInvestigationSQL = `
UPDATE investigations
SET status = $2, document = COALESCE($3::jsonb, document), error = $4, updated_at = now()
WHERE id = $1;
`
