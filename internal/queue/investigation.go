package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/pivot/internal/storage"
	"github.com/OFFIS-RIT/pivot/internal/util"
	"github.com/OFFIS-RIT/pivot/pkg/cascade"
	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/investigation"
	"github.com/OFFIS-RIT/pivot/pkg/logger"
	"github.com/OFFIS-RIT/pivot/pkg/store"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// ErrIncomplete is returned when an investigation left slots unresolved
// after transient adapter failures and should run again.
var ErrIncomplete = errors.New("investigation incomplete")

type InvestigationMsg struct {
	ID           string `json:"id"`
	Project      string `json:"project"`
	Template     string `json:"template"`
	Target       string `json:"target"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
	CreatedBy    string `json:"created_by,omitempty"`
}

// NewInvestigationID returns a fresh job id.
func NewInvestigationID() (string, error) {
	return gonanoid.New()
}

type ProcessorParams struct {
	Service *investigation.Service
	Jobs    store.InvestigationStore
	// S3 archives finished documents when set.
	S3 *s3.Client
	// MaxAttempts bounds how often an incomplete investigation is re-run.
	MaxAttempts int
}

type Processor struct {
	service     *investigation.Service
	jobs        store.InvestigationStore
	s3          *s3.Client
	maxAttempts int
}

func NewProcessor(params ProcessorParams) *Processor {
	p := &Processor{
		service:     params.Service,
		jobs:        params.Jobs,
		s3:          params.S3,
		maxAttempts: params.MaxAttempts,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	return p
}

// Enqueue records a queued investigation. The caller publishes the returned
// message.
func (p *Processor) Enqueue(ctx context.Context, project, createdBy string, req investigation.Request) (InvestigationMsg, error) {
	if err := p.service.Validate(req); err != nil {
		return InvestigationMsg{}, err
	}
	id := req.ID
	if id == "" {
		var err error
		id, err = NewInvestigationID()
		if err != nil {
			return InvestigationMsg{}, err
		}
	}
	msg := InvestigationMsg{
		ID:           id,
		Project:      project,
		Template:     req.Template,
		Target:       req.Target,
		Jurisdiction: req.Jurisdiction,
		CreatedBy:    createdBy,
	}
	err := p.jobs.CreateInvestigation(ctx, store.Investigation{
		ID:           msg.ID,
		Project:      msg.Project,
		Template:     msg.Template,
		Target:       msg.Target,
		Jurisdiction: msg.Jurisdiction,
		Status:       store.StatusQueued,
		CreatedBy:    msg.CreatedBy,
	})
	if err != nil {
		return InvestigationMsg{}, fmt.Errorf("failed to create investigation: %w", err)
	}
	return msg, nil
}

// ProcessInvestigation runs one queued investigation. A nil error acks the
// message. Errors marked with util.Permanent go to the dead letter queue,
// all others are retried.
func (p *Processor) ProcessInvestigation(ctx context.Context, body []byte) error {
	var msg InvestigationMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return util.Permanent(fmt.Errorf("failed to decode message: %w", err))
	}
	if msg.ID == "" {
		return util.Permanent(errors.New("message without investigation id"))
	}

	job, err := p.jobs.StartInvestigation(ctx, msg.ID)
	if errors.Is(err, store.ErrInvestigationNotFound) {
		return util.Permanent(err)
	}
	if err != nil {
		return err
	}
	logger.Info("[Queue] processing investigation", "id", job.ID, "template", job.Template, "attempt", job.Attempts)

	res, runErr := p.service.Investigate(ctx, investigation.Request{
		ID:           job.ID,
		Template:     job.Template,
		Target:       job.Target,
		Jurisdiction: job.Jurisdiction,
	})
	if res == nil {
		p.finish(ctx, job, store.StatusFailed, nil, runErr)
		return util.Permanent(runErr)
	}

	status, outcome := p.classify(job, res, runErr)
	p.finish(ctx, job, status, res.Document, outcome)
	if status == store.StatusFailed {
		return util.Permanent(outcome)
	}
	return outcome
}

func (p *Processor) classify(job store.Investigation, res *cascade.Result, runErr error) (string, error) {
	switch {
	case runErr != nil && common.IsSchemaViolation(runErr):
		return store.StatusFailed, runErr
	case runErr != nil:
		return store.StatusRetrying, runErr
	case res.Retryable && job.Attempts < p.maxAttempts:
		return store.StatusRetrying, fmt.Errorf("%w: %d unresolved slots", ErrIncomplete, len(res.Unresolved))
	case res.Partial:
		return store.StatusPartial, nil
	}
	return store.StatusDone, nil
}

func (p *Processor) finish(ctx context.Context, job store.Investigation, status string, doc *cascade.SlotDocument, outcome error) {
	var raw json.RawMessage
	if doc != nil {
		data, err := json.Marshal(doc)
		if err != nil {
			logger.Error("[Queue] failed to encode document", "id", job.ID, "err", err)
		} else {
			raw = data
		}
		if p.s3 != nil && status != store.StatusRetrying {
			key, err := storage.ArchiveDocument(ctx, p.s3, job.Project, job.ID, doc)
			if err != nil {
				logger.Warn("[Queue] failed to archive document", "id", job.ID, "err", err)
			} else {
				logger.Debug("[Queue] archived document", "id", job.ID, "key", key)
			}
		}
	}
	msg := ""
	if outcome != nil {
		msg = outcome.Error()
	}
	if err := p.jobs.FinishInvestigation(ctx, job.ID, status, raw, msg); err != nil {
		logger.Error("[Queue] failed to store investigation result", "id", job.ID, "err", err)
	}
}
