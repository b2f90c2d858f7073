package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/OFFIS-RIT/pivot/internal/util"
	"github.com/OFFIS-RIT/pivot/pkg/adapter"
	"github.com/OFFIS-RIT/pivot/pkg/cascade"
	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/graph"
	"github.com/OFFIS-RIT/pivot/pkg/investigation"
	"github.com/OFFIS-RIT/pivot/pkg/operator"
	"github.com/OFFIS-RIT/pivot/pkg/rules"
	"github.com/OFFIS-RIT/pivot/pkg/store"
	"github.com/OFFIS-RIT/pivot/pkg/store/memory"

	"github.com/rabbitmq/amqp091-go"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		name      string
		headers   amqp091.Table
		permanent bool
		want      string
		retries   int
	}{
		{"first failure", nil, false, "investigation_queue_retry", 1},
		{"counts up", amqp091.Table{"x-retries": int32(4)}, false, "investigation_queue_retry", 5},
		{"exhausted", amqp091.Table{"x-retries": int32(MaxDeliveries)}, false, "investigation_queue_dlq", MaxDeliveries},
		{"permanent", amqp091.Table{"x-retries": int32(1)}, true, "investigation_queue_dlq", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, headers := Route(InvestigationQueue, tt.headers, tt.permanent)
			if got != tt.want {
				t.Fatalf("Route() queue = %s, want %s", got, tt.want)
			}
			if r := Retries(headers); r != tt.retries {
				t.Fatalf("Route() retries = %d, want %d", r, tt.retries)
			}
		})
	}
}

type scriptedActions struct {
	fn func(req adapter.Request) (common.CodedFacts, error)
}

func (s *scriptedActions) Execute(ctx context.Context, req adapter.Request) (common.CodedFacts, error) {
	if s.fn == nil {
		return common.CodedFacts{Handler: req.Handler}, nil
	}
	return s.fn(req)
}

func newTestProcessor(t *testing.T, actions *scriptedActions, maxAttempts int) (*Processor, *memory.Investigations) {
	t.Helper()
	tables, err := rules.Default()
	if err != nil {
		t.Fatalf("rules.Default() error = %v", err)
	}
	router, err := operator.NewDefaultRouter()
	if err != nil {
		t.Fatalf("NewDefaultRouter() error = %v", err)
	}
	templates, err := cascade.DefaultTemplates()
	if err != nil {
		t.Fatalf("DefaultTemplates() error = %v", err)
	}
	svc := investigation.NewService(investigation.ServiceParams{
		Router:    router,
		Actions:   actions,
		Persister: graph.NewPersister(graph.PersisterParams{Store: memory.New("test"), Rules: tables}),
		Templates: templates,
		Config:    cascade.DefaultConfig(),
	})
	jobs := memory.NewInvestigations()
	return NewProcessor(ProcessorParams{Service: svc, Jobs: jobs, MaxAttempts: maxAttempts}), jobs
}

func enqueue(t *testing.T, p *Processor, req investigation.Request) []byte {
	t.Helper()
	msg, err := p.Enqueue(context.Background(), "acme", "tester", req)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return body
}

func TestProcessInvestigationStoresDocument(t *testing.T) {
	actions := &scriptedActions{fn: func(req adapter.Request) (common.CodedFacts, error) {
		if req.Handler == "uk_companies_house_profile" {
			return common.CodedFacts{Facts: []common.Fact{
				{Code: "company_name", Value: "Acme Corp Ltd"},
				{Code: "company_number", Value: "01234567"},
			}}, nil
		}
		return common.CodedFacts{Handler: req.Handler}, nil
	}}
	p, jobs := newTestProcessor(t, actions, 3)
	body := enqueue(t, p, investigation.Request{Template: "company", Target: "Acme Corp Ltd", Jurisdiction: "UK"})

	if err := p.ProcessInvestigation(context.Background(), body); err != nil {
		t.Fatalf("ProcessInvestigation() error = %v", err)
	}

	var msg InvestigationMsg
	_ = json.Unmarshal(body, &msg)
	job, err := jobs.GetInvestigation(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("GetInvestigation() error = %v", err)
	}
	if job.Status != store.StatusDone || job.Attempts != 1 || job.Project != "acme" {
		t.Fatalf("job = %+v", job)
	}
	var doc cascade.SlotDocument
	if err := json.Unmarshal(job.Document, &doc); err != nil {
		t.Fatalf("stored document does not decode: %v", err)
	}
	if doc.ID != msg.ID || doc.State != cascade.StateDone {
		t.Fatalf("document = %+v", doc)
	}
}

func TestProcessInvestigationRetriesTransientFailures(t *testing.T) {
	actions := &scriptedActions{fn: func(req adapter.Request) (common.CodedFacts, error) {
		return common.CodedFacts{}, &common.AdapterFailure{Handler: req.Handler, Err: errors.New("503")}
	}}
	p, jobs := newTestProcessor(t, actions, 2)
	body := enqueue(t, p, investigation.Request{Template: "company", Target: "Acme Corp Ltd", Jurisdiction: "uk"})

	err := p.ProcessInvestigation(context.Background(), body)
	if !errors.Is(err, ErrIncomplete) || util.IsPermanent(err) {
		t.Fatalf("first attempt error = %v, want retryable ErrIncomplete", err)
	}
	var msg InvestigationMsg
	_ = json.Unmarshal(body, &msg)
	job, _ := jobs.GetInvestigation(context.Background(), msg.ID)
	if job.Status != store.StatusRetrying {
		t.Fatalf("status = %s, want retrying", job.Status)
	}

	// the last allowed attempt keeps what it has
	if err := p.ProcessInvestigation(context.Background(), body); err != nil {
		t.Fatalf("second attempt error = %v", err)
	}
	job, _ = jobs.GetInvestigation(context.Background(), msg.ID)
	if job.Status != store.StatusDone || job.Attempts != 2 {
		t.Fatalf("job = %+v", job)
	}
}

func TestProcessInvestigationRejectsBadMessages(t *testing.T) {
	p, _ := newTestProcessor(t, &scriptedActions{}, 3)
	for _, body := range []string{"{", `{"id":""}`, `{"id":"missing"}`} {
		if err := p.ProcessInvestigation(context.Background(), []byte(body)); !util.IsPermanent(err) {
			t.Fatalf("ProcessInvestigation(%s) error = %v, want permanent", body, err)
		}
	}
}

func TestEnqueueValidates(t *testing.T) {
	p, _ := newTestProcessor(t, &scriptedActions{}, 3)
	_, err := p.Enqueue(context.Background(), "acme", "", investigation.Request{Template: "vessel", Target: "x"})
	if !errors.Is(err, investigation.ErrUnknownTemplate) {
		t.Fatalf("Enqueue() error = %v, want ErrUnknownTemplate", err)
	}
}
