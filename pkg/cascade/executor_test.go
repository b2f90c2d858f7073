package cascade

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OFFIS-RIT/pivot/pkg/adapter"
	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/graph"
	"github.com/OFFIS-RIT/pivot/pkg/normalize"
	"github.com/OFFIS-RIT/pivot/pkg/operator"
	"github.com/OFFIS-RIT/pivot/pkg/rules"
	"github.com/OFFIS-RIT/pivot/pkg/store/memory"

	"golang.org/x/sync/semaphore"
)

type handlerFunc func(ctx context.Context, value string) (common.CodedFacts, error)

type fakeActions struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	calls    []string
}

func (f *fakeActions) Execute(ctx context.Context, req adapter.Request) (common.CodedFacts, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Handler+":"+req.Value)
	h, ok := f.handlers[req.Handler]
	f.mu.Unlock()
	if !ok {
		return common.CodedFacts{Handler: req.Handler}, nil
	}
	return h(ctx, req.Value)
}

func (f *fakeActions) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func facts(codes ...string) common.CodedFacts {
	var out common.CodedFacts
	for i := 0; i+1 < len(codes); i += 2 {
		out.Facts = append(out.Facts, common.Fact{Code: codes[i], Value: codes[i+1]})
	}
	return out
}

type fixture struct {
	exec      *Executor
	actions   *fakeActions
	store     *memory.Store
	templates *Templates
}

func newFixture(t *testing.T, cfg Config, handlers map[string]handlerFunc) *fixture {
	t.Helper()
	tables, err := rules.Default()
	if err != nil {
		t.Fatalf("rules.Default() error = %v", err)
	}
	router, err := operator.NewDefaultRouter()
	if err != nil {
		t.Fatalf("NewDefaultRouter() error = %v", err)
	}
	templates, err := DefaultTemplates()
	if err != nil {
		t.Fatalf("DefaultTemplates() error = %v", err)
	}
	s := memory.New("test")
	actions := &fakeActions{handlers: handlers}
	exec := NewExecutor(ExecutorParams{
		Router:  router,
		Actions: actions,
		Sink:    graph.NewPersister(graph.PersisterParams{Store: s, Rules: tables}),
		Config:  cfg,
	})
	return &fixture{exec: exec, actions: actions, store: s, templates: templates}
}

func (f *fixture) template(t *testing.T, name string) *Template {
	t.Helper()
	tmpl, ok := f.templates.Get(name)
	if !ok {
		t.Fatalf("template %q not found", name)
	}
	return tmpl
}

func slot(t *testing.T, doc *SlotDocument, name string) *Slot {
	t.Helper()
	s, ok := doc.Slot(name)
	if !ok {
		t.Fatalf("slot %q missing", name)
	}
	return s
}

func TestDefaultTemplatesValidate(t *testing.T) {
	tables, _ := rules.Default()
	router, _ := operator.NewDefaultRouter()
	templates, err := DefaultTemplates()
	if err != nil {
		t.Fatalf("DefaultTemplates() error = %v", err)
	}
	if got := templates.Names(); !slices.Equal(got, []string{"company", "person"}) {
		t.Fatalf("Names() = %v", got)
	}
	if err := ValidateTemplates(templates, tables, router); err != nil {
		t.Fatalf("ValidateTemplates() error = %v", err)
	}
}

func TestValidateTemplatesRejectsUnknownCodes(t *testing.T) {
	tables, _ := rules.Default()
	router, _ := operator.NewDefaultRouter()
	ts := &Templates{byName: make(map[string]*Template)}
	err := ts.add(strings.NewReader(`
name: broken
subject: c
slots:
  - name: name
    codes: [company_title]
triggers:
  - id: profile
    initial: true
    operator: "cxxreg"
    produces: [name]
`))
	if err != nil {
		t.Fatalf("add() error = %v", err)
	}
	err = ValidateTemplates(ts, tables, router)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "company_title") || !strings.Contains(err.Error(), "cxxreg") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTemplateRejectsInvalidTriggers(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"list without for_each", `
name: t
slots:
  - {name: officers, type: list, codes: [officer]}
  - {name: out, codes: [appointment]}
triggers:
  - {id: a, on: officers, operator: papp, produces: [out]}
`},
		{"initial and on", `
name: t
slots:
  - {name: a, codes: [company_name]}
triggers:
  - {id: a, initial: true, on: a, operator: creg, produces: [a]}
`},
		{"unknown produced slot", `
name: t
slots:
  - {name: a, codes: [company_name]}
triggers:
  - {id: a, initial: true, operator: creg, produces: [b]}
`},
		{"unknown field", `
name: t
slot: []
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := &Templates{byName: make(map[string]*Template)}
			if err := ts.add(strings.NewReader(tt.doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCompanyInvestigation(t *testing.T) {
	ctx := context.Background()
	acme := func(ctx context.Context, value string) (common.CodedFacts, error) {
		f := facts(
			"company_name", "Acme Corp Ltd",
			"company_number", "01234567",
			"company_status", "active",
			"incorporation_date", "2001-04-01",
		)
		f.Source = "https://registry.example/company/01234567"
		return f, nil
	}
	f := newFixture(t, DefaultConfig(), map[string]handlerFunc{
		"uk_companies_house_profile": acme,
		"uk_companies_house_officers": func(ctx context.Context, value string) (common.CodedFacts, error) {
			return facts("officer", "Jane Doe", "officer", "Richard Roe"), nil
		},
		"uk_companies_house_psc": func(ctx context.Context, value string) (common.CodedFacts, error) {
			return facts("owner_person", "Jane Doe"), nil
		},
		"uk_companies_house_appointments": func(ctx context.Context, value string) (common.CodedFacts, error) {
			if value == "Jane Doe" {
				return facts("appointment", "Acme Corp Ltd", "appointment", "Beta Holdings Ltd"), nil
			}
			return facts("appointment", "Acme Corp Ltd"), nil
		},
	})

	res, err := f.exec.Run(ctx, "inv-1", f.template(t, "company"), Target{Value: "Acme Corp Ltd", Jurisdiction: "uk"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	doc := res.Document
	if doc.State != StateDone || res.Partial {
		t.Fatalf("state = %s partial = %v", doc.State, res.Partial)
	}

	name := slot(t, doc, "company_name")
	if !name.Filled() || name.Value != "Acme Corp Ltd" || name.FillSource != "profile/uk_companies_house_profile" {
		t.Fatalf("company_name = %+v", name)
	}
	officers := slot(t, doc, "officers")
	if !slices.Equal(officers.Values, []string{"Jane Doe", "Richard Roe"}) {
		t.Fatalf("officers = %v", officers.Values)
	}
	apps := slot(t, doc, "officer_appointments")
	if !slices.Equal(apps.Values, []string{"Acme Corp Ltd", "Beta Holdings Ltd"}) {
		t.Fatalf("officer_appointments = %v", apps.Values)
	}
	if got := f.actions.count("uk_companies_house_appointments"); got != 2 {
		t.Fatalf("appointment lookups = %d, want one per officer", got)
	}
	if res.Rounds != 3 {
		t.Fatalf("rounds = %d, want 3", res.Rounds)
	}

	sanctions := slot(t, doc, "sanctions")
	if sanctions.Filled() || sanctions.Reason != ReasonNoResult {
		t.Fatalf("sanctions = %+v", sanctions)
	}
	for _, s := range doc.Slots {
		if !s.Filled() && s.Reason == "" {
			t.Fatalf("unresolved slot %s has no reason", s.Name)
		}
		if s.State == SlotPending {
			t.Fatalf("slot %s left pending", s.Name)
		}
	}

	acmeID := normalize.NodeID(common.ClassCompany, "acme")
	janeID := normalize.NodeID(common.ClassPerson, "jane doe")
	jane, err := f.store.Get(ctx, janeID)
	if err != nil {
		t.Fatalf("Get(jane) error = %v", err)
	}
	if _, ok := jane.EdgeTo("officer_of", acmeID); !ok {
		t.Fatalf("expected jane officer_of acme, edges %+v", jane.Edges)
	}
	if _, ok := jane.EdgeTo("owns", acmeID); !ok {
		t.Fatalf("expected jane owns acme, edges %+v", jane.Edges)
	}
}

func TestCyclicOwnershipTerminates(t *testing.T) {
	owners := map[string]string{"Alpha Ltd": "Beta Ltd", "Beta Ltd": "Alpha Ltd"}
	f := newFixture(t, Config{MaxDepth: 100, MaxRounds: 100}, map[string]handlerFunc{
		"opencorporates_profile": func(ctx context.Context, value string) (common.CodedFacts, error) {
			return facts("company_name", value), nil
		},
		"global_ownership": func(ctx context.Context, value string) (common.CodedFacts, error) {
			return facts("owner_company", owners[value]), nil
		},
	})

	res, err := f.exec.Run(context.Background(), "inv-2", f.template(t, "company"), Target{Value: "Alpha Ltd"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Partial {
		t.Fatal("cycle must end by the seen set, not by the budget")
	}
	owned := slot(t, res.Document, "owner_companies")
	if !slices.Equal(owned.Values, []string{"Beta Ltd", "Alpha Ltd"}) {
		t.Fatalf("owner_companies = %v", owned.Values)
	}
	// ownership(Alpha), ownership_chain(Beta), ownership_chain(Alpha)
	if got := f.actions.count("global_ownership"); got != 3 {
		t.Fatalf("ownership lookups = %d, want 3", got)
	}
}

func TestFailuresStayLocal(t *testing.T) {
	f := newFixture(t, DefaultConfig(), map[string]handlerFunc{
		"uk_companies_house_profile": func(ctx context.Context, value string) (common.CodedFacts, error) {
			return common.CodedFacts{}, &common.AdapterFailure{Handler: "uk_companies_house_profile", Err: errors.New("503")}
		},
		"global_sanctions_company": func(ctx context.Context, value string) (common.CodedFacts, error) {
			return common.CodedFacts{}, &common.WallDetected{Handler: "global_sanctions_company", Kind: "login"}
		},
		"opencorporates_profile": func(ctx context.Context, value string) (common.CodedFacts, error) {
			return facts("company_name", "Acme Corp Ltd", "company_number", "01234567"), nil
		},
	})

	res, err := f.exec.Run(context.Background(), "inv-3", f.template(t, "company"), Target{Value: "Acme Corp Ltd", Jurisdiction: "uk"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	doc := res.Document

	name := slot(t, doc, "company_name")
	if name.Filled() || name.Reason != ReasonActionsFailed || len(name.Failures) != 1 {
		t.Fatalf("company_name = %+v", name)
	}
	number := slot(t, doc, "company_number")
	if !number.Filled() || number.FillSource != "gap_fill:company_number/opencorporates_profile" {
		t.Fatalf("company_number = %+v", number)
	}
	sanctions := slot(t, doc, "sanctions")
	if sanctions.Reason != ReasonWall || !sanctions.Failures[0].Wall {
		t.Fatalf("sanctions = %+v", sanctions)
	}
	// gap fill results never spawn cascades
	if got := f.actions.count("uk_companies_house_officers"); got != 0 {
		t.Fatalf("officer lookups = %d, want 0", got)
	}
	if !res.Retryable {
		t.Fatal("expected retryable result after a transient failure")
	}
}

func TestKnownDeadEndsAreSkipped(t *testing.T) {
	catalog, err := DefaultDeadEnds()
	if err != nil {
		t.Fatalf("DefaultDeadEnds() error = %v", err)
	}
	f := newFixture(t, DefaultConfig(), map[string]handlerFunc{
		"de_handelsregister_profile": func(ctx context.Context, value string) (common.CodedFacts, error) {
			return facts("company_name", "Muster GmbH"), nil
		},
	})
	exec := f.exec.WithDeadEnds(catalog.For("de"))

	res, err := exec.Run(context.Background(), "inv-4", f.template(t, "company"), Target{Value: "Muster GmbH", Jurisdiction: "DE"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.DeadEnds != 1 {
		t.Fatalf("dead ends = %d, want 1", res.DeadEnds)
	}
	if got := f.actions.count("global_ownership"); got != 0 {
		t.Fatalf("ownership lookups = %d, want 0", got)
	}
	people := slot(t, res.Document, "owner_people")
	if people.Reason != ReasonKnownDeadEnd || !slices.Equal(people.DeadEnds, []string{"Muster GmbH"}) {
		t.Fatalf("owner_people = %+v", people)
	}
}

func TestDeclarationOrderWinsScalarSlots(t *testing.T) {
	f := newFixture(t, DefaultConfig(), map[string]handlerFunc{
		"opencorporates_profile": func(ctx context.Context, value string) (common.CodedFacts, error) {
			time.Sleep(20 * time.Millisecond)
			return facts("company_name", "First Ltd"), nil
		},
		"opencorporates_officers": func(ctx context.Context, value string) (common.CodedFacts, error) {
			return facts("company_name", "Second Ltd"), nil
		},
	})
	ts := &Templates{byName: make(map[string]*Template)}
	err := ts.add(strings.NewReader(`
name: race
subject: c
slots:
  - {name: name, type: string, codes: [company_name]}
triggers:
  - {id: a, initial: true, operator: creg, produces: [name]}
  - {id: b, initial: true, operator: coff, produces: [name]}
`))
	if err != nil {
		t.Fatalf("add() error = %v", err)
	}
	tmpl, _ := ts.Get("race")

	res, err := f.exec.Run(context.Background(), "inv-5", tmpl, Target{Value: "Acme"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	name := slot(t, res.Document, "name")
	if name.Value != "First Ltd" || name.FillSource != "a/opencorporates_profile" {
		t.Fatalf("name = %+v", name)
	}
}

func TestBudgetExpiryReturnsPartialResult(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	f := newFixture(t, Config{Budget: 100 * time.Millisecond}, map[string]handlerFunc{
		"uk_companies_house_profile": func(ctx context.Context, value string) (common.CodedFacts, error) {
			return facts("company_name", "Acme Corp Ltd"), nil
		},
		"uk_companies_house_officers": func(ctx context.Context, value string) (common.CodedFacts, error) {
			<-release
			return facts("officer", "Jane Doe"), nil
		},
	})

	start := time.Now()
	res, err := f.exec.Run(ctx, "inv-6", f.template(t, "company"), Target{Value: "Acme Corp Ltd", Jurisdiction: "uk"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("Run() ignored the budget")
	}
	if !res.Partial || !res.Document.Partial {
		t.Fatal("expected partial result")
	}
	officers := slot(t, res.Document, "officers")
	if officers.Filled() {
		t.Fatalf("officers filled before release: %+v", officers)
	}
	if !slot(t, res.Document, "company_name").Filled() {
		t.Fatal("sweep result should have been applied")
	}

	close(release)
	janeID := normalize.NodeID(common.ClassPerson, "jane doe")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := f.store.Get(ctx, janeID); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("late action result was not persisted")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if slices.Contains(officers.Values, "Jane Doe") {
		t.Fatal("late result changed the returned document")
	}
}

func TestSchemaViolationEscalatesWithoutAbortingCascade(t *testing.T) {
	mailbox := &common.EntityRef{Class: common.ClassEmail, Value: "info@acme.example"}
	f := newFixture(t, DefaultConfig(), map[string]handlerFunc{
		"uk_companies_house_profile": func(ctx context.Context, value string) (common.CodedFacts, error) {
			return facts("company_name", "Acme Corp Ltd", "company_number", "01234567"), nil
		},
		"uk_companies_house_officers": func(ctx context.Context, value string) (common.CodedFacts, error) {
			return facts("officer", "Jane Doe"), nil
		},
		"uk_companies_house_psc": func(ctx context.Context, value string) (common.CodedFacts, error) {
			out := facts("owner_person", "Jane Doe")
			// an email cannot hold an officer
			out.Facts = append(out.Facts, common.Fact{Code: "officer", Value: "Richard Roe", Of: mailbox})
			return out, nil
		},
	})

	res, err := f.exec.Run(context.Background(), "inv-7", f.template(t, "company"), Target{Value: "Acme Corp Ltd", Jurisdiction: "uk"})
	if !common.IsSchemaViolation(err) {
		t.Fatalf("Run() error = %v, want SchemaViolation", err)
	}
	if res == nil {
		t.Fatal("Run() returned no result alongside the violation")
	}
	doc := res.Document
	if len(doc.Errors) == 0 {
		t.Fatal("expected the violation in the document errors")
	}
	if doc.State != StateDone || res.Partial {
		t.Fatalf("state = %s partial = %v", doc.State, res.Partial)
	}

	if owners := slot(t, doc, "owner_people"); !slices.Contains(owners.Values, "Jane Doe") {
		t.Fatalf("owner_people = %+v", owners)
	}
	if officers := slot(t, doc, "officers"); !slices.Equal(officers.Values, []string{"Jane Doe"}) {
		t.Fatalf("officers = %+v", officers)
	}
	if name := slot(t, doc, "company_name"); !name.Filled() {
		t.Fatalf("company_name = %+v", name)
	}
	for _, s := range doc.Slots {
		if s.Filled() {
			continue
		}
		if s.State != SlotEmpty || s.Reason == "" {
			t.Fatalf("slot %s ended %s with reason %q", s.Name, s.State, s.Reason)
		}
	}
}

func TestRoundReportsExpiredBudgetBeforeAcquire(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig(), nil)
	tmpl := f.template(t, "company")

	budgetCtx, cancel := context.WithCancel(ctx)
	cancel()

	spawns := []spawn{
		{trigger: "profile", operator: "creg", input: "Acme", produces: []string{"company_name"}},
		{trigger: "sanctions", operator: "csan", input: "Acme", produces: []string{"sanctions"}},
	}
	// the select between finished spawns and the budget is random, so repeat
	for i := 0; i < 50; i++ {
		r := &run{
			e:     f.exec,
			tmpl:  tmpl,
			doc:   NewDocument("inv-8", tmpl, Target{Value: "Acme"}, time.Second),
			sem:   semaphore.NewWeighted(1),
			seen:  make(map[string]bool),
			retry: make(map[string]bool),
		}
		results, expired := r.round(ctx, budgetCtx, spawns)
		if !expired {
			t.Fatalf("iteration %d: round() expired = false after the budget ran out", i)
		}
		if results[0] != nil || results[1] != nil {
			t.Fatalf("iteration %d: results = %+v, want none", i, results)
		}
	}
	if got := f.actions.count(""); got != 0 {
		t.Fatalf("actions executed = %d, want 0", got)
	}
}
