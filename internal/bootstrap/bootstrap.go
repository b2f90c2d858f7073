// Package bootstrap builds the investigation service from the environment.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/OFFIS-RIT/pivot/internal/storage"
	"github.com/OFFIS-RIT/pivot/internal/util"
	"github.com/OFFIS-RIT/pivot/pkg/adapter"
	"github.com/OFFIS-RIT/pivot/pkg/cascade"
	"github.com/OFFIS-RIT/pivot/pkg/graph"
	"github.com/OFFIS-RIT/pivot/pkg/investigation"
	"github.com/OFFIS-RIT/pivot/pkg/leaselock"
	"github.com/OFFIS-RIT/pivot/pkg/logger"
	"github.com/OFFIS-RIT/pivot/pkg/metrics"
	"github.com/OFFIS-RIT/pivot/pkg/operator"
	"github.com/OFFIS-RIT/pivot/pkg/rules"
	"github.com/OFFIS-RIT/pivot/pkg/store"
	"github.com/OFFIS-RIT/pivot/pkg/store/memory"
	pgstore "github.com/OFFIS-RIT/pivot/pkg/store/pgx"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Params struct {
	// Pool backs nodes, jobs and leases. Without it everything lives in
	// process memory.
	Pool    *pgxpool.Pool
	S3      *s3.Client
	Metrics *metrics.Collector
}

type Components struct {
	Service *investigation.Service
	Jobs    store.InvestigationStore
	Project string
}

func Project() string {
	return util.GetEnvString("PROJECT", "default")
}

// Build loads rule tables, vocabulary, templates, dead ends and adapters and
// wires them into a service. Templates that reference unknown codes or
// unroutable operators fail the build.
func Build(ctx context.Context, params Params) (*Components, error) {
	project := Project()

	tables, err := loadRules(ctx, params.S3)
	if err != nil {
		return nil, err
	}

	router, err := loadRouter()
	if err != nil {
		return nil, err
	}

	templates, err := cascade.DefaultTemplates()
	if err != nil {
		return nil, err
	}
	if path := util.GetEnv("TEMPLATES_PATH"); path != "" {
		if err := templates.LoadTemplateFile(path); err != nil {
			return nil, err
		}
	}
	if err := cascade.ValidateTemplates(templates, tables, router); err != nil {
		return nil, fmt.Errorf("invalid templates: %w", err)
	}

	deadEnds, err := cascade.DefaultDeadEnds()
	if path := util.GetEnv("DEAD_ENDS_PATH"); path != "" {
		deadEnds, err = cascade.LoadDeadEndsFile(path)
	}
	if err != nil {
		return nil, err
	}

	registry := adapter.NewRegistry(params.Metrics)
	if path := util.GetEnv("ADAPTERS_PATH"); path != "" {
		client := &http.Client{Timeout: util.GetEnvDuration("ADAPTER_HTTP_TIMEOUT", 30*time.Second)}
		n, err := adapter.LoadHTTPAdapters(path, registry, client)
		if err != nil {
			return nil, err
		}
		logger.Info("[Bootstrap] loaded adapters", "count", n)
	}
	want := make([]string, 0)
	for _, h := range router.Handlers() {
		want = append(want, h.ID)
	}
	if missing := registry.Missing(want); len(missing) > 0 {
		logger.Warn("[Bootstrap] handlers without adapter", "handlers", missing)
	}

	var nodes store.NodeStore
	var jobs store.InvestigationStore
	var locker leaselock.Locker
	if params.Pool != nil {
		nodes = pgstore.NewNodeStorage(params.Pool, project)
		jobs = pgstore.NewInvestigationStorage(params.Pool)
	} else {
		nodes = memory.New(project)
		jobs = memory.NewInvestigations()
	}
	switch mode := util.GetEnvString("LOCK_MODE", "local"); mode {
	case "lease":
		if params.Pool == nil {
			return nil, fmt.Errorf("LOCK_MODE=lease needs a database")
		}
		locker = leaselock.NewLeases(leaselock.New(params.Pool), leaselock.Options{
			TTL: util.GetEnvDuration("LOCK_TTL", 30*time.Second),
		})
	case "local":
		locker = leaselock.NewLocal()
	default:
		return nil, fmt.Errorf("unknown LOCK_MODE %q", mode)
	}

	persister := graph.NewPersister(graph.PersisterParams{
		Store:    nodes,
		Rules:    tables,
		Locker:   locker,
		Metrics:  params.Metrics,
		Parallel: util.GetEnvInt("GRAPH_PARALLEL", 0),
	})
	svc := investigation.NewService(investigation.ServiceParams{
		Router:    router,
		Actions:   registry,
		Persister: persister,
		Templates: templates,
		DeadEnds:  deadEnds,
		Metrics:   params.Metrics,
		Config:    cascade.ConfigFromEnv(),
	})

	logger.Info("[Bootstrap] service ready",
		"project", project,
		"index", nodes.Index(),
		"rules", tables.Version(),
		"vocabulary", router.Version(),
		"templates", templates.Names(),
	)
	return &Components{Service: svc, Jobs: jobs, Project: project}, nil
}

func loadRules(ctx context.Context, client *s3.Client) (*rules.Tables, error) {
	if key := util.GetEnv("RULES_S3_KEY"); key != "" {
		return storage.LoadRules(ctx, client, key)
	}
	if path := util.GetEnv("RULES_PATH"); path != "" {
		return rules.LoadFile(path)
	}
	return rules.Default()
}

func loadRouter() (*operator.Router, error) {
	path := util.GetEnv("VOCABULARY_PATH")
	if path == "" {
		return operator.NewDefaultRouter()
	}
	v, err := operator.LoadVocabularyFile(path)
	if err != nil {
		return nil, err
	}
	return operator.NewRouter(v)
}
