package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OFFIS-RIT/pivot/internal/bootstrap"
	"github.com/OFFIS-RIT/pivot/internal/queue"
	mid "github.com/OFFIS-RIT/pivot/internal/server/middleware"
	"github.com/OFFIS-RIT/pivot/internal/storage"
	"github.com/OFFIS-RIT/pivot/internal/util"
	"github.com/OFFIS-RIT/pivot/pkg/logger"
	"github.com/OFFIS-RIT/pivot/pkg/metrics"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// New returns an echo instance serving app.
func New(app *mid.App, m *metrics.Collector) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	RegisterRoutes(e, m)
	return e
}

// Migrate applies the SQL migrations in MIGRATIONS_PATH.
func Migrate(databaseURL string) error {
	source := "file://" + util.GetEnvString("MIGRATIONS_PATH", "migrations")
	m, err := migrate.New(source, databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func Init() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var key *keyfunc.Keyfunc
	if authURL := util.GetEnv("AUTH_URL"); authURL != "" {
		k, err := keyfunc.NewDefault([]string{authURL + "/jwks"})
		if err != nil {
			logger.Fatal("Failed to load jwks keys", "err", err)
		}
		key = &k
	}

	databaseURL := util.GetEnv("DATABASE_URL")
	if util.GetEnvBool("MIGRATE", true) {
		if err := Migrate(databaseURL); err != nil {
			logger.Fatal("Failed to migrate database", "err", err)
		}
	}

	conn, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer conn.Close()

	que := queue.Init()
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	if err := queue.SetupQueues(ch, []string{queue.InvestigationQueue}); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	s3, err := storage.NewS3Client(ctx)
	if err != nil {
		logger.Fatal("Failed to create s3 client", "err", err)
	}

	m := metrics.Default()
	components, err := bootstrap.Build(ctx, bootstrap.Params{Pool: conn, S3: s3, Metrics: m})
	if err != nil {
		logger.Fatal("Failed to build investigation service", "err", err)
	}

	app := &mid.App{
		Service: components.Service,
		Processor: queue.NewProcessor(queue.ProcessorParams{
			Service: components.Service,
			Jobs:    components.Jobs,
		}),
		Jobs: components.Jobs,
		Publish: func(queueName string, body []byte) error {
			return queue.PublishFIFO(ch, queueName, body)
		},
		Key:            key,
		S3:             s3,
		Project:        components.Project,
		MasterAPIKey:   util.GetEnv("MASTER_API_KEY"),
		MasterUserID:   int64(util.GetEnvInt("MASTER_USER_ID", 0)),
		MasterUserRole: util.GetEnv("MASTER_USER_ROLE"),
	}
	e := New(app, m)

	go func() {
		port := util.GetEnv("PORT")
		if port == "" {
			port = "8080"
		}
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}
