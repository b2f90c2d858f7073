package middleware

import (
	"github.com/OFFIS-RIT/pivot/internal/queue"
	"github.com/OFFIS-RIT/pivot/pkg/investigation"
	"github.com/OFFIS-RIT/pivot/pkg/store"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/labstack/echo/v4"
)

type AppUser struct {
	UserID      int64
	Role        string
	Permissions []string
}

// Publisher sends a message body to a named queue.
type Publisher func(queueName string, body []byte) error

type App struct {
	Service   *investigation.Service
	Processor *queue.Processor
	Jobs      store.InvestigationStore
	Publish   Publisher
	Key       *keyfunc.Keyfunc
	S3        *s3.Client
	Project   string

	MasterAPIKey   string
	MasterUserID   int64
	MasterUserRole string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
