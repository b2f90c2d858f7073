package routes

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/OFFIS-RIT/pivot/internal/queue"
	"github.com/OFFIS-RIT/pivot/internal/server/middleware"
	"github.com/OFFIS-RIT/pivot/internal/storage"
	"github.com/OFFIS-RIT/pivot/pkg/investigation"
	"github.com/OFFIS-RIT/pivot/pkg/logger"
	"github.com/OFFIS-RIT/pivot/pkg/store"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
)

// CreateInvestigationHandler records an investigation and queues it for the
// worker.
func CreateInvestigationHandler(c echo.Context) error {
	type createInvestigationBody struct {
		Template     string `json:"template" validate:"required"`
		Target       string `json:"target" validate:"required"`
		Jurisdiction string `json:"jurisdiction"`
	}

	type createInvestigationResponse struct {
		Message string `json:"message"`
		ID      string `json:"id,omitempty"`
		Status  string `json:"status,omitempty"`
	}

	data := new(createInvestigationBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, createInvestigationResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, createInvestigationResponse{
			Message: "Invalid request body",
		})
	}

	user := c.(*middleware.AppContext).User
	if user == nil {
		return c.JSON(http.StatusUnauthorized, createInvestigationResponse{
			Message: "Unauthorized",
		})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()
	msg, err := app.Processor.Enqueue(ctx, app.Project, strconv.FormatInt(user.UserID, 10), investigation.Request{
		Template:     data.Template,
		Target:       data.Target,
		Jurisdiction: data.Jurisdiction,
	})
	if errors.Is(err, investigation.ErrUnknownTemplate) || errors.Is(err, investigation.ErrUnknownJurisdiction) {
		return c.JSON(http.StatusBadRequest, createInvestigationResponse{
			Message: err.Error(),
		})
	}
	if err != nil {
		logger.Error("[Server] failed to create investigation", "err", err)
		return c.JSON(http.StatusInternalServerError, createInvestigationResponse{
			Message: "Internal server error",
		})
	}

	body, err := json.Marshal(msg)
	if err == nil {
		err = app.Publish(queue.InvestigationQueue, body)
	}
	if err != nil {
		logger.Error("[Server] failed to queue investigation", "id", msg.ID, "err", err)
		_ = app.Jobs.FinishInvestigation(ctx, msg.ID, store.StatusFailed, nil, "failed to queue")
		return c.JSON(http.StatusInternalServerError, createInvestigationResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusAccepted, createInvestigationResponse{
		Message: "Investigation queued",
		ID:      msg.ID,
		Status:  store.StatusQueued,
	})
}

func GetInvestigationHandler(c echo.Context) error {
	type getInvestigationParams struct {
		ID string `param:"id" validate:"required"`
	}

	type getInvestigationResponse struct {
		store.Investigation
		DownloadURL string `json:"download_url,omitempty"`
	}

	params := new(getInvestigationParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	ctx := c.Request().Context()
	job, err := app.Jobs.GetInvestigation(ctx, params.ID)
	if errors.Is(err, store.ErrInvestigationNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Investigation not found"})
	}
	if err != nil {
		return c.String(http.StatusInternalServerError, err.Error())
	}
	if !middleware.CanAccessInvestigation(c.(*middleware.AppContext).User, job.CreatedBy) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Investigation not found"})
	}

	res := getInvestigationResponse{Investigation: job}
	if app.S3 != nil && job.Terminal() {
		link, err := storage.GenerateDownloadLink(ctx, app.S3, storage.DocumentKey(job.Project, job.ID))
		if err != nil {
			logger.Warn("[Server] failed to sign document link", "id", job.ID, "err", err)
		} else {
			res.DownloadURL = link
		}
	}
	return c.JSON(http.StatusOK, res)
}
