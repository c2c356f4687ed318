// Package api exposes the feed engine over HTTP.
package api

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ericvolp12/feedgen/pkg/analytics"
	"github.com/ericvolp12/feedgen/pkg/changes"
	"github.com/ericvolp12/feedgen/pkg/feed"
	"github.com/ericvolp12/feedgen/pkg/prefs"
	"github.com/ericvolp12/feedgen/pkg/queue"
	"github.com/ericvolp12/feedgen/pkg/reader"
	"github.com/ericvolp12/feedgen/pkg/worker"
	"github.com/labstack/echo/v4"
)

// ViewerHeader carries the authenticated viewer id, set by the upstream gateway.
const ViewerHeader = "X-Viewer-ID"

const viewerKey = "viewer_id"

type Deps struct {
	Reader   *reader.Reader
	Prefs    *prefs.Store
	Recorder *analytics.Recorder
	Queue    *queue.Queue
	Pool     *worker.Pool
	Source   *changes.Source
	// AdminToken guards the job and event routes. Empty disables them.
	AdminToken string
}

type API struct {
	logger *slog.Logger
	Deps
}

func New(logger *slog.Logger, deps Deps) *API {
	return &API{logger: logger.With("module", "api"), Deps: deps}
}

// Response is the envelope of every feed API response.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Register mounts the feed routes on e.
func (a *API) Register(e *echo.Echo) {
	g := e.Group("/feed")

	g.GET("/preferences", a.HandleGetPreferences, a.requireViewer)
	g.PUT("/preferences", a.HandleUpdatePreferences, a.requireViewer)
	g.DELETE("/preferences", a.HandleResetPreferences, a.requireViewer)
	g.GET("/analytics", a.HandleGetAnalytics, a.requireViewer)

	g.POST("/jobs", a.HandleEnqueueJob, a.requireAdmin)
	g.POST("/jobs/process", a.HandleProcessJobs, a.requireAdmin)
	g.GET("/jobs/stats", a.HandleJobStats, a.requireAdmin)
	g.POST("/cleanup", a.HandleCleanup, a.requireAdmin)
	g.POST("/events", a.HandleEvent, a.requireAdmin)

	g.GET("/:feedType", a.HandleGetFeed, a.requireViewer)
	g.POST("/:feedType/engagement", a.HandleEngagement, a.requireViewer)
}

func (a *API) requireViewer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		viewer := strings.TrimSpace(c.Request().Header.Get(ViewerHeader))
		if viewer == "" {
			return c.JSON(http.StatusUnauthorized, Response{Error: "missing viewer identity"})
		}
		c.Set(viewerKey, viewer)
		return next(c)
	}
}

func viewerID(c echo.Context) string {
	v, _ := c.Get(viewerKey).(string)
	return v
}

func (a *API) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if a.AdminToken == "" {
			return c.JSON(http.StatusForbidden, Response{Error: "admin routes are disabled"})
		}
		token, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.AdminToken)) != 1 {
			return c.JSON(http.StatusUnauthorized, Response{Error: "invalid admin token"})
		}
		return next(c)
	}
}

func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, Response{Success: true, Data: data})
}

// fail maps domain errors to HTTP statuses.
func (a *API) fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case feed.IsValidation(err), feed.IsInvalidCursor(err):
		status = http.StatusBadRequest
	case feed.IsFeedTypeDisabled(err):
		status = http.StatusForbidden
	case errors.Is(err, feed.ErrNotFound):
		status = http.StatusNotFound
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "err", err)
		msg = "internal error"
	}
	apiErrors.WithLabelValues(c.Path(), http.StatusText(status)).Inc()
	return c.JSON(status, Response{Error: msg})
}
