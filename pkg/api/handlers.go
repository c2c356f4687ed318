package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/ericvolp12/feedgen/pkg/changes"
	"github.com/ericvolp12/feedgen/pkg/feed"
	"github.com/ericvolp12/feedgen/pkg/prefs"
	"github.com/ericvolp12/feedgen/pkg/queue"
	"github.com/labstack/echo/v4"
)

const defaultDrainMax = 100

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &feed.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return v, nil
}

// HandleGetFeed handles GET /feed/:feedType?cursor=&pageSize=
func (a *API) HandleGetFeed(c echo.Context) error {
	ctx := c.Request().Context()
	viewer := viewerID(c)

	t, err := a.Reader.ResolveType(ctx, viewer, c.Param("feedType"))
	if err != nil {
		return a.fail(c, err)
	}
	pageSize, err := intParam(c, "pageSize", 0)
	if err != nil {
		return a.fail(c, err)
	}

	page, err := a.Reader.GetPage(ctx, viewer, t, c.QueryParam("cursor"), pageSize)
	if err != nil {
		return a.fail(c, err)
	}
	return respond(c, http.StatusOK, page)
}

// HandleGetPreferences handles GET /feed/preferences
func (a *API) HandleGetPreferences(c echo.Context) error {
	p, err := a.Prefs.Get(c.Request().Context(), viewerID(c))
	if err != nil {
		return a.fail(c, err)
	}
	return respond(c, http.StatusOK, p)
}

// HandleUpdatePreferences handles PUT /feed/preferences
func (a *API) HandleUpdatePreferences(c echo.Context) error {
	var patch prefs.Patch
	if err := c.Bind(&patch); err != nil {
		return a.fail(c, &feed.ValidationError{Field: "body", Reason: "malformed preferences patch"})
	}
	p, err := a.Prefs.Update(c.Request().Context(), viewerID(c), patch)
	if err != nil {
		return a.fail(c, err)
	}
	return respond(c, http.StatusOK, p)
}

// HandleResetPreferences handles DELETE /feed/preferences
func (a *API) HandleResetPreferences(c echo.Context) error {
	p, err := a.Prefs.Reset(c.Request().Context(), viewerID(c))
	if err != nil {
		return a.fail(c, err)
	}
	return respond(c, http.StatusOK, p)
}

type engagementRequest struct {
	Count int64 `json:"count"`
}

// HandleEngagement handles POST /feed/:feedType/engagement
func (a *API) HandleEngagement(c echo.Context) error {
	ctx := c.Request().Context()
	viewer := viewerID(c)

	t, err := a.Reader.ResolveType(ctx, viewer, c.Param("feedType"))
	if err != nil {
		return a.fail(c, err)
	}
	req := engagementRequest{}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return a.fail(c, &feed.ValidationError{Field: "body", Reason: "malformed engagement request"})
		}
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if err := a.Recorder.RecordEngagement(ctx, viewer, t, req.Count); err != nil {
		return a.fail(c, err)
	}
	return respond(c, http.StatusAccepted, nil)
}

// HandleGetAnalytics handles GET /feed/analytics?from=&to=, defaulting to the last 7 days.
func (a *API) HandleGetAnalytics(c echo.Context) error {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -6)
	var err error
	if raw := c.QueryParam("from"); raw != "" {
		if from, err = dateparse.ParseIn(raw, time.UTC); err != nil {
			return a.fail(c, &feed.ValidationError{Field: "from", Reason: "unrecognized date"})
		}
	}
	if raw := c.QueryParam("to"); raw != "" {
		if to, err = dateparse.ParseIn(raw, time.UTC); err != nil {
			return a.fail(c, &feed.ValidationError{Field: "to", Reason: "unrecognized date"})
		}
	}

	rows, err := a.Recorder.Daily(c.Request().Context(), viewerID(c), from, to)
	if err != nil {
		return a.fail(c, err)
	}
	return respond(c, http.StatusOK, rows)
}

// HandleEnqueueJob handles POST /feed/jobs
func (a *API) HandleEnqueueJob(c echo.Context) error {
	var spec queue.Spec
	if err := c.Bind(&spec); err != nil {
		return a.fail(c, &feed.ValidationError{Field: "body", Reason: "malformed job"})
	}
	job, err := a.Queue.Enqueue(c.Request().Context(), spec)
	if err != nil {
		return a.fail(c, err)
	}
	return respond(c, http.StatusCreated, job)
}

// HandleProcessJobs handles POST /feed/jobs/process?max=
func (a *API) HandleProcessJobs(c echo.Context) error {
	max, err := intParam(c, "max", defaultDrainMax)
	if err != nil {
		return a.fail(c, err)
	}
	if max <= 0 {
		return a.fail(c, &feed.ValidationError{Field: "max", Reason: "must be positive"})
	}
	res, err := a.Pool.Drain(c.Request().Context(), max)
	if err != nil {
		return a.fail(c, err)
	}
	return respond(c, http.StatusOK, res)
}

// HandleJobStats handles GET /feed/jobs/stats
func (a *API) HandleJobStats(c echo.Context) error {
	stats, err := a.Queue.Stats(c.Request().Context())
	if err != nil {
		return a.fail(c, err)
	}
	return respond(c, http.StatusOK, stats)
}

type cleanupRequest struct {
	FeedTypes []feed.Type `json:"feedTypes"`
}

// HandleCleanup handles POST /feed/cleanup by enqueueing a cleanup job.
func (a *API) HandleCleanup(c echo.Context) error {
	req := cleanupRequest{}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return a.fail(c, &feed.ValidationError{Field: "body", Reason: "malformed cleanup request"})
		}
	}
	job, err := a.Queue.Enqueue(c.Request().Context(), queue.Spec{JobType: queue.JobCleanup, FeedTypes: req.FeedTypes})
	if err != nil {
		return a.fail(c, err)
	}
	return respond(c, http.StatusAccepted, job)
}

// HandleEvent handles POST /feed/events, feeding a change event into the source.
func (a *API) HandleEvent(c echo.Context) error {
	var ev changes.Event
	if err := c.Bind(&ev); err != nil {
		return a.fail(c, &feed.ValidationError{Field: "body", Reason: "malformed change event"})
	}
	job, err := a.Source.Handle(c.Request().Context(), ev)
	if err != nil {
		return a.fail(c, err)
	}
	return respond(c, http.StatusAccepted, job)
}
