package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ericvolp12/feedgen/pkg/api"
	"github.com/ericvolp12/feedgen/pkg/changes"
	"github.com/ericvolp12/feedgen/pkg/queue"
	"github.com/urfave/cli/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	app := cli.App{
		Name:    "feedctl",
		Usage:   "feedgen admin client",
		Version: "0.1.0",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "host",
			Usage:   "base url of the feedd http server",
			Value:   "http://localhost:8080",
			EnvVars: []string{"FEEDGEN_HOST"},
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token for admin routes",
			EnvVars: []string{"FEEDGEN_ADMIN_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "viewer",
			Usage:   "viewer id sent with feed and preference requests",
			EnvVars: []string{"FEEDGEN_VIEWER"},
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "request timeout",
			Value: 30 * time.Second,
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:      "feed",
			Usage:     "fetch a page of a viewer's feed",
			ArgsUsage: "<feed-type|default>",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "cursor", Usage: "cursor from a previous page"},
				&cli.IntFlag{Name: "page-size", Usage: "posts per page"},
			},
			Action: func(cctx *cli.Context) error {
				feedType := cctx.Args().First()
				if feedType == "" {
					feedType = "default"
				}
				q := url.Values{}
				if c := cctx.String("cursor"); c != "" {
					q.Set("cursor", c)
				}
				if n := cctx.Int("page-size"); n > 0 {
					q.Set("pageSize", strconv.Itoa(n))
				}
				return newClient(cctx).do(cctx, http.MethodGet, "/feed/"+url.PathEscape(feedType), q, nil)
			},
		},
		{
			Name:  "prefs",
			Usage: "show, update or reset a viewer's preferences",
			Subcommands: []*cli.Command{
				{
					Name: "get",
					Action: func(cctx *cli.Context) error {
						return newClient(cctx).do(cctx, http.MethodGet, "/feed/preferences", nil, nil)
					},
				},
				{
					Name:      "set",
					Usage:     "apply a JSON preference patch",
					ArgsUsage: `'{"enabled":{"trending":false}}'`,
					Action: func(cctx *cli.Context) error {
						return newClient(cctx).do(cctx, http.MethodPut, "/feed/preferences", nil, json.RawMessage(cctx.Args().First()))
					},
				},
				{
					Name: "reset",
					Action: func(cctx *cli.Context) error {
						return newClient(cctx).do(cctx, http.MethodDelete, "/feed/preferences", nil, nil)
					},
				},
			},
		},
		{
			Name:  "enqueue",
			Usage: "enqueue a feed generation job",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "type", Usage: "job type", Required: true},
				&cli.StringFlag{Name: "user", Usage: "user id"},
				&cli.StringFlag{Name: "post", Usage: "post id"},
				&cli.StringSliceFlag{Name: "affected", Usage: "affected user ids"},
				&cli.StringSliceFlag{Name: "feed-types", Usage: "feed types to regenerate (all when empty)"},
				&cli.IntFlag{Name: "priority", Usage: "priority 1-10 (0 for the job type's default)"},
			},
			Action: func(cctx *cli.Context) error {
				spec := map[string]any{
					"jobType":         queue.JobType(cctx.String("type")),
					"userId":          cctx.String("user"),
					"postId":          cctx.String("post"),
					"affectedUserIds": cctx.StringSlice("affected"),
					"feedTypes":       cctx.StringSlice("feed-types"),
					"priority":        cctx.Int("priority"),
				}
				return newClient(cctx).do(cctx, http.MethodPost, "/feed/jobs", nil, spec)
			},
		},
		{
			Name:  "event",
			Usage: "send a change event",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "type", Usage: "event type", Required: true},
				&cli.StringFlag{Name: "user", Usage: "user id"},
				&cli.StringFlag{Name: "post", Usage: "post id"},
				&cli.StringFlag{Name: "other-user", Usage: "the other side of a friendship"},
				&cli.StringSliceFlag{Name: "viewers", Usage: "viewer ids for bulk updates"},
				&cli.StringSliceFlag{Name: "feed-types", Usage: "feed types for bulk updates"},
			},
			Action: func(cctx *cli.Context) error {
				ev := changes.Event{
					Type:        changes.EventType(cctx.String("type")),
					UserID:      cctx.String("user"),
					PostID:      cctx.String("post"),
					OtherUserID: cctx.String("other-user"),
					ViewerIDs:   cctx.StringSlice("viewers"),
					FeedTypes:   cctx.StringSlice("feed-types"),
					OccurredAt:  time.Now().UTC().Format(time.RFC3339Nano),
				}
				return newClient(cctx).do(cctx, http.MethodPost, "/feed/events", nil, ev)
			},
		},
		{
			Name:  "process",
			Usage: "process pending jobs synchronously on the server",
			Flags: []cli.Flag{
				&cli.IntFlag{Name: "max", Usage: "maximum jobs to process", Value: 100},
			},
			Action: func(cctx *cli.Context) error {
				q := url.Values{"max": []string{strconv.Itoa(cctx.Int("max"))}}
				return newClient(cctx).do(cctx, http.MethodPost, "/feed/jobs/process", q, nil)
			},
		},
		{
			Name:  "stats",
			Usage: "show job counts by status",
			Action: func(cctx *cli.Context) error {
				return newClient(cctx).do(cctx, http.MethodGet, "/feed/jobs/stats", nil, nil)
			},
		},
		{
			Name:  "cleanup",
			Usage: "enqueue a cleanup job",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "feed-types", Usage: "feed types to rerank after cleanup (all when empty)"},
			},
			Action: func(cctx *cli.Context) error {
				body := map[string]any{"feedTypes": cctx.StringSlice("feed-types")}
				return newClient(cctx).do(cctx, http.MethodPost, "/feed/cleanup", nil, body)
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

type client struct {
	host       string
	adminToken string
	viewer     string
	http       *http.Client
}

func newClient(cctx *cli.Context) *client {
	return &client{
		host:       strings.TrimRight(cctx.String("host"), "/"),
		adminToken: cctx.String("admin-token"),
		viewer:     cctx.String("viewer"),
		http: &http.Client{
			Timeout:   cctx.Duration("timeout"),
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// do sends one request and pretty prints the response envelope to stdout.
func (c *client) do(cctx *cli.Context, method, path string, query url.Values, body any) error {
	u := c.host + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(cctx.Context, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", fmt.Sprintf("feedgen.feedctl/%s", cctx.App.Version))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	if c.viewer != "" {
		req.Header.Set(api.ViewerHeader, c.viewer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var env api.Response
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, env.Error)
	}

	out, err := json.MarshalIndent(env.Data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
