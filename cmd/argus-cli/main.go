// Command argus-cli queries a running argus instance over its HTTP API.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"argus/internal/api"
	"argus/internal/pipeline"
)

const (
	flagURL     = "url"
	flagToken   = "token"
	flagTimeout = "timeout"
	flagSession = "session"
	flagKind    = "kind"
	flagSince   = "since"
	flagLimit   = "limit"
	flagOutput  = "output"
)

func main() {
	app := &cli.App{
		Name:  "argus-cli",
		Usage: "inspect a running argus instance",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagURL,
				Value:   "http://localhost:8080",
				Usage:   "argus API base URL",
				EnvVars: []string{"ARGUS_URL"},
			},
			&cli.StringFlag{
				Name:    flagToken,
				Usage:   "bearer token from the login command",
				EnvVars: []string{"ARGUS_TOKEN"},
			},
			&cli.DurationFlag{
				Name:  flagTimeout,
				Value: 30 * time.Second,
				Usage: "request timeout",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "health",
				Usage:  "show service and detector health",
				Action: healthAction,
			},
			{
				Name:      "login",
				Usage:     "obtain a bearer token",
				ArgsUsage: "<username> <password>",
				Action:    loginAction,
			},
			{
				Name:  "events",
				Usage: "list recorded lifecycle events",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagSession, Usage: "only events of this session"},
					&cli.StringFlag{Name: flagKind, Usage: "only events of this kind, e.g. clip_notified"},
					&cli.DurationFlag{Name: flagSince, Usage: "only events newer than this, e.g. 1h"},
					&cli.IntFlag{Name: flagLimit, Value: 50, Usage: "maximum number of events"},
				},
				Action: eventsAction,
			},
			{
				Name:      "event",
				Usage:     "show one event",
				ArgsUsage: "<id>",
				Action:    eventAction,
			},
			{
				Name:      "media",
				Usage:     "download the image or clip of an event",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagOutput, Aliases: []string{"o"}, Usage: "destination file"},
				},
				Action: mediaAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "argus-cli: %v\n", err)
		os.Exit(1)
	}
}

func clientFrom(c *cli.Context) *apiClient {
	return newAPIClient(c.String(flagURL), c.String(flagToken), c.Duration(flagTimeout))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func healthAction(c *cli.Context) error {
	var resp api.HealthResponse
	if err := clientFrom(c).do(c.Context, http.MethodGet, "/api/health", nil, nil, &resp); err != nil {
		return err
	}
	return printJSON(resp)
}

func loginAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.ShowSubcommandHelp(c)
	}
	var resp api.LoginResponse
	req := api.LoginRequest{Username: c.Args().Get(0), Password: c.Args().Get(1)}
	if err := clientFrom(c).do(c.Context, http.MethodPost, "/api/auth/login", nil, req, &resp); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "token expires %s\n", time.Unix(resp.ExpiresAt, 0).Format(time.RFC3339))
	fmt.Println(resp.Token)
	return nil
}

func eventsAction(c *cli.Context) error {
	q := url.Values{}
	if v := c.String(flagSession); v != "" {
		q.Set("session_id", v)
	}
	if v := c.String(flagKind); v != "" {
		q.Set("kind", v)
	}
	if d := c.Duration(flagSince); d > 0 {
		q.Set("since", time.Now().Add(-d).UTC().Format(time.RFC3339))
	}
	q.Set("limit", strconv.Itoa(c.Int(flagLimit)))

	var resp api.EventsResponse
	if err := clientFrom(c).do(c.Context, http.MethodGet, "/api/events", q, nil, &resp); err != nil {
		return err
	}
	for _, ev := range resp.Events {
		fmt.Println(formatEvent(ev))
	}
	return nil
}

func formatEvent(ev pipeline.Event) string {
	line := fmt.Sprintf("%s  %-15s %s", ev.Timestamp.Local().Format("2006-01-02 15:04:05"), ev.Kind, ev.ID)
	if ev.TopClass != "" {
		line += fmt.Sprintf("  %s %.0f%%", ev.TopClass, ev.Confidence*100)
	}
	if ev.Path != "" {
		line += "  " + ev.Path
	}
	if ev.Error != "" {
		line += "  error: " + ev.Error
	}
	return line
}

func eventAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowSubcommandHelp(c)
	}
	var ev pipeline.Event
	if err := clientFrom(c).do(c.Context, http.MethodGet, "/api/events/"+url.PathEscape(c.Args().First()), nil, nil, &ev); err != nil {
		return err
	}
	return printJSON(ev)
}

func mediaAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowSubcommandHelp(c)
	}
	id := c.Args().First()
	client := clientFrom(c)

	dest := c.String(flagOutput)
	if dest == "" {
		var ev pipeline.Event
		if err := client.do(c.Context, http.MethodGet, "/api/events/"+url.PathEscape(id), nil, nil, &ev); err != nil {
			return err
		}
		if ev.Path == "" {
			return fmt.Errorf("event %s has no media", id)
		}
		dest = filepath.Base(ev.Path)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	n, err := client.download(c.Context, "/api/events/"+url.PathEscape(id)+"/media", f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d bytes)\n", dest, n)
	return nil
}
