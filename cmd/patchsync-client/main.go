package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/agentworkforce/patchsync/internal/channel"
	"github.com/agentworkforce/patchsync/internal/document"
	"github.com/agentworkforce/patchsync/internal/logging"
	"github.com/agentworkforce/patchsync/internal/syncdoc"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "patchsync-client",
		Usage: "open a synchronized document on a patchsync hub",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "ws://127.0.0.1:8080/v1/channels", EnvVars: []string{"PATCHSYNC_URL"}},
			&cli.StringFlag{Name: "token", EnvVars: []string{"PATCHSYNC_TOKEN"}, Required: true},
			&cli.StringFlag{Name: "project", EnvVars: []string{"PATCHSYNC_PROJECT"}, Required: true},
			&cli.IntFlag{Name: "user", EnvVars: []string{"PATCHSYNC_USER"}},
			&cli.StringFlag{Name: "type", Value: document.KindString, Usage: "document type: string or db"},
			&cli.StringSliceFlag{Name: "primary-key", Usage: "primary key fields of a db document"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "connect and save timeout"},
			&cli.StringFlag{Name: "log-level", Value: "warn", EnvVars: []string{"PATCHSYNC_LOG_LEVEL"}},
		},
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "print the current value",
				ArgsUsage: "<path>",
				Action: func(c *cli.Context) error {
					return withDoc(c, func(ctx context.Context, doc *syncdoc.Doc) error {
						_, err := fmt.Fprintln(c.App.Writer, doc.String())
						return err
					})
				},
			},
			{
				Name:      "set",
				Usage:     "replace a string document, or merge db records, from stdin",
				ArgsUsage: "<path>",
				Action: func(c *cli.Context) error {
					input, err := io.ReadAll(c.App.Reader)
					if err != nil {
						return err
					}
					return withDoc(c, func(ctx context.Context, doc *syncdoc.Doc) error {
						value, err := parseInput(doc.DocType(), string(input))
						if err != nil {
							return err
						}
						if err := doc.Set(value); err != nil {
							return err
						}
						return doc.Save(ctx)
					})
				},
			},
			{
				Name:      "watch",
				Usage:     "print changes until interrupted; each stdin line replaces the value",
				ArgsUsage: "<path>",
				Action:    watch,
			},
		},
	}
}

func openClient(c *cli.Context) (*channel.Client, error) {
	return channel.NewClient(channel.ClientOptions{
		URL:       c.String("url"),
		Token:     c.String("token"),
		ProjectID: c.String("project"),
		UserID:    c.Int("user"),
		Logger:    logging.New(c.App.ErrWriter, c.String("log-level"), "console"),
	})
}

func docType(c *cli.Context) document.DocType {
	t := document.DocType{Type: c.String("type")}
	if keys := c.StringSlice("primary-key"); len(keys) > 0 {
		t.Opts.PrimaryKeys = keys
	}
	return t.Normalize()
}

func withDoc(c *cli.Context, fn func(ctx context.Context, doc *syncdoc.Doc) error) error {
	path := strings.TrimSpace(c.Args().First())
	if path == "" {
		return cli.Exit("a document path is required", 2)
	}
	client, err := openClient(c)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	doc, err := client.OpenDocument(ctx, path, docType(c), syncdoc.Options{})
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	fnErr := fn(ctx, doc)
	if err := doc.Close(ctx); err != nil && fnErr == nil {
		fnErr = err
	}
	return fnErr
}

// parseInput turns raw input into a value for Doc.Set. Db documents take
// a JSON object or array of objects.
func parseInput(t document.DocType, raw string) (any, error) {
	if t.Type != document.KindDB {
		return raw, nil
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("db input must be JSON: %w", err)
	}
	return value, nil
}

func watch(c *cli.Context) error {
	path := strings.TrimSpace(c.Args().First())
	if path == "" {
		return cli.Exit("a document path is required", 2)
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := openClient(c)
	if err != nil {
		return err
	}
	defer client.Close()

	openCtx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	doc, err := client.OpenDocument(openCtx, path, docType(c), syncdoc.Options{})
	cancel()
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	events, unsubscribe := doc.Events()
	defer unsubscribe()

	out := newPrinter(c.App.Writer)
	out.value(doc.String())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.App.Reader)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			closeCtx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()
			return doc.Close(closeCtx)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			value, err := parseInput(doc.DocType(), line)
			if err != nil {
				out.err(err)
				continue
			}
			if err := doc.Set(value); err != nil {
				out.err(err)
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			out.event(ev, doc)
		}
	}
}

type printer struct {
	w      io.Writer
	change *color.Color
	state  *color.Color
	fail   *color.Color
}

func newPrinter(w io.Writer) printer {
	return printer{
		w:      w,
		change: color.New(color.FgGreen),
		state:  color.New(color.FgYellow),
		fail:   color.New(color.FgRed, color.Bold),
	}
}

func (p printer) value(v string) {
	p.change.Fprintf(p.w, "= %s\n", v)
}

func (p printer) err(err error) {
	p.fail.Fprintf(p.w, "! %v\n", err)
}

func (p printer) event(ev syncdoc.Event, doc *syncdoc.Doc) {
	switch ev.Type {
	case syncdoc.EventChange:
		p.value(doc.String())
	case syncdoc.EventSaveState:
		p.state.Fprintf(p.w, "~ %s\n", ev.State)
	case syncdoc.EventError:
		p.err(ev.Err)
	case syncdoc.EventClosed:
		p.state.Fprintln(p.w, "~ closed")
	}
}
