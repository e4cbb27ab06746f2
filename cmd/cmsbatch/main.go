// Command cmsbatch applies batches of field-level edits to a remote content
// API under its rate limits, records what changed, and can reverse a batch
// within the retention window.
//
// Usage:
//
//	cmsbatch apply    -config cfg.yaml [-confirm] job.yaml
//	cmsbatch rollback -config cfg.yaml <rollback-id>
//	cmsbatch preview  -config cfg.yaml <rollback-id>
//	cmsbatch history  -config cfg.yaml <resource-id>
//	cmsbatch cleanup  -config cfg.yaml
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/cmsbatch/batch"
	"github.com/hazyhaar/cmsbatch/cmsapi"
	"github.com/hazyhaar/cmsbatch/dbopen"
	"github.com/hazyhaar/cmsbatch/ledger"
	"github.com/hazyhaar/cmsbatch/ratelimit"
	"github.com/hazyhaar/cmsbatch/rollback"
	"github.com/hazyhaar/cmsbatch/token"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "cmsbatch.yaml", "path to the config file")
	confirm := fs.Bool("confirm", false, "confirm a job that requires confirmation")
	logLevel := fs.String("log-level", env("LOG_LEVEL", "info"), "debug|info|warn|error")
	fs.Parse(os.Args[2:])

	var lvl slog.Level
	switch *logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	app, err := newApp(ctx, cfg)
	if err != nil {
		slog.Error("startup", "error", err)
		os.Exit(1)
	}
	defer app.close()

	switch cmd {
	case "apply":
		err = app.apply(ctx, fs.Arg(0), *confirm)
	case "rollback":
		err = app.rollback(ctx, fs.Arg(0))
	case "preview":
		err = app.preview(ctx, fs.Arg(0))
	case "history":
		err = app.history(ctx, fs.Arg(0))
	case "cleanup":
		err = app.cleanup(ctx)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		slog.Error(cmd+" failed", "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: cmsbatch <apply|rollback|preview|history|cleanup> -config cfg.yaml [args]`)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// app holds the wired services for one invocation. Everything is an explicit
// constructor-created instance: no package-level singletons, close releases
// whatever was opened.
type app struct {
	client      *cmsapi.Client
	coordinator *batch.Coordinator
	ledger      *ledger.Ledger
	rb          *rollback.Executor
	closeFns    []func() error
}

func newApp(ctx context.Context, cfg *fileConfig) (*app, error) {
	var refresher token.Refresher
	if cfg.Auth.TokenURL != "" {
		refresher = token.NewOAuthRefresher(
			cfg.Auth.ClientID, cfg.Auth.ClientSecret, cfg.Auth.TokenURL, nil)
	}
	guard := token.NewGuard(token.State{
		AccessToken:  cfg.Auth.AccessToken,
		RefreshToken: cfg.Auth.RefreshToken,
	}, refresher, token.Options{})

	tracker := ratelimit.New(ratelimit.Options{
		Strategy: ratelimit.Strategy(cfg.RateLimit.Strategy),
	})

	client := cmsapi.New(cmsapi.Config{
		BaseURL:     cfg.API.BaseURL,
		Timeout:     cfg.timeout(),
		MaxRetries:  cfg.API.MaxRetries,
		BaseBackoff: cfg.backoff(),
		UserAgent:   cfg.API.UserAgent,
	}, guard, tracker)

	a := &app{client: client}

	var store ledger.Store
	if cfg.Ledger.DB != "" {
		db, err := dbopen.Open(cfg.Ledger.DB, dbopen.WithMkdirAll())
		if err != nil {
			return nil, fmt.Errorf("ledger db: %w", err)
		}
		a.closeFns = append(a.closeFns, db.Close)
		sq := ledger.NewSQLiteStore(db)
		if err := sq.EnsureTable(ctx); err != nil {
			return nil, fmt.Errorf("ledger schema: %w", err)
		}
		store = sq
	} else {
		store = ledger.NewMemoryStore()
	}

	a.ledger = ledger.New(store, ledger.Options{Retention: cfg.retention()})
	a.coordinator = batch.New(client, a.ledger, batch.Config{})
	a.rb = rollback.New(client, a.ledger, rollback.Config{
		Mode: rollback.Mode(cfg.Rollback.Mode),
	})
	return a, nil
}

func (a *app) close() {
	for _, fn := range a.closeFns {
		if err := fn(); err != nil {
			slog.Warn("close", "error", err)
		}
	}
}

func (a *app) apply(ctx context.Context, jobPath string, confirmed bool) error {
	if jobPath == "" {
		return fmt.Errorf("apply: job file required")
	}
	job, err := loadJob(jobPath)
	if err != nil {
		return err
	}
	if job.ConfirmationRequired && !confirmed {
		return fmt.Errorf("apply: job requires confirmation; re-run with -confirm (estimated duration %s)",
			a.coordinator.EstimateDuration(len(job.Operations)))
	}

	res, runErr := a.coordinator.Run(ctx, job, func(p batch.Progress) {
		if p.CurrentOperation != "" {
			fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", p.Current+1, p.Total, p.CurrentOperation)
		}
	})
	printJSON(res)
	if runErr != nil {
		return runErr
	}
	if !res.Success {
		return fmt.Errorf("apply: %d of %d operations failed", res.Failed, len(job.Operations))
	}
	return nil
}

func (a *app) rollback(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("rollback: rollback id required")
	}
	res, err := a.rb.Execute(ctx, id, func(p batch.Progress) {
		if p.CurrentOperation != "" {
			fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", p.Current+1, p.Total, p.CurrentOperation)
		}
	})
	if err != nil {
		return err
	}
	printJSON(res)
	if !res.Success {
		return fmt.Errorf("rollback: %d of %d records failed", res.Failed, res.TotalChanges)
	}
	return nil
}

func (a *app) preview(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("preview: rollback id required")
	}
	p, err := a.rb.Preview(ctx, id)
	if err != nil {
		return err
	}
	printJSON(p)
	return nil
}

func (a *app) history(ctx context.Context, resourceID string) error {
	if resourceID == "" {
		return fmt.Errorf("history: resource id required")
	}
	entries, err := a.ledger.History(ctx, resourceID)
	if err != nil {
		return err
	}
	printJSON(entries)
	return nil
}

func (a *app) cleanup(ctx context.Context) error {
	n, err := a.ledger.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d expired change logs\n", n)
	return nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Warn("encode output", "error", err)
		return
	}
	fmt.Println(string(out))
}
