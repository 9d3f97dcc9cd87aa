package loom

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/urfave/cli/v3"

	"github.com/loomci/core/log"
	"github.com/loomci/core/loom/config"
	"github.com/loomci/core/loom/db"
	"github.com/loomci/core/loom/engine"
	"github.com/loomci/core/loom/queue"
	"github.com/loomci/core/loom/secrets"
	"github.com/loomci/core/notifier"
	"github.com/loomci/core/notify"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run a loom workflow engine",
		Action: run,
		Description: `
Environment variables:
	LOOM_SERVER_LISTEN_ADDR          (default: 0.0.0.0:6510)
	LOOM_SERVER_DB_PATH              (default: loom.db)
	LOOM_SERVER_SECRETS_PROVIDER     (default: sqlite; sqlite | openbao)
	LOOM_SERVER_SECRETS_OPENBAO_ADDR
	LOOM_SERVER_SECRETS_OPENBAO_TOKEN
	LOOM_RUNS_MAX_CONCURRENT_JOBS    (default: 4)
	LOOM_RUNS_JOB_TIMEOUT            (default: 10m)
	LOOM_RUNS_APPROVAL_WINDOW        (default: 0, wait forever)
	LOOM_RUNS_LOG_DIR                (default: /var/log/loom)
	LOOM_RUNS_RUNNER                 (default: local; local | docker)
	LOOM_NOTIFY_WEBHOOK_URL
	LOOM_NOTIFY_EMAIL_API_KEY
`,
	}
}

func run(ctx context.Context, _ *cli.Command) error {
	return Run(ctx)
}

type Loom struct {
	db  *db.DB
	l   *slog.Logger
	n   *notifier.Notifier
	eng *engine.Engine
	jq  *queue.Queue
	cfg *config.Config
}

func Run(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}

	sm, err := makeSecrets(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to setup secret manager: %w", err)
	}
	if stopper, ok := sm.(secrets.Stopper); ok {
		defer stopper.Stop()
	}

	runner, err := makeRunner(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to setup step runner: %w", err)
	}

	n := notifier.New()
	eng := engine.New(ctx, d, &n, makeNotify(cfg, logger), runner, sm, cfg)

	// event ingestion is decoupled from run execution by a bounded
	// queue; a full queue rejects the event rather than blocking the
	// HTTP handler
	jq := queue.NewQueue(cfg.Runs.EventQueueSize, 2)
	jq.Start()
	defer jq.Stop()

	loom := Loom{
		db:  d,
		l:   logger,
		n:   &n,
		eng: eng,
		jq:  jq,
		cfg: cfg,
	}

	logger.Info("starting loom server", "address", cfg.Server.ListenAddr)
	if err := http.ListenAndServe(cfg.Server.ListenAddr, loom.Router()); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (s *Loom) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(s.RequestLogger)

	mux.Post("/events", s.IngestEvent)
	mux.Get("/events/stream", s.Events)

	mux.Get("/runs", s.Runs)
	mux.Get("/runs/{id}", s.GetRun)
	mux.Post("/runs/{id}/approvals/{job}", s.SubmitApproval)
	mux.Post("/runs/{id}/cancel", s.CancelRun)

	mux.Get("/logs/{id}/{job}", s.Logs)

	mux.Get("/workflows", s.Workflows)
	mux.Put("/workflows", s.PutWorkflow)

	mux.Put("/environments", s.PutEnvironment)

	return mux
}

func makeSecrets(cfg *config.Config, logger *slog.Logger) (secrets.Manager, error) {
	switch cfg.Server.Secrets.Provider {
	case "openbao":
		bao := cfg.Server.Secrets.OpenBao
		return secrets.NewOpenBaoManager(bao.Addr, bao.Token, logger, secrets.WithMountPath(bao.Mount))
	default:
		return secrets.NewSQLiteManager(cfg.Server.DBPath)
	}
}

func makeRunner(cfg *config.Config, logger *slog.Logger) (engine.Runner, error) {
	actions := engine.NewActionRegistry()
	engine.RegisterBuiltins(actions)

	switch cfg.Runs.Runner {
	case "docker":
		return engine.NewDockerRunner(logger, "", actions)
	default:
		return engine.NewLocalRunner(actions), nil
	}
}

func makeNotify(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Notify.WebhookURL, logger))
	}
	if cfg.Notify.EmailAPIKey != "" {
		notifiers = append(notifiers, notify.NewEmailNotifier(cfg.Notify.EmailAPIKey, cfg.Notify.EmailFrom, cfg.Notify.EmailTo, logger))
	}
	return notify.NewMergedNotifier(notifiers, logger)
}
