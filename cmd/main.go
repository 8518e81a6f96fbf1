package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cexll/studybuddy/internal/bot"
	"github.com/cexll/studybuddy/internal/broadcast"
	"github.com/cexll/studybuddy/internal/config"
	"github.com/cexll/studybuddy/internal/dialog"
	"github.com/cexll/studybuddy/internal/dispatcher"
	"github.com/cexll/studybuddy/internal/executor"
	"github.com/cexll/studybuddy/internal/reminder"
	"github.com/cexll/studybuddy/internal/storage"
	"github.com/cexll/studybuddy/internal/telegram"
	"github.com/cexll/studybuddy/internal/web"
	"github.com/cexll/studybuddy/internal/webhook"
)

// Version is set at build time.
var Version = "dev"

// botClient is the part of the Bot API client the server needs.
type botClient interface {
	telegram.Sender
	Username() string
	Updates(ctx context.Context) <-chan tgbotapi.Update
	SetWebhook(url, secret string) error
	DeleteWebhook() error
}

var (
	loadDotEnv         = godotenv.Load
	loadConfig         = config.Load
	openStore          = storage.Open
	newBotClient       = func(token string) (botClient, error) { return telegram.NewClient(token) }
	newDispatcher      = dispatcher.New
	newWebHandler      = web.NewHandler
	defaultListenServe = listenAndServe
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "studybuddy",
		Short:         "StudyBuddy - a Telegram bot for personal study tasks",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), defaultListenServe)
		},
	}
	root.AddCommand(serveCmd())
	root.AddCommand(dbcheckCmd())
	root.AddCommand(tokenCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the workers and the admin HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), defaultListenServe)
		},
	}
}

func dbcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dbcheck",
		Short: "Verify the database connection and create the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.DatabaseDriver, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			users, err := store.CountUsers(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database ok (%s), %d registered users\n", store.Driver(), users)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var adminID int64
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			if !cfg.IsAdmin(adminID) {
				return fmt.Errorf("telegram id %d is not listed in ADMINS", adminID)
			}
			token, err := web.IssueToken(cfg.AdminAPISecret, adminID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&adminID, "admin", 0, "telegram id of the administrator")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("admin")
	return cmd
}

// setup loads .env and the configuration and installs the global logger.
func setup() (*config.Config, error) {
	// Load .env file (ignore error if file doesn't exist)
	_ = loadDotEnv()

	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

// lateQueue lets components that enqueue work be built before the dispatcher
// that executes it.
type lateQueue struct {
	d *dispatcher.Dispatcher
}

func (q *lateQueue) Enqueue(job *dispatcher.Job) error {
	if q.d == nil {
		return dispatcher.ErrQueueClosed
	}
	return q.d.Enqueue(job)
}

func run(ctx context.Context, serve func(context.Context, string, http.Handler) error) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	logger := zap.L().Named("main")
	defer logger.Sync()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.Info("starting studybuddy",
		zap.String("version", Version),
		zap.Int("port", cfg.Port),
		zap.String("update_mode", cfg.UpdateMode),
		zap.String("database", cfg.DatabaseDriver),
		zap.String("timezone", cfg.Timezone),
		zap.Int("admins", len(cfg.Admins)))
	logger.Info("dispatcher settings",
		zap.Int("workers", cfg.DispatcherWorkers),
		zap.Int("queue_size", cfg.DispatcherQueueSize),
		zap.Int("max_attempts", cfg.DispatcherMaxAttempts))

	store, err := openStore(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	client, err := newBotClient(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("failed to initialize telegram client: %w", err)
	}
	logger.Info("authorized on telegram", zap.String("username", client.Username()))

	queue := &lateQueue{}
	dialogs := dialog.NewStore(cfg.DialogTTL)

	broadcasts := broadcast.NewService(store, client, queue, broadcast.Config{
		BatchSize:  cfg.BroadcastBatchSize,
		BatchDelay: cfg.BroadcastBatchDelay,
	})
	reminders := reminder.NewService(store, client, cfg.Location)

	botHandler := bot.NewHandler(store, client, dialogs).
		WithBroadcaster(broadcasts).
		WithAdmins(cfg.IsAdmin).
		WithLocation(cfg.Location).
		WithPageSize(cfg.UsersPageSize).
		WithUsername(client.Username())

	exec := executor.New(botHandler, broadcasts, reminders)

	// Initialize dispatcher (job queue with retries)
	dispatcherConfig := dispatcher.Config{
		Workers:           cfg.DispatcherWorkers,
		QueueSize:         cfg.DispatcherQueueSize,
		MaxAttempts:       cfg.DispatcherMaxAttempts,
		InitialBackoff:    cfg.DispatcherRetryInitial,
		BackoffMultiplier: cfg.DispatcherBackoffMultiplier,
		MaxBackoff:        cfg.DispatcherRetryMax,
	}
	jobDispatcher := newDispatcher(exec, dispatcherConfig)
	queue.d = jobDispatcher
	defer func() {
		// stop intake and the scheduler before draining the queue
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		jobDispatcher.Shutdown(shutdownCtx)
	}()

	if n, err := broadcasts.ResumeUnfinished(ctx); err != nil {
		logger.Error("failed to resume broadcasts", zap.Error(err))
	} else if n > 0 {
		logger.Info("resumed unfinished broadcasts", zap.Int("count", n))
	}

	scheduler, err := reminder.NewScheduler(cfg.ReminderSchedule, cfg.Location, queue)
	if err != nil {
		return err
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	go sweepDialogs(ctx, dialogs, time.Minute)

	intake := webhook.NewHandler(cfg.WebhookSecret, queue)

	// Setup router
	r := mux.NewRouter()

	switch cfg.UpdateMode {
	case config.UpdateModeWebhook:
		if cfg.WebhookURL != "" {
			if err := client.SetWebhook(cfg.WebhookURL, cfg.WebhookSecret); err != nil {
				return err
			}
		}
		r.HandleFunc("/webhook", intake.Handle).Methods("POST")
	default:
		if err := client.DeleteWebhook(); err != nil {
			logger.Warn("failed to delete webhook before polling", zap.Error(err))
		}
		go intake.Poll(ctx, client.Updates(ctx))
	}

	if cfg.AdminAPISecret != "" {
		webHandler, err := newWebHandler(store, broadcasts, queue, cfg.AdminAPISecret, cfg.IsAdmin)
		if err != nil {
			return fmt.Errorf("failed to initialize web handler: %w", err)
		}
		webHandler.WithPageSize(cfg.UsersPageSize)
		webHandler.RegisterRoutes(r)
	} else {
		logger.Warn("ADMIN_API_SECRET is not set, admin HTTP API disabled")
	}

	// Health check endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	// Root endpoint with info
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"service":"studybuddy","status":"running","mode":%q,"bot":%q}`, cfg.UpdateMode, client.Username())
	}).Methods("GET")

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("server listening", zap.String("addr", addr))

	if err := serve(ctx, addr, r); err != nil {
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

func sweepDialogs(ctx context.Context, dialogs *dialog.Store, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := dialogs.Sweep(); n > 0 {
				zap.L().Named("dialog").Debug("expired forms removed", zap.Int("count", n))
			}
		}
	}
}

// listenAndServe serves until ctx is cancelled, then drains connections.
func listenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
