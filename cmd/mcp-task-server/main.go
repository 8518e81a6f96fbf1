package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/cexll/studybuddy/internal/storage"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewProduction()
	zap.ReplaceGlobals(logger)
	defer logger.Sync()
	log := logger.Named("mcp")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal("task server failed", zap.Error(err))
	}
	log.Info("server stopped gracefully")
}

func run(ctx context.Context) error {
	server, store, err := newServer(ctx, os.Getenv)
	if err != nil {
		return err
	}
	defer store.Close()

	zap.L().Named("mcp").Info("starting on stdio transport")
	return server.Run(ctx, &mcp.StdioTransport{})
}

// newServer opens the database and registers the task tools for USER_TELEGRAM_ID.
func newServer(ctx context.Context, getenv func(string) string) (*mcp.Server, *storage.Store, error) {
	rawID := getenv("USER_TELEGRAM_ID")
	if rawID == "" {
		return nil, nil, fmt.Errorf("missing required environment variable: USER_TELEGRAM_ID")
	}
	telegramID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid USER_TELEGRAM_ID: %w", err)
	}

	loc := time.UTC
	if tz := getenv("TIMEZONE"); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, nil, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
		}
	}

	driver := getenv("DATABASE_DRIVER")
	if driver == "" {
		driver = "sqlite3"
	}
	dsn := getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "studybuddy.db"
	}

	store, err := storage.Open(ctx, driver, dsn)
	if err != nil {
		return nil, nil, err
	}
	user, err := store.GetUserByTelegramID(ctx, telegramID)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("user %d has not started the bot yet: %w", telegramID, err)
	}

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "studybuddy-tasks",
		Version: "v1.0.0",
	}, nil)
	newTaskTools(store, user, loc).register(server)

	zap.L().Named("mcp").Info("serving tasks", zap.Int64("telegram_id", telegramID), zap.String("database", driver))
	return server, store, nil
}
