// The demo runs a small loan office: an HTTP API in front of the
// loan-application workflow. Applications survive process restarts; kill the
// server mid-application, start it again and the workflow picks up where it
// left off.
//
// By default state lives in a local SQLite file. Set DATABASE_URL to run on
// Postgres instead:
//
//	DATABASE_URL=postgres://localhost/loans go run ./demo
//
// Try it:
//
//	curl -X POST localhost:8081/api/loans -d '{"applicant_name":"dana","amount":30000,"purpose":"solar panels"}'
//	curl -X POST localhost:8081/api/loans/{id}/documents -d '{"document_type":"identity","document_id":"ID-99812"}'
//	curl -X POST localhost:8081/api/loans/{id}/documents -d '{"document_type":"income","document_id":"PAY-2214"}'
//	curl -X POST localhost:8081/api/loans/{id}/approve -d '{"approver_role":"branch-manager","approved":true}'
//	curl localhost:8081/api/loans/{id}/result
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nvcnvn/rewind"
	"github.com/nvcnvn/rewind/pgstore"
	"github.com/nvcnvn/rewind/sqlitestore"
)

type demoConfig struct {
	Addr        string `env:"DEMO_ADDR" envDefault:":8081"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"loan-demo.db"`
	Debug       bool   `env:"DEMO_DEBUG" envDefault:"true"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := env.ParseAs[demoConfig]()
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(newConsoleHandler(os.Stderr, level))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	registry := rewind.NewRegistry(nil)
	rewind.RegisterWorkflow(registry, LoanApplication)
	rewind.RegisterActivity(registry, CheckCreditScore)
	rewind.RegisterActivity(registry, VerifyDocument)
	rewind.RegisterActivity(registry, UnderwriterApproval)
	rewind.RegisterActivity(registry, DisburseLoan)

	workerCfg, err := rewind.WorkerConfigFromEnv()
	if err != nil {
		return fmt.Errorf("parse worker config: %w", err)
	}
	worker := rewind.NewWorker(backend, registry, workerCfg, rewind.WithLogger(logger))
	go func() {
		// The worker outlives the signal context; Stop drains it after the
		// HTTP server finished its own shutdown.
		if err := worker.Run(context.Background()); err != nil {
			logger.Error("worker stopped", "error", err)
		}
	}()

	srv := &Server{
		client: rewind.Client{Backend: backend, Logger: logger},
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/loans", srv.handleCreateLoan)
	mux.HandleFunc("GET /api/loans/{id}", srv.handleGetLoan)
	mux.HandleFunc("GET /api/loans/{id}/result", srv.handleGetResult)
	mux.HandleFunc("POST /api/loans/{id}/documents", srv.handleSubmitDocument)
	mux.HandleFunc("POST /api/loans/{id}/approve", srv.handleApprove)
	mux.HandleFunc("DELETE /api/loans/{id}", srv.handleCancelLoan)
	mux.HandleFunc("GET /health", srv.handleHealth)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           loggingMiddleware(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("loan office open", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	worker.Stop()
	logger.Info("goodbye")
	return nil
}

// openBackend picks Postgres when DATABASE_URL is set, a local SQLite file
// otherwise. Both apply their schema on startup.
func openBackend(ctx context.Context, cfg demoConfig) (rewind.Backend, func(), error) {
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if _, err := pool.Exec(ctx, pgstore.SchemaSQLFor(pgstore.DefaultSchema)); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("apply schema: %w", err)
		}
		return pgstore.NewStore(pool, pgstore.Config{}), pool.Close, nil
	}

	store, err := sqlitestore.Open(cfg.SQLitePath, sqlitestore.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, func() { store.Close() }, nil
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("request",
			"method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
