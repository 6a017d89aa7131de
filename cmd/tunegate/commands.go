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

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/felipepmaragno/tunegate/internal/auth"
	"github.com/felipepmaragno/tunegate/internal/config"
	"github.com/felipepmaragno/tunegate/internal/store"
	"github.com/felipepmaragno/tunegate/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, with an in-process job worker unless --no-worker is set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if noWorker && cfg.QueueBackend == config.QueueMemory {
				slog.Warn("--no-worker with the in-memory queue: submitted jobs will wait for a restart")
			}
			return serve(cfg, !noWorker)
		},
	}

	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not consume the job queue in this process")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the job queue and drive tuning jobs to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.QueueBackend == config.QueueMemory {
				slog.Warn("worker with the in-memory queue only sees jobs recovered from the store")
			}
			return work(cfg)
		},
	}
}

func serve(cfg *config.Config, runWorker bool) error {
	slog.Info("starting tunegate", "addr", cfg.Addr, "version", version, "worker", runWorker)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}

	workerDone := make(chan struct{})
	if runWorker {
		go func() {
			defer close(workerDone)
			runOrchestrator(ctx, a)
		}()
	} else {
		close(workerDone)
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      a.handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.InferenceTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		slog.Error("server error", "error", err)
		stop()
	}

	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	<-workerDone
	a.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}

	slog.Info("server stopped")
	return err
}

func work(cfg *config.Config) error {
	slog.Info("starting tunegate worker", "version", version, "concurrency", cfg.WorkerConcurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, version, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}

	// The worker only exposes liveness and metrics.
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health/live", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	runOrchestrator(ctx, a)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	srv.Shutdown(shutdownCtx)
	a.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}

	slog.Info("worker stopped")
	return nil
}

// runOrchestrator resumes interrupted jobs and consumes the queue until ctx is done.
func runOrchestrator(ctx context.Context, a *app) {
	if n, err := a.orch.Recover(ctx); err != nil {
		slog.Error("recover jobs", "error", err)
	} else if n > 0 {
		slog.Info("resumed jobs", "count", n)
	}

	if err := a.orch.Run(ctx); err != nil {
		slog.Error("orchestrator stopped", "error", err)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("migrate requires DATABASE_URL")
			}

			db, err := openDB(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			slog.Info("schema applied")
			return nil
		},
	}
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}

	var ownerID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for an owner and print it once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("apikey create requires DATABASE_URL")
			}

			_, st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			key, err := auth.IssueAPIKey(cmd.Context(), st, ownerID, name)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "API key: %s\nKey hash: %s\n", key.Key, key.KeyHash)
			fmt.Fprintln(cmd.ErrOrStderr(), "Store the key now; it cannot be shown again.")
			return nil
		},
	}
	create.Flags().StringVar(&ownerID, "owner", "", "owner (user id) the key acts for")
	create.Flags().StringVar(&name, "name", "", "label for the key")
	create.MarkFlagRequired("owner")

	cmd.AddCommand(create)
	return cmd
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage operator accounts for the admin API",
	}

	var username, role string
	addUser := &cobra.Command{
		Use:   "add-user",
		Short: "Create or update an operator; the password is read from TUNEGATE_ADMIN_PASSWORD",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("admin add-user requires DATABASE_URL")
			}

			r := auth.Role(role)
			if !r.Valid() {
				return fmt.Errorf("unknown role %q", role)
			}
			password := os.Getenv("TUNEGATE_ADMIN_PASSWORD")
			if password == "" {
				return errors.New("TUNEGATE_ADMIN_PASSWORD is empty")
			}

			db, err := openDB(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			err = auth.NewPostgresAdminUserRepository(db).Create(cmd.Context(), &auth.AdminUser{
				ID:           uuid.NewString(),
				Username:     username,
				PasswordHash: hash,
				Role:         r,
				Enabled:      true,
				CreatedAt:    now,
				UpdatedAt:    now,
			})
			if err != nil {
				return err
			}

			slog.Info("admin user saved", "username", username, "role", role)
			return nil
		},
	}
	addUser.Flags().StringVar(&username, "username", "", "operator login")
	addUser.Flags().StringVar(&role, "role", string(auth.RoleOperator), "admin, operator or viewer")
	addUser.MarkFlagRequired("username")

	cmd.AddCommand(addUser)
	return cmd
}
