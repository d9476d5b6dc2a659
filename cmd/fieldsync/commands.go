package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/app"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/backend"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/syncengine"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newAgentCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the background sync loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, agent *app.App) error {
				agent.Logger.Info("sync agent starting",
					zap.String("remote", agent.Config.RemoteBaseURL),
					zap.String("mode", agent.Config.SyncMode),
					zap.Duration("interval", agent.Config.SyncInterval))
				err := agent.Run(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				agent.Logger.Info("sync agent stopped")
				return nil
			})
		},
	}
}

func newFlushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Replay every eligible queued mutation once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, agent *app.App) error {
				result, err := agent.SyncNow(ctx)
				if err != nil {
					return err
				}
				printPassResult(cmd.OutOrStdout(), result)
				return nil
			})
		},
	}
}

func newQueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "List queued mutations that have not completed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, agent *app.App) error {
				mutations, counts, err := agent.QueueSummary(ctx)
				if err != nil {
					return err
				}
				return printQueue(cmd.OutOrStdout(), mutations, counts)
			})
		},
	}
}

func newRetryCommand() *cobra.Command {
	var skipFlush bool
	cmd := &cobra.Command{
		Use:   "retry <mutation-id>",
		Short: "Move a failed mutation back to pending and flush",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, agent *app.App) error {
				if err := agent.Engine.Requeue(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
				if skipFlush {
					return nil
				}
				result, err := agent.SyncNow(ctx)
				if err != nil {
					return err
				}
				printPassResult(cmd.OutOrStdout(), result)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&skipFlush, "no-flush", false, "Only requeue; leave replay to the running agent")
	return cmd
}

func newTemplatesCommand() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "templates <name>",
		Short: "Print a cached template table, optionally refreshing it from the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, agent *app.App) error {
				if refresh && agent.Monitor.Check(ctx) {
					if _, err := agent.Templates.Refresh(ctx, args[0]); err != nil {
						return err
					}
				}
				rows, err := agent.Templates.Get(ctx, args[0])
				if err != nil {
					return err
				}
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(rows)
			})
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "Fetch the table from the backend before printing")
	return cmd
}

func newServeBackendCommand() *cobra.Command {
	var (
		seedFile       string
		allowedOrigins []string
	)
	cmd := &cobra.Command{
		Use:   "serve-backend",
		Short: "Serve the reference table backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackend(cmd.Context(), seedFile, allowedOrigins)
		},
	}
	cmd.Flags().StringVar(&seedFile, "seed", "", "JSON file of {\"table\": [rows]} loaded before serving")
	cmd.Flags().StringSliceVar(&allowedOrigins, "allowed-origin", nil, "CORS origin to allow (repeatable, default all)")
	return cmd
}

func runBackend(ctx context.Context, seedFile string, allowedOrigins []string) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := backend.Open(appConfig.BackendDatabasePath, logger)
	if err != nil {
		logger.Error("failed to open backend database", zap.Error(err))
		return err
	}
	repository, err := backend.NewRepository(backend.RepositoryConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	if seedFile != "" {
		if err := seedBackend(ctx, repository, seedFile); err != nil {
			logger.Error("failed to seed backend", zap.String("path", seedFile), zap.Error(err))
			return err
		}
	}

	handler, err := backend.NewHTTPHandler(backend.Dependencies{
		Repository:     repository,
		AllowedOrigins: allowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              appConfig.BackendAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("backend listening", zap.String("address", appConfig.BackendAddress))
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
			return err
		}
		logger.Info("backend stopped")
		return nil
	case err := <-errCh:
		if err != nil {
			logger.Error("backend server failed", zap.Error(err))
		}
		return err
	}
}

func seedBackend(ctx context.Context, repository *backend.Repository, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var tables map[string][]backend.Row
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&tables); err != nil {
		return fmt.Errorf("decode seed file: %w", err)
	}
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := repository.Seed(ctx, name, tables[name]); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
	}
	return nil
}

func printPassResult(out io.Writer, result syncengine.PassResult) {
	switch {
	case result.Offline:
		fmt.Fprintln(out, "backend unreachable; queue left untouched")
	case result.Coalesced:
		fmt.Fprintln(out, "a pass was already running; it will pick up the queue")
	default:
		fmt.Fprintf(out, "attempted=%d completed=%d failed=%d blocked=%d\n",
			result.Attempted, result.Completed, result.Failed, result.Blocked)
	}
}

func printQueue(out io.Writer, mutations []store.PendingMutation, counts map[store.MutationStatus]int64) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tSTATUS\tTYPE\tENTITY\tKEY\tATTEMPTS\tLAST ERROR")
	for _, mutation := range mutations {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			mutation.ID, mutation.Status, mutation.Type, mutation.EntityType, mutation.EntityKey,
			mutation.Attempts, mutation.LastError)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\npending=%d in_flight=%d failed=%d done=%d\n",
		counts[store.StatusPending], counts[store.StatusInFlight], counts[store.StatusFailed], counts[store.StatusDone])
	return nil
}
