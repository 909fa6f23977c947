package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/dealflow/internal/api"
	"github.com/MikeSquared-Agency/dealflow/internal/config"
	"github.com/MikeSquared-Agency/dealflow/internal/hermes"
)

var (
	cfgFile string
	cfg     config.Config
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dealflow",
		Short:         "Turn meeting notes into CRM deals and follow-up drafts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				os.Setenv("DEALFLOW_CONFIG", cfgFile)
			}
			var err error
			cfg, err = config.Load()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel)
			if err := cfg.Validate(); err != nil {
				slog.Error("invalid configuration", "error", err)
				return err
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file (overrides DEALFLOW_CONFIG)")

	root.AddCommand(
		testCmd(),
		runOnceCmd(),
		runCmd(),
		previewCmd(),
		reprocessCmd(),
	)
	return root
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Check connectivity to Drive, Anthropic, Affinity and Gmail",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			results := a.proc.TestConnections(cmd.Context())
			names := make([]string, 0, len(results))
			for name := range results {
				names = append(names, name)
			}
			sort.Strings(names)

			failed := 0
			for _, name := range names {
				if err := results[name]; err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s FAIL  %v\n", name, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s OK\n", name)
			}
			if failed > 0 {
				return fmt.Errorf("%d connection checks failed", failed)
			}
			return nil
		},
	}
}

func runOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Process every new document once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.proc.RunOnce(ctx)
			printJSON(cmd, summary)
			return err
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the folder on a schedule and serve the status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.hermes != nil {
				if err := a.hermes.Subscribe(hermes.SubjectReprocess, a.proc.HandleReprocessRequest); err != nil {
					return fmt.Errorf("subscribe reprocess requests: %w", err)
				}
				if a.slackEnabled {
					if err := a.hermes.Subscribe(hermes.SubjectSlackReaction, a.proc.HandleReaction); err != nil {
						return fmt.Errorf("subscribe slack reactions: %w", err)
					}
				}
			}

			srv := api.NewServer(cfg.Port, cfg.APIToken, a.proc, a.metrics.Handler())
			go func() {
				if err := srv.Start(); err != nil {
					slog.Error("HTTP server error", "error", err)
				}
			}()

			slog.Info("dealflow ready", "port", cfg.Port, "interval", cfg.CheckInterval.String())
			runErr := a.proc.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("HTTP shutdown", "error", err)
			}
			slog.Info("dealflow stopped")
			return runErr
		},
	}
}

func previewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <document-id>",
		Short: "Extract one document and render its follow-up without writing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.proc.Preview(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJSON(cmd, p)
			return nil
		},
	}
}

func reprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <document-id>",
		Short: "Forget a processed document and run it through the pipeline again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.proc.Reprocess(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJSON(cmd, res)
			if res.Deferred {
				return fmt.Errorf("document deferred: %s", res.Detail)
			}
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
