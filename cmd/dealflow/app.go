package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MikeSquared-Agency/dealflow/internal/anthropic"
	"github.com/MikeSquared-Agency/dealflow/internal/config"
	"github.com/MikeSquared-Agency/dealflow/internal/crm"
	"github.com/MikeSquared-Agency/dealflow/internal/drive"
	"github.com/MikeSquared-Agency/dealflow/internal/extractor"
	"github.com/MikeSquared-Agency/dealflow/internal/hermes"
	"github.com/MikeSquared-Agency/dealflow/internal/mailer"
	"github.com/MikeSquared-Agency/dealflow/internal/metrics"
	"github.com/MikeSquared-Agency/dealflow/internal/processor"
	"github.com/MikeSquared-Agency/dealflow/internal/reconcile"
	"github.com/MikeSquared-Agency/dealflow/internal/retry"
	"github.com/MikeSquared-Agency/dealflow/internal/slack"
	"github.com/MikeSquared-Agency/dealflow/internal/store"
	"github.com/MikeSquared-Agency/dealflow/internal/tracker"
)

// app holds everything a command needs. Close releases it in reverse order.
type app struct {
	proc         *processor.Processor
	metrics      *metrics.Metrics
	hermes       *hermes.Client
	slackEnabled bool
	closers      []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg config.Config) (*app, error) {
	logger := slog.Default()
	a := &app{}

	tr, err := openTracker(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, tr.close)

	httpClient, err := googleHTTPClient(ctx, cfg.GoogleCredentialsPath, cfg.GoogleTokenPath)
	if err != nil {
		a.Close()
		return nil, err
	}
	driveSvc, gmailSvc, err := googleServices(ctx, httpClient)
	if err != nil {
		a.Close()
		return nil, err
	}

	source := drive.NewSource(driveSvc, tr, logger)
	llm := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	ext := extractor.New(llm, extractor.DefaultOptions(cfg.MaxDocumentChars, cfg.LLMMaxRetries, cfg.LLMRequestsPerMinute, cfg.FromEmail), logger)
	affinity := crm.NewAffinity(cfg.AffinityAPIKey, cfg.AffinityPipelineID, cfg.AffinityBaseURL, logger)
	rec := reconcile.New(affinity, cfg.MatchSimilarity, logger)
	mail := mailer.New(gmailSvc, cfg.FromEmail, cfg.FromName, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(reg)

	deps := processor.Deps{
		Source:     source,
		Extractor:  ext,
		Reconciler: rec,
		Drafter:    mail,
		Tracker:    tr,
		Metrics:    a.metrics,
		Checks: []processor.Check{
			{Name: "anthropic", Ping: llm.Ping},
			{Name: "affinity", Ping: affinity.Ping},
			{Name: "gmail", Ping: mail.Ping},
		},
	}

	if cfg.NatsURL != "" {
		hc, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.hermes = hc
		a.closers = append(a.closers, hc.Close)
		deps.Events = hc
		slog.Info("NATS connected", "url", cfg.NatsURL)
	}

	// Slack is optional; without it ambiguous documents are only logged.
	if cfg.SlackBotToken != "" && cfg.SlackChannel != "" {
		deps.Reviews = slack.NewPoster(cfg.SlackBotToken, cfg.SlackChannel, logger)
		a.slackEnabled = true
		slog.Info("slack poster ready", "channel", cfg.SlackChannel)
	}

	a.proc = processor.New(deps, processor.Options{
		FolderID: cfg.DriveFolderID,
		Interval: cfg.CheckInterval,
		CRMRetry: retry.Policy{
			MaxAttempts:  cfg.CRMMaxRetries + 1,
			InitialDelay: 2 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
	}, logger)
	return a, nil
}

type processedTracker struct {
	tracker.Tracker
	close func()
}

// openTracker uses Postgres when DATABASE_URL is set and the JSON-lines file otherwise.
func openTracker(ctx context.Context, cfg config.Config, logger *slog.Logger) (*processedTracker, error) {
	if cfg.DatabaseURL == "" {
		f, err := tracker.OpenFile(cfg.ProcessedDocsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("open processed docs file: %w", err)
		}
		logger.Info("tracker ready", "backend", "file", "path", cfg.ProcessedDocsFile)
		return &processedTracker{Tracker: f, close: func() { f.Close() }}, nil
	}

	version, err := store.Migrate(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	logger.Info("tracker ready", "backend", "postgres", "schema_version", version)
	return &processedTracker{Tracker: db, close: db.Close}, nil
}
