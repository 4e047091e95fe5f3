package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/mohammad-safakhou/opentask/config"
	"github.com/mohammad-safakhou/opentask/internal/agent"
	"github.com/mohammad-safakhou/opentask/internal/archive"
	"github.com/mohammad-safakhou/opentask/internal/blob"
	"github.com/mohammad-safakhou/opentask/internal/hub"
	"github.com/mohammad-safakhou/opentask/internal/identify"
	"github.com/mohammad-safakhou/opentask/internal/orchestrator"
	"github.com/mohammad-safakhou/opentask/internal/queue/streams"
	"github.com/mohammad-safakhou/opentask/internal/retry"
	"github.com/mohammad-safakhou/opentask/internal/runtime"
	"github.com/mohammad-safakhou/opentask/internal/search"
	"github.com/mohammad-safakhou/opentask/internal/store"
	"github.com/mohammad-safakhou/opentask/internal/summarize"
	"github.com/mohammad-safakhou/opentask/internal/watch"
	openai_provider "github.com/mohammad-safakhou/opentask/provider/openai"
	"github.com/redis/go-redis/v9"
)

// app is the fully wired service shared by serve and run.
type app struct {
	cfg        *config.Config
	telemetry  *runtime.Telemetry
	metrics    *runtime.Metrics
	store      *store.Store
	hub        *hub.Hub
	summarizer *summarize.Summarizer
	search     *search.Index
	writes     *watch.Tracker
	orch       *orchestrator.Orchestrator
	closers    []func()
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Agent.Validate(); err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	tel, meter, _, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceName: "opentask", ServiceVersion: version})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = tel
	a.closers = append(a.closers, func() { _ = tel.Shutdown(context.Background()) })
	a.metrics = runtime.NewMetrics(meter)

	if a.store, err = buildStore(ctx, cfg, a.metrics); err != nil {
		return nil, err
	}

	var mirror hub.Mirror
	if cfg.Storage.Redis.Enabled() {
		rdb := redis.NewClient(runtime.RedisOptions(cfg.Storage.Redis))
		if err := rdb.Ping(ctx).Err(); err != nil {
			newLogger("HUB").Printf("redis unavailable, task events stay in process: %v", err)
			_ = rdb.Close()
		} else {
			a.closers = append(a.closers, func() { _ = rdb.Close() })
			mirror = streams.NewTaskEvents(rdb, cfg.Storage.Redis.Stream, cfg.Storage.Redis.MaxLen, cfg.Storage.Redis.Retention)
		}
	}
	a.hub = hub.New(hub.Options{
		Backlog:      cfg.Hub.Backlog,
		SeenLimit:    cfg.Hub.SeenLimit,
		MirrorBuffer: cfg.Hub.Buffer,
		Mirror:       mirror,
		Logger:       newLogger("HUB"),
		OnDrop:       a.metrics.HubDropped,
	})
	// closed before the redis client so queued mirror writes drain first
	a.closers = append(a.closers, a.hub.Close)

	blobs, err := buildBlobs(ctx, cfg.Storage.Blob)
	if err != nil {
		return nil, err
	}

	llm := openai_provider.NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout)
	if !llm.Configured() {
		log.Printf("no language service key configured; summaries and semantic file discovery are disabled")
	}
	policy := retry.Policy{Attempts: cfg.Pipeline.RetryAttempts, Backoff: cfg.Pipeline.RetryBackoff}

	if err := os.MkdirAll(cfg.Agent.Workdir, 0o755); err != nil {
		return nil, fmt.Errorf("agent workdir: %w", err)
	}
	var exclude []string
	if cfg.Storage.Blob.Driver == "file" {
		exclude = append(exclude, cfg.Storage.Blob.File.Dir)
	}
	var recent identify.RecentFiles
	if cfg.Pipeline.UseWriteTracker {
		a.writes, err = watch.New(cfg.Agent.Workdir, identify.SkipFunc(cfg.Agent.Workdir, exclude...), newLogger("WATCH"))
		if err != nil {
			return nil, fmt.Errorf("write tracker: %w", err)
		}
		a.closers = append(a.closers, func() { _ = a.writes.Close() })
		recent = a.writes
	}
	engine := identify.New(identify.Options{
		Workdir:      cfg.Agent.Workdir,
		Client:       llm,
		Window:       cfg.Pipeline.IdentifyWindow,
		RecentWindow: cfg.Pipeline.RecentWindow,
		Retry:        policy,
		Temperature:  cfg.LLM.IdentifyTemperature,
		MaxTokens:    cfg.LLM.IdentifyMaxTokens,
		Recent:       recent,
		Exclude:      exclude,
		Logger:       newLogger("IDENT"),
		OnFound:      a.metrics.FilesIdentified,
	})

	a.summarizer = summarize.New(summarize.Options{
		Client:      llm,
		Threshold:   cfg.Pipeline.SegmentThreshold,
		Retry:       policy,
		MergeRetry:  retry.Policy{Attempts: cfg.Pipeline.MergeAttempts, Backoff: cfg.Pipeline.RetryBackoff},
		Temperature: cfg.LLM.SummaryTemperature,
		MaxTokens:   cfg.LLM.SummaryMaxTokens,
		Logger:      newLogger("SUMM"),
		OnAttempt:   a.metrics.LLMAttempt,
	})

	if cfg.Search.Enabled {
		if a.search, err = search.New(); err != nil {
			return nil, fmt.Errorf("search index: %w", err)
		}
		a.closers = append(a.closers, func() { _ = a.search.Close() })
	}

	runner, err := agent.NewCommand(agent.CommandConfig{
		Command: cfg.Agent.Command,
		Args:    cfg.Agent.Args,
		Workdir: cfg.Agent.Workdir,
		Env:     cfg.Agent.Env,
		UsePTY:  cfg.Agent.UsePTY,
	}, newLogger("AGENT"))
	if err != nil {
		return nil, err
	}

	a.orch = orchestrator.New(orchestrator.Deps{
		Store:            a.store,
		Hub:              a.hub,
		Agent:            runner,
		Identify:         engine,
		Summarizer:       a.summarizer,
		Archiver:         archive.New(blobs, archive.Options{Compress: cfg.Storage.Blob.CompressTranscripts, Logger: newLogger("ARCHIVE")}),
		Search:           a.search,
		Metrics:          a.metrics,
		Logger:           newLogger("ORCH"),
		SegmentThreshold: cfg.Pipeline.SegmentThreshold,
	})
	ok = true
	return a, nil
}

func buildStore(ctx context.Context, cfg *config.Config, metrics *runtime.Metrics) (*store.Store, error) {
	logger := newLogger("STORE")
	if !cfg.Storage.Postgres.Enabled() {
		logger.Printf("no database configured; tasks are kept in memory")
		return store.New(nil, logger), nil
	}
	dsn, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Storage.Postgres.Timeout)
	defer cancel()
	pg, err := store.NewWithDSN(pingCtx, dsn)
	if err != nil {
		if !store.IsConnError(err) && pingCtx.Err() == nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		logger.Printf("postgres unavailable, tasks are kept in memory: %v", err)
		metrics.StoreDegraded(err)
		return store.New(nil, logger), nil
	}
	st := store.New(pg, logger)
	st.OnDegrade = metrics.StoreDegraded
	return st, nil
}

func buildBlobs(ctx context.Context, cfg config.BlobConfig) (blob.Store, error) {
	switch cfg.Driver {
	case "s3":
		return blob.NewS3(ctx, blob.S3Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UseSSL:          cfg.S3.UseSSL,
			URLPrefix:       cfg.URLPrefix,
		})
	default:
		return blob.NewFile(cfg.File.Dir, cfg.URLPrefix)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
