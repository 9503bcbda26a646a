package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/fieldsync/internal/bridge"
	"github.com/agentworkforce/fieldsync/internal/localstore"
	"github.com/agentworkforce/fieldsync/internal/offline"
	"github.com/agentworkforce/fieldsync/internal/syncagent"
)

type agentConfig struct {
	Server              string
	Token               string
	Store               string
	Listen              string
	AllowedOrigins      []string
	SpoolDir            string
	Interval            time.Duration
	ProbeTimeout        time.Duration
	RequestTimeout      time.Duration
	Retention           time.Duration
	MaxNotFoundAttempts int
	CompressThreshold   int
	BatchSize           int
	Refresh             []string
	LogLevel            string
	LogFormat           string
	LogFile             string
}

func loadConfig(v *viper.Viper) (agentConfig, error) {
	cfg := agentConfig{
		Server:              strings.TrimSpace(v.GetString(keyServer)),
		Token:               strings.TrimSpace(v.GetString(keyToken)),
		Store:               strings.TrimSpace(v.GetString(keyStore)),
		Listen:              strings.TrimSpace(v.GetString(keyListen)),
		AllowedOrigins:      v.GetStringSlice(keyAllowedOrigins),
		SpoolDir:            strings.TrimSpace(v.GetString(keySpoolDir)),
		Interval:            v.GetDuration(keyInterval),
		ProbeTimeout:        v.GetDuration(keyProbeTimeout),
		RequestTimeout:      v.GetDuration(keyRequestTimeout),
		Retention:           v.GetDuration(keyRetention),
		MaxNotFoundAttempts: v.GetInt(keyMaxNotFoundAttempts),
		CompressThreshold:   v.GetInt(keyCompressThreshold),
		BatchSize:           v.GetInt(keyBatchSize),
		Refresh:             v.GetStringSlice(keyRefresh),
		LogLevel:            v.GetString(keyLogLevel),
		LogFormat:           v.GetString(keyLogFormat),
		LogFile:             v.GetString(keyLogFile),
	}
	if cfg.Store == "" {
		return agentConfig{}, errors.New("store is required (--store or FIELDSYNC_AGENT_STORE)")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = syncagent.DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = syncagent.DefaultProbeTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = offline.DefaultRetention
	}
	return cfg, nil
}

// agent wires the local store, queue, cache, scheduler and bridge together.
type agent struct {
	cfg       agentConfig
	logger    *slog.Logger
	store     localstore.Store
	hub       *offline.Hub
	queue     *offline.Queue
	cache     *offline.Cache
	scheduler *syncagent.Scheduler
	bridge    *bridge.Bridge
}

func openAgent(cfg agentConfig, logger *slog.Logger) (*agent, error) {
	store, err := localstore.BuildStoreFromDSN(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	hub := offline.NewHub()
	queue := offline.NewQueue(store, offline.QueueOptions{Hub: hub, MaxNotFoundAttempts: cfg.MaxNotFoundAttempts})
	cache := offline.NewCache(store, hub)

	client := syncagent.NewHTTPClient(cfg.Server, cfg.Token, &http.Client{Timeout: cfg.RequestTimeout})
	if cfg.CompressThreshold != 0 {
		client.SetCompressThreshold(cfg.CompressThreshold)
	}
	scheduler := syncagent.NewScheduler(queue, cache, client, syncagent.NewProber(client, cfg.ProbeTimeout), syncagent.SchedulerOptions{
		Interval:           cfg.Interval,
		Retention:          cfg.Retention,
		BatchSize:          cfg.BatchSize,
		RefreshCollections: cfg.Refresh,
		Hub:                hub,
		Logger:             logger,
	})
	return &agent{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		hub:       hub,
		queue:     queue,
		cache:     cache,
		scheduler: scheduler,
		bridge:    bridge.New(queue, cache, scheduler, hub, bridge.Options{Logger: logger}),
	}, nil
}

func (a *agent) Close() error {
	return a.store.Close()
}

// run serves the UI feed and spool directory while the scheduler flushes in
// the background. The first component to fail stops the others. Once all have
// stopped, one last bounded flush is made.
func (a *agent) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.bridge.Run(gctx) })

	if a.cfg.Listen != "" {
		srv := &http.Server{
			Addr:              a.cfg.Listen,
			Handler:           bridge.NewFeedServer(a.bridge, a.logger, a.cfg.AllowedOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			a.logger.Info("ui feed listening", "addr", a.cfg.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("ui feed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if a.cfg.SpoolDir != "" {
		watcher := bridge.NewSpoolWatcher(a.cfg.SpoolDir, a.bridge, a.logger)
		g.Go(func() error { return watcher.Run(gctx) })
	}

	runErr := g.Wait()
	a.unload()
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}

// unload makes the shutdown flush, waiting for a flush started from a feed
// connection to finish first.
func (a *agent) unload() {
	deadline := time.Now().Add(bridge.DefaultUnloadTimeout)
	for {
		result, err := a.bridge.Unload(context.Background())
		switch {
		case err == nil:
			a.logger.Info("unload flush finished", "synced", result.Synced, "failed", result.Failed)
			return
		case errors.Is(err, syncagent.ErrFlushInProgress) && time.Now().Before(deadline):
			time.Sleep(50 * time.Millisecond)
			continue
		case errors.Is(err, syncagent.ErrUnreachable):
			a.logger.Info("unload flush skipped, server unreachable")
		default:
			a.logger.Warn("unload flush incomplete", "error", err)
		}
		return
	}
}
