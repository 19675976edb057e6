// Command worker is the scheduler/worker entrypoint: it polls the
// processing queue for the oldest pending episode, drives it through the
// orchestrator's per-episode pipeline one at a time (the single processing
// slot), periodically resets eligible failed entries, and sweeps retained
// episodes past their retention window. Ticker-driven background loops
// with signal-based graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"podscrub/internal/classifier"
	"podscrub/internal/config"
	"podscrub/internal/llm"
	"podscrub/internal/orchestrator"
	"podscrub/internal/queue"
	"podscrub/internal/refresh"
	"podscrub/internal/sponsor"
	"podscrub/internal/state"
	"podscrub/internal/status"
	"podscrub/internal/storage"
	"podscrub/internal/transcribe"
)

func main() {
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	slog.SetDefault(slog.New(jsonHandler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received signal, shutting down gracefully", "signal", sig)
		cancel()
	}()

	cfg := config.Default()

	store, err := state.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect to state store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.MigrateDefaults(ctx, defaultSettings(cfg)); err != nil {
		slog.Error("failed to migrate default settings", "error", err)
		os.Exit(1)
	}

	jobQueue, err := queue.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to connect to processing queue", "error", err)
		os.Exit(1)
	}
	defer jobQueue.Close()

	artifactStore, err := storage.NewStorage(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize storage backend", "error", err)
		os.Exit(1)
	}

	sponsors := sponsor.New(store)
	if err := sponsors.SeedInitialData(); err != nil {
		slog.Error("failed to seed sponsor registry", "error", err)
		os.Exit(1)
	}

	llmClient := llm.NewFromEnv(cfg.LLMProvider, cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel)
	tokenTracker := llm.NewTokenTracker()
	adClassifier := classifier.New(llmClient, tokenTracker, cfg.LLMModel).
		WithSponsorRegistry(sponsors).
		WithTimeout(time.Duration(cfg.LLMRequestTimeoutS) * time.Second)

	transcriber := transcribe.NewClient(cfg.TranscriptionEndpoint)
	downloader := transcribe.NewDownloader(cfg.MaxDownloadBytes, cfg.DownloadDir)

	statusBus := status.New()

	deps := orchestrator.Dependencies{
		State:       store,
		Queue:       jobQueue,
		Status:      statusBus,
		Downloader:  downloader,
		Transcriber: transcriber,
		Classifier:  adClassifier,
		Storage:     artifactStore,
		Config:      cfg,
		Sponsor:     sponsors,
		Tokens:      tokenTracker,
	}
	pipeline := orchestrator.New(deps, cfg.WorkDir)

	slog.Info("worker started",
		"llm_provider", llmClient.ProviderName(),
		"storage_backend", cfg.StorageBackend,
		"scheduler_poll_seconds", cfg.SchedulerPollSeconds)

	refresher := refresh.New(store, jobQueue, statusBus, refresh.NewHTTPSource(), nil)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		runSchedulerLoop(ctx, cfg, store, jobQueue, pipeline, statusBus)
	}()
	go func() {
		defer wg.Done()
		runRefreshLoop(ctx, cfg, refresher)
	}()
	go func() {
		defer wg.Done()
		runCleanupLoop(ctx, cfg, store)
	}()

	wg.Wait()
	slog.Info("worker stopped")
}

// runSchedulerLoop resets eligible failed entries, then pops and runs the
// oldest queued episode through the pipeline, one at a time. Each run blocks
// the loop for its duration since the processing slot only ever admits one
// episode anyway; there is no value in polling faster than that.
func runSchedulerLoop(ctx context.Context, cfg *config.Config, store *state.Store, jobQueue *queue.Queue, pipeline *orchestrator.Orchestrator, statusBus *status.Bus) {
	ticker := time.NewTicker(time.Duration(cfg.SchedulerPollSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reset, err := jobQueue.ResetFailedQueueItems(ctx, store, cfg.MaxRetries, cfg.MaxQueueAgeHours); err != nil {
				slog.Error("failed to reset eligible failed queue entries", "error", err)
			} else if reset > 0 {
				slog.Info("reset failed queue entries", "count", reset)
			}

			if err := publishQueueSnapshot(ctx, jobQueue, statusBus); err != nil {
				slog.Warn("failed to refresh queue status snapshot", "error", err)
			}

			entry, ok, err := jobQueue.GetNext(ctx)
			if err != nil {
				slog.Error("failed to pop next queue entry", "error", err)
				continue
			}
			if !ok {
				continue
			}

			podcastName := entry.PodcastSlug
			description := ""
			if p, found, err := store.GetPodcast(ctx, entry.PodcastSlug); err == nil && found {
				podcastName = p.Title
				description = p.Description
			}

			runErr := pipeline.ProcessEpisode(ctx, entry.PodcastSlug, entry.EpisodeID, entry.OriginalURL, entry.Title, podcastName, description)
			if runErr != nil {
				if runErr == queue.ErrSlotHeld {
					// Another run already holds the slot; GetNext already
					// removed this entry from the queued set, so put it back
					// to be retried on the next tick instead of losing it.
					if err := jobQueue.Enqueue(ctx, entry.PodcastSlug, entry.EpisodeID, entry.OriginalURL, entry.Title); err != nil {
						slog.Error("failed to re-enqueue episode after busy slot", "error", err)
					}
					continue
				}
				slog.Error("episode processing failed", "slug", entry.PodcastSlug, "episode_id", entry.EpisodeID, "error", runErr)
				if err := jobQueue.MarkFailed(ctx, entry.PodcastSlug, entry.EpisodeID); err != nil {
					slog.Error("failed to record queue entry failure", "error", err)
				}
				continue
			}

			if err := jobQueue.MarkDone(ctx, entry.PodcastSlug, entry.EpisodeID); err != nil {
				slog.Error("failed to mark queue entry done", "error", err)
			}
		}
	}
}

// runRefreshLoop conditional-fetches every subscribed feed on the refresh
// interval and enqueues new episodes. It never touches the processing slot.
func runRefreshLoop(ctx context.Context, cfg *config.Config, refresher *refresh.Refresher) {
	ticker := time.NewTicker(time.Duration(cfg.RefreshIntervalMins) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresher.RefreshAll(ctx)
		}
	}
}

// runCleanupLoop periodically sweeps episodes past the configured retention
// window, independent of the processing slot.
func runCleanupLoop(ctx context.Context, cfg *config.Config, store *state.Store) {
	ticker := time.NewTicker(time.Duration(cfg.CleanupIntervalMins) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, bytesFreed, err := store.CleanupOld(ctx, cfg.RetentionPeriodMinutes, nil)
			if err != nil {
				slog.Error("retention cleanup failed", "error", err)
				continue
			}
			if count > 0 {
				slog.Info("retention cleanup removed episodes", "count", count, "bytes_freed", bytesFreed)
			}
		}
	}
}

// publishQueueSnapshot refreshes the status bus's queued-entries view so
// subscribers see an up-to-date queue length without reaching into the
// queue themselves.
func publishQueueSnapshot(ctx context.Context, jobQueue *queue.Queue, statusBus *status.Bus) error {
	entries, err := jobQueue.ListQueued(ctx)
	if err != nil {
		return err
	}
	statusBus.SetQueued(entries)
	return nil
}

// defaultSettings seeds the well-known setting keys from the process
// config, so a fresh store always has a readable baseline even before any
// UI-driven override is saved.
func defaultSettings(cfg *config.Config) map[string]string {
	return map[string]string{
		"retention_period_minutes": strconv.Itoa(cfg.RetentionPeriodMinutes),
		"base_url":                 cfg.BaseURL,
		"llm_provider":             cfg.LLMProvider,
		"llm_model":                cfg.LLMModel,
		"replace_marker_path":      cfg.ReplaceMarkerPath,
		"bitrate":                  cfg.Bitrate,
	}
}
