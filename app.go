package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"mediabatch/api"
	"mediabatch/cache"
	"mediabatch/config"
	"mediabatch/export"
	"mediabatch/media"
	"mediabatch/stage"
	"mediabatch/store"
	"mediabatch/task"
)

// app holds the composed services shared by the subcommands.
type app struct {
	cfg       *config.Config
	cache     *cache.Cache
	scheduler *task.Scheduler
	sessions  *store.SessionStore
}

func newCache(cfg *config.Config) (*cache.Cache, error) {
	if !cfg.CacheEnable {
		return nil, nil
	}
	c, err := cache.New(cfg.CacheDir, cache.Options{
		MaxSize:     cfg.CacheMaxSize,
		TTL:         cfg.CacheTTL,
		MinFreeDisk: cfg.CacheMinFreeDisk,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return c, nil
}

func newApp(cfg *config.Config) (*app, error) {
	// 1. Artifact cache
	c, err := newCache(cfg)
	if err != nil {
		return nil, err
	}

	// 2. Engines share one resource-aware process runner
	runner := media.NewRunner(cfg)
	var command *media.CommandDownloader
	if cfg.DownloadCmd != "" {
		if command, err = media.NewCommandDownloader(runner, cfg.DownloadCmd); err != nil {
			return nil, err
		}
	}
	downloader := media.NewDownloader(media.NewHTTPDownloader(nil, cfg.MaxInputSize), command)
	transcriber, err := media.NewProcessTranscriber(runner, cfg.TranscribeCmd)
	if err != nil {
		return nil, err
	}

	// 3. Stages
	var translation *stage.TranslationStage
	if cfg.TranslateURL != "" {
		translator := media.NewHTTPTranslator(cfg.TranslateURL, cfg.TranslateKey)
		translation = stage.NewTranslationStage(translator, c, cfg.TranslateTimeout)
	} else if cfg.TargetLang != config.NoTranslation {
		log.Printf("[main] warning: TARGET_LANG is %s but TRANSLATE_URL is not set, translation disabled", cfg.TargetLang)
	}

	// 4. Scheduler
	sched := task.NewScheduler(task.Options{
		Concurrency:      cfg.Concurrency,
		Model:            cfg.Model,
		TargetLang:       cfg.TargetLang,
		OutputDir:        cfg.OutputDir,
		Formats:          cfg.Formats,
		ProgressInterval: cfg.ProgressInterval,
		DequeueTimeout:   cfg.DequeueTimeout,
	}, task.Deps{
		Downloader:    downloader,
		Transcription: stage.NewTranscriptionStage(transcriber, c, cfg.TranscribeTimeout),
		Translation:   translation,
		Exporter:      export.New(),
		Cache:         c,
	})

	a := &app{cfg: cfg, cache: c, scheduler: sched}

	// 5. Session store
	if cfg.SessionDB != "" {
		if a.sessions, err = store.New(cfg.SessionDB, 0); err != nil {
			return nil, fmt.Errorf("failed to open session store: %w", err)
		}
	}
	return a, nil
}

// sessionStore returns the store as an interface, nil when disabled.
func (a *app) sessionStore() api.SessionStore {
	if a.sessions == nil {
		return nil
	}
	return a.sessions
}

// restore loads the last saved session, if any.
func (a *app) restore() {
	if a.sessions == nil {
		return
	}
	pending, err := api.RestoreSession(a.scheduler, a.sessions)
	switch {
	case errors.Is(err, store.ErrNoSession):
	case err != nil:
		log.Printf("[main] warning: could not restore session: %v", err)
	default:
		log.Printf("[main] restored session with %d pending task(s)", pending)
	}
}

// persist saves a snapshot after every batch status change until ctx is done.
func (a *app) persist(ctx context.Context) {
	if a.sessions == nil {
		return
	}
	changed := make(chan struct{}, 1)
	unsubscribe := a.scheduler.Events().Subscribe(task.EventBatchStatusChanged, func(task.Event) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				if ctx.Err() != nil {
					return
				}
				if _, err := api.SaveSession(a.scheduler, a.sessions); err != nil {
					log.Printf("[main] warning: could not save session: %v", err)
				}
			}
		}
	}()
}

// close saves a final snapshot and releases the session store.
func (a *app) close() {
	if a.sessions == nil {
		return
	}
	if _, err := api.SaveSession(a.scheduler, a.sessions); err != nil {
		log.Printf("[main] warning: could not save session: %v", err)
	}
	if err := a.sessions.Close(); err != nil {
		log.Printf("[main] warning: closing session store: %v", err)
	}
}
