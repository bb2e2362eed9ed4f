package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"taskflow/internal/api"
	"taskflow/internal/app"
	"taskflow/internal/auth"
	"taskflow/internal/config"
	"taskflow/pkg/dispatch"
	"taskflow/pkg/pipeline"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	a, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer a.Close()

	journal, err := dispatch.OpenSQLiteJournal(cfg.JournalPath)
	if err != nil {
		log.Fatalf("open job journal %s: %v", filepath.Clean(cfg.JournalPath), err)
	}
	defer journal.Close()

	dispatcher := dispatch.New(cfg.Dispatch, journal)
	controller := a.Controller(dispatcher)
	sweeper := pipeline.NewSweeper(a.Artifacts, a.Bus, cfg.Sweep)

	server := api.New(api.Deps{
		Auth:           auth.NewClient(cfg.Identity.URL, cfg.Identity.APIKey),
		Users:          a.Users,
		Projects:       a.Projects,
		Tasks:          a.Tasks,
		Feedback:       a.Feedback,
		Artifacts:      a.Artifacts,
		Pipeline:       controller,
		GitHub:         a.GitHub,
		Activity:       a.Bus,
		Events:         a.Bus,
		Stream:         a.Bus,
		Jobs:           dispatcher,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	workers := make(chan error, 1)
	go func() { workers <- dispatcher.Run(ctx) }()
	go sweeper.Run(ctx)
	go server.Hub().Run(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		log.Println("taskflow: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("taskflow: http shutdown: %v", err)
		}
	}()

	log.Printf("taskflow listening on :%s (%d generators, %d workers)", cfg.Port, len(a.Registry.Kinds()), dispatcher.Stats().Workers)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}

	if err := <-workers; err != nil {
		log.Printf("taskflow: dispatcher: %v", err)
	}
}
