package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"taskflow/pkg/activity"
	"taskflow/pkg/artifact"
)

// SweepReason is the failure reason written to swept records.
const SweepReason = "generation timed out"

// SweepConfig tunes the stale sweeper.
type SweepConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"`
	Batch      int           `yaml:"batch"`
}

func (c SweepConfig) withDefaults() SweepConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.Batch <= 0 {
		c.Batch = 100
	}
	return c
}

// Sweeper fails records that have been in_progress for longer than
// StaleAfter, so a lost background unit never leaves a record stuck.
type Sweeper struct {
	store  artifact.Store
	events Recorder
	cfg    SweepConfig
	now    func() time.Time
}

// NewSweeper creates a Sweeper. events may be nil.
func NewSweeper(store artifact.Store, events Recorder, cfg SweepConfig) *Sweeper {
	return &Sweeper{store: store, events: events, cfg: cfg.withDefaults(), now: time.Now}
}

// Run sweeps once immediately and then every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("sweeper: running every %s, stale after %s", s.cfg.Interval, s.cfg.StaleAfter)
	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("sweeper: shutting down")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("sweeper: panic in sweep: %v", r)
		}
	}()
	if n, err := s.Sweep(ctx); err != nil {
		log.Printf("sweeper: %v", err)
	} else if n > 0 {
		log.Printf("sweeper: failed %d stale records", n)
	}
}

// Sweep fails every stale record and returns how many it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	stale, err := s.store.Stale(ctx, cutoff, s.cfg.Batch)
	if err != nil {
		return 0, fmt.Errorf("list stale records: %w", err)
	}

	n := 0
	for _, a := range stale {
		if err := s.store.Fail(ctx, a.ProjectID, a.Kind, a.Attempts, SweepReason); err != nil {
			if errors.Is(err, artifact.ErrSuperseded) {
				// Finished or reclaimed since it was listed.
				continue
			}
			log.Printf("sweeper: fail %s for %s: %v", a.Kind, a.ProjectID, err)
			continue
		}
		n++
		if s.events != nil {
			s.events.Record(ctx, activity.Entry{
				Type:      activity.ArtifactSwept,
				Actor:     "sweeper",
				ProjectID: a.ProjectID,
				Kind:      string(a.Kind),
				Content:   map[string]any{"in_progress_since": a.UpdatedAt, "reason": SweepReason},
			})
		}
	}
	return n, nil
}
