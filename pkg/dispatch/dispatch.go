// Package dispatch runs background units of work on a fixed worker pool.
// Every unit gets an id and is recorded in a Journal.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"taskflow/pkg/artifact"
)

var (
	ErrQueueFull = errors.New("dispatch queue is full")
	ErrClosed    = errors.New("dispatcher is shut down")
)

// Unit is one background job.
type Unit struct {
	ProjectID string
	Kind      artifact.Kind
	Run       func(ctx context.Context) error
	// Drop is called instead of Run when the unit is still queued at
	// shutdown. Optional.
	Drop func(err error)
}

// Config sizes the pool.
type Config struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
	// DrainTimeout bounds how long running units may continue after
	// shutdown starts before their context is cancelled.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

type job struct {
	id   string
	unit Unit
}

// Dispatcher is a bounded queue in front of a worker pool.
type Dispatcher struct {
	cfg     Config
	journal Journal
	queue   chan job

	mu       sync.RWMutex
	closed   bool
	stopping atomic.Bool
	running  atomic.Int32
}

// New creates a Dispatcher. A nil journal records nothing.
func New(cfg Config, journal Journal) *Dispatcher {
	cfg = cfg.withDefaults()
	if journal == nil {
		journal = NewMemJournal(0)
	}
	return &Dispatcher{cfg: cfg, journal: journal, queue: make(chan job, cfg.QueueSize)}
}

// Submit enqueues u without blocking and returns its id.
func (d *Dispatcher) Submit(u Unit) (string, error) {
	if u.Run == nil {
		return "", errors.New("dispatch: unit has no Run func")
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return "", ErrClosed
	}

	j := job{id: uuid.Must(uuid.NewV7()).String(), unit: u}
	now := time.Now().Truncate(time.Millisecond)
	entry := Entry{ID: j.id, ProjectID: u.ProjectID, Kind: u.Kind, State: StateQueued, CreatedAt: now, UpdatedAt: now}
	if err := d.journal.Add(context.Background(), entry); err != nil {
		log.Printf("dispatch: journal unit %s: %v", j.id, err)
	}

	select {
	case d.queue <- j:
		return j.id, nil
	default:
		d.setState(context.Background(), j.id, StateFailed, ErrQueueFull)
		return "", ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled and the pool has
// drained. Units still queued at shutdown are dropped; running units get
// DrainTimeout to finish.
func (d *Dispatcher) Run(ctx context.Context) error {
	log.Printf("dispatch: running %d workers", d.cfg.Workers)

	unitCtx, cancelUnits := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelUnits()

	var g errgroup.Group
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.work(unitCtx)
			return nil
		})
	}

	<-ctx.Done()
	log.Println("dispatch: shutting down")
	d.stopping.Store(true)
	d.mu.Lock()
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(d.cfg.DrainTimeout):
		log.Printf("dispatch: drain timeout after %s, cancelling %d running units", d.cfg.DrainTimeout, d.running.Load())
		cancelUnits()
		return <-done
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	for j := range d.queue {
		if d.stopping.Load() {
			d.drop(j)
			continue
		}
		d.execute(ctx, j)
	}
}

func (d *Dispatcher) execute(ctx context.Context, j job) {
	d.running.Add(1)
	defer d.running.Add(-1)

	d.setState(ctx, j.id, StateRunning, nil)
	err := safeRun(ctx, j.unit.Run)
	if err != nil {
		log.Printf("dispatch: unit %s (%s %s) failed: %v", j.id, j.unit.ProjectID, j.unit.Kind, err)
		d.setState(context.WithoutCancel(ctx), j.id, StateFailed, err)
		return
	}
	d.setState(context.WithoutCancel(ctx), j.id, StateDone, nil)
}

func (d *Dispatcher) drop(j job) {
	d.setState(context.Background(), j.id, StateFailed, ErrClosed)
	if j.unit.Drop != nil {
		j.unit.Drop(ErrClosed)
	}
}

func (d *Dispatcher) setState(ctx context.Context, id string, state State, err error) {
	var reason string
	if err != nil {
		reason = err.Error()
	}
	if jerr := d.journal.SetState(ctx, id, state, reason); jerr != nil {
		log.Printf("dispatch: journal unit %s %s: %v", id, state, jerr)
	}
}

// safeRun converts a panic in fn into an error.
func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers int `json:"workers"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{Workers: d.cfg.Workers, Queued: len(d.queue), Running: int(d.running.Load())}
}

// Recent returns the latest journal entries, newest first.
func (d *Dispatcher) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return d.journal.Recent(ctx, limit)
}
