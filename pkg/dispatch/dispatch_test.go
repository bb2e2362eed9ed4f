package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/pkg/artifact"
)

func start(t *testing.T, d *Dispatcher) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- d.Run(ctx) }()
	t.Cleanup(cancelFn)
	return cancelFn, ch
}

func stateOf(t *testing.T, j Journal, id string) State {
	t.Helper()
	entries, err := j.Recent(context.Background(), 0)
	require.NoError(t, err)
	for _, e := range entries {
		if e.ID == id {
			return e.State
		}
	}
	return ""
}

func TestSubmitRunsUnit(t *testing.T) {
	j := NewMemJournal(0)
	d := New(Config{Workers: 2}, j)
	start(t, d)

	ran := make(chan string, 1)
	id, err := d.Submit(Unit{ProjectID: "p1", Kind: artifact.KindBRD, Run: func(context.Context) error {
		ran <- "brd"
		return nil
	}})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("unit did not run")
	}
	assert.Eventually(t, func() bool { return stateOf(t, j, id) == StateDone }, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitQueueFull(t *testing.T) {
	j := NewMemJournal(0)
	d := New(Config{Workers: 1, QueueSize: 1}, j) // not running: nothing drains the queue
	noop := func(context.Context) error { return nil }

	_, err := d.Submit(Unit{ProjectID: "p1", Kind: artifact.KindBRD, Run: noop})
	require.NoError(t, err)
	_, err = d.Submit(Unit{ProjectID: "p1", Kind: artifact.KindPRD, Run: noop})
	assert.True(t, errors.Is(err, ErrQueueFull))

	entries, _ := j.Recent(context.Background(), 0)
	require.Len(t, entries, 2)
	assert.Equal(t, StateFailed, entries[0].State)
	assert.Equal(t, ErrQueueFull.Error(), entries[0].Error)
	assert.Equal(t, StateQueued, entries[1].State)
}

func TestUnitErrorsAndPanicsAreJournaled(t *testing.T) {
	j := NewMemJournal(0)
	d := New(Config{Workers: 1}, j)
	start(t, d)

	failID, err := d.Submit(Unit{Kind: artifact.KindBRD, Run: func(context.Context) error {
		return errors.New("model unavailable")
	}})
	require.NoError(t, err)
	panicID, err := d.Submit(Unit{Kind: artifact.KindPRD, Run: func(context.Context) error {
		panic("nil map")
	}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return stateOf(t, j, failID) == StateFailed && stateOf(t, j, panicID) == StateFailed
	}, 2*time.Second, 5*time.Millisecond)

	entries, _ := j.Recent(context.Background(), 1)
	assert.Contains(t, entries[0].Error, "panic: nil map")
}

func TestShutdownDropsQueuedUnits(t *testing.T) {
	d := New(Config{Workers: 1, QueueSize: 8}, nil)
	cancel, done := start(t, d)

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	_, err := d.Submit(Unit{Kind: artifact.KindBRD, Run: func(context.Context) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	}})
	require.NoError(t, err)
	<-started

	var dropped atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := d.Submit(Unit{
			Kind: artifact.KindPRD,
			Run:  func(context.Context) error { t.Error("queued unit ran after shutdown"); return nil },
			Drop: func(err error) {
				assert.True(t, errors.Is(err, ErrClosed))
				dropped.Add(1)
			},
		})
		require.NoError(t, err)
	}

	cancel()
	require.Eventually(t, func() bool {
		_, err := d.Submit(Unit{Run: func(context.Context) error { return nil }})
		return errors.Is(err, ErrClosed)
	}, 2*time.Second, 5*time.Millisecond)
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.True(t, finished.Load(), "running unit finishes during drain")
	assert.Equal(t, int32(3), dropped.Load())
}

func TestDrainTimeoutCancelsRunningUnits(t *testing.T) {
	d := New(Config{Workers: 1, DrainTimeout: 20 * time.Millisecond}, nil)
	cancel, done := start(t, d)

	started := make(chan struct{})
	var sawCancel atomic.Bool
	_, err := d.Submit(Unit{Kind: artifact.KindMockup, Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	}})
	require.NoError(t, err)
	<-started

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after drain timeout")
	}
	assert.True(t, sawCancel.Load())
}

func TestStats(t *testing.T) {
	d := New(Config{Workers: 3, QueueSize: 4}, nil)
	_, err := d.Submit(Unit{Run: func(context.Context) error { return nil }})
	require.NoError(t, err)
	assert.Equal(t, Stats{Workers: 3, Queued: 1}, d.Stats())
}

func TestSubmitRequiresRun(t *testing.T) {
	_, err := New(Config{}, nil).Submit(Unit{Kind: artifact.KindBRD})
	assert.Error(t, err)
}
