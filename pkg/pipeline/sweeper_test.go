package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/pkg/activity"
	"taskflow/pkg/artifact"
)

func TestSweepFailsStaleRecords(t *testing.T) {
	store := newMemArtifacts()
	store.seed("p1", artifact.KindBRD, artifact.InProgress, "")
	store.seed("p1", artifact.KindMarketResearch, artifact.InProgress, "")
	store.seed("p2", artifact.KindBRD, artifact.Completed, "# done")
	store.rows[key("p1", artifact.KindBRD)].UpdatedAt = time.Now().Add(-2 * time.Hour)

	events := &recorder{}
	s := NewSweeper(store, events, SweepConfig{StaleAfter: 30 * time.Minute})

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, _ := store.Get(context.Background(), "p1", artifact.KindBRD)
	assert.Equal(t, artifact.Failed, a.Status)
	assert.Equal(t, SweepReason, a.Error)
	assert.Equal(t, artifact.InProgress, store.status("p1", artifact.KindMarketResearch), "fresh record is left alone")
	assert.Equal(t, artifact.Completed, store.status("p2", artifact.KindBRD))
	assert.Equal(t, []string{activity.ArtifactSwept}, events.types())
}

func TestSweepUsesClock(t *testing.T) {
	store := newMemArtifacts()
	store.seed("p1", artifact.KindMockup, artifact.InProgress, "")

	s := NewSweeper(store, nil, SweepConfig{StaleAfter: time.Minute})
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, artifact.Failed, store.status("p1", artifact.KindMockup))
}

func TestSweepFailedWriteIsSkipped(t *testing.T) {
	store := newMemArtifacts()
	store.seed("p1", artifact.KindBRD, artifact.InProgress, "")
	store.failErr = errBoom

	s := NewSweeper(store, nil, SweepConfig{StaleAfter: time.Minute})
	s.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	store := newMemArtifacts()
	store.seed("p1", artifact.KindBRD, artifact.InProgress, "")
	store.rows[key("p1", artifact.KindBRD)].UpdatedAt = time.Now().Add(-time.Hour)

	s := NewSweeper(store, nil, SweepConfig{Interval: 5 * time.Millisecond, StaleAfter: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return store.status("p1", artifact.KindBRD) == artifact.Failed
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

// listedStore reports a fixed stale list, as if it was read just before
// the records changed.
type listedStore struct {
	*memArtifacts
	listed []artifact.Artifact
}

func (s listedStore) Stale(context.Context, time.Time, int) ([]artifact.Artifact, error) {
	return s.listed, nil
}

func TestSweepSkipsRecordsThatMovedOn(t *testing.T) {
	store := newMemArtifacts()
	store.seed("p1", artifact.KindBRD, artifact.InProgress, "")
	store.seed("p1", artifact.KindPRD, artifact.InProgress, "")
	listed, err := store.Stale(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)

	// BRD finished and PRD was reclaimed after the listing.
	store.rows[key("p1", artifact.KindBRD)].Status = artifact.Completed
	store.rows[key("p1", artifact.KindPRD)].Attempts++

	events := &recorder{}
	n, err := NewSweeper(listedStore{store, listed}, events, SweepConfig{}).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, events.types())
	assert.Equal(t, artifact.Completed, store.status("p1", artifact.KindBRD))
	assert.Equal(t, artifact.InProgress, store.status("p1", artifact.KindPRD))
}
