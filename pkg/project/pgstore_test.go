package project_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"taskflow/internal/db"
	"taskflow/pkg/artifact"
	"taskflow/pkg/project"
	"taskflow/pkg/task"
)

// These tests run against a real Postgres when DATABASE_URL is set.

type stores struct {
	projects  *project.PgStore
	artifacts *artifact.PgStore
	tasks     *task.PgStore
}

func openStores(t *testing.T) stores {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	s := stores{project.NewPgStore(pool), artifact.NewPgStore(pool), task.NewPgStore(pool)}
	if err := db.EnsureSchema(ctx,
		db.Named{Name: "projects", Table: s.projects},
		db.Named{Name: "artifacts", Table: s.artifacts},
		db.Named{Name: "tasks", Table: s.tasks},
	); err != nil {
		t.Fatal(err)
	}
	return s
}

func newProject(t *testing.T, s stores) string {
	t.Helper()
	p, err := s.projects.Create(context.Background(), &project.Project{OwnerID: "race-owner", Name: "Race", Objective: "claim once"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.projects.Delete(context.Background(), p.ID) })
	return p.ID
}

// race calls claim from n goroutines at once and returns how many won.
func race(t *testing.T, n int, claim func() (*artifact.Artifact, bool, error)) (won int, attempts []int) {
	t.Helper()
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			a, ok, err := claim()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				won++
				attempts = append(attempts, a.Attempts)
			}
		}()
	}
	close(start)
	wg.Wait()
	for _, err := range errs {
		t.Errorf("claim: %v", err)
	}
	return won, attempts
}

func TestPgClaimRace(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	id := newProject(t, s)

	claim := func() (*artifact.Artifact, bool, error) { return s.artifacts.Claim(ctx, id, artifact.KindBRD) }
	if won, attempts := race(t, 8, claim); won != 1 || attempts[0] != 1 {
		t.Fatalf("first round: %d winners, attempts %v; want 1 winner on attempt 1", won, attempts)
	}

	// A second round while in progress: nobody wins.
	if won, _ := race(t, 8, claim); won != 0 {
		t.Fatalf("claimed %d times while in progress", won)
	}

	if err := s.artifacts.Fail(ctx, id, artifact.KindBRD, 1, "boom"); err != nil {
		t.Fatal(err)
	}
	if won, attempts := race(t, 8, claim); won != 1 || attempts[0] != 2 {
		t.Fatalf("after failure: %d winners, attempts %v; want 1 winner on attempt 2", won, attempts)
	}

	err := s.artifacts.Complete(ctx, id, artifact.KindBRD, 1, "# stale")
	if !errors.Is(err, artifact.ErrSuperseded) {
		t.Fatalf("complete of attempt 1 = %v, want ErrSuperseded", err)
	}
	if err := s.artifacts.Complete(ctx, id, artifact.KindBRD, 2, "# BRD"); err != nil {
		t.Fatal(err)
	}
	a, err := s.artifacts.Get(ctx, id, artifact.KindBRD)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != artifact.Completed || a.Content != "# BRD" {
		t.Errorf("record = %s %q", a.Status, a.Content)
	}
}

func TestPgClaimTasksRace(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	id := newProject(t, s)

	claim := func() (*artifact.Artifact, bool, error) { return s.projects.ClaimTasks(ctx, id) }
	if won, attempts := race(t, 8, claim); won != 1 || attempts[0] != 1 {
		t.Fatalf("%d winners, attempts %v; want 1 winner on attempt 1", won, attempts)
	}
	if won, _ := race(t, 8, claim); won != 0 {
		t.Fatalf("claimed %d times while in progress", won)
	}
}

// Two units of the same attempt, or a unit of an older attempt, must not
// both land their batch.
func TestPgInsertBatchFencedByAttempt(t *testing.T) {
	s := openStores(t)
	ctx := context.Background()
	id := newProject(t, s)

	if _, ok, err := s.projects.ClaimTasks(ctx, id); err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	if err := s.projects.FailTasks(ctx, id, 1); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.projects.ClaimTasks(ctx, id); err != nil || !ok {
		t.Fatalf("reclaim = %v, %v", ok, err)
	}

	drafts := []task.Draft{
		{Ref: "e1", Title: "Storefront", Type: task.TypeEpic},
		{Ref: "f1", ParentRef: "e1", Title: "Catalog", Type: task.TypeFeature},
		{Ref: "t1", ParentRef: "f1", Title: "List API", Type: task.TypeTask, StoryPoints: 3},
	}

	_, err := s.tasks.InsertBatch(ctx, id, task.Batch{Attempt: 1, Result: "old", Drafts: drafts})
	if !errors.Is(err, artifact.ErrSuperseded) {
		t.Fatalf("stale batch = %v, want ErrSuperseded", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		landed  int
		skipped int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.tasks.InsertBatch(ctx, id, task.Batch{Attempt: 2, Result: "new", Drafts: drafts})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				landed++
			case errors.Is(err, artifact.ErrSuperseded):
				skipped++
			default:
				t.Errorf("insert batch: %v", err)
			}
		}()
	}
	wg.Wait()
	if landed != 1 || skipped != 1 {
		t.Fatalf("landed %d, skipped %d; want 1 and 1", landed, skipped)
	}

	n, err := s.tasks.Count(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(drafts) {
		t.Errorf("count = %d, want %d", n, len(drafts))
	}
	a, err := s.projects.TasksArtifact(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != artifact.Completed || a.Content != "new" || a.Attempts != 2 {
		t.Errorf("tasks record = %s %q attempt %d", a.Status, a.Content, a.Attempts)
	}
}
