// Package app wires configuration, storage and generators into the
// pipeline. cmd/server and cmd/tf share it.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/pkg/activity"
	"taskflow/pkg/archive"
	"taskflow/pkg/artifact"
	"taskflow/pkg/feedback"
	"taskflow/pkg/generator"
	"taskflow/pkg/github"
	"taskflow/pkg/pipeline"
	"taskflow/pkg/project"
	"taskflow/pkg/task"
	"taskflow/pkg/user"
)

// App holds the shared stores and clients.
type App struct {
	Config *config.Config
	Pool   *pgxpool.Pool

	Users     *user.PgStore
	Projects  *project.PgStore
	Artifacts *artifact.CompositeStore
	Tasks     *task.PgStore
	Feedback  *feedback.PgStore
	Activity  *activity.PgStore
	Bus       *activity.Bus

	GitHub   *github.Client
	Registry *generator.Registry
	Archive  pipeline.Archiver
}

// Open connects to the database, creates the schema and builds the
// generator registry.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	a := &App{
		Config:   cfg,
		Pool:     pool,
		Users:    user.NewPgStore(pool),
		Projects: project.NewPgStore(pool),
		Tasks:    task.NewPgStore(pool),
		Feedback: feedback.NewPgStore(pool),
		Activity: activity.NewPgStore(pool),
		GitHub:   github.NewClient(cfg.GitHub.BaseURL),
	}
	rows := artifact.NewPgStore(pool)
	a.Artifacts = artifact.NewCompositeStore(rows, a.Projects)
	a.Bus = activity.NewBus(a.Activity)

	err = db.EnsureSchema(ctx,
		db.Named{Name: "users", Table: a.Users},
		db.Named{Name: "projects", Table: a.Projects},
		db.Named{Name: "artifacts", Table: rows},
		db.Named{Name: "tasks", Table: a.Tasks},
		db.Named{Name: "feedback", Table: a.Feedback},
		db.Named{Name: "activity", Table: a.Activity},
	)
	if err != nil {
		pool.Close()
		return nil, err
	}

	if a.Registry, err = NewRegistry(cfg, a.GitHub); err != nil {
		pool.Close()
		return nil, err
	}

	if cfg.Archive.Bucket != "" {
		arch, err := archive.NewFromConfig(ctx, cfg.Archive)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("archive: %w", err)
		}
		a.Archive = arch
		log.Printf("app: archiving completed artifacts to s3://%s/%s", cfg.Archive.Bucket, cfg.Archive.Prefix)
	}
	return a, nil
}

// Controller builds a pipeline controller that dispatches through sub.
func (a *App) Controller(sub pipeline.Submitter) *pipeline.Controller {
	deps := pipeline.Deps{
		Artifacts: a.Artifacts,
		Projects:  a.Projects,
		Tasks:     a.Tasks,
		Users:     a.Users,
		GitHub:    a.GitHub,
		Registry:  a.Registry,
		Dispatch:  sub,
		Events:    a.Bus,
	}
	// A nil *S3Archiver must not become a non-nil interface.
	if a.Archive != nil {
		deps.Archive = a.Archive
	}
	return pipeline.New(deps, pipeline.Config{Deadlines: a.Config.Deadlines})
}

// Close releases the database pool.
func (a *App) Close() {
	a.Pool.Close()
}

// NewRegistry builds one generator per artifact kind from the per-stage
// model settings. The mockup generator is only registered when a mockup
// service is configured.
func NewRegistry(cfg *config.Config, host generator.RepoHost) (*generator.Registry, error) {
	models := make(map[string]generator.Model)
	for _, stage := range []string{
		config.StageBRD, config.StagePRD, config.StageTasks, config.StageMarketResearch,
		config.StageMarketReport, config.StageGitHub, config.StagePreview,
	} {
		m, err := generator.NewModel(cfg.Models.For(stage))
		if err != nil {
			return nil, fmt.Errorf("model for %s: %w", stage, err)
		}
		models[stage] = m
	}

	reg := generator.NewRegistry()
	reg.Register(artifact.KindBRD, generator.NewBRD(models[config.StageBRD]))
	reg.Register(artifact.KindPRD, generator.NewPRD(models[config.StagePRD]))
	reg.Register(artifact.KindTasks, generator.NewTasks(models[config.StageTasks]))
	reg.Register(artifact.KindMarketResearch,
		generator.NewMarketResearch(models[config.StageMarketResearch], models[config.StageMarketReport]))
	reg.Register(artifact.KindGitHubSetup, generator.NewRepositorySetup(
		host, github.PushScaffold, models[config.StageGitHub],
		github.Signature{Name: cfg.GitHub.AuthorName, Email: cfg.GitHub.AuthorEmail},
		cfg.GitHub.Private,
	))
	if cfg.Mockup.BaseURL != "" {
		reg.Register(artifact.KindMockup,
			generator.NewMockup(models[config.StagePreview], generator.NewMockupClient(cfg.Mockup)))
	} else {
		log.Printf("app: mockup service not configured, %s requests will be rejected", artifact.KindMockup)
	}
	return reg, nil
}
