package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"taskflow/internal/app"
	"taskflow/internal/config"
	"taskflow/pkg/artifact"
	"taskflow/pkg/dispatch"
	"taskflow/pkg/pipeline"
	"taskflow/pkg/project"
	"taskflow/pkg/task"
	"taskflow/pkg/user"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("config: %v", err)
	}

	ctx := context.Background()
	a, err := app.Open(ctx, cfg)
	if err != nil {
		fatal("open: %v", err)
	}
	defer a.Close()

	args := os.Args[2:]
	switch os.Args[1] {
	case "project":
		handleProject(ctx, a.Projects, args)
	case "artifact":
		handleArtifact(ctx, a, args)
	case "task":
		handleTask(ctx, a.Tasks, args)
	case "user":
		handleUser(ctx, a.Users, args)
	case "jobs":
		handleJobs(ctx, cfg, args)
	case "sweep":
		handleSweep(ctx, a, args)
	case "verify":
		if err := a.Activity.VerifyChain(ctx); err != nil {
			fatal("activity chain: %v", err)
		}
		n, _ := a.Activity.Count(ctx)
		printJSON(map[string]any{"status": "ok", "events": n})
	case "init":
		fmt.Println(`{"status":"ok","message":"all tables initialized"}`)
	default:
		usage()
		os.Exit(1)
	}
}

func handleProject(ctx context.Context, store project.Store, args []string) {
	if len(args) < 1 {
		fatal("usage: tf project <create|list|get>")
	}
	flags := parseFlags(args[1:])

	switch args[0] {
	case "create":
		p := &project.Project{
			OwnerID:   flags["owner"],
			Name:      flags["name"],
			Objective: flags["objective"],
			GitHubURL: flags["github-url"],
		}
		var err error
		if p.StartDate, err = project.ParseDate(flags["start"]); err != nil {
			fatal("--start: %v", err)
		}
		if p.EndDate, err = project.ParseDate(flags["end"]); err != nil {
			fatal("--end: %v", err)
		}
		if p.OwnerID == "" {
			fatal("--owner is required")
		}
		if err := p.Validate(); err != nil {
			fatal("%v", err)
		}
		created, err := store.Create(ctx, p)
		if err != nil {
			fatal("create project: %v", err)
		}
		printJSON(created)

	case "list":
		projects, err := store.List(ctx, flags["owner"])
		if err != nil {
			fatal("list projects: %v", err)
		}
		if _, ok := flags["json"]; ok {
			printJSON(projects)
			return
		}
		for _, p := range projects {
			fmt.Printf("%-8s  %-12s  %s\n", truncStr(p.ID, 8), p.TasksGenerationStatus, truncStr(p.Name, 60))
		}

	case "get":
		if len(args) < 2 {
			fatal("usage: tf project get <id>")
		}
		p, err := store.Get(ctx, args[1])
		if err != nil {
			fatal("get project: %v", err)
		}
		printJSON(p)

	default:
		fatal("unknown project command: %s", args[0])
	}
}

func handleArtifact(ctx context.Context, a *app.App, args []string) {
	if len(args) < 2 {
		fatal("usage: tf artifact <request|get|list> <project> [kind]")
	}
	projectID := args[1]
	flags := parseFlags(args[2:])

	switch args[0] {
	case "list":
		list, err := a.Artifacts.ListByProject(ctx, projectID)
		if err != nil {
			fatal("list artifacts: %v", err)
		}
		for _, art := range list {
			fmt.Printf("%-16s  %-12s  %d  %s\n", art.Kind, art.Status, art.Attempts, truncStr(art.Error, 60))
		}

	case "get":
		kind := kindArg(args)
		art, err := a.Artifacts.Get(ctx, projectID, kind)
		if err != nil {
			fatal("get artifact: %v", err)
		}
		if _, ok := flags["raw"]; ok {
			fmt.Println(art.Content)
			return
		}
		printJSON(art)

	case "request":
		kind := kindArg(args)
		p, err := a.Projects.Get(ctx, projectID)
		if err != nil {
			fatal("get project: %v", err)
		}
		actor := flags["actor"]
		if actor == "" {
			actor = p.OwnerID
		}
		requestAndWait(ctx, a, pipeline.Request{ProjectID: projectID, Kind: kind, Actor: actor},
			time.Duration(intFlag(flags, "wait", 1200))*time.Second)

	default:
		fatal("unknown artifact command: %s", args[0])
	}
}

// cliDrainTimeout is how long a unit may keep running after the CLI gives
// up on it. Past that its context is cancelled and it writes failed.
const cliDrainTimeout = 2 * time.Second

const pollInterval = 2 * time.Second

var errWaitTimeout = errors.New("still in progress")

// requestAndWait runs the generation on a one-worker dispatcher and polls
// the record until it leaves in_progress. On timeout, Ctrl-C or a poll
// error the dispatcher is drained before the process exits, so the unit
// records a terminal status instead of being left for the sweeper.
func requestAndWait(ctx context.Context, a *app.App, req pipeline.Request, wait time.Duration) {
	journal, err := dispatch.OpenSQLiteJournal(a.Config.JournalPath)
	if err != nil {
		fatal("open job journal: %v", err)
	}

	ctx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	dispatcher := dispatch.New(dispatch.Config{Workers: 1, QueueSize: 1, DrainTimeout: cliDrainTimeout}, journal)
	stop := startDispatcher(ctx, dispatcher)

	art, err := submitAndWait(ctx, a, dispatcher, req, wait)
	stop()
	stopSignals()
	journal.Close()

	var pre *pipeline.PreconditionError
	switch {
	case errors.As(err, &pre):
		fatal("%v", pre)
	case errors.Is(err, errWaitTimeout):
		fatal("%s %v after %s", req.Kind, err, wait)
	case errors.Is(err, context.Canceled):
		fatal("%s: interrupted", req.Kind)
	case err != nil:
		fatal("%v", err)
	}
	printJSON(art)
	if art.Status != artifact.Completed {
		os.Exit(1)
	}
}

// startDispatcher runs d until the returned stop func is called. stop
// cancels the run and blocks until running units have drained.
func startDispatcher(ctx context.Context, d *dispatch.Dispatcher) (stop func()) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := <-done; err != nil {
				fmt.Fprintf(os.Stderr, "tf: dispatcher: %v\n", err)
			}
		})
	}
}

func submitAndWait(ctx context.Context, a *app.App, d *dispatch.Dispatcher, req pipeline.Request, wait time.Duration) (*artifact.Artifact, error) {
	out, err := a.Controller(d).RequestGeneration(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", req.Kind, err)
	}
	if out.Status != artifact.InProgress || out.JobID == "" {
		return a.Artifacts.Get(ctx, req.ProjectID, req.Kind)
	}
	fmt.Fprintf(os.Stderr, "tf: job %s generating %s...\n", out.JobID, req.Kind)

	return awaitArtifact(ctx, pollInterval, wait, func(ctx context.Context) (*artifact.Artifact, error) {
		return a.Artifacts.Get(ctx, req.ProjectID, req.Kind)
	})
}

// awaitArtifact polls get every interval until the record leaves
// in_progress. It returns errWaitTimeout once wait has passed and ctx.Err()
// when ctx is cancelled first.
func awaitArtifact(ctx context.Context, interval, wait time.Duration, get func(context.Context) (*artifact.Artifact, error)) (*artifact.Artifact, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errWaitTimeout
		case <-ticker.C:
		}
		art, err := get(ctx)
		if err != nil {
			return nil, fmt.Errorf("poll artifact: %w", err)
		}
		if art.Status != artifact.InProgress {
			return art, nil
		}
	}
}

func kindArg(args []string) artifact.Kind {
	if len(args) < 3 {
		fatal("artifact kind is required")
	}
	kind, err := artifact.ParseKind(args[2])
	if err != nil {
		fatal("%v", err)
	}
	return kind
}

func handleTask(ctx context.Context, store task.Store, args []string) {
	if len(args) < 2 {
		fatal("usage: tf task <list|move> <project> ...")
	}
	projectID := args[1]
	flags := parseFlags(args[2:])

	switch args[0] {
	case "list":
		var status task.Status
		if s := flags["status"]; s != "" {
			var err error
			if status, err = task.ParseStatus(s); err != nil {
				fatal("%v", err)
			}
		}
		tasks, err := store.List(ctx, projectID, status)
		if err != nil {
			fatal("list tasks: %v", err)
		}
		if _, ok := flags["json"]; ok {
			printJSON(tasks)
			return
		}
		printShortTasks(tasks)

	case "move":
		if len(args) < 3 {
			fatal("usage: tf task move <project> <task> --status=<s> --position=<n>")
		}
		status, err := task.ParseStatus(flags["status"])
		if err != nil {
			fatal("%v", err)
		}
		t, err := store.Move(ctx, projectID, args[2], status, intFlag(flags, "position", 1))
		if err != nil {
			fatal("move task: %v", err)
		}
		printJSON(t)

	default:
		fatal("unknown task command: %s", args[0])
	}
}

func handleUser(ctx context.Context, store user.Store, args []string) {
	if len(args) < 1 {
		fatal("usage: tf user <list|role>")
	}

	switch args[0] {
	case "list":
		users, err := store.List(ctx)
		if err != nil {
			fatal("list users: %v", err)
		}
		for _, u := range users {
			banned := ""
			if u.Banned {
				banned = "banned"
			}
			fmt.Printf("%-36s  %-6s  %-6s  %s\n", u.ID, u.Role, banned, u.Email)
		}

	case "role":
		if len(args) < 3 {
			fatal("usage: tf user role <id> <user|admin|super>")
		}
		role, err := user.ParseRole(args[2])
		if err != nil {
			fatal("%v", err)
		}
		if err := store.SetRole(ctx, args[1], role); err != nil {
			fatal("set role: %v", err)
		}
		fmt.Printf(`{"status":"ok","user":%q,"role":%q}`+"\n", args[1], role)

	default:
		fatal("unknown user command: %s", args[0])
	}
}

func handleJobs(ctx context.Context, cfg *config.Config, args []string) {
	flags := parseFlags(args)
	journal, err := dispatch.OpenSQLiteJournal(cfg.JournalPath)
	if err != nil {
		fatal("open job journal: %v", err)
	}
	defer journal.Close()

	jobs, err := journal.Recent(ctx, intFlag(flags, "limit", 20))
	if err != nil {
		fatal("list jobs: %v", err)
	}
	if _, ok := flags["json"]; ok {
		printJSON(jobs)
		return
	}
	for _, j := range jobs {
		fmt.Printf("%-8s  %-8s  %-16s  %-8s  %s\n",
			truncStr(j.ID, 8), truncStr(j.ProjectID, 8), j.Kind, j.State, truncStr(j.Error, 50))
	}
}

func handleSweep(ctx context.Context, a *app.App, args []string) {
	flags := parseFlags(args)
	sweep := a.Config.Sweep
	if v, ok := flags["stale-after"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			fatal("--stale-after: %v", err)
		}
		sweep.StaleAfter = d
	}
	n, err := pipeline.NewSweeper(a.Artifacts, a.Bus, sweep).Sweep(ctx)
	if err != nil {
		fatal("sweep: %v", err)
	}
	printJSON(map[string]any{"status": "ok", "swept": n})
}

func parseFlags(args []string) map[string]string {
	flags := make(map[string]string)
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		arg = strings.TrimPrefix(arg, "--")
		if idx := strings.Index(arg, "="); idx >= 0 {
			flags[arg[:idx]] = arg[idx+1:]
		} else {
			flags[arg] = ""
		}
	}
	return flags
}

func intFlag(flags map[string]string, key string, defaultVal int) int {
	if v, ok := flags[key]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encode JSON: %v", err)
	}
}

func truncStr(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func printShortTasks(tasks []task.Task) {
	for _, t := range tasks {
		fmt.Printf("%-8s  %-12s  %2d  %-8s  %s\n", truncStr(t.ID, 8), t.Status, t.Position, t.Type, truncStr(t.Title, 60))
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "tf: "+format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: tf <command>

Commands:
  project    Project operations (create, list, get)
  artifact   Artifact operations (request, get, list)
  task       Task operations (list, move)
  user       User operations (list, role)
  jobs       Show recent background jobs
  sweep      Fail artifacts stuck in progress
  verify     Verify the activity hash chain
  init       Initialize database tables`)
}
