// Package generator produces artifact content. Each artifact kind has one
// Generator; text generators sit on top of a provider-neutral Model.
package generator

import (
	"context"
	"fmt"
	"sort"

	"taskflow/pkg/artifact"
	"taskflow/pkg/project"
	"taskflow/pkg/task"
)

// Status is the outcome of a generation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Result is what a generator returns. Generators report failure through
// Status, never through panics.
type Result struct {
	Status  Status
	Content string
	Error   string
	// Tasks is set by the tasks generator on success.
	Tasks []task.Draft
}

// Success wraps generated content.
func Success(content string) Result {
	return Result{Status: StatusSuccess, Content: content}
}

// Failure wraps a generation error.
func Failure(format string, args ...any) Result {
	return Result{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}

// OK reports whether the generation succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Input is everything a generator may need, gathered before dispatch.
type Input struct {
	Project     project.Project
	BRD         string
	PRD         string
	Tasks       []task.Task
	GitHubToken string
}

// Generator produces the content of one artifact kind.
type Generator interface {
	Generate(ctx context.Context, in Input) Result
}

// Func adapts a function to Generator.
type Func func(ctx context.Context, in Input) Result

func (f Func) Generate(ctx context.Context, in Input) Result { return f(ctx, in) }

// Registry maps artifact kinds to generators. It is built once at startup.
type Registry struct {
	gens map[artifact.Kind]Generator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{gens: make(map[artifact.Kind]Generator)}
}

// Register binds g to kind, replacing any previous binding.
func (r *Registry) Register(kind artifact.Kind, g Generator) {
	r.gens[kind] = g
}

// Get returns the generator for kind.
func (r *Registry) Get(kind artifact.Kind) (Generator, bool) {
	g, ok := r.gens[kind]
	return g, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []artifact.Kind {
	out := make([]artifact.Kind, 0, len(r.gens))
	for k := range r.gens {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
