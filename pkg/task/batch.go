package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Batch is the output of one task-generation attempt. Attempt is the
// project's generation attempt it belongs to; Result is the raw generator
// output stored alongside the completed status.
type Batch struct {
	Attempt int
	Result  string
	Drafts  []Draft
}

// ValidateHierarchy checks a generated batch: refs are unique, epics are
// roots, every feature hangs off an epic and every task off a feature.
func ValidateHierarchy(drafts []Draft) error {
	types := make(map[string]Type, len(drafts))
	for _, d := range drafts {
		if d.Ref == "" {
			return fmt.Errorf("%w: item %q has no id", ErrInvalid, d.Title)
		}
		if _, dup := types[d.Ref]; dup {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalid, d.Ref)
		}
		if _, err := ParseType(string(d.Type)); err != nil {
			return fmt.Errorf("item %s: %w", d.Ref, err)
		}
		types[d.Ref] = d.Type
	}

	for _, d := range drafts {
		switch d.Type {
		case TypeEpic:
			if d.ParentRef != "" {
				return fmt.Errorf("%w: epic %s must not have a parent", ErrInvalid, d.Ref)
			}
		case TypeFeature:
			if types[d.ParentRef] != TypeEpic {
				return fmt.Errorf("%w: feature %s has invalid parent_id: %q", ErrInvalid, d.Ref, d.ParentRef)
			}
		case TypeTask:
			if types[d.ParentRef] != TypeFeature {
				return fmt.Errorf("%w: task %s has invalid parent_id: %q", ErrInvalid, d.Ref, d.ParentRef)
			}
		}
	}
	return nil
}

// Materialize turns a validated batch into backlog tasks with fresh ids
// and parent links, positioned 1..n in draft order.
func Materialize(projectID string, drafts []Draft) ([]Task, error) {
	if err := ValidateHierarchy(drafts); err != nil {
		return nil, err
	}

	ids := make(map[string]string, len(drafts))
	for _, d := range drafts {
		ids[d.Ref] = uuid.Must(uuid.NewV7()).String()
	}

	now := time.Now().Truncate(time.Microsecond)
	tasks := make([]Task, 0, len(drafts))
	for i, d := range drafts {
		t := Task{
			ID:          ids[d.Ref],
			ProjectID:   projectID,
			Title:       d.Title,
			Description: d.Description,
			Type:        d.Type,
			Status:      StatusBacklog,
			Position:    i + 1,
			StoryPoints: d.StoryPoints,
			ParentID:    ids[d.ParentRef],
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if t.StoryPoints <= 0 {
			t.StoryPoints = 1
		}
		if r := []rune(t.Title); len(r) > maxTitleLen {
			t.Title = string(r[:maxTitleLen])
		}
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("item %s: %w", d.Ref, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
