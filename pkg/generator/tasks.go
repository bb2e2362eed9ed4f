package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"taskflow/pkg/task"
)

// hoursPerPoint converts estimated hours into story points.
const hoursPerPoint = 4

// generatedItem is one element of the model's task breakdown.
type generatedItem struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	TaskType       string  `json:"task_type"`
	ParentID       *string `json:"parent_id"`
	EstimatedHours float64 `json:"estimated_hours"`
}

// Tasks breaks a PRD down into an epic → feature → task hierarchy.
type Tasks struct {
	model Model
}

func NewTasks(m Model) *Tasks { return &Tasks{model: m} }

func (g *Tasks) Generate(ctx context.Context, in Input) Result {
	if strings.TrimSpace(in.PRD) == "" {
		return Failure("tasks: prd content is required")
	}
	out, err := g.model.Complete(ctx, tasksPrompt(in.PRD))
	if err != nil {
		return Failure("tasks: %v", err)
	}
	drafts, err := ParseTasks(out)
	if err != nil {
		return Failure("tasks: %v", err)
	}
	raw, err := json.Marshal(drafts)
	if err != nil {
		return Failure("tasks: %v", err)
	}
	return Result{Status: StatusSuccess, Content: string(raw), Tasks: drafts}
}

func tasksPrompt(prd string) string {
	return `You are a technical project manager. Break the Product Requirements Document below into
epics, features and tasks. Respond with JSON only, in this shape:

{"items": [
  {"id": "epic_1", "title": "...", "description": "...", "task_type": "epic", "parent_id": null},
  {"id": "feature_1", "title": "...", "description": "...", "task_type": "feature", "parent_id": "epic_1"},
  {"id": "task_1", "title": "...", "description": "...", "task_type": "task", "parent_id": "feature_1", "estimated_hours": 8}
]}

Rules:
- Every feature's parent_id is an epic id. Every task's parent_id is a feature id.
- Tasks must contain estimated_hours.
- Titles are at most 200 characters.

Product Requirements Document:
` + "```markdown\n" + prd + "\n```"
}

// ParseTasks decodes a model response into validated drafts. The JSON may
// be wrapped in prose or a code fence, and may be either {"items": [...]}
// or a bare array.
func ParseTasks(out string) ([]task.Draft, error) {
	body := extractJSON(out)
	if body == "" {
		return nil, fmt.Errorf("no JSON found in model output")
	}

	var items []generatedItem
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &items); err != nil {
			return nil, fmt.Errorf("decode task list: %w", err)
		}
	} else {
		var wrapped struct {
			Items []generatedItem `json:"items"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err != nil {
			return nil, fmt.Errorf("decode task list: %w", err)
		}
		items = wrapped.Items
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("model returned no tasks")
	}

	drafts := make([]task.Draft, 0, len(items))
	for _, it := range items {
		d := task.Draft{
			Ref:         it.ID,
			Title:       strings.TrimSpace(it.Title),
			Description: it.Description,
			Type:        task.Type(strings.ToLower(it.TaskType)),
			StoryPoints: StoryPoints(it.EstimatedHours),
		}
		if it.ParentID != nil {
			d.ParentRef = *it.ParentID
		}
		drafts = append(drafts, d)
	}
	if err := task.ValidateHierarchy(drafts); err != nil {
		return nil, err
	}
	return drafts, nil
}

// StoryPoints maps estimated hours to story points, at least one.
func StoryPoints(hours float64) int {
	if hours <= 0 {
		return 1
	}
	return int(math.Ceil(hours / hoursPerPoint))
}

// extractJSON returns the outermost JSON object or array in s.
func extractJSON(s string) string {
	s = cleanMarkdown(s)
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return ""
	}
	return s[start : end+1]
}
