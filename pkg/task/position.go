package task

import "sort"

// Reposition computes the board after moving task id to position in the
// status bucket. The task leaves its old bucket, which is renumbered
// 1..n. The target position is clamped to [1, len(bucket)+1] and tasks at
// or after it shift down by one. Only tasks whose status or position
// changed are returned.
func Reposition(tasks []Task, id string, status Status, position int) ([]Task, error) {
	var moved *Task
	for i := range tasks {
		if tasks[i].ID == id {
			m := tasks[i]
			moved = &m
			break
		}
	}
	if moved == nil {
		return nil, ErrNotFound
	}

	buckets := bucketize(tasks, id)
	target := buckets[status]
	if position < 1 {
		position = 1
	}
	if position > len(target)+1 {
		position = len(target) + 1
	}

	moved.Status = status
	target = append(target, Task{})
	copy(target[position:], target[position-1:])
	target[position-1] = *moved
	buckets[status] = target

	return changed(tasks, buckets), nil
}

// Compact renumbers every bucket to 1..n, keeping the current order. It
// returns the tasks whose position changed.
func Compact(tasks []Task) []Task {
	return changed(tasks, bucketize(tasks, ""))
}

// NextPosition returns the position a new task appended to status takes.
func NextPosition(tasks []Task, status Status) int {
	n := 0
	for _, t := range tasks {
		if t.Status == status {
			n++
		}
	}
	return n + 1
}

// bucketize groups tasks by status in position order, leaving out skip.
func bucketize(tasks []Task, skip string) map[Status][]Task {
	buckets := make(map[Status][]Task)
	for _, t := range tasks {
		if t.ID == skip {
			continue
		}
		buckets[t.Status] = append(buckets[t.Status], t)
	}
	for _, b := range buckets {
		sort.SliceStable(b, func(i, j int) bool {
			if b[i].Position != b[j].Position {
				return b[i].Position < b[j].Position
			}
			return b[i].CreatedAt.Before(b[j].CreatedAt)
		})
	}
	return buckets
}

func changed(before []Task, buckets map[Status][]Task) []Task {
	old := make(map[string]Task, len(before))
	for _, t := range before {
		old[t.ID] = t
	}
	var out []Task
	for _, st := range orderedStatuses(buckets) {
		for i, t := range buckets[st] {
			t.Position = i + 1
			if o := old[t.ID]; o.Status != t.Status || o.Position != t.Position {
				out = append(out, t)
			}
		}
	}
	return out
}

func orderedStatuses(buckets map[Status][]Task) []Status {
	out := make([]Status, 0, len(buckets))
	seen := make(map[Status]bool, len(buckets))
	for _, st := range Statuses {
		if _, ok := buckets[st]; ok {
			out = append(out, st)
			seen[st] = true
		}
	}
	var rest []Status
	for st := range buckets {
		if !seen[st] {
			rest = append(rest, st)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(out, rest...)
}
