package scheduler

import "sort"

// SortByUrgency orders tasks by band (P0 first), then score (highest first),
// then enqueue time (oldest first). The sort is stable, so tasks equal on all
// three keep their input order. The input slice is not modified.
func SortByUrgency(tasks []*Task) []*Task {
	out := append([]*Task(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		return urgencyLess(out[i], out[j])
	})
	return out
}

func urgencyLess(a, b *Task) bool {
	if ra, rb := a.Band().rank(), b.Band().rank(); ra != rb {
		return ra > rb
	}
	if sa, sb := a.Score(), b.Score(); sa != sb {
		return sa > sb
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
