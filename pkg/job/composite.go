package job

import "time"

// AggregateStatus derives a composite job's status from its children:
// any failed child fails the composite, otherwise any aborted child aborts
// it, otherwise it is finalized once every child is, and in between it
// reports the least advanced child status. No children means waiting.
func AggregateStatus(children []Status) Status {
	if len(children) == 0 {
		return StatusWaiting
	}

	least := StatusFinalized
	aborted := false
	for _, s := range children {
		switch s {
		case StatusFailed:
			return StatusFailed
		case StatusAborted:
			aborted = true
			continue
		}
		if s.Rank() >= 0 && s.Rank() < least.Rank() {
			least = s
		}
	}
	if aborted {
		return StatusAborted
	}
	return least
}

// ChildStatuses returns the statuses of expanded children in order.
func (j *Job) ChildStatuses() []Status {
	out := make([]Status, 0, len(j.ChildJobs))
	for _, c := range j.ChildJobs {
		out = append(out, c.Status)
	}
	return out
}

// MirrorChildren sets a composite job's status from its expanded children
// and copies the first failed or aborted child's error cause. It reports
// whether the status changed.
func (j *Job) MirrorChildren(now time.Time) bool {
	next := AggregateStatus(j.ChildStatuses())
	if next == j.Status {
		return false
	}
	if next.IsFailure() {
		if !j.Status.IsFailure() {
			j.LastStatus = j.Status
		}
		for _, c := range j.ChildJobs {
			if c.Status == next {
				j.NoteError(c.ErrorType, c.ErrorDescription)
				break
			}
		}
	}
	j.setStatus(next, now)
	return true
}
