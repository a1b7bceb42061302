package models

// WorkflowID identifies one CI run. It is a monotonic 64-bit integer
// allocated by the history store (insert-and-return), so that distinct
// replicas of this service cannot collide; the scheduler treats it as
// an opaque comparable value.
type WorkflowID int64

// BuildJob is the scheduler's view of a Derivation: the derivation
// itself, its current status, and the set of workflows that currently
// request it. A job exists for as long as RequestedBy is non-empty.
type BuildJob struct {
	Derivation  Derivation
	Status      BuildStatus
	RequestedBy map[WorkflowID]struct{}
	// Error holds the captured failure text for a job that reached
	// Failed or TimedOut. Nil otherwise.
	Error *string
}

// RequestedByWorkflows returns the set of workflows requesting this
// job as a slice, for snapshots handed to external readers.
func (j BuildJob) RequestedByWorkflows() []WorkflowID {
	out := make([]WorkflowID, 0, len(j.RequestedBy))
	for w := range j.RequestedBy {
		out = append(out, w)
	}
	return out
}

// Snapshot returns a value copy of j whose RequestedBy map is
// independent of the scheduler's live node, so external readers (the
// dashboard, the REST API, a drained job handed to the executor) never
// observe a mutation racing with the scheduler's mutex.
func (j BuildJob) Snapshot() BuildJob {
	requestedBy := make(map[WorkflowID]struct{}, len(j.RequestedBy))
	for w := range j.RequestedBy {
		requestedBy[w] = struct{}{}
	}
	return BuildJob{
		Derivation:  j.Derivation,
		Status:      j.Status,
		RequestedBy: requestedBy,
		Error:       j.Error,
	}
}
