package models

// BuildStatus is the state of a BuildJob within the scheduler's DAG.
//
// The set is closed and partitioned into non-terminal and terminal
// states; terminal states are further split into ok and err so that
// the scheduler can decide whether to propagate success (detach
// outgoing edges) or failure (cascade Canceled).
type BuildStatus string

const (
	// BuildStatusQueued means the job has at least one non-terminal
	// prerequisite.
	BuildStatusQueued BuildStatus = "queued"
	// BuildStatusReady means the job has zero incoming edges and is
	// eligible for dispatch.
	BuildStatusReady BuildStatus = "ready"
	// BuildStatusRunning means a worker has taken ownership of the job.
	BuildStatusRunning BuildStatus = "running"
	// BuildStatusSuccess means the build command exited zero.
	BuildStatusSuccess BuildStatus = "success"
	// BuildStatusCached means the outputs were already present in the
	// artifact cache and the build command never ran.
	BuildStatusCached BuildStatus = "cached"
	// BuildStatusFailed means the build command exited non-zero.
	BuildStatusFailed BuildStatus = "failed"
	// BuildStatusTimedOut means the build exceeded build_timeout_secs.
	BuildStatusTimedOut BuildStatus = "timed_out"
	// BuildStatusCanceled means an ancestor reached a terminal-err state.
	BuildStatusCanceled BuildStatus = "canceled"
)

// Valid reports whether s is one of the closed set of known statuses.
func (s BuildStatus) Valid() bool {
	switch s {
	case BuildStatusQueued, BuildStatusReady, BuildStatusRunning,
		BuildStatusSuccess, BuildStatusCached,
		BuildStatusFailed, BuildStatusTimedOut, BuildStatusCanceled:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a state a job never transitions out of.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusSuccess, BuildStatusCached,
		BuildStatusFailed, BuildStatusTimedOut, BuildStatusCanceled:
		return true
	default:
		return false
	}
}

// Ok reports whether s is a terminal-ok state (Success or Cached).
// Only meaningful when Terminal() is true.
func (s BuildStatus) Ok() bool {
	return s == BuildStatusSuccess || s == BuildStatusCached
}

// Err reports whether s is a terminal-err state.
func (s BuildStatus) Err() bool {
	return s == BuildStatusFailed || s == BuildStatusTimedOut || s == BuildStatusCanceled
}

func (s BuildStatus) String() string {
	return string(s)
}
