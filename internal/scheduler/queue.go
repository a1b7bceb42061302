// Package scheduler owns the shared build DAG: a dynamic graph of
// BuildJobs keyed by drv_path, with ready-set maintenance, pending-
// counter accounting per workflow, and cascading cancellation on
// failure. Nodes and edges live in a map rather than a pointer graph
// (node handles are drv_path strings, following the arena/indexed-
// graph approach suggested for this kind of shared, mutable DAG), so
// a node can be looked up, snapshotted, or garbage collected without
// chasing pointers across workflows.
//
// All exported methods take the single queue mutex; none of them
// block on I/O or await anything else while holding it. Cache checks
// and build invocations happen in the executor, never here.
package scheduler

import (
	"context"
	"sync"

	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/models"
)

// Strict turns the scheduler's pending-counter invariant violation
// (decrementing a workflow already at zero pending jobs, which is what
// terminating a node twice would do) into a panic instead of silent
// clamping. A status update on an already-terminal node is not such a
// violation: UpdateStatus ignores it in either mode. The scheduler's
// own tests run with Strict enabled; production defaults to false so a
// momentary bug degrades rather than crashes the orchestrator.
var Strict = false

// node is one vertex of the DAG: a BuildJob plus its outgoing edges
// (prerequisite -> dependent) and the live incoming-edge count used to
// decide readiness. Edges are removed as soon as their prerequisite
// resolves, so indegree always reflects only non-terminal prerequisites.
type node struct {
	job      models.BuildJob
	children map[string]struct{}
	indegree int
	queued   bool // already present in the ready bag, guards double-enqueue
}

// BuildQueue is the shared scheduler state: the DAG, the
// ready set, and the per-workflow pending counters, all guarded by a
// single mutex plus a single-slot notify channel for wait_ready.
type BuildQueue struct {
	mu    sync.Mutex
	nodes map[string]*node
	ready []string
	// pending[w] is the count of jobs requested by w that have not yet
	// reached a terminal state. A workflow's entry is removed once it
	// reaches zero.
	pending map[models.WorkflowID]int
	notifyC chan struct{}
	log     logger.Log
}

// New returns an empty BuildQueue.
func New(log logger.Log) *BuildQueue {
	if log == nil {
		log = logger.NewNoOp()
	}
	return &BuildQueue{
		nodes:   make(map[string]*node),
		pending: make(map[models.WorkflowID]int),
		notifyC: make(chan struct{}, 1),
		log:     log,
	}
}

// signalReady wakes at most one pending WaitReady caller; the slot is
// single-capacity so repeated signals before a waiter drains it simply
// coalesce into one wakeup, which is all wait_ready's contract requires.
func (q *BuildQueue) signalReady() {
	select {
	case q.notifyC <- struct{}{}:
	default:
	}
}

// WaitReady suspends until a ready signal is available, or ctx is
// canceled. A signal sent before the call that no earlier waiter
// consumed is kept in the single slot and returns immediately, so a
// ready set that grew while nobody was waiting is not missed. Spurious
// wakeups are permitted; callers must re-check drain_ready's result
// rather than assume it is non-empty.
func (q *BuildQueue) WaitReady(ctx context.Context) error {
	select {
	case <-q.notifyC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueReady appends drvPath to the ready bag if it isn't already
// there. Caller must hold q.mu.
func (q *BuildQueue) enqueueReady(n *node, drvPath string) {
	if n.queued {
		return
	}
	n.queued = true
	q.ready = append(q.ready, drvPath)
}

// AddWorkflow inserts a batch of derivations on behalf of workflowID,
// merging with any already-known nodes, and reports whether the
// workflow is already fully complete (e.g. every requested derivation
// was already terminal-ok from a prior workflow).
func (q *BuildQueue) AddWorkflow(derivations []models.Derivation, workflowID models.WorkflowID) bool {
	q.mu.Lock()

	var becameReady []string
	var completed []models.WorkflowID // completions caused by immediate cancellation of a new node whose input already failed

	newNodes := make([]string, 0, len(derivations))
	for _, d := range derivations {
		n, exists := q.nodes[d.DrvPath]
		if exists {
			if _, already := n.job.RequestedBy[workflowID]; already {
				continue // idempotent re-insertion: (drv_path, workflow_id) already recorded
			}
			n.job.RequestedBy[workflowID] = struct{}{}
			if !n.job.Status.Terminal() {
				q.pending[workflowID]++
			}
			continue
		}
		n = &node{
			job: models.BuildJob{
				Derivation:  d,
				Status:      models.BuildStatusQueued,
				RequestedBy: map[models.WorkflowID]struct{}{workflowID: {}},
			},
			children: make(map[string]struct{}),
		}
		q.nodes[d.DrvPath] = n
		q.pending[workflowID]++
		newNodes = append(newNodes, d.DrvPath)
	}

	for _, drvPath := range newNodes {
		q.resolveNewNode(q.nodes[drvPath], &becameReady, &completed)
	}

	q.mu.Unlock()

	if len(becameReady) > 0 {
		q.signalReady()
	}

	q.mu.Lock()
	remaining := q.pending[workflowID]
	q.mu.Unlock()
	return remaining == 0
}

// resolveNewNode computes a freshly-inserted node's edges against the
// current DAG and sets its initial status. An input
// whose drv_path is not yet a node (not in this batch, not already
// known) leaves the edge un-wired — the evaluator adapter is
// responsible for supplying a closed set, but a warning is logged so a
// gap doesn't vanish silently.
//
// An input that already resolved to a terminal-ok node is treated as
// already satisfied (no edge). An input that resolved to a terminal-
// err node means this job could never have run anyway, so it is
// canceled immediately rather than left permanently Queued waiting on
// an edge-removal event that already happened in the past.
func (q *BuildQueue) resolveNewNode(n *node, becameReady *[]string, completed *[]models.WorkflowID) {
	indegree := 0
	ancestorFailed := false
	for _, input := range n.job.Derivation.InputDrvs {
		parent, ok := q.nodes[input]
		if !ok {
			q.log.Warnf("derivation %s declares input %s which is not in the batch or known to the DAG; edge dropped", n.job.Derivation.DrvPath, input)
			continue
		}
		switch {
		case parent.job.Status.Err():
			ancestorFailed = true
		case parent.job.Status.Ok():
			// already resolved, no edge needed
		default:
			parent.children[n.job.Derivation.DrvPath] = struct{}{}
			indegree++
		}
	}
	n.indegree = indegree
	if ancestorFailed {
		q.terminate(n, models.BuildStatusCanceled, nil, completed, becameReady)
		return
	}
	if indegree == 0 {
		n.job.Status = models.BuildStatusReady
		q.enqueueReady(n, n.job.Derivation.DrvPath)
		*becameReady = append(*becameReady, n.job.Derivation.DrvPath)
	} else {
		n.job.Status = models.BuildStatusQueued
	}
}

// DrainReady atomically swaps the ready bag with an empty one and
// returns snapshots of the corresponding jobs. It does not change any
// job's status; the executor transitions each drained job to Running
// explicitly via UpdateStatus. A job is returned at most once across
// its lifetime unless it re-enters Ready, which this design never does.
func (q *BuildQueue) DrainReady() []models.BuildJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.BuildJob, 0, len(q.ready))
	for _, drvPath := range q.ready {
		n, ok := q.nodes[drvPath]
		if !ok {
			continue // cleared mid-flight
		}
		n.queued = false
		out = append(out, n.job.Snapshot())
	}
	q.ready = q.ready[:0]
	return out
}

// UpdateStatus applies a status transition to the named job and
// returns the workflows that completed as a result (pending[w]
// reached zero). A transition on an unknown drv_path (garbage
// collected by ClearWorkflow) or an already-terminal node is a silent
// no-op, per the monotone-termination invariant.
func (q *BuildQueue) UpdateStatus(drvPath string, status models.BuildStatus, errMsg *string) []models.WorkflowID {
	q.mu.Lock()

	var completed []models.WorkflowID
	var becameReady []string

	n, ok := q.nodes[drvPath]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	if n.job.Status.Terminal() {
		q.mu.Unlock()
		return nil // monotone termination: never re-transition
	}
	if !status.Terminal() {
		n.job.Status = status
		q.mu.Unlock()
		return nil
	}

	q.terminate(n, status, errMsg, &completed, &becameReady)
	q.mu.Unlock()

	if len(becameReady) > 0 {
		q.signalReady()
	}
	return completed
}

// terminate moves n into a terminal state and applies its downstream
// effects. Caller must hold q.mu. n must not already be terminal.
func (q *BuildQueue) terminate(n *node, status models.BuildStatus, errMsg *string, completed *[]models.WorkflowID, becameReady *[]string) {
	n.job.Status = status
	if errMsg != nil {
		n.job.Error = errMsg
	}
	q.decrementPending(n, completed)

	if status.Ok() {
		children := n.children
		n.children = make(map[string]struct{}) // outgoing edges detached
		for child := range children {
			cn, ok := q.nodes[child]
			if !ok {
				continue
			}
			cn.indegree--
			if cn.indegree <= 0 && !cn.job.Status.Terminal() && cn.job.Status != models.BuildStatusReady {
				cn.job.Status = models.BuildStatusReady
				q.enqueueReady(cn, child)
				*becameReady = append(*becameReady, child)
			}
		}
		return
	}

	// Terminal-err: the node is history, detach incoming relevance and
	// cascade Canceled to every descendant. The recursive call on each
	// child short-circuits immediately if that child is already
	// terminal, which is what keeps a diamond's shared cancellation
	// idempotent on diamonds.
	children := n.children
	n.children = make(map[string]struct{})
	for child := range children {
		cn, ok := q.nodes[child]
		if !ok || cn.job.Status.Terminal() {
			continue
		}
		q.terminate(cn, models.BuildStatusCanceled, nil, completed, becameReady)
	}
}

// decrementPending reduces pending[w] for every workflow requesting n
// and records any workflow whose pending count reaches zero. Caller
// must hold q.mu.
func (q *BuildQueue) decrementPending(n *node, completed *[]models.WorkflowID) {
	for w := range n.job.RequestedBy {
		c, ok := q.pending[w]
		if !ok || c <= 0 {
			if Strict {
				panic("scheduler: decrementing pending counter that is already zero")
			}
			continue
		}
		c--
		if c == 0 {
			delete(q.pending, w)
			*completed = append(*completed, w)
		} else {
			q.pending[w] = c
		}
	}
}

// ClearWorkflow removes workflowID from every job's RequestedBy set.
// A job whose RequestedBy becomes empty is deleted outright, along
// with its edges: surviving dependents of a deleted node lose the
// corresponding incoming edge and may become Ready, and surviving
// prerequisites forget the deleted node so a later re-insertion of the
// same drv_path starts from a clean slate. Stale ready-bag entries are
// filtered out by DrainReady. No completion signal is emitted for the
// cleared workflow.
func (q *BuildQueue) ClearWorkflow(workflowID models.WorkflowID) {
	q.mu.Lock()

	removed := make(map[string]*node)
	for drvPath, n := range q.nodes {
		if _, ok := n.job.RequestedBy[workflowID]; !ok {
			continue
		}
		delete(n.job.RequestedBy, workflowID)
		if len(n.job.RequestedBy) == 0 {
			delete(q.nodes, drvPath)
			removed[drvPath] = n
		}
	}
	delete(q.pending, workflowID)

	readyGrew := false
	// The Ready invariant is "zero incoming edges and non-terminal":
	// once a deleted prerequisite's edges are gone, a surviving
	// dependent with no other unresolved inputs becomes Ready.
	for _, n := range removed {
		for child := range n.children {
			cn, ok := q.nodes[child]
			if !ok {
				continue
			}
			cn.indegree--
			if cn.indegree <= 0 && !cn.job.Status.Terminal() && cn.job.Status != models.BuildStatusReady {
				cn.job.Status = models.BuildStatusReady
				q.enqueueReady(cn, child)
				readyGrew = true
			}
		}
	}
	for _, n := range q.nodes {
		for child := range n.children {
			if _, gone := removed[child]; gone {
				delete(n.children, child)
			}
		}
	}

	q.mu.Unlock()
	if readyGrew {
		q.signalReady()
	}
}

// GetAllJobs returns a snapshot of every job currently known to the
// DAG, safe to call concurrently with any mutation.
func (q *BuildQueue) GetAllJobs() []models.BuildJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.BuildJob, 0, len(q.nodes))
	for _, n := range q.nodes {
		out = append(out, n.job.Snapshot())
	}
	return out
}

// GetWorkflowJobs returns a snapshot of every job requested by w.
func (q *BuildQueue) GetWorkflowJobs(w models.WorkflowID) []models.BuildJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.BuildJob, 0)
	for _, n := range q.nodes {
		if _, ok := n.job.RequestedBy[w]; ok {
			out = append(out, n.job.Snapshot())
		}
	}
	return out
}

// Pending returns the current pending count for w (0 if unknown/complete).
func (q *BuildQueue) Pending(w models.WorkflowID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[w]
}
