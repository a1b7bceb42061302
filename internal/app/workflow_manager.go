package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/icicle-ci/icicle/internal/config"
	"github.com/icicle-ci/icicle/internal/history"
	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/models"
	"github.com/icicle-ci/icicle/internal/scheduler"
	"github.com/icicle-ci/icicle/internal/scmnotify"
)

// Evaluator is the subset of internal/evaluator the manager depends
// on, declared here (consumer side) so tests can substitute a fake.
type Evaluator interface {
	Clone(ctx context.Context, cloneURL, ref, commitSHA string) (dir string, cleanup func(), err error)
	Evaluate(ctx context.Context, repoDir, attrSet string) ([]models.Derivation, error)
}

// WorkflowManager is the glue between ingress and the scheduler: it
// allocates a workflow id, runs the evaluator asynchronously, feeds
// the resulting derivation set into the queue, and records workflow
// completion (reported by the executor's status updates) back into the
// history store and the SCM.
type WorkflowManager struct {
	queue     *scheduler.BuildQueue
	evaluator Evaluator
	history   *history.Store
	notifier  *scmnotify.Notifier
	nix       config.NixSettings

	ctx context.Context
	log logger.Log

	mu sync.Mutex
	// origins tracks the in-flight workflows so completion callbacks
	// can notify the SCM about the right commit.
	origins map[models.WorkflowID]models.WorkflowOrigin
}

func NewWorkflowManager(
	ctx context.Context,
	queue *scheduler.BuildQueue,
	eval Evaluator,
	historyStore *history.Store,
	notifier *scmnotify.Notifier,
	nix config.NixSettings,
	logFactory logger.Factory,
) *WorkflowManager {
	return &WorkflowManager{
		queue:     queue,
		evaluator: eval,
		history:   historyStore,
		notifier:  notifier,
		nix:       nix,
		ctx:       ctx,
		log:       logFactory("WorkflowManager"),
		origins:   make(map[models.WorkflowID]models.WorkflowOrigin),
	}
}

// LaunchWorkflow creates the workflow record and kicks off evaluation
// in the background; it returns as soon as the id is allocated so the
// webhook response is fast.
func (m *WorkflowManager) LaunchWorkflow(origin models.WorkflowOrigin) (models.WorkflowID, error) {
	if origin.AttributePath == "" {
		origin.AttributePath = m.nix.DefaultAttrSet
	}

	workflowID, err := m.history.CreateWorkflow(m.ctx, origin)
	if err != nil {
		return 0, fmt.Errorf("error creating workflow record: %w", err)
	}

	m.mu.Lock()
	m.origins[workflowID] = origin
	m.mu.Unlock()

	m.notifier.NotifyWorkflowStarted(m.ctx, origin, workflowID)

	go m.evaluate(workflowID, origin)
	return workflowID, nil
}

// evaluate clones and enumerates the workflow's derivation set, then
// hands it to the scheduler. An evaluator failure aborts the workflow
// before any jobs enqueue.
func (m *WorkflowManager) evaluate(workflowID models.WorkflowID, origin models.WorkflowOrigin) {
	log := m.log.WithFields(logger.Fields{
		"workflow_id": int64(workflowID),
		"commit":      origin.Commit,
	})

	ctx := m.ctx
	if timeout := m.nix.EvalTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	repoDir, cleanup, err := m.evaluator.Clone(ctx, origin.CloneURL, origin.Ref, origin.Commit)
	if err != nil {
		log.Errorf("clone failed: %v", err)
		m.failWorkflow(workflowID, origin, err)
		return
	}
	defer cleanup()

	derivations, err := m.evaluator.Evaluate(ctx, repoDir, origin.AttributePath)
	if err != nil {
		log.Errorf("evaluation failed: %v", err)
		m.failWorkflow(workflowID, origin, err)
		return
	}

	log.Infof("evaluation produced %d derivations under %s", len(derivations), origin.AttributePath)
	alreadyComplete := m.queue.AddWorkflow(derivations, workflowID)
	if alreadyComplete {
		// Every requested derivation was already terminal (or the set
		// was empty): no status update will ever fire for this
		// workflow, so complete it here.
		m.completeWorkflow(workflowID)
	}
}

// HandleCompletions is registered as the executor's completion
// handler; it receives the workflows whose pending counters reached
// zero in a status update.
func (m *WorkflowManager) HandleCompletions(workflowIDs []models.WorkflowID) {
	for _, workflowID := range workflowIDs {
		m.completeWorkflow(workflowID)
	}
}

func (m *WorkflowManager) completeWorkflow(workflowID models.WorkflowID) {
	// Any terminal-err job means the workflow as a whole failed.
	status := models.WorkflowStatusCompleted
	var errText string
	for _, job := range m.queue.GetWorkflowJobs(workflowID) {
		if job.Status.Err() {
			status = models.WorkflowStatusFailed
			if job.Error != nil && errText == "" {
				errText = fmt.Sprintf("%s: %s", job.Derivation.Name, *job.Error)
			}
		}
	}

	if err := m.history.UpdateWorkflowStatus(m.ctx, workflowID, status, errText); err != nil {
		m.log.Warnf("error recording workflow %d completion: %v", workflowID, err)
	}

	m.mu.Lock()
	origin, known := m.origins[workflowID]
	delete(m.origins, workflowID)
	m.mu.Unlock()
	if known {
		m.notifier.NotifyWorkflowCompleted(m.ctx, origin, workflowID, status, errText)
	}

	// Release the workflow's membership so jobs no other workflow
	// requests are garbage collected from the DAG.
	m.queue.ClearWorkflow(workflowID)
	m.log.WithField("workflow_id", int64(workflowID)).Infof("workflow %s", status)
}

// failWorkflow records an evaluator failure: the workflow aborts
// before any jobs enqueue.
func (m *WorkflowManager) failWorkflow(workflowID models.WorkflowID, origin models.WorkflowOrigin, cause error) {
	errText := cause.Error()
	if err := m.history.UpdateWorkflowStatus(m.ctx, workflowID, models.WorkflowStatusFailed, errText); err != nil {
		m.log.Warnf("error recording workflow %d failure: %v", workflowID, err)
	}
	m.mu.Lock()
	delete(m.origins, workflowID)
	m.mu.Unlock()
	m.notifier.NotifyWorkflowCompleted(m.ctx, origin, workflowID, models.WorkflowStatusFailed, errText)
}
