package scheduler

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icicle-ci/icicle/internal/models"
)

func init() {
	Strict = true
}

func drv(path string, inputs ...string) models.Derivation {
	return models.Derivation{
		Name:      path,
		DrvPath:   path,
		System:    "x86_64-linux",
		Outputs:   []string{path + "-out"},
		InputDrvs: inputs,
	}
}

func statusOf(t *testing.T, q *BuildQueue, path string) models.BuildStatus {
	t.Helper()
	for _, j := range q.GetAllJobs() {
		if j.Derivation.DrvPath == path {
			return j.Status
		}
	}
	t.Fatalf("job %s not found", path)
	return ""
}

func readyPaths(jobs []models.BuildJob) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Derivation.DrvPath)
	}
	sort.Strings(out)
	return out
}

// S1 - linear chain, all succeed.
func TestS1_LinearChainAllSucceed(t *testing.T) {
	q := New(nil)
	a := drv("/a.drv")
	b := drv("/b.drv", "/a.drv")
	c := drv("/c.drv", "/b.drv")

	complete := q.AddWorkflow([]models.Derivation{a, b, c}, 1)
	require.False(t, complete)

	ready := q.DrainReady()
	require.Equal(t, []string{"/a.drv"}, readyPaths(ready))

	completed := q.UpdateStatus("/a.drv", models.BuildStatusSuccess, nil)
	assert.Empty(t, completed)
	assert.Equal(t, models.BuildStatusReady, statusOf(t, q, "/b.drv"))

	ready = q.DrainReady()
	require.Equal(t, []string{"/b.drv"}, readyPaths(ready))

	completed = q.UpdateStatus("/b.drv", models.BuildStatusSuccess, nil)
	assert.Empty(t, completed)
	assert.Equal(t, models.BuildStatusReady, statusOf(t, q, "/c.drv"))

	ready = q.DrainReady()
	require.Equal(t, []string{"/c.drv"}, readyPaths(ready))

	completed = q.UpdateStatus("/c.drv", models.BuildStatusSuccess, nil)
	assert.Equal(t, []models.WorkflowID{1}, completed)

	assert.Empty(t, q.DrainReady())
	assert.Equal(t, 0, q.Pending(1))
	for _, path := range []string{"/a.drv", "/b.drv", "/c.drv"} {
		assert.Equal(t, models.BuildStatusSuccess, statusOf(t, q, path))
	}
}

// S2 - middle failure cancels the tail.
func TestS2_MiddleFailureCancelsTail(t *testing.T) {
	q := New(nil)
	a := drv("/a.drv")
	b := drv("/b.drv", "/a.drv")
	c := drv("/c.drv", "/b.drv")
	q.AddWorkflow([]models.Derivation{a, b, c}, 1)

	q.DrainReady()
	q.UpdateStatus("/a.drv", models.BuildStatusSuccess, nil)
	q.DrainReady()

	completed := q.UpdateStatus("/b.drv", models.BuildStatusFailed, nil)
	assert.Equal(t, []models.WorkflowID{1}, completed)
	assert.Equal(t, models.BuildStatusCanceled, statusOf(t, q, "/c.drv"))
	assert.Equal(t, 0, q.Pending(1))
	assert.Empty(t, q.DrainReady())
}

// S3 - diamond, shared cancellation is idempotent.
func TestS3_DiamondCancellationIdempotent(t *testing.T) {
	q := New(nil)
	a := drv("/a.drv")
	b := drv("/b.drv", "/a.drv")
	c := drv("/c.drv", "/a.drv")
	d := drv("/d.drv", "/b.drv", "/c.drv")
	q.AddWorkflow([]models.Derivation{a, b, c, d}, 1)
	q.DrainReady()

	completed := q.UpdateStatus("/a.drv", models.BuildStatusFailed, nil)
	assert.Equal(t, []models.WorkflowID{1}, completed, "workflow completes exactly once")
	assert.Equal(t, models.BuildStatusCanceled, statusOf(t, q, "/b.drv"))
	assert.Equal(t, models.BuildStatusCanceled, statusOf(t, q, "/c.drv"))
	assert.Equal(t, models.BuildStatusCanceled, statusOf(t, q, "/d.drv"))
	assert.Equal(t, 0, q.Pending(1))
}

// S4 - two workflows share a job.
func TestS4_TwoWorkflowsShareJob(t *testing.T) {
	q := New(nil)
	a := drv("/a.drv")
	b := drv("/b.drv", "/a.drv")

	complete1 := q.AddWorkflow([]models.Derivation{a}, 1)
	assert.False(t, complete1)
	complete2 := q.AddWorkflow([]models.Derivation{a, b}, 2)
	assert.False(t, complete2)

	ready := q.DrainReady()
	require.Equal(t, []string{"/a.drv"}, readyPaths(ready))

	completed := q.UpdateStatus("/a.drv", models.BuildStatusSuccess, nil)
	assert.ElementsMatch(t, []models.WorkflowID{1}, completed)
	assert.Equal(t, 0, q.Pending(1))
	assert.Equal(t, 1, q.Pending(2))
	assert.Equal(t, models.BuildStatusReady, statusOf(t, q, "/b.drv"))

	ready = q.DrainReady()
	require.Equal(t, []string{"/b.drv"}, readyPaths(ready))

	completed = q.UpdateStatus("/b.drv", models.BuildStatusSuccess, nil)
	assert.Equal(t, []models.WorkflowID{2}, completed)
	assert.Equal(t, 0, q.Pending(2))
}

// S5 - cache pre-empts build; covered at the scheduler level by
// asserting Cached is treated identically to Success for readiness
// and completion purposes (the executor, not the scheduler, decides
// whether to call UpdateStatus with Cached vs Success).
func TestS5_CachedCompletesWorkflow(t *testing.T) {
	q := New(nil)
	a := drv("/a.drv")
	q.AddWorkflow([]models.Derivation{a}, 1)
	q.DrainReady()

	completed := q.UpdateStatus("/a.drv", models.BuildStatusCached, nil)
	assert.Equal(t, []models.WorkflowID{1}, completed)
	assert.Equal(t, models.BuildStatusCached, statusOf(t, q, "/a.drv"))
}

// S6 - clear mid-flight.
func TestS6_ClearWorkflowMidFlight(t *testing.T) {
	q := New(nil)
	a := drv("/a.drv")
	b := drv("/b.drv", "/a.drv")
	q.AddWorkflow([]models.Derivation{a, b}, 1)
	q.DrainReady()

	q.ClearWorkflow(1)
	assert.Empty(t, q.GetAllJobs())

	completed := q.UpdateStatus("/a.drv", models.BuildStatusSuccess, nil)
	assert.Empty(t, completed, "update on a garbage-collected node is a silent no-op")
	assert.Equal(t, 0, q.Pending(1))
}

func TestClearWorkflow_DeletedPrerequisiteEdgeReleasesSharedDependent(t *testing.T) {
	q := New(nil)
	a := drv("/a.drv")
	b := drv("/b.drv", "/a.drv")
	q.AddWorkflow([]models.Derivation{a, b}, 1)
	q.AddWorkflow([]models.Derivation{b}, 2)
	q.DrainReady()

	// Workflow 1 owned /a.drv exclusively; clearing it deletes the node
	// and its outgoing edge, so /b.drv (still requested by workflow 2)
	// has zero incoming edges and becomes Ready.
	q.ClearWorkflow(1)
	assert.Equal(t, models.BuildStatusReady, statusOf(t, q, "/b.drv"))
	assert.Equal(t, []string{"/b.drv"}, readyPaths(q.DrainReady()))
	assert.Equal(t, 1, q.Pending(2))
	assert.Equal(t, 0, q.Pending(1))
}

func TestAddWorkflow_AlreadyCachedFromAnotherWorkflowIsImmediatelyComplete(t *testing.T) {
	q := New(nil)
	a := drv("/a.drv")
	q.AddWorkflow([]models.Derivation{a}, 1)
	q.DrainReady()
	q.UpdateStatus("/a.drv", models.BuildStatusCached, nil)

	complete := q.AddWorkflow([]models.Derivation{a}, 2)
	assert.True(t, complete)
	assert.Equal(t, 0, q.Pending(2))
}

func TestAddWorkflow_NewJobDependingOnAlreadyFailedAncestorIsCanceledImmediately(t *testing.T) {
	q := New(nil)
	a := drv("/a.drv")
	q.AddWorkflow([]models.Derivation{a}, 1)
	q.DrainReady()
	q.UpdateStatus("/a.drv", models.BuildStatusFailed, nil)

	b := drv("/b.drv", "/a.drv")
	complete := q.AddWorkflow([]models.Derivation{b}, 2)
	assert.True(t, complete)
	assert.Equal(t, models.BuildStatusCanceled, statusOf(t, q, "/b.drv"))
}

func TestAddWorkflow_IdempotentReinsertionIsANoOpOnCounters(t *testing.T) {
	q := New(nil)
	a := drv("/a.drv")
	b := drv("/b.drv", "/a.drv")
	q.AddWorkflow([]models.Derivation{a, b}, 1)
	before := q.Pending(1)

	q.AddWorkflow([]models.Derivation{a, b}, 1)
	assert.Equal(t, before, q.Pending(1))
}

func TestInsertingDerivationWithNoInputsIsReadyImmediately(t *testing.T) {
	q := New(nil)
	a := drv("/a.drv")
	q.AddWorkflow([]models.Derivation{a}, 1)
	assert.Equal(t, models.BuildStatusReady, statusOf(t, q, "/a.drv"))
}

func TestDrainReady_ExclusiveAcrossConcurrentDrains(t *testing.T) {
	q := New(nil)
	derivs := make([]models.Derivation, 0, 50)
	for i := 0; i < 50; i++ {
		derivs = append(derivs, drv(string(rune('a'+i))+".drv"))
	}
	q.AddWorkflow(derivs, 1)

	seen := make(map[string]int)
	var mu sync.Mutex
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			for _, j := range q.DrainReady() {
				mu.Lock()
				seen[j.Derivation.DrvPath]++
				mu.Unlock()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	for path, count := range seen {
		assert.LessOrEqualf(t, count, 1, "job %s drained more than once", path)
	}
}

func TestWaitReady_UnblocksOnSignalAndOnContextCancel(t *testing.T) {
	q := New(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(5 * time.Millisecond)
		q.AddWorkflow([]models.Derivation{drv("/a.drv")}, 1)
	}()
	require.NoError(t, q.WaitReady(ctx))

	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	err := q.WaitReady(ctx2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPendingCounterEqualsNonTerminalRequestorCount(t *testing.T) {
	q := New(nil)
	a := drv("/a.drv")
	b := drv("/b.drv", "/a.drv")
	c := drv("/c.drv", "/a.drv")
	q.AddWorkflow([]models.Derivation{a, b, c}, 1)
	assert.Equal(t, 3, q.Pending(1))

	q.DrainReady()
	q.UpdateStatus("/a.drv", models.BuildStatusSuccess, nil)
	assert.Equal(t, 2, q.Pending(1))
}
