package restapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/icicle-ci/icicle/internal/dashboard"
	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/models"
	"github.com/icicle-ci/icicle/internal/scheduler"
	"github.com/icicle-ci/icicle/internal/webhook"
)

type nopLauncher struct{}

func (nopLauncher) LaunchWorkflow(models.WorkflowOrigin) (models.WorkflowID, error) { return 1, nil }

func newTestRouter(q *scheduler.BuildQueue) http.Handler {
	webhookAPI := webhook.NewGitHubWebhookAPI("", nopLauncher{}, logger.NoOpFactory)
	dashboardAPI := dashboard.New(q, nil, logger.NoOpFactory)
	statusAPI := NewStatusAPI(q, logger.NoOpFactory)
	return NewRouter(webhookAPI, dashboardAPI, statusAPI, logger.NoOpFactory)
}

func TestRouter_HealthAndMetadata(t *testing.T) {
	router := newTestRouter(scheduler.New(nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := map[string]string{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "icicle", resp["service"])
}

func TestRouter_ListJobsReflectsQueueState(t *testing.T) {
	q := scheduler.New(nil)
	q.AddWorkflow([]models.Derivation{
		{Name: "a", DrvPath: "/a.drv", System: "x86_64-linux"},
		{Name: "b", DrvPath: "/b.drv", System: "x86_64-linux", InputDrvs: []string{"/a.drv"}},
	}, 4)
	router := newTestRouter(q)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs []struct {
			DrvPath     string  `json:"drv_path"`
			Status      string  `json:"status"`
			RequestedBy []int64 `json:"requested_by"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 2)
	assert.Equal(t, "/a.drv", resp.Jobs[0].DrvPath)
	assert.Equal(t, "ready", resp.Jobs[0].Status)
	assert.Equal(t, "queued", resp.Jobs[1].Status)
	assert.Equal(t, []int64{4}, resp.Jobs[0].RequestedBy)
}

func TestRouter_ListWorkflowJobs(t *testing.T) {
	q := scheduler.New(nil)
	q.AddWorkflow([]models.Derivation{{Name: "a", DrvPath: "/a.drv"}}, 7)
	q.AddWorkflow([]models.Derivation{{Name: "b", DrvPath: "/b.drv"}}, 8)
	router := newTestRouter(q)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workflows/7/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		WorkflowID int64 `json:"workflow_id"`
		Jobs       []struct {
			DrvPath string `json:"drv_path"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(7), resp.WorkflowID)
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, "/a.drv", resp.Jobs[0].DrvPath)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workflows/nope/jobs", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_DashboardServedAtRootAndDashboard(t *testing.T) {
	router := newTestRouter(scheduler.New(nil))

	for _, path := range []string{"/", "/dashboard"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/html", path)
	}
}
