package restapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/models"
	"github.com/icicle-ci/icicle/internal/version"
)

// JobReader is the scheduler snapshot surface the status API reads.
type JobReader interface {
	GetAllJobs() []models.BuildJob
	GetWorkflowJobs(w models.WorkflowID) []models.BuildJob
}

// StatusAPI serves the liveness probe, service metadata and the
// read-only job listings.
type StatusAPI struct {
	jobs JobReader
	log  logger.Log
}

func NewStatusAPI(jobs JobReader, logFactory logger.Factory) *StatusAPI {
	return &StatusAPI{
		jobs: jobs,
		log:  logFactory("StatusAPI"),
	}
}

func (a *StatusAPI) writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.log.Errorf("error encoding response: %v", err)
	}
}

// HandleHealth is the liveness probe.
func (a *StatusAPI) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleMetadata returns service identification for API consumers.
func (a *StatusAPI) HandleMetadata(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{
		"service": "icicle",
		"version": version.String(),
	})
}

type jobDocument struct {
	Name        string   `json:"name"`
	DrvPath     string   `json:"drv_path"`
	System      string   `json:"system"`
	Status      string   `json:"status"`
	Error       *string  `json:"error,omitempty"`
	RequestedBy []int64  `json:"requested_by"`
	Outputs     []string `json:"outputs"`
}

func toJobDocuments(jobs []models.BuildJob) []jobDocument {
	docs := make([]jobDocument, 0, len(jobs))
	for _, job := range jobs {
		requestedBy := make([]int64, 0, len(job.RequestedBy))
		for _, w := range job.RequestedByWorkflows() {
			requestedBy = append(requestedBy, int64(w))
		}
		sort.Slice(requestedBy, func(i, j int) bool { return requestedBy[i] < requestedBy[j] })
		docs = append(docs, jobDocument{
			Name:        job.Derivation.Name,
			DrvPath:     job.Derivation.DrvPath,
			System:      job.Derivation.System,
			Status:      string(job.Status),
			Error:       job.Error,
			RequestedBy: requestedBy,
			Outputs:     job.Derivation.Outputs,
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].DrvPath < docs[j].DrvPath })
	return docs
}

// HandleListJobs returns every job currently known to the scheduler.
func (a *StatusAPI) HandleListJobs(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": toJobDocuments(a.jobs.GetAllJobs()),
	})
}

// HandleListWorkflowJobs returns the jobs requested by one workflow.
func (a *StatusAPI) HandleListWorkflowJobs(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "workflow_id"), 10, 64)
	if err != nil {
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "workflow_id must be an integer"})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflow_id": id,
		"jobs":        toJobDocuments(a.jobs.GetWorkflowJobs(models.WorkflowID(id))),
	})
}
