// Package dashboard renders a read-only HTML snapshot of the queue:
// job counts per status and per-workflow progress. It reads immutable
// snapshots from the scheduler and recent workflow rows from the
// history store; it never mutates either.
package dashboard

import (
	"context"
	"html/template"
	"net/http"
	"sort"

	"github.com/icicle-ci/icicle/internal/history"
	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/models"
)

const recentWorkflowLimit = 50

// QueueSnapshot is the read-only view of the scheduler the dashboard
// depends on.
type QueueSnapshot interface {
	GetAllJobs() []models.BuildJob
}

// WorkflowLister reads recent workflow rows for display. May be nil,
// in which case only live queue state is shown.
type WorkflowLister interface {
	ListWorkflows(ctx context.Context, limit uint) ([]*history.WorkflowRow, error)
}

type statusCount struct {
	Status string
	Count  int
}

type workflowProgress struct {
	WorkflowID      int64
	Branch          string
	Commit          string
	Status          string
	TotalJobs       int
	CompletedJobs   int
	FailedJobs      int
	CachedJobs      int
	ProgressPercent int
}

type dashboardData struct {
	QueueStats []statusCount
	TotalJobs  int
	Workflows  []workflowProgress
}

// Dashboard serves GET / and GET /dashboard.
type Dashboard struct {
	queue     QueueSnapshot
	workflows WorkflowLister
	tmpl      *template.Template
	log       logger.Log
}

func New(queue QueueSnapshot, workflows WorkflowLister, logFactory logger.Factory) *Dashboard {
	return &Dashboard{
		queue:     queue,
		workflows: workflows,
		tmpl:      template.Must(template.New("dashboard").Parse(dashboardTemplate)),
		log:       logFactory("Dashboard"),
	}
}

// HandleDashboard renders the snapshot.
func (d *Dashboard) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	data := d.collect(r.Context())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := d.tmpl.Execute(w, data); err != nil {
		d.log.Errorf("error rendering dashboard: %v", err)
	}
}

func (d *Dashboard) collect(ctx context.Context) dashboardData {
	jobs := d.queue.GetAllJobs()

	counts := make(map[models.BuildStatus]int)
	type tally struct {
		total, completed, failed, cached int
	}
	byWorkflow := make(map[models.WorkflowID]*tally)
	for _, job := range jobs {
		counts[job.Status]++
		for _, w := range job.RequestedByWorkflows() {
			t := byWorkflow[w]
			if t == nil {
				t = &tally{}
				byWorkflow[w] = t
			}
			t.total++
			if job.Status.Terminal() {
				t.completed++
			}
			switch job.Status {
			case models.BuildStatusFailed, models.BuildStatusTimedOut, models.BuildStatusCanceled:
				t.failed++
			case models.BuildStatusCached:
				t.cached++
			}
		}
	}

	data := dashboardData{TotalJobs: len(jobs)}
	for _, status := range []models.BuildStatus{
		models.BuildStatusQueued, models.BuildStatusReady, models.BuildStatusRunning,
		models.BuildStatusSuccess, models.BuildStatusCached,
		models.BuildStatusFailed, models.BuildStatusTimedOut, models.BuildStatusCanceled,
	} {
		if counts[status] > 0 {
			data.QueueStats = append(data.QueueStats, statusCount{Status: string(status), Count: counts[status]})
		}
	}

	var rows []*history.WorkflowRow
	if d.workflows != nil {
		var err error
		rows, err = d.workflows.ListWorkflows(ctx, recentWorkflowLimit)
		if err != nil {
			d.log.Warnf("error listing workflows for dashboard: %v", err)
		}
	}

	seen := make(map[models.WorkflowID]bool)
	for _, row := range rows {
		id := models.WorkflowID(row.ID)
		progress := workflowProgress{
			WorkflowID: row.ID,
			Branch:     row.Branch,
			Commit:     shortCommit(row.CommitSHA),
			Status:     row.Status,
		}
		if t := byWorkflow[id]; t != nil {
			progress.TotalJobs = t.total
			progress.CompletedJobs = t.completed
			progress.FailedJobs = t.failed
			progress.CachedJobs = t.cached
			if t.total > 0 {
				progress.ProgressPercent = t.completed * 100 / t.total
			}
		} else if row.Status == string(models.WorkflowStatusCompleted) {
			progress.ProgressPercent = 100
		}
		data.Workflows = append(data.Workflows, progress)
		seen[id] = true
	}

	// Live workflows whose rows fell outside the recent window (or when
	// no history store is wired) still show up from queue state alone.
	var extra []models.WorkflowID
	for id := range byWorkflow {
		if !seen[id] {
			extra = append(extra, id)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] > extra[j] })
	for _, id := range extra {
		t := byWorkflow[id]
		progress := workflowProgress{
			WorkflowID:    int64(id),
			Status:        string(models.WorkflowStatusRunning),
			TotalJobs:     t.total,
			CompletedJobs: t.completed,
			FailedJobs:    t.failed,
			CachedJobs:    t.cached,
		}
		if t.total > 0 {
			progress.ProgressPercent = t.completed * 100 / t.total
		}
		data.Workflows = append(data.Workflows, progress)
	}

	return data
}

func shortCommit(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

const dashboardTemplate = `<!DOCTYPE html>
<html>
<head>
<title>icicle</title>
<style>
body { font-family: sans-serif; margin: 2em; color: #1a2733; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; margin-bottom: 2em; }
th, td { border: 1px solid #c8d1d9; padding: 0.4em 0.8em; text-align: left; }
th { background: #eef2f5; }
.progress { background: #eef2f5; width: 12em; }
.progress > div { background: #2e8b57; color: white; text-align: right; padding: 0 0.3em; white-space: nowrap; }
</style>
</head>
<body>
<h1>Build queue</h1>
<table>
<tr><th>Status</th><th>Jobs</th></tr>
{{range .QueueStats}}<tr><td>{{.Status}}</td><td>{{.Count}}</td></tr>
{{end}}<tr><th>total</th><th>{{.TotalJobs}}</th></tr>
</table>

<h1>Workflows</h1>
<table>
<tr><th>Workflow</th><th>Branch</th><th>Commit</th><th>Status</th><th>Jobs</th><th>Failed</th><th>Cached</th><th>Progress</th></tr>
{{range .Workflows}}<tr>
<td>{{.WorkflowID}}</td>
<td>{{.Branch}}</td>
<td>{{.Commit}}</td>
<td>{{.Status}}</td>
<td>{{.CompletedJobs}}/{{.TotalJobs}}</td>
<td>{{.FailedJobs}}</td>
<td>{{.CachedJobs}}</td>
<td class="progress"><div style="width: {{.ProgressPercent}}%">{{.ProgressPercent}}%</div></td>
</tr>
{{end}}</table>
</body>
</html>
`
