package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"github.com/icicle-ci/icicle/internal/icicleerr"
	"github.com/icicle-ci/icicle/internal/logger"
	"github.com/icicle-ci/icicle/internal/models"
)

// WorkflowRow is one workflow record as stored.
type WorkflowRow struct {
	ID            int64          `db:"workflow_id"`
	UUID          string         `db:"workflow_uuid"`
	RepoURL       string         `db:"workflow_repo_url"`
	CommitSHA     string         `db:"workflow_commit_sha"`
	Branch        string         `db:"workflow_branch"`
	AttributePath string         `db:"workflow_attribute_path"`
	Status        string         `db:"workflow_status"`
	Error         sql.NullString `db:"workflow_error"`
	CreatedAt     int64          `db:"workflow_created_at"`
	UpdatedAt     int64          `db:"workflow_updated_at"`
}

// BuildRow is one build record as stored, keyed by drv_path.
type BuildRow struct {
	DrvPath    string         `db:"build_drv_path"`
	Name       string         `db:"build_name"`
	System     string         `db:"build_system"`
	Status     string         `db:"build_status"`
	Error      sql.NullString `db:"build_error"`
	StartedAt  int64          `db:"build_started_at"`
	FinishedAt sql.NullInt64  `db:"build_finished_at"`
}

// Store is the append/upsert interface over the history tables.
type Store struct {
	db    *DB
	clock clock.Clock
	log   logger.Log
}

// StoreOption customizes a Store at construction time.
type StoreOption func(*Store)

// WithClock overrides the store's clock, for deterministic tests.
func WithClock(c clock.Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

func NewStore(db *DB, logFactory logger.Factory, opts ...StoreOption) *Store {
	s := &Store{
		db:    db,
		clock: clock.New(),
		log:   logFactory("HistoryStore"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) now() int64 {
	return s.clock.Now().UTC().Unix()
}

// CreateWorkflow inserts a new workflow row in the Running state and
// returns its allocated id. Ids are monotonic within one database, so
// distinct replicas sharing a database cannot collide.
func (s *Store) CreateWorkflow(ctx context.Context, origin models.WorkflowOrigin) (models.WorkflowID, error) {
	now := s.now()
	record := goqu.Record{
		"workflow_uuid":           uuid.New().String(),
		"workflow_repo_url":       origin.CloneURL,
		"workflow_commit_sha":     origin.Commit,
		"workflow_branch":         origin.Branch,
		"workflow_attribute_path": origin.AttributePath,
		"workflow_status":         string(models.WorkflowStatusRunning),
		"workflow_created_at":     now,
		"workflow_updated_at":     now,
	}

	if s.db.Driver == Postgres {
		query, args, err := s.db.Dialect().Insert("workflows").Rows(record).Returning("workflow_id").Prepared(true).ToSQL()
		if err != nil {
			return 0, fmt.Errorf("error building workflow insert: %w", err)
		}
		var id int64
		err = s.db.QueryRowContextRW(ctx, query, args...).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("error inserting workflow: %w", err)
		}
		return models.WorkflowID(id), nil
	}

	query, args, err := s.db.Dialect().Insert("workflows").Rows(record).Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("error building workflow insert: %w", err)
	}
	var id int64
	err = s.db.Write(func() error {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		id, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("error inserting workflow: %w", err)
	}
	return models.WorkflowID(id), nil
}

// UpdateWorkflowStatus advances a workflow row to status, recording
// errText when non-empty.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id models.WorkflowID, status models.WorkflowStatus, errText string) error {
	record := goqu.Record{
		"workflow_status":     string(status),
		"workflow_updated_at": s.now(),
	}
	if errText != "" {
		record["workflow_error"] = errText
	}
	query, args, err := s.db.Dialect().Update("workflows").
		Set(record).
		Where(goqu.Ex{"workflow_id": int64(id)}).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("error building workflow update: %w", err)
	}
	return s.db.Write(func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("error updating workflow %d: %w", id, err)
		}
		return nil
	})
}

// GetWorkflow reads one workflow row by id.
func (s *Store) GetWorkflow(ctx context.Context, id models.WorkflowID) (*WorkflowRow, error) {
	query, args, err := s.db.Dialect().From("workflows").
		Where(goqu.Ex{"workflow_id": int64(id)}).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("error building workflow select: %w", err)
	}
	row := &WorkflowRow{}
	err = s.db.Read(func() error {
		return s.db.GetContext(ctx, row, query, args...)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workflow %d: %w", id, icicleerr.ErrNotFound)
		}
		return nil, fmt.Errorf("error reading workflow %d: %w", id, err)
	}
	return row, nil
}

// ListWorkflows returns the most recent workflow rows, newest first.
func (s *Store) ListWorkflows(ctx context.Context, limit uint) ([]*WorkflowRow, error) {
	query, args, err := s.db.Dialect().From("workflows").
		Order(goqu.I("workflow_created_at").Desc(), goqu.I("workflow_id").Desc()).
		Limit(limit).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("error building workflow list: %w", err)
	}
	var rows []*WorkflowRow
	err = s.db.Read(func() error {
		return s.db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("error listing workflows: %w", err)
	}
	return rows, nil
}

// UpsertBuildStart records that a build has started, inserting the row
// on first sight of the drv_path and otherwise resetting its status,
// start time and error for the new run.
func (s *Store) UpsertBuildStart(ctx context.Context, drv models.Derivation, startedAt time.Time) error {
	started := startedAt.UTC().Unix()
	query, args, err := s.db.Dialect().Insert("builds").
		Rows(goqu.Record{
			"build_drv_path":    drv.DrvPath,
			"build_name":        drv.Name,
			"build_system":      drv.System,
			"build_status":      string(models.BuildStatusRunning),
			"build_error":       nil,
			"build_started_at":  started,
			"build_finished_at": nil,
		}).
		OnConflict(goqu.DoUpdate("build_drv_path", goqu.Record{
			"build_status":      string(models.BuildStatusRunning),
			"build_error":       nil,
			"build_started_at":  started,
			"build_finished_at": nil,
		})).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("error building build upsert: %w", err)
	}
	return s.db.Write(func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("error upserting build %s: %w", drv.DrvPath, err)
		}
		return nil
	})
}

// LinkWorkflow records that workflowID requested the build, ignoring
// duplicates.
func (s *Store) LinkWorkflow(ctx context.Context, drvPath string, workflowID models.WorkflowID) error {
	query, args, err := s.db.Dialect().Insert("build_workflows").
		Rows(goqu.Record{
			"build_drv_path": drvPath,
			"workflow_id":    int64(workflowID),
		}).
		OnConflict(goqu.DoNothing()).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("error building build link insert: %w", err)
	}
	return s.db.Write(func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("error linking build %s to workflow %d: %w", drvPath, workflowID, err)
		}
		return nil
	})
}

// FinishBuild records a build's final status, finish time and error
// text (empty for terminal-ok states).
func (s *Store) FinishBuild(ctx context.Context, drvPath string, status models.BuildStatus, errText string, finishedAt time.Time) error {
	record := goqu.Record{
		"build_status":      string(status),
		"build_finished_at": finishedAt.UTC().Unix(),
	}
	if errText != "" {
		record["build_error"] = errText
	}
	query, args, err := s.db.Dialect().Update("builds").
		Set(record).
		Where(goqu.Ex{"build_drv_path": drvPath}).
		Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("error building build finish update: %w", err)
	}
	return s.db.Write(func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("error finishing build %s: %w", drvPath, err)
		}
		return nil
	})
}

// ListBuildsForWorkflow returns the build rows linked to workflowID.
func (s *Store) ListBuildsForWorkflow(ctx context.Context, workflowID models.WorkflowID) ([]*BuildRow, error) {
	query, args, err := s.db.Dialect().From("builds").
		Join(goqu.T("build_workflows"), goqu.On(goqu.Ex{"builds.build_drv_path": goqu.I("build_workflows.build_drv_path")})).
		Where(goqu.Ex{"build_workflows.workflow_id": int64(workflowID)}).
		Select(goqu.T("builds").All()).
		Order(goqu.I("build_started_at").Asc()).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("error building workflow builds select: %w", err)
	}
	var rows []*BuildRow
	err = s.db.Read(func() error {
		return s.db.SelectContext(ctx, &rows, query, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("error listing builds for workflow %d: %w", workflowID, err)
	}
	return rows, nil
}
