package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/modelforge/forge3d/internal/models"
)

// Store wraps pgxpool for Postgres persistence of artifacts and jobs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the database is reachable; mains treat failure as fatal.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateArtifactParams collects inputs required to accept a generation request.
type CreateArtifactParams struct {
	Owner           string
	Prompt          string
	ArtStyle        string
	Quality         string
	TargetPolycount int
}

// CreateArtifact inserts an artifact and its job in one transaction.
// The job starts in pending_preview at version 1; the poller owns it from there.
func (s *Store) CreateArtifact(ctx context.Context, p CreateArtifactParams) (models.Artifact, models.Job, error) {
	if p.ArtStyle == "" {
		p.ArtStyle = "realistic"
	}
	if p.Quality == "" {
		p.Quality = "refined"
	}
	if p.TargetPolycount == 0 {
		p.TargetPolycount = 30000
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Artifact{}, models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	artifactID := uuid.New().String()
	jobID := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO artifacts (id, owner_id, prompt, art_style, quality, target_polycount, status, progress, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8)
	`, artifactID, p.Owner, p.Prompt, p.ArtStyle, p.Quality, p.TargetPolycount, models.ArtifactProcessing, now)
	if err != nil {
		return models.Artifact{}, models.Job{}, fmt.Errorf("insert artifact: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, artifact_id, stage, progress, retry_count, cancel_requested, version, created_at, updated_at, last_checked_at)
		VALUES ($1, $2, $3, 0, 0, FALSE, 1, $4, $4, $5)
	`, jobID, artifactID, models.StagePendingPreview, now, time.Time{}.UTC())
	if err != nil {
		return models.Artifact{}, models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Artifact{}, models.Job{}, fmt.Errorf("commit: %w", err)
	}

	artifact := models.Artifact{
		ID:              artifactID,
		Owner:           p.Owner,
		Prompt:          p.Prompt,
		ArtStyle:        p.ArtStyle,
		Quality:         p.Quality,
		TargetPolycount: p.TargetPolycount,
		Status:          models.ArtifactProcessing,
		CreatedAt:       now,
	}
	job := models.Job{
		ID:         jobID,
		ArtifactID: artifactID,
		Stage:      models.StagePendingPreview,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return artifact, job, nil
}

const jobColumns = `id, artifact_id, stage, active_task_id, preview_task_id, progress, retry_count, cancel_requested, error, remote_asset_url, version, created_at, updated_at, last_checked_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job not found: %w", err)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// GetJobByArtifact fetches the job owning an artifact.
func (s *Store) GetJobByArtifact(ctx context.Context, artifactID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE artifact_id = $1`, artifactID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job not found: %w", err)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListDue returns non-terminal jobs whose last check is older than the cutoff,
// oldest first. This is the poller's sole selection query; terminal jobs are
// never returned, so they are never polled again.
func (s *Store) ListDue(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE stage NOT IN ($1, $2, $3) AND last_checked_at <= $4
		ORDER BY last_checked_at ASC
		LIMIT $5
	`, models.StageCompleted, models.StageFailed, models.StageCancelled, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// StageUpdate carries the full set of job fields written by one transition
// commit, plus the artifact-side fields mirrored in the same transaction.
type StageUpdate struct {
	Stage          models.Stage
	ActiveTaskID   string
	PreviewTaskID  string
	Progress       int
	RetryCount     int
	ErrorMsg       string
	RemoteAssetURL string

	// Artifact-only fields; empty values leave the stored ones untouched.
	LocalAssetPath string
	MirrorURL      string
	ThumbnailURL   string
}

// UpdateStage commits a transition iff the job's version still matches.
// It is the sole write path for job stages: the task id and the stage land in
// one statement, the version increments, last_checked_at advances, and the
// artifact row mirrors the derived status in the same transaction.
// It returns false (and no error) when the version check loses.
func (s *Store) UpdateStage(ctx context.Context, jobID string, expectedVersion int64, upd StageUpdate) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs
		SET stage = $3,
		    active_task_id = NULLIF($4, ''),
		    preview_task_id = NULLIF($5, ''),
		    progress = $6,
		    retry_count = $7,
		    error = NULLIF($8, ''),
		    remote_asset_url = NULLIF($9, ''),
		    version = version + 1,
		    updated_at = NOW(),
		    last_checked_at = NOW()
		WHERE id = $1 AND version = $2
	`, jobID, expectedVersion, upd.Stage, upd.ActiveTaskID, upd.PreviewTaskID,
		upd.Progress, upd.RetryCount, upd.ErrorMsg, upd.RemoteAssetURL)
	if err != nil {
		return false, fmt.Errorf("update job stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	status := models.ArtifactStatus(upd.Stage)
	var completedAt *time.Time
	if upd.Stage == models.StageCompleted {
		now := time.Now().UTC()
		completedAt = &now
	}
	_, err = tx.Exec(ctx, `
		UPDATE artifacts
		SET status = $2,
		    progress = $3,
		    error = NULLIF($4, ''),
		    remote_asset_url = COALESCE(NULLIF($5, ''), remote_asset_url),
		    local_asset_path = COALESCE(NULLIF($6, ''), local_asset_path),
		    mirror_url = COALESCE(NULLIF($7, ''), mirror_url),
		    thumbnail_url = COALESCE(NULLIF($8, ''), thumbnail_url),
		    completed_at = COALESCE($9, completed_at)
		WHERE id = (SELECT artifact_id FROM jobs WHERE id = $1)
	`, jobID, status, upd.Progress, upd.ErrorMsg, upd.RemoteAssetURL,
		upd.LocalAssetPath, upd.MirrorURL, upd.ThumbnailURL, completedAt)
	if err != nil {
		return false, fmt.Errorf("mirror artifact status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit stage update: %w", err)
	}
	return true, nil
}

// RequestCancel flags a non-terminal job for cancellation. Bumping the version
// makes any in-flight optimistic commit lose, so a concurrent tick cannot
// resurrect the job past the flag.
func (s *Store) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET cancel_requested = TRUE, version = version + 1, updated_at = NOW()
		WHERE id = $1 AND stage NOT IN ($2, $3, $4)
	`, jobID, models.StageCompleted, models.StageFailed, models.StageCancelled)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetArtifact fetches an artifact by id.
func (s *Store) GetArtifact(ctx context.Context, id string) (models.Artifact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, prompt, art_style, quality, target_polycount, status, progress,
		       remote_asset_url, local_asset_path, mirror_url, thumbnail_url, error, created_at, completed_at
		FROM artifacts WHERE id = $1
	`, id)
	a, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Artifact{}, fmt.Errorf("artifact not found: %w", err)
		}
		return models.Artifact{}, fmt.Errorf("scan artifact: %w", err)
	}
	return a, nil
}

// ListArtifacts returns the owner's artifacts, newest first.
func (s *Store) ListArtifacts(ctx context.Context, owner string, limit int) ([]models.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, prompt, art_style, quality, target_polycount, status, progress,
		       remote_asset_url, local_asset_path, mirror_url, thumbnail_url, error, created_at, completed_at
		FROM artifacts WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var active, preview, errMsg, assetURL pgtype.Text
	if err := row.Scan(&job.ID, &job.ArtifactID, &job.Stage, &active, &preview,
		&job.Progress, &job.RetryCount, &job.CancelRequested, &errMsg, &assetURL,
		&job.Version, &job.CreatedAt, &job.UpdatedAt, &job.LastCheckedAt); err != nil {
		return models.Job{}, err
	}
	job.ActiveTaskID = textOrEmpty(active)
	job.PreviewTaskID = textOrEmpty(preview)
	job.Error = textPtr(errMsg)
	job.RemoteAssetURL = textOrEmpty(assetURL)
	return job, nil
}

func scanArtifact(row pgx.Row) (models.Artifact, error) {
	var a models.Artifact
	var remote, local, mirror, thumb, errMsg pgtype.Text
	var completed pgtype.Timestamptz
	if err := row.Scan(&a.ID, &a.Owner, &a.Prompt, &a.ArtStyle, &a.Quality, &a.TargetPolycount,
		&a.Status, &a.Progress, &remote, &local, &mirror, &thumb, &errMsg, &a.CreatedAt, &completed); err != nil {
		return models.Artifact{}, err
	}
	a.RemoteAssetURL = textOrEmpty(remote)
	a.LocalAssetPath = textOrEmpty(local)
	a.MirrorURL = textOrEmpty(mirror)
	a.ThumbnailURL = textOrEmpty(thumb)
	a.Error = textPtr(errMsg)
	if completed.Valid {
		t := completed.Time
		a.CompletedAt = &t
	}
	return a, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func textOrEmpty(t pgtype.Text) string {
	if t.Valid {
		return t.String
	}
	return ""
}
