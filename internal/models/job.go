package models

import (
	"time"
)

// Stage is the lifecycle phase of a generation job persisted in Postgres.
type Stage string

const (
	StagePendingPreview    Stage = "pending_preview"
	StagePreviewInProgress Stage = "preview_in_progress"
	StagePreviewSucceeded  Stage = "preview_succeeded"
	StageRefineInProgress  Stage = "refine_in_progress"
	StageRefineSucceeded   Stage = "refine_succeeded"
	StageDownloading       Stage = "downloading"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
	StageCancelled         Stage = "cancelled"
)

// IsTerminal reports whether no further transitions can occur.
func (s Stage) IsTerminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known stage value.
func (s Stage) Valid() bool {
	switch s {
	case StagePendingPreview, StagePreviewInProgress, StagePreviewSucceeded,
		StageRefineInProgress, StageRefineSucceeded, StageDownloading,
		StageCompleted, StageFailed, StageCancelled:
		return true
	}
	return false
}

// Job tracks one generation request through the provider pipeline.
// It is mutated only by the poller, through the store's versioned update.
type Job struct {
	ID              string    `json:"id"`
	ArtifactID      string    `json:"artifact_id"`
	Stage           Stage     `json:"stage"`
	ActiveTaskID    string    `json:"active_task_id,omitempty"`
	PreviewTaskID   string    `json:"preview_task_id,omitempty"`
	Progress        int       `json:"progress"`
	RetryCount      int       `json:"retry_count"`
	CancelRequested bool      `json:"cancel_requested"`
	Error           *string   `json:"error,omitempty"`
	RemoteAssetURL  string    `json:"remote_asset_url,omitempty"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastCheckedAt   time.Time `json:"last_checked_at"`
}

// Artifact status values surfaced to the presentation layer.
const (
	ArtifactProcessing = "processing"
	ArtifactCompleted  = "completed"
	ArtifactFailed     = "failed"
	ArtifactCancelled  = "cancelled"
)

// Artifact is the user-facing output record for one generation request.
type Artifact struct {
	ID              string     `json:"id"`
	Owner           string     `json:"owner"`
	Prompt          string     `json:"prompt"`
	ArtStyle        string     `json:"art_style"`
	Quality         string     `json:"quality"`
	TargetPolycount int        `json:"target_polycount"`
	Status          string     `json:"status"`
	Progress        int        `json:"progress"`
	RemoteAssetURL  string     `json:"remote_asset_url,omitempty"`
	LocalAssetPath  string     `json:"local_asset_path,omitempty"`
	MirrorURL       string     `json:"mirror_url,omitempty"`
	ThumbnailURL    string     `json:"thumbnail_url,omitempty"`
	Error           *string    `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ArtifactStatus derives the artifact-facing status from a job stage.
// The artifact row has no independent write path for this field.
func ArtifactStatus(s Stage) string {
	switch s {
	case StageCompleted:
		return ArtifactCompleted
	case StageFailed:
		return ArtifactFailed
	case StageCancelled:
		return ArtifactCancelled
	default:
		return ArtifactProcessing
	}
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
