package poller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/modelforge/forge3d/internal/config"
	"github.com/modelforge/forge3d/internal/download"
	"github.com/modelforge/forge3d/internal/engine"
	"github.com/modelforge/forge3d/internal/models"
	"github.com/modelforge/forge3d/internal/provider"
	"github.com/modelforge/forge3d/internal/store"
	"github.com/modelforge/forge3d/internal/telemetry"
)

// JobStore is the persistence surface the poller drives. *store.Store
// implements it; tests substitute a fake.
type JobStore interface {
	ListDue(ctx context.Context, olderThan time.Time, limit int) ([]models.Job, error)
	GetArtifact(ctx context.Context, id string) (models.Artifact, error)
	UpdateStage(ctx context.Context, jobID string, expectedVersion int64, upd store.StageUpdate) (bool, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Provider is the generation service surface. *provider.Client implements it.
type Provider interface {
	CreatePreview(ctx context.Context, spec provider.GenerationSpec) (string, error)
	CreateRefine(ctx context.Context, previewTaskID string) (string, error)
	GetStatus(ctx context.Context, taskID string) (provider.TaskStatus, error)
}

// Downloader fetches the finished asset. *download.Downloader implements it.
type Downloader interface {
	Fetch(ctx context.Context, assetURL, thumbURL, artifactID string) (download.Result, error)
}

// Limiter paces outbound provider calls. A nil limiter means no pacing.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Notifier delivers terminal-state notifications. May be nil.
type Notifier interface {
	Send(ctx context.Context, title, content string) error
}

const providerRateKey = "rl:provider"

// Poller drives due jobs through the stage machine, one tick at a time.
// All state lives in the store; replicas coordinate only through the
// optimistic version check on commit.
type Poller struct {
	cfg        config.Config
	store      JobStore
	provider   Provider
	downloader Downloader
	limiter    Limiter
	notifier   Notifier
}

// New wires a poller.
func New(cfg config.Config, st JobStore, pr Provider, dl Downloader, limiter Limiter, notifier Notifier) *Poller {
	return &Poller{
		cfg:        cfg,
		store:      st,
		provider:   pr,
		downloader: dl,
		limiter:    limiter,
		notifier:   notifier,
	}
}

// Run executes ticks until context cancellation or, when iterations > 0,
// until that many ticks have completed. A cancelled context is a clean stop.
func (p *Poller) Run(ctx context.Context, iterations int) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		p.Tick(ctx)

		if iterations > 0 && i+1 >= iterations {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick selects due jobs and processes each independently with a bounded pool.
// One job's failure never aborts the others.
func (p *Poller) Tick(ctx context.Context) {
	telemetry.TickCounter.Inc()

	cutoff := time.Now().Add(-p.cfg.PollInterval)
	jobs, err := p.store.ListDue(ctx, cutoff, p.cfg.DueBatchSize)
	if err != nil {
		log.Printf("list due jobs: %v", err)
		return
	}
	telemetry.DueGauge.Set(float64(len(jobs)))
	if len(jobs) == 0 {
		return
	}

	pool := p.cfg.WorkerPoolSize
	if pool <= 0 {
		pool = 1
	}
	sem := make(chan struct{}, pool)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(job models.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			telemetry.JobsPolled.Inc()
			telemetry.InFlightGauge.Inc()
			defer telemetry.InFlightGauge.Dec()
			p.processJob(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (p *Poller) processJob(ctx context.Context, job models.Job) {
	if job.Stage.IsTerminal() {
		return
	}

	// Cancellation is observed before any side-effecting provider call.
	if job.CancelRequested {
		upd := baseUpdate(job)
		upd.Stage = models.StageCancelled
		if p.commit(ctx, job, upd, "cancelled", "cancel flag observed") {
			p.notify(ctx, "3D Model Generation Cancelled", fmt.Sprintf("artifact %s cancelled", job.ArtifactID))
		}
		return
	}

	switch job.Stage {
	case models.StagePendingPreview:
		p.startPreview(ctx, job)
	case models.StagePreviewInProgress, models.StageRefineInProgress:
		p.pollTask(ctx, job)
	case models.StagePreviewSucceeded:
		p.startRefine(ctx, job)
	case models.StageRefineSucceeded:
		p.beginDownload(ctx, job, provider.TaskStatus{ModelURLs: map[string]string{"glb": job.RemoteAssetURL}})
	case models.StageDownloading:
		p.runDownload(ctx, job)
	}
}

// startPreview creates the preview task and commits the task id together with
// the stage, as one logical step. A job already holding a task id is never
// re-submitted to the provider.
func (p *Poller) startPreview(ctx context.Context, job models.Job) {
	if job.ActiveTaskID != "" {
		upd := baseUpdate(job)
		upd.Stage = models.StagePreviewInProgress
		p.commit(ctx, job, upd, "preview_started", "existing task "+job.ActiveTaskID)
		return
	}

	if !p.allowProviderCall(ctx) {
		return
	}

	art, err := p.store.GetArtifact(ctx, job.ArtifactID)
	if err != nil {
		log.Printf("job %s: load artifact: %v", job.ID, err)
		return
	}

	taskID, err := p.provider.CreatePreview(ctx, provider.GenerationSpec{
		Prompt:          art.Prompt,
		ArtStyle:        art.ArtStyle,
		TargetPolycount: art.TargetPolycount,
	})
	if err != nil {
		if provider.IsTransient(err) {
			p.retryTransient(ctx, job, err)
			return
		}
		p.fail(ctx, job, "failed to start preview stage")
		return
	}

	upd := baseUpdate(job)
	upd.Stage = models.StagePreviewInProgress
	upd.ActiveTaskID = taskID
	upd.PreviewTaskID = taskID
	upd.RetryCount = 0
	p.commit(ctx, job, upd, "preview_started", "task "+taskID)
}

// pollTask fetches the provider status and applies the transition table.
func (p *Poller) pollTask(ctx context.Context, job models.Job) {
	if !p.allowProviderCall(ctx) {
		return
	}

	st, err := p.provider.GetStatus(ctx, job.ActiveTaskID)
	if err != nil {
		if provider.IsTransient(err) {
			p.retryTransient(ctx, job, err)
			return
		}
		p.fail(ctx, job, fmt.Sprintf("provider error: %v", err))
		return
	}

	decision, err := engine.Next(job.Stage, st)
	if err != nil {
		log.Printf("job %s: %v", job.ID, err)
		return
	}

	switch decision.Effect {
	case engine.EffectCreateRefine:
		p.createRefine(ctx, job, st)
	case engine.EffectStartDownload:
		p.beginDownload(ctx, job, st)
	case engine.EffectNone:
		if decision.Next == models.StageFailed {
			p.fail(ctx, job, decision.Reason)
			return
		}
		// Same stage: commit to record progress and advance last_checked_at.
		upd := baseUpdate(job)
		upd.Stage = decision.Next
		upd.Progress = st.Progress
		p.commit(ctx, job, upd, "polled", fmt.Sprintf("status=%s progress=%d", st.Status, st.Progress))
	}
}

// createRefine submits the refine task before the new stage commits. If the
// creation call itself fails the job fails with a distinct reason, so it can
// never sit in an intermediate stage with no further progress possible.
func (p *Poller) createRefine(ctx context.Context, job models.Job, st provider.TaskStatus) {
	if !p.allowProviderCall(ctx) {
		return
	}

	previewID := job.PreviewTaskID
	if previewID == "" {
		previewID = job.ActiveTaskID
	}

	refineID, err := p.provider.CreateRefine(ctx, previewID)
	if err != nil {
		d := engine.RefineStartFailure()
		p.fail(ctx, job, d.Reason)
		return
	}

	upd := baseUpdate(job)
	upd.Stage = models.StageRefineInProgress
	upd.ActiveTaskID = refineID
	upd.PreviewTaskID = previewID
	upd.Progress = 0
	upd.RetryCount = 0
	if st.ThumbnailURL != "" {
		upd.ThumbnailURL = st.ThumbnailURL
	}
	p.commit(ctx, job, upd, "refine_started", "task "+refineID)
}

// startRefine handles the preview_succeeded stage, which the poller itself
// never commits but the engine keeps in its closed enumeration.
func (p *Poller) startRefine(ctx context.Context, job models.Job) {
	p.createRefine(ctx, job, provider.TaskStatus{})
}

// beginDownload persists the result URL with the downloading stage, then runs
// the first download attempt in the same tick. The URL survives crashes, so
// retries never re-invoke the provider.
func (p *Poller) beginDownload(ctx context.Context, job models.Job, st provider.TaskStatus) {
	resultURL := st.ResultURL()
	if resultURL == "" {
		p.fail(ctx, job, "provider returned no result asset url")
		return
	}

	upd := baseUpdate(job)
	upd.Stage = models.StageDownloading
	upd.RemoteAssetURL = resultURL
	upd.Progress = 100
	upd.RetryCount = 0
	if st.ThumbnailURL != "" {
		upd.ThumbnailURL = st.ThumbnailURL
	}
	if !p.commit(ctx, job, upd, "download_started", resultURL) {
		return
	}

	next := job
	next.Stage = models.StageDownloading
	next.RemoteAssetURL = resultURL
	next.Progress = 100
	next.RetryCount = 0
	next.Version = job.Version + 1
	p.runDownload(ctx, next)
}

// runDownload attempts the asset download. No provider call is made here.
func (p *Poller) runDownload(ctx context.Context, job models.Job) {
	thumbURL := ""
	if art, err := p.store.GetArtifact(ctx, job.ArtifactID); err == nil {
		thumbURL = art.ThumbnailURL
	}

	res, err := p.downloader.Fetch(ctx, job.RemoteAssetURL, thumbURL, job.ArtifactID)
	decision := engine.NextDownload(err, job.RetryCount, p.cfg.MaxDownloadRetries)

	switch decision.Next {
	case models.StageCompleted:
		telemetry.Downloads.Inc()
		upd := baseUpdate(job)
		upd.Stage = models.StageCompleted
		upd.LocalAssetPath = res.LocalPath
		upd.MirrorURL = res.MirrorURL
		upd.ThumbnailURL = res.ThumbnailPath
		if p.commit(ctx, job, upd, "completed", res.LocalPath) {
			telemetry.JobsCompleted.Inc()
			p.notify(ctx, "3D Model Generation Completed", fmt.Sprintf("artifact %s is ready at %s", job.ArtifactID, res.LocalPath))
		}
	case models.StageFailed:
		telemetry.DownloadFailures.Inc()
		p.fail(ctx, job, decision.Reason)
	default:
		telemetry.DownloadFailures.Inc()
		upd := baseUpdate(job)
		upd.RetryCount = job.RetryCount + 1
		p.commit(ctx, job, upd, "download_retry", fmt.Sprintf("attempt %d: %v", job.RetryCount+1, err))
	}
}

// retryTransient burns one retry against the provider budget, failing the job
// once the budget is exhausted.
func (p *Poller) retryTransient(ctx context.Context, job models.Job, cause error) {
	telemetry.ProviderErrors.Inc()
	decision := engine.NextTransient(job.Stage, job.RetryCount, p.cfg.MaxProviderRetries)
	if decision.Next == models.StageFailed {
		p.fail(ctx, job, decision.Reason)
		return
	}
	upd := baseUpdate(job)
	upd.RetryCount = job.RetryCount + 1
	p.commit(ctx, job, upd, "provider_retry", fmt.Sprintf("attempt %d: %v", job.RetryCount+1, cause))
}

func (p *Poller) fail(ctx context.Context, job models.Job, reason string) {
	upd := baseUpdate(job)
	upd.Stage = models.StageFailed
	upd.ErrorMsg = reason
	if p.commit(ctx, job, upd, "failed", reason) {
		telemetry.JobsFailed.Inc()
		p.notify(ctx, "3D Model Generation Failed", fmt.Sprintf("artifact %s failed: %s", job.ArtifactID, reason))
	}
}

// commit performs the optimistic versioned update. A lost race is expected
// under concurrent pollers and is dropped silently; the next tick retries.
func (p *Poller) commit(ctx context.Context, job models.Job, upd store.StageUpdate, event, detail string) bool {
	ok, err := p.store.UpdateStage(ctx, job.ID, job.Version, upd)
	if err != nil {
		log.Printf("job %s: commit %s: %v", job.ID, upd.Stage, err)
		return false
	}
	if !ok {
		telemetry.Conflicts.Inc()
		return false
	}
	telemetry.Transitions.WithLabelValues(string(upd.Stage)).Inc()
	_ = p.store.AppendAudit(ctx, job.ID, event, detail)
	return true
}

// allowProviderCall consults the shared rate limiter. A denied call simply
// leaves the job due; the next tick picks it up again.
func (p *Poller) allowProviderCall(ctx context.Context) bool {
	if p.limiter == nil {
		return true
	}
	allowed, _, err := p.limiter.Allow(ctx, providerRateKey)
	if err != nil {
		// Limiter outage must not stall orchestration.
		return true
	}
	return allowed
}

func (p *Poller) notify(ctx context.Context, title, content string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Send(ctx, title, content); err != nil {
		log.Printf("notify: %v", err)
	}
}

// baseUpdate copies the job's current mutable fields so a commit rewrites the
// full row; callers override what the transition changes.
func baseUpdate(job models.Job) store.StageUpdate {
	return store.StageUpdate{
		Stage:          job.Stage,
		ActiveTaskID:   job.ActiveTaskID,
		PreviewTaskID:  job.PreviewTaskID,
		Progress:       job.Progress,
		RetryCount:     job.RetryCount,
		RemoteAssetURL: job.RemoteAssetURL,
	}
}
