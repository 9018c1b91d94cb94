package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelforge/forge3d/internal/config"
	"github.com/modelforge/forge3d/internal/download"
	"github.com/modelforge/forge3d/internal/models"
	"github.com/modelforge/forge3d/internal/provider"
	"github.com/modelforge/forge3d/internal/store"
)

// fakeStore is an in-memory JobStore with the same optimistic-update
// semantics as the Postgres store.
type fakeStore struct {
	mu        sync.Mutex
	jobs      map[string]models.Job
	artifacts map[string]models.Artifact
	audits    []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:      make(map[string]models.Job),
		artifacts: make(map[string]models.Artifact),
	}
}

func (f *fakeStore) seed(job models.Job, art models.Artifact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	f.artifacts[art.ID] = art
}

func (f *fakeStore) job(id string) models.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[id]
}

func (f *fakeStore) artifact(id string) models.Artifact {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.artifacts[id]
}

func (f *fakeStore) ListDue(_ context.Context, olderThan time.Time, limit int) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, j := range f.jobs {
		if j.Stage.IsTerminal() {
			continue
		}
		if j.LastCheckedAt.After(olderThan) {
			continue
		}
		out = append(out, j)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) GetArtifact(_ context.Context, id string) (models.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.artifacts[id]
	if !ok {
		return models.Artifact{}, errors.New("artifact not found")
	}
	return a, nil
}

func (f *fakeStore) UpdateStage(_ context.Context, jobID string, expectedVersion int64, upd store.StageUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return false, errors.New("job not found")
	}
	if job.Version != expectedVersion {
		return false, nil
	}
	job.Stage = upd.Stage
	job.ActiveTaskID = upd.ActiveTaskID
	job.PreviewTaskID = upd.PreviewTaskID
	job.Progress = upd.Progress
	job.RetryCount = upd.RetryCount
	job.RemoteAssetURL = upd.RemoteAssetURL
	if upd.ErrorMsg != "" {
		msg := upd.ErrorMsg
		job.Error = &msg
	} else {
		job.Error = nil
	}
	job.Version++
	job.UpdatedAt = time.Now()
	job.LastCheckedAt = time.Now()
	f.jobs[jobID] = job

	art := f.artifacts[job.ArtifactID]
	art.Status = models.ArtifactStatus(upd.Stage)
	art.Progress = upd.Progress
	art.Error = job.Error
	if upd.RemoteAssetURL != "" {
		art.RemoteAssetURL = upd.RemoteAssetURL
	}
	if upd.LocalAssetPath != "" {
		art.LocalAssetPath = upd.LocalAssetPath
	}
	if upd.MirrorURL != "" {
		art.MirrorURL = upd.MirrorURL
	}
	if upd.ThumbnailURL != "" {
		art.ThumbnailURL = upd.ThumbnailURL
	}
	if upd.Stage == models.StageCompleted && art.CompletedAt == nil {
		now := time.Now()
		art.CompletedAt = &now
	}
	f.artifacts[job.ArtifactID] = art
	return true, nil
}

func (f *fakeStore) AppendAudit(_ context.Context, jobID, event, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, jobID+":"+event)
	return nil
}

type fakeProvider struct {
	mu            sync.Mutex
	previewCalls  int
	refineCalls   int
	statusCalls   int
	createPreview func() (string, error)
	createRefine  func() (string, error)
	getStatus     func(taskID string, call int) (provider.TaskStatus, error)
}

func (f *fakeProvider) CreatePreview(_ context.Context, _ provider.GenerationSpec) (string, error) {
	f.mu.Lock()
	f.previewCalls++
	f.mu.Unlock()
	if f.createPreview == nil {
		return "task-preview", nil
	}
	return f.createPreview()
}

func (f *fakeProvider) CreateRefine(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	f.refineCalls++
	f.mu.Unlock()
	if f.createRefine == nil {
		return "task-refine", nil
	}
	return f.createRefine()
}

func (f *fakeProvider) GetStatus(_ context.Context, taskID string) (provider.TaskStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	call := f.statusCalls
	f.mu.Unlock()
	if f.getStatus == nil {
		return provider.TaskStatus{Status: provider.StatusInProgress}, nil
	}
	return f.getStatus(taskID, call)
}

type fakeDownloader struct {
	mu    sync.Mutex
	calls int
	fetch func(call int) (download.Result, error)
}

func (f *fakeDownloader) Fetch(_ context.Context, assetURL, thumbURL, artifactID string) (download.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.fetch == nil {
		return download.Result{LocalPath: "/store/" + artifactID + ".asset"}, nil
	}
	return f.fetch(call)
}

func testConfig() config.Config {
	return config.Config{
		PollInterval:       0,
		WorkerPoolSize:     2,
		MaxProviderRetries: 5,
		MaxDownloadRetries: 3,
		DueBatchSize:       50,
	}
}

func seedJob(st *fakeStore, stage models.Stage) (models.Job, models.Artifact) {
	art := models.Artifact{
		ID:              "art-1",
		Owner:           "alice",
		Prompt:          "a small ceramic teapot",
		ArtStyle:        "realistic",
		TargetPolycount: 30000,
		Status:          models.ArtifactStatus(stage),
		CreatedAt:       time.Now(),
	}
	job := models.Job{
		ID:         "job-1",
		ArtifactID: art.ID,
		Stage:      stage,
		Version:    1,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	st.seed(job, art)
	return job, art
}

func TestScenarioFullPipeline(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	seedJob(st, models.StagePendingPreview)

	pr := &fakeProvider{
		getStatus: func(taskID string, _ int) (provider.TaskStatus, error) {
			switch taskID {
			case "task-preview":
				return provider.TaskStatus{Status: provider.StatusSucceeded, Progress: 100}, nil
			case "task-refine":
				return provider.TaskStatus{
					Status:       provider.StatusSucceeded,
					Progress:     100,
					ModelURLs:    map[string]string{"glb": "https://provider/asset123"},
					ThumbnailURL: "https://provider/thumb123.png",
				}, nil
			}
			return provider.TaskStatus{}, errors.New("unknown task")
		},
	}
	dl := &fakeDownloader{}
	p := New(testConfig(), st, pr, dl, nil, nil)

	p.Tick(ctx) // pending_preview -> preview task created
	job := st.job("job-1")
	if job.Stage != models.StagePreviewInProgress {
		t.Fatalf("expected preview_in_progress, got %s", job.Stage)
	}
	if job.ActiveTaskID != "task-preview" || job.PreviewTaskID != "task-preview" {
		t.Fatalf("task ids not committed with stage: %+v", job)
	}

	p.Tick(ctx) // preview SUCCEEDED -> refine created
	job = st.job("job-1")
	if job.Stage != models.StageRefineInProgress {
		t.Fatalf("expected refine_in_progress, got %s", job.Stage)
	}
	if job.ActiveTaskID != "task-refine" {
		t.Fatalf("expected refine task active, got %q", job.ActiveTaskID)
	}
	if job.PreviewTaskID != "task-preview" {
		t.Fatalf("preview task id must be retained, got %q", job.PreviewTaskID)
	}

	p.Tick(ctx) // refine SUCCEEDED -> downloading -> download runs same tick
	job = st.job("job-1")
	if job.Stage != models.StageCompleted {
		t.Fatalf("expected completed, got %s", job.Stage)
	}
	if job.RemoteAssetURL != "https://provider/asset123" {
		t.Fatalf("remote asset url not recorded: %q", job.RemoteAssetURL)
	}

	art := st.artifact("art-1")
	if art.Status != models.ArtifactCompleted {
		t.Fatalf("artifact status not mirrored: %s", art.Status)
	}
	if art.LocalAssetPath != "/store/art-1.asset" {
		t.Fatalf("local asset path not recorded: %q", art.LocalAssetPath)
	}
	if art.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if dl.calls != 1 {
		t.Fatalf("expected exactly one download, got %d", dl.calls)
	}
}

func TestScenarioPreviewFailed(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	job, _ := seedJob(st, models.StagePreviewInProgress)
	job.ActiveTaskID = "task-preview"
	job.PreviewTaskID = "task-preview"
	st.jobs[job.ID] = job

	pr := &fakeProvider{
		getStatus: func(string, int) (provider.TaskStatus, error) {
			return provider.TaskStatus{Status: provider.StatusFailed, TaskError: "invalid specification"}, nil
		},
	}
	p := New(testConfig(), st, pr, &fakeDownloader{}, nil, nil)

	p.Tick(ctx)

	got := st.job("job-1")
	if got.Stage != models.StageFailed {
		t.Fatalf("expected failed, got %s", got.Stage)
	}
	if got.Error == nil || *got.Error != "invalid specification" {
		t.Fatalf("expected provider reason verbatim, got %v", got.Error)
	}
	if pr.refineCalls != 0 {
		t.Fatalf("refine must never be invoked, got %d calls", pr.refineCalls)
	}
	art := st.artifact("art-1")
	if art.Status != models.ArtifactFailed {
		t.Fatalf("artifact status not mirrored: %s", art.Status)
	}
}

func TestScenarioDownloadRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	job, _ := seedJob(st, models.StageDownloading)
	job.RemoteAssetURL = "https://provider/asset123"
	st.jobs[job.ID] = job

	dl := &fakeDownloader{
		fetch: func(int) (download.Result, error) {
			return download.Result{}, errors.New("disk full")
		},
	}
	p := New(testConfig(), st, &fakeProvider{}, dl, nil, nil)

	for i := 0; i < 3; i++ {
		p.Tick(ctx)
		got := st.job("job-1")
		if got.Stage != models.StageDownloading {
			t.Fatalf("tick %d: expected downloading, got %s", i+1, got.Stage)
		}
		if got.RetryCount != i+1 {
			t.Fatalf("tick %d: expected retry_count %d, got %d", i+1, i+1, got.RetryCount)
		}
	}

	p.Tick(ctx) // fourth failure exceeds max of 3
	got := st.job("job-1")
	if got.Stage != models.StageFailed {
		t.Fatalf("expected failed, got %s", got.Stage)
	}
	if got.Error == nil || !strings.HasPrefix(*got.Error, "download failed:") {
		t.Fatalf("expected download failed prefix, got %v", got.Error)
	}
	if got.RemoteAssetURL != "https://provider/asset123" {
		t.Fatalf("remote url must remain for manual recovery, got %q", got.RemoteAssetURL)
	}
}

func TestScenarioProviderTimeouts(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	job, _ := seedJob(st, models.StagePreviewInProgress)
	job.ActiveTaskID = "task-preview"
	st.jobs[job.ID] = job

	pr := &fakeProvider{
		getStatus: func(string, int) (provider.TaskStatus, error) {
			return provider.TaskStatus{}, provider.ErrTimeout
		},
	}
	p := New(testConfig(), st, pr, &fakeDownloader{}, nil, nil)

	for i := 0; i < 5; i++ {
		p.Tick(ctx)
		got := st.job("job-1")
		if got.Stage != models.StagePreviewInProgress {
			t.Fatalf("tick %d: expected stage kept, got %s", i+1, got.Stage)
		}
	}

	p.Tick(ctx) // sixth timeout exceeds max of 5
	got := st.job("job-1")
	if got.Stage != models.StageFailed {
		t.Fatalf("expected failed, got %s", got.Stage)
	}
	if got.Error == nil || *got.Error != "provider unavailable" {
		t.Fatalf("expected provider unavailable, got %v", got.Error)
	}
}

func TestTerminalJobsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	for _, stage := range []models.Stage{models.StageCompleted, models.StageFailed, models.StageCancelled} {
		st := newFakeStore()
		job, _ := seedJob(st, stage)
		pr := &fakeProvider{}
		p := New(testConfig(), st, pr, &fakeDownloader{}, nil, nil)

		p.Tick(ctx)
		p.Tick(ctx)

		got := st.job(job.ID)
		if got.Version != job.Version {
			t.Fatalf("%s: terminal job mutated, version %d -> %d", stage, job.Version, got.Version)
		}
		if pr.previewCalls+pr.refineCalls+pr.statusCalls != 0 {
			t.Fatalf("%s: terminal job triggered provider calls", stage)
		}
	}
}

func TestPreviewNotResubmittedWhenTaskExists(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	job, _ := seedJob(st, models.StagePendingPreview)
	job.ActiveTaskID = "task-existing"
	job.PreviewTaskID = "task-existing"
	st.jobs[job.ID] = job

	pr := &fakeProvider{}
	p := New(testConfig(), st, pr, &fakeDownloader{}, nil, nil)
	p.Tick(ctx)

	if pr.previewCalls != 0 {
		t.Fatalf("job holding a task id must not be re-submitted, got %d calls", pr.previewCalls)
	}
	got := st.job("job-1")
	if got.Stage != models.StagePreviewInProgress || got.ActiveTaskID != "task-existing" {
		t.Fatalf("expected advance with existing task, got %+v", got)
	}
}

func TestRefineCreationFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	job, _ := seedJob(st, models.StagePreviewInProgress)
	job.ActiveTaskID = "task-preview"
	job.PreviewTaskID = "task-preview"
	st.jobs[job.ID] = job

	pr := &fakeProvider{
		getStatus: func(string, int) (provider.TaskStatus, error) {
			return provider.TaskStatus{Status: provider.StatusSucceeded}, nil
		},
		createRefine: func() (string, error) {
			return "", provider.ErrUnavailable
		},
	}
	p := New(testConfig(), st, pr, &fakeDownloader{}, nil, nil)
	p.Tick(ctx)

	got := st.job("job-1")
	if got.Stage != models.StageFailed {
		t.Fatalf("expected failed, got %s", got.Stage)
	}
	if got.Error == nil || *got.Error != "failed to start refine stage" {
		t.Fatalf("expected distinct refine reason, got %v", got.Error)
	}
}

func TestCancelObservedBeforeProviderCalls(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	job, _ := seedJob(st, models.StageRefineInProgress)
	job.ActiveTaskID = "task-refine"
	job.CancelRequested = true
	st.jobs[job.ID] = job

	pr := &fakeProvider{}
	p := New(testConfig(), st, pr, &fakeDownloader{}, nil, nil)
	p.Tick(ctx)

	got := st.job("job-1")
	if got.Stage != models.StageCancelled {
		t.Fatalf("expected cancelled, got %s", got.Stage)
	}
	if pr.statusCalls != 0 {
		t.Fatalf("cancelled job must not reach the provider, got %d calls", pr.statusCalls)
	}
	if st.artifact("art-1").Status != models.ArtifactCancelled {
		t.Fatalf("artifact status not mirrored")
	}
}

func TestOptimisticConflictIsSilent(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	job, _ := seedJob(st, models.StagePendingPreview)

	// Simulate a concurrent writer winning the race.
	stale := job
	bumped := st.jobs[job.ID]
	bumped.Version++
	st.jobs[job.ID] = bumped

	p := New(testConfig(), st, &fakeProvider{}, &fakeDownloader{}, nil, nil)
	p.processJob(ctx, stale)

	got := st.job("job-1")
	if got.Stage != models.StagePendingPreview {
		t.Fatalf("losing writer must not commit, got stage %s", got.Stage)
	}
	if len(st.audits) != 0 {
		t.Fatalf("losing writer must not audit, got %v", st.audits)
	}
}

func TestUpdateStageExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	job, _ := seedJob(st, models.StagePreviewInProgress)

	upd := store.StageUpdate{Stage: models.StageRefineInProgress, ActiveTaskID: "task-refine"}
	ok1, err1 := st.UpdateStage(ctx, job.ID, job.Version, upd)
	ok2, err2 := st.UpdateStage(ctx, job.ID, job.Version, upd)
	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v %v", err1, err2)
	}
	if !ok1 || ok2 {
		t.Fatalf("expected exactly one winner, got ok1=%v ok2=%v", ok1, ok2)
	}
}

func TestProgressRecordedWhileInProgress(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	job, _ := seedJob(st, models.StageRefineInProgress)
	job.ActiveTaskID = "task-refine"
	st.jobs[job.ID] = job

	pr := &fakeProvider{
		getStatus: func(string, int) (provider.TaskStatus, error) {
			return provider.TaskStatus{Status: provider.StatusInProgress, Progress: 42}, nil
		},
	}
	p := New(testConfig(), st, pr, &fakeDownloader{}, nil, nil)
	p.Tick(ctx)

	got := st.job("job-1")
	if got.Stage != models.StageRefineInProgress {
		t.Fatalf("expected stage kept, got %s", got.Stage)
	}
	if got.Progress != 42 {
		t.Fatalf("expected progress 42, got %d", got.Progress)
	}
	if got.Version != job.Version+1 {
		t.Fatalf("expected last_checked advance via commit, version %d", got.Version)
	}
}
