package engine

import (
	"fmt"

	"github.com/modelforge/forge3d/internal/models"
	"github.com/modelforge/forge3d/internal/provider"
)

// Effect is the side effect the poller must perform for a transition.
type Effect int

const (
	EffectNone Effect = iota
	// EffectCreatePreview submits the initial preview task.
	EffectCreatePreview
	// EffectCreateRefine submits the refine task before the new stage commits.
	EffectCreateRefine
	// EffectStartDownload records the result URL and begins the download phase.
	EffectStartDownload
)

// Decision is the outcome of one transition: the stage to commit and the
// side effect to perform. Reason is set only when Next is StageFailed.
type Decision struct {
	Next   models.Stage
	Effect Effect
	Reason string
}

// Next maps the current stage and a freshly fetched provider status onto the
// next stage. The switch is exhaustive over the stage enumeration; an unknown
// stage is an error, never a silent no-op.
func Next(stage models.Stage, st provider.TaskStatus) (Decision, error) {
	switch stage {
	case models.StagePendingPreview:
		return Decision{Next: models.StagePreviewInProgress, Effect: EffectCreatePreview}, nil

	case models.StagePreviewInProgress:
		switch st.Status {
		case provider.StatusPending, provider.StatusInProgress:
			return Decision{Next: models.StagePreviewInProgress}, nil
		case provider.StatusSucceeded:
			return Decision{Next: models.StageRefineInProgress, Effect: EffectCreateRefine}, nil
		case provider.StatusFailed:
			return Decision{Next: models.StageFailed, Reason: failureReason(st)}, nil
		}
		return Decision{}, fmt.Errorf("unknown provider status %q in stage %s", st.Status, stage)

	case models.StagePreviewSucceeded:
		// Not committed by the poller, but handled so the enumeration stays closed.
		return Decision{Next: models.StageRefineInProgress, Effect: EffectCreateRefine}, nil

	case models.StageRefineInProgress:
		switch st.Status {
		case provider.StatusPending, provider.StatusInProgress:
			return Decision{Next: models.StageRefineInProgress}, nil
		case provider.StatusSucceeded:
			return Decision{Next: models.StageDownloading, Effect: EffectStartDownload}, nil
		case provider.StatusFailed:
			return Decision{Next: models.StageFailed, Reason: failureReason(st)}, nil
		}
		return Decision{}, fmt.Errorf("unknown provider status %q in stage %s", st.Status, stage)

	case models.StageRefineSucceeded:
		return Decision{Next: models.StageDownloading, Effect: EffectStartDownload}, nil

	case models.StageDownloading:
		// Download outcomes are decided by NextDownload; a provider status has
		// no bearing here.
		return Decision{Next: models.StageDownloading}, nil

	case models.StageCompleted, models.StageFailed, models.StageCancelled:
		return Decision{Next: stage}, nil
	}
	return Decision{}, fmt.Errorf("unknown stage %q", stage)
}

// NextTransient handles a transient provider error (timeout or unavailable) in
// any non-terminal stage: the job keeps its stage and burns one retry; past
// the budget it fails terminally.
func NextTransient(stage models.Stage, retryCount, maxRetries int) Decision {
	if retryCount+1 > maxRetries {
		return Decision{Next: models.StageFailed, Reason: "provider unavailable"}
	}
	return Decision{Next: stage}
}

// NextDownload maps a download attempt outcome. A nil error completes the job;
// a failure keeps it downloading until the retry budget is exhausted.
func NextDownload(downloadErr error, retryCount, maxRetries int) Decision {
	if downloadErr == nil {
		return Decision{Next: models.StageCompleted}
	}
	if retryCount+1 > maxRetries {
		return Decision{
			Next:   models.StageFailed,
			Reason: fmt.Sprintf("download failed: %v", downloadErr),
		}
	}
	return Decision{Next: models.StageDownloading}
}

// RefineStartFailure is the terminal decision when refine-task creation fails
// after a succeeded preview. The job fails with a distinct reason instead of
// sitting in an intermediate stage with no way forward.
func RefineStartFailure() Decision {
	return Decision{Next: models.StageFailed, Reason: "failed to start refine stage"}
}

func failureReason(st provider.TaskStatus) string {
	if st.TaskError != "" {
		return st.TaskError
	}
	return "generation failed"
}
