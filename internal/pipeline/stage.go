package pipeline

import (
	"time"

	"github.com/rs/zerolog"
)

type StageStatus string

const (
	StageOK      StageStatus = "ok"
	StageSkipped StageStatus = "skipped"
	StageFailed  StageStatus = "failed"
)

// StageResult is the outcome of one pipeline stage.
type StageResult struct {
	Stage    string
	Status   StageStatus
	Reason   string
	Err      error
	Duration time.Duration
}

func OK(stage string) StageResult {
	return StageResult{Stage: stage, Status: StageOK}
}

func Skipped(stage, reason string) StageResult {
	return StageResult{Stage: stage, Status: StageSkipped, Reason: reason}
}

func Failed(stage string, err error) StageResult {
	return StageResult{Stage: stage, Status: StageFailed, Err: err}
}

func (r StageResult) log(logger zerolog.Logger) {
	var event *zerolog.Event
	switch r.Status {
	case StageFailed:
		event = logger.Warn().Err(r.Err)
	case StageSkipped:
		event = logger.Debug().Str("reason", r.Reason)
	default:
		event = logger.Debug()
	}
	event.
		Str("stage", r.Stage).
		Str("status", string(r.Status)).
		Dur("duration", r.Duration).
		Msg("pipeline stage")
}
