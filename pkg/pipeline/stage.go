package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/menta2k/image-splitter/pkg/types"
)

// Stage is a step in the processing of one unit of work.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageNegotiating Stage = "negotiating"
	StageFetching    Stage = "fetching"
	StageCropping    Stage = "cropping"
	StageMerging     Stage = "merging"
	StageCompressing Stage = "compressing"
	StagePublishing  Stage = "publishing"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

var transitions = map[Stage][]Stage{
	StageIdle:        {StageNegotiating, StageFetching},
	StageNegotiating: {StageFetching},
	StageFetching:    {StageCropping, StageMerging, StageCompressing},
	StageCropping:    {StageCompressing},
	StageMerging:     {StageCompressing},
	StageCompressing: {StagePublishing},
	StagePublishing:  {StageDone},
}

// CanTransition reports whether a unit may move from one stage to another.
// Failed is reachable from every stage except Idle and the terminal ones.
func CanTransition(from, to Stage) bool {
	if to == StageFailed {
		return from != StageIdle && from != StageDone && from != StageFailed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// tracker follows one unit through the stages and records the outcome on its
// result.
type tracker struct {
	stage  Stage
	res    *types.RegionResult
	logger *slog.Logger
}

// newTracker starts a unit at start. Regions cut from one shared download
// start at Fetching.
func newTracker(res *types.RegionResult, start Stage, logger *slog.Logger) *tracker {
	res.Stage = string(start)
	return &tracker{stage: start, res: res, logger: logger}
}

func (t *tracker) to(next Stage) error {
	if !CanTransition(t.stage, next) {
		return fmt.Errorf("illegal stage transition %s -> %s", t.stage, next)
	}
	t.logger.Debug("stage", "from", t.stage, "to", next)
	t.stage = next
	t.res.Stage = string(next)
	return nil
}

// fail moves the unit to Failed. The result keeps the stage that failed.
func (t *tracker) fail(err error) {
	failed := t.stage
	t.logger.Warn("unit failed", "stage", failed, "error", err)
	t.stage = StageFailed
	t.res.Stage = string(failed)
	t.res.Success = false
	t.res.Error = err.Error()
}

func (t *tracker) done() {
	if err := t.to(StageDone); err != nil {
		t.fail(err)
		return
	}
	t.res.Success = true
}
