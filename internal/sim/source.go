package sim

import (
	"context"

	"github.com/carbon-oracle/sorbent/internal/api"
)

// SampleSource is the capability boundary between the orchestration loop and
// whatever produces sensor readings. The phenomenological simulator and any
// future hardware driver implement the same contract, so the loop never
// depends on a concrete variant.
type SampleSource interface {
	// Start begins a new batch and returns its id. scenario may be empty
	// to let the source choose (the simulator draws one; hardware ignores it).
	Start(ctx context.Context, scenario api.Scenario) (batchID string, err error)

	// Next returns the sample for the next sampling tick, or ok=false once
	// the batch duration has elapsed.
	Next(ctx context.Context) (sample api.SensorSample, ok bool, err error)

	// ApplyControl feeds an intervention back into the process. Requests
	// outside physical bounds are clamped, never rejected.
	ApplyControl(ctx context.Context, action api.ControlAction) error

	// Finalize closes the batch and returns the terminal ground truth.
	// validated is false for sources whose truth arrives later (hardware
	// pending a lab assay).
	Finalize(ctx context.Context) (groundTruth float64, validated bool, err error)

	// Scenario reports the active batch's archetype, ScenarioUnknown when
	// the source cannot know it.
	Scenario() api.Scenario
}
