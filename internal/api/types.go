package api

import (
	"fmt"
	"time"
)

// Scenario labels a simulated batch archetype. In real (hardware) mode the
// scenario is unknown and recorded as ScenarioUnknown.
type Scenario string

const (
	ScenarioOptimal     Scenario = "optimal"
	ScenarioNominal     Scenario = "nominal"
	ScenarioUnderActive Scenario = "under_active"
	ScenarioOverActive  Scenario = "over_active"
	ScenarioAbnormal    Scenario = "abnormal"
	ScenarioUnknown     Scenario = "unknown"
)

// LifecycleState tracks a batch through its run.
type LifecycleState string

const (
	StatePending    LifecycleState = "pending"
	StateRunning    LifecycleState = "running"
	StateIntervened LifecycleState = "intervened" // transient, re-enters running
	StateCompleting LifecycleState = "completing"
	StateAnalyzed   LifecycleState = "analyzed"
	StateClosed     LifecycleState = "closed"
	StateAborted    LifecycleState = "aborted"
)

// SensorSample is one reading of all proxy channels at a sampling tick.
// Immutable once emitted.
type SensorSample struct {
	BatchID    string    `json:"batch_id"`
	Tick       int       `json:"tick"` // process-time offset in minutes
	Timestamp  time.Time `json:"timestamp"`
	TempC      float64   `json:"temp_c"`
	PH         float64   `json:"ph"`
	CondMScm   float64   `json:"cond_ms_cm"`
	ColorIndex float64   `json:"color_index"`
	// Saturated marks channels that hit a physical bound and were clamped.
	Saturated map[string]bool `json:"saturated,omitempty"`
}

// ChannelStats holds the rolling-window statistics for a single channel.
type ChannelStats struct {
	Mean          float64 `json:"mean"`
	Slope         float64 `json:"slope"` // least-squares rate of change per tick
	Max           float64 `json:"max"`
	TicksSinceMax int     `json:"ticks_since_max"`
}

// FeatureVector is the fixed-shape aggregate of a bounded sample window.
// Superseded, never mutated, by the next aggregation tick's vector.
type FeatureVector struct {
	BatchID       string       `json:"batch_id"`
	Tick          int          `json:"tick"`
	WindowTicks   int          `json:"window_ticks"`
	Temp          ChannelStats `json:"temp"`
	PH            ChannelStats `json:"ph"`
	Cond          ChannelStats `json:"cond"`
	Color         ChannelStats `json:"color"`
	LowConfidence bool         `json:"low_confidence"`
}

// FeatureDim is the length of FeatureVector.Values.
const FeatureDim = 8

// Values flattens the vector into the fixed feature order the predictor
// trains on. Keep the order stable: persisted PredictorState depends on it.
func (f *FeatureVector) Values() []float64 {
	return []float64{
		f.Temp.Mean, f.Temp.Slope,
		f.PH.Mean, f.PH.Slope,
		f.Cond.Mean, f.Cond.Slope,
		f.Color.Max, float64(f.Color.TicksSinceMax),
	}
}

// ModelProvenance identifies which estimator path produced a prediction.
type ModelProvenance string

const (
	ProvenanceSynthetic ModelProvenance = "synthetic_prior"
	ProvenanceBlended   ModelProvenance = "empirical_blended"
)

// Prediction is the soft-sensed terminal capacity estimate for one
// aggregation tick.
type Prediction struct {
	BatchID       string          `json:"batch_id"`
	Tick          int             `json:"tick"`
	CapacityMmolG float64         `json:"capacity_mmol_g"`
	Confidence    float64         `json:"confidence"` // [0,1], ensemble agreement
	BlendWeight   float64         `json:"blend_weight"`
	Provenance    ModelProvenance `json:"provenance"`
	ModelVersion  string          `json:"model_version"`
	LowConfidence bool            `json:"low_confidence"`
}

// Severity orders intervention triggers; the highest severity wins when
// several rules match in the same tick.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityCritical:
		return "critical"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ControlAction is a parameter change applied back into the sample source.
type ControlAction struct {
	Parameter string  `json:"parameter"` // e.g. "target_temp"
	Value     float64 `json:"value"`
}

// InterventionDecision is emitted by the agent, at most one per tick.
// Once issued it is binding for its trigger class until CooldownUntil.
type InterventionDecision struct {
	BatchID       string         `json:"batch_id"`
	Tick          int            `json:"tick"`
	Trigger       string         `json:"trigger"` // trigger class identifier
	Severity      Severity       `json:"severity"`
	Reason        string         `json:"reason"`
	Action        *ControlAction `json:"action,omitempty"`
	CooldownUntil int            `json:"cooldown_until"` // tick at which the class re-arms
}

// TickArtifacts bundles everything one aggregation tick produced, keyed for
// idempotent persistence.
type TickArtifacts struct {
	BatchID    string                `json:"batch_id"`
	Tick       int                   `json:"tick"`
	Samples    []SensorSample        `json:"samples"`
	Features   *FeatureVector        `json:"features,omitempty"`
	Prediction *Prediction           `json:"prediction,omitempty"`
	Decision   *InterventionDecision `json:"decision,omitempty"`
}

// BatchRecord owns every artifact a batch produced. Appended to by the
// orchestrator only; closed exactly once.
type BatchRecord struct {
	BatchID   string         `json:"batch_id"`
	Scenario  Scenario       `json:"scenario"`
	StartedAt time.Time      `json:"started_at"`
	ClosedAt  time.Time      `json:"closed_at"`
	State     LifecycleState `json:"state"`

	Samples     []SensorSample         `json:"samples"`
	Features    []FeatureVector        `json:"features"`
	Predictions []Prediction           `json:"predictions"`
	Decisions   []InterventionDecision `json:"decisions"`

	// GroundTruth arrives only at close (simulation) or after lab
	// validation (real mode). Validated reports whether it is usable as a
	// training target.
	GroundTruth float64 `json:"ground_truth"`
	Validated   bool    `json:"validated"`
}

// CheckpointFeatures returns the late-window feature vector used as the
// training input for this batch, or nil if none was computed.
func (b *BatchRecord) CheckpointFeatures() *FeatureVector {
	if len(b.Features) == 0 {
		return nil
	}
	return &b.Features[len(b.Features)-1]
}

// TrainingPair couples checkpoint features with a validated outcome.
type TrainingPair struct {
	BatchID  string        `json:"batch_id"`
	Features FeatureVector `json:"features"`
	Capacity float64       `json:"capacity"`
}

// PredictorState is the persisted model snapshot. Reloaded at startup,
// replaced only at retraining checkpoints, never mutated mid-batch.
type PredictorState struct {
	Version        string      `json:"version"`
	TrainedAt      time.Time   `json:"trained_at"`
	EmpiricalCount int         `json:"empirical_count"`
	Synthetic      [][]float64 `json:"synthetic"` // per-member weight rows, bias last
	Empirical      [][]float64 `json:"empirical,omitempty"`
}

// Validate rejects structurally unusable sensor samples.
func (s *SensorSample) Validate() error {
	if s.BatchID == "" {
		return fmt.Errorf("batch_id is required")
	}
	if s.Tick < 0 {
		return fmt.Errorf("tick must be non-negative")
	}
	if s.PH < 0 || s.PH > 14 {
		return fmt.Errorf("ph out of physical range: %.2f", s.PH)
	}
	if s.ColorIndex < 0 || s.ColorIndex > 1 {
		return fmt.Errorf("color_index out of range: %.3f", s.ColorIndex)
	}
	return nil
}

// TickID is the idempotency key for at-least-once tick persistence.
func TickID(batchID string, tick int) string {
	return fmt.Sprintf("%s:%06d", batchID, tick)
}
