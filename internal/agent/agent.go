package agent

import (
	"fmt"
	"sync"

	"github.com/carbon-oracle/sorbent/internal/api"
)

// Thresholds are the configured trigger bounds the rule predicates read.
type Thresholds struct {
	// TempCriticalC fires the cooling intervention above this mean.
	TempCriticalC float64

	// PHRunawayFloor fires below this live pH.
	PHRunawayFloor float64

	// MinCapacity is the abort floor for a decaying predicted trajectory.
	MinCapacity float64

	// TargetCapacity is the early-success bound.
	TargetCapacity float64

	// TrendWindow is how many consecutive falling predictions count as a
	// negative trend.
	TrendWindow int

	// WarmupTicks suppresses all interventions while the rig heats up.
	WarmupTicks int

	// CooldownTicks is the re-arm delay per trigger class.
	CooldownTicks map[string]int
}

// DefaultThresholds returns the tuned trigger bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TempCriticalC:  850,
		PHRunawayFloor: 7.2,
		MinCapacity:    1.5,
		TargetCapacity: 3.0,
		TrendWindow:    3,
		WarmupTicks:    10,
		CooldownTicks: map[string]int{
			TriggerTempCritical:  10,
			TriggerPHRunaway:     10,
			TriggerCapacityDecay: 15,
			TriggerTargetReached: 60,
		},
	}
}

// Validate rejects threshold sets the loop must never start with.
func (t *Thresholds) Validate() error {
	if t.TempCriticalC <= 0 {
		return fmt.Errorf("temp_critical_c must be positive, got %.1f", t.TempCriticalC)
	}
	if t.PHRunawayFloor < 0 || t.PHRunawayFloor > 14 {
		return fmt.Errorf("ph_runaway_floor out of range: %.2f", t.PHRunawayFloor)
	}
	if t.MinCapacity >= t.TargetCapacity {
		return fmt.Errorf("min_capacity %.2f must be below target_capacity %.2f", t.MinCapacity, t.TargetCapacity)
	}
	if t.TrendWindow < 2 {
		return fmt.Errorf("trend_window must be >= 2, got %d", t.TrendWindow)
	}
	for class, cd := range t.CooldownTicks {
		if cd < 0 {
			return fmt.Errorf("cooldown for %s is negative: %d", class, cd)
		}
	}
	return nil
}

// Trigger class identifiers. One decision per class may be active at a time.
const (
	TriggerTempCritical  = "temp_critical"
	TriggerPHRunaway     = "ph_runaway"
	TriggerCapacityDecay = "capacity_decay"
	TriggerTargetReached = "target_reached"
)

// Input is everything a rule predicate may read for one tick.
type Input struct {
	Tick       int
	Features   *api.FeatureVector
	Prediction *api.Prediction
	// Recent holds the latest predicted capacities, oldest first,
	// including the current tick's.
	Recent []float64
}

// Rule is one row of the decision table: data, not control flow. Matching
// rules compete on severity; declaration order breaks ties.
type Rule struct {
	Trigger  string
	Severity api.Severity
	// NeedsPrediction marks rules that read the capacity estimate. They are
	// disarmed while the prediction is low-confidence; sensor-threshold
	// rules stay armed regardless.
	NeedsPrediction bool
	When            func(in Input, th Thresholds) bool
	Reason          func(in Input, th Thresholds) string
	Action          func(in Input, th Thresholds) *api.ControlAction
}

// defaultRules is the ordered rule table. Precedence: highest severity wins,
// ties broken by declaration order.
var defaultRules = []Rule{
	{
		Trigger:  TriggerTempCritical,
		Severity: api.SeverityCritical,
		When: func(in Input, th Thresholds) bool {
			return in.Features.Temp.Mean > th.TempCriticalC
		},
		Reason: func(in Input, th Thresholds) string {
			return fmt.Sprintf("temperature critical: %.1fC > %.1fC, cooling", in.Features.Temp.Mean, th.TempCriticalC)
		},
		Action: func(in Input, th Thresholds) *api.ControlAction {
			return &api.ControlAction{Parameter: "target_temp", Value: 800}
		},
	},
	{
		Trigger:  TriggerPHRunaway,
		Severity: api.SeverityCritical,
		When: func(in Input, th Thresholds) bool {
			return in.Features.PH.Mean < th.PHRunawayFloor
		},
		Reason: func(in Input, th Thresholds) string {
			return fmt.Sprintf("pH below runaway floor: %.2f < %.2f", in.Features.PH.Mean, th.PHRunawayFloor)
		},
		Action: func(in Input, th Thresholds) *api.ControlAction { return nil },
	},
	{
		Trigger:         TriggerCapacityDecay,
		Severity:        api.SeverityWarn,
		NeedsPrediction: true,
		When: func(in Input, th Thresholds) bool {
			if in.Prediction.CapacityMmolG >= th.MinCapacity {
				return false
			}
			return falling(in.Recent, th.TrendWindow)
		},
		Reason: func(in Input, th Thresholds) string {
			return fmt.Sprintf("predicted capacity %.2f below %.2f on a falling trend", in.Prediction.CapacityMmolG, th.MinCapacity)
		},
		Action: func(in Input, th Thresholds) *api.ControlAction { return nil },
	},
	{
		Trigger:         TriggerTargetReached,
		Severity:        api.SeverityInfo,
		NeedsPrediction: true,
		When: func(in Input, th Thresholds) bool {
			return in.Prediction.CapacityMmolG >= th.TargetCapacity
		},
		Reason: func(in Input, th Thresholds) string {
			return fmt.Sprintf("target capacity reached: %.2f >= %.2f", in.Prediction.CapacityMmolG, th.TargetCapacity)
		},
		Action: func(in Input, th Thresholds) *api.ControlAction { return nil },
	},
}

// falling reports whether the last `window` values are strictly decreasing.
func falling(recent []float64, window int) bool {
	if len(recent) < window {
		return false
	}
	tail := recent[len(recent)-window:]
	for i := 1; i < len(tail); i++ {
		if tail[i] >= tail[i-1] {
			return false
		}
	}
	return true
}

// Agent converts the latest features and prediction into at most one
// intervention per tick. Its only state is the per-class cooldown set and
// the recent prediction history feeding the trend rule, so decisions are
// reproducible from identical inputs and configuration.
type Agent struct {
	mu        sync.Mutex
	th        Thresholds
	rules     []Rule
	cooldowns map[string]int // trigger class -> expiry tick
	recent    []float64
}

// New builds an agent over the default rule table.
func New(th Thresholds) (*Agent, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	return &Agent{
		th:        th,
		rules:     defaultRules,
		cooldowns: make(map[string]int),
	}, nil
}

// Reset clears cooldowns and trend history for a new batch.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cooldowns = make(map[string]int)
	a.recent = a.recent[:0]
}

// Decide evaluates the rule table for one aggregation tick. Low-confidence
// features are non-actionable across the board; a low-confidence prediction
// disarms only the rules that read it. A fired trigger class stays inactive
// until its cooldown tick even if the condition persists.
func (a *Agent) Decide(tick int, fv *api.FeatureVector, pred *api.Prediction) *api.InterventionDecision {
	a.mu.Lock()
	defer a.mu.Unlock()

	if fv == nil || fv.LowConfidence {
		return nil
	}
	if tick < a.th.WarmupTicks {
		return nil
	}

	predOK := pred != nil && !pred.LowConfidence
	if predOK {
		a.recent = append(a.recent, pred.CapacityMmolG)
		if len(a.recent) > 32 {
			a.recent = a.recent[len(a.recent)-32:]
		}
	}

	in := Input{Tick: tick, Features: fv, Prediction: pred, Recent: a.recent}

	// Highest severity wins; the table order breaks ties.
	var fired *Rule
	for i := range a.rules {
		r := &a.rules[i]
		if r.NeedsPrediction && !predOK {
			continue
		}
		if expiry, active := a.cooldowns[r.Trigger]; active && tick < expiry {
			continue
		}
		if !r.When(in, a.th) {
			continue
		}
		if fired == nil || r.Severity > fired.Severity {
			fired = r
		}
	}
	if fired == nil {
		return nil
	}

	cooldown := a.th.CooldownTicks[fired.Trigger]
	expiry := tick + cooldown
	a.cooldowns[fired.Trigger] = expiry

	return &api.InterventionDecision{
		BatchID:       fv.BatchID,
		Tick:          tick,
		Trigger:       fired.Trigger,
		Severity:      fired.Severity,
		Reason:        fired.Reason(in, a.th),
		Action:        fired.Action(in, a.th),
		CooldownUntil: expiry,
	}
}

// ActiveCooldowns returns the trigger classes currently in cooldown at the
// given tick.
func (a *Agent) ActiveCooldowns(tick int) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for class, expiry := range a.cooldowns {
		if tick < expiry {
			out = append(out, class)
		}
	}
	return out
}
