package agent

import (
	"testing"

	"github.com/carbon-oracle/sorbent/internal/api"
)

func makeFV(tempMean, phMean float64) *api.FeatureVector {
	return &api.FeatureVector{
		BatchID:     "BATCH_001",
		WindowTicks: 10,
		Temp:        api.ChannelStats{Mean: tempMean, Max: tempMean + 5},
		PH:          api.ChannelStats{Mean: phMean, Max: phMean + 0.2},
	}
}

func makePred(capacity float64, lowConfidence bool) *api.Prediction {
	return &api.Prediction{
		BatchID:       "BATCH_001",
		CapacityMmolG: capacity,
		Confidence:    0.9,
		LowConfidence: lowConfidence,
	}
}

func newAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(DefaultThresholds())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func TestWarmupSuppressesAll(t *testing.T) {
	a := newAgent(t)

	if d := a.Decide(5, makeFV(900, 12), makePred(2.0, false)); d != nil {
		t.Errorf("Expected no decision during warmup, got %+v", d)
	}
	// The warmup boundary itself is actionable.
	if d := a.Decide(10, makeFV(900, 12), makePred(2.0, false)); d == nil {
		t.Error("Expected temp_critical at the warmup boundary")
	}
}

func TestTempCriticalIssuesCoolingAction(t *testing.T) {
	a := newAgent(t)

	d := a.Decide(20, makeFV(900, 12), makePred(2.0, false))
	if d == nil {
		t.Fatal("Expected a decision")
	}
	if d.Trigger != TriggerTempCritical {
		t.Errorf("Expected trigger %s, got %s", TriggerTempCritical, d.Trigger)
	}
	if d.Severity != api.SeverityCritical {
		t.Errorf("Expected critical severity, got %s", d.Severity)
	}
	if d.Action == nil || d.Action.Parameter != "target_temp" {
		t.Errorf("Expected a target_temp action, got %+v", d.Action)
	}
	if d.CooldownUntil != 30 {
		t.Errorf("Expected cooldown until tick 30, got %d", d.CooldownUntil)
	}
}

func TestCooldownSingleFireThroughPersistingCondition(t *testing.T) {
	a := newAgent(t)

	// The condition persists from tick 20 through 25; only tick 20 fires.
	var fired []int
	for tick := 20; tick <= 25; tick++ {
		if d := a.Decide(tick, makeFV(900, 12), makePred(2.0, false)); d != nil {
			fired = append(fired, tick)
		}
	}
	if len(fired) != 1 || fired[0] != 20 {
		t.Errorf("Expected a single firing at tick 20, got %v", fired)
	}

	// Re-arms exactly at the cooldown expiry tick.
	if d := a.Decide(29, makeFV(900, 12), makePred(2.0, false)); d != nil {
		t.Error("tick 29 is still inside the cooldown")
	}
	if d := a.Decide(30, makeFV(900, 12), makePred(2.0, false)); d == nil {
		t.Error("tick 30 should re-arm the trigger")
	}
}

func TestSeverityPrecedence(t *testing.T) {
	a := newAgent(t)

	// Critical temperature and the info-level target beat both matching:
	// severity decides.
	d := a.Decide(15, makeFV(900, 12), makePred(5.0, false))
	if d == nil || d.Trigger != TriggerTempCritical {
		t.Fatalf("Expected temp_critical to win on severity, got %+v", d)
	}
}

func TestDeclarationOrderBreaksTies(t *testing.T) {
	a := newAgent(t)

	// Both critical rules match; temp_critical is declared first.
	d := a.Decide(15, makeFV(900, 7.0), makePred(2.0, false))
	if d == nil || d.Trigger != TriggerTempCritical {
		t.Fatalf("Expected declaration order to break the severity tie, got %+v", d)
	}

	// With temp_critical in cooldown the pH rule surfaces.
	d = a.Decide(16, makeFV(900, 7.0), makePred(2.0, false))
	if d == nil || d.Trigger != TriggerPHRunaway {
		t.Fatalf("Expected ph_runaway while temp_critical cools down, got %+v", d)
	}
}

func TestLowConfidenceFeaturesNonActionable(t *testing.T) {
	a := newAgent(t)

	fv := makeFV(900, 12)
	fv.LowConfidence = true
	if d := a.Decide(20, fv, makePred(2.0, false)); d != nil {
		t.Errorf("low-confidence features must not be actionable, got %+v", d)
	}
}

func TestLowConfidencePredictionDisarmsOnlyPredictionRules(t *testing.T) {
	a := newAgent(t)

	// Capacity says target reached, but the estimate is shaky: no decision.
	if d := a.Decide(20, makeFV(700, 12), makePred(5.0, true)); d != nil {
		t.Errorf("prediction rules must be disarmed on low confidence, got %+v", d)
	}

	// A critical sensor threshold still fires with a shaky prediction.
	if d := a.Decide(21, makeFV(900, 12), makePred(5.0, true)); d == nil || d.Trigger != TriggerTempCritical {
		t.Errorf("sensor rules must stay armed on low-confidence predictions, got %+v", d)
	}
}

func TestCapacityDecayNeedsFallingTrend(t *testing.T) {
	a := newAgent(t)

	// Low capacity alone is not enough; the trend must be strictly falling
	// over the configured window.
	if d := a.Decide(15, makeFV(700, 12), makePred(1.4, false)); d != nil {
		t.Errorf("single low reading should not fire, got %+v", d)
	}
	if d := a.Decide(16, makeFV(700, 12), makePred(1.3, false)); d != nil {
		t.Errorf("two readings are below the trend window, got %+v", d)
	}
	d := a.Decide(17, makeFV(700, 12), makePred(1.2, false))
	if d == nil || d.Trigger != TriggerCapacityDecay {
		t.Fatalf("Expected capacity_decay on three falling readings, got %+v", d)
	}
	if d.Severity != api.SeverityWarn {
		t.Errorf("Expected warn severity, got %s", d.Severity)
	}
}

func TestCapacityDecayFlatTrendDoesNotFire(t *testing.T) {
	a := newAgent(t)

	a.Decide(15, makeFV(700, 12), makePred(1.3, false))
	a.Decide(16, makeFV(700, 12), makePred(1.2, false))
	// The plateau breaks strict decrease.
	if d := a.Decide(17, makeFV(700, 12), makePred(1.2, false)); d != nil {
		t.Errorf("flat trend should not fire, got %+v", d)
	}
}

func TestTargetReachedInfo(t *testing.T) {
	a := newAgent(t)

	d := a.Decide(30, makeFV(790, 11), makePred(3.4, false))
	if d == nil || d.Trigger != TriggerTargetReached {
		t.Fatalf("Expected target_reached, got %+v", d)
	}
	if d.Severity != api.SeverityInfo {
		t.Errorf("Expected info severity, got %s", d.Severity)
	}
	if d.Action != nil {
		t.Errorf("target_reached must not carry a control action, got %+v", d.Action)
	}
}

func TestResetClearsCooldownsAndTrend(t *testing.T) {
	a := newAgent(t)

	if d := a.Decide(20, makeFV(900, 12), makePred(2.0, false)); d == nil {
		t.Fatal("Expected initial firing")
	}
	if got := a.ActiveCooldowns(25); len(got) != 1 {
		t.Fatalf("Expected one active cooldown, got %v", got)
	}

	a.Reset()
	if got := a.ActiveCooldowns(25); len(got) != 0 {
		t.Errorf("Reset should clear cooldowns, got %v", got)
	}
	// After reset the same tick fires again.
	if d := a.Decide(21, makeFV(900, 12), makePred(2.0, false)); d == nil {
		t.Error("Expected firing immediately after reset")
	}
}

func TestNilInputs(t *testing.T) {
	a := newAgent(t)

	if d := a.Decide(20, nil, makePred(2.0, false)); d != nil {
		t.Error("nil features must not be actionable")
	}
	// A missing prediction disarms prediction rules but not sensor rules.
	if d := a.Decide(20, makeFV(900, 12), nil); d == nil || d.Trigger != TriggerTempCritical {
		t.Errorf("Expected temp_critical with nil prediction, got %+v", d)
	}
	if d := a.Decide(21, makeFV(700, 12), nil); d != nil {
		t.Errorf("No sensor rule matches and no prediction: expected nil, got %+v", d)
	}
}

func TestThresholdsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Thresholds)
		wantErr bool
	}{
		{"default", func(th *Thresholds) {}, false},
		{"zero critical temp", func(th *Thresholds) { th.TempCriticalC = 0 }, true},
		{"ph floor out of range", func(th *Thresholds) { th.PHRunawayFloor = 15 }, true},
		{"min above target", func(th *Thresholds) { th.MinCapacity = 4 }, true},
		{"trend window too small", func(th *Thresholds) { th.TrendWindow = 1 }, true},
		{"negative cooldown", func(th *Thresholds) { th.CooldownTicks[TriggerPHRunaway] = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := DefaultThresholds()
			tt.mutate(&th)
			err := th.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
