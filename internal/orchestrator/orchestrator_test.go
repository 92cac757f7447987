package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/carbon-oracle/sorbent/internal/agent"
	"github.com/carbon-oracle/sorbent/internal/api"
	"github.com/carbon-oracle/sorbent/internal/features"
	"github.com/carbon-oracle/sorbent/internal/predict"
	"github.com/carbon-oracle/sorbent/internal/sim"
	"github.com/carbon-oracle/sorbent/internal/store"
	"github.com/carbon-oracle/sorbent/internal/stream"
)

// stubPredictor returns a fixed estimate so agent behavior in a scenario is
// fully determined by the simulated sensors.
type stubPredictor struct {
	capacity  float64
	conf      float64
	lowConf   bool
	refreshes int
}

func (s *stubPredictor) Predict(fv *api.FeatureVector) (*api.Prediction, error) {
	return &api.Prediction{
		BatchID:       fv.BatchID,
		Tick:          fv.Tick,
		CapacityMmolG: s.capacity,
		Confidence:    s.conf,
		Provenance:    api.ProvenanceSynthetic,
		ModelVersion:  "fixed-estimate",
		LowConfidence: s.lowConf || fv.LowConfidence,
	}, nil
}

func (s *stubPredictor) Refresh(ctx context.Context, st predict.StateStore) { s.refreshes++ }

func (s *stubPredictor) BlendWeight() float64 { return 0 }

func testLoop(t *testing.T, seed int64, durationTicks int, pred CapacityPredictor, st store.Store, opts Options) *Orchestrator {
	t.Helper()

	simCfg := sim.DefaultConfig()
	simCfg.DurationTicks = durationTicks
	source, err := sim.New(simCfg, seed)
	if err != nil {
		t.Fatalf("sim.New failed: %v", err)
	}

	ag, err := agent.New(agent.DefaultThresholds())
	if err != nil {
		t.Fatalf("agent.New failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.PersistRetries = 2
	cfg.RetryBackoff = 0
	loop, err := New(cfg, source, features.NewExtractor(10), pred, ag, st, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return loop
}

func TestOptimalBatchLifecycle(t *testing.T) {
	st := store.NewMemoryStore("")
	events := stream.NewBroadcaster(128)
	ch, cancel := events.Subscribe()
	defer cancel()

	pred := &stubPredictor{capacity: 3.5, conf: 0.9}
	loop := testLoop(t, 5, 60, pred, st, Options{Events: events})

	record, err := loop.RunBatch(context.Background(), api.ScenarioOptimal)
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}

	if record.State != api.StateClosed {
		t.Errorf("Expected final state closed, got %s", record.State)
	}
	if !record.Validated {
		t.Error("Simulated batch must close validated")
	}
	if record.GroundTruth <= 3.0 {
		t.Errorf("Optimal batch capacity %.2f, want > 3.0", record.GroundTruth)
	}
	if len(record.Samples) != 60 {
		t.Errorf("Expected 60 samples, got %d", len(record.Samples))
	}
	// Aggregation every 5 ticks over ticks 0..59.
	if len(record.Features) != 12 {
		t.Errorf("Expected 12 feature vectors, got %d", len(record.Features))
	}
	if len(record.Predictions) != 12 {
		t.Errorf("Expected 12 predictions, got %d", len(record.Predictions))
	}

	// With a healthy trajectory only the early-success rule fires, once at
	// the warmup boundary; its 60-tick cooldown covers the rest of the batch.
	if len(record.Decisions) != 1 {
		t.Fatalf("Expected 1 intervention, got %d: %+v", len(record.Decisions), record.Decisions)
	}
	d := record.Decisions[0]
	if d.Severity != api.SeverityInfo {
		t.Errorf("Optimal batch should only see an info decision, got [%s/%s]", d.Trigger, d.Severity)
	}
	if d.Trigger != agent.TriggerTargetReached {
		t.Errorf("Expected target_reached, got %s", d.Trigger)
	}
	if d.Tick != 10 {
		t.Errorf("Expected firing at tick 10, got %d", d.Tick)
	}

	// The persisted record matches what the loop returned.
	stored, err := st.LoadBatch(context.Background(), record.BatchID)
	if err != nil {
		t.Fatalf("LoadBatch failed: %v", err)
	}
	if stored == nil || stored.State != api.StateClosed {
		t.Errorf("Expected closed record in the store, got %+v", stored)
	}

	// The lifecycle was streamed through analyzed to closed, with no drops.
	if events.Dropped() != 0 {
		t.Errorf("Expected no dropped events, got %d", events.Dropped())
	}
	cancel()
	var sawAnalyzed bool
	var last stream.Event
	var featureEvents int
	for ev := range ch {
		if ev.State == api.StateAnalyzed {
			sawAnalyzed = true
		}
		if ev.Features != nil {
			featureEvents++
		}
		last = ev
	}
	if !sawAnalyzed {
		t.Error("Expected an analyzed lifecycle event")
	}
	if last.State != api.StateClosed {
		t.Errorf("Expected the final event to be closed, got %s", last.State)
	}
	if featureEvents != 12 {
		t.Errorf("Expected 12 feature-bearing events, got %d", featureEvents)
	}
}

func TestAbnormalDriftTriggersCooling(t *testing.T) {
	st := store.NewMemoryStore("")
	pred := &stubPredictor{capacity: 2.0, conf: 0.9}
	loop := testLoop(t, 3, 60, pred, st, Options{})

	record, err := loop.RunBatch(context.Background(), api.ScenarioAbnormal)
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}
	if record.State != api.StateClosed {
		t.Errorf("Expected final state closed, got %s", record.State)
	}

	var cooling []api.InterventionDecision
	for _, d := range record.Decisions {
		if d.Trigger == agent.TriggerTempCritical {
			cooling = append(cooling, d)
		}
	}
	if len(cooling) == 0 {
		t.Fatal("Expected the drifting heater to trigger a cooling intervention")
	}
	for _, d := range cooling {
		if d.Severity != api.SeverityCritical {
			t.Errorf("Expected critical severity, got %s", d.Severity)
		}
		if d.Action == nil || d.Action.Parameter != "target_temp" {
			t.Errorf("Expected a target_temp action, got %+v", d.Action)
		}
	}
	// A persisting over-temperature never fires inside its own cooldown.
	for i := 1; i < len(cooling); i++ {
		if gap := cooling[i].Tick - cooling[i-1].Tick; gap < 10 {
			t.Errorf("Cooling refired after %d ticks, inside the 10-tick cooldown", gap)
		}
	}
}

// cancellingSource wraps the simulator and cancels the batch context after a
// fixed number of samples, so aborts land on a deterministic tick boundary.
type cancellingSource struct {
	sim.SampleSource
	cancel context.CancelFunc
	after  int
	count  int
}

func (c *cancellingSource) Next(ctx context.Context) (api.SensorSample, bool, error) {
	sample, ok, err := c.SampleSource.Next(ctx)
	if ok {
		c.count++
		if c.count == c.after {
			c.cancel()
		}
	}
	return sample, ok, err
}

func TestAbortAtTickBoundary(t *testing.T) {
	simCfg := sim.DefaultConfig()
	simCfg.DurationTicks = 1000
	source, err := sim.New(simCfg, 1)
	if err != nil {
		t.Fatalf("sim.New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wrapped := &cancellingSource{SampleSource: source, cancel: cancel, after: 10}

	ag, err := agent.New(agent.DefaultThresholds())
	if err != nil {
		t.Fatalf("agent.New failed: %v", err)
	}
	st := store.NewMemoryStore("")

	loop, err := New(DefaultConfig(), wrapped, features.NewExtractor(10), &stubPredictor{capacity: 2, conf: 0.9}, ag, st, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	record, err := loop.RunBatch(ctx, api.ScenarioNominal)
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}
	if record.State != api.StateAborted {
		t.Errorf("Expected aborted state, got %s", record.State)
	}
	if len(record.Samples) != 10 {
		t.Errorf("Expected exactly 10 samples before the abort boundary, got %d", len(record.Samples))
	}
	if record.Validated {
		t.Error("Aborted batches must not carry a validated outcome")
	}

	stored, err := st.LoadBatch(context.Background(), record.BatchID)
	if err != nil {
		t.Fatalf("LoadBatch failed: %v", err)
	}
	if stored == nil || stored.State != api.StateAborted {
		t.Errorf("Expected aborted record persisted, got %+v", stored)
	}
}

func TestAbortBeforeFirstTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := store.NewMemoryStore("")
	loop := testLoop(t, 1, 60, &stubPredictor{capacity: 2, conf: 0.9}, st, Options{})

	record, err := loop.RunBatch(ctx, api.ScenarioNominal)
	if err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}
	if record.State != api.StateAborted {
		t.Errorf("Expected aborted state, got %s", record.State)
	}
	if len(record.Samples) != 0 {
		t.Errorf("Expected no samples, got %d", len(record.Samples))
	}
}

// failingStore drops every tick write to exercise the degraded path. The
// counter is atomic because the degraded async retry races with the test.
type failingStore struct {
	store.Store
	failures atomic.Int64
}

func (f *failingStore) AppendTick(ctx context.Context, artifacts *api.TickArtifacts) error {
	f.failures.Add(1)
	return errors.New("tick store unavailable")
}

func TestPersistFailureNeverStallsTheBatch(t *testing.T) {
	st := &failingStore{Store: store.NewMemoryStore("")}
	loop := testLoop(t, 2, 30, &stubPredictor{capacity: 2, conf: 0.9}, st, Options{})

	record, err := loop.RunBatch(context.Background(), api.ScenarioNominal)
	if err != nil {
		t.Fatalf("RunBatch must tolerate tick persistence failures, got %v", err)
	}
	if record.State != api.StateClosed {
		t.Errorf("Expected closed state despite store failures, got %s", record.State)
	}
	if len(record.Samples) != 30 {
		t.Errorf("Expected the full 30 samples, got %d", len(record.Samples))
	}
	if st.failures.Load() == 0 {
		t.Error("Expected the failing store to have been exercised")
	}
}

func TestMaybeRetrainSkipsWhileRunning(t *testing.T) {
	st := store.NewMemoryStore("")
	pred := &stubPredictor{capacity: 2, conf: 0.9}
	loop := testLoop(t, 1, 20, pred, st, Options{})

	if !loop.MaybeRetrain(context.Background(), st) {
		t.Error("Expected retrain to run with no batch in flight")
	}
	if pred.refreshes != 1 {
		t.Errorf("Expected 1 refresh, got %d", pred.refreshes)
	}

	loop.mu.Lock()
	loop.running = 1
	loop.mu.Unlock()
	if loop.MaybeRetrain(context.Background(), st) {
		t.Error("Retrain must be refused while a batch is running")
	}
	if pred.refreshes != 1 {
		t.Errorf("Refused retrain must not refresh, got %d", pred.refreshes)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"zero agg interval", func(c *Config) { c.AggEvery = 0 }, true},
		{"zero retries", func(c *Config) { c.PersistRetries = 0 }, true},
		{"zero persist timeout", func(c *Config) { c.PersistTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewRequiresCoreCollaborators(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, nil, nil, nil, nil, Options{}); err == nil {
		t.Error("Expected error for missing collaborators")
	}
}
