package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/carbon-oracle/sorbent/internal/agent"
	"github.com/carbon-oracle/sorbent/internal/api"
	"github.com/carbon-oracle/sorbent/internal/features"
	"github.com/carbon-oracle/sorbent/internal/metrics"
	"github.com/carbon-oracle/sorbent/internal/predict"
	"github.com/carbon-oracle/sorbent/internal/report"
	"github.com/carbon-oracle/sorbent/internal/retrieval"
	"github.com/carbon-oracle/sorbent/internal/sim"
	"github.com/carbon-oracle/sorbent/internal/store"
	"github.com/carbon-oracle/sorbent/internal/stream"
	"github.com/carbon-oracle/sorbent/internal/wal"
)

// Config times the loop and bounds its I/O.
type Config struct {
	// SampleInterval is the wall-clock pacing between sampling ticks.
	// Zero runs the batch as fast as possible (tests, backfill).
	SampleInterval time.Duration

	// AggEvery computes features every N sampling ticks. Must be >= 1.
	AggEvery int

	// PersistTimeout bounds each persistence attempt.
	PersistTimeout time.Duration

	// PersistRetries is how many attempts a tick write gets before it
	// degrades to an async best-effort write.
	PersistRetries int

	// RetryBackoff is the delay between persistence attempts.
	RetryBackoff time.Duration

	// SimilarK is how many historical precedents to retrieve at close.
	SimilarK int
}

// DefaultConfig returns loop defaults.
func DefaultConfig() Config {
	return Config{
		SampleInterval: 0,
		AggEvery:       5,
		PersistTimeout: 2 * time.Second,
		PersistRetries: 3,
		RetryBackoff:   100 * time.Millisecond,
		SimilarK:       3,
	}
}

// Validate rejects configurations the loop must never start with.
func (c *Config) Validate() error {
	if c.AggEvery < 1 {
		return fmt.Errorf("agg_every must be >= 1, got %d", c.AggEvery)
	}
	if c.PersistRetries < 1 {
		return fmt.Errorf("persist_retries must be >= 1, got %d", c.PersistRetries)
	}
	if c.PersistTimeout <= 0 {
		return fmt.Errorf("persist_timeout must be positive, got %v", c.PersistTimeout)
	}
	return nil
}

// CapacityPredictor is the estimate surface the loop reads each aggregation
// tick. *predict.Predictor implements it.
type CapacityPredictor interface {
	Predict(fv *api.FeatureVector) (*api.Prediction, error)
	Refresh(ctx context.Context, store predict.StateStore)
	BlendWeight() float64
}

// Orchestrator drives batch lifecycles: one cooperative timeline per batch,
// strict Sample -> Feature -> Predict -> Decide -> Persist order within a
// tick. It owns all writes to the BatchRecord.
type Orchestrator struct {
	cfg       Config
	source    sim.SampleSource
	extractor *features.Extractor
	predictor CapacityPredictor
	agent     *agent.Agent
	store     store.Store
	journal   *wal.SampleWAL
	index     *retrieval.Index
	reporter  report.Reporter
	events    *stream.Broadcaster
	metrics   *metrics.Metrics

	mu      sync.Mutex
	running int
}

// Options carries the optional collaborators; nil fields degrade to no-ops.
type Options struct {
	Journal  *wal.SampleWAL
	Index    *retrieval.Index
	Reporter report.Reporter
	Events   *stream.Broadcaster
	Metrics  *metrics.Metrics
}

// New wires the loop. source, extractor, predictor, ag and st are required.
func New(cfg Config, source sim.SampleSource, extractor *features.Extractor, predictor CapacityPredictor, ag *agent.Agent, st store.Store, opts Options) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil || extractor == nil || predictor == nil || ag == nil || st == nil {
		return nil, fmt.Errorf("source, extractor, predictor, agent and store are required")
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = report.NoopReporter{}
	}
	return &Orchestrator{
		cfg:       cfg,
		source:    source,
		extractor: extractor,
		predictor: predictor,
		agent:     ag,
		store:     st,
		journal:   opts.Journal,
		index:     opts.Index,
		reporter:  reporter,
		events:    opts.Events,
		metrics:   opts.Metrics,
	}, nil
}

// RunBatch executes one full batch lifecycle and returns the closed record.
// Cancelling ctx aborts at the next tick boundary; the record is then
// persisted in the terminal Aborted state with whatever was collected, and
// any pending intervention is discarded rather than applied.
func (o *Orchestrator) RunBatch(ctx context.Context, scenario api.Scenario) (*api.BatchRecord, error) {
	o.mu.Lock()
	o.running++
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running--
		o.mu.Unlock()
	}()

	batchID, err := o.source.Start(ctx, scenario)
	if err != nil {
		return nil, fmt.Errorf("sample source start failed: %w", err)
	}

	record := &api.BatchRecord{
		BatchID:   batchID,
		Scenario:  o.source.Scenario(),
		StartedAt: time.Now(),
		State:     api.StatePending,
	}
	o.extractor.Reset(batchID)
	o.agent.Reset()

	record.State = api.StateRunning
	o.saveBatch(ctx, record)
	log.Printf("batch %s started (scenario %s)", batchID, record.Scenario)

	var pacer *time.Ticker
	if o.cfg.SampleInterval > 0 {
		pacer = time.NewTicker(o.cfg.SampleInterval)
		defer pacer.Stop()
	}

	for {
		// Abort only at tick boundaries.
		select {
		case <-ctx.Done():
			return o.abort(record)
		default:
		}

		sample, ok, err := o.source.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("sample source failed: %w", err)
		}
		if !ok {
			break // duration elapsed
		}
		if err := sample.Validate(); err != nil {
			// A malformed reading is a data-quality fault: drop it, keep going.
			log.Printf("batch %s tick %d: dropping invalid sample: %v", batchID, sample.Tick, err)
			continue
		}

		record.Samples = append(record.Samples, sample)
		o.extractor.Observe(sample)
		if o.metrics != nil {
			o.metrics.SamplesTotal.Inc()
		}
		if o.journal != nil {
			if err := o.journal.Append(sample); err != nil {
				log.Printf("batch %s tick %d: WAL append failed: %v", batchID, sample.Tick, err)
				if o.metrics != nil {
					o.metrics.WALErrors.Inc()
				}
			}
		}

		ev := stream.Event{
			BatchID: batchID,
			Tick:    sample.Tick,
			State:   record.State,
			Sample:  &sample,
		}

		if sample.Tick%o.cfg.AggEvery == 0 {
			o.aggregate(ctx, record, sample.Tick, &ev)
		}

		o.publish(ev)

		if pacer != nil {
			select {
			case <-pacer.C:
			case <-ctx.Done():
				return o.abort(record)
			}
		}
	}

	record.State = api.StateCompleting
	o.saveBatch(ctx, record)

	truth, validated, err := o.source.Finalize(ctx)
	if err != nil {
		return nil, fmt.Errorf("finalize failed: %w", err)
	}
	record.GroundTruth = truth
	record.Validated = validated
	record.ClosedAt = time.Now()

	// Hand off to the analysis collaborators; their failures are logged,
	// never fatal to the batch.
	similar := o.findSimilar(ctx, record)
	if err := o.reporter.Analyze(ctx, record, similar); err != nil {
		log.Printf("batch %s: report handoff failed: %v", batchID, err)
	}
	record.State = api.StateAnalyzed
	o.publish(stream.Event{BatchID: batchID, Tick: len(record.Samples), State: record.State})

	record.State = api.StateClosed
	o.saveBatch(ctx, record)
	o.publish(stream.Event{BatchID: batchID, Tick: len(record.Samples), State: record.State})

	if o.metrics != nil {
		o.metrics.BatchesByOutcome.WithLabelValues(string(api.StateClosed)).Inc()
	}
	if validated {
		log.Printf("batch %s closed: ground truth %.2f mmol/g", batchID, truth)
	} else {
		log.Printf("batch %s closed: ground truth pending lab validation", batchID)
	}
	return record, nil
}

// aggregate runs the Feature -> Predict -> Decide -> Persist span of one
// aggregation tick.
func (o *Orchestrator) aggregate(ctx context.Context, record *api.BatchRecord, tick int, ev *stream.Event) {
	fv := o.extractor.Extract(tick)
	record.Features = append(record.Features, fv)
	ev.Features = &fv

	pred, err := o.predictor.Predict(&fv)
	if err != nil {
		// Degraded-but-valid: no prediction this tick, loop continues.
		log.Printf("batch %s tick %d: prediction failed: %v", record.BatchID, tick, err)
	} else {
		record.Predictions = append(record.Predictions, *pred)
		ev.Prediction = pred
		if o.metrics != nil {
			o.metrics.PredictionsTotal.Inc()
			o.metrics.PredictedCapacity.Set(pred.CapacityMmolG)
			o.metrics.BlendWeight.Set(pred.BlendWeight)
			o.metrics.PredictionSpread.Observe(1 - pred.Confidence)
		}
	}

	decision := o.agent.Decide(tick, &fv, pred)
	if decision != nil {
		// Transient Intervened sub-state: apply, log, resume running.
		record.State = api.StateIntervened
		ev.State = api.StateIntervened
		ev.Decision = decision
		record.Decisions = append(record.Decisions, *decision)

		if decision.Action != nil {
			if err := o.source.ApplyControl(ctx, *decision.Action); err != nil {
				log.Printf("batch %s tick %d: control apply failed: %v", record.BatchID, tick, err)
			} else {
				log.Printf("batch %s tick %d: intervention [%s/%s] %s -> %s=%.1f",
					record.BatchID, tick, decision.Trigger, decision.Severity,
					decision.Reason, decision.Action.Parameter, decision.Action.Value)
			}
		} else {
			log.Printf("batch %s tick %d: intervention [%s/%s] %s",
				record.BatchID, tick, decision.Trigger, decision.Severity, decision.Reason)
		}
		if o.metrics != nil {
			o.metrics.InterventionsByTrigger.WithLabelValues(decision.Trigger).Inc()
		}
		record.State = api.StateRunning
	}

	artifacts := &api.TickArtifacts{
		BatchID:    record.BatchID,
		Tick:       tick,
		Features:   &fv,
		Prediction: pred,
		Decision:   decision,
	}
	// Raw samples since the previous aggregation tick ride along.
	if n := len(record.Samples); n > 0 {
		start := n - o.cfg.AggEvery
		if start < 0 {
			start = 0
		}
		artifacts.Samples = record.Samples[start:]
	}
	o.persistTick(ctx, artifacts)
}

// persistTick writes one tick with bounded retries; on exhaustion the write
// degrades to a single async best-effort attempt so a slow store never
// stalls the next sampling tick.
func (o *Orchestrator) persistTick(ctx context.Context, artifacts *api.TickArtifacts) {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < o.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(o.cfg.RetryBackoff * time.Duration(attempt))
		}
		wctx, cancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
		lastErr = o.store.AppendTick(wctx, artifacts)
		cancel()
		if lastErr == nil {
			if o.metrics != nil {
				o.metrics.PersistLatency.Observe(time.Since(start).Seconds())
			}
			return
		}
	}

	log.Printf("batch %s tick %d: persistence degraded to async after %d attempts: %v",
		artifacts.BatchID, artifacts.Tick, o.cfg.PersistRetries, lastErr)
	if o.metrics != nil {
		o.metrics.PersistErrors.Inc()
	}
	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
		defer cancel()
		if err := o.store.AppendTick(wctx, artifacts); err != nil {
			log.Printf("batch %s tick %d: async persistence failed, tick lost to store (WAL retains raw samples): %v",
				artifacts.BatchID, artifacts.Tick, err)
		}
	}()
}

// saveBatch persists a lifecycle transition with the same retry discipline.
func (o *Orchestrator) saveBatch(ctx context.Context, record *api.BatchRecord) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.PersistRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(o.cfg.RetryBackoff * time.Duration(attempt))
		}
		wctx, cancel := context.WithTimeout(ctx, o.cfg.PersistTimeout)
		lastErr = o.store.SaveBatch(wctx, record)
		cancel()
		if lastErr == nil {
			return
		}
	}
	log.Printf("batch %s: state save failed: %v", record.BatchID, lastErr)
	if o.metrics != nil {
		o.metrics.PersistErrors.Inc()
	}
}

// abort finalizes a cancelled batch: terminal Aborted state, collected
// artifacts persisted, pending decisions discarded.
func (o *Orchestrator) abort(record *api.BatchRecord) (*api.BatchRecord, error) {
	record.State = api.StateAborted
	record.ClosedAt = time.Now()
	// ctx is already cancelled; give the final save its own deadline.
	wctx, cancel := context.WithTimeout(context.Background(), o.cfg.PersistTimeout)
	defer cancel()
	if err := o.store.SaveBatch(wctx, record); err != nil {
		log.Printf("batch %s: aborted-state save failed: %v", record.BatchID, err)
	}
	if o.metrics != nil {
		o.metrics.BatchesByOutcome.WithLabelValues(string(api.StateAborted)).Inc()
	}
	o.publish(stream.Event{BatchID: record.BatchID, Tick: len(record.Samples), State: api.StateAborted})
	log.Printf("batch %s aborted after %d samples", record.BatchID, len(record.Samples))
	return record, nil
}

func (o *Orchestrator) findSimilar(ctx context.Context, record *api.BatchRecord) []retrieval.Similar {
	if o.index == nil {
		return nil
	}
	cp := record.CheckpointFeatures()
	if cp == nil {
		return nil
	}
	similar, err := o.index.FindSimilar(ctx, cp, o.cfg.SimilarK)
	if err != nil {
		log.Printf("batch %s: similar-case retrieval failed: %v", record.BatchID, err)
		return nil
	}
	return similar
}

func (o *Orchestrator) publish(ev stream.Event) {
	if o.events != nil {
		o.events.Publish(ev)
	}
}

// MaybeRetrain refreshes the empirical estimator from the store, but only
// while no batch is running: retraining is an exclusive between-batches
// phase, so in-flight timelines always read a stable PredictorState.
func (o *Orchestrator) MaybeRetrain(ctx context.Context, st predict.StateStore) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running > 0 {
		return false
	}
	o.predictor.Refresh(ctx, st)
	if o.metrics != nil {
		o.metrics.RetrainTotal.Inc()
		o.metrics.BlendWeight.Set(o.predictor.BlendWeight())
	}
	return true
}
