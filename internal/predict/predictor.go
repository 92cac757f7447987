package predict

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/carbon-oracle/sorbent/internal/api"
	"github.com/carbon-oracle/sorbent/internal/features"
	"github.com/carbon-oracle/sorbent/internal/sim"
)

// ModelVersion tags predictions and persisted state with the estimator
// generation that produced them.
const ModelVersion = "sorbent-blend-v1"

// Config tunes the blended predictor.
type Config struct {
	// MinEmpirical is the validated-record count below which the blend
	// weight is exactly 0 (pure synthetic prior).
	MinEmpirical int

	// SaturationCount is the validated-record count at which the blend
	// weight reaches 1.
	SaturationCount int

	// SyntheticBatches is how many simulated batches to generate when
	// bootstrapping the synthetic prior.
	SyntheticBatches int

	// Members is the ensemble size per estimator.
	Members int

	// Ridge is the L2 penalty used by every member fit.
	Ridge float64

	// ConfidenceFloor marks predictions below it non-actionable.
	ConfidenceFloor float64

	// Seed drives synthetic data generation and bootstrap resampling.
	Seed int64
}

// DefaultConfig returns tuned defaults.
func DefaultConfig() Config {
	return Config{
		MinEmpirical:     5,
		SaturationCount:  20,
		SyntheticBatches: 50,
		Members:          25,
		Ridge:            1.0,
		ConfidenceFloor:  0.6,
		Seed:             42,
	}
}

// Validate rejects configurations the predictor cannot start with.
func (c *Config) Validate() error {
	if c.MinEmpirical < 1 {
		return fmt.Errorf("min_empirical must be >= 1, got %d", c.MinEmpirical)
	}
	if c.SaturationCount < c.MinEmpirical {
		return fmt.Errorf("saturation_count %d below min_empirical %d", c.SaturationCount, c.MinEmpirical)
	}
	if c.SyntheticBatches < 2 {
		return fmt.Errorf("synthetic_batches must be >= 2, got %d", c.SyntheticBatches)
	}
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		return fmt.Errorf("confidence_floor must be in [0, 1], got %.2f", c.ConfidenceFloor)
	}
	return nil
}

// StateStore is the slice of the persistence contract the predictor needs.
type StateStore interface {
	QueryValidated(ctx context.Context, minCount int) ([]api.TrainingPair, error)
	LoadPredictorState(ctx context.Context) (*api.PredictorState, error)
	SavePredictorState(ctx context.Context, state *api.PredictorState) error
}

// Predictor blends a synthetic-prior ensemble with an empirical ensemble
// retrained from validated batch outcomes. State is read-mostly: retraining
// happens only between batches, predictions never mutate it.
type Predictor struct {
	mu        sync.RWMutex
	cfg       Config
	synthetic *Ensemble
	empirical *Ensemble
	count     int // validated records behind the empirical estimator
	trainedAt time.Time
}

// New creates a predictor with no model loaded. Call Bootstrap before use.
func New(cfg Config) (*Predictor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Predictor{cfg: cfg}, nil
}

// Bootstrap makes the predictor usable: it restores persisted state when the
// store has one, otherwise trains the synthetic prior from simulated
// batches. It then refreshes the empirical estimator if enough validated
// records exist. The predictor never comes out of Bootstrap without a
// usable model; store failures degrade to synthetic-only.
func (p *Predictor) Bootstrap(ctx context.Context, store StateStore, simCfg sim.Config, windowTicks int) error {
	restored := false
	if store != nil {
		state, err := store.LoadPredictorState(ctx)
		if err != nil {
			log.Printf("predictor: state load failed, will retrain: %v", err)
		} else if state != nil {
			if err := p.restore(state); err != nil {
				log.Printf("predictor: persisted state unusable, will retrain: %v", err)
			} else {
				restored = true
			}
		}
	}

	if !restored {
		if err := p.trainSynthetic(simCfg, windowTicks); err != nil {
			return fmt.Errorf("synthetic prior training failed: %w", err)
		}
		if store != nil {
			if err := store.SavePredictorState(ctx, p.State()); err != nil {
				log.Printf("predictor: state save failed: %v", err)
			}
		}
	}

	if store != nil {
		p.Refresh(ctx, store)
	}
	return nil
}

// trainSynthetic generates simulated batches under a dedicated seed and fits
// the prior ensemble on (checkpoint features, ground truth) pairs.
func (p *Predictor) trainSynthetic(simCfg sim.Config, windowTicks int) error {
	rng := rand.New(rand.NewSource(p.cfg.Seed))

	source, err := sim.New(simCfg, p.cfg.Seed)
	if err != nil {
		return err
	}
	extractor := features.NewExtractor(windowTicks)
	ctx := context.Background()

	X := make([][]float64, 0, p.cfg.SyntheticBatches)
	y := make([]float64, 0, p.cfg.SyntheticBatches)

	for i := 0; i < p.cfg.SyntheticBatches; i++ {
		batchID, err := source.Start(ctx, "")
		if err != nil {
			return err
		}
		extractor.Reset(batchID)

		lastTick := 0
		for {
			sample, ok, err := source.Next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			extractor.Observe(sample)
			lastTick = sample.Tick
		}

		fv := extractor.Extract(lastTick)
		truth, _, err := source.Finalize(ctx)
		if err != nil {
			return err
		}
		X = append(X, fv.Values())
		y = append(y, truth)
	}

	ens, err := FitEnsemble(X, y, p.cfg.Members, p.cfg.Ridge, rng)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.synthetic = ens
	p.trainedAt = time.Now()
	p.mu.Unlock()
	return nil
}

// Refresh retrains the empirical estimator from the store when the count of
// validated records has crossed the minimum or grown since the last train.
// Called only between batches; failures log and keep the last-known-good
// model.
func (p *Predictor) Refresh(ctx context.Context, store StateStore) {
	pairs, err := store.QueryValidated(ctx, p.cfg.MinEmpirical)
	if err != nil {
		log.Printf("predictor: validated record query failed, keeping current model: %v", err)
		return
	}

	p.mu.RLock()
	prev := p.count
	p.mu.RUnlock()

	n := len(pairs)
	if n < p.cfg.MinEmpirical || n <= prev {
		return
	}

	X := make([][]float64, n)
	y := make([]float64, n)
	for i, pair := range pairs {
		X[i] = pair.Features.Values()
		y[i] = pair.Capacity
	}

	rng := rand.New(rand.NewSource(p.cfg.Seed + int64(n)))
	ens, err := FitEnsemble(X, y, p.cfg.Members, p.cfg.Ridge, rng)
	if err != nil {
		log.Printf("predictor: empirical retrain failed, keeping current model: %v", err)
		return
	}

	p.mu.Lock()
	p.empirical = ens
	p.count = n
	p.trainedAt = time.Now()
	p.mu.Unlock()

	if err := store.SavePredictorState(ctx, p.State()); err != nil {
		log.Printf("predictor: state save failed: %v", err)
	}
	log.Printf("predictor: empirical estimator retrained on %d validated records (blend weight %.2f)", n, p.BlendWeight())
}

// BlendWeight returns w for the current validated-record count: exactly 0
// below MinEmpirical, then growing linearly to saturate at 1 at
// SaturationCount. Monotonically non-decreasing in the count.
func (p *Predictor) BlendWeight() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.blendWeightLocked()
}

func (p *Predictor) blendWeightLocked() float64 {
	if p.empirical == nil || p.count < p.cfg.MinEmpirical {
		return 0
	}
	span := float64(p.cfg.SaturationCount - p.cfg.MinEmpirical)
	if span <= 0 {
		return 1
	}
	w := float64(p.count-p.cfg.MinEmpirical) / span
	if w > 1 {
		w = 1
	}
	return w
}

// Predict maps a feature vector to a terminal-capacity estimate with a
// confidence score. Deterministic given identical state and input.
func (p *Predictor) Predict(fv *api.FeatureVector) (*api.Prediction, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.synthetic == nil {
		return nil, fmt.Errorf("predictor not bootstrapped")
	}

	x := fv.Values()
	synMean, synSpread, err := p.synthetic.Predict(x)
	if err != nil {
		return nil, err
	}

	w := p.blendWeightLocked()
	capacity := synMean
	spread := synSpread
	provenance := api.ProvenanceSynthetic

	if w > 0 {
		empMean, empSpread, err := p.empirical.Predict(x)
		if err != nil {
			return nil, err
		}
		capacity = w*empMean + (1-w)*synMean
		spread = w*empSpread + (1-w)*synSpread
		provenance = api.ProvenanceBlended
	}

	confidence := 1.0 - spread
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return &api.Prediction{
		BatchID:       fv.BatchID,
		Tick:          fv.Tick,
		CapacityMmolG: capacity,
		Confidence:    confidence,
		BlendWeight:   w,
		Provenance:    provenance,
		ModelVersion:  ModelVersion,
		LowConfidence: fv.LowConfidence || confidence < p.cfg.ConfidenceFloor,
	}, nil
}

// State snapshots the model for persistence.
func (p *Predictor) State() *api.PredictorState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := &api.PredictorState{
		Version:        ModelVersion,
		TrainedAt:      p.trainedAt,
		EmpiricalCount: p.count,
	}
	if p.synthetic != nil {
		st.Synthetic = p.synthetic.Weights()
	}
	if p.empirical != nil {
		st.Empirical = p.empirical.Weights()
	}
	return st
}

// restore rebuilds the estimators from a persisted snapshot.
func (p *Predictor) restore(st *api.PredictorState) error {
	if st.Version != ModelVersion {
		return fmt.Errorf("state version %q incompatible with %q", st.Version, ModelVersion)
	}
	syn, err := RestoreEnsemble(st.Synthetic)
	if err != nil {
		return fmt.Errorf("synthetic ensemble: %w", err)
	}

	var emp *Ensemble
	if len(st.Empirical) > 0 {
		emp, err = RestoreEnsemble(st.Empirical)
		if err != nil {
			return fmt.Errorf("empirical ensemble: %w", err)
		}
	}

	p.mu.Lock()
	p.synthetic = syn
	p.empirical = emp
	p.count = st.EmpiricalCount
	p.trainedAt = st.TrainedAt
	p.mu.Unlock()
	return nil
}
