package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/carbon-oracle/sorbent/internal/api"
)

// Physical bounds the simulator clamps against instead of erroring.
const (
	minTempC    = 15.0
	maxTempC    = 1200.0
	phFloor     = 7.0
	phCeiling   = 14.0
	minColor    = 0.0
	maxColor    = 1.0
	minCondMScm = 0.0
)

// Config tunes the phenomenological model.
type Config struct {
	// DurationTicks is batch length in sampling ticks (process minutes).
	DurationTicks int

	// Weights is the categorical scenario distribution. Must be
	// non-negative and sum to a positive value.
	Weights ScenarioWeights

	// TempApproachRate is the per-tick first-order lag coefficient toward
	// the heater target, in (0, 1].
	TempApproachRate float64

	// TempNoiseC is the Gaussian noise sigma on temperature per tick.
	TempNoiseC float64

	// PHNoise is the Gaussian noise sigma on pH per tick.
	PHNoise float64

	// CondOnsetTick centers the logistic ion-release curve.
	CondOnsetTick int

	// ColorRate is the per-tick colour accumulation at full temperature.
	ColorRate float64

	// DriftOnsetTick is when the abnormal scenario decouples the heater.
	DriftOnsetTick int

	// DriftPerTick is the unbounded target drift rate after onset.
	DriftPerTick float64
}

// ScenarioWeights is the draw distribution over batch archetypes.
type ScenarioWeights map[api.Scenario]float64

// DefaultConfig returns the tuned phenomenological parameters.
func DefaultConfig() Config {
	return Config{
		DurationTicks:    180,
		TempApproachRate: 0.5,
		TempNoiseC:       3.0,
		PHNoise:          0.05,
		CondOnsetTick:    30,
		ColorRate:        0.01,
		DriftOnsetTick:   15,
		DriftPerTick:     8.0,
		Weights: ScenarioWeights{
			api.ScenarioOptimal:     0.60,
			api.ScenarioNominal:     0.20,
			api.ScenarioUnderActive: 0.10,
			api.ScenarioOverActive:  0.05,
			api.ScenarioAbnormal:    0.05,
		},
	}
}

// Validate rejects configurations the loop must never start with.
func (c *Config) Validate() error {
	if c.DurationTicks <= 0 {
		return fmt.Errorf("duration_ticks must be positive, got %d", c.DurationTicks)
	}
	if c.TempApproachRate <= 0 || c.TempApproachRate > 1 {
		return fmt.Errorf("temp_approach_rate must be in (0, 1], got %.3f", c.TempApproachRate)
	}
	var sum float64
	for s, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("scenario weight for %s is negative: %.3f", s, w)
		}
		sum += w
	}
	if sum <= 0 {
		return fmt.Errorf("scenario weights sum to %.3f, need > 0", sum)
	}
	return nil
}

// scenarioParams are the per-archetype dynamics drawn at batch start.
type scenarioParams struct {
	targetTemp  float64
	startPH     float64
	phDecayRate float64 // 1.2 is the balanced trajectory
	chaos       float64 // noise multiplier
	bias        float64 // terminal capacity offset
	drift       bool    // heater decoupling after DriftOnsetTick
}

// Simulator is the phenomenological stand-in for the physical rig. It
// implements SampleSource; all randomness flows through one seeded source so
// a run is reproducible from its seed.
type Simulator struct {
	mu       sync.Mutex
	cfg      Config
	rng      *rand.Rand
	nowFn    func() time.Time
	batchSeq int

	// per-batch state, reset on Start
	batchID  string
	scenario api.Scenario
	params   scenarioParams
	tick     int
	temp     float64
	ph       float64
	cond     float64
	color    float64

	tempSum   float64
	colorPeak float64
	lastPH    float64
	finalized bool
}

// New creates a simulator with its own deterministic random stream.
func New(cfg Config, seed int64) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Simulator{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
		nowFn: time.Now,
	}, nil
}

// Start begins a new batch. An empty scenario draws from the configured
// weights; a concrete one forces that archetype (tests, replay).
func (s *Simulator) Start(ctx context.Context, scenario api.Scenario) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if scenario == "" || scenario == api.ScenarioUnknown {
		scenario = s.drawScenario()
	}

	s.batchSeq++
	s.batchID = fmt.Sprintf("BATCH_%03d", s.batchSeq)
	s.scenario = scenario
	s.params = s.drawParams(scenario)
	s.tick = 0
	s.temp = 25.0
	s.ph = s.params.startPH
	s.cond = 1.0
	s.color = 0.0
	s.tempSum = 0
	s.colorPeak = 0
	s.lastPH = s.ph
	s.finalized = false

	return s.batchID, nil
}

// drawScenario makes the single weighted-random archetype choice for a batch.
func (s *Simulator) drawScenario() api.Scenario {
	// Fixed iteration order so the draw is reproducible from the seed.
	order := []api.Scenario{
		api.ScenarioOptimal, api.ScenarioNominal, api.ScenarioUnderActive,
		api.ScenarioOverActive, api.ScenarioAbnormal,
	}
	var total float64
	for _, sc := range order {
		total += s.cfg.Weights[sc]
	}
	r := s.rng.Float64() * total
	for _, sc := range order {
		r -= s.cfg.Weights[sc]
		if r < 0 {
			return sc
		}
	}
	return api.ScenarioNominal
}

func (s *Simulator) drawParams(scenario api.Scenario) scenarioParams {
	switch scenario {
	case api.ScenarioOptimal:
		return scenarioParams{
			targetTemp:  800.0,
			startPH:     13.5,
			phDecayRate: 1.2, // balanced trajectory
			chaos:       0.2,
			bias:        0.5,
		}
	case api.ScenarioUnderActive:
		return scenarioParams{
			targetTemp:  400 + s.rng.Float64()*200,
			startPH:     13.0 + s.rng.Float64(),
			phDecayRate: 0.5,
			chaos:       1.0,
			bias:        -1.0,
		}
	case api.ScenarioOverActive:
		return scenarioParams{
			targetTemp:  850 + s.rng.Float64()*100,
			startPH:     13.0 + s.rng.Float64(),
			phDecayRate: 1.8,
			chaos:       1.0,
			bias:        -0.5,
		}
	case api.ScenarioAbnormal:
		return scenarioParams{
			targetTemp:  800.0,
			startPH:     13.0 + s.rng.Float64(),
			phDecayRate: []float64{0.1, 3.0}[s.rng.Intn(2)],
			chaos:       3.0,
			bias:        -2.0,
			drift:       true,
		}
	default: // nominal
		return scenarioParams{
			targetTemp:  750 + s.rng.Float64()*100,
			startPH:     13.0 + s.rng.Float64(),
			phDecayRate: 1.0,
			chaos:       1.0,
			bias:        0.0,
		}
	}
}

// Next advances the dynamics one sampling tick and emits the reading.
// Returns ok=false once the configured duration has elapsed.
func (s *Simulator) Next(ctx context.Context) (api.SensorSample, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.batchID == "" {
		return api.SensorSample{}, false, fmt.Errorf("no active batch")
	}
	if s.tick >= s.cfg.DurationTicks {
		return api.SensorSample{}, false, nil
	}

	saturated := map[string]bool{}
	p := s.params

	// Heater decoupling: abnormal batches drift the effective target
	// without bound after the onset tick.
	target := p.targetTemp
	if p.drift && s.tick >= s.cfg.DriftOnsetTick {
		target += s.cfg.DriftPerTick * float64(s.tick-s.cfg.DriftOnsetTick+1)
	}

	// Temperature: first-order lag toward target plus Gaussian noise.
	s.temp += (target-s.temp)*s.cfg.TempApproachRate +
		s.rng.NormFloat64()*s.cfg.TempNoiseC*p.chaos
	if s.temp > maxTempC {
		s.temp = maxTempC
		saturated["temp_c"] = true
	}
	if s.temp < minTempC {
		s.temp = minTempC
		saturated["temp_c"] = true
	}

	// pH: linear decay toward the floor, rate is the scenario knob.
	s.ph += -0.075*p.phDecayRate + s.rng.NormFloat64()*s.cfg.PHNoise*p.chaos
	if s.ph < phFloor {
		s.ph = phFloor
		saturated["ph"] = true
	}
	if s.ph > phCeiling {
		s.ph = phCeiling
		saturated["ph"] = true
	}

	// Conductivity: logistic ion release centered on the onset tick.
	sig := 1.0 / (1.0 + math.Exp(-(float64(s.tick)-float64(s.cfg.CondOnsetTick))/10.0))
	s.cond = 1.0 + 29.0*sig + s.rng.NormFloat64()*0.5*p.chaos
	if s.cond < minCondMScm {
		s.cond = minCondMScm
		saturated["cond_ms_cm"] = true
	}

	// Colour: temperature-correlated accumulation, saturates at 1.
	s.color += s.cfg.ColorRate*(s.temp/800.0) + s.rng.NormFloat64()*0.005*p.chaos
	if s.color > maxColor {
		s.color = maxColor
		saturated["color_index"] = true
	}
	if s.color < minColor {
		s.color = minColor
	}

	s.tempSum += s.temp
	if s.color > s.colorPeak {
		s.colorPeak = s.color
	}
	s.lastPH = s.ph

	sample := api.SensorSample{
		BatchID:    s.batchID,
		Tick:       s.tick,
		Timestamp:  s.nowFn(),
		TempC:      round(s.temp, 1),
		PH:         round(s.ph, 2),
		CondMScm:   round(s.cond, 2),
		ColorIndex: round3(s.color),
	}
	if len(saturated) > 0 {
		sample.Saturated = saturated
	}

	s.tick++
	return sample, true, nil
}

// ApplyControl adjusts the heater target. Out-of-bound requests clamp.
func (s *Simulator) ApplyControl(ctx context.Context, action api.ControlAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.batchID == "" {
		return fmt.Errorf("no active batch")
	}

	switch action.Parameter {
	case "target_temp":
		v := action.Value
		if v > maxTempC {
			v = maxTempC
		}
		if v < minTempC {
			v = minTempC
		}
		s.params.targetTemp = v
		// A control override also cancels an injected drift.
		s.params.drift = false
		return nil
	default:
		return fmt.Errorf("unknown control parameter: %s", action.Parameter)
	}
}

// Finalize computes the terminal ground-truth capacity. Mirrors a lab
// assay: only available once the batch is over, always validated in
// simulation mode.
func (s *Simulator) Finalize(ctx context.Context) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.batchID == "" {
		return 0, false, fmt.Errorf("no active batch")
	}
	if s.finalized {
		return 0, false, fmt.Errorf("batch %s already finalized", s.batchID)
	}
	s.finalized = true

	if s.tick == 0 {
		return 0.1, true, nil
	}

	tempMean := s.tempSum / float64(s.tick)

	// Weighted Gaussian kernels: time-averaged temperature around the
	// nominal optimum, final pH around 8, plus peak colour, plus the
	// scenario bias.
	score := 2.0 * gauss(tempMean, 800.0, 50.0)
	score += 1.0 * gauss(s.lastPH, 8.0, 1.5)
	score += 0.5 * s.colorPeak
	score += s.params.bias
	score += s.rng.NormFloat64() * 0.1

	if score < 0.1 {
		score = 0.1
	}
	return round(score, 2), true, nil
}

// Scenario reports the active batch archetype.
func (s *Simulator) Scenario() api.Scenario {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchID == "" {
		return api.ScenarioUnknown
	}
	return s.scenario
}

// BatchID returns the active batch id, empty before Start.
func (s *Simulator) BatchID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchID
}

func gauss(x, center, sigma float64) float64 {
	d := x - center
	return math.Exp(-(d * d) / (2 * sigma * sigma))
}

func round(x float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(x*p) / p
}

func round3(x float64) float64 { return round(x, 3) }
