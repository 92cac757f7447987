package features

import (
	"github.com/carbon-oracle/sorbent/internal/api"
)

// ring is a fixed-capacity window over one channel's recent readings.
type ring struct {
	buf   []float64
	ticks []int
	head  int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{
		buf:   make([]float64, capacity),
		ticks: make([]int, capacity),
	}
}

func (r *ring) push(tick int, v float64) {
	r.buf[r.head] = v
	r.ticks[r.head] = tick
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

func (r *ring) reset() {
	r.head = 0
	r.size = 0
}

// ordered returns (ticks, values) oldest-first.
func (r *ring) ordered() ([]int, []float64) {
	ticks := make([]int, r.size)
	vals := make([]float64, r.size)
	start := r.head - r.size
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.size; i++ {
		j := (start + i) % len(r.buf)
		ticks[i] = r.ticks[j]
		vals[i] = r.buf[j]
	}
	return ticks, vals
}

// stats computes the window statistics for one channel. Slope is a
// least-squares fit of value against tick; with fewer than two points it is
// undefined and reported as zero alongside lowConfidence=true upstream.
func (r *ring) stats() api.ChannelStats {
	ticks, vals := r.ordered()
	n := len(vals)
	if n == 0 {
		return api.ChannelStats{}
	}

	var sum, max float64
	maxTick := ticks[0]
	max = vals[0]
	for i, v := range vals {
		sum += v
		if v > max {
			max = v
			maxTick = ticks[i]
		}
	}
	mean := sum / float64(n)

	st := api.ChannelStats{
		Mean:          mean,
		Max:           max,
		TicksSinceMax: ticks[n-1] - maxTick,
	}

	if n >= 2 {
		// Least-squares slope over (tick, value).
		var tSum, tMean float64
		for _, t := range ticks {
			tSum += float64(t)
		}
		tMean = tSum / float64(n)

		var num, den float64
		for i, v := range vals {
			dt := float64(ticks[i]) - tMean
			num += dt * (v - mean)
			den += dt * dt
		}
		if den > 0 {
			st.Slope = num / den
		}
	}
	return st
}

// Extractor aggregates a bounded window of raw samples into fixed-shape
// feature vectors. One extractor serves one batch timeline; Reset empties
// the window at batch start so features never span batches.
type Extractor struct {
	windowTicks int
	temp        *ring
	ph          *ring
	cond        *ring
	color       *ring
	batchID     string
	count       int
}

// NewExtractor creates an extractor with the given window capacity in
// sampling ticks. Capacity below 2 is raised to 2.
func NewExtractor(windowTicks int) *Extractor {
	if windowTicks < 2 {
		windowTicks = 2
	}
	return &Extractor{
		windowTicks: windowTicks,
		temp:        newRing(windowTicks),
		ph:          newRing(windowTicks),
		cond:        newRing(windowTicks),
		color:       newRing(windowTicks),
	}
}

// Reset empties all channel windows for a new batch.
func (e *Extractor) Reset(batchID string) {
	e.batchID = batchID
	e.count = 0
	e.temp.reset()
	e.ph.reset()
	e.cond.reset()
	e.color.reset()
}

// Observe feeds one raw sample into the window.
func (e *Extractor) Observe(s api.SensorSample) {
	e.temp.push(s.Tick, s.TempC)
	e.ph.push(s.Tick, s.PH)
	e.cond.push(s.Tick, s.CondMScm)
	e.color.push(s.Tick, s.ColorIndex)
	e.count++
}

// Extract computes the feature vector for the current window at the given
// aggregation tick. Windows with fewer than two samples are marked
// LowConfidence: slope and time-since-peak are undefined there and the
// vector must be treated as non-actionable downstream.
func (e *Extractor) Extract(tick int) api.FeatureVector {
	n := e.temp.size
	return api.FeatureVector{
		BatchID:       e.batchID,
		Tick:          tick,
		WindowTicks:   n,
		Temp:          e.temp.stats(),
		PH:            e.ph.stats(),
		Cond:          e.cond.stats(),
		Color:         e.color.stats(),
		LowConfidence: n < 2,
	}
}
