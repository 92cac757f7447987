package predict

import (
	"fmt"
	"math"
	"math/rand"
)

// Ensemble is a bag of ridge regressors. Each member is fit on a bootstrap
// resample of the training set; the spread of member outputs feeds
// confidence scoring.
type Ensemble struct {
	members [][]float64 // weight rows, bias at the last index
	dim     int
}

// FitEnsemble trains `members` ridge regressors on bootstrap resamples of
// (X, y). lambda is the ridge penalty. All randomness comes from rng, so a
// fit is reproducible from its seed.
func FitEnsemble(X [][]float64, y []float64, members int, lambda float64, rng *rand.Rand) (*Ensemble, error) {
	n := len(X)
	if n == 0 {
		return nil, fmt.Errorf("no training data")
	}
	if len(y) != n {
		return nil, fmt.Errorf("feature/target length mismatch: %d vs %d", n, len(y))
	}
	if members <= 0 {
		members = 25
	}
	dim := len(X[0])

	e := &Ensemble{dim: dim, members: make([][]float64, 0, members)}
	bx := make([][]float64, n)
	by := make([]float64, n)

	for m := 0; m < members; m++ {
		for i := 0; i < n; i++ {
			j := rng.Intn(n)
			bx[i] = X[j]
			by[i] = y[j]
		}
		w, err := ridgeFit(bx, by, lambda)
		if err != nil {
			return nil, fmt.Errorf("member %d fit failed: %w", m, err)
		}
		e.members = append(e.members, w)
	}
	return e, nil
}

// RestoreEnsemble rebuilds an ensemble from persisted weight rows.
func RestoreEnsemble(members [][]float64) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("no members")
	}
	dim := len(members[0]) - 1
	if dim <= 0 {
		return nil, fmt.Errorf("malformed member row of length %d", len(members[0]))
	}
	for i, m := range members {
		if len(m) != dim+1 {
			return nil, fmt.Errorf("member %d has length %d, want %d", i, len(m), dim+1)
		}
	}
	return &Ensemble{members: members, dim: dim}, nil
}

// Weights exports the member weight rows for persistence.
func (e *Ensemble) Weights() [][]float64 {
	return e.members
}

// Predict returns the ensemble mean and the member spread (standard
// deviation) for one feature vector. Deterministic given the weights.
func (e *Ensemble) Predict(x []float64) (mean, spread float64, err error) {
	if len(x) != e.dim {
		return 0, 0, fmt.Errorf("feature dim %d, model expects %d", len(x), e.dim)
	}

	preds := make([]float64, len(e.members))
	var sum float64
	for i, w := range e.members {
		p := w[e.dim] // bias
		for j, v := range x {
			p += w[j] * v
		}
		preds[i] = p
		sum += p
	}
	mean = sum / float64(len(preds))

	var variance float64
	for _, p := range preds {
		d := p - mean
		variance += d * d
	}
	spread = math.Sqrt(variance / float64(len(preds)))
	return mean, spread, nil
}

// ridgeFit solves (X'X + lambda*I) w = X'y in augmented form (bias column
// appended, unpenalized).
func ridgeFit(X [][]float64, y []float64, lambda float64) ([]float64, error) {
	n := len(X)
	d := len(X[0]) + 1 // +1 bias

	// Normal equations on the augmented design matrix.
	a := make([][]float64, d)
	b := make([]float64, d)
	for i := range a {
		a[i] = make([]float64, d)
	}

	row := make([]float64, d)
	for k := 0; k < n; k++ {
		copy(row, X[k])
		row[d-1] = 1.0
		for i := 0; i < d; i++ {
			b[i] += row[i] * y[k]
			for j := 0; j < d; j++ {
				a[i][j] += row[i] * row[j]
			}
		}
	}
	for i := 0; i < d-1; i++ { // bias stays unpenalized
		a[i][i] += lambda
	}

	w, err := solve(a, b)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// solve performs Gaussian elimination with partial pivoting on a copy of
// the system.
func solve(a [][]float64, b []float64) ([]float64, error) {
	n := len(a)
	m := make([][]float64, n)
	for i := range a {
		m[i] = make([]float64, n+1)
		copy(m[i], a[i])
		m[i][n] = b[i]
	}

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(m[pivot][col]) < 1e-12 {
			return nil, fmt.Errorf("singular system at column %d", col)
		}
		m[col], m[pivot] = m[pivot], m[col]

		for r := col + 1; r < n; r++ {
			f := m[r][col] / m[col][col]
			for c := col; c <= n; c++ {
				m[r][c] -= f * m[col][c]
			}
		}
	}

	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		v := m[i][n]
		for j := i + 1; j < n; j++ {
			v -= m[i][j] * x[j]
		}
		x[i] = v / m[i][i]
	}
	return x, nil
}
