package predict

import (
	"math"
	"math/rand"
	"testing"
)

// planarData builds a noiseless y = 2*x0 + 3*x1 + 1 training grid.
func planarData() ([][]float64, []float64) {
	var X [][]float64
	var y []float64
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			x := []float64{float64(i), float64(j)}
			X = append(X, x)
			y = append(y, 2*x[0]+3*x[1]+1)
		}
	}
	return X, y
}

func TestFitRecoversLinearTarget(t *testing.T) {
	X, y := planarData()
	rng := rand.New(rand.NewSource(1))

	ens, err := FitEnsemble(X, y, 10, 0.0001, rng)
	if err != nil {
		t.Fatalf("FitEnsemble failed: %v", err)
	}

	mean, spread, err := ens.Predict([]float64{2, 2})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if math.Abs(mean-11) > 0.1 {
		t.Errorf("Expected prediction near 11, got %.4f", mean)
	}
	if spread > 0.05 {
		t.Errorf("Noiseless fit should have near-zero spread, got %.4f", spread)
	}
}

func TestPredictDeterministic(t *testing.T) {
	X, y := planarData()
	ens, err := FitEnsemble(X, y, 5, 1.0, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("FitEnsemble failed: %v", err)
	}

	a, sa, _ := ens.Predict([]float64{1, 4})
	b, sb, _ := ens.Predict([]float64{1, 4})
	if a != b || sa != sb {
		t.Errorf("Predict not deterministic: (%.6f, %.6f) vs (%.6f, %.6f)", a, sa, b, sb)
	}
}

func TestPredictDimMismatch(t *testing.T) {
	X, y := planarData()
	ens, err := FitEnsemble(X, y, 3, 1.0, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("FitEnsemble failed: %v", err)
	}
	if _, _, err := ens.Predict([]float64{1, 2, 3}); err == nil {
		t.Error("Expected error for wrong feature dimension")
	}
}

func TestFitEnsembleInputValidation(t *testing.T) {
	if _, err := FitEnsemble(nil, nil, 5, 1.0, rand.New(rand.NewSource(1))); err == nil {
		t.Error("Expected error for empty training set")
	}
	if _, err := FitEnsemble([][]float64{{1, 2}}, []float64{1, 2}, 5, 1.0, rand.New(rand.NewSource(1))); err == nil {
		t.Error("Expected error for feature/target length mismatch")
	}
}

func TestRestoreEnsembleRoundTrip(t *testing.T) {
	X, y := planarData()
	ens, err := FitEnsemble(X, y, 5, 0.5, rand.New(rand.NewSource(4)))
	if err != nil {
		t.Fatalf("FitEnsemble failed: %v", err)
	}

	restored, err := RestoreEnsemble(ens.Weights())
	if err != nil {
		t.Fatalf("RestoreEnsemble failed: %v", err)
	}

	m1, s1, _ := ens.Predict([]float64{3, 1})
	m2, s2, _ := restored.Predict([]float64{3, 1})
	if m1 != m2 || s1 != s2 {
		t.Errorf("Restored ensemble diverged: (%.6f, %.6f) vs (%.6f, %.6f)", m1, s1, m2, s2)
	}
}

func TestRestoreEnsembleValidation(t *testing.T) {
	if _, err := RestoreEnsemble(nil); err == nil {
		t.Error("Expected error for empty member list")
	}
	if _, err := RestoreEnsemble([][]float64{{1}}); err == nil {
		t.Error("Expected error for bias-only member row")
	}
	if _, err := RestoreEnsemble([][]float64{{1, 2, 3}, {1, 2}}); err == nil {
		t.Error("Expected error for ragged member rows")
	}
}
