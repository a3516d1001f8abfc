package gotwin

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func assertPanic(t *testing.T, f func()) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("code did not panic")
		}
	}()
	f()
}

func TestIdentity(t *testing.T) {
	n := 3
	i33 := Identity(n)
	if r, c := i33.Dims(); r != n || r != c {
		t.Fatalf("i33 has dimensions (%dx%d)", r, c)
	}
	for i := 0; i < n; i++ {
		if i33.At(i, i) != 1 {
			t.Fatalf("i33(%d,%d) != 1", i, i)
		}
		for j := 0; j < n; j++ {
			if i != j && i33.At(i, j) != 0 {
				t.Fatalf("i33(%d,%d) != 0", i, j)
			}
		}
	}
}

func TestDiagonal(t *testing.T) {
	D := Diagonal(1, 2, 3)
	if !mat.Equal(D, mat.NewSymDense(3, []float64{1, 0, 0, 0, 2, 0, 0, 0, 3})) {
		t.Fatalf("unexpected diagonal matrix\n%v", mat.Formatted(D))
	}
	if d := DiagOf(D); d[0] != 1 || d[1] != 2 || d[2] != 3 {
		t.Fatalf("DiagOf returned %v", d)
	}
}

func TestSymmetrize(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{1, 2, 4, 3})
	if MaxAsymmetry(m) != 2 {
		t.Fatalf("asymmetry of m is %f", MaxAsymmetry(m))
	}
	S, err := Symmetrize(m)
	if err != nil {
		t.Fatal(err)
	}
	if S.At(0, 1) != 3 || S.At(1, 0) != 3 || S.At(0, 0) != 1 || S.At(1, 1) != 3 {
		t.Fatalf("unexpected symmetrized matrix\n%v", mat.Formatted(S))
	}
	if _, err := Symmetrize(mat.NewDense(2, 3, nil)); err == nil {
		t.Fatal("non square matrix was symmetrized")
	}
}

func TestIsFinite(t *testing.T) {
	v := mat.NewVecDense(3, []float64{1, 2, 3})
	if !IsFinite(v) {
		t.Fatal("finite vector reported as non finite")
	}
	v.SetVec(1, math.NaN())
	if IsFinite(v) {
		t.Fatal("NaN not detected")
	}
	v.SetVec(1, math.Inf(-1))
	if IsFinite(v) {
		t.Fatal("Inf not detected")
	}
}

func TestIsPositiveSemiDefinite(t *testing.T) {
	for _, tc := range []struct {
		S   *mat.SymDense
		psd bool
	}{
		{ScaledIdentity(3, 2), true},
		{Diagonal(0, 0, 0), true},
		{mat.NewSymDense(2, []float64{1, 1, 1, 1}), true},
		{Diagonal(1, -1e-3), false},
		{mat.NewSymDense(2, []float64{1, 2, 2, 1}), false},
	} {
		if IsPositiveSemiDefinite(tc.S) != tc.psd {
			t.Fatalf("expected PSD=%v for\n%v", tc.psd, mat.Formatted(tc.S))
		}
	}
}

func TestIsPositiveDefinite(t *testing.T) {
	if !IsPositiveDefinite(ScaledIdentity(3, 2)) {
		t.Fatal("2*I should be positive definite")
	}
	if IsPositiveDefinite(mat.NewSymDense(2, []float64{1, 1, 1, 1})) {
		t.Fatal("singular matrix reported as positive definite")
	}
}
