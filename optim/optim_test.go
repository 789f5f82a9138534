package optim

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestSGDStep(t *testing.T) {
	opt := NewSGD(Config{LearningRate: 0.1})

	v := mat.NewDense(1, 1, []float64{1})
	g := mat.NewDense(1, 1, []float64{0.5})
	opt.Step([]*mat.Dense{v}, []*mat.Dense{g})

	if got := v.At(0, 0); math.Abs(got-0.95) > 1e-12 {
		t.Errorf("value after step = %v, want 0.95", got)
	}
}

func TestSGDMomentumAccumulates(t *testing.T) {
	opt := NewSGD(Config{LearningRate: 0.1, Momentum: 0.9})

	v := mat.NewDense(1, 1, []float64{0})
	g := mat.NewDense(1, 1, []float64{1})

	opt.Step([]*mat.Dense{v}, []*mat.Dense{g})
	if got := v.At(0, 0); math.Abs(got+0.1) > 1e-12 {
		t.Fatalf("value after first step = %v, want -0.1", got)
	}

	// Second step with the same gradient: velocity is 0.9*1 + 1 = 1.9.
	opt.Step([]*mat.Dense{v}, []*mat.Dense{g})
	if got := v.At(0, 0); math.Abs(got+0.29) > 1e-12 {
		t.Errorf("value after second step = %v, want -0.29", got)
	}
}

func TestSGDDefaultLearningRate(t *testing.T) {
	opt := NewSGD(Config{})

	v := mat.NewDense(1, 1, []float64{1})
	g := mat.NewDense(1, 1, []float64{1})
	opt.Step([]*mat.Dense{v}, []*mat.Dense{g})

	if got := v.At(0, 0); math.Abs(got-0.999) > 1e-12 {
		t.Errorf("value after step = %v, want 0.999", got)
	}
}

func TestAdamFirstStepSize(t *testing.T) {
	opt := NewAdam(Config{LearningRate: 0.01})

	v := mat.NewDense(1, 1, []float64{0})
	g := mat.NewDense(1, 1, []float64{0.5})
	opt.Step([]*mat.Dense{v}, []*mat.Dense{g})

	// After bias correction the first update is lr * g/|g| up to epsilon.
	if got := v.At(0, 0); math.Abs(got+0.01) > 1e-6 {
		t.Errorf("value after first step = %v, want ~-0.01", got)
	}
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	opt := NewAdam(Config{LearningRate: 0.05})

	v := mat.NewDense(1, 1, []float64{10})
	g := mat.NewDense(1, 1, nil)
	for i := 0; i < 4000; i++ {
		g.Set(0, 0, 2*(v.At(0, 0)-3))
		opt.Step([]*mat.Dense{v}, []*mat.Dense{g})
	}

	if got := v.At(0, 0); math.Abs(got-3) > 0.05 {
		t.Errorf("minimum found at %v, want ~3", got)
	}
}

func TestAdamHandlesMultipleParams(t *testing.T) {
	opt := NewAdam(Config{LearningRate: 0.1})

	a := mat.NewDense(1, 2, []float64{5, -5})
	b := mat.NewDense(2, 1, []float64{2, -2})
	ga := mat.NewDense(1, 2, nil)
	gb := mat.NewDense(2, 1, nil)
	for i := 0; i < 2000; i++ {
		ga.Set(0, 0, 2*a.At(0, 0))
		ga.Set(0, 1, 2*a.At(0, 1))
		gb.Set(0, 0, 2*b.At(0, 0))
		gb.Set(1, 0, 2*b.At(1, 0))
		opt.Step([]*mat.Dense{a, b}, []*mat.Dense{ga, gb})
	}

	for _, got := range []float64{a.At(0, 0), a.At(0, 1), b.At(0, 0), b.At(1, 0)} {
		if math.Abs(got) > 0.05 {
			t.Errorf("parameter ended at %v, want ~0", got)
		}
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"adam", "sgd"} {
		f, err := ByName(name)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if f == nil {
			t.Fatalf("nil factory for %q", name)
		}
	}
	if _, err := ByName("bogus"); err == nil {
		t.Fatal("expected error for unknown optimizer")
	}
}
