package ensemble

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"

	"dynens/layer"
	"dynens/optim"
	"dynens/parallel"
)

func newLayer(t *testing.T, out, in, members int, act string, wd float64) *layer.Dense {
	t.Helper()
	l := layer.NewDense(out)
	if in > 0 {
		if err := l.SetInputDim(in); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := l.SetEnsembleSize(members); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.SetActivation(act); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.SetWeightDecay(wd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return l
}

// scalarModel builds a finalized two-member 1->1 model with hand-set
// weights 2 and 4 and zero bias, and an unfitted (identity) scaler.
func scalarModel(t *testing.T) *Model {
	t.Helper()
	m, err := New(Config{Name: "scalar", NumMembers: 2, Seed: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Add(newLayer(t, 1, 1, 2, "none", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Finalize(optim.NewSGD, optim.Config{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.layers[0].Weight(0).Set(0, 0, 2)
	m.layers[0].Weight(1).Set(0, 0, 4)
	m.layers[0].Bias(0).Set(0, 0, 0)
	m.layers[0].Bias(1).Set(0, 0, 0)
	return m
}

func TestPredictUsesPopulationVariance(t *testing.T) {
	m := scalarModel(t)

	x := mat.NewDense(2, 1, []float64{1, 10})
	mean, variance, err := m.Predict(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Members output 2x and 4x, so the mean is 3x and the population
	// variance is x^2. A sample variance would report 2*x^2.
	wantMean := mat.NewDense(2, 1, []float64{3, 30})
	wantVar := mat.NewDense(2, 1, []float64{1, 100})
	if !mat.EqualApprox(mean, wantMean, 1e-12) {
		t.Errorf("mean = %v, want %v", mat.Formatted(mean), mat.Formatted(wantMean))
	}
	if !mat.EqualApprox(variance, wantVar, 1e-12) {
		t.Errorf("variance = %v, want %v", mat.Formatted(variance), mat.Formatted(wantVar))
	}
}

func TestPredictSingleMemberZeroVariance(t *testing.T) {
	m, err := New(Config{Name: "solo", NumMembers: 1, Seed: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Add(newLayer(t, 2, 3, 1, "tanh", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Finalize(nil, optim.Config{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	x := mat.NewDense(4, 3, []float64{
		1, 2, 3,
		-1, 0, 1,
		0.5, 0.5, 0.5,
		2, -2, 2,
	})
	_, variance, err := m.Predict(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rows, cols := variance.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if v := variance.At(i, j); v != 0 || math.IsNaN(v) {
				t.Errorf("variance[%d,%d] = %v, want exactly 0", i, j, v)
			}
		}
	}
}

func TestFactoredMatchesAggregated(t *testing.T) {
	m, err := New(Config{Name: "fac", NumMembers: 3, Seed: 11})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Add(newLayer(t, 5, 2, 3, "swish", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Add(newLayer(t, 2, 0, 3, "none", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Finalize(nil, optim.Config{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rng := rand.New(rand.NewSource(4))
	x := mat.NewDense(6, 2, nil)
	for i := 0; i < 6; i++ {
		for j := 0; j < 2; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}

	outs, err := m.PredictFactored(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(outs) != 3 {
		t.Fatalf("got %d member outputs, want 3", len(outs))
	}

	mean, _, err := m.Predict(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 6; i++ {
		for j := 0; j < 2; j++ {
			avg := (outs[0].At(i, j) + outs[1].At(i, j) + outs[2].At(i, j)) / 3
			if math.Abs(avg-mean.At(i, j)) > 1e-12 {
				t.Errorf("mean[%d,%d] = %v, want %v", i, j, mean.At(i, j), avg)
			}
		}
	}

	// Feeding every member the same batch must match the factored pass.
	perMember, err := m.PredictPerMember([]*mat.Dense{x, x, x})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for n := range perMember {
		if !mat.EqualApprox(perMember[n], outs[n], 1e-12) {
			t.Errorf("member %d per-member output differs from factored output", n)
		}
	}
}

func TestAddInfersInputDim(t *testing.T) {
	m, err := New(Config{Name: "infer", NumMembers: 2, Seed: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Add(newLayer(t, 5, 2, 2, "relu", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second := newLayer(t, 3, 0, 2, "none", 0)
	if err := m.Add(second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.InputDim() != 5 {
		t.Errorf("inferred input dim = %d, want 5", second.InputDim())
	}

	// Chaining overrides an explicit input dim that disagrees with the
	// previous layer.
	third := newLayer(t, 2, 7, 2, "none", 0)
	if err := m.Add(third); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.InputDim() != 3 {
		t.Errorf("chained input dim = %d, want 3", third.InputDim())
	}
}

func TestAddStoresCopy(t *testing.T) {
	m, err := New(Config{Name: "copy", NumMembers: 3, Seed: 8})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l := layer.NewDense(4)
	if err := l.SetInputDim(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Add(l); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.EnsembleSize() != 3 {
		t.Errorf("ensemble size = %d, want 3", l.EnsembleSize())
	}

	// Mutating the caller's layer after Add must not reach the model.
	if err := l.SetWeightDecay(0.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if specs := m.LayerSpecs(); specs[0].WeightDecay != 0 {
		t.Errorf("model weight decay = %v, want 0", specs[0].WeightDecay)
	}

	if err := m.Finalize(nil, optim.Config{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.Built() {
		t.Error("caller's layer should stay unbuilt; the model owns a copy")
	}
}

func TestAddThenPopRestoresState(t *testing.T) {
	m, err := New(Config{Name: "pop", NumMembers: 2, Seed: 6})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Add(newLayer(t, 4, 3, 2, "relu", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	layers, in, out := m.NumLayers(), m.InputDim(), m.OutputDim()

	if err := m.Add(newLayer(t, 2, 0, 2, "none", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Pop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.NumLayers() != layers || m.InputDim() != in || m.OutputDim() != out {
		t.Errorf("state after add+pop = %d layers %d->%d, want %d layers %d->%d",
			m.NumLayers(), m.InputDim(), m.OutputDim(), layers, in, out)
	}
	if err := m.Finalize(nil, optim.Config{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.InputDim() != 3 || m.OutputDim() != 4 {
		t.Errorf("dims after finalize = %d/%d, want 3/4", m.InputDim(), m.OutputDim())
	}
}

func TestModelStateMachine(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty name")
	}
	if _, err := New(Config{Name: "x", LoadWeights: true}); err == nil {
		t.Fatal("expected error for LoadWeights without ModelDir")
	}

	m, err := New(Config{Name: "sm", NumMembers: 2, Seed: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.Finalize(nil, optim.Config{}); err == nil {
		t.Fatal("expected error finalizing empty model")
	}
	if err := m.Add(newLayer(t, 3, 0, 2, "none", 0)); err == nil {
		t.Fatal("expected error for first layer without input dim")
	}

	built := newLayer(t, 3, 2, 2, "none", 0)
	if err := built.Build(rand.New(rand.NewSource(1))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Add(built); err == nil {
		t.Fatal("expected error adding a built layer")
	}

	if _, err := m.Pop(); err == nil {
		t.Fatal("expected error popping empty model")
	}

	if err := m.Add(newLayer(t, 3, 2, 2, "relu", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Add(newLayer(t, 1, 0, 2, "none", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	popped, err := m.Pop()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if popped.OutputDim() != 1 {
		t.Errorf("popped output dim = %d, want 1", popped.OutputDim())
	}
	if m.NumLayers() != 1 {
		t.Errorf("layers after pop = %d, want 1", m.NumLayers())
	}

	x := mat.NewDense(1, 2, []float64{1, 2})
	if _, _, err := m.Predict(x); err == nil {
		t.Fatal("expected error predicting before finalize")
	}
	if err := m.Train(x, mat.NewDense(1, 3, nil), TrainOptions{}); err == nil {
		t.Fatal("expected error training before finalize")
	}

	if err := m.Finalize(nil, optim.Config{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Finalize(nil, optim.Config{}); err == nil {
		t.Fatal("expected error finalizing twice")
	}
	if err := m.Add(newLayer(t, 2, 0, 2, "none", 0)); err == nil {
		t.Fatal("expected error adding after finalize")
	}
	if _, err := m.Pop(); err == nil {
		t.Fatal("expected error popping after finalize")
	}

	if !m.Finalized() {
		t.Error("model should report finalized")
	}
	if m.InputDim() != 2 || m.OutputDim() != 3 {
		t.Errorf("dims = %d/%d, want 2/3", m.InputDim(), m.OutputDim())
	}
	// One 2x3 weight and 1x3 bias per member.
	if got := m.ParamCount(); got != 2*(6+3) {
		t.Errorf("param count = %d, want 18", got)
	}
}

func TestPredictValidatesInput(t *testing.T) {
	m := scalarModel(t)
	if _, _, err := m.Predict(mat.NewDense(2, 3, nil)); err == nil {
		t.Fatal("expected error for wrong column count")
	}
	if _, err := m.PredictPerMember([]*mat.Dense{mat.NewDense(1, 1, nil)}); err == nil {
		t.Fatal("expected error for wrong batch count")
	}
}

func TestPoolDoesNotChangeResults(t *testing.T) {
	build := func(pool *parallel.Pool) *Model {
		m, err := New(Config{Name: "det", NumMembers: 2, Seed: 99, Pool: pool})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := m.Add(newLayer(t, 4, 2, 2, "tanh", 0.0001)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := m.Add(newLayer(t, 1, 0, 2, "none", 0.0001)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := m.Finalize(nil, optim.Config{}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return m
	}

	rng := rand.New(rand.NewSource(12))
	x := mat.NewDense(20, 2, nil)
	y := mat.NewDense(20, 1, nil)
	for i := 0; i < 20; i++ {
		a, b := rng.NormFloat64(), rng.NormFloat64()
		x.Set(i, 0, a)
		x.Set(i, 1, b)
		y.Set(i, 0, a-b)
	}

	serial := build(nil)
	concurrent := build(parallel.New(4))
	opts := TrainOptions{BatchSize: 8, Epochs: 3}
	if err := serial.Train(x, y, opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := concurrent.Train(x, y, opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m1, v1, err := serial.Predict(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m2, v2, err := concurrent.Predict(x)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mat.EqualApprox(m1, m2, 1e-12) {
		t.Error("pooled training produced different means than serial")
	}
	if !mat.EqualApprox(v1, v2, 1e-12) {
		t.Error("pooled training produced different variances than serial")
	}
}
