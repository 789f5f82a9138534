package persist

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestArchiveRoundTrip(t *testing.T) {
	a := NewArchive()
	if err := a.Add("scaler/mean", mat.NewDense(1, 3, []float64{1, 2, 3})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Add("layer0/weight0", mat.NewDense(2, 2, []float64{0.1, -0.2, 0.3, -0.4})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "model.weights.json")
	if err := WriteArchive(path, a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := ReadArchive(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Len() != 2 {
		t.Fatalf("archive has %d entries, want 2", got.Len())
	}

	names := got.Names()
	if names[0] != "scaler/mean" || names[1] != "layer0/weight0" {
		t.Errorf("entry order = %v, want [scaler/mean layer0/weight0]", names)
	}

	w, err := got.Get("layer0/weight0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := mat.NewDense(2, 2, []float64{0.1, -0.2, 0.3, -0.4})
	if !mat.EqualApprox(w, want, 1e-15) {
		t.Errorf("restored weight = %v, want %v", mat.Formatted(w), mat.Formatted(want))
	}
}

func TestArchiveMissingEntryIsError(t *testing.T) {
	a := NewArchive()
	if _, err := a.Get("nope"); err == nil {
		t.Fatal("expected error for missing entry")
	}
}

func TestArchiveRejectsDuplicateNames(t *testing.T) {
	a := NewArchive()
	m := mat.NewDense(1, 1, []float64{1})
	if err := a.Add("x", m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := a.Add("x", m); err == nil {
		t.Fatal("expected error for duplicate name")
	}
}

func TestArchiveGetReturnsCopy(t *testing.T) {
	a := NewArchive()
	if err := a.Add("x", mat.NewDense(1, 1, []float64{5})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := a.Get("x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first.Set(0, 0, -1)

	second, err := a.Get("x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.At(0, 0) != 5 {
		t.Errorf("archive entry mutated through returned matrix")
	}
}

func TestStructureRoundTrip(t *testing.T) {
	specs := []LayerSpec{
		{InputDim: 5, OutputDim: 200, WeightDecay: 0.0001, Activation: "swish", EnsembleSize: 7},
		{InputDim: 200, OutputDim: 4, WeightDecay: 0.00025, Activation: "none", EnsembleSize: 7},
	}

	path := filepath.Join(t.TempDir(), "model.nns")
	if err := WriteStructure(path, specs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := ReadStructure(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != len(specs) {
		t.Fatalf("got %d specs, want %d", len(got), len(specs))
	}
	for i, s := range specs {
		if got[i].InputDim != s.InputDim || got[i].OutputDim != s.OutputDim {
			t.Errorf("spec %d dims = %d/%d, want %d/%d", i, got[i].InputDim, got[i].OutputDim, s.InputDim, s.OutputDim)
		}
		if math.Abs(got[i].WeightDecay-s.WeightDecay) > 1e-15 {
			t.Errorf("spec %d weight decay = %v, want %v", i, got[i].WeightDecay, s.WeightDecay)
		}
		if got[i].Activation != s.Activation || got[i].EnsembleSize != s.EnsembleSize {
			t.Errorf("spec %d config = %s/%d, want %s/%d", i, got[i].Activation, got[i].EnsembleSize, s.Activation, s.EnsembleSize)
		}
	}
}

func TestStructureSkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.nns")
	content := "\ninput_dim=2 output_dim=3 weight_decay=0 activation=relu ensemble_size=2\n\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	specs, err := ReadStructure(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("got %d specs, want 1", len(specs))
	}
	if specs[0].Activation != "relu" {
		t.Errorf("activation = %q, want relu", specs[0].Activation)
	}
}

func TestStructureRejectsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	cases := []string{
		"output_dim",
		"input_dim=2 output_dim=3 banana=1",
		"input_dim=2 weight_decay=0 activation=relu ensemble_size=2",
		"input_dim=two output_dim=3",
	}
	for i, line := range cases {
		path := filepath.Join(dir, "bad.nns")
		if err := os.WriteFile(path, []byte(line+"\n"), 0o644); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := ReadStructure(path); err == nil {
			t.Errorf("case %d: expected error for line %q", i, line)
		}
	}
}

func TestPathHelpers(t *testing.T) {
	if got := WeightsPath("/tmp/models", "dyn"); got != filepath.Join("/tmp/models", "dyn.weights.json") {
		t.Errorf("weights path = %q", got)
	}
	if got := StructurePath("/tmp/models", "dyn"); got != filepath.Join("/tmp/models", "dyn.nns") {
		t.Errorf("structure path = %q", got)
	}
}
