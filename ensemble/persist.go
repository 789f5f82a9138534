package ensemble

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"dynens/layer"
	"dynens/optim"
	"dynens/persist"
)

// LayerSpecs returns the configuration of the layer stack in order.
func (m *Model) LayerSpecs() []persist.LayerSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.layerSpecs()
}

func (m *Model) layerSpecs() []persist.LayerSpec {
	specs := make([]persist.LayerSpec, len(m.layers))
	for i, l := range m.layers {
		specs[i] = persist.LayerSpec{
			InputDim:     l.InputDim(),
			OutputDim:    l.OutputDim(),
			WeightDecay:  l.WeightDecay(),
			Activation:   l.ActivationName(),
			EnsembleSize: l.EnsembleSize(),
		}
	}
	return specs
}

// Save writes the structure file and the weights archive to dir, falling
// back to the model's configured directory when dir is empty. Scaler
// statistics come first in the archive, then each layer's weights and
// biases per member.
func (m *Model) Save(dir string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.finalized {
		return errors.New("ensemble: cannot save an unfinalized model")
	}
	if dir == "" {
		dir = m.modelDir
	}
	if dir == "" {
		return errors.New("ensemble: no directory to save into")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensemble: create model dir: %w", err)
	}

	if err := persist.WriteStructure(persist.StructurePath(dir, m.name), m.layerSpecs()); err != nil {
		return err
	}

	a := persist.NewArchive()
	if err := a.Add("scaler/mean", rowMatrix(m.sc.Mean())); err != nil {
		return err
	}
	if err := a.Add("scaler/std", rowMatrix(m.sc.Std())); err != nil {
		return err
	}
	for i, l := range m.layers {
		for n := 0; n < m.numMembers; n++ {
			if err := a.Add(fmt.Sprintf("layer%d/weight%d", i, n), l.Weight(n)); err != nil {
				return err
			}
			if err := a.Add(fmt.Sprintf("layer%d/bias%d", i, n), l.Bias(n)); err != nil {
				return err
			}
		}
	}
	if err := persist.WriteArchive(persist.WeightsPath(dir, m.name), a); err != nil {
		return err
	}

	m.logger.Info("model saved", zap.String("dir", dir), zap.Int("entries", a.Len()))
	return nil
}

// restore copies persisted values into the live parameters by name. Every
// expected entry must be present with matching dimensions. Called under the
// write lock from Finalize.
func (m *Model) restore(dir string) error {
	a, err := persist.ReadArchive(persist.WeightsPath(dir, m.name))
	if err != nil {
		return err
	}

	mean, err := a.Get("scaler/mean")
	if err != nil {
		return err
	}
	std, err := a.Get("scaler/std")
	if err != nil {
		return err
	}
	if _, c := mean.Dims(); c != m.sc.Dim() {
		return fmt.Errorf("ensemble: stored scaler has dim %d, want %d", c, m.sc.Dim())
	}
	if err := m.sc.SetStats(mean.RawRowView(0), std.RawRowView(0)); err != nil {
		return err
	}

	for i, l := range m.layers {
		for n := 0; n < m.numMembers; n++ {
			if err := restoreInto(a, fmt.Sprintf("layer%d/weight%d", i, n), l.Weight(n)); err != nil {
				return err
			}
			if err := restoreInto(a, fmt.Sprintf("layer%d/bias%d", i, n), l.Bias(n)); err != nil {
				return err
			}
		}
	}

	m.logger.Info("weights restored", zap.String("dir", dir), zap.Int("entries", a.Len()))
	return nil
}

func restoreInto(a *persist.Archive, name string, dst *mat.Dense) error {
	src, err := a.Get(name)
	if err != nil {
		return err
	}
	sr, sc := src.Dims()
	dr, dc := dst.Dims()
	if sr != dr || sc != dc {
		return fmt.Errorf("ensemble: entry %q is %dx%d, want %dx%d", name, sr, sc, dr, dc)
	}
	dst.Copy(src)
	return nil
}

func rowMatrix(v []float64) *mat.Dense {
	data := make([]float64, len(v))
	copy(data, v)
	return mat.NewDense(1, len(v), data)
}

// Load rebuilds a model from its structure file and restores its persisted
// weights. The member count is taken from the structure file unless cfg
// overrides it.
func Load(cfg Config, opt optim.Factory, optCfg optim.Config) (*Model, error) {
	if cfg.ModelDir == "" {
		return nil, errors.New("ensemble: ModelDir required to load")
	}
	specs, err := persist.ReadStructure(persist.StructurePath(cfg.ModelDir, cfg.Name))
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("ensemble: structure file for %q has no layers", cfg.Name)
	}
	if cfg.NumMembers == 0 {
		cfg.NumMembers = specs[0].EnsembleSize
	}
	cfg.LoadWeights = true

	m, err := New(cfg)
	if err != nil {
		return nil, err
	}
	for i, s := range specs {
		l := layer.NewDense(s.OutputDim)
		if err := l.SetInputDim(s.InputDim); err != nil {
			return nil, err
		}
		if err := l.SetActivation(s.Activation); err != nil {
			return nil, err
		}
		if err := l.SetWeightDecay(s.WeightDecay); err != nil {
			return nil, err
		}
		if err := m.Add(l); err != nil {
			return nil, fmt.Errorf("ensemble: layer %d: %w", i, err)
		}
	}
	if err := m.Finalize(opt, optCfg); err != nil {
		return nil, err
	}
	return m, nil
}
