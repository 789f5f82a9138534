// Package ensemble implements a bootstrapped ensemble of feed-forward
// networks used as a probabilistic dynamics model. Every member shares the
// layer stack but owns its parameters, is trained on its own bootstrap
// resample, and contributes one vote to the aggregated prediction.
package ensemble

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"dynens/layer"
	"dynens/optim"
	"dynens/parallel"
	"dynens/scaler"
)

// Config describes a model before any layers are added.
type Config struct {
	// Name identifies the model and prefixes its files on disk.
	Name string
	// NumMembers is the ensemble size, 1 when zero.
	NumMembers int
	// ModelDir is where Save and weight loading look by default.
	ModelDir string
	// LoadWeights restores persisted parameter values during Finalize.
	LoadWeights bool
	// Seed fixes the RNG for initialization and resampling, time-based
	// when zero.
	Seed int64

	Logger *zap.Logger
	Pool   *parallel.Pool
}

// Model is a handle to one ensemble. Layers are added to an unfinalized
// model; Finalize allocates every parameter and optimizer, after which the
// model only executes. Training takes the write lock, predictions share the
// read lock.
type Model struct {
	name       string
	numMembers int
	modelDir   string
	loadOnFin  bool

	logger *zap.Logger
	pool   *parallel.Pool
	rng    *rand.Rand

	mu        sync.RWMutex
	layers    []*layer.Dense
	finalized bool

	sc     *scaler.Scaler
	opts   []optim.Optimizer
	params [][]*mat.Dense
	grads  [][]*mat.Dense
}

// New creates an empty model from cfg.
func New(cfg Config) (*Model, error) {
	if cfg.Name == "" {
		return nil, errors.New("ensemble: model name required")
	}
	if cfg.NumMembers < 0 {
		return nil, fmt.Errorf("ensemble: invalid ensemble size %d", cfg.NumMembers)
	}
	if cfg.NumMembers == 0 {
		cfg.NumMembers = 1
	}
	if cfg.LoadWeights && cfg.ModelDir == "" {
		return nil, errors.New("ensemble: LoadWeights requires ModelDir")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Model{
		name:       cfg.Name,
		numMembers: cfg.NumMembers,
		modelDir:   cfg.ModelDir,
		loadOnFin:  cfg.LoadWeights,
		logger:     cfg.Logger.With(zap.String("model", cfg.Name)),
		pool:       cfg.Pool,
		rng:        rand.New(rand.NewSource(seed)),
	}, nil
}

// Name returns the model name.
func (m *Model) Name() string { return m.name }

// NumMembers returns the ensemble size.
func (m *Model) NumMembers() int { return m.numMembers }

// Finalized reports whether parameters have been allocated.
func (m *Model) Finalized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.finalized
}

// NumLayers returns how many layers have been added.
func (m *Model) NumLayers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.layers)
}

// InputDim returns the input dimension, zero before any layer is added.
func (m *Model) InputDim() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.layers) == 0 {
		return 0
	}
	return m.layers[0].InputDim()
}

// OutputDim returns the output dimension, zero before any layer is added.
func (m *Model) OutputDim() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.layers) == 0 {
		return 0
	}
	return m.layers[len(m.layers)-1].OutputDim()
}

// ParamCount returns the total number of scalar parameters across all
// members, zero before Finalize.
func (m *Model) ParamCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.finalized {
		return 0
	}
	total := 0
	for _, member := range m.params {
		for _, p := range member {
			r, c := p.Dims()
			total += r * c
		}
	}
	return total
}

// Add appends a layer to an unfinalized model. The first layer must carry
// its input dimension; later layers are chained to the previous layer's
// output dimension. Add sets l's ensemble size to the model's and stores a
// copy, so mutating l afterwards cannot touch model state.
func (m *Model) Add(l *layer.Dense) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return errors.New("ensemble: cannot add layers after finalize")
	}
	if l.Built() {
		return errors.New("ensemble: layer is already built")
	}
	if len(m.layers) == 0 && l.InputDim() <= 0 {
		return errors.New("ensemble: first layer must set its input dim")
	}
	if err := l.SetEnsembleSize(m.numMembers); err != nil {
		return err
	}
	if len(m.layers) > 0 {
		if err := l.SetInputDim(m.layers[len(m.layers)-1].OutputDim()); err != nil {
			return err
		}
	}
	m.layers = append(m.layers, l.Copy())
	return nil
}

// Pop removes and returns the most recently added layer.
func (m *Model) Pop() (*layer.Dense, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return nil, errors.New("ensemble: cannot pop layers after finalize")
	}
	if len(m.layers) == 0 {
		return nil, errors.New("ensemble: no layers to pop")
	}
	l := m.layers[len(m.layers)-1]
	m.layers = m.layers[:len(m.layers)-1]
	return l, nil
}

// Finalize builds every layer, wires one optimizer per member and fixes the
// model for execution. When the model was configured with LoadWeights the
// persisted values are restored after construction. A nil factory uses Adam.
func (m *Model) Finalize(opt optim.Factory, optCfg optim.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return errors.New("ensemble: already finalized")
	}
	if len(m.layers) == 0 {
		return errors.New("ensemble: no layers to finalize")
	}
	if opt == nil {
		opt = optim.NewAdam
	}

	for i, l := range m.layers {
		if err := l.Build(m.rng); err != nil {
			return fmt.Errorf("ensemble: build layer %d: %w", i, err)
		}
	}

	m.params = make([][]*mat.Dense, m.numMembers)
	m.grads = make([][]*mat.Dense, m.numMembers)
	m.opts = make([]optim.Optimizer, m.numMembers)
	for n := 0; n < m.numMembers; n++ {
		for _, l := range m.layers {
			m.params[n] = append(m.params[n], l.Params(n)...)
			m.grads[n] = append(m.grads[n], l.Grads(n)...)
		}
		m.opts[n] = opt(optCfg)
	}

	sc, err := scaler.New(m.layers[0].InputDim())
	if err != nil {
		return err
	}
	m.sc = sc

	if m.loadOnFin {
		if err := m.restore(m.modelDir); err != nil {
			return err
		}
	}
	m.finalized = true

	m.logger.Info("model finalized",
		zap.Int("members", m.numMembers),
		zap.Int("layers", len(m.layers)),
		zap.Int("input_dim", m.layers[0].InputDim()),
		zap.Int("output_dim", m.layers[len(m.layers)-1].OutputDim()))
	return nil
}

// forward runs member n over a standardized batch, discarding caches.
func (m *Model) forward(n int, x *mat.Dense) *mat.Dense {
	out := x
	for _, l := range m.layers {
		out, _ = l.Forward(n, out)
	}
	return out
}

// checkInput validates a raw prediction or evaluation batch.
func (m *Model) checkInput(x *mat.Dense) error {
	rows, cols := x.Dims()
	if rows == 0 {
		return errors.New("ensemble: empty input batch")
	}
	if want := m.layers[0].InputDim(); cols != want {
		return fmt.Errorf("ensemble: input has %d columns, want %d", cols, want)
	}
	return nil
}
