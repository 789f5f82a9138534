package ensemble

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"dynens/layer"
)

// TrainOptions tunes one training call. Zero values fall back to the
// defaults noted on the fields.
type TrainOptions struct {
	// BatchSize is the rows per gradient step, 32 when zero.
	BatchSize int
	// Epochs is the number of passes over each member's resample, 100
	// when zero.
	Epochs int
	// HoldoutRatio carves this fraction of rows out of training for
	// per-epoch evaluation. Zero trains on everything and evaluates on
	// training rows instead.
	HoldoutRatio float64
	// MaxEvalRows caps both the holdout size and the number of training
	// rows used for loss logging, 5000 when zero.
	MaxEvalRows int
	// Progress, when set, receives one Epoch per epoch. It runs on the
	// training goroutine and must not call back into the model.
	Progress func(Epoch)
}

// Epoch reports per-member losses after one pass. Holdout tells whether
// the losses were measured on held-out rows or on training rows.
type Epoch struct {
	Index   int
	Losses  []float64
	Holdout bool
}

// Train fits every member on its own bootstrap resample of the data.
// The scaler is refitted on the retained training rows, so repeated calls
// always standardize against the latest data. Optimizer state carries over
// between calls.
func (m *Model) Train(inputs, targets *mat.Dense, opts TrainOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.finalized {
		return errors.New("ensemble: model is not finalized")
	}
	if err := m.checkInput(inputs); err != nil {
		return err
	}
	rows, _ := inputs.Dims()
	tRows, tCols := targets.Dims()
	if tRows != rows {
		return fmt.Errorf("ensemble: %d input rows but %d target rows", rows, tRows)
	}
	if want := m.layers[len(m.layers)-1].OutputDim(); tCols != want {
		return fmt.Errorf("ensemble: targets have %d columns, want %d", tCols, want)
	}
	if opts.HoldoutRatio < 0 || opts.HoldoutRatio >= 1 {
		return fmt.Errorf("ensemble: holdout ratio %v outside [0,1)", opts.HoldoutRatio)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Epochs <= 0 {
		opts.Epochs = 100
	}
	if opts.MaxEvalRows <= 0 {
		opts.MaxEvalRows = 5000
	}

	numHoldout := holdoutCount(rows, opts.HoldoutRatio, opts.MaxEvalRows)
	perm := m.rng.Perm(rows)
	nTrain := rows - numHoldout
	if nTrain == 0 {
		return errors.New("ensemble: holdout leaves no training rows")
	}

	trainIn := gather(inputs, perm[numHoldout:])
	trainTarg := gather(targets, perm[numHoldout:])
	if err := m.sc.Fit(trainIn); err != nil {
		return err
	}
	trainInStd := m.sc.Transform(trainIn)

	var holdInStd, holdTarg *mat.Dense
	if numHoldout > 0 {
		holdInStd = m.sc.Transform(gather(inputs, perm[:numHoldout]))
		holdTarg = gather(targets, perm[:numHoldout])
	}

	// Each member trains on its own resample drawn with replacement.
	idxs := make([][]int, m.numMembers)
	for n := range idxs {
		row := make([]int, nTrain)
		for i := range row {
			row[i] = m.rng.Intn(nTrain)
		}
		idxs[n] = row
	}

	numBatches := (nTrain + opts.BatchSize - 1) / opts.BatchSize
	m.logger.Info("training started",
		zap.Int("rows", nTrain),
		zap.Int("holdout_rows", numHoldout),
		zap.Int("epochs", opts.Epochs),
		zap.Int("batch_size", opts.BatchSize),
		zap.Int("batches_per_epoch", numBatches))

	var last Epoch
	for ep := 0; ep < opts.Epochs; ep++ {
		for b := 0; b < numBatches; b++ {
			start := b * opts.BatchSize
			end := start + opts.BatchSize
			if end > nTrain {
				end = nTrain
			}
			m.pool.Run(m.numMembers, func(n int) {
				batch := idxs[n][start:end]
				m.step(n, gather(trainInStd, batch), gather(trainTarg, batch))
			})
		}

		// Reorder every member's resample so the next epoch batches it
		// differently.
		for _, row := range idxs {
			m.rng.Shuffle(len(row), func(i, j int) { row[i], row[j] = row[j], row[i] })
		}

		epoch := Epoch{Index: ep, Losses: make([]float64, m.numMembers)}
		if numHoldout > 0 {
			epoch.Holdout = true
			m.pool.Run(m.numMembers, func(n int) {
				epoch.Losses[n] = m.memberLoss(n, holdInStd, holdTarg)
			})
		} else {
			evalN := opts.MaxEvalRows
			if evalN > nTrain {
				evalN = nTrain
			}
			m.pool.Run(m.numMembers, func(n int) {
				eval := idxs[n][:evalN]
				epoch.Losses[n] = m.memberLoss(n, gather(trainInStd, eval), gather(trainTarg, eval))
			})
		}

		m.logger.Debug("epoch finished",
			zap.Int("epoch", ep),
			zap.Bool("holdout", epoch.Holdout),
			zap.Float64s("losses", epoch.Losses))
		if opts.Progress != nil {
			opts.Progress(epoch)
		}
		last = epoch
	}

	m.logger.Info("training finished",
		zap.Int("epochs", opts.Epochs),
		zap.Bool("holdout", last.Holdout),
		zap.Float64s("losses", last.Losses))
	return nil
}

// step runs one gradient update for member n on a standardized batch.
func (m *Model) step(n int, x, y *mat.Dense) {
	caches := make([]*layer.Cache, len(m.layers))
	out := x
	for i, l := range m.layers {
		out, caches[i] = l.Forward(n, out)
	}

	// The member's loss is the squared error halved, averaged over batch
	// and output dimension.
	rows, cols := out.Dims()
	scale := 1 / float64(rows*cols)
	d := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			d.Set(i, j, (out.At(i, j)-y.At(i, j))*scale)
		}
	}

	for i := len(m.layers) - 1; i >= 0; i-- {
		d = m.layers[i].Backward(n, caches[i], d)
	}
	m.opts[n].Step(m.params[n], m.grads[n])
}

// memberLoss evaluates member n's loss on a standardized batch, without
// the decay penalty.
func (m *Model) memberLoss(n int, x, y *mat.Dense) float64 {
	out := m.forward(n, x)
	rows, cols := out.Dims()
	sum := 0.0
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			d := out.At(i, j) - y.At(i, j)
			sum += d * d / 2
		}
	}
	return sum / float64(rows*cols)
}

// Losses evaluates each member on its own batch and returns the per-member
// losses. Inputs are raw and standardized internally; the decay penalty is
// not included.
func (m *Model) Losses(inputs, targets []*mat.Dense) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.finalized {
		return nil, errors.New("ensemble: model is not finalized")
	}
	if len(inputs) != m.numMembers || len(targets) != m.numMembers {
		return nil, fmt.Errorf("ensemble: got %d/%d batches, want %d per member", len(inputs), len(targets), m.numMembers)
	}
	for n := 0; n < m.numMembers; n++ {
		if err := m.checkInput(inputs[n]); err != nil {
			return nil, err
		}
		xRows, _ := inputs[n].Dims()
		tRows, tCols := targets[n].Dims()
		if tRows != xRows {
			return nil, fmt.Errorf("ensemble: member %d has %d input rows but %d target rows", n, xRows, tRows)
		}
		if want := m.layers[len(m.layers)-1].OutputDim(); tCols != want {
			return nil, fmt.Errorf("ensemble: member %d targets have %d columns, want %d", n, tCols, want)
		}
	}

	losses := make([]float64, m.numMembers)
	m.pool.Run(m.numMembers, func(n int) {
		losses[n] = m.memberLoss(n, m.sc.Transform(inputs[n]), targets[n])
	})
	return losses, nil
}

// holdoutCount is how many of rows are held out for evaluation: the ratio's
// share rounded down, capped at maxEval.
func holdoutCount(rows int, ratio float64, maxEval int) int {
	n := int(float64(rows) * ratio)
	if n > maxEval {
		n = maxEval
	}
	return n
}

// gather copies the given rows of src into a new matrix, in order.
func gather(src *mat.Dense, rows []int) *mat.Dense {
	_, cols := src.Dims()
	out := mat.NewDense(len(rows), cols, nil)
	for i, r := range rows {
		out.SetRow(i, src.RawRowView(r))
	}
	return out
}
