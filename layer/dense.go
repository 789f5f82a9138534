// Package layer implements the ensemble-aware fully connected layer that the
// ensemble model is assembled from. Every member of the ensemble owns its own
// weight matrix and bias inside a single layer value, so one forward pass can
// be run per member over bootstrapped data without sharing parameters.
package layer

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Dense is a fully connected layer with one weight matrix and bias vector per
// ensemble member. Configuration is mutable until Build allocates the
// parameters; afterwards the layer is fixed and only its values change.
type Dense struct {
	outputDim    int
	inputDim     int
	ensembleSize int
	actName      string
	act          activation
	weightDecay  float64

	built   bool
	weights []*mat.Dense
	biases  []*mat.Dense
	gradW   []*mat.Dense
	gradB   []*mat.Dense
}

// Cache carries the intermediates of one Forward call that Backward needs.
type Cache struct {
	x *mat.Dense
	z *mat.Dense
}

// NewDense creates an unbuilt layer producing outputDim features per row.
// Input dimension, activation, weight decay and ensemble size are set
// afterwards; the defaults are no activation, no decay and a single member.
func NewDense(outputDim int) *Dense {
	return &Dense{
		outputDim:    outputDim,
		ensembleSize: 1,
		actName:      "none",
		act:          activations["none"],
	}
}

// SetInputDim fixes the number of input features. The model fills this in
// from the previous layer when it was left unset.
func (l *Dense) SetInputDim(d int) error {
	if l.built {
		return errors.New("layer: cannot change input dim after build")
	}
	l.inputDim = d
	return nil
}

// SetEnsembleSize fixes how many members hold separate parameters.
func (l *Dense) SetEnsembleSize(n int) error {
	if l.built {
		return errors.New("layer: cannot change ensemble size after build")
	}
	if n <= 0 {
		return errors.New("layer: ensemble size must be positive")
	}
	l.ensembleSize = n
	return nil
}

// SetActivation selects the nonlinearity by name.
func (l *Dense) SetActivation(name string) error {
	if l.built {
		return errors.New("layer: cannot change activation after build")
	}
	act, err := lookupActivation(name)
	if err != nil {
		return err
	}
	l.actName = name
	l.act = act
	return nil
}

// SetWeightDecay sets the coefficient of the squared-weight penalty this
// layer contributes to the training loss.
func (l *Dense) SetWeightDecay(wd float64) error {
	if l.built {
		return errors.New("layer: cannot change weight decay after build")
	}
	if wd < 0 {
		return errors.New("layer: weight decay must be non-negative")
	}
	l.weightDecay = wd
	return nil
}

// InputDim returns the configured input dimension, zero when unset.
func (l *Dense) InputDim() int { return l.inputDim }

// OutputDim returns the layer's output dimension.
func (l *Dense) OutputDim() int { return l.outputDim }

// EnsembleSize returns how many members the layer holds parameters for.
func (l *Dense) EnsembleSize() int { return l.ensembleSize }

// ActivationName returns the configured activation's name.
func (l *Dense) ActivationName() string { return l.actName }

// WeightDecay returns the squared-weight penalty coefficient.
func (l *Dense) WeightDecay() float64 { return l.weightDecay }

// Built reports whether parameters have been allocated.
func (l *Dense) Built() bool { return l.built }

// Copy returns an unbuilt layer with the same configuration. Parameter
// values are not carried over.
func (l *Dense) Copy() *Dense {
	return &Dense{
		outputDim:    l.outputDim,
		inputDim:     l.inputDim,
		ensembleSize: l.ensembleSize,
		actName:      l.actName,
		act:          l.act,
		weightDecay:  l.weightDecay,
	}
}

// truncNorm draws from a normal with the given standard deviation,
// resampling anything beyond two standard deviations.
func truncNorm(rng *rand.Rand, sd float64) float64 {
	for {
		v := rng.NormFloat64() * sd
		if math.Abs(v) <= 2*sd {
			return v
		}
	}
}

// Build allocates per-member weights, biases and gradient buffers. Weights
// are drawn from a truncated normal with standard deviation 1/(2*sqrt(in)),
// biases start at zero. Build fails when dimensions are unset or when the
// layer was already built.
func (l *Dense) Build(rng *rand.Rand) error {
	if l.built {
		return errors.New("layer: already built")
	}
	if l.inputDim <= 0 {
		return errors.New("layer: input dim not set")
	}
	if l.outputDim <= 0 {
		return fmt.Errorf("layer: output dim %d must be positive", l.outputDim)
	}

	sd := 1 / (2 * math.Sqrt(float64(l.inputDim)))
	l.weights = make([]*mat.Dense, l.ensembleSize)
	l.biases = make([]*mat.Dense, l.ensembleSize)
	l.gradW = make([]*mat.Dense, l.ensembleSize)
	l.gradB = make([]*mat.Dense, l.ensembleSize)
	for m := 0; m < l.ensembleSize; m++ {
		w := mat.NewDense(l.inputDim, l.outputDim, nil)
		for i := 0; i < l.inputDim; i++ {
			for j := 0; j < l.outputDim; j++ {
				w.Set(i, j, truncNorm(rng, sd))
			}
		}
		l.weights[m] = w
		l.biases[m] = mat.NewDense(1, l.outputDim, nil)
		l.gradW[m] = mat.NewDense(l.inputDim, l.outputDim, nil)
		l.gradB[m] = mat.NewDense(1, l.outputDim, nil)
	}
	l.built = true
	return nil
}

// Forward computes act(x*W + b) for member m and returns the activated
// output together with the cache Backward needs. The input must have
// InputDim columns.
func (l *Dense) Forward(m int, x *mat.Dense) (*mat.Dense, *Cache) {
	rows, _ := x.Dims()
	z := mat.NewDense(rows, l.outputDim, nil)
	z.Mul(x, l.weights[m])
	b := l.biases[m]
	for i := 0; i < rows; i++ {
		for j := 0; j < l.outputDim; j++ {
			z.Set(i, j, z.At(i, j)+b.At(0, j))
		}
	}

	out := mat.NewDense(rows, l.outputDim, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < l.outputDim; j++ {
			out.Set(i, j, l.act.fn(z.At(i, j)))
		}
	}
	return out, &Cache{x: x, z: z}
}

// Backward takes the loss gradient with respect to the activated output and
// writes this step's parameter gradients for member m, including the decay
// term. It returns the gradient with respect to the layer input.
func (l *Dense) Backward(m int, c *Cache, dOut *mat.Dense) *mat.Dense {
	rows, _ := dOut.Dims()
	dz := mat.NewDense(rows, l.outputDim, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < l.outputDim; j++ {
			dz.Set(i, j, dOut.At(i, j)*l.act.deriv(c.z.At(i, j)))
		}
	}

	l.gradW[m].Mul(c.x.T(), dz)
	if l.weightDecay != 0 {
		w := l.weights[m]
		gw := l.gradW[m]
		for i := 0; i < l.inputDim; i++ {
			for j := 0; j < l.outputDim; j++ {
				gw.Set(i, j, gw.At(i, j)+2*l.weightDecay*w.At(i, j))
			}
		}
	}

	gb := l.gradB[m]
	for j := 0; j < l.outputDim; j++ {
		sum := 0.0
		for i := 0; i < rows; i++ {
			sum += dz.At(i, j)
		}
		gb.Set(0, j, sum)
	}

	dx := mat.NewDense(rows, l.inputDim, nil)
	dx.Mul(dz, l.weights[m].T())
	return dx
}

// Params returns member m's live parameter matrices, weight then bias.
func (l *Dense) Params(m int) []*mat.Dense {
	return []*mat.Dense{l.weights[m], l.biases[m]}
}

// Grads returns member m's gradient buffers in the same order as Params.
func (l *Dense) Grads(m int) []*mat.Dense {
	return []*mat.Dense{l.gradW[m], l.gradB[m]}
}

// Weight returns member m's live weight matrix.
func (l *Dense) Weight(m int) *mat.Dense { return l.weights[m] }

// Bias returns member m's live bias row.
func (l *Dense) Bias(m int) *mat.Dense { return l.biases[m] }

// DecayPenalty returns weightDecay times the sum of squared weights over
// every member, the layer's contribution to the training loss.
func (l *Dense) DecayPenalty() float64 {
	if !l.built || l.weightDecay == 0 {
		return 0
	}
	sum := 0.0
	for m := 0; m < l.ensembleSize; m++ {
		w := l.weights[m]
		for i := 0; i < l.inputDim; i++ {
			for j := 0; j < l.outputDim; j++ {
				v := w.At(i, j)
				sum += v * v
			}
		}
	}
	return l.weightDecay * sum
}
