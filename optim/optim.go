// Package optim provides the gradient-descent optimizers used to fit the
// ensemble. Each ensemble member gets its own optimizer instance so state
// like Adam moments never crosses members.
package optim

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Config carries optimizer hyperparameters. Zero values fall back to the
// usual defaults, so Config{} is a working Adam or SGD setup.
type Config struct {
	LearningRate float64
	Momentum     float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
}

func (c Config) withDefaults() Config {
	if c.LearningRate <= 0 {
		c.LearningRate = 0.001
	}
	if c.Momentum < 0 {
		c.Momentum = 0
	}
	if c.Beta1 <= 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 <= 0 {
		c.Beta2 = 0.999
	}
	if c.Epsilon <= 0 {
		c.Epsilon = 1e-8
	}
	return c
}

// Optimizer updates parameter matrices in place from their gradients. The
// values and grads slices must keep the same length, order and shapes on
// every call, which finalize guarantees for the ensemble.
type Optimizer interface {
	Step(values, grads []*mat.Dense)
}

// Factory builds one optimizer instance from a config. The ensemble calls
// it once per member at finalize time.
type Factory func(cfg Config) Optimizer

// ByName maps an optimizer name from config files or flags to its factory.
func ByName(name string) (Factory, error) {
	switch name {
	case "adam":
		return NewAdam, nil
	case "sgd":
		return NewSGD, nil
	default:
		return nil, fmt.Errorf("optim: unknown optimizer %q", name)
	}
}

type sgd struct {
	cfg Config
	vel []*mat.Dense
}

// NewSGD returns plain gradient descent, with classical momentum when
// cfg.Momentum is positive.
func NewSGD(cfg Config) Optimizer {
	return &sgd{cfg: cfg.withDefaults()}
}

func (o *sgd) Step(values, grads []*mat.Dense) {
	if o.cfg.Momentum > 0 && o.vel == nil {
		o.vel = make([]*mat.Dense, len(values))
		for i, v := range values {
			r, c := v.Dims()
			o.vel[i] = mat.NewDense(r, c, nil)
		}
	}

	lr := o.cfg.LearningRate
	for i, v := range values {
		r, c := v.Dims()
		g := grads[i]
		if o.cfg.Momentum > 0 {
			vel := o.vel[i]
			for x := 0; x < r; x++ {
				for y := 0; y < c; y++ {
					nv := o.cfg.Momentum*vel.At(x, y) + g.At(x, y)
					vel.Set(x, y, nv)
					v.Set(x, y, v.At(x, y)-lr*nv)
				}
			}
			continue
		}
		for x := 0; x < r; x++ {
			for y := 0; y < c; y++ {
				v.Set(x, y, v.At(x, y)-lr*g.At(x, y))
			}
		}
	}
}

type adam struct {
	cfg Config
	t   int
	m   []*mat.Dense
	v   []*mat.Dense
}

// NewAdam returns an Adam optimizer with bias-corrected moment estimates.
func NewAdam(cfg Config) Optimizer {
	return &adam{cfg: cfg.withDefaults()}
}

func (o *adam) Step(values, grads []*mat.Dense) {
	if o.m == nil {
		o.m = make([]*mat.Dense, len(values))
		o.v = make([]*mat.Dense, len(values))
		for i, val := range values {
			r, c := val.Dims()
			o.m[i] = mat.NewDense(r, c, nil)
			o.v[i] = mat.NewDense(r, c, nil)
		}
	}

	o.t++
	c1 := 1 - math.Pow(o.cfg.Beta1, float64(o.t))
	c2 := 1 - math.Pow(o.cfg.Beta2, float64(o.t))
	lr := o.cfg.LearningRate

	for i, val := range values {
		r, c := val.Dims()
		g := grads[i]
		mi := o.m[i]
		vi := o.v[i]
		for x := 0; x < r; x++ {
			for y := 0; y < c; y++ {
				gv := g.At(x, y)
				mv := o.cfg.Beta1*mi.At(x, y) + (1-o.cfg.Beta1)*gv
				vv := o.cfg.Beta2*vi.At(x, y) + (1-o.cfg.Beta2)*gv*gv
				mi.Set(x, y, mv)
				vi.Set(x, y, vv)

				mHat := mv / c1
				vHat := vv / c2
				val.Set(x, y, val.At(x, y)-lr*mHat/(math.Sqrt(vHat)+o.cfg.Epsilon))
			}
		}
	}
}
