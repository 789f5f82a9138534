// Package dataset prepares training data for the ensemble: loading numeric
// CSV files, converting environment transitions into input/target pairs and
// generating synthetic sets for demos and smoke tests.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Set is an input/target pair ready for training or evaluation.
type Set struct {
	Inputs  *mat.Dense
	Targets *mat.Dense
}

// Rows returns the number of examples in the set.
func (s *Set) Rows() int {
	r, _ := s.Inputs.Dims()
	return r
}

// Transition is one step of environment experience.
type Transition struct {
	State     []float64
	Action    []float64
	NextState []float64
}

// FromTransitions builds a set where each input is the state concatenated
// with the action and each target is the state change. All transitions must
// share the same state and action dimensions.
func FromTransitions(ts []Transition) (*Set, error) {
	if len(ts) == 0 {
		return nil, errors.New("dataset: no transitions")
	}
	sDim := len(ts[0].State)
	aDim := len(ts[0].Action)
	if sDim == 0 {
		return nil, errors.New("dataset: empty state")
	}

	inputs := mat.NewDense(len(ts), sDim+aDim, nil)
	targets := mat.NewDense(len(ts), sDim, nil)
	for i, tr := range ts {
		if len(tr.State) != sDim || len(tr.Action) != aDim || len(tr.NextState) != sDim {
			return nil, fmt.Errorf("dataset: transition %d has inconsistent dimensions", i)
		}
		for j, v := range tr.State {
			inputs.Set(i, j, v)
			targets.Set(i, j, tr.NextState[j]-v)
		}
		for j, v := range tr.Action {
			inputs.Set(i, sDim+j, v)
		}
	}
	return &Set{Inputs: inputs, Targets: targets}, nil
}

// Linear generates rows of y = x*w + b plus gaussian noise, with inputs
// drawn uniformly from [-1, 1].
func Linear(rng *rand.Rand, rows int, w []float64, b, noise float64) *Set {
	inputs := mat.NewDense(rows, len(w), nil)
	targets := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		y := b
		for j, wj := range w {
			x := rng.Float64()*2 - 1
			inputs.Set(i, j, x)
			y += wj * x
		}
		if noise > 0 {
			y += rng.NormFloat64() * noise
		}
		targets.Set(i, 0, y)
	}
	return &Set{Inputs: inputs, Targets: targets}
}

// Sine generates y = sin(freq*x) plus gaussian noise for x in [-pi, pi].
func Sine(rng *rand.Rand, rows int, freq, noise float64) *Set {
	inputs := mat.NewDense(rows, 1, nil)
	targets := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		x := (rng.Float64()*2 - 1) * math.Pi
		y := math.Sin(freq * x)
		if noise > 0 {
			y += rng.NormFloat64() * noise
		}
		inputs.Set(i, 0, x)
		targets.Set(i, 0, y)
	}
	return &Set{Inputs: inputs, Targets: targets}
}

// HStack concatenates matrices column-wise. All matrices must have the same
// number of rows.
func HStack(ms ...*mat.Dense) (*mat.Dense, error) {
	if len(ms) == 0 {
		return nil, errors.New("dataset: nothing to stack")
	}
	rows, total := 0, 0
	for i, m := range ms {
		r, c := m.Dims()
		if i == 0 {
			rows = r
		} else if r != rows {
			return nil, fmt.Errorf("dataset: matrix %d has %d rows, want %d", i, r, rows)
		}
		total += c
	}

	out := mat.NewDense(rows, total, nil)
	col := 0
	for _, m := range ms {
		_, c := m.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < c; j++ {
				out.Set(i, col+j, m.At(i, j))
			}
		}
		col += c
	}
	return out, nil
}
