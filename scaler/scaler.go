// Package scaler implements the per-feature standardization applied to every
// model input. Statistics are fitted once per training call and reused
// unchanged at prediction time; they are persisted alongside the network
// weights as non-trainable parameters.
package scaler

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// minStd is the floor applied to the fitted standard deviation so constant
// columns never divide by zero.
const minStd = 1e-8

// Scaler holds per-column mean and standard deviation for inputs of a fixed
// dimension. The zero statistics (mean 0, std 1) make Transform an identity
// before the first Fit.
type Scaler struct {
	dim  int
	mean []float64
	std  []float64
}

// New creates a scaler for inputs with dim columns.
func New(dim int) (*Scaler, error) {
	if dim <= 0 {
		return nil, errors.New("scaler: dimension must be positive")
	}
	s := &Scaler{
		dim:  dim,
		mean: make([]float64, dim),
		std:  make([]float64, dim),
	}
	for i := range s.std {
		s.std[i] = 1
	}
	return s, nil
}

// Dim returns the input dimension the scaler was built for.
func (s *Scaler) Dim() int { return s.dim }

// Fit computes per-column mean and population standard deviation from x,
// replacing any previously fitted statistics. Standard deviations below
// minStd are floored so constant columns stay finite under Transform.
func (s *Scaler) Fit(x *mat.Dense) error {
	rows, cols := x.Dims()
	if cols != s.dim {
		return fmt.Errorf("scaler: fit input has %d columns, want %d", cols, s.dim)
	}
	if rows == 0 {
		return errors.New("scaler: fit input is empty")
	}

	for j := 0; j < cols; j++ {
		sum := 0.0
		for i := 0; i < rows; i++ {
			sum += x.At(i, j)
		}
		mean := sum / float64(rows)

		sq := 0.0
		for i := 0; i < rows; i++ {
			d := x.At(i, j) - mean
			sq += d * d
		}
		std := math.Sqrt(sq / float64(rows))
		if std < minStd {
			std = minStd
		}
		s.mean[j] = mean
		s.std[j] = std
	}
	return nil
}

// Transform returns (x - mean) / std as a new matrix. The input must have
// the scaler's column count; feeding an unfitted scaler yields the raw
// input back, which is a caller error, not a failure the scaler detects.
func (s *Scaler) Transform(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(i, j, (x.At(i, j)-s.mean[j])/s.std[j])
		}
	}
	return out
}

// TransformEach applies Transform to every member's batch. This is the
// explicit rank-3 entry point; each member shares the same statistics.
func (s *Scaler) TransformEach(xs []*mat.Dense) []*mat.Dense {
	out := make([]*mat.Dense, len(xs))
	for i, x := range xs {
		out[i] = s.Transform(x)
	}
	return out
}

// InverseTransform maps standardized values back to the original space,
// returning y*std + mean as a new matrix.
func (s *Scaler) InverseTransform(y *mat.Dense) *mat.Dense {
	rows, cols := y.Dims()
	out := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(i, j, y.At(i, j)*s.std[j]+s.mean[j])
		}
	}
	return out
}

// Mean returns a copy of the fitted per-column means.
func (s *Scaler) Mean() []float64 {
	out := make([]float64, s.dim)
	copy(out, s.mean)
	return out
}

// Std returns a copy of the fitted per-column standard deviations.
func (s *Scaler) Std() []float64 {
	out := make([]float64, s.dim)
	copy(out, s.std)
	return out
}

// SetStats overwrites the fitted statistics, used when restoring a saved
// model. The std floor is re-applied so a hand-edited archive cannot
// introduce a zero divisor.
func (s *Scaler) SetStats(mean, std []float64) error {
	if len(mean) != s.dim || len(std) != s.dim {
		return fmt.Errorf("scaler: stats have dims %d/%d, want %d", len(mean), len(std), s.dim)
	}
	copy(s.mean, mean)
	for j, v := range std {
		if v < minStd {
			v = minStd
		}
		s.std[j] = v
	}
	return nil
}
