package ensemble

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// PredictFactored runs every member over the same raw batch and returns one
// output matrix per member.
func (m *Model) PredictFactored(x *mat.Dense) ([]*mat.Dense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.finalized {
		return nil, errors.New("ensemble: model is not finalized")
	}
	if err := m.checkInput(x); err != nil {
		return nil, err
	}
	return m.factored(x), nil
}

// Predict aggregates the factored outputs for a raw batch into the ensemble
// mean and the spread of the members around it. The spread divides by the
// member count, so a single-member ensemble reports zero variance.
func (m *Model) Predict(x *mat.Dense) (mean, variance *mat.Dense, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.finalized {
		return nil, nil, errors.New("ensemble: model is not finalized")
	}
	if err := m.checkInput(x); err != nil {
		return nil, nil, err
	}

	outs := m.factored(x)
	rows, cols := outs[0].Dims()

	mean = mat.NewDense(rows, cols, nil)
	for _, out := range outs {
		mean.Add(mean, out)
	}
	mean.Scale(1/float64(m.numMembers), mean)

	variance = mat.NewDense(rows, cols, nil)
	for _, out := range outs {
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				d := out.At(i, j) - mean.At(i, j)
				variance.Set(i, j, variance.At(i, j)+d*d)
			}
		}
	}
	variance.Scale(1/float64(m.numMembers), variance)
	return mean, variance, nil
}

// PredictPerMember runs each member over its own raw batch. The slice must
// hold one batch per member.
func (m *Model) PredictPerMember(xs []*mat.Dense) ([]*mat.Dense, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.finalized {
		return nil, errors.New("ensemble: model is not finalized")
	}
	if len(xs) != m.numMembers {
		return nil, fmt.Errorf("ensemble: got %d batches, want %d per member", len(xs), m.numMembers)
	}
	for _, x := range xs {
		if err := m.checkInput(x); err != nil {
			return nil, err
		}
	}

	outs := make([]*mat.Dense, m.numMembers)
	m.pool.Run(m.numMembers, func(n int) {
		outs[n] = m.forward(n, m.sc.Transform(xs[n]))
	})
	return outs, nil
}

// factored standardizes x once and runs every member over it. Callers hold
// at least the read lock.
func (m *Model) factored(x *mat.Dense) []*mat.Dense {
	std := m.sc.Transform(x)
	outs := make([]*mat.Dense, m.numMembers)
	m.pool.Run(m.numMembers, func(n int) {
		outs[n] = m.forward(n, std)
	})
	return outs
}
