package layer

import (
	"fmt"
	"math"
)

// activation bundles an element-wise nonlinearity with its derivative taken
// with respect to the pre-activation value.
type activation struct {
	fn    func(z float64) float64
	deriv func(z float64) float64
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func softplus(z float64) float64 {
	// For large z, log(1+e^z) is z to double precision and e^z overflows.
	if z > 30 {
		return z
	}
	return math.Log1p(math.Exp(z))
}

var activations = map[string]activation{
	"none": {
		fn:    func(z float64) float64 { return z },
		deriv: func(z float64) float64 { return 1 },
	},
	"relu": {
		fn: func(z float64) float64 {
			if z > 0 {
				return z
			}
			return 0
		},
		deriv: func(z float64) float64 {
			if z > 0 {
				return 1
			}
			return 0
		},
	},
	"tanh": {
		fn: math.Tanh,
		deriv: func(z float64) float64 {
			a := math.Tanh(z)
			return 1 - a*a
		},
	},
	"sigmoid": {
		fn: sigmoid,
		deriv: func(z float64) float64 {
			a := sigmoid(z)
			return a * (1 - a)
		},
	},
	"softplus": {
		fn:    softplus,
		deriv: sigmoid,
	},
	"swish": {
		fn: func(z float64) float64 { return z * sigmoid(z) },
		deriv: func(z float64) float64 {
			s := sigmoid(z)
			return s + z*s*(1-s)
		},
	},
}

// Activations returns the names of all supported activation functions.
func Activations() []string {
	names := make([]string, 0, len(activations))
	for name := range activations {
		names = append(names, name)
	}
	return names
}

func lookupActivation(name string) (activation, error) {
	act, ok := activations[name]
	if !ok {
		return activation{}, fmt.Errorf("layer: unknown activation %q", name)
	}
	return act, nil
}
