package persist

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// LayerSpec is the persisted configuration of one fully connected layer.
type LayerSpec struct {
	InputDim     int
	OutputDim    int
	WeightDecay  float64
	Activation   string
	EnsembleSize int
}

// WriteStructure writes one key=value line per layer at path. Together with
// the weights archive this is enough to rebuild the model.
func WriteStructure(path string, specs []LayerSpec) error {
	var b strings.Builder
	for _, s := range specs {
		fmt.Fprintf(&b, "input_dim=%d output_dim=%d weight_decay=%s activation=%s ensemble_size=%d\n",
			s.InputDim, s.OutputDim,
			strconv.FormatFloat(s.WeightDecay, 'g', -1, 64),
			s.Activation, s.EnsembleSize)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("persist: write structure: %w", err)
	}
	return nil
}

// ReadStructure parses a structure file back into layer specs. Blank lines
// are skipped; unknown or malformed fields are errors.
func ReadStructure(path string) ([]LayerSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("persist: read structure: %w", err)
	}
	defer f.Close()

	var specs []LayerSpec
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		spec, err := parseLayerLine(line)
		if err != nil {
			return nil, fmt.Errorf("persist: structure line %d: %w", lineNo, err)
		}
		specs = append(specs, spec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("persist: read structure: %w", err)
	}
	return specs, nil
}

func parseLayerLine(line string) (LayerSpec, error) {
	spec := LayerSpec{EnsembleSize: 1, Activation: "none"}
	for _, field := range strings.Fields(line) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return spec, fmt.Errorf("malformed field %q", field)
		}
		switch key {
		case "input_dim":
			n, err := strconv.Atoi(value)
			if err != nil {
				return spec, fmt.Errorf("input_dim: %w", err)
			}
			spec.InputDim = n
		case "output_dim":
			n, err := strconv.Atoi(value)
			if err != nil {
				return spec, fmt.Errorf("output_dim: %w", err)
			}
			spec.OutputDim = n
		case "weight_decay":
			if value == "none" {
				spec.WeightDecay = 0
				continue
			}
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return spec, fmt.Errorf("weight_decay: %w", err)
			}
			spec.WeightDecay = v
		case "activation":
			spec.Activation = value
		case "ensemble_size":
			n, err := strconv.Atoi(value)
			if err != nil {
				return spec, fmt.Errorf("ensemble_size: %w", err)
			}
			spec.EnsembleSize = n
		default:
			return spec, fmt.Errorf("unrecognized field %q", key)
		}
	}
	if spec.OutputDim <= 0 {
		return spec, fmt.Errorf("missing or invalid output_dim")
	}
	return spec, nil
}
