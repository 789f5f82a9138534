package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"gonum.org/v1/gonum/mat"
)

// CSVOptions controls how a numeric CSV is interpreted.
type CSVOptions struct {
	// InputCols is how many leading columns are model inputs; the rest
	// are targets. Must leave at least one target column.
	InputCols int
	// HasHeader skips the first row.
	HasHeader bool
	// Encoding is the source encoding, "utf8" (default) or "gbk".
	Encoding string
}

// LoadCSV reads a numeric CSV into an input/target set.
func LoadCSV(path string, opts CSVOptions) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadCSV(f, opts)
}

// ReadCSV parses numeric CSV content from r into an input/target set.
func ReadCSV(r io.Reader, opts CSVOptions) (*Set, error) {
	records, err := readRecords(r, opts)
	if err != nil {
		return nil, err
	}

	width := len(records[0])
	if opts.InputCols < 1 || opts.InputCols >= width {
		return nil, fmt.Errorf("dataset: input columns %d must leave at least one target in %d columns", opts.InputCols, width)
	}

	inputs := mat.NewDense(len(records), opts.InputCols, nil)
	targets := mat.NewDense(len(records), width-opts.InputCols, nil)
	for i, record := range records {
		for j, cell := range record {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("dataset: row %d column %d: %w", i+1, j+1, err)
			}
			if j < opts.InputCols {
				inputs.Set(i, j, v)
			} else {
				targets.Set(i, j-opts.InputCols, v)
			}
		}
	}
	return &Set{Inputs: inputs, Targets: targets}, nil
}

// LoadMatrix reads every column of a numeric CSV into one matrix, ignoring
// the input/target split. Prediction inputs are loaded this way.
func LoadMatrix(path string, opts CSVOptions) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadMatrix(f, opts)
}

// ReadMatrix parses numeric CSV content from r into one matrix.
func ReadMatrix(r io.Reader, opts CSVOptions) (*mat.Dense, error) {
	records, err := readRecords(r, opts)
	if err != nil {
		return nil, err
	}

	width := len(records[0])
	out := mat.NewDense(len(records), width, nil)
	for i, record := range records {
		for j, cell := range record {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("dataset: row %d column %d: %w", i+1, j+1, err)
			}
			out.Set(i, j, v)
		}
	}
	return out, nil
}

func readRecords(r io.Reader, opts CSVOptions) ([][]string, error) {
	switch opts.Encoding {
	case "", "utf8":
	case "gbk":
		r = transform.NewReader(r, simplifiedchinese.GBK.NewDecoder())
	default:
		return nil, fmt.Errorf("dataset: unsupported encoding %q", opts.Encoding)
	}

	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("dataset: parse csv: %w", err)
	}
	if opts.HasHeader && len(records) > 0 {
		records = records[1:]
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("dataset: csv has no data rows")
	}
	return records, nil
}

// WriteCSV writes a matrix as CSV at path, with an optional header row.
func WriteCSV(path string, header []string, m *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dataset: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if len(header) > 0 {
		if err := w.Write(header); err != nil {
			return err
		}
	}

	rows, cols := m.Dims()
	record := make([]string, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			record[j] = strconv.FormatFloat(m.At(i, j), 'g', -1, 64)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
