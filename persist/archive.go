// Package persist reads and writes the on-disk form of a trained model: a
// structure file describing the layer stack and a weights archive holding
// every named parameter matrix in construction order.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// Entry is one named matrix in a weights archive. Index records the
// position the variable was constructed in, name identifies it for lookup
// on restore.
type Entry struct {
	Index int       `json:"index"`
	Name  string    `json:"name"`
	Rows  int       `json:"rows"`
	Cols  int       `json:"cols"`
	Data  []float64 `json:"data"`
}

// Archive is an ordered collection of named matrices.
type Archive struct {
	entries []Entry
	byName  map[string]int
}

// NewArchive returns an empty archive.
func NewArchive() *Archive {
	return &Archive{byName: make(map[string]int)}
}

// Add appends a matrix under the given name, assigning it the next index.
// Names must be unique within an archive.
func (a *Archive) Add(name string, m *mat.Dense) error {
	if _, ok := a.byName[name]; ok {
		return fmt.Errorf("persist: duplicate entry %q", name)
	}
	rows, cols := m.Dims()
	data := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data = append(data, m.At(i, j))
		}
	}
	a.byName[name] = len(a.entries)
	a.entries = append(a.entries, Entry{
		Index: len(a.entries),
		Name:  name,
		Rows:  rows,
		Cols:  cols,
		Data:  data,
	})
	return nil
}

// Get returns the matrix stored under name. A missing name is an error so
// restores fail loudly instead of leaving parameters at their init values.
func (a *Archive) Get(name string) (*mat.Dense, error) {
	i, ok := a.byName[name]
	if !ok {
		return nil, fmt.Errorf("persist: archive has no entry %q", name)
	}
	e := a.entries[i]
	if len(e.Data) != e.Rows*e.Cols {
		return nil, fmt.Errorf("persist: entry %q has %d values, want %d", name, len(e.Data), e.Rows*e.Cols)
	}
	data := make([]float64, len(e.Data))
	copy(data, e.Data)
	return mat.NewDense(e.Rows, e.Cols, data), nil
}

// Names returns the entry names in index order.
func (a *Archive) Names() []string {
	names := make([]string, len(a.entries))
	for i, e := range a.entries {
		names[i] = e.Name
	}
	return names
}

// Len returns the number of entries.
func (a *Archive) Len() int { return len(a.entries) }

// WriteArchive serializes the archive as JSON at path.
func WriteArchive(path string, a *Archive) error {
	data, err := json.MarshalIndent(a.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: encode archive: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("persist: write archive: %w", err)
	}
	return nil
}

// ReadArchive loads an archive written by WriteArchive. Entries are indexed
// by their position in the file regardless of the stored index values.
func ReadArchive(path string) (*Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persist: read archive: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("persist: decode archive: %w", err)
	}

	a := NewArchive()
	for i, e := range entries {
		if _, ok := a.byName[e.Name]; ok {
			return nil, fmt.Errorf("persist: duplicate entry %q", e.Name)
		}
		e.Index = i
		a.byName[e.Name] = i
		a.entries = append(a.entries, e)
	}
	return a, nil
}

// WeightsPath returns the weights archive path for a model name in dir.
func WeightsPath(dir, name string) string {
	return filepath.Join(dir, name+".weights.json")
}

// StructurePath returns the structure file path for a model name in dir.
func StructurePath(dir, name string) string {
	return filepath.Join(dir, name+".nns")
}
