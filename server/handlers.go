package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"
)

type modelSummary struct {
	Name   string `json:"name"`
	Loaded bool   `json:"loaded"`
}

type layerInfo struct {
	InputDim    int     `json:"input_dim"`
	OutputDim   int     `json:"output_dim"`
	Activation  string  `json:"activation"`
	WeightDecay float64 `json:"weight_decay"`
}

type modelInfo struct {
	Name      string      `json:"name"`
	Members   int         `json:"members"`
	InputDim  int         `json:"input_dim"`
	OutputDim int         `json:"output_dim"`
	Params    int         `json:"params"`
	Layers    []layerInfo `json:"layers"`
}

type predictRequest struct {
	Model  string      `json:"model"`
	Inputs [][]float64 `json:"inputs"`
	// Mode is "aggregate" (default) or "factored".
	Mode string `json:"mode"`
}

type predictResponse struct {
	Mean     [][]float64 `json:"mean,omitempty"`
	Variance [][]float64 `json:"variance,omitempty"`
	// Members holds one output matrix per ensemble member in factored
	// mode.
	Members [][][]float64 `json:"members,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	names, err := s.reg.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	loaded := make(map[string]bool)
	for _, name := range s.reg.Loaded() {
		loaded[name] = true
	}

	summaries := make([]modelSummary, 0, len(names))
	for _, name := range names {
		summaries = append(summaries, modelSummary{Name: name, Loaded: loaded[name]})
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	m, err := s.reg.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("model %q: %v", name, err))
		return
	}

	specs := m.LayerSpecs()
	layers := make([]layerInfo, len(specs))
	for i, spec := range specs {
		layers[i] = layerInfo{
			InputDim:    spec.InputDim,
			OutputDim:   spec.OutputDim,
			Activation:  spec.Activation,
			WeightDecay: spec.WeightDecay,
		}
	}
	writeJSON(w, http.StatusOK, modelInfo{
		Name:      m.Name(),
		Members:   m.NumMembers(),
		InputDim:  m.InputDim(),
		OutputDim: m.OutputDim(),
		Params:    m.ParamCount(),
		Layers:    layers,
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}
	inputs, err := matrixFromRows(req.Inputs)
	if err != nil {
		writeError(w, http.StatusBadRequest, "inputs: "+err.Error())
		return
	}

	m, err := s.reg.Get(req.Model)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("model %q: %v", req.Model, err))
		return
	}

	switch req.Mode {
	case "factored":
		outs, err := m.PredictFactored(inputs)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		members := make([][][]float64, len(outs))
		for i, out := range outs {
			members[i] = rowsFromMatrix(out)
		}
		writeJSON(w, http.StatusOK, predictResponse{Members: members})

	case "", "aggregate":
		mean, variance, err := m.Predict(inputs)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, predictResponse{
			Mean:     rowsFromMatrix(mean),
			Variance: rowsFromMatrix(variance),
		})

	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode %q", req.Mode))
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	runs, err := s.store.RecentRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.store.GetRun(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %q: %v", id, err))
		return
	}
	epochs, err := s.store.RunEpochs(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run":    run,
		"epochs": epochs,
	})
}

// matrixFromRows validates a rectangular, non-empty JSON matrix.
func matrixFromRows(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, errors.New("no rows")
	}
	width := len(rows[0])
	if width == 0 {
		return nil, errors.New("empty rows")
	}
	out := mat.NewDense(len(rows), width, nil)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), width)
		}
		out.SetRow(i, row)
	}
	return out, nil
}

func rowsFromMatrix(m *mat.Dense) [][]float64 {
	r, c := m.Dims()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		rows[i] = make([]float64, c)
		copy(rows[i], m.RawRowView(i))
	}
	return rows
}
