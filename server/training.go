package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"dynens/db"
	"dynens/ensemble"
	"dynens/layer"
	"dynens/optim"
)

type hiddenLayer struct {
	Units       int     `json:"units"`
	Activation  string  `json:"activation"`
	WeightDecay float64 `json:"weight_decay"`
}

type trainRequest struct {
	Model string `json:"model"`
	// Members and Hidden describe a new model. When Hidden is empty the
	// model is loaded from the registry and trained further.
	Members int           `json:"members"`
	Hidden  []hiddenLayer `json:"hidden"`

	Inputs  [][]float64 `json:"inputs"`
	Targets [][]float64 `json:"targets"`

	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	HoldoutRatio float64 `json:"holdout_ratio"`

	Optimizer    string  `json:"optimizer"`
	LearningRate float64 `json:"learning_rate"`
	Seed         int64   `json:"seed"`
}

type trainResponse struct {
	RunID string `json:"run_id"`
	Model string `json:"model"`
}

// handleTrain starts one asynchronous training job. Only one job runs at a
// time; a second request is rejected with 409 until the first finishes.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
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
	targets, err := matrixFromRows(req.Targets)
	if err != nil {
		writeError(w, http.StatusBadRequest, "targets: "+err.Error())
		return
	}
	inRows, _ := inputs.Dims()
	tRows, _ := targets.Dims()
	if inRows != tRows {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%d input rows but %d target rows", inRows, tRows))
		return
	}

	var factory optim.Factory
	if req.Optimizer != "" {
		factory, err = optim.ByName(req.Optimizer)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	// Record the effective values in the run history, not the zeros the
	// trainer would silently default.
	if req.Epochs <= 0 {
		req.Epochs = 100
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 32
	}

	if !s.training.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "training already in progress")
		return
	}

	m, status, err := s.modelForTraining(req, inputs, targets, factory)
	if err != nil {
		s.training.Store(false)
		writeError(w, status, err.Error())
		return
	}

	run, err := s.store.StartRun(req.Model, inRows, req.Epochs, req.BatchSize, req.HoldoutRatio)
	if err != nil {
		s.training.Store(false)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("training accepted",
		zap.String("request_id", requestID(r.Context())),
		zap.String("run_id", run.ID),
		zap.String("model", req.Model),
		zap.Int("rows", inRows))

	go s.runTraining(m, run.ID, inputs, targets, ensemble.TrainOptions{
		BatchSize:    req.BatchSize,
		Epochs:       req.Epochs,
		HoldoutRatio: req.HoldoutRatio,
	})

	writeJSON(w, http.StatusAccepted, trainResponse{RunID: run.ID, Model: req.Model})
}

// modelForTraining builds a fresh model from the request structure, or loads
// an existing one when no structure is given. The returned status is the
// HTTP code to report on error.
func (s *Server) modelForTraining(req trainRequest, inputs, targets *mat.Dense, factory optim.Factory) (*ensemble.Model, int, error) {
	_, inCols := inputs.Dims()
	_, outCols := targets.Dims()

	if len(req.Hidden) == 0 {
		m, err := s.reg.Get(req.Model)
		if err != nil {
			return nil, http.StatusNotFound, fmt.Errorf("model %q: %w", req.Model, err)
		}
		if m.InputDim() != inCols {
			return nil, http.StatusBadRequest, fmt.Errorf("model %q expects %d input columns, got %d", req.Model, m.InputDim(), inCols)
		}
		if m.OutputDim() != outCols {
			return nil, http.StatusBadRequest, fmt.Errorf("model %q expects %d target columns, got %d", req.Model, m.OutputDim(), outCols)
		}
		return m, 0, nil
	}

	members := req.Members
	if members <= 0 {
		members = 5
	}
	m, err := ensemble.New(ensemble.Config{
		Name:       req.Model,
		NumMembers: members,
		ModelDir:   s.reg.Dir(),
		Seed:       req.Seed,
		Logger:     s.logger,
		Pool:       s.pool,
	})
	if err != nil {
		return nil, http.StatusBadRequest, err
	}

	for i, h := range req.Hidden {
		l := layer.NewDense(h.Units)
		if i == 0 {
			if err := l.SetInputDim(inCols); err != nil {
				return nil, http.StatusBadRequest, err
			}
		}
		if h.Activation != "" {
			if err := l.SetActivation(h.Activation); err != nil {
				return nil, http.StatusBadRequest, err
			}
		}
		if h.WeightDecay != 0 {
			if err := l.SetWeightDecay(h.WeightDecay); err != nil {
				return nil, http.StatusBadRequest, err
			}
		}
		if err := m.Add(l); err != nil {
			return nil, http.StatusBadRequest, err
		}
	}

	out := layer.NewDense(outCols)
	if len(req.Hidden) == 0 {
		if err := out.SetInputDim(inCols); err != nil {
			return nil, http.StatusBadRequest, err
		}
	}
	if err := m.Add(out); err != nil {
		return nil, http.StatusBadRequest, err
	}

	if err := m.Finalize(factory, optim.Config{LearningRate: req.LearningRate}); err != nil {
		return nil, http.StatusBadRequest, err
	}
	return m, 0, nil
}

// runTraining executes one training job on its own goroutine, streaming
// per-epoch losses to the run store and the metrics hub.
func (s *Server) runTraining(m *ensemble.Model, runID string, inputs, targets *mat.Dense, opts ensemble.TrainOptions) {
	defer s.training.Store(false)

	s.hub.Send(EventRunStarted, map[string]interface{}{
		"run_id": runID,
		"model":  m.Name(),
	})

	opts.Progress = func(ep ensemble.Epoch) {
		if err := s.store.LogEpoch(runID, ep.Index, ep.Holdout, ep.Losses); err != nil {
			s.logger.Warn("log epoch", zap.String("run_id", runID), zap.Error(err))
		}
		s.hub.Send(EventEpoch, map[string]interface{}{
			"run_id":  runID,
			"epoch":   ep.Index,
			"holdout": ep.Holdout,
			"losses":  ep.Losses,
		})
	}

	finish := func(status, errMsg string) {
		if err := s.store.FinishRun(runID, status, errMsg); err != nil {
			s.logger.Warn("finish run", zap.String("run_id", runID), zap.Error(err))
		}
		payload := map[string]interface{}{
			"run_id": runID,
			"model":  m.Name(),
			"status": status,
		}
		if errMsg != "" {
			payload["error"] = errMsg
		}
		s.hub.Send(EventRunFinished, payload)
	}

	if err := m.Train(inputs, targets, opts); err != nil {
		s.logger.Error("training failed", zap.String("run_id", runID), zap.Error(err))
		finish(db.StatusFailed, err.Error())
		return
	}
	if err := m.Save(s.reg.Dir()); err != nil {
		s.logger.Error("save model", zap.String("run_id", runID), zap.Error(err))
		finish(db.StatusFailed, err.Error())
		return
	}
	s.reg.Put(m)

	s.logger.Info("training finished", zap.String("run_id", runID), zap.String("model", m.Name()))
	finish(db.StatusFinished, "")
}
