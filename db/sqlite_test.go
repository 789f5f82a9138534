package db

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.db"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStartAndFinishRun(t *testing.T) {
	s := openTestStore(t)

	run, err := s.StartRun("dynamics", 128, 50, 32, 0.1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.ID == "" {
		t.Fatal("run has no id")
	}
	if run.Status != StatusRunning {
		t.Errorf("status = %q, want %q", run.Status, StatusRunning)
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Model != "dynamics" || got.Rows != 128 || got.Epochs != 50 || got.BatchSize != 32 {
		t.Errorf("stored run = %+v", got)
	}
	if !got.FinishedAt.IsZero() {
		t.Error("running run should have no finish time")
	}

	if err := s.FinishRun(run.ID, StatusFinished, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err = s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusFinished {
		t.Errorf("status = %q, want %q", got.Status, StatusFinished)
	}
	if got.FinishedAt.IsZero() {
		t.Error("finished run should have a finish time")
	}
}

func TestFinishRunValidation(t *testing.T) {
	s := openTestStore(t)

	if err := s.FinishRun("missing", StatusFinished, ""); err == nil {
		t.Error("expected error for unknown run id")
	}

	run, err := s.StartRun("dynamics", 1, 1, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.FinishRun(run.ID, StatusRunning, ""); err == nil {
		t.Error("expected error for non-final status")
	}
	if err := s.FinishRun(run.ID, StatusFailed, "out of data"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Error != "out of data" {
		t.Errorf("error message = %q, want %q", got.Error, "out of data")
	}
}

func TestLogAndFetchEpochs(t *testing.T) {
	s := openTestStore(t)

	run, err := s.StartRun("dynamics", 10, 2, 4, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := s.LogEpoch(run.ID, 0, false, []float64{0.5, 0.6}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.LogEpoch(run.ID, 1, false, []float64{0.3, 0.4}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	losses, err := s.RunEpochs(run.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(losses) != 4 {
		t.Fatalf("got %d loss rows, want 4", len(losses))
	}
	want := []EpochLoss{
		{Epoch: 0, Member: 0, Loss: 0.5},
		{Epoch: 0, Member: 1, Loss: 0.6},
		{Epoch: 1, Member: 0, Loss: 0.3},
		{Epoch: 1, Member: 1, Loss: 0.4},
	}
	for i, w := range want {
		if losses[i] != w {
			t.Errorf("loss row %d = %+v, want %+v", i, losses[i], w)
		}
	}
}

func TestRecentRunsNewestFirst(t *testing.T) {
	s := openTestStore(t)

	var ids []string
	for i := 0; i < 3; i++ {
		run, err := s.StartRun("dynamics", i, 1, 1, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, run.ID)
	}

	runs, err := s.RecentRuns(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].ID != ids[2] || runs[1].ID != ids[1] {
		t.Errorf("runs not ordered newest first: %v then %v", runs[0].ID, runs[1].ID)
	}
}
