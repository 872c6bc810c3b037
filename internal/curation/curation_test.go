package curation

import (
	"testing"
	"time"

	"github.com/corvid-labs/memengine/internal/graph"
	"github.com/corvid-labs/memengine/internal/logging"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/observation"
	"github.com/corvid-labs/memengine/internal/storage"
)

func newTestAgent(t *testing.T) (*Agent, *storage.DB) {
	t.Helper()
	log := logging.Component(logging.New(), "test")
	db, err := storage.Open(storage.Config{DataDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, "proj-a", log), db
}

func TestRunCycleRunsAllSixStepsIndependently(t *testing.T) {
	a, _ := newTestAgent(t)
	report := a.RunCycle()
	if len(report.Steps) != 6 {
		t.Fatalf("expected 6 steps, got %d", len(report.Steps))
	}
	for _, s := range report.Steps {
		if s.Err != nil {
			t.Fatalf("step %s failed on empty database: %v", s.Name, s.Err)
		}
	}
}

func TestClusterMergeMergesDuplicateFileNodes(t *testing.T) {
	a, db := newTestAgent(t)
	g := graph.New(db, "proj-a", logging.Component(logging.New(), "test"))
	g.UpsertNode(model.NodeFile, "auth/config.go", 0.9, "o1", nil)
	g.UpsertNode(model.NodeFile, "authentication/cfg.go", 0.9, "o2", nil)

	report := a.RunCycle()
	var clusterStep StepResult
	for _, s := range report.Steps {
		if s.Name == "cluster_merge" {
			clusterStep = s
		}
	}
	if clusterStep.Err != nil {
		t.Fatalf("cluster merge failed: %v", clusterStep.Err)
	}
	if clusterStep.Count == 0 {
		t.Fatalf("expected at least one merge")
	}
}

func TestLowValuePruningRemovesOldNoise(t *testing.T) {
	a, db := newTestAgent(t)
	obsStore := observation.New(db, "proj-a")
	obs, err := obsStore.CreateClassified(observation.CreateInput{SessionID: "s", Content: "irrelevant chatter", Source: "manual", Kind: model.KindFinding}, model.ClassNoise)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	old := time.Now().UTC().Add(-30 * 24 * time.Hour).Format(time.RFC3339)
	if _, err := db.Raw().Exec(`UPDATE observations SET created_at = ? WHERE id = ?`, old, obs.ID); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	report := a.RunCycle()
	var pruneStep StepResult
	for _, s := range report.Steps {
		if s.Name == "low_value_pruning" {
			pruneStep = s
		}
	}
	if pruneStep.Err != nil {
		t.Fatalf("pruning failed: %v", pruneStep.Err)
	}
	if pruneStep.Count == 0 {
		t.Fatalf("expected old noise observation pruned")
	}

	if _, err := obsStore.GetByID(obs.ID, false); err == nil {
		t.Fatalf("expected pruned observation to be soft-deleted")
	}
}
