package enrich

import (
	"context"
	"testing"

	"github.com/corvid-labs/memengine/internal/config"
	"github.com/corvid-labs/memengine/internal/logging"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/observation"
	"github.com/corvid-labs/memengine/internal/storage"
)

type fakeClassifier struct{}

func (fakeClassifier) Classify(ctx context.Context, obs model.Observation) (Result, error) {
	return Result{
		Classification: model.ClassProblem,
		WaypointType:   model.WaypointError,
		Entities: []ExtractedEntity{
			{Type: model.NodeFile, Name: "internal/store.go", Confidence: 0.97},
		},
	}, nil
}

func newTestEnricher(t *testing.T) (*Enricher, *storage.DB) {
	t.Helper()
	log := logging.Component(logging.New(), "test")
	db, err := storage.Open(storage.Config{DataDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	cfg := config.NewStore(t.TempDir())
	return New(db, fakeClassifier{}, cfg, log, nil, nil), db
}

func TestRunCycleClassifiesAndExtractsEntity(t *testing.T) {
	e, db := newTestEnricher(t)
	obsStore := observation.New(db, "proj-a")
	obs, err := obsStore.Create(observation.CreateInput{SessionID: "s", Content: "got an error in store.go", Source: "Edit", Kind: model.KindChange})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	report, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("expected 1 processed, got %d (errors: %v)", report.Processed, report.Errors)
	}

	got, err := obsStore.GetByID(obs.ID, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Classification != model.ClassProblem {
		t.Fatalf("expected problem classification, got %s", got.Classification)
	}

	var count int
	if err := db.Raw().QueryRow(`SELECT COUNT(*) FROM graph_nodes WHERE project_hash = 'proj-a'`).Scan(&count); err != nil {
		t.Fatalf("count nodes: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one extracted graph node, got %d", count)
	}
}

func TestHeuristicClassifyWithoutAdapter(t *testing.T) {
	log := logging.Component(logging.New(), "test")
	db, err := storage.Open(storage.Config{DataDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	cfg := config.NewStore(t.TempDir())
	e := New(db, nil, cfg, log, nil, nil)

	obsStore := observation.New(db, "proj-a")
	obs, _ := obsStore.Create(observation.CreateInput{SessionID: "s", Content: "we found a workaround", Source: "manual", Kind: model.KindFinding})

	report, err := e.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.Processed != 1 {
		t.Fatalf("expected 1 processed, got %d", report.Processed)
	}
	got, _ := obsStore.GetByID(obs.ID, false)
	if got.Classification != model.ClassDiscovery {
		t.Fatalf("expected discovery classification from heuristic, got %s", got.Classification)
	}
}
