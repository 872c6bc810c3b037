package embedding

import (
	"testing"

	"github.com/corvid-labs/memengine/internal/logging"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/observation"
	"github.com/corvid-labs/memengine/internal/storage"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	log := logging.Component(logging.New(), "test")
	db, err := storage.Open(storage.Config{DataDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStoreAndSearchRanksBySimilarity(t *testing.T) {
	db := newTestDB(t)
	obsStore := observation.New(db, "proj-a")
	embStore := NewStore(db)

	a, err := obsStore.Create(observation.CreateInput{SessionID: "s", Content: "alpha", Source: "manual", Kind: model.KindFinding})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := obsStore.Create(observation.CreateInput{SessionID: "s", Content: "beta", Source: "manual", Kind: model.KindFinding})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	if err := embStore.Store(a.ID, "proj-a", "test-model", []float32{1, 0, 0}); err != nil {
		t.Fatalf("store a: %v", err)
	}
	if err := embStore.Store(b.ID, "proj-a", "test-model", []float32{0, 1, 0}); err != nil {
		t.Fatalf("store b: %v", err)
	}

	results, err := embStore.Search([]float32{1, 0, 0}, 1, "proj-a")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].ObservationID != a.ID {
		t.Fatalf("expected a to rank first, got %+v", results)
	}
}

func TestSearchScopedByProject(t *testing.T) {
	db := newTestDB(t)
	aStore := observation.New(db, "proj-a")
	bStore := observation.New(db, "proj-b")
	embStore := NewStore(db)

	a, _ := aStore.Create(observation.CreateInput{SessionID: "s", Content: "alpha", Source: "manual", Kind: model.KindFinding})
	b, _ := bStore.Create(observation.CreateInput{SessionID: "s", Content: "alpha too", Source: "manual", Kind: model.KindFinding})
	embStore.Store(a.ID, "proj-a", "test-model", []float32{1, 0})
	embStore.Store(b.ID, "proj-b", "test-model", []float32{1, 0})

	results, err := embStore.Search([]float32{1, 0}, 10, "proj-a")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.ObservationID == b.ID {
			t.Fatalf("search leaked result from another project")
		}
	}
}

func TestFindUnembedded(t *testing.T) {
	db := newTestDB(t)
	obsStore := observation.New(db, "proj-a")
	embStore := NewStore(db)

	o, _ := obsStore.Create(observation.CreateInput{SessionID: "s", Content: "needs embedding", Source: "manual", Kind: model.KindFinding})

	ids, err := embStore.FindUnembedded(10)
	if err != nil {
		t.Fatalf("find unembedded: %v", err)
	}
	found := false
	for _, id := range ids {
		if id == o.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unembedded observation in results")
	}

	embStore.Store(o.ID, "proj-a", "test-model", []float32{1})
	ids, err = embStore.FindUnembedded(10)
	if err != nil {
		t.Fatalf("find unembedded after store: %v", err)
	}
	for _, id := range ids {
		if id == o.ID {
			t.Fatalf("expected observation to drop out of unembedded list after store")
		}
	}
}
