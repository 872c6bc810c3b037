package search

import (
	"testing"

	"github.com/corvid-labs/memengine/internal/embedding"
	"github.com/corvid-labs/memengine/internal/logging"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/observation"
	"github.com/corvid-labs/memengine/internal/storage"
)

func newTestEngine(t *testing.T) (*Engine, *observation.Store, *embedding.Store) {
	t.Helper()
	log := logging.Component(logging.New(), "test")
	db, err := storage.Open(storage.Config{DataDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	obsStore := observation.New(db, "proj-a")
	embStore := embedding.NewStore(db)
	return New(db, embStore), obsStore, embStore
}

func TestKeywordSearchFindsMatch(t *testing.T) {
	engine, obsStore, _ := newTestEngine(t)
	obs, err := obsStore.Create(observation.CreateInput{SessionID: "s", Content: "the quick brown fox", Source: "manual", Kind: model.KindFinding})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	hits, err := engine.Keyword("fox", 10, "proj-a", nil)
	if err != nil {
		t.Fatalf("keyword: %v", err)
	}
	found := false
	for _, h := range hits {
		if h.Observation.ID == obs.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected keyword search to find observation, got %+v", hits)
	}
}

func TestKeywordSearchRespectsCrossProjectAllowList(t *testing.T) {
	log := logging.Component(logging.New(), "test")
	db, err := storage.Open(storage.Config{DataDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	embStore := embedding.NewStore(db)
	engine := New(db, embStore)

	other := observation.New(db, "proj-b")
	obs, _ := other.Create(observation.CreateInput{SessionID: "s", Content: "shared knowledge about widgets", Source: "manual", Kind: model.KindFinding})

	hits, err := engine.Keyword("widgets", 10, "proj-a", nil)
	if err != nil {
		t.Fatalf("keyword: %v", err)
	}
	for _, h := range hits {
		if h.Observation.ID == obs.ID {
			t.Fatalf("expected proj-b observation excluded without allow-list")
		}
	}

	hits, err = engine.Keyword("widgets", 10, "proj-a", []string{"proj-b"})
	if err != nil {
		t.Fatalf("keyword with allow-list: %v", err)
	}
	found := false
	for _, h := range hits {
		if h.Observation.ID == obs.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected proj-b observation included once allow-listed")
	}
}

func TestHybridFusesBothRankings(t *testing.T) {
	engine, obsStore, embStore := newTestEngine(t)
	obs, _ := obsStore.Create(observation.CreateInput{SessionID: "s", Content: "vector database tuning notes", Source: "manual", Kind: model.KindFinding})
	embStore.Store(obs.ID, "proj-a", "test-model", []float32{1, 0, 0})

	hits, err := engine.Hybrid("tuning", []float32{1, 0, 0}, 5, "proj-a", nil)
	if err != nil {
		t.Fatalf("hybrid: %v", err)
	}
	if len(hits) == 0 {
		t.Fatalf("expected at least one fused hit")
	}
}

func TestRenderTruncatesWithFooter(t *testing.T) {
	hits := []Hit{
		{Observation: model.Observation{Kind: model.KindFinding, Content: "one"}},
		{Observation: model.Observation{Kind: model.KindFinding, Content: "two"}},
	}
	out := Render(hits, 10)
	if out == "" {
		t.Fatalf("expected non-empty output")
	}
}
