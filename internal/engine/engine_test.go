package engine

import (
	"context"
	"testing"
	"time"

	"github.com/corvid-labs/memengine/internal/config"
	"github.com/corvid-labs/memengine/internal/embedding"
	"github.com/corvid-labs/memengine/internal/enrich"
	"github.com/corvid-labs/memengine/internal/logging"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/observation"
	"github.com/corvid-labs/memengine/internal/storage"
)

const testProject = "proj-engine"

type fakeClassifier struct{}

func (fakeClassifier) Classify(ctx context.Context, obs model.Observation) (enrich.Result, error) {
	return enrich.Result{
		Classification: model.ClassProblem,
		WaypointType:   model.WaypointError,
		Entities: []enrich.ExtractedEntity{
			{Type: model.NodeFile, Name: "internal/routing.go", Confidence: 0.95},
		},
	}, nil
}

// fakeAdapter returns a deterministic unit vector, varied slightly by
// content length so distinct observations don't collide as near-duplicates.
type fakeAdapter struct{}

func (fakeAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	v := make([]float32, 8)
	v[0] = 1
	v[1] = float32(len(text)) / 1000
	return v, nil
}
func (fakeAdapter) Dimensions() int    { return 8 }
func (fakeAdapter) EngineName() string { return "fake" }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	log := logging.New()
	db, err := storage.Open(storage.Config{DataDir: t.TempDir()}, logging.Component(log, "test"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.NewStore(t.TempDir())

	handle, err := embedding.Start(fakeAdapter{}, logging.Component(log, "embedding"))
	if err != nil {
		t.Fatalf("start embedding worker: %v", err)
	}
	t.Cleanup(handle.Shutdown)

	return New(db, log, cfg, handle, Deps{Classifier: fakeClassifier{}})
}

// TestWriteClassifyEmbedGraphFlow exercises a Write tool's admitted
// observation through the full pipeline: classification assigns a
// finding's category, the periodic embedding tick populates its vector,
// and the extracted entity lands as a graph node.
func TestWriteClassifyEmbedGraphFlow(t *testing.T) {
	eng := newTestEngine(t)

	if !waitReady(t, eng.Embedding) {
		t.Fatalf("embedding worker never became ready")
	}

	store := eng.ObservationStore(testProject)
	eng.PrepareSave(testProject, "fixed a routing bug in internal/routing.go")
	obs, err := store.Create(observation.CreateInput{
		SessionID: "s1",
		Title:     "fixed routing bug",
		Content:   "fixed a routing bug in internal/routing.go",
		Source:    "hook:Write",
		Kind:      model.KindChange,
	})
	if err != nil {
		t.Fatalf("create observation: %v", err)
	}

	if err := eng.classifyTick(context.Background()); err != nil {
		t.Fatalf("classify tick: %v", err)
	}
	got, err := store.GetByID(obs.ID, false)
	if err != nil {
		t.Fatalf("get observation: %v", err)
	}
	if got.Classification != model.ClassProblem {
		t.Fatalf("expected classification to be set, got %q", got.Classification)
	}

	if err := eng.embeddingTick(context.Background()); err != nil {
		t.Fatalf("embedding tick: %v", err)
	}
	unembedded, err := eng.EmbStore.FindUnembedded(10)
	if err != nil {
		t.Fatalf("find unembedded: %v", err)
	}
	for _, id := range unembedded {
		if id == obs.ID {
			t.Fatalf("observation %s should have been embedded", obs.ID)
		}
	}

	g := eng.Graph(testProject)
	nodes, err := g.SearchNodes("routing.go", model.NodeFile, 10)
	if err != nil {
		t.Fatalf("search nodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected one extracted graph node, got %d", len(nodes))
	}
}

func TestStartAndShutdownRunsTickersAndStopsCleanly(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng.Start(ctx)

	done := make(chan struct{})
	go func() {
		eng.Shutdown(2 * time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("shutdown did not return within its grace window")
	}
}

func waitReady(t *testing.T, h *embedding.Handle) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Ready() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return h.Ready()
}
