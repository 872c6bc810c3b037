package topicshift

import (
	"testing"

	"github.com/corvid-labs/memengine/internal/logging"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/storage"
)

func newTestDetector(t *testing.T) (*Detector, string) {
	t.Helper()
	log := logging.Component(logging.New(), "test")
	db, err := storage.Open(storage.Config{DataDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sessionID := "sess-1"
	if _, err := db.Raw().Exec(`INSERT INTO sessions (id, project_hash) VALUES (?, ?)`, sessionID, "proj-a"); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return New(db, "proj-a", 1.5), sessionID
}

func TestEvaluateDetectsLargeDistanceShift(t *testing.T) {
	d, sessionID := newTestDetector(t)
	prev := []float32{1, 0, 0}
	next := []float32{0, 1, 0}
	dec, err := d.Evaluate(sessionID, prev, next, []model.ObservationSnapshot{{ID: "o1", Content: "new topic"}})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !dec.Shifted {
		t.Fatalf("expected orthogonal vectors to register a shift: %+v", dec)
	}
	if dec.StashID == "" {
		t.Fatalf("expected a stash to be created on shift")
	}
}

func TestEvaluateNoShiftForSimilarVectors(t *testing.T) {
	d, sessionID := newTestDetector(t)
	prev := []float32{1, 0, 0}
	next := []float32{0.99, 0.01, 0}
	dec, err := d.Evaluate(sessionID, prev, next, nil)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Shifted {
		t.Fatalf("expected near-identical vectors not to shift: %+v", dec)
	}
}

func TestAtMostOneStashPerCycle(t *testing.T) {
	d, sessionID := newTestDetector(t)
	d.ResetCycle()

	prev := []float32{1, 0, 0}
	next := []float32{0, 1, 0}
	dec1, err := d.Evaluate(sessionID, prev, next, []model.ObservationSnapshot{{ID: "o1"}})
	if err != nil {
		t.Fatalf("evaluate 1: %v", err)
	}
	if dec1.StashID == "" {
		t.Fatalf("expected first shift to stash")
	}

	dec2, err := d.Evaluate(sessionID, next, prev, []model.ObservationSnapshot{{ID: "o2"}})
	if err != nil {
		t.Fatalf("evaluate 2: %v", err)
	}
	if dec2.Shifted && dec2.StashID != "" {
		t.Fatalf("expected second shift in same cycle not to stash again")
	}
}

func TestThresholdClamped(t *testing.T) {
	if v := clamp(10, minThreshold, maxThreshold); v != maxThreshold {
		t.Fatalf("expected clamp to cap at %v, got %v", maxThreshold, v)
	}
	if v := clamp(-5, minThreshold, maxThreshold); v != minThreshold {
		t.Fatalf("expected clamp to floor at %v, got %v", minThreshold, v)
	}
}
