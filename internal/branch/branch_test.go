package branch

import (
	"context"
	"testing"

	"github.com/corvid-labs/memengine/internal/logging"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/storage"
)

type fakeAdapter struct {
	calls int
}

func (f *fakeAdapter) AssignTypeTitle(ctx context.Context, contents []string) (model.BranchType, string, error) {
	f.calls++
	return model.BranchBugFix, "fix the flaky test", nil
}

func newTestTracker(t *testing.T, adapter TypeTitleAdapter) (*Tracker, *storage.DB) {
	t.Helper()
	log := logging.Component(logging.New(), "test")
	db, err := storage.Open(storage.Config{DataDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, "proj-a", adapter), db
}

func seedObservation(t *testing.T, db *storage.DB, id, content string) {
	t.Helper()
	_, err := db.Raw().Exec(`INSERT INTO observations (id, project_hash, session_id, title, content, source, kind, normalized_hash)
		VALUES (?, 'proj-a', 's', '', ?, 'manual', 'finding', ?)`, id, content, id)
	if err != nil {
		t.Fatalf("seed observation: %v", err)
	}
}

func TestAppendCreatesBranchOnFirstObservation(t *testing.T) {
	tr, db := newTestTracker(t, nil)
	seedObservation(t, db, "o1", "start investigating")
	b, err := tr.Append("sess-1", "o1", "Read", "start investigating")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if b.State != model.BranchActive {
		t.Fatalf("expected active branch, got %s", b.State)
	}
}

func TestArcStageInfersFromHistogram(t *testing.T) {
	tr, db := newTestTracker(t, nil)
	seedObservation(t, db, "o1", "read file")
	seedObservation(t, db, "o2", "edit file")
	seedObservation(t, db, "o3", "edit again")

	tr.Append("sess-1", "o1", "Read", "read file")
	tr.Append("sess-1", "o2", "Edit", "edit file")
	b, err := tr.Append("sess-1", "o3", "Edit", "edit again")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if b.ArcStage != model.ArcExecution {
		t.Fatalf("expected execution arc stage given Edit-dominant histogram, got %s", b.ArcStage)
	}
}

func TestTypeTitleAssignedAfterThreshold(t *testing.T) {
	adapter := &fakeAdapter{}
	tr, db := newTestTracker(t, adapter)
	seedObservation(t, db, "o1", "one")
	seedObservation(t, db, "o2", "two")
	seedObservation(t, db, "o3", "three")

	tr.Append("sess-1", "o1", "Read", "one")
	tr.Append("sess-1", "o2", "Read", "two")
	b, err := tr.Append("sess-1", "o3", "Edit", "three")
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if adapter.calls != 1 {
		t.Fatalf("expected exactly one type/title assignment call, got %d", adapter.calls)
	}

	got, err := tr.Get(b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "fix the flaky test" {
		t.Fatalf("expected assigned title, got %q", got.Title)
	}
}
