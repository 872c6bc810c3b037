package observation

import (
	"testing"

	"github.com/corvid-labs/memengine/internal/logging"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/storage"
)

func newTestStore(t *testing.T, projectHash string) *Store {
	t.Helper()
	log := logging.Component(logging.New(), "test")
	db, err := storage.Open(storage.Config{DataDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, projectHash)
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t, "proj-a")
	obs, err := s.Create(CreateInput{SessionID: "sess-1", Title: "t", Content: "hello world", Source: "manual", Kind: model.KindFinding})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := s.GetByID(obs.ID, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "hello world" {
		t.Fatalf("content mismatch: %q", got.Content)
	}
	if got.Classification != model.ClassUnset {
		t.Fatalf("expected unset classification, got %q", got.Classification)
	}
}

func TestExactDuplicateRejected(t *testing.T) {
	s := newTestStore(t, "proj-a")
	in := CreateInput{SessionID: "sess-1", Title: "t", Content: "duplicate me", Source: "manual", Kind: model.KindFinding}
	if _, err := s.Create(in); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.Create(in); err == nil {
		t.Fatalf("expected duplicate rejection on second create")
	}
}

func TestProjectIsolation(t *testing.T) {
	db := newTestStore(t, "proj-a").db
	a := New(db, "proj-a")
	b := New(db, "proj-b")

	if _, err := a.Create(CreateInput{SessionID: "s", Content: "only in a", Source: "manual", Kind: model.KindFinding}); err != nil {
		t.Fatalf("create in a: %v", err)
	}

	results, err := b.List(ListOptions{})
	if err != nil {
		t.Fatalf("list b: %v", err)
	}
	for _, r := range results {
		if r.Content == "only in a" {
			t.Fatalf("project b saw project a's observation")
		}
	}
}

func TestSoftDeleteAndRestore(t *testing.T) {
	s := newTestStore(t, "proj-a")
	obs, err := s.Create(CreateInput{SessionID: "s", Content: "to delete", Source: "manual", Kind: model.KindFinding})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := s.SoftDelete(obs.ID)
	if err != nil || !ok {
		t.Fatalf("soft delete: ok=%v err=%v", ok, err)
	}
	if _, err := s.GetByID(obs.ID, false); err == nil {
		t.Fatalf("expected not found after soft delete")
	}

	ok, err = s.Restore(obs.ID)
	if err != nil || !ok {
		t.Fatalf("restore: ok=%v err=%v", ok, err)
	}
	list, err := s.List(ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, o := range list {
		if o.ID == obs.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("restored observation missing from default listing")
	}
}

func TestAdmissionHighSignalAlwaysAdmitted(t *testing.T) {
	d := Admit(AdmissionEvent{ToolName: "Write", Content: "anything at all"})
	if !d.Admit {
		t.Fatalf("expected Write to be admitted: %+v", d)
	}
}

func TestAdmissionResearchToolsBuffered(t *testing.T) {
	d := Admit(AdmissionEvent{ToolName: "Read", Content: "some file content"})
	if d.Admit || !d.ToResearch {
		t.Fatalf("expected Read to route to research buffer: %+v", d)
	}
}

func TestAdmissionBashNavigationRejected(t *testing.T) {
	d := Admit(AdmissionEvent{ToolName: "Bash", Content: "git status"})
	if d.Admit {
		t.Fatalf("expected navigation bash command rejected: %+v", d)
	}
}

func TestAdmissionBashMeaningfulAdmitted(t *testing.T) {
	d := Admit(AdmissionEvent{ToolName: "Bash", Content: "go test ./..."})
	if !d.Admit {
		t.Fatalf("expected meaningful bash command admitted: %+v", d)
	}
}
