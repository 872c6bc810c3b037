package routing

import (
	"testing"

	"github.com/corvid-labs/memengine/internal/logging"
	"github.com/corvid-labs/memengine/internal/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	log := logging.Component(logging.New(), "test")
	db, err := storage.Open(storage.Config{DataDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, "proj-a")
}

func TestNoSuggestionDuringGracePeriod(t *testing.T) {
	e := newTestEngine(t)
	sess := "sess-1"
	for i := 0; i < graceCalls-1; i++ {
		e.RecordToolCall(sess, "Read")
	}
	s, err := e.Suggest(sess, "Read", "saw a panic in logs")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if s != nil {
		t.Fatalf("expected no suggestion during grace period, got %+v", s)
	}
}

func TestProactiveRuleFiresAfterGrace(t *testing.T) {
	e := newTestEngine(t)
	sess := "sess-1"
	for i := 0; i < graceCalls; i++ {
		e.RecordToolCall(sess, "Read")
	}
	s, err := e.Suggest(sess, "Bash", "got a panic: nil pointer")
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if s == nil || s.Tool != "recall" {
		t.Fatalf("expected recall suggestion for panic content, got %+v", s)
	}
}

func TestSuggestionCapPerSession(t *testing.T) {
	e := newTestEngine(t)
	sess := "sess-1"
	for i := 0; i < graceCalls; i++ {
		e.RecordToolCall(sess, "Read")
	}
	s1, _ := e.Suggest(sess, "Bash", "panic here")
	if s1 == nil {
		t.Fatalf("expected first suggestion")
	}
	for i := 0; i < cooldownCalls; i++ {
		e.RecordToolCall(sess, "Read")
	}
	s2, _ := e.Suggest(sess, "Bash", "panic again")
	if s2 == nil {
		t.Fatalf("expected second suggestion within cap")
	}
	for i := 0; i < cooldownCalls; i++ {
		e.RecordToolCall(sess, "Read")
	}
	s3, _ := e.Suggest(sess, "Bash", "panic a third time")
	if s3 != nil {
		t.Fatalf("expected no third suggestion beyond the per-session cap, got %+v", s3)
	}
}

func TestCooldownBlocksImmediateResuggest(t *testing.T) {
	e := newTestEngine(t)
	sess := "sess-1"
	for i := 0; i < graceCalls; i++ {
		e.RecordToolCall(sess, "Read")
	}
	s1, _ := e.Suggest(sess, "Bash", "panic here")
	if s1 == nil {
		t.Fatalf("expected first suggestion")
	}
	s2, _ := e.Suggest(sess, "Bash", "panic again immediately")
	if s2 != nil {
		t.Fatalf("expected cooldown to block an immediate second suggestion, got %+v", s2)
	}
}
