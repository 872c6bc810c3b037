package debugpath

import (
	"context"
	"testing"

	"github.com/corvid-labs/memengine/internal/logging"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/storage"
)

type fakeSummaryAdapter struct{ calls int }

func (f *fakeSummaryAdapter) Summarize(ctx context.Context, waypoints []model.Waypoint) (*model.KISSSummary, error) {
	f.calls++
	return &model.KISSSummary{KISSSummary: "fixed it", RootCause: "off by one", WhatFixedIt: "added bound check"}, nil
}

func newTestTracker(t *testing.T, adapter SummaryAdapter) *Tracker {
	t.Helper()
	log := logging.Component(logging.New(), "test")
	db, err := storage.Open(storage.Config{DataDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, "proj-a", adapter)
}

func TestSlidingWindowTriggersActivePath(t *testing.T) {
	tr := newTestTracker(t, nil)
	sess := "sess-1"

	p, err := tr.RecordEvent(sess, model.WaypointError, "first error")
	if err != nil || p != nil {
		t.Fatalf("expected no path yet after one error: p=%v err=%v", p, err)
	}
	p, err = tr.RecordEvent(sess, model.WaypointError, "second error")
	if err != nil || p != nil {
		t.Fatalf("expected no path yet after two errors: p=%v err=%v", p, err)
	}
	p, err = tr.RecordEvent(sess, model.WaypointError, "third error")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if p == nil {
		t.Fatalf("expected active path after three errors in window")
	}
	if p.State != model.DebugActive {
		t.Fatalf("expected active state, got %s", p.State)
	}
}

func TestResolutionAfterConsecutiveSuccesses(t *testing.T) {
	adapter := &fakeSummaryAdapter{}
	tr := newTestTracker(t, adapter)
	sess := "sess-1"

	tr.RecordEvent(sess, model.WaypointError, "e1")
	tr.RecordEvent(sess, model.WaypointError, "e2")
	p, _ := tr.RecordEvent(sess, model.WaypointError, "e3")
	if p == nil {
		t.Fatalf("expected active path")
	}

	tr.RecordEvent(sess, model.WaypointSuccess, "s1")
	tr.RecordEvent(sess, model.WaypointSuccess, "s2")
	tr.RecordEvent(sess, model.WaypointSuccess, "s3")

	got, err := tr.Show(p.ID)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if got.State != model.DebugResolved {
		t.Fatalf("expected resolved state after three consecutive successes, got %s", got.State)
	}
	if adapter.calls != 1 {
		t.Fatalf("expected summarizer called once, got %d", adapter.calls)
	}
	if got.Summary == nil || got.Summary.RootCause != "off by one" {
		t.Fatalf("expected KISS summary persisted, got %+v", got.Summary)
	}
}

func TestWaypointCapStopsRecording(t *testing.T) {
	tr := newTestTracker(t, nil)
	sess := "sess-1"
	tr.RecordEvent(sess, model.WaypointError, "e1")
	tr.RecordEvent(sess, model.WaypointError, "e2")
	p, _ := tr.RecordEvent(sess, model.WaypointError, "e3")

	for i := 0; i < model.MaxWaypoints+10; i++ {
		tr.RecordEvent(sess, model.WaypointAttempt, "attempt")
	}

	waypoints, err := tr.Waypoints(p.ID)
	if err != nil {
		t.Fatalf("waypoints: %v", err)
	}
	if len(waypoints) > model.MaxWaypoints {
		t.Fatalf("expected waypoint count capped at %d, got %d", model.MaxWaypoints, len(waypoints))
	}
}

func TestManualResolveAndAbandon(t *testing.T) {
	tr := newTestTracker(t, nil)
	sess := "sess-1"
	tr.RecordEvent(sess, model.WaypointError, "e1")
	tr.RecordEvent(sess, model.WaypointError, "e2")
	p, _ := tr.RecordEvent(sess, model.WaypointError, "e3")

	if err := tr.ManualResolve(p.ID, "fixed manually"); err != nil {
		t.Fatalf("manual resolve: %v", err)
	}
	got, _ := tr.Show(p.ID)
	if got.State != model.DebugResolved {
		t.Fatalf("expected resolved, got %s", got.State)
	}

	if err := tr.Abandon(p.ID); err == nil {
		t.Fatalf("expected abandon to fail on already-resolved path")
	}
}
