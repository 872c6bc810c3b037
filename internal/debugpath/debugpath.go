// Package debugpath is the Debug-Path Tracker of component 4.9: detects a
// debugging episode from a burst of error/failure waypoints within a
// sliding window, tracks it through to resolution after consecutive
// successes, and produces a KISS-style resolution summary.
package debugpath

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corvid-labs/memengine/internal/apperr"
	"github.com/corvid-labs/memengine/internal/ids"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/storage"
)

const (
	slidingWindow          = 5 * time.Minute
	triggerThreshold       = 3
	resolutionStreak       = 3
)

// SummaryAdapter produces the KISS resolution summary once a path resolves.
// Optional: when nil, a resolved path is left with a nil Summary.
type SummaryAdapter interface {
	Summarize(ctx context.Context, waypoints []model.Waypoint) (*model.KISSSummary, error)
}

var errorLikeTypes = map[model.WaypointType]bool{
	model.WaypointError:   true,
	model.WaypointFailure: true,
}

type Tracker struct {
	db          *storage.DB
	projectHash string
	adapter     SummaryAdapter

	// recentErrors is a per-session in-memory sliding window used only to
	// decide when to transition idle -> active_debug. It does not survive a
	// process restart; a restarted process simply waits for a fresh burst
	// of errors rather than resuming mid-window, which is an acceptable
	// cold-start cost since an active_debug path, once created, is fully
	// recoverable from the database.
	recentErrors map[string][]time.Time
}

func New(db *storage.DB, projectHash string, adapter SummaryAdapter) *Tracker {
	return &Tracker{db: db, projectHash: projectHash, adapter: adapter, recentErrors: map[string][]time.Time{}}
}

// active returns the session's current active_debug path, or nil if idle.
func (t *Tracker) active(sessionID string) (*model.DebugPath, error) {
	row := t.db.Raw().QueryRow(`
		SELECT id, project_hash, session_id, state, trigger_summary, resolution_note, summary_json, consecutive_wins, created_at, updated_at
		FROM debug_paths WHERE session_id = ? AND state = 'active' ORDER BY created_at DESC LIMIT 1`, sessionID)
	return scanPath(row)
}

func scanPath(row interface{ Scan(...any) error }) (*model.DebugPath, error) {
	var p model.DebugPath
	var summaryJSON *string
	var createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.ProjectHash, &p.SessionID, &p.State, &p.Trigger, &p.ResolutionNote,
		&summaryJSON, &p.ConsecutiveWins, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if summaryJSON != nil {
		var s model.KISSSummary
		if json.Unmarshal([]byte(*summaryJSON), &s) == nil {
			p.Summary = &s
		}
	}
	return &p, nil
}

// RecordEvent folds one tool-use event into the sliding-window trigger
// check (when idle) or appends a waypoint (when a path is already active).
func (t *Tracker) RecordEvent(sessionID string, wpType model.WaypointType, summary string) (*model.DebugPath, error) {
	path, err := t.active(sessionID)
	if err != nil {
		path = nil
	}

	if path == nil {
		if !errorLikeTypes[wpType] {
			return nil, nil
		}
		now := time.Now().UTC()
		window := t.recentErrors[sessionID]
		cutoff := now.Add(-slidingWindow)
		kept := window[:0]
		for _, ts := range window {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		kept = append(kept, now)
		t.recentErrors[sessionID] = kept

		if len(kept) < triggerThreshold {
			return nil, nil
		}
		t.recentErrors[sessionID] = nil
		path, err = t.start(sessionID, summary)
		if err != nil {
			return nil, err
		}
	}

	return path, t.appendWaypoint(path, wpType, summary)
}

func (t *Tracker) start(sessionID, trigger string) (*model.DebugPath, error) {
	now := time.Now().UTC()
	p := &model.DebugPath{
		ID:          ids.New(),
		ProjectHash: t.projectHash,
		SessionID:   sessionID,
		State:       model.DebugActive,
		Trigger:     trigger,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := t.db.Raw().Exec(`
		INSERT INTO debug_paths (id, project_hash, session_id, state, trigger_summary, resolution_note, consecutive_wins, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', 0, ?, ?)`,
		p.ID, p.ProjectHash, p.SessionID, string(p.State), p.Trigger, now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("%w: start debug path: %v", apperr.ErrIntegrity, err)
	}
	return p, nil
}

func (t *Tracker) waypointCount(pathID string) (int, error) {
	var n int
	err := t.db.Raw().QueryRow(`SELECT COUNT(*) FROM path_waypoints WHERE debug_path_id = ?`, pathID).Scan(&n)
	return n, err
}

func (t *Tracker) appendWaypoint(path *model.DebugPath, wpType model.WaypointType, summary string) error {
	count, err := t.waypointCount(path.ID)
	if err != nil {
		return fmt.Errorf("%w: waypoint count: %v", apperr.ErrIntegrity, err)
	}
	if count >= model.MaxWaypoints {
		return nil // cap reached; further waypoints are dropped, not evicted
	}

	now := time.Now().UTC()
	if _, err := t.db.Raw().Exec(`
		INSERT INTO path_waypoints (id, debug_path_id, type, summary, created_at)
		VALUES (?, ?, ?, ?, ?)`, ids.New(), path.ID, string(wpType), summary, now.Format(time.RFC3339)); err != nil {
		return fmt.Errorf("%w: append waypoint: %v", apperr.ErrIntegrity, err)
	}

	wins := path.ConsecutiveWins
	if wpType == model.WaypointSuccess || wpType == model.WaypointResolution {
		wins++
	} else {
		wins = 0
	}
	if _, err := t.db.Raw().Exec(`UPDATE debug_paths SET consecutive_wins = ?, updated_at = ? WHERE id = ?`,
		wins, now.Format(time.RFC3339), path.ID); err != nil {
		return fmt.Errorf("%w: update consecutive wins: %v", apperr.ErrIntegrity, err)
	}

	if wins >= resolutionStreak {
		return t.resolve(path.ID)
	}
	return nil
}

func (t *Tracker) resolve(pathID string) error {
	waypoints, err := t.Waypoints(pathID)
	if err != nil {
		return err
	}

	var summaryJSON *string
	if t.adapter != nil {
		summary, err := t.adapter.Summarize(context.Background(), waypoints)
		if err == nil && summary != nil {
			b, _ := json.Marshal(summary)
			s := string(b)
			summaryJSON = &s
		}
	}

	_, err = t.db.Raw().Exec(`
		UPDATE debug_paths SET state = 'resolved', summary_json = ?, updated_at = ? WHERE id = ?`,
		summaryJSON, time.Now().UTC().Format(time.RFC3339), pathID)
	if err != nil {
		return fmt.Errorf("%w: resolve debug path: %v", apperr.ErrIntegrity, err)
	}
	return nil
}

// Start manually opens a debug path for path_start, bypassing the
// sliding-window burst trigger; returns the existing active path instead
// of opening a second one if the session already has one.
func (t *Tracker) Start(sessionID, trigger string) (*model.DebugPath, error) {
	if active, err := t.active(sessionID); err == nil && active != nil {
		return active, nil
	}
	return t.start(sessionID, trigger)
}

// Waypoints returns every recorded waypoint for a path, oldest first.
func (t *Tracker) Waypoints(pathID string) ([]model.Waypoint, error) {
	rows, err := t.db.Raw().Query(`
		SELECT id, debug_path_id, type, summary, created_at FROM path_waypoints
		WHERE debug_path_id = ? ORDER BY created_at ASC`, pathID)
	if err != nil {
		return nil, fmt.Errorf("%w: list waypoints: %v", apperr.ErrIntegrity, err)
	}
	defer rows.Close()
	var out []model.Waypoint
	for rows.Next() {
		var w model.Waypoint
		var createdAt string
		if err := rows.Scan(&w.ID, &w.DebugPathID, &w.Type, &w.Summary, &createdAt); err != nil {
			continue
		}
		w.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, w)
	}
	return out, nil
}

// ManualResolve lets an operator force resolution with a note, bypassing
// the consecutive-success requirement.
func (t *Tracker) ManualResolve(pathID, note string) error {
	res, err := t.db.Raw().Exec(`
		UPDATE debug_paths SET state = 'resolved', resolution_note = ?, updated_at = ?
		WHERE id = ? AND state = 'active'`, note, time.Now().UTC().Format(time.RFC3339), pathID)
	if err != nil {
		return fmt.Errorf("%w: manual resolve: %v", apperr.ErrIntegrity, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// Abandon closes out an active path without resolution.
func (t *Tracker) Abandon(pathID string) error {
	res, err := t.db.Raw().Exec(`
		UPDATE debug_paths SET state = 'abandoned', updated_at = ? WHERE id = ? AND state = 'active'`,
		time.Now().UTC().Format(time.RFC3339), pathID)
	if err != nil {
		return fmt.Errorf("%w: abandon debug path: %v", apperr.ErrIntegrity, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// Show returns one path by id, hydrated with its waypoints.
func (t *Tracker) Show(pathID string) (*model.DebugPath, error) {
	row := t.db.Raw().QueryRow(`
		SELECT id, project_hash, session_id, state, trigger_summary, resolution_note, summary_json, consecutive_wins, created_at, updated_at
		FROM debug_paths WHERE id = ?`, pathID)
	p, err := scanPath(row)
	if err != nil {
		return nil, apperr.ErrNotFound
	}
	p.Waypoints, err = t.Waypoints(pathID)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// List returns paths for the project, optionally filtered by state.
func (t *Tracker) List(state model.DebugPathState) ([]model.DebugPath, error) {
	q := `SELECT id, project_hash, session_id, state, trigger_summary, resolution_note, summary_json, consecutive_wins, created_at, updated_at
	      FROM debug_paths WHERE project_hash = ?`
	args := []any{t.projectHash}
	if state != "" {
		q += " AND state = ?"
		args = append(args, string(state))
	}
	q += " ORDER BY updated_at DESC"
	rows, err := t.db.Raw().Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list debug paths: %v", apperr.ErrIntegrity, err)
	}
	defer rows.Close()
	var out []model.DebugPath
	for rows.Next() {
		p, err := scanPath(rows)
		if err != nil {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

// ActiveOnRestart finds any path left active from a prior process
// lifetime, so the Context Injector can surface a restart banner.
func ActiveOnRestart(db *storage.DB, projectHash string) (*model.DebugPath, error) {
	row := db.Raw().QueryRow(`
		SELECT id, project_hash, session_id, state, trigger_summary, resolution_note, summary_json, consecutive_wins, created_at, updated_at
		FROM debug_paths WHERE project_hash = ? AND state = 'active' ORDER BY updated_at DESC LIMIT 1`, projectHash)
	p, err := scanPath(row)
	if err != nil {
		return nil, nil
	}
	return p, nil
}
