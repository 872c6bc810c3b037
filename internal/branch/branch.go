// Package branch is the Thought Branch Tracker of component 4.8: segments
// the observation stream into coherent work units, infers the current arc
// stage from the accumulated tool histogram, assigns a type/title once
// enough signal has accumulated, and auto-abandons branches gone stale.
package branch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/corvid-labs/memengine/internal/apperr"
	"github.com/corvid-labs/memengine/internal/ids"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/storage"
)

// titleAssignmentThreshold is the observation count at which a branch first
// becomes eligible for LLM type/title assignment.
const titleAssignmentThreshold = 3

// staleAfter is the idle duration after which an active branch is
// automatically abandoned.
const staleAfter = 24 * time.Hour

// TypeTitleAdapter assigns a branch type and human-readable title from its
// accumulated observation content. Optional: when nil, branches stay
// titled by their first observation's content.
type TypeTitleAdapter interface {
	AssignTypeTitle(ctx context.Context, observationContents []string) (model.BranchType, string, error)
}

var arcStageByTool = map[string]model.ArcStage{
	"Read": model.ArcInvestigation, "Glob": model.ArcInvestigation, "Grep": model.ArcInvestigation,
	"WebFetch": model.ArcInvestigation, "WebSearch": model.ArcInvestigation,
	"TodoWrite": model.ArcPlanning,
	"Bash":      model.ArcDiagnosis,
	"Edit":      model.ArcExecution, "Write": model.ArcExecution,
}

type Tracker struct {
	db          *storage.DB
	projectHash string
	adapter     TypeTitleAdapter
}

func New(db *storage.DB, projectHash string, adapter TypeTitleAdapter) *Tracker {
	return &Tracker{db: db, projectHash: projectHash, adapter: adapter}
}

// activeBranch returns the session's current active branch, or nil.
func (t *Tracker) activeBranch(sessionID string) (*model.ThoughtBranch, error) {
	row := t.db.Raw().QueryRow(`
		SELECT id, project_hash, session_id, state, type, title, summary, arc_stage, histogram_json, created_at, updated_at
		FROM thought_branches WHERE session_id = ? AND state = 'active' ORDER BY created_at DESC LIMIT 1`, sessionID)
	return scanBranch(row)
}

// Active returns the session's current active branch, or (nil, nil) if
// idle. Exported for branch_summary, which reports on the in-progress
// branch without appending to it.
func (t *Tracker) Active(sessionID string) (*model.ThoughtBranch, error) {
	b, err := t.activeBranch(sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func scanBranch(row interface{ Scan(...any) error }) (*model.ThoughtBranch, error) {
	var b model.ThoughtBranch
	var histJSON, createdAt, updatedAt string
	if err := row.Scan(&b.ID, &b.ProjectHash, &b.SessionID, &b.State, &b.Type, &b.Title, &b.Summary,
		&b.ArcStage, &histJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	json.Unmarshal([]byte(histJSON), &b.ToolHistogram)
	if b.ToolHistogram == nil {
		b.ToolHistogram = map[string]int{}
	}
	return &b, nil
}

// Append records one observation's membership, creating a new branch if
// the session has none active — this is the boundary-detection entry
// point; callers (the enricher) decide when a topic shift or idle gap
// warrants starting a fresh branch by not reusing an old session id.
func (t *Tracker) Append(sessionID, observationID, toolName string, content string) (*model.ThoughtBranch, error) {
	b, err := t.activeBranch(sessionID)
	if err != nil {
		b = nil
	}
	if b == nil {
		b, err = t.createBranch(sessionID, content)
		if err != nil {
			return nil, err
		}
	}

	b.ToolHistogram[toolName]++
	b.ArcStage = inferArcStage(b.ToolHistogram)
	histJSON, _ := json.Marshal(b.ToolHistogram)
	now := time.Now().UTC()

	if _, err := t.db.Raw().Exec(`
		INSERT INTO branch_observations (branch_id, observation_id, tool_name, arc_stage, appended_at)
		VALUES (?, ?, ?, ?, ?)`, b.ID, observationID, toolName, string(b.ArcStage), now.Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("%w: append branch observation: %v", apperr.ErrIntegrity, err)
	}
	if _, err := t.db.Raw().Exec(`
		UPDATE thought_branches SET histogram_json = ?, arc_stage = ?, updated_at = ? WHERE id = ?`,
		string(histJSON), string(b.ArcStage), now.Format(time.RFC3339), b.ID); err != nil {
		return nil, fmt.Errorf("%w: update branch: %v", apperr.ErrIntegrity, err)
	}

	count, err := t.observationCount(b.ID)
	if err == nil && count >= titleAssignmentThreshold && b.Type == model.BranchUnknown && t.adapter != nil {
		t.assignTypeTitle(b.ID)
	}
	return b, nil
}

func (t *Tracker) createBranch(sessionID, firstContent string) (*model.ThoughtBranch, error) {
	now := time.Now().UTC()
	title := firstContent
	if len(title) > 80 {
		title = title[:80]
	}
	b := &model.ThoughtBranch{
		ID:            ids.New(),
		ProjectHash:   t.projectHash,
		SessionID:     sessionID,
		State:         model.BranchActive,
		Type:          model.BranchUnknown,
		Title:         "",
		ArcStage:      model.ArcInvestigation,
		ToolHistogram: map[string]int{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	histJSON, _ := json.Marshal(b.ToolHistogram)
	_, err := t.db.Raw().Exec(`
		INSERT INTO thought_branches (id, project_hash, session_id, state, type, title, summary, arc_stage, histogram_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?, ?, ?)`,
		b.ID, b.ProjectHash, b.SessionID, string(b.State), string(b.Type), title, string(b.ArcStage),
		string(histJSON), now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("%w: create branch: %v", apperr.ErrIntegrity, err)
	}
	return b, nil
}

func (t *Tracker) observationCount(branchID string) (int, error) {
	var n int
	err := t.db.Raw().QueryRow(`SELECT COUNT(*) FROM branch_observations WHERE branch_id = ?`, branchID).Scan(&n)
	return n, err
}

func inferArcStage(histogram map[string]int) model.ArcStage {
	best := model.ArcInvestigation
	bestCount := -1
	for tool, count := range histogram {
		stage, ok := arcStageByTool[tool]
		if !ok {
			continue
		}
		if count > bestCount {
			bestCount = count
			best = stage
		}
	}
	return best
}

func (t *Tracker) assignTypeTitle(branchID string) {
	rows, err := t.db.Raw().Query(`
		SELECT o.content FROM branch_observations bo
		JOIN observations o ON o.id = bo.observation_id
		WHERE bo.branch_id = ? ORDER BY bo.appended_at ASC`, branchID)
	if err != nil {
		return
	}
	defer rows.Close()
	var contents []string
	for rows.Next() {
		var c string
		if rows.Scan(&c) == nil {
			contents = append(contents, c)
		}
	}

	branchType, title, err := t.adapter.AssignTypeTitle(context.Background(), contents)
	if err != nil {
		return
	}
	t.db.Raw().Exec(`UPDATE thought_branches SET type = ?, title = ?, updated_at = ? WHERE id = ?`,
		string(branchType), title, time.Now().UTC().Format(time.RFC3339), branchID)
}

// AbandonStale marks every active branch untouched for longer than
// staleAfter as abandoned; run from the hook's Stop/SessionEnd path.
func (t *Tracker) AbandonStale() (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter).Format(time.RFC3339)
	res, err := t.db.Raw().Exec(`
		UPDATE thought_branches SET state = 'abandoned', updated_at = ?
		WHERE project_hash = ? AND state = 'active' AND updated_at < ?`,
		time.Now().UTC().Format(time.RFC3339), t.projectHash, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: abandon stale branches: %v", apperr.ErrIntegrity, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close explicitly ends a branch (merged or completed) on manual request.
func (t *Tracker) Close(branchID string, state model.BranchState) error {
	res, err := t.db.Raw().Exec(`UPDATE thought_branches SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UTC().Format(time.RFC3339), branchID)
	if err != nil {
		return fmt.Errorf("%w: close branch: %v", apperr.ErrIntegrity, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// Get returns one branch by id.
func (t *Tracker) Get(branchID string) (*model.ThoughtBranch, error) {
	row := t.db.Raw().QueryRow(`
		SELECT id, project_hash, session_id, state, type, title, summary, arc_stage, histogram_json, created_at, updated_at
		FROM thought_branches WHERE id = ?`, branchID)
	b, err := scanBranch(row)
	if err != nil {
		return nil, apperr.ErrNotFound
	}
	return b, nil
}

// List returns branches for the project, optionally filtered by state.
func (t *Tracker) List(state model.BranchState) ([]model.ThoughtBranch, error) {
	q := `SELECT id, project_hash, session_id, state, type, title, summary, arc_stage, histogram_json, created_at, updated_at
	      FROM thought_branches WHERE project_hash = ?`
	args := []any{t.projectHash}
	if state != "" {
		q += " AND state = ?"
		args = append(args, string(state))
	}
	q += " ORDER BY updated_at DESC"
	rows, err := t.db.Raw().Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list branches: %v", apperr.ErrIntegrity, err)
	}
	defer rows.Close()
	var out []model.ThoughtBranch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			continue
		}
		out = append(out, *b)
	}
	return out, nil
}
