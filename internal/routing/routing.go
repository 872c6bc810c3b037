// Package routing is the Routing/Suggestion Engine of component 4.13:
// proactive rules first, then learned N-gram tool-sequence patterns, then a
// keyword fallback, all governed by a per-session rate limit.
package routing

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/corvid-labs/memengine/internal/ids"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/storage"
)

const (
	maxSuggestionsPerSession = 2
	cooldownCalls            = 5
	graceCalls               = 3
	minPatternFrequency      = 2
	ngramSize                = 2
)

type Engine struct {
	db          *storage.DB
	projectHash string
}

func New(db *storage.DB, projectHash string) *Engine {
	return &Engine{db: db, projectHash: projectHash}
}

// Suggestion is a proactively surfaced tool recommendation.
type Suggestion struct {
	Tool   string
	Reason string
}

func (e *Engine) loadState(sessionID string) (model.RoutingState, error) {
	state := model.RoutingState{SessionID: sessionID, LastSuggestedAtIdx: -1000}
	row := e.db.Raw().QueryRow(`
		SELECT suggestions_emitted, last_suggested_idx, tool_call_count FROM routing_state WHERE session_id = ?`, sessionID)
	if err := row.Scan(&state.SuggestionsEmitted, &state.LastSuggestedAtIdx, &state.ToolCallCount); err != nil {
		return state, nil // absent row means a fresh session
	}
	return state, nil
}

func (e *Engine) saveState(state model.RoutingState) error {
	_, err := e.db.Raw().Exec(`
		INSERT INTO routing_state (session_id, suggestions_emitted, last_suggested_idx, tool_call_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET suggestions_emitted = excluded.suggestions_emitted,
			last_suggested_idx = excluded.last_suggested_idx, tool_call_count = excluded.tool_call_count`,
		state.SessionID, state.SuggestionsEmitted, state.LastSuggestedAtIdx, state.ToolCallCount)
	return err
}

// RecordToolCall logs the call, advances the session's call counter, and
// learns the N-gram pattern ending in this tool from the preceding window.
func (e *Engine) RecordToolCall(sessionID, toolName string) error {
	if _, err := e.db.Raw().Exec(`
		INSERT INTO tool_usage_events (id, project_hash, session_id, tool_name, created_at)
		VALUES (?, ?, ?, ?, ?)`, ids.New(), e.projectHash, sessionID, toolName, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	state, err := e.loadState(sessionID)
	if err != nil {
		return err
	}
	state.ToolCallCount++
	if err := e.saveState(state); err != nil {
		return err
	}

	preceding, err := e.recentTools(sessionID, ngramSize+1)
	if err != nil || len(preceding) <= ngramSize {
		return nil
	}
	window := preceding[len(preceding)-ngramSize-1 : len(preceding)-1]
	e.learnPattern(window, toolName)
	return nil
}

func (e *Engine) recentTools(sessionID string, limit int) ([]string, error) {
	rows, err := e.db.Raw().Query(`
		SELECT tool_name FROM tool_usage_events WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if rows.Scan(&t) == nil {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (e *Engine) learnPattern(preceding []string, target string) {
	key, _ := json.Marshal(preceding)
	e.db.Raw().Exec(`
		INSERT INTO routing_patterns (project_hash, preceding_json, target_tool, frequency)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(project_hash, preceding_json, target_tool) DO UPDATE SET frequency = frequency + 1`,
		e.projectHash, string(key), target)
}

// proactiveRules are hardcoded, content-driven recommendations that fire
// ahead of any learned pattern.
func proactiveRules(lastToolName, lastContent string) *Suggestion {
	lower := strings.ToLower(lastContent)
	switch {
	case lastToolName == "Edit" && strings.Contains(lower, "todo"):
		return &Suggestion{Tool: "save_memory", Reason: "edit left a TODO worth recording"}
	case strings.Contains(lower, "traceback") || strings.Contains(lower, "panic"):
		return &Suggestion{Tool: "recall", Reason: "similar errors may already be recorded"}
	}
	return nil
}

var keywordFallback = map[string]string{
	"architecture": "query_graph",
	"decision":     "recall",
	"why":          "recall",
	"documentation": "ingest_knowledge",
}

func keywordRule(lastContent string) *Suggestion {
	lower := strings.ToLower(lastContent)
	for kw, tool := range keywordFallback {
		if strings.Contains(lower, kw) {
			return &Suggestion{Tool: tool, Reason: "keyword match: " + kw}
		}
	}
	return nil
}

// Suggest returns at most one suggestion per call, honoring the grace
// period, per-session cap, and cooldown window.
func (e *Engine) Suggest(sessionID, lastToolName, lastContent string) (*Suggestion, error) {
	state, err := e.loadState(sessionID)
	if err != nil {
		return nil, err
	}
	if state.ToolCallCount < graceCalls {
		return nil, nil
	}
	if state.SuggestionsEmitted >= maxSuggestionsPerSession {
		return nil, nil
	}
	if state.ToolCallCount-state.LastSuggestedAtIdx < cooldownCalls {
		return nil, nil
	}

	suggestion := proactiveRules(lastToolName, lastContent)
	if suggestion == nil {
		suggestion = e.learnedPatternSuggestion(sessionID)
	}
	if suggestion == nil {
		suggestion = keywordRule(lastContent)
	}
	if suggestion == nil {
		return nil, nil
	}

	state.SuggestionsEmitted++
	state.LastSuggestedAtIdx = state.ToolCallCount
	if err := e.saveState(state); err != nil {
		return nil, err
	}
	return suggestion, nil
}

func (e *Engine) learnedPatternSuggestion(sessionID string) *Suggestion {
	preceding, err := e.recentTools(sessionID, ngramSize)
	if err != nil || len(preceding) < ngramSize {
		return nil
	}
	key, _ := json.Marshal(preceding)
	var target string
	var freq int
	row := e.db.Raw().QueryRow(`
		SELECT target_tool, frequency FROM routing_patterns
		WHERE project_hash = ? AND preceding_json = ? ORDER BY frequency DESC LIMIT 1`, e.projectHash, string(key))
	if err := row.Scan(&target, &freq); err != nil {
		return nil
	}
	if freq < minPatternFrequency {
		return nil
	}
	return &Suggestion{Tool: target, Reason: "learned pattern from prior sessions"}
}
