// Package hook dispatches the coding assistant's hook events into the
// engine: SessionStart and PreToolUse synchronously inject context onto
// stdout, the others (PostToolUse, PostToolUseFailure, Stop, SessionEnd)
// admit, classify, and route a completed tool call without ever writing to
// stdout. Every path exits 0; a hook that fails the host process breaks the
// assistant's turn, so failures are logged and swallowed instead.
package hook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/corvid-labs/memengine/internal/apperr"
	"github.com/corvid-labs/memengine/internal/config"
	"github.com/corvid-labs/memengine/internal/engine"
	"github.com/corvid-labs/memengine/internal/inject"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/observation"
	"github.com/corvid-labs/memengine/internal/search"
)

// Event is the subset of the hook payload this dispatcher reads. Unknown
// fields in the source JSON are ignored.
type Event struct {
	HookEventName string `json:"hook_event_name"`
	SessionID     string `json:"session_id"`
	Cwd           string `json:"cwd"`
	ToolName      string `json:"tool_name"`
	ToolInput     string `json:"tool_input"`
	ToolResponse  string `json:"tool_response"`
}

// rawEvent mirrors the wire shape before tool_input/tool_response are
// flattened to strings; the host sends either a JSON string or a nested
// object for these two fields depending on the tool.
type rawEvent struct {
	HookEventName string          `json:"hook_event_name"`
	SessionID     string          `json:"session_id"`
	Cwd           string          `json:"cwd"`
	ToolName      string          `json:"tool_name"`
	ToolInput     json.RawMessage `json:"tool_input"`
	ToolResponse  json.RawMessage `json:"tool_response"`
}

func flatten(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// Decode reads one hook event from r.
func Decode(r io.Reader) (Event, error) {
	var raw rawEvent
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Event{}, fmt.Errorf("hook: decode event: %w", err)
	}
	return Event{
		HookEventName: raw.HookEventName,
		SessionID:     raw.SessionID,
		Cwd:           raw.Cwd,
		ToolName:      raw.ToolName,
		ToolInput:     flatten(raw.ToolInput),
		ToolResponse:  flatten(raw.ToolResponse),
	}, nil
}

// ownToolPrefix marks tool calls memengine's own MCP surface made, which
// the Admission Filter must never re-ingest as an observation of itself.
const ownToolPrefix = "mcp__memengine__"

// Dispatch runs one event against eng, returning stdout content for the
// two events that inject context (SessionStart, PreToolUse) and an empty
// string otherwise. It never returns an error that should reach the host
// process; every internal failure is logged on log and swallowed, since a
// failing hook must not break the assistant's turn.
func Dispatch(eng *engine.Engine, projectHash string, ev Event, log *logrus.Entry) string {
	switch ev.HookEventName {
	case "SessionStart":
		return sessionStart(eng, projectHash, log)
	case "PreToolUse":
		return preToolUse(eng, projectHash, ev, log)
	case "PostToolUse":
		admitObservation(eng, projectHash, ev, log)
		return ""
	case "PostToolUseFailure":
		admitFailure(eng, projectHash, ev, log)
		return ""
	case "Stop", "SessionEnd":
		endSession(eng, projectHash, ev, log)
		return ""
	default:
		log.WithField("event", ev.HookEventName).Debug("unhandled hook event")
		return ""
	}
}

func sessionStart(eng *engine.Engine, projectHash string, log *logrus.Entry) string {
	allow, err := eng.Config.CrossAccess(projectHash)
	if err != nil {
		log.WithError(err).Warn("session start: load cross-access config")
	}
	digest, err := eng.Injector(projectHash).SessionStart(allow.AllowedProjectHashes)
	if err != nil {
		log.WithError(err).Warn("session start: assemble digest")
		return ""
	}
	return digest
}

func preToolUse(eng *engine.Engine, projectHash string, ev Event, log *logrus.Entry) string {
	if strings.HasPrefix(ev.ToolName, ownToolPrefix) {
		return ""
	}
	query := inject.PreToolQuery(ev.ToolInput)

	var body string
	if strings.TrimSpace(query) != "" {
		var vec []float32
		if eng.Embedding != nil && eng.Embedding.Ready() {
			vec = eng.Embedding.Embed(query)
		}
		allow, _ := eng.Config.CrossAccess(projectHash)
		if hits, err := eng.Search.Hybrid(query, vec, 5, projectHash, allow.AllowedProjectHashes); err == nil {
			body = search.Render(hits, 2000)
		}
	}

	if sugg, err := eng.Router(projectHash).Suggest(ev.SessionID, ev.ToolName, ev.ToolInput); err == nil && sugg != nil {
		line := fmt.Sprintf("Suggestion: try %s — %s", sugg.Tool, sugg.Reason)
		if body == "" {
			return line
		}
		return body + "\n\n" + line
	}
	return body
}

func admitObservation(eng *engine.Engine, projectHash string, ev Event, log *logrus.Entry) {
	if err := eng.Router(projectHash).RecordToolCall(ev.SessionID, ev.ToolName); err != nil {
		log.WithError(err).Debug("record tool call")
	}

	decision := observation.Admit(observation.AdmissionEvent{
		ToolName:  ev.ToolName,
		Content:   ev.ToolResponse,
		IsOwnTool: strings.HasPrefix(ev.ToolName, ownToolPrefix),
	})
	if !decision.Admit {
		return
	}

	content := ev.ToolResponse
	if uc, err := config.LoadUserConfig(); err == nil {
		content = observation.StripPrivateTags(content, uc.PrivacyRegexes)
	}

	eng.PrepareSave(projectHash, content)
	store := eng.ObservationStore(projectHash)
	obs, err := store.Create(observation.CreateInput{
		SessionID: ev.SessionID,
		Title:     firstLine(content),
		Content:   content,
		Source:    "hook:" + ev.ToolName,
		Kind:      decision.Kind,
	})
	if err != nil {
		if !isDuplicate(err) {
			log.WithError(err).Warn("admit observation")
		}
		return
	}

	if _, err := eng.Branch(projectHash).Append(ev.SessionID, obs.ID, ev.ToolName, content); err != nil {
		log.WithError(err).Debug("append branch")
	}
}

func admitFailure(eng *engine.Engine, projectHash string, ev Event, log *logrus.Entry) {
	content := ev.ToolResponse
	if strings.TrimSpace(content) == "" {
		content = ev.ToolInput
	}
	if _, err := eng.DebugPath(projectHash).RecordEvent(ev.SessionID, model.WaypointError, firstLine(content)); err != nil {
		log.WithError(err).Debug("record debug waypoint")
	}
}

func endSession(eng *engine.Engine, projectHash string, ev Event, log *logrus.Entry) {
	if err := eng.TopicShift(projectHash).FinalizeSession(ev.SessionID); err != nil {
		log.WithError(err).Debug("finalize topic threshold")
	}
	if _, err := eng.Branch(projectHash).AbandonStale(); err != nil {
		log.WithError(err).Debug("abandon stale branches")
	}
}

func isDuplicate(err error) bool {
	return errors.Is(err, apperr.ErrDuplicate)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return strings.TrimSpace(s)
}
