package hook

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/corvid-labs/memengine/internal/config"
	"github.com/corvid-labs/memengine/internal/embedding"
	"github.com/corvid-labs/memengine/internal/engine"
	"github.com/corvid-labs/memengine/internal/logging"
	"github.com/corvid-labs/memengine/internal/observation"
	"github.com/corvid-labs/memengine/internal/storage"
)

const testProject = "proj-hook"

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	log := logging.New()
	db, err := storage.Open(storage.Config{DataDir: t.TempDir()}, logging.Component(log, "test"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.NewStore(t.TempDir())
	var embHandle *embedding.Handle
	return engine.New(db, log, cfg, embHandle, engine.Deps{})
}

func testLog() *logrus.Entry {
	return logging.Component(logging.New(), "test")
}

func TestDecodeFlattensStringAndObjectToolInput(t *testing.T) {
	ev, err := Decode(strings.NewReader(`{
		"hook_event_name": "PostToolUse",
		"session_id": "s1",
		"tool_name": "Bash",
		"tool_input": "go test ./...",
		"tool_response": {"output": "ok", "exit_code": 0}
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ToolInput != "go test ./..." {
		t.Fatalf("expected plain string tool_input passed through, got %q", ev.ToolInput)
	}
	if !strings.Contains(ev.ToolResponse, "exit_code") {
		t.Fatalf("expected object tool_response flattened to raw JSON, got %q", ev.ToolResponse)
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := Decode(strings.NewReader("not json")); err == nil {
		t.Fatalf("expected decode error for malformed input")
	}
}

func TestDispatchSessionStartReturnsDigest(t *testing.T) {
	eng := newTestEngine(t)
	out := Dispatch(eng, testProject, Event{HookEventName: "SessionStart"}, testLog())
	// an empty project has nothing to surface yet; assembly must still
	// succeed and return without panicking.
	if strings.Contains(out, "panic") {
		t.Fatalf("unexpected panic marker in digest: %q", out)
	}
}

func TestDispatchPostToolUseAdmitsHighSignalTool(t *testing.T) {
	eng := newTestEngine(t)
	Dispatch(eng, testProject, Event{
		HookEventName: "PostToolUse",
		SessionID:     "s1",
		ToolName:      "Write",
		ToolResponse:  "wrote internal/config/config.go",
	}, testLog())

	obs, err := eng.ObservationStore(testProject).List(observation.ListOptions{})
	if err != nil {
		t.Fatalf("list observations: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("expected one admitted observation, got %d", len(obs))
	}
	if obs[0].Source != "hook:Write" {
		t.Fatalf("expected source hook:Write, got %q", obs[0].Source)
	}
}

func TestDispatchPostToolUseSkipsNavigationCommand(t *testing.T) {
	eng := newTestEngine(t)
	Dispatch(eng, testProject, Event{
		HookEventName: "PostToolUse",
		SessionID:     "s1",
		ToolName:      "Bash",
		ToolResponse:  "ls -la",
	}, testLog())

	obs, err := eng.ObservationStore(testProject).List(observation.ListOptions{})
	if err != nil {
		t.Fatalf("list observations: %v", err)
	}
	if len(obs) != 0 {
		t.Fatalf("expected navigation command to be filtered, got %d observations", len(obs))
	}
}

func TestDispatchPostToolUseSkipsOwnTool(t *testing.T) {
	eng := newTestEngine(t)
	Dispatch(eng, testProject, Event{
		HookEventName: "PostToolUse",
		SessionID:     "s1",
		ToolName:      ownToolPrefix + "recall",
		ToolResponse:  "some recalled text",
	}, testLog())

	obs, err := eng.ObservationStore(testProject).List(observation.ListOptions{})
	if err != nil {
		t.Fatalf("list observations: %v", err)
	}
	if len(obs) != 0 {
		t.Fatalf("expected own-tool call to be filtered, got %d observations", len(obs))
	}
}

func TestDispatchPostToolUseFailureOpensDebugPathAfterBurst(t *testing.T) {
	eng := newTestEngine(t)
	for i := 0; i < 3; i++ {
		Dispatch(eng, testProject, Event{
			HookEventName: "PostToolUseFailure",
			SessionID:     "s1",
			ToolName:      "Bash",
			ToolResponse:  "panic: runtime error",
		}, testLog())
	}

	paths, err := eng.DebugPath(testProject).List("")
	if err != nil {
		t.Fatalf("list debug paths: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected one debug path opened after error burst, got %d", len(paths))
	}
}

func TestDispatchUnknownEventIsANoop(t *testing.T) {
	eng := newTestEngine(t)
	out := Dispatch(eng, testProject, Event{HookEventName: "SomethingUnrecognized"}, testLog())
	if out != "" {
		t.Fatalf("expected no stdout output for an unknown event, got %q", out)
	}
}

func TestDispatchStopWritesNothingToStdout(t *testing.T) {
	eng := newTestEngine(t)
	out := Dispatch(eng, testProject, Event{HookEventName: "Stop", SessionID: "s1"}, testLog())
	if out != "" {
		t.Fatalf("Stop must never write to stdout, got %q", out)
	}
}
