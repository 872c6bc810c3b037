package toolsapi

import (
	"context"
	"strings"
	"testing"
	"time"

	mcppkg "github.com/mark3labs/mcp-go/mcp"

	"github.com/corvid-labs/memengine/internal/config"
	"github.com/corvid-labs/memengine/internal/embedding"
	"github.com/corvid-labs/memengine/internal/engine"
	"github.com/corvid-labs/memengine/internal/logging"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/observation"
	"github.com/corvid-labs/memengine/internal/storage"
)

const testProject = "proj-toolsapi"

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
	eng := engine.New(db, log, cfg, embHandle, engine.Deps{})
	return eng
}

func req(args map[string]any) mcppkg.CallToolRequest {
	return mcppkg.CallToolRequest{Params: mcppkg.CallToolParams{Arguments: args}}
}

func resultText(t *testing.T, res *mcppkg.CallToolResult) string {
	t.Helper()
	if res == nil || len(res.Content) == 0 {
		t.Fatalf("expected non-empty tool result")
	}
	text, ok := mcppkg.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("expected text content, got %#v", res.Content[0])
	}
	return text.Text
}

func TestRegisterBuildsServer(t *testing.T) {
	eng := newTestEngine(t)
	srv := Register(eng, testProject, time.Now())
	if srv == nil {
		t.Fatalf("expected MCP server instance")
	}
}

func TestHandleSaveMemoryThenRecallByID(t *testing.T) {
	eng := newTestEngine(t)
	save := handleSaveMemory(eng, testProject)

	res, err := save(context.Background(), req(map[string]any{
		"text":  "bcrypt cost=12 balances latency against brute-force resistance",
		"title": "bcrypt cost factor",
	}))
	if err != nil {
		t.Fatalf("save handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected save error: %s", resultText(t, res))
	}
	text := resultText(t, res)
	if !strings.HasPrefix(text, "saved as ") {
		t.Fatalf("unexpected save response: %q", text)
	}
	id := strings.TrimPrefix(text, "saved as ")

	recall := handleRecall(eng, testProject)
	res, err = recall(context.Background(), req(map[string]any{"id": id}))
	if err != nil {
		t.Fatalf("recall handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected recall error: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), "bcrypt cost factor") {
		t.Fatalf("expected recalled title in output, got %q", resultText(t, res))
	}
}

func TestHandleSaveMemoryRejectsEmptyText(t *testing.T) {
	eng := newTestEngine(t)
	save := handleSaveMemory(eng, testProject)

	res, err := save(context.Background(), req(map[string]any{"text": "   "}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected error for empty text")
	}
}

func TestHandleSaveMemoryRejectsExactDuplicate(t *testing.T) {
	eng := newTestEngine(t)
	save := handleSaveMemory(eng, testProject)
	args := map[string]any{"text": "the retry budget is three attempts with backoff"}

	if _, err := save(context.Background(), req(args)); err != nil {
		t.Fatalf("first save error: %v", err)
	}
	res, err := save(context.Background(), req(args))
	if err != nil {
		t.Fatalf("second save error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "already remembered") {
		t.Fatalf("expected duplicate message, got %q", resultText(t, res))
	}
}

func TestHandleRecallRequiresSomeSelector(t *testing.T) {
	eng := newTestEngine(t)
	recall := handleRecall(eng, testProject)

	res, err := recall(context.Background(), req(map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected error when no selector is given")
	}
}

func TestHandleRecallByTitleIsCaseInsensitive(t *testing.T) {
	eng := newTestEngine(t)
	save := handleSaveMemory(eng, testProject)
	if _, err := save(context.Background(), req(map[string]any{
		"text": "use context.Context for every blocking call", "title": "Context Everywhere",
	})); err != nil {
		t.Fatalf("save error: %v", err)
	}

	recall := handleRecall(eng, testProject)
	res, err := recall(context.Background(), req(map[string]any{"title": "context everywhere"}))
	if err != nil {
		t.Fatalf("recall error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "Context Everywhere") {
		t.Fatalf("expected title match, got %q", resultText(t, res))
	}
}

func TestHandleRecallPurgeAndRestore(t *testing.T) {
	eng := newTestEngine(t)
	save := handleSaveMemory(eng, testProject)
	saveRes, _ := save(context.Background(), req(map[string]any{"text": "a note worth purging"}))
	id := strings.TrimPrefix(resultText(t, saveRes), "saved as ")

	recall := handleRecall(eng, testProject)
	res, err := recall(context.Background(), req(map[string]any{"id": id, "action": "purge"}))
	if err != nil {
		t.Fatalf("purge error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "purged "+id) {
		t.Fatalf("unexpected purge response: %q", resultText(t, res))
	}

	res, err = recall(context.Background(), req(map[string]any{"id": id, "action": "restore"}))
	if err != nil {
		t.Fatalf("restore error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "restored "+id) {
		t.Fatalf("unexpected restore response: %q", resultText(t, res))
	}
}

func TestHandleGraphStatsEmptyGraph(t *testing.T) {
	eng := newTestEngine(t)
	handler := handleGraphStats(eng, testProject)

	res, err := handler(context.Background(), req(map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "nodes: 0") {
		t.Fatalf("expected zeroed stats, got %q", resultText(t, res))
	}
}

func TestHandleQueryGraphNoMatch(t *testing.T) {
	eng := newTestEngine(t)
	handler := handleQueryGraph(eng, testProject)

	res, err := handler(context.Background(), req(map[string]any{"query": "nothing-will-match-this"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "no matching entities") {
		t.Fatalf("expected no-match message, got %q", resultText(t, res))
	}
}

func TestHandleTopicContextEmpty(t *testing.T) {
	eng := newTestEngine(t)
	handler := handleTopicContext(eng, testProject)

	res, err := handler(context.Background(), req(map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "no topic shifts recorded") {
		t.Fatalf("expected empty-stash message, got %q", resultText(t, res))
	}
}

func TestHandleHygieneSimulateThenPurge(t *testing.T) {
	eng := newTestEngine(t)
	store := eng.ObservationStore(testProject)
	obs, err := store.CreateClassified(observation.CreateInput{
		Title: "scratch note", Content: "ok", Source: "manual", Kind: model.KindFinding,
	}, model.ClassNoise)
	if err != nil {
		t.Fatalf("seed observation: %v", err)
	}

	simulate := handleHygiene(eng, testProject)
	res, err := simulate(context.Background(), req(map[string]any{"tier": "medium", "mode": "simulate"}))
	if err != nil {
		t.Fatalf("simulate error: %v", err)
	}
	if !strings.Contains(resultText(t, res), obs.ID) {
		t.Fatalf("expected candidate %s in simulate output, got %q", obs.ID, resultText(t, res))
	}

	purge := handleHygiene(eng, testProject)
	res, err = purge(context.Background(), req(map[string]any{"tier": "medium", "mode": "purge"}))
	if err != nil {
		t.Fatalf("purge error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "purged 1 low-value observation") {
		t.Fatalf("unexpected purge response: %q", resultText(t, res))
	}
}

func TestHandleStatusReportsObservationCount(t *testing.T) {
	eng := newTestEngine(t)
	handler := handleStatus(eng, testProject, time.Now().Add(-time.Minute))

	res, err := handler(context.Background(), req(map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "observations") {
		t.Fatalf("expected observation count field, got %q", resultText(t, res))
	}
}

func TestHandleDiscoverToolsAndReportAvailableTools(t *testing.T) {
	eng := newTestEngine(t)
	report := handleReportAvailableTools(eng)
	res, err := report(context.Background(), req(map[string]any{
		"tools": `[{"name":"Read","description":"read a file from disk"},{"name":"Grep","description":"search file contents"}]`,
	}))
	if err != nil {
		t.Fatalf("report error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "registered 2 tool(s)") {
		t.Fatalf("unexpected report response: %q", resultText(t, res))
	}

	discover := handleDiscoverTools(eng)
	res, err = discover(context.Background(), req(map[string]any{"query": "file"}))
	if err != nil {
		t.Fatalf("discover error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "Read") || !strings.Contains(resultText(t, res), "Grep") {
		t.Fatalf("expected both reported tools, got %q", resultText(t, res))
	}
}

func TestHandleReportAvailableToolsRejectsBadJSON(t *testing.T) {
	eng := newTestEngine(t)
	report := handleReportAvailableTools(eng)

	res, err := report(context.Background(), req(map[string]any{"tools": "not json"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected error for malformed tools argument")
	}
}

func TestHandlePathStartThenList(t *testing.T) {
	eng := newTestEngine(t)
	start := handlePathStart(eng, testProject)
	res, err := start(context.Background(), req(map[string]any{"session_id": "sess-1", "trigger": "three failed test runs"}))
	if err != nil {
		t.Fatalf("start error: %v", err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, "debug path ") {
		t.Fatalf("unexpected start response: %q", text)
	}

	list := handlePathList(eng, testProject)
	res, err = list(context.Background(), req(map[string]any{}))
	if err != nil {
		t.Fatalf("list error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "three failed test runs") {
		t.Fatalf("expected trigger in path list, got %q", resultText(t, res))
	}
}

func TestHandleQueryBranchesEmpty(t *testing.T) {
	eng := newTestEngine(t)
	handler := handleQueryBranches(eng, testProject)

	res, err := handler(context.Background(), req(map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "no thought branches") {
		t.Fatalf("expected empty message, got %q", resultText(t, res))
	}
}

func TestHandleBranchSummaryNoActiveBranch(t *testing.T) {
	eng := newTestEngine(t)
	handler := handleBranchSummary(eng, testProject)

	res, err := handler(context.Background(), req(map[string]any{"session_id": "sess-idle"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if res.IsError {
		t.Fatalf("expected a friendly no-branch message, not an error: %s", resultText(t, res))
	}
	if !strings.Contains(resultText(t, res), "no active branch") {
		t.Fatalf("expected no-active-branch message, got %q", resultText(t, res))
	}
}

func TestHandleBranchSummaryAfterAppend(t *testing.T) {
	eng := newTestEngine(t)
	obs, err := eng.ObservationStore(testProject).Create(observation.CreateInput{
		SessionID: "sess-2", Content: "reading the config loader", Source: "manual", Kind: model.KindFinding,
	})
	if err != nil {
		t.Fatalf("seed observation: %v", err)
	}
	if _, err := eng.Branch(testProject).Append("sess-2", obs.ID, "Read", "reading the config loader"); err != nil {
		t.Fatalf("append: %v", err)
	}

	handler := handleBranchSummary(eng, testProject)
	res, err := handler(context.Background(), req(map[string]any{"session_id": "sess-2"}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "Read: 1") {
		t.Fatalf("expected tool histogram in summary, got %q", resultText(t, res))
	}
}

func TestCSVArgParsesAndTrims(t *testing.T) {
	r := req(map[string]any{"relationship_types": " related_to ,causes,  "})
	got := csvArg(r, "relationship_types")
	want := []string{"related_to", "causes"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestCharBudgetFollowsVerbosityLevel(t *testing.T) {
	eng := newTestEngine(t)
	if got := charBudget(eng); got != 4000 {
		t.Fatalf("expected default budget 4000, got %d", got)
	}
}
