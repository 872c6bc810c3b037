// Package toolsapi is the External Tool Surface of component 4.15/§6: every
// MCP tool a coding assistant calls is registered here against
// github.com/mark3labs/mcp-go, each handler thin and delegating straight
// into the already-wired internal/engine.Engine accessors.
package toolsapi

import (
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/corvid-labs/memengine/internal/engine"
)

const serverInstructions = `memengine keeps a per-developer memory of decisions, bugs, and discoveries ` +
	`made while working in this project and re-surfaces them across sessions. Search these tools when you ` +
	`need to: save a finding worth remembering; recall something from earlier in this project or another ` +
	`one you've been given access to; ingest reference documentation from a directory; inspect or traverse ` +
	`the project's knowledge graph; check on an in-progress debugging arc or thought branch; or look up what ` +
	`other tools are available this session.`

// Register builds the MCP server and wires every tool to eng, bound to one
// project. startedAt backs the status tool's uptime field.
func Register(eng *engine.Engine, projectHash string, startedAt time.Time) *server.MCPServer {
	srv := server.NewMCPServer(
		"memengine",
		"0.1.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(serverInstructions),
	)
	registerTools(srv, eng, projectHash, startedAt)
	return srv
}

func registerTools(srv *server.MCPServer, eng *engine.Engine, projectHash string, startedAt time.Time) {
	srv.AddTool(
		mcp.NewTool("save_memory",
			mcp.WithDescription("Save a finding, decision, or change worth remembering across sessions. Call this proactively after meaningful work rather than waiting to be asked."),
			mcp.WithTitleAnnotation("Save Memory"),
			mcp.WithReadOnlyHintAnnotation(false),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(false),
			mcp.WithOpenWorldHintAnnotation(false),
			mcp.WithString("text", mcp.Required(), mcp.Description("The content to remember")),
			mcp.WithString("title", mcp.Description("Short searchable title (default: derived from text)")),
			mcp.WithString("source", mcp.Description("Where this came from (default: manual)")),
			mcp.WithString("kind", mcp.Description("change, reference, finding, decision, or verification (default: finding)")),
		),
		handleSaveMemory(eng, projectHash),
	)

	srv.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Recall saved memories by query, id, or title. Results are rendered within a token budget with a truncation footer when more match."),
			mcp.WithTitleAnnotation("Recall Memory"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
			mcp.WithString("query", mcp.Description("Free-text search query")),
			mcp.WithString("id", mcp.Description("Exact observation id")),
			mcp.WithString("title", mcp.Description("Exact title match")),
			mcp.WithString("ids", mcp.Description("Comma-separated observation ids")),
			mcp.WithString("action", mcp.Description("view, purge, or restore (default: view)")),
			mcp.WithString("detail", mcp.Description("compact, timeline, or full (default: compact)")),
			mcp.WithString("kind", mcp.Description("Restrict to one observation kind")),
			mcp.WithNumber("limit", mcp.Description("Max results (default: 10)")),
			mcp.WithBoolean("include_purged", mcp.Description("Title lookup only: also match noise-classified observations past their 60-second grace period (default: false)")),
		),
		handleRecall(eng, projectHash),
	)

	srv.AddTool(
		mcp.NewTool("ingest_knowledge",
			mcp.WithDescription("Ingest markdown reference documentation from a directory as Reference observations, splitting files on ## headers. Re-running updates changed sections and removes ones no longer present."),
			mcp.WithTitleAnnotation("Ingest Knowledge"),
			mcp.WithReadOnlyHintAnnotation(false),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
			mcp.WithString("directory", mcp.Description("Directory to scan for .md files (default: project root)")),
		),
		handleIngestKnowledge(eng, projectHash),
	)

	srv.AddTool(
		mcp.NewTool("topic_context",
			mcp.WithDescription("Show recent context stashes created by topic shifts, progressively disclosing their content."),
			mcp.WithTitleAnnotation("Topic Context"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
			mcp.WithString("query", mcp.Description("Filter stashes by topic label substring")),
			mcp.WithNumber("limit", mcp.Description("Max stashes (default: 5)")),
		),
		handleTopicContext(eng, projectHash),
	)

	srv.AddTool(
		mcp.NewTool("query_graph",
			mcp.WithDescription("Search the knowledge graph for entities matching query and traverse outward from the best match."),
			mcp.WithTitleAnnotation("Query Graph"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
			mcp.WithString("query", mcp.Required(), mcp.Description("Entity name or keyword to search for")),
			mcp.WithString("entity_type", mcp.Description("File, Project, Decision, Problem, Solution, or Reference")),
			mcp.WithNumber("depth", mcp.Description("Traversal depth, 1-4 (default: 2)")),
			mcp.WithString("relationship_types", mcp.Description("Comma-separated edge types to keep (default: all)")),
			mcp.WithNumber("limit", mcp.Description("Max matching entities to list; traversal starts from the best match only (default: 20)")),
		),
		handleQueryGraph(eng, projectHash),
	)

	srv.AddTool(
		mcp.NewTool("graph_stats",
			mcp.WithDescription("Knowledge graph health: node/edge counts, nodes nearing the degree cap, duplicate candidates, and staleness count."),
			mcp.WithTitleAnnotation("Graph Stats"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
		),
		handleGraphStats(eng, projectHash),
	)

	srv.AddTool(
		mcp.NewTool("hygiene",
			mcp.WithDescription("Report (and optionally purge) low-value observations. simulate (default) only reports; purge soft-deletes the reported tier."),
			mcp.WithTitleAnnotation("Memory Hygiene"),
			mcp.WithReadOnlyHintAnnotation(false),
			mcp.WithDestructiveHintAnnotation(true),
			mcp.WithIdempotentHintAnnotation(false),
			mcp.WithOpenWorldHintAnnotation(false),
			mcp.WithString("mode", mcp.Description("simulate or purge (default: simulate)")),
			mcp.WithString("tier", mcp.Description("high, medium, or all (default: high)")),
			mcp.WithString("session_id", mcp.Description("Restrict to one session")),
			mcp.WithNumber("limit", mcp.Description("Max candidates (default: 50)")),
		),
		handleHygiene(eng, projectHash),
	)

	srv.AddTool(
		mcp.NewTool("status",
			mcp.WithDescription("Cached health snapshot: observation/graph counts, active debug paths and branches, embedding readiness, process uptime."),
			mcp.WithTitleAnnotation("Status"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
		),
		handleStatus(eng, projectHash, startedAt),
	)

	srv.AddTool(
		mcp.NewTool("discover_tools",
			mcp.WithDescription("Search the tool registry for tools relevant to a task by keyword."),
			mcp.WithTitleAnnotation("Discover Tools"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
			mcp.WithString("query", mcp.Required(), mcp.Description("Keyword or task description")),
			mcp.WithString("scope", mcp.Description("global, project, or plugin")),
			mcp.WithNumber("limit", mcp.Description("Max results (default: 20)")),
		),
		handleDiscoverTools(eng),
	)

	srv.AddTool(
		mcp.NewTool("report_available_tools",
			mcp.WithDescription("Bulk-register this session's tool catalogue so discover_tools can find them later. Pass tools as a JSON array of {name, description}."),
			mcp.WithTitleAnnotation("Report Available Tools"),
			mcp.WithReadOnlyHintAnnotation(false),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
			mcp.WithString("tools", mcp.Required(), mcp.Description(`JSON array, e.g. [{"name":"Read","description":"read a file"}]`)),
		),
		handleReportAvailableTools(eng),
	)

	srv.AddTool(
		mcp.NewTool("path_start",
			mcp.WithDescription("Manually open a debug path for the current session, ahead of the automatic error-burst trigger."),
			mcp.WithTitleAnnotation("Start Debug Path"),
			mcp.WithReadOnlyHintAnnotation(false),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to attach the debug path to")),
			mcp.WithString("trigger", mcp.Required(), mcp.Description("What prompted opening this path")),
		),
		handlePathStart(eng, projectHash),
	)

	srv.AddTool(
		mcp.NewTool("path_resolve",
			mcp.WithDescription("Manually resolve an active debug path with a note, bypassing the consecutive-success requirement."),
			mcp.WithTitleAnnotation("Resolve Debug Path"),
			mcp.WithReadOnlyHintAnnotation(false),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(false),
			mcp.WithOpenWorldHintAnnotation(false),
			mcp.WithString("path_id", mcp.Required(), mcp.Description("Debug path id")),
			mcp.WithString("note", mcp.Description("Resolution note")),
		),
		handlePathResolve(eng, projectHash),
	)

	srv.AddTool(
		mcp.NewTool("path_show",
			mcp.WithDescription("Show one debug path with its full waypoint history."),
			mcp.WithTitleAnnotation("Show Debug Path"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
			mcp.WithString("path_id", mcp.Required(), mcp.Description("Debug path id")),
		),
		handlePathShow(eng, projectHash),
	)

	srv.AddTool(
		mcp.NewTool("path_list",
			mcp.WithDescription("List debug paths for this project, optionally filtered by state."),
			mcp.WithTitleAnnotation("List Debug Paths"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
			mcp.WithString("state", mcp.Description("active, resolved, or abandoned (default: all)")),
		),
		handlePathList(eng, projectHash),
	)

	srv.AddTool(
		mcp.NewTool("query_branches",
			mcp.WithDescription("List thought branches for this project, optionally filtered by state."),
			mcp.WithTitleAnnotation("Query Branches"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
			mcp.WithString("state", mcp.Description("active, completed, abandoned, or merged (default: all)")),
		),
		handleQueryBranches(eng, projectHash),
	)

	srv.AddTool(
		mcp.NewTool("show_branch",
			mcp.WithDescription("Show one thought branch: its type, title, arc stage, and tool histogram."),
			mcp.WithTitleAnnotation("Show Branch"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
			mcp.WithString("branch_id", mcp.Required(), mcp.Description("Branch id")),
		),
		handleShowBranch(eng, projectHash),
	)

	srv.AddTool(
		mcp.NewTool("branch_summary",
			mcp.WithDescription("Summarize the active thought branch for a session: arc stage, title, and top tools used, to pick up where you left off."),
			mcp.WithTitleAnnotation("Branch Summary"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id")),
		),
		handleBranchSummary(eng, projectHash),
	)
}

// ─── argument helpers ───────────────────────────────────────────────────────

func strArg(req mcp.CallToolRequest, key string) string {
	v, _ := req.GetArguments()[key].(string)
	return v
}

func intArg(req mcp.CallToolRequest, key string, def int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return def
	}
	return int(v)
}

func boolArg(req mcp.CallToolRequest, key string, def bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return def
	}
	return v
}

func csvArg(req mcp.CallToolRequest, key string) []string {
	raw := strArg(req, key)
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// verbosity picks one of three pre-built renderings per the process-wide
// tool-verbosity config, matching the level-selected response contract of
// component 4.15.
func verbosity(eng *engine.Engine, compact, standard, full string) string {
	v, err := eng.Config.ToolVerbosity()
	if err != nil {
		return standard
	}
	switch v.Level {
	case 1:
		return compact
	case 3:
		return full
	default:
		return standard
	}
}

// withNotifications drains any pending notifications for the project and
// prepends them to body, matching the "consumed on next tool response"
// contract of component 4.14.
func withNotifications(eng *engine.Engine, projectHash, body string) string {
	notes, err := eng.Notify.Drain(projectHash)
	if err != nil || len(notes) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString("Notifications:\n")
	for _, n := range notes {
		fmt.Fprintf(&b, "- %s\n", n.Message)
	}
	b.WriteString("\n")
	b.WriteString(body)
	return b.String()
}

func errResult(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}
