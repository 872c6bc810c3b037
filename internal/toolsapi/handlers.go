package toolsapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/corvid-labs/memengine/internal/apperr"
	"github.com/corvid-labs/memengine/internal/config"
	"github.com/corvid-labs/memengine/internal/engine"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/observation"
	"github.com/corvid-labs/memengine/internal/search"
)

var validKinds = map[string]model.ObservationKind{
	"change": model.KindChange, "reference": model.KindReference, "finding": model.KindFinding,
	"decision": model.KindDecision, "verification": model.KindVerification,
}

func parseKind(s string, def model.ObservationKind) model.ObservationKind {
	if k, ok := validKinds[strings.ToLower(s)]; ok {
		return k
	}
	return def
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max]
	}
	return strings.TrimSpace(s)
}

// ─── save_memory ────────────────────────────────────────────────────────────

func handleSaveMemory(eng *engine.Engine, projectHash string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text := strArg(req, "text")
		if strings.TrimSpace(text) == "" {
			return mcp.NewToolResultError("text is required"), nil
		}

		uc, ucErr := config.LoadUserConfig()
		if ucErr == nil {
			text = observation.StripPrivateTags(text, uc.PrivacyRegexes)
		}

		title := strArg(req, "title")
		if title == "" {
			title = firstLine(text, 80)
		} else if ucErr == nil {
			title = observation.StripPrivateTags(title, uc.PrivacyRegexes)
		}
		source := strArg(req, "source")
		if source == "" {
			source = "manual"
		}
		kind := parseKind(strArg(req, "kind"), model.KindFinding)

		eng.PrepareSave(projectHash, text)
		store := eng.ObservationStore(projectHash)
		obs, err := store.Create(observation.CreateInput{
			Title: title, Content: text, Source: source, Kind: kind,
		})
		if err != nil {
			if errors.Is(err, apperr.ErrDuplicate) {
				return mcp.NewToolResultText(withNotifications(eng, projectHash, "already remembered (duplicate or near-duplicate content)")), nil
			}
			return errResult(err)
		}
		return mcp.NewToolResultText(withNotifications(eng, projectHash, fmt.Sprintf("saved as %s", obs.ID))), nil
	}
}

// ─── recall ─────────────────────────────────────────────────────────────────

func handleRecall(eng *engine.Engine, projectHash string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		store := eng.ObservationStore(projectHash)
		action := strArg(req, "action")
		if action == "" {
			action = "view"
		}
		kind, hasKind := validKinds[strings.ToLower(strArg(req, "kind"))]

		if id := strArg(req, "id"); id != "" {
			text, err := recallOneText(store, id, action)
			if err != nil {
				return errResult(err)
			}
			return mcp.NewToolResultText(withNotifications(eng, projectHash, text)), nil
		}
		if ids := csvArg(req, "ids"); len(ids) > 0 {
			var b strings.Builder
			for _, id := range ids {
				text, err := recallOneText(store, id, action)
				if err != nil {
					text = fmt.Sprintf("%s: %v", id, err)
				}
				b.WriteString(text)
				b.WriteString("\n")
			}
			return mcp.NewToolResultText(withNotifications(eng, projectHash, b.String())), nil
		}

		if title := strArg(req, "title"); title != "" {
			obs, err := store.List(observation.ListOptions{Limit: 500, IncludePurged: boolArg(req, "include_purged", false)})
			if err != nil {
				return errResult(err)
			}
			for _, o := range obs {
				if strings.EqualFold(o.Title, title) && (!hasKind || o.Kind == kind) {
					return mcp.NewToolResultText(withNotifications(eng, projectHash, renderObservation(o, strArg(req, "detail")))), nil
				}
			}
			return mcp.NewToolResultText(withNotifications(eng, projectHash, "no observation with that exact title")), nil
		}

		query := strArg(req, "query")
		if query == "" {
			return mcp.NewToolResultError("one of query, id, ids, or title is required"), nil
		}
		limit := intArg(req, "limit", 10)

		var vec []float32
		if eng.Embedding != nil && eng.Embedding.Ready() {
			vec = eng.Embedding.Embed(query)
		}
		allow, _ := eng.Config.CrossAccess(projectHash)
		hits, err := eng.Search.Hybrid(query, vec, limit, projectHash, allow.AllowedProjectHashes)
		if err != nil {
			return errResult(err)
		}
		if hasKind {
			kept := hits[:0]
			for _, h := range hits {
				if h.Observation.Kind == kind {
					kept = append(kept, h)
				}
			}
			hits = kept
		}
		return mcp.NewToolResultText(withNotifications(eng, projectHash, search.Render(hits, charBudget(eng)))), nil
	}
}

// charBudget picks the search-result render budget from the process-wide
// tool-verbosity level.
func charBudget(eng *engine.Engine) int {
	v, err := eng.Config.ToolVerbosity()
	if err != nil {
		return 4000
	}
	switch v.Level {
	case 1:
		return 1000
	case 3:
		return 12000
	default:
		return 4000
	}
}

func recallOneText(store *observation.Store, id, action string) (string, error) {
	switch action {
	case "purge":
		ok, err := store.SoftDelete(id)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", apperr.ErrNotFound
		}
		return fmt.Sprintf("purged %s", id), nil
	case "restore":
		ok, err := store.Restore(id)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", apperr.ErrNotFound
		}
		return fmt.Sprintf("restored %s", id), nil
	default:
		obs, err := store.GetByID(id, true)
		if err != nil {
			return "", err
		}
		return renderObservation(*obs, ""), nil
	}
}

func renderObservation(o model.Observation, detail string) string {
	switch detail {
	case "full":
		return fmt.Sprintf("[%s/%s] %s\nsource: %s\ncreated: %s\n\n%s",
			o.Kind, o.Classification, o.Title, o.Source, o.CreatedAt.Format(time.RFC3339), o.Content)
	case "timeline":
		return fmt.Sprintf("%s  [%s] %s", o.CreatedAt.Format(time.RFC3339), o.Kind, o.Title)
	default:
		return fmt.Sprintf("[%s] %s: %s", o.Kind, o.Title, firstLine(o.Content, 200))
	}
}

// ─── ingest_knowledge ───────────────────────────────────────────────────────

func handleIngestKnowledge(eng *engine.Engine, projectHash string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dir := strArg(req, "directory")
		if dir == "" {
			var err error
			dir, err = os.Getwd()
			if err != nil {
				return errResult(err)
			}
		}

		store := eng.ObservationStore(projectHash)
		created, updated, removed := 0, 0, 0

		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
				return nil
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				rel = path
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil
			}
			sections := splitSections(string(data))
			prefix := "ingest:" + rel + "#"
			seen := map[string]bool{}

			for _, sec := range sections {
				source := prefix + sec.heading
				seen[source] = true
				existing, err := store.GetBySource(source)
				if errors.Is(err, apperr.ErrNotFound) {
					if _, err := store.CreateClassified(observation.CreateInput{
						SessionID: "ingest", Title: sec.heading, Content: sec.body, Source: source, Kind: model.KindReference,
					}, model.ClassUnset); err == nil {
						created++
					}
					continue
				}
				if err != nil {
					continue
				}
				if observation.HashNormalized(existing.Content) != observation.HashNormalized(sec.body) {
					title := sec.heading
					if err := store.Update(existing.ID, observation.UpdatePatch{Title: &title, Content: &sec.body}); err == nil {
						updated++
					}
				}
			}

			prior, err := store.ListSourcePrefix(prefix)
			if err != nil {
				return nil
			}
			for _, p := range prior {
				if !seen[p.Source] {
					if ok, _ := store.SoftDelete(p.ID); ok {
						removed++
					}
				}
			}
			return nil
		})
		if err != nil {
			return errResult(err)
		}

		msg := fmt.Sprintf("ingested %s: %d created, %d updated, %d removed", dir, created, updated, removed)
		return mcp.NewToolResultText(withNotifications(eng, projectHash, msg)), nil
	}
}

type mdSection struct {
	heading string
	body    string
}

// splitSections divides markdown on "## " headers; content before the
// first such header (if any) becomes its own section headed "introduction".
func splitSections(doc string) []mdSection {
	lines := strings.Split(doc, "\n")
	var out []mdSection
	heading := "introduction"
	var body strings.Builder
	flush := func() {
		text := strings.TrimSpace(body.String())
		if text != "" {
			out = append(out, mdSection{heading: heading, body: text})
		}
		body.Reset()
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "## ") {
			flush()
			heading = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			continue
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
	return out
}

// ─── topic_context ──────────────────────────────────────────────────────────

func handleTopicContext(eng *engine.Engine, projectHash string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := intArg(req, "limit", 5)
		stashes, err := eng.TopicShift(projectHash).List(strArg(req, "query"), limit)
		if err != nil {
			return errResult(err)
		}
		if len(stashes) == 0 {
			return mcp.NewToolResultText(withNotifications(eng, projectHash, "no topic shifts recorded")), nil
		}
		var b strings.Builder
		for _, s := range stashes {
			fmt.Fprintf(&b, "[%s] %s (%s, %d observation(s))\n", s.CreatedAt.Format(time.RFC3339), s.TopicLabel, s.Status, len(s.Snapshots))
		}
		return mcp.NewToolResultText(withNotifications(eng, projectHash, b.String())), nil
	}
}

// ─── query_graph / graph_stats ──────────────────────────────────────────────

func handleQueryGraph(eng *engine.Engine, projectHash string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		g := eng.Graph(projectHash)
		nodes, err := g.SearchNodes(strArg(req, "query"), model.NodeType(strArg(req, "entity_type")), intArg(req, "limit", 20))
		if err != nil {
			return errResult(err)
		}
		if len(nodes) == 0 {
			return mcp.NewToolResultText(withNotifications(eng, projectHash, "no matching entities")), nil
		}

		depth := intArg(req, "depth", 2)
		keepTypes := map[string]bool{}
		for _, t := range csvArg(req, "relationship_types") {
			keepTypes[t] = true
		}

		var b strings.Builder
		fmt.Fprintf(&b, "entities:\n")
		for _, n := range nodes {
			fmt.Fprintf(&b, "- [%s] %s (confidence %.2f)\n", n.Type, n.Name, n.Confidence)
		}

		walk, err := g.TraverseFrom(nodes[0].ID, depth)
		if err != nil {
			return errResult(err)
		}
		if len(walk) > 0 {
			fmt.Fprintf(&b, "\nrelated to %s:\n", nodes[0].Name)
			for _, tn := range walk {
				if len(keepTypes) > 0 && !keepTypes[string(tn.Via)] {
					continue
				}
				fmt.Fprintf(&b, "- (depth %d, via %s) [%s] %s\n", tn.Depth, tn.Via, tn.Node.Type, tn.Node.Name)
			}
		}
		return mcp.NewToolResultText(withNotifications(eng, projectHash, b.String())), nil
	}
}

func handleGraphStats(eng *engine.Engine, projectHash string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := eng.Graph(projectHash).Stats()
		if err != nil {
			return errResult(err)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "nodes: %d  edges: %d  duplicate candidates: %d  stale flags: %d\n",
			stats.NodeCount, stats.EdgeCount, stats.DuplicateCandidates, stats.StalenessCount)
		for _, h := range stats.HotNodes {
			fmt.Fprintf(&b, "- hot: [%s] %s at degree %d\n", h.Type, h.Name, h.Degree)
		}
		return mcp.NewToolResultText(withNotifications(eng, projectHash, b.String())), nil
	}
}

// ─── hygiene ─────────────────────────────────────────────────────────────

func handleHygiene(eng *engine.Engine, projectHash string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		mode := strArg(req, "mode")
		if mode == "" {
			mode = "simulate"
		}
		tier := strArg(req, "tier")
		if tier == "" {
			tier = "high"
		}
		limit := intArg(req, "limit", 50)
		sessionID := strArg(req, "session_id")

		q := `SELECT o.id, o.title FROM observations o WHERE o.project_hash = ? AND o.deleted_at IS NULL`
		args := []any{projectHash}
		switch tier {
		case "high":
			q += ` AND o.classification = 'noise' AND o.id NOT IN (
				SELECT json_each.value FROM graph_nodes, json_each(graph_nodes.observation_ids) WHERE graph_nodes.project_hash = ?)`
			args = append(args, projectHash)
		case "medium":
			q += ` AND (o.classification = 'noise' OR length(o.content) < 40)`
		}
		if sessionID != "" {
			q += " AND o.session_id = ?"
			args = append(args, sessionID)
		}
		q += " ORDER BY o.created_at ASC LIMIT ?"
		args = append(args, limit)

		rows, err := eng.DB.Raw().Query(q, args...)
		if err != nil {
			return errResult(err)
		}
		defer rows.Close()
		var ids, titles []string
		for rows.Next() {
			var id, title string
			if rows.Scan(&id, &title) == nil {
				ids = append(ids, id)
				titles = append(titles, title)
			}
		}

		if mode == "purge" {
			store := eng.ObservationStore(projectHash)
			purged := 0
			for _, id := range ids {
				if ok, _ := store.SoftDelete(id); ok {
					purged++
				}
			}
			return mcp.NewToolResultText(withNotifications(eng, projectHash, fmt.Sprintf("purged %d low-value observation(s)", purged))), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "%d candidate(s) in tier %q:\n", len(ids), tier)
		for i, id := range ids {
			fmt.Fprintf(&b, "- %s: %s\n", id, titles[i])
		}
		return mcp.NewToolResultText(withNotifications(eng, projectHash, b.String())), nil
	}
}

// ─── status ─────────────────────────────────────────────────────────────

func handleStatus(eng *engine.Engine, projectHash string, startedAt time.Time) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snap := eng.Status.Get()
		uptime := time.Since(startedAt).Round(time.Second)
		body := verbosity(eng,
			fmt.Sprintf("%d observations, uptime %s", snap.ObservationCount, uptime),
			fmt.Sprintf("observations: %d (%d unclassified)\ngraph nodes: %d\nactive debug paths: %d\nactive branches: %d\nembedding: ready=%v engine=%s\nuptime: %s",
				snap.ObservationCount, snap.UnclassifiedCount, snap.GraphNodeCount, snap.ActiveDebugPaths,
				snap.ActiveBranches, snap.EmbeddingReady, snap.EmbeddingEngine, uptime),
			fmt.Sprintf("project: %s\nobservations: %d (%d unclassified)\ngraph nodes: %d\nactive debug paths: %d\nactive branches: %d\nembedding ready: %v\nembedding engine: %s\nstatus refreshed: %s\nprocess uptime: %s",
				projectHash, snap.ObservationCount, snap.UnclassifiedCount, snap.GraphNodeCount, snap.ActiveDebugPaths,
				snap.ActiveBranches, snap.EmbeddingReady, snap.EmbeddingEngine, snap.RefreshedAt.Format(time.RFC3339), uptime),
		)
		return mcp.NewToolResultText(withNotifications(eng, projectHash, body)), nil
	}
}

// ─── discover_tools / report_available_tools ───────────────────────────────

func handleDiscoverTools(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query := "%" + strings.ToLower(strArg(req, "query")) + "%"
		scope := strArg(req, "scope")
		limit := intArg(req, "limit", 20)

		q := `SELECT name, type, scope, status, usage_count, description FROM tool_registry
		      WHERE (lower(name) LIKE ? OR lower(description) LIKE ? OR lower(trigger_hints_json) LIKE ?)`
		args := []any{query, query, query}
		if scope != "" {
			q += " AND scope = ?"
			args = append(args, scope)
		}
		q += " ORDER BY usage_count DESC LIMIT ?"
		args = append(args, limit)

		rows, err := eng.DB.Raw().Query(q, args...)
		if err != nil {
			return errResult(err)
		}
		defer rows.Close()

		var b strings.Builder
		n := 0
		for rows.Next() {
			var name, typ, scp, status, desc string
			var usage int
			if rows.Scan(&name, &typ, &scp, &status, &usage, &desc) != nil {
				continue
			}
			fmt.Fprintf(&b, "- %s [%s/%s, %s, used %d×]: %s\n", name, typ, scp, status, usage, desc)
			n++
		}
		if n == 0 {
			return mcp.NewToolResultText("no matching tools in the registry"), nil
		}
		return mcp.NewToolResultText(b.String()), nil
	}
}

type reportedTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func handleReportAvailableTools(eng *engine.Engine) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var tools []reportedTool
		if err := json.Unmarshal([]byte(strArg(req, "tools")), &tools); err != nil {
			return mcp.NewToolResultError("tools must be a JSON array of {name, description}"), nil
		}

		now := time.Now().UTC().Format(time.RFC3339)
		registered := 0
		for _, t := range tools {
			if t.Name == "" {
				continue
			}
			if _, err := eng.DB.Raw().Exec(`
				INSERT INTO tool_registry (name, type, scope, status, usage_count, last_used_at, description, server_name, trigger_hints_json, embedding_blob)
				VALUES (?, ?, ?, ?, 0, ?, ?, '', '[]', NULL)
				ON CONFLICT(name) DO UPDATE SET description = excluded.description, status = excluded.status`,
				t.Name, string(model.ToolMCPTool), string(model.ScopeProject), string(model.ToolActive), now, t.Description); err == nil {
				registered++
			}
		}
		return mcp.NewToolResultText(fmt.Sprintf("registered %d tool(s)", registered)), nil
	}
}

// ─── debug path tools ───────────────────────────────────────────────────

func handlePathStart(eng *engine.Engine, projectHash string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, err := eng.DebugPath(projectHash).Start(strArg(req, "session_id"), strArg(req, "trigger"))
		if err != nil {
			return errResult(err)
		}
		return mcp.NewToolResultText(fmt.Sprintf("debug path %s open (state=%s)", p.ID, p.State)), nil
	}
}

func handlePathResolve(eng *engine.Engine, projectHash string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := eng.DebugPath(projectHash).ManualResolve(strArg(req, "path_id"), strArg(req, "note")); err != nil {
			return errResult(err)
		}
		return mcp.NewToolResultText("resolved"), nil
	}
}

func handlePathShow(eng *engine.Engine, projectHash string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		p, err := eng.DebugPath(projectHash).Show(strArg(req, "path_id"))
		if err != nil {
			return errResult(err)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s\ntrigger: %s\n", p.ID, p.State, p.Trigger)
		for _, w := range p.Waypoints {
			fmt.Fprintf(&b, "- %s [%s] %s\n", w.CreatedAt.Format(time.RFC3339), w.Type, w.Summary)
		}
		if p.Summary != nil {
			fmt.Fprintf(&b, "\nresolution: %s\nroot cause: %s\n", p.Summary.KISSSummary, p.Summary.RootCause)
		}
		return mcp.NewToolResultText(b.String()), nil
	}
}

func handlePathList(eng *engine.Engine, projectHash string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		paths, err := eng.DebugPath(projectHash).List(model.DebugPathState(strArg(req, "state")))
		if err != nil {
			return errResult(err)
		}
		if len(paths) == 0 {
			return mcp.NewToolResultText("no debug paths"), nil
		}
		var b strings.Builder
		for _, p := range paths {
			fmt.Fprintf(&b, "- %s [%s] %s (updated %s)\n", p.ID, p.State, p.Trigger, p.UpdatedAt.Format(time.RFC3339))
		}
		return mcp.NewToolResultText(b.String()), nil
	}
}

// ─── thought branch tools ───────────────────────────────────────────────

func handleQueryBranches(eng *engine.Engine, projectHash string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		branches, err := eng.Branch(projectHash).List(model.BranchState(strArg(req, "state")))
		if err != nil {
			return errResult(err)
		}
		if len(branches) == 0 {
			return mcp.NewToolResultText("no thought branches"), nil
		}
		var b strings.Builder
		for _, br := range branches {
			title := br.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Fprintf(&b, "- %s [%s/%s] %s — %s\n", br.ID, br.Type, br.State, title, br.ArcStage)
		}
		return mcp.NewToolResultText(b.String()), nil
	}
}

func handleShowBranch(eng *engine.Engine, projectHash string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		br, err := eng.Branch(projectHash).Get(strArg(req, "branch_id"))
		if err != nil {
			return errResult(err)
		}
		return mcp.NewToolResultText(renderBranch(br)), nil
	}
}

func handleBranchSummary(eng *engine.Engine, projectHash string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		br, err := eng.Branch(projectHash).Active(strArg(req, "session_id"))
		if err != nil {
			return errResult(err)
		}
		if br == nil {
			return mcp.NewToolResultText("no active branch for this session"), nil
		}
		return mcp.NewToolResultText(renderBranch(br)), nil
	}
}

func renderBranch(br *model.ThoughtBranch) string {
	title := br.Title
	if title == "" {
		title = "(untitled)"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s/%s] %s\narc stage: %s\n", br.ID, br.Type, br.State, title, br.ArcStage)
	for tool, count := range br.ToolHistogram {
		fmt.Fprintf(&b, "- %s: %d\n", tool, count)
	}
	return b.String()
}
