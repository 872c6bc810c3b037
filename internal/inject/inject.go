// Package inject is the Context Injector of component 4.11: assembles the
// session-start markdown digest, extracts a bounded query ahead of a tool
// call, and surfaces an active-debug-path banner after a restart.
package inject

import (
	"fmt"
	"strings"

	"github.com/corvid-labs/memengine/internal/debugpath"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/search"
	"github.com/corvid-labs/memengine/internal/storage"
)

// recentByKind pulls the most recent non-deleted observations of one kind
// across projectHash plus allowList, newest first. Session-start assembly
// needs "what's recent" rather than a relevance-ranked query, so it reads
// observations directly instead of going through the FTS5 query path.
func recentByKind(db *storage.DB, kind model.ObservationKind, limit int, projectHash string, allowList []string) ([]model.Observation, error) {
	scope := append([]string{projectHash}, allowList...)
	placeholders := strings.Repeat("?,", len(scope))
	placeholders = strings.TrimSuffix(placeholders, ",")

	args := make([]any, 0, len(scope)+2)
	args = append(args, kind)
	for _, p := range scope {
		args = append(args, p)
	}
	args = append(args, limit)

	rows, err := db.Raw().Query(fmt.Sprintf(`
		SELECT id, project_hash, session_id, title, content, source, kind, classification,
		       COALESCE(embedding_model,''), COALESCE(embedding_version,''), created_at, updated_at, deleted_at
		FROM observations
		WHERE kind = ? AND project_hash IN (%s) AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT ?`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Observation
	for rows.Next() {
		var o model.Observation
		var createdAt, updatedAt string
		var deletedAt *string
		if err := rows.Scan(&o.ID, &o.ProjectHash, &o.SessionID, &o.Title, &o.Content, &o.Source,
			&o.Kind, &o.Classification, &o.EmbeddingModel, &o.EmbeddingVersion, &createdAt, &updatedAt, &deletedAt); err != nil {
			continue
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// sessionStartBudget is the hard character ceiling on the assembled digest.
const sessionStartBudget = 6000

// preToolBudget bounds the query string extracted ahead of a tool call.
const preToolBudget = 500

// trimOrder lists section keys from lowest priority (dropped first) to
// highest (kept longest) when the assembled digest exceeds its budget.
var trimOrder = []string{"references", "findings", "tools", "changes"}

type Injector struct {
	db          *storage.DB
	projectHash string
	search      *search.Engine
	debugPaths  *debugpath.Tracker
}

func New(db *storage.DB, projectHash string, se *search.Engine, dp *debugpath.Tracker) *Injector {
	return &Injector{db: db, projectHash: projectHash, search: se, debugPaths: dp}
}

type section struct {
	key   string
	title string
	body  string
}

// SessionStart assembles the five-section markdown digest, trimming
// references, then findings, then tools, then changes, until the result
// fits sessionStartBudget.
func (i *Injector) SessionStart(allowList []string) (string, error) {
	sections := []section{
		i.banner(),
		i.changesSection(allowList),
		i.findingsSection(allowList),
		i.toolsSection(),
		i.referencesSection(allowList),
	}

	render := func(secs []section) string {
		var b strings.Builder
		for _, s := range secs {
			if s.body == "" {
				continue
			}
			fmt.Fprintf(&b, "## %s\n%s\n\n", s.title, s.body)
		}
		return strings.TrimSpace(b.String())
	}

	byKey := map[string]*section{}
	for idx := range sections {
		byKey[sections[idx].key] = &sections[idx]
	}

	out := render(sections)
	for _, key := range trimOrder {
		if len(out) <= sessionStartBudget {
			break
		}
		if s, ok := byKey[key]; ok {
			s.body = ""
		}
		out = render(sections)
	}
	if len(out) > sessionStartBudget {
		out = out[:sessionStartBudget]
	}
	return out, nil
}

func (i *Injector) banner() section {
	if i.debugPaths == nil {
		return section{key: "banner", title: "Status"}
	}
	active, err := debugpath.ActiveOnRestart(i.db, i.projectHash)
	if err != nil || active == nil {
		return section{key: "banner", title: "Status"}
	}
	return section{
		key:   "banner",
		title: "Active debug path",
		body:  fmt.Sprintf("Resuming an in-progress debugging session: %s", active.Trigger),
	}
}

func (i *Injector) changesSection(allowList []string) section {
	obs, err := recentByKind(i.db, model.KindChange, 5, i.projectHash, allowList)
	if err != nil {
		return section{key: "changes", title: "Recent changes"}
	}
	return section{key: "changes", title: "Recent changes", body: formatObservations(obs)}
}

func (i *Injector) findingsSection(allowList []string) section {
	obs, err := recentByKind(i.db, model.KindFinding, 5, i.projectHash, allowList)
	if err != nil {
		return section{key: "findings", title: "Recent findings"}
	}
	return section{key: "findings", title: "Recent findings", body: formatObservations(obs)}
}

func (i *Injector) toolsSection() section {
	return section{key: "tools", title: "Available tools", body: ""}
}

func (i *Injector) referencesSection(allowList []string) section {
	obs, err := recentByKind(i.db, model.KindReference, 5, i.projectHash, allowList)
	if err != nil {
		return section{key: "references", title: "References"}
	}
	return section{key: "references", title: "References", body: formatObservations(obs)}
}

func formatObservations(obs []model.Observation) string {
	var b strings.Builder
	for _, o := range obs {
		fmt.Fprintf(&b, "- %s\n", firstLine(o.Content))
	}
	return strings.TrimSpace(b.String())
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 160 {
		s = s[:160]
	}
	return s
}

// PreToolQuery extracts a bounded search query from the about-to-run tool's
// input, used to prefetch relevant context synchronously.
func PreToolQuery(toolInput string) string {
	q := strings.TrimSpace(toolInput)
	if len(q) > preToolBudget {
		q = q[:preToolBudget]
	}
	return q
}
