// Package search is the Search Engine of component 4.4: keyword search over
// the FTS5 shadow table, vector KNN over the embedding store, hybrid
// reciprocal-rank fusion across both, and the token-budget truncation
// applied before results leave the process.
package search

import (
	"fmt"
	"sort"
	"strings"

	"github.com/corvid-labs/memengine/internal/apperr"
	"github.com/corvid-labs/memengine/internal/embedding"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/storage"
)

// rrfK is the reciprocal-rank-fusion smoothing constant; 60 is the value
// used throughout the hybrid-search literature and the reference corpus's
// own hybrid ranker.
const rrfK = 60

// defaultCharBudget is the footer-triggering truncation ceiling for a
// single search response rendered into a tool result.
const defaultCharBudget = 4000

// Engine answers keyword, vector, and hybrid queries scoped to one project
// plus whatever other projects its cross-access allow-list admits.
type Engine struct {
	db  *storage.DB
	emb *embedding.Store
}

func New(db *storage.DB, emb *embedding.Store) *Engine {
	return &Engine{db: db, emb: emb}
}

// Hit is one ranked search result.
type Hit struct {
	Observation model.Observation
	Score       float64
}

// projectScope returns the project hash plus any allow-listed projects the
// caller may additionally read from, per the cross-project read contract.
func projectScope(projectHash string, allowList []string) []string {
	scope := make([]string, 0, 1+len(allowList))
	scope = append(scope, projectHash)
	scope = append(scope, allowList...)
	return scope
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "?"
	}
	return strings.Join(ph, ",")
}

// Keyword runs an FTS5 BM25 query scoped to projectHash plus allowList.
func (e *Engine) Keyword(query string, limit int, projectHash string, allowList []string) ([]Hit, error) {
	scope := projectScope(projectHash, allowList)
	q := fmt.Sprintf(`
		SELECT o.id, o.project_hash, o.session_id, o.title, o.content, o.source, o.kind, o.classification,
		       COALESCE(o.embedding_model,''), COALESCE(o.embedding_version,''), o.created_at, o.updated_at, o.deleted_at,
		       bm25(observations_fts) AS rank
		FROM observations_fts
		JOIN observations o ON o.rowid = observations_fts.rowid
		WHERE observations_fts MATCH ? AND o.project_hash IN (%s) AND o.deleted_at IS NULL
		ORDER BY rank LIMIT ?`, placeholders(len(scope)))

	args := make([]any, 0, len(scope)+2)
	args = append(args, query)
	for _, p := range scope {
		args = append(args, p)
	}
	args = append(args, limit)

	rows, err := e.db.Raw().Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: keyword search: %v", apperr.ErrIntegrity, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var o model.Observation
		var createdAt, updatedAt string
		var deletedAt *string
		var rank float64
		if err := rows.Scan(&o.ID, &o.ProjectHash, &o.SessionID, &o.Title, &o.Content, &o.Source,
			&o.Kind, &o.Classification, &o.EmbeddingModel, &o.EmbeddingVersion, &createdAt, &updatedAt, &deletedAt, &rank); err != nil {
			continue
		}
		// bm25() returns lower-is-better; invert so Score is higher-is-better
		// like every other ranking path in this package.
		hits = append(hits, Hit{Observation: o, Score: -rank})
	}
	return hits, rows.Err()
}

// Vector runs a KNN query over the embedding store scoped to projectHash
// plus allowList, then hydrates the matching observation rows.
func (e *Engine) Vector(queryVec []float32, limit int, projectHash string, allowList []string) ([]Hit, error) {
	scope := projectScope(projectHash, allowList)
	var scored []embedding.ScoredObservation
	for _, p := range scope {
		s, err := e.emb.Search(queryVec, limit, p)
		if err != nil {
			return nil, err
		}
		scored = append(scored, s...)
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > limit {
		scored = scored[:limit]
	}

	hits := make([]Hit, 0, len(scored))
	for _, s := range scored {
		o, err := e.hydrate(s.ObservationID)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{Observation: *o, Score: float64(s.Score)})
	}
	return hits, nil
}

func (e *Engine) hydrate(id string) (*model.Observation, error) {
	row := e.db.Raw().QueryRow(`
		SELECT id, project_hash, session_id, title, content, source, kind, classification,
		       COALESCE(embedding_model,''), COALESCE(embedding_version,''), created_at, updated_at, deleted_at
		FROM observations WHERE id = ? AND deleted_at IS NULL`, id)
	var o model.Observation
	var createdAt, updatedAt string
	var deletedAt *string
	if err := row.Scan(&o.ID, &o.ProjectHash, &o.SessionID, &o.Title, &o.Content, &o.Source,
		&o.Kind, &o.Classification, &o.EmbeddingModel, &o.EmbeddingVersion, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}
	return &o, nil
}

// Hybrid fuses keyword and vector rankings with reciprocal rank fusion:
// score(d) = sum over rankings containing d of 1/(rrfK + rank).
func (e *Engine) Hybrid(query string, queryVec []float32, limit int, projectHash string, allowList []string) ([]Hit, error) {
	kw, err := e.Keyword(query, limit*3, projectHash, allowList)
	if err != nil {
		return nil, err
	}
	var vec []Hit
	if queryVec != nil {
		vec, err = e.Vector(queryVec, limit*3, projectHash, allowList)
		if err != nil {
			return nil, err
		}
	}

	fused := map[string]float64{}
	byID := map[string]model.Observation{}
	accumulate := func(hits []Hit) {
		for rank, h := range hits {
			fused[h.Observation.ID] += 1.0 / float64(rrfK+rank+1)
			byID[h.Observation.ID] = h.Observation
		}
	}
	accumulate(kw)
	accumulate(vec)

	out := make([]Hit, 0, len(fused))
	for id, score := range fused {
		out = append(out, Hit{Observation: byID[id], Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Render formats hits as plain text truncated to budget characters,
// appending a footer noting how many results were dropped.
func Render(hits []Hit, budget int) string {
	if budget <= 0 {
		budget = defaultCharBudget
	}
	var b strings.Builder
	shown := 0
	for _, h := range hits {
		line := fmt.Sprintf("- [%s] %s\n", h.Observation.Kind, firstLine(h.Observation.Content))
		if b.Len()+len(line) > budget {
			break
		}
		b.WriteString(line)
		shown++
	}
	if shown < len(hits) {
		fmt.Fprintf(&b, "\n(%d more result(s) truncated)\n", len(hits)-shown)
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
