// Package graph is the Knowledge Graph of component 4.6: typed entity
// nodes, directed relationship edges, degree-cap enforcement, duplicate
// entity detection and merging, temporal decay, and bounded traversal.
package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corvid-labs/memengine/internal/apperr"
	"github.com/corvid-labs/memengine/internal/ids"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/storage"
)

// maxTraversalDepth bounds how far traverse_from walks the graph.
const maxTraversalDepth = 4

// decayHalfLife is the temporal-decay half-life applied to edge weights.
const decayHalfLife = 30 * 24 * time.Hour

type Graph struct {
	db          *storage.DB
	projectHash string
	log         *logrus.Entry
}

func New(db *storage.DB, projectHash string, log *logrus.Entry) *Graph {
	return &Graph{db: db, projectHash: projectHash, log: log}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// UpsertNode inserts or strengthens an entity node. Matching is by
// (project, type, normalized name); re-upserting an existing node raises
// its confidence toward the new value and appends the observation id.
func (g *Graph) UpsertNode(nodeType model.NodeType, name string, confidence float64, observationID string, metadata map[string]string) (*model.GraphNode, error) {
	norm := normalize(name)
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		metaJSON = []byte("{}")
	}

	var existingID string
	err = g.db.Raw().QueryRow(`
		SELECT id FROM graph_nodes WHERE project_hash = ? AND type = ? AND normalized_name = ?`,
		g.projectHash, string(nodeType), norm).Scan(&existingID)
	now := time.Now().UTC().Format(time.RFC3339)

	if err == nil {
		if _, err := g.db.Raw().Exec(`
			UPDATE graph_nodes
			SET confidence = MAX(confidence, ?), updated_at = ?,
			    observation_ids = json_insert(observation_ids, '$[#]', ?)
			WHERE id = ?`, confidence, now, observationID, existingID); err != nil {
			return nil, fmt.Errorf("%w: strengthen node: %v", apperr.ErrIntegrity, err)
		}
		return g.GetNode(existingID)
	}

	node := &model.GraphNode{
		ID:             ids.New(),
		ProjectHash:    g.projectHash,
		Type:           nodeType,
		Name:           name,
		NormalizedName: norm,
		Confidence:     confidence,
		Metadata:       metadata,
		ObservationIDs: []string{observationID},
	}
	obsJSON, _ := json.Marshal(node.ObservationIDs)
	if _, err := g.db.Raw().Exec(`
		INSERT INTO graph_nodes (id, project_hash, type, name, normalized_name, confidence, metadata_json, observation_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.ID, node.ProjectHash, string(node.Type), node.Name, node.NormalizedName, node.Confidence,
		string(metaJSON), string(obsJSON), now, now); err != nil {
		return nil, fmt.Errorf("%w: insert node: %v", apperr.ErrIntegrity, err)
	}
	return node, nil
}

func (g *Graph) GetNode(id string) (*model.GraphNode, error) {
	row := g.db.Raw().QueryRow(`
		SELECT id, project_hash, type, name, normalized_name, confidence, metadata_json, observation_ids, created_at, updated_at
		FROM graph_nodes WHERE id = ?`, id)
	n, err := scanGraphNode(row)
	if err != nil {
		return nil, apperr.ErrNotFound
	}
	return n, nil
}

func scanGraphNode(row interface{ Scan(...any) error }) (*model.GraphNode, error) {
	var n model.GraphNode
	var metaJSON, obsJSON, createdAt, updatedAt string
	if err := row.Scan(&n.ID, &n.ProjectHash, &n.Type, &n.Name, &n.NormalizedName, &n.Confidence,
		&metaJSON, &obsJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	n.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	json.Unmarshal([]byte(metaJSON), &n.Metadata)
	json.Unmarshal([]byte(obsJSON), &n.ObservationIDs)
	return &n, nil
}

// SearchNodes finds nodes whose normalized name contains query, optionally
// restricted to one type, highest confidence first. This is query_graph's
// entry point for resolving a free-text query to a starting entity.
func (g *Graph) SearchNodes(query string, nodeType model.NodeType, limit int) ([]model.GraphNode, error) {
	q := `SELECT id, project_hash, type, name, normalized_name, confidence, metadata_json, observation_ids, created_at, updated_at
	      FROM graph_nodes WHERE project_hash = ? AND normalized_name LIKE ?`
	args := []any{g.projectHash, "%" + normalize(query) + "%"}
	if nodeType != "" {
		q += " AND type = ?"
		args = append(args, string(nodeType))
	}
	q += " ORDER BY confidence DESC LIMIT ?"
	args = append(args, limit)

	rows, err := g.db.Raw().Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: search nodes: %v", apperr.ErrIntegrity, err)
	}
	defer rows.Close()
	var out []model.GraphNode
	for rows.Next() {
		n, err := scanGraphNode(rows)
		if err != nil {
			continue
		}
		out = append(out, *n)
	}
	return out, nil
}

// degree returns the node's current in+out edge count.
func (g *Graph) degree(nodeID string) (int, error) {
	var n int
	err := g.db.Raw().QueryRow(`
		SELECT COUNT(*) FROM graph_edges WHERE source = ? OR target = ?`, nodeID, nodeID).Scan(&n)
	return n, err
}

// InsertEdge upserts a directed relationship, then enforces the max-degree
// cap on both endpoints by pruning their lowest-weight edges if the insert
// pushed either one over the cap. Strengthening an edge that already exists
// never changes either endpoint's degree, so it is never blocked by the cap.
func (g *Graph) InsertEdge(source, target string, edgeType model.EdgeType, weight float64, metadata map[string]string) (*model.GraphEdge, error) {
	metaJSON, _ := json.Marshal(metadata)
	edge := &model.GraphEdge{
		ID:          ids.New(),
		ProjectHash: g.projectHash,
		Source:      source,
		Target:      target,
		Type:        edgeType,
		Weight:      weight,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := g.db.Raw().Exec(`
		INSERT INTO graph_edges (id, project_hash, source, target, type, weight, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, target, type) DO UPDATE SET weight = MAX(graph_edges.weight, excluded.weight)`,
		edge.ID, edge.ProjectHash, edge.Source, edge.Target, string(edge.Type), edge.Weight,
		string(metaJSON), edge.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("%w: insert edge: %v", apperr.ErrIntegrity, err)
	}
	if err := g.EnforceMaxDegree(source); err != nil {
		return nil, err
	}
	if err := g.EnforceMaxDegree(target); err != nil {
		return nil, err
	}
	return edge, nil
}

// EnforceMaxDegree keeps nodeID's most-weighted associations by deleting its
// lowest-weight edges, atomically, until its degree is back at or under
// MaxDegree. Hub nodes (file paths touched by nearly every observation) are
// the primary trigger.
func (g *Graph) EnforceMaxDegree(nodeID string) error {
	deg, err := g.degree(nodeID)
	if err != nil {
		return fmt.Errorf("%w: degree lookup: %v", apperr.ErrIntegrity, err)
	}
	excess := deg - model.MaxDegree
	if excess <= 0 {
		return nil
	}

	tx, err := g.db.Raw().Begin()
	if err != nil {
		return fmt.Errorf("%w: begin prune: %v", apperr.ErrIntegrity, err)
	}
	res, err := tx.Exec(`
		DELETE FROM graph_edges WHERE id IN (
			SELECT id FROM graph_edges WHERE source = ? OR target = ?
			ORDER BY weight ASC LIMIT ?)`, nodeID, nodeID, excess)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: prune edges: %v", apperr.ErrIntegrity, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit prune: %v", apperr.ErrIntegrity, err)
	}
	pruned, _ := res.RowsAffected()
	if g.log != nil && pruned > 0 {
		g.log.WithFields(logrus.Fields{"node": nodeID, "pruned": pruned}).Info("enforced max degree, pruned lowest-weight edges")
	}
	return nil
}

// FindDuplicateEntities scans nodes of the same type for likely duplicates
// using case-fold/abbreviation/path normalization, Levenshtein distance
// <=2, and Jaccard token similarity >=0.7.
func (g *Graph) FindDuplicateEntities(nodeType model.NodeType) ([][2]string, error) {
	rows, err := g.db.Raw().Query(`SELECT id, normalized_name FROM graph_nodes WHERE project_hash = ? AND type = ?`, g.projectHash, string(nodeType))
	if err != nil {
		return nil, fmt.Errorf("%w: duplicate scan: %v", apperr.ErrIntegrity, err)
	}
	defer rows.Close()

	type entry struct{ id, name string }
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.name); err != nil {
			continue
		}
		entries = append(entries, e)
	}

	var pairs [][2]string
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			a, b := canonicalize(entries[i].name), canonicalize(entries[j].name)
			if a == b || levenshtein(a, b) <= 2 || jaccard(a, b) >= 0.7 {
				pairs = append(pairs, [2]string{entries[i].id, entries[j].id})
			}
		}
	}
	return pairs, nil
}

// canonicalize applies abbreviation expansion and path normalization ahead
// of distance comparisons.
func canonicalize(name string) string {
	name = strings.TrimSuffix(name, "/")
	name = strings.ReplaceAll(name, "\\", "/")
	abbrevs := map[string]string{"cfg": "config", "impl": "implementation", "auth": "authentication", "db": "database"}
	tokens := strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '_' || r == '-' || r == '.' })
	for i, t := range tokens {
		if exp, ok := abbrevs[t]; ok {
			tokens[i] = exp
		}
	}
	return strings.Join(tokens, " ")
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

func jaccard(a, b string) float64 {
	setA := map[string]bool{}
	for _, t := range strings.Fields(a) {
		setA[t] = true
	}
	setB := map[string]bool{}
	for _, t := range strings.Fields(b) {
		setB[t] = true
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	inter, union := 0, 0
	seen := map[string]bool{}
	for t := range setA {
		union++
		seen[t] = true
		if setB[t] {
			inter++
		}
	}
	for t := range setB {
		if !seen[t] {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// MergeEntities folds loser into winner: edges are re-pointed, observation
// ids are unioned, and the loser row is removed. Degree-cap enforcement
// runs again on winner since it may now exceed the cap after the merge.
func (g *Graph) MergeEntities(winnerID, loserID string) error {
	winner, err := g.GetNode(winnerID)
	if err != nil {
		return err
	}
	loser, err := g.GetNode(loserID)
	if err != nil {
		return err
	}

	if err := g.repointEdges(winnerID, loserID, "source", "target"); err != nil {
		return err
	}
	if err := g.repointEdges(winnerID, loserID, "target", "source"); err != nil {
		return err
	}
	if _, err := g.db.Raw().Exec(`DELETE FROM graph_edges WHERE source = target AND source = ?`, winnerID); err != nil {
		return fmt.Errorf("%w: drop self-loops: %v", apperr.ErrIntegrity, err)
	}

	merged := mergeObservationIDs(winner.ObservationIDs, loser.ObservationIDs)
	obsJSON, _ := json.Marshal(merged)
	if _, err := g.db.Raw().Exec(`
		UPDATE graph_nodes SET observation_ids = ?, confidence = MAX(confidence, ?), updated_at = ?
		WHERE id = ?`, string(obsJSON), loser.Confidence, time.Now().UTC().Format(time.RFC3339), winnerID); err != nil {
		return fmt.Errorf("%w: merge observation ids: %v", apperr.ErrIntegrity, err)
	}
	if _, err := g.db.Raw().Exec(`DELETE FROM graph_nodes WHERE id = ?`, loserID); err != nil {
		return fmt.Errorf("%w: delete merged node: %v", apperr.ErrIntegrity, err)
	}
	return g.EnforceMaxDegree(winnerID)
}

// repointEdges moves loser's edges, matched on endpoint ("source" or
// "target"), onto winner. Where winner already holds an edge to the same
// other endpoint and type, the higher-weight instance survives and the
// loser's edge is dropped instead of violating the
// (source,target,type) uniqueness constraint a plain UPDATE would hit.
func (g *Graph) repointEdges(winnerID, loserID, endpoint, other string) error {
	rows, err := g.db.Raw().Query(fmt.Sprintf(
		`SELECT id, %s, type, weight FROM graph_edges WHERE %s = ?`, other, endpoint), loserID)
	if err != nil {
		return fmt.Errorf("%w: scan %s edges: %v", apperr.ErrIntegrity, endpoint, err)
	}
	type loserEdge struct {
		id, otherID, edgeType string
		weight                float64
	}
	var edges []loserEdge
	for rows.Next() {
		var e loserEdge
		if err := rows.Scan(&e.id, &e.otherID, &e.edgeType, &e.weight); err != nil {
			continue
		}
		edges = append(edges, e)
	}
	rows.Close()

	for _, e := range edges {
		var existingID string
		var existingWeight float64
		lookup := fmt.Sprintf(`SELECT id, weight FROM graph_edges WHERE %s = ? AND %s = ? AND type = ?`, endpoint, other)
		err := g.db.Raw().QueryRow(lookup, winnerID, e.otherID, e.edgeType).Scan(&existingID, &existingWeight)
		switch {
		case err == nil:
			if e.weight > existingWeight {
				if _, err := g.db.Raw().Exec(`UPDATE graph_edges SET weight = ? WHERE id = ?`, e.weight, existingID); err != nil {
					return fmt.Errorf("%w: merge duplicate edge weight: %v", apperr.ErrIntegrity, err)
				}
			}
			if _, err := g.db.Raw().Exec(`DELETE FROM graph_edges WHERE id = ?`, e.id); err != nil {
				return fmt.Errorf("%w: drop duplicate edge: %v", apperr.ErrIntegrity, err)
			}
		case err == sql.ErrNoRows:
			if _, err := g.db.Raw().Exec(fmt.Sprintf(`UPDATE graph_edges SET %s = ? WHERE id = ?`, endpoint), winnerID, e.id); err != nil {
				return fmt.Errorf("%w: repoint edge: %v", apperr.ErrIntegrity, err)
			}
		default:
			return fmt.Errorf("%w: duplicate edge lookup: %v", apperr.ErrIntegrity, err)
		}
	}
	return nil
}

func mergeObservationIDs(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range append(append([]string{}, a...), b...) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// ApplyTemporalDecay halves every edge's weight every decayHalfLife since
// its creation, down to a floor of 0.05. Decay never deletes an edge, and
// no curation step removes edges for low weight or age; edges leave the
// graph only through degree-cap pruning or an entity merge.
func (g *Graph) ApplyTemporalDecay() error {
	rows, err := g.db.Raw().Query(`SELECT id, weight, created_at FROM graph_edges WHERE project_hash = ?`, g.projectHash)
	if err != nil {
		return fmt.Errorf("%w: decay scan: %v", apperr.ErrIntegrity, err)
	}
	defer rows.Close()

	type edgeRow struct {
		id        string
		weight    float64
		createdAt string
	}
	var edges []edgeRow
	for rows.Next() {
		var e edgeRow
		if err := rows.Scan(&e.id, &e.weight, &e.createdAt); err != nil {
			continue
		}
		edges = append(edges, e)
	}

	now := time.Now().UTC()
	for _, e := range edges {
		created, err := time.Parse(time.RFC3339, e.createdAt)
		if err != nil {
			continue
		}
		halvings := now.Sub(created).Hours() / decayHalfLife.Hours()
		decayed := e.weight
		for i := 0; i < int(halvings); i++ {
			decayed /= 2
		}
		if decayed < 0.05 {
			decayed = 0.05
		}
		g.db.Raw().Exec(`UPDATE graph_edges SET weight = ? WHERE id = ?`, decayed, e.id)
	}
	return nil
}

// TraversalNode is one step of a traverse_from walk.
type TraversalNode struct {
	Node  model.GraphNode
	Depth int
	Via   model.EdgeType
}

// TraverseFrom performs a breadth-first walk outward from start up to
// maxTraversalDepth hops, following edges in either direction.
func (g *Graph) TraverseFrom(start string, maxDepth int) ([]TraversalNode, error) {
	if maxDepth <= 0 || maxDepth > maxTraversalDepth {
		maxDepth = maxTraversalDepth
	}

	visited := map[string]bool{start: true}
	if _, err := g.GetNode(start); err != nil {
		return nil, err
	}
	var out []TraversalNode
	frontier := []string{start}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		rows, err := g.db.Raw().Query(fmt.Sprintf(`
			SELECT source, target, type FROM graph_edges WHERE source IN (%s) OR target IN (%s)`,
			placeholders(len(frontier)), placeholders(len(frontier))),
			append(toAny(frontier), toAny(frontier)...)...)
		if err != nil {
			return nil, fmt.Errorf("%w: traverse: %v", apperr.ErrIntegrity, err)
		}
		for rows.Next() {
			var src, tgt string
			var edgeType model.EdgeType
			if err := rows.Scan(&src, &tgt, &edgeType); err != nil {
				continue
			}
			other := tgt
			if visited[tgt] {
				other = src
			}
			if visited[other] {
				continue
			}
			visited[other] = true
			node, err := g.GetNode(other)
			if err != nil {
				continue
			}
			tn := TraversalNode{Node: *node, Depth: depth, Via: edgeType}
			out = append(out, tn)
			next = append(next, other)
		}
		rows.Close()
		frontier = next
	}
	return out, nil
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "?"
	}
	return strings.Join(ph, ",")
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// hotDegreeFraction flags a node in graph_stats once it crosses this
// fraction of model.MaxDegree, ahead of curation's own (stricter) warning
// threshold used to actually push a notification.
const hotDegreeFraction = 0.8

// HotNode is a node approaching the degree cap.
type HotNode struct {
	ID     string
	Name   string
	Type   model.NodeType
	Degree int
}

// Stats summarizes graph_stats: totals, nodes nearing the degree cap,
// likely-duplicate pairs, and observations flagged stale by curation.
type Stats struct {
	NodeCount           int
	EdgeCount           int
	HotNodes            []HotNode
	DuplicateCandidates int
	StalenessCount      int
}

func (g *Graph) Stats() (Stats, error) {
	var s Stats
	if err := g.db.Raw().QueryRow(`SELECT COUNT(*) FROM graph_nodes WHERE project_hash = ?`, g.projectHash).Scan(&s.NodeCount); err != nil {
		return s, fmt.Errorf("%w: node count: %v", apperr.ErrIntegrity, err)
	}
	if err := g.db.Raw().QueryRow(`SELECT COUNT(*) FROM graph_edges WHERE project_hash = ?`, g.projectHash).Scan(&s.EdgeCount); err != nil {
		return s, fmt.Errorf("%w: edge count: %v", apperr.ErrIntegrity, err)
	}

	rows, err := g.db.Raw().Query(`
		SELECT n.id, n.name, n.type, COUNT(e.id) AS degree
		FROM graph_nodes n
		JOIN graph_edges e ON e.source = n.id OR e.target = n.id
		WHERE n.project_hash = ?
		GROUP BY n.id
		HAVING degree >= ?
		ORDER BY degree DESC`, g.projectHash, int(hotDegreeFraction*float64(model.MaxDegree)))
	if err != nil {
		return s, fmt.Errorf("%w: hot node scan: %v", apperr.ErrIntegrity, err)
	}
	for rows.Next() {
		var h HotNode
		if err := rows.Scan(&h.ID, &h.Name, &h.Type, &h.Degree); err == nil {
			s.HotNodes = append(s.HotNodes, h)
		}
	}
	rows.Close()

	for _, t := range model.AllNodeTypes {
		pairs, err := g.FindDuplicateEntities(t)
		if err != nil {
			continue
		}
		s.DuplicateCandidates += len(pairs)
	}

	if err := g.db.Raw().QueryRow(`
		SELECT COUNT(*) FROM staleness_flags sf
		JOIN observations o ON o.id = sf.observation_id
		WHERE o.project_hash = ?`, g.projectHash).Scan(&s.StalenessCount); err != nil {
		return s, fmt.Errorf("%w: staleness count: %v", apperr.ErrIntegrity, err)
	}
	return s, nil
}
