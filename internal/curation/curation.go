// Package curation is the Curation Agent of component 4.10: a 5-minute
// maintenance cycle of six independently-wrapped steps, each failure
// isolated so one misbehaving step never blocks the others.
package curation

import (
	"fmt"
	"time"

	"github.com/corvid-labs/memengine/internal/graph"
	"github.com/corvid-labs/memengine/internal/ids"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/storage"
	"github.com/sirupsen/logrus"
)

// degreeCapWarnAt is the fraction of model.MaxDegree at which a node is
// flagged as approaching its cap, ahead of the lowest-weight pruning that
// graph.EnforceMaxDegree applies once a node exceeds it.
const degreeCapWarnAt = 0.9

// noiseRetention bounds how long a noise-classified, graph-unlinked
// observation survives before low-value pruning soft-deletes it.
const noiseRetention = 14 * 24 * time.Hour

var entityNodeTypes = []model.NodeType{
	model.NodeFile, model.NodeProject, model.NodeDecision, model.NodeProblem, model.NodeSolution, model.NodeRef,
}

type Agent struct {
	db          *storage.DB
	projectHash string
	graph       *graph.Graph
	log         *logrus.Entry
}

func New(db *storage.DB, projectHash string, log *logrus.Entry) *Agent {
	return &Agent{db: db, projectHash: projectHash, graph: graph.New(db, projectHash, log), log: log}
}

// StepResult records one step's outcome for the cycle report.
type StepResult struct {
	Name  string
	Count int
	Err   error
}

// Report is the outcome of one curation cycle.
type Report struct {
	Steps []StepResult
}

func (a *Agent) run(name string, fn func() (int, error)) StepResult {
	n, err := fn()
	if err != nil {
		a.log.WithError(err).WithField("step", name).Warn("curation step failed")
	}
	return StepResult{Name: name, Count: n, Err: err}
}

// RunCycle executes all six steps; each is wrapped independently so a
// failure in one never prevents the rest from running.
func (a *Agent) RunCycle() Report {
	return Report{Steps: []StepResult{
		a.run("cluster_merge", a.clusterMerge),
		a.run("entity_dedup", a.entityDedup),
		a.run("degree_cap_enforcement", a.degreeCapEnforcement),
		a.run("staleness_detection", a.stalenessDetection),
		a.run("low_value_pruning", a.lowValuePruning),
		a.run("temporal_decay", a.temporalDecay),
	}}
}

// clusterMerge folds together near-duplicate File/Reference entities,
// which accumulate the fastest from path-variant mentions of the same file.
func (a *Agent) clusterMerge() (int, error) {
	merged := 0
	for _, t := range []model.NodeType{model.NodeFile, model.NodeRef} {
		pairs, err := a.graph.FindDuplicateEntities(t)
		if err != nil {
			return merged, err
		}
		for _, pair := range pairs {
			if err := a.graph.MergeEntities(pair[0], pair[1]); err != nil {
				continue
			}
			merged++
		}
	}
	return merged, nil
}

// entityDedup sweeps the remaining node types with the same duplicate test,
// kept as a separate step so a slow/failing type never blocks clusterMerge.
func (a *Agent) entityDedup() (int, error) {
	merged := 0
	for _, t := range []model.NodeType{model.NodeProject, model.NodeDecision, model.NodeProblem, model.NodeSolution} {
		pairs, err := a.graph.FindDuplicateEntities(t)
		if err != nil {
			return merged, err
		}
		for _, pair := range pairs {
			if err := a.graph.MergeEntities(pair[0], pair[1]); err != nil {
				continue
			}
			merged++
		}
	}
	return merged, nil
}

// degreeCapEnforcement prunes nodes that are over the hard cap (keeping
// their most-weighted associations) and flags, via a notification, nodes
// merely approaching it so an operator can see a hub forming before it is
// ever pruned.
func (a *Agent) degreeCapEnforcement() (int, error) {
	rows, err := a.db.Raw().Query(`
		SELECT n.id, n.name, COUNT(e.id) AS degree
		FROM graph_nodes n
		JOIN graph_edges e ON e.source = n.id OR e.target = n.id
		WHERE n.project_hash = ?
		GROUP BY n.id
		HAVING degree >= ?`, a.projectHash, int(degreeCapWarnAt*float64(model.MaxDegree)))
	if err != nil {
		return 0, fmt.Errorf("degree cap scan: %w", err)
	}
	defer rows.Close()

	type hotNode struct {
		id, name string
		degree   int
	}
	var hot []hotNode
	for rows.Next() {
		var h hotNode
		if err := rows.Scan(&h.id, &h.name, &h.degree); err != nil {
			continue
		}
		hot = append(hot, h)
	}
	rows.Close()

	flagged := 0
	for _, h := range hot {
		if h.degree > model.MaxDegree {
			if err := a.graph.EnforceMaxDegree(h.id); err != nil {
				continue
			}
			flagged++
			continue
		}
		a.db.Raw().Exec(`
			INSERT INTO pending_notifications (id, project_hash, message, created_at)
			VALUES (?, ?, ?, ?)`, ids.New(), a.projectHash,
			fmt.Sprintf("node %q approaching degree cap (%d/%d)", h.name, h.degree, model.MaxDegree),
			time.Now().UTC().Format(time.RFC3339))
		flagged++
	}
	return flagged, nil
}

// stalenessDetection flags problem observations whose node now also links
// to a solution via solved_by, marking the problem superseded without
// hiding it from search.
func (a *Agent) stalenessDetection() (int, error) {
	rows, err := a.db.Raw().Query(`
		SELECT po.value, so.value
		FROM graph_edges e
		JOIN graph_nodes pn ON pn.id = e.source AND pn.type = 'Problem'
		JOIN graph_nodes sn ON sn.id = e.target AND sn.type = 'Solution'
		JOIN json_each(pn.observation_ids) po
		JOIN json_each(sn.observation_ids) so
		WHERE e.type = 'solved_by' AND e.project_hash = ?`, a.projectHash)
	if err != nil {
		return 0, fmt.Errorf("staleness scan: %w", err)
	}
	defer rows.Close()

	flagged := 0
	for rows.Next() {
		var problemObs, solutionObs string
		if err := rows.Scan(&problemObs, &solutionObs); err != nil {
			continue
		}
		res, err := a.db.Raw().Exec(`
			INSERT INTO staleness_flags (id, observation_id, superseded_by, reason, created_at)
			SELECT ?, ?, ?, 'superseded by linked solution', ?
			WHERE NOT EXISTS (SELECT 1 FROM staleness_flags WHERE observation_id = ? AND superseded_by = ?)`,
			ids.New(), problemObs, solutionObs, time.Now().UTC().Format(time.RFC3339), problemObs, solutionObs)
		if err != nil {
			continue
		}
		if n, _ := res.RowsAffected(); n > 0 {
			flagged++
		}
	}
	return flagged, nil
}

// lowValuePruning soft-deletes noise-classified observations older than
// noiseRetention that never accumulated any graph linkage.
func (a *Agent) lowValuePruning() (int, error) {
	cutoff := time.Now().UTC().Add(-noiseRetention).Format(time.RFC3339)
	res, err := a.db.Raw().Exec(`
		UPDATE observations SET deleted_at = ?
		WHERE project_hash = ? AND classification = 'noise' AND deleted_at IS NULL AND created_at < ?
		AND id NOT IN (
			SELECT json_each.value FROM graph_nodes, json_each(graph_nodes.observation_ids)
			WHERE graph_nodes.project_hash = ?
		)`, time.Now().UTC().Format(time.RFC3339), a.projectHash, cutoff, a.projectHash)
	if err != nil {
		return 0, fmt.Errorf("low value pruning: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (a *Agent) temporalDecay() (int, error) {
	if err := a.graph.ApplyTemporalDecay(); err != nil {
		return 0, err
	}
	var n int
	a.db.Raw().QueryRow(`SELECT COUNT(*) FROM graph_edges WHERE project_hash = ?`, a.projectHash).Scan(&n)
	return n, nil
}
