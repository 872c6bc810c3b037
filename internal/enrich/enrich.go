// Package enrich is the Classifier/Enricher of component 4.5: on a 30s
// cadence it pulls a batch of unclassified observations, classifies and
// extracts entities from up to three at a time, applies the entity quality
// gate, and forwards results to the knowledge graph, branch tracker, and
// debug-path tracker.
package enrich

import (
	"context"
	"sort"
	"sync"

	"github.com/corvid-labs/memengine/internal/branch"
	"github.com/corvid-labs/memengine/internal/config"
	"github.com/corvid-labs/memengine/internal/debugpath"
	"github.com/corvid-labs/memengine/internal/graph"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/observation"
	"github.com/corvid-labs/memengine/internal/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// batchSize and workerLimit are the component's fixed per-cycle bounds.
const (
	batchSize   = 10
	workerLimit = 3
)

// ExtractedEntity is one candidate graph entity surfaced by the classifier.
type ExtractedEntity struct {
	Type       model.NodeType
	Name       string
	Confidence float64
}

// ExtractedRelationship links two already-extracted entities by name.
type ExtractedRelationship struct {
	SourceName string
	TargetName string
	Type       model.EdgeType
	Weight     float64
}

// Result is one observation's classification output.
type Result struct {
	Classification model.Classification
	Entities       []ExtractedEntity
	Relationships  []ExtractedRelationship
	WaypointType   model.WaypointType // zero value means "not debug-relevant"
}

// Classifier is the pluggable LLM adapter; when nil the enricher falls back
// to a conservative keyword heuristic so the pipeline keeps moving with no
// LLM configured.
type Classifier interface {
	Classify(ctx context.Context, obs model.Observation) (Result, error)
}

type Enricher struct {
	db         *storage.DB
	classifier Classifier
	cfg        *config.Store
	log        *logrus.Entry

	mu               sync.Mutex
	graphs           map[string]*graph.Graph
	branches         map[string]*branch.Tracker
	debugPaths       map[string]*debugpath.Tracker
	branchAdapter    branch.TypeTitleAdapter
	summaryAdapter   debugpath.SummaryAdapter
}

func New(db *storage.DB, classifier Classifier, cfg *config.Store, log *logrus.Entry,
	branchAdapter branch.TypeTitleAdapter, summaryAdapter debugpath.SummaryAdapter) *Enricher {
	return &Enricher{
		db: db, classifier: classifier, cfg: cfg, log: log,
		graphs: map[string]*graph.Graph{}, branches: map[string]*branch.Tracker{}, debugPaths: map[string]*debugpath.Tracker{},
		branchAdapter: branchAdapter, summaryAdapter: summaryAdapter,
	}
}

func (e *Enricher) graphFor(projectHash string) *graph.Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.graphs[projectHash]; ok {
		return g
	}
	g := graph.New(e.db, projectHash, e.log)
	e.graphs[projectHash] = g
	return g
}

func (e *Enricher) branchFor(projectHash string) *branch.Tracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.branches[projectHash]; ok {
		return b
	}
	b := branch.New(e.db, projectHash, e.branchAdapter)
	e.branches[projectHash] = b
	return b
}

func (e *Enricher) debugPathFor(projectHash string) *debugpath.Tracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.debugPaths[projectHash]; ok {
		return d
	}
	d := debugpath.New(e.db, projectHash, e.summaryAdapter)
	e.debugPaths[projectHash] = d
	return d
}

// CycleReport summarizes one classification cycle for logging/status.
type CycleReport struct {
	Processed int
	Errors    []error
}

// RunCycle processes up to batchSize unclassified observations with up to
// workerLimit concurrent workers. A failure classifying one observation is
// recorded in the report but never aborts its siblings.
func (e *Enricher) RunCycle(ctx context.Context) (CycleReport, error) {
	obs, err := observation.FindUnclassified(e.db, batchSize)
	if err != nil {
		return CycleReport{}, err
	}

	var mu sync.Mutex
	report := CycleReport{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerLimit)

	for _, o := range obs {
		o := o
		g.Go(func() error {
			if err := e.processOne(gctx, o); err != nil {
				mu.Lock()
				report.Errors = append(report.Errors, err)
				mu.Unlock()
				return nil // never cancel sibling workers over one failure
			}
			mu.Lock()
			report.Processed++
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return report, nil
}

func (e *Enricher) processOne(ctx context.Context, obs model.Observation) error {
	result, err := e.classify(ctx, obs)
	if err != nil {
		return err
	}

	obsStore := observation.New(e.db, obs.ProjectHash)
	class := result.Classification
	if err := obsStore.Update(obs.ID, observation.UpdatePatch{Classification: &class}); err != nil {
		return err
	}

	if class == model.ClassNoise {
		_, err := obsStore.SoftDelete(obs.ID)
		return err
	}

	gateCfg, err := e.cfg.GraphExtraction()
	if err != nil {
		gateCfg = config.DefaultGraphExtraction()
	}
	e.applyEntities(obs, result, gateCfg)
	e.applyBranch(obs, result)
	e.applyDebugPath(obs, result)
	return nil
}

func (e *Enricher) classify(ctx context.Context, obs model.Observation) (Result, error) {
	if e.classifier != nil {
		return e.classifier.Classify(ctx, obs)
	}
	return heuristicClassify(obs), nil
}

// heuristicClassify is the no-LLM fallback: keyword-based, conservative,
// never extracts entities on its own (low confidence every miss would cost
// more than the signal it would add).
func heuristicClassify(obs model.Observation) Result {
	lower := obs.Content
	switch {
	case containsAny(lower, "fixed", "resolved", "solution"):
		return Result{Classification: model.ClassSolution}
	case containsAny(lower, "error", "fail", "bug", "traceback", "panic"):
		return Result{Classification: model.ClassProblem, WaypointType: model.WaypointError}
	case containsAny(lower, "found", "discovered", "turns out"):
		return Result{Classification: model.ClassDiscovery}
	default:
		return Result{Classification: model.ClassNoise}
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if len(s) >= len(n) && indexFold(s, n) {
			return true
		}
	}
	return false
}

func indexFold(haystack, needle string) bool {
	hl, nl := []rune(toLower(haystack)), []rune(toLower(needle))
	if len(nl) == 0 || len(nl) > len(hl) {
		return false
	}
	for i := 0; i+len(nl) <= len(hl); i++ {
		match := true
		for j := range nl {
			if hl[i+j] != nl[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func toLower(s string) string {
	r := []rune(s)
	for i, c := range r {
		if c >= 'A' && c <= 'Z' {
			r[i] = c + ('a' - 'A')
		}
	}
	return string(r)
}

// applyEntities runs the quality gate from GraphExtraction and upserts
// passing entities plus any relationships between them. File entities from
// non-change observations are discounted by cfg.FilePenalty since a file
// merely mentioned in passing is a weaker signal than one a change actually
// touched; when more files clear the gate than MaxFileEntities allows, only
// the highest-confidence ones survive.
func (e *Enricher) applyEntities(obs model.Observation, result Result, cfg config.GraphExtraction) {
	g := e.graphFor(obs.ProjectHash)
	nameToID := map[string]string{}
	var fileCandidates []ExtractedEntity

	for _, ent := range result.Entities {
		if len(ent.Name) < cfg.MinNameLen || len(ent.Name) > cfg.MaxNameLen {
			continue
		}
		threshold, ok := cfg.ConfidenceThresholds[string(ent.Type)]
		if !ok {
			threshold = 0.7
		}
		confidence := ent.Confidence
		if ent.Type == model.NodeFile && obs.Kind != model.KindChange {
			confidence *= cfg.FilePenalty
		}
		if confidence < threshold {
			continue
		}
		ent.Confidence = confidence
		if ent.Type == model.NodeFile {
			fileCandidates = append(fileCandidates, ent)
			continue
		}
		node, err := g.UpsertNode(ent.Type, ent.Name, confidence, obs.ID, nil)
		if err != nil {
			continue
		}
		nameToID[ent.Name] = node.ID
	}

	sort.Slice(fileCandidates, func(i, j int) bool { return fileCandidates[i].Confidence > fileCandidates[j].Confidence })
	if len(fileCandidates) > cfg.MaxFileEntities {
		fileCandidates = fileCandidates[:cfg.MaxFileEntities]
	}
	for _, ent := range fileCandidates {
		node, err := g.UpsertNode(ent.Type, ent.Name, ent.Confidence, obs.ID, nil)
		if err != nil {
			continue
		}
		nameToID[ent.Name] = node.ID
	}

	for _, rel := range result.Relationships {
		src, okSrc := nameToID[rel.SourceName]
		tgt, okTgt := nameToID[rel.TargetName]
		if !okSrc || !okTgt {
			continue
		}
		g.InsertEdge(src, tgt, rel.Type, rel.Weight, nil)
	}
}

func (e *Enricher) applyBranch(obs model.Observation, result Result) {
	tracker := e.branchFor(obs.ProjectHash)
	tracker.Append(obs.SessionID, obs.ID, obs.Source, obs.Content)
}

func (e *Enricher) applyDebugPath(obs model.Observation, result Result) {
	if result.WaypointType == "" {
		return
	}
	tracker := e.debugPathFor(obs.ProjectHash)
	tracker.RecordEvent(obs.SessionID, result.WaypointType, firstLine(obs.Content))
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
