// Package engine wires every component together and owns the scheduler
// described in component 5: four cooperative periodic tasks (embedding,
// classifier, curation, status-cache refresh) driven by plain
// time.Tickers, plus lazy per-project construction of every component that
// is bound to one project hash at construction time.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corvid-labs/memengine/internal/branch"
	"github.com/corvid-labs/memengine/internal/config"
	"github.com/corvid-labs/memengine/internal/curation"
	"github.com/corvid-labs/memengine/internal/debugpath"
	"github.com/corvid-labs/memengine/internal/embedding"
	"github.com/corvid-labs/memengine/internal/enrich"
	"github.com/corvid-labs/memengine/internal/graph"
	"github.com/corvid-labs/memengine/internal/inject"
	"github.com/corvid-labs/memengine/internal/logging"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/notify"
	"github.com/corvid-labs/memengine/internal/observation"
	"github.com/corvid-labs/memengine/internal/routing"
	"github.com/corvid-labs/memengine/internal/search"
	"github.com/corvid-labs/memengine/internal/storage"
	"github.com/corvid-labs/memengine/internal/topicshift"
)

// Cadences for the four cooperative periodic tasks of component 5.
const (
	embeddingCycle = 5 * time.Second
	classifyCycle  = 30 * time.Second
	curationCycle  = 5 * time.Minute
	statusCycle    = 15 * time.Second

	embeddingBatch = 10
)

// Engine owns the shared database handle, the embedding worker, and every
// per-project component, constructing the latter lazily and caching them
// by project hash the same way internal/enrich does.
type Engine struct {
	DB        *storage.DB
	Log       *logrus.Logger
	Config    *config.Store
	Embedding *embedding.Handle
	EmbStore  *embedding.Store
	Search    *search.Engine
	Notify    *notify.Queue
	Status    *notify.StatusCache
	Enricher  *enrich.Enricher

	mu          sync.Mutex
	observers   map[string]*observation.Store
	graphs      map[string]*graph.Graph
	branches    map[string]*branch.Tracker
	debugPaths  map[string]*debugpath.Tracker
	topicShifts map[string]*topicshift.Detector
	routers     map[string]*routing.Engine
	injectors   map[string]*inject.Injector
	curations   map[string]*curation.Agent

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles the optional LLM-backed adapters the classifier, branch
// tracker, and debug-path tracker can use; any of them may be nil, in
// which case each component falls back to its own heuristic.
type Deps struct {
	Classifier     enrich.Classifier
	BranchAdapter  branch.TypeTitleAdapter
	SummaryAdapter debugpath.SummaryAdapter
	EmbedAdapter   embedding.Adapter
}

// New opens no resources itself; callers construct storage.DB and the
// embedding worker beforehand and pass them in already-constructed.
func New(db *storage.DB, log *logrus.Logger, cfg *config.Store, embHandle *embedding.Handle, deps Deps) *Engine {
	embStore := embedding.NewStore(db)
	searchEngine := search.New(db, embStore)
	enricher := enrich.New(db, deps.Classifier, cfg, logging.Component(log, "enrich"), deps.BranchAdapter, deps.SummaryAdapter)

	return &Engine{
		DB:        db,
		Log:       log,
		Config:    cfg,
		Embedding: embHandle,
		EmbStore:  embStore,
		Search:    searchEngine,
		Notify:    notify.NewQueue(db),
		Status:    notify.NewStatusCache(db),
		Enricher:  enricher,

		observers:   map[string]*observation.Store{},
		graphs:      map[string]*graph.Graph{},
		branches:    map[string]*branch.Tracker{},
		debugPaths:  map[string]*debugpath.Tracker{},
		topicShifts: map[string]*topicshift.Detector{},
		routers:     map[string]*routing.Engine{},
		injectors:   map[string]*inject.Injector{},
		curations:   map[string]*curation.Agent{},
	}
}

// ObservationStore returns the per-project Observation Store, constructing
// and caching it on first use. The Save Guard's near-duplicate check is
// wired separately, by PrepareSave.
func (e *Engine) ObservationStore(projectHash string) *observation.Store {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.observers[projectHash]; ok {
		return s
	}
	s := observation.New(e.DB, projectHash)
	e.observers[projectHash] = s
	return s
}

// PrepareSave synchronously embeds candidateText (if the worker is ready)
// and wires the result into the project's Observation Store as the Save
// Guard's near-duplicate lookup, since the near-duplicate check needs the
// new content's own vector and embedding otherwise only happens on the
// asynchronous 5s cycle. A save handler calls this immediately before
// Store.Create/CreateClassified.
func (e *Engine) PrepareSave(projectHash, candidateText string) {
	s := e.ObservationStore(projectHash)
	if e.Embedding == nil || !e.Embedding.Ready() {
		return
	}
	vec := e.Embedding.Embed(candidateText)
	if vec == nil {
		return
	}
	s.SetSimilarityLookup(e.EmbStore.CosineSimilarity(vec), 0.92)
}

func (e *Engine) Graph(projectHash string) *graph.Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	if g, ok := e.graphs[projectHash]; ok {
		return g
	}
	g := graph.New(e.DB, projectHash, logging.Component(e.Log, "graph"))
	e.graphs[projectHash] = g
	return g
}

func (e *Engine) Branch(projectHash string) *branch.Tracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.branches[projectHash]; ok {
		return b
	}
	b := branch.New(e.DB, projectHash, nil)
	e.branches[projectHash] = b
	return b
}

func (e *Engine) DebugPath(projectHash string) *debugpath.Tracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d, ok := e.debugPaths[projectHash]; ok {
		return d
	}
	d := debugpath.New(e.DB, projectHash, nil)
	e.debugPaths[projectHash] = d
	return d
}

func (e *Engine) TopicShift(projectHash string) *topicshift.Detector {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.topicShifts[projectHash]; ok {
		return t
	}
	k := 1.5
	if td, err := e.Config.TopicDetection(); err == nil {
		k = td.K()
	}
	t := topicshift.New(e.DB, projectHash, k)
	e.topicShifts[projectHash] = t
	return t
}

func (e *Engine) Router(projectHash string) *routing.Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.routers[projectHash]; ok {
		return r
	}
	r := routing.New(e.DB, projectHash)
	e.routers[projectHash] = r
	return r
}

func (e *Engine) Injector(projectHash string) *inject.Injector {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i, ok := e.injectors[projectHash]; ok {
		return i
	}
	i := inject.New(e.DB, projectHash, e.Search, e.DebugPath(projectHash))
	e.injectors[projectHash] = i
	return i
}

func (e *Engine) Curation(projectHash string) *curation.Agent {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.curations[projectHash]; ok {
		return c
	}
	c := curation.New(e.DB, projectHash, logging.Component(e.Log, "curation"))
	e.curations[projectHash] = c
	return c
}

// knownProjects returns every project hash with at least one observation
// or registered metadata row, used to fan the per-project periodic tasks
// (curation, status refresh) out across every project this process serves.
func (e *Engine) knownProjects() ([]string, error) {
	rows, err := e.DB.Raw().Query(`
		SELECT project_hash FROM observations
		UNION
		SELECT project_hash FROM project_metadata`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err == nil {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

// Start launches the four cooperative periodic tasks and returns
// immediately; callers call Shutdown to stop them.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.runTicker(ctx, "embedding", embeddingCycle, e.embeddingTick)
	e.runTicker(ctx, "classify", classifyCycle, e.classifyTick)
	e.runTicker(ctx, "curation", curationCycle, e.curationTick)
	e.runTicker(ctx, "status", statusCycle, e.statusTick)
}

func (e *Engine) runTicker(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	log := logging.Component(e.Log, name)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				err := tick(ctx)
				logging.Cycle(log, name, time.Since(start).Milliseconds(), err)
			}
		}
	}()
}

// recentSnapshotWindow bounds how many of a session's most recent
// observations are carried into a Context Stash.
const recentSnapshotWindow = 20

func (e *Engine) embeddingTick(ctx context.Context) error {
	if e.Embedding == nil || !e.Embedding.Ready() {
		return nil
	}
	ids, err := e.EmbStore.FindUnembedded(embeddingBatch)
	if err != nil {
		return err
	}
	resetThisCycle := map[string]bool{}
	for _, id := range ids {
		obs, err := e.loadObservationRow(id)
		if err != nil {
			continue
		}
		vec := e.Embedding.Embed(obs.content)
		if vec == nil {
			continue // worker degraded; retried next cycle
		}
		if err := e.EmbStore.Store(id, obs.projectHash, e.Embedding.EngineName(), vec); err != nil {
			return err
		}
		if isUserDirectedSource(obs.source) {
			if err := e.evaluateTopicShift(obs, vec, resetThisCycle); err != nil {
				return err
			}
		}
	}
	return nil
}

// observationRow is the subset of an observation's columns the embedding
// cycle needs both to embed it and to evaluate a topic shift around it.
type observationRow struct {
	id          string
	projectHash string
	sessionID   string
	title       string
	content     string
	source      string
	kind        model.ObservationKind
	createdAt   time.Time
}

func (e *Engine) loadObservationRow(id string) (observationRow, error) {
	row := e.DB.Raw().QueryRow(`
		SELECT project_hash, session_id, title, content, source, kind, created_at
		FROM observations WHERE id = ? AND deleted_at IS NULL`, id)
	var r observationRow
	var createdAt string
	if err := row.Scan(&r.projectHash, &r.sessionID, &r.title, &r.content, &r.source, &r.kind, &createdAt); err != nil {
		return observationRow{}, err
	}
	r.id = id
	r.createdAt, _ = time.Parse(time.RFC3339, createdAt)
	return r, nil
}

// isUserDirectedSource reports whether an observation came from something
// the developer directly did (a hook-captured edit/write/command, or a
// manually saved note) as opposed to an inferred or synthetic source; only
// these drive the topic-shift comparison, since everything else lacks a
// reliable notion of "the developer's previous train of thought".
func isUserDirectedSource(source string) bool {
	switch {
	case source == "manual":
		return true
	case strings.HasPrefix(source, "hook:Write"), strings.HasPrefix(source, "hook:Edit"), strings.HasPrefix(source, "hook:Bash"):
		return true
	default:
		return false
	}
}

// evaluateTopicShift compares obs's freshly computed vector against the
// previous embedded observation in the same session, resetting the
// detector's per-cycle stash guard exactly once per project per tick.
func (e *Engine) evaluateTopicShift(obs observationRow, vec []float32, resetThisCycle map[string]bool) error {
	detector := e.TopicShift(obs.projectHash)
	if !resetThisCycle[obs.projectHash] {
		detector.ResetCycle()
		resetThisCycle[obs.projectHash] = true
	}

	prevVec, err := e.EmbStore.PreviousInSession(obs.sessionID, obs.id)
	if err != nil {
		return err
	}
	if prevVec == nil {
		return nil // first embedded observation of the session, nothing to compare
	}

	snapshots, err := e.loadRecentSnapshots(obs.sessionID, recentSnapshotWindow)
	if err != nil {
		return err
	}
	_, err = detector.Evaluate(obs.sessionID, prevVec, vec, snapshots)
	return err
}

// loadRecentSnapshots loads a session's most recent observations, oldest
// first, for a Context Stash taken if this cycle's evaluation shifts.
func (e *Engine) loadRecentSnapshots(sessionID string, limit int) ([]model.ObservationSnapshot, error) {
	rows, err := e.DB.Raw().Query(`
		SELECT o.id, o.title, o.content, o.kind, o.created_at, e.vector
		FROM observations o
		LEFT JOIN observation_embeddings e ON e.observation_id = o.id
		WHERE o.session_id = ? AND o.deleted_at IS NULL
		ORDER BY o.created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []model.ObservationSnapshot
	for rows.Next() {
		var s model.ObservationSnapshot
		var createdAt string
		var vecRaw []byte
		if err := rows.Scan(&s.ID, &s.Title, &s.Content, &s.Kind, &createdAt, &vecRaw); err != nil {
			continue
		}
		s.Timestamp, _ = time.Parse(time.RFC3339, createdAt)
		if vecRaw != nil {
			s.Embedding = embedding.DecodeVector(vecRaw)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(snapshots)-1; i < j; i, j = i+1, j-1 {
		snapshots[i], snapshots[j] = snapshots[j], snapshots[i]
	}
	return snapshots, nil
}

func (e *Engine) classifyTick(ctx context.Context) error {
	report, err := e.Enricher.RunCycle(ctx)
	if err != nil {
		return err
	}
	if len(report.Errors) > 0 {
		e.Log.WithField("errors", len(report.Errors)).Warn("classify cycle had per-observation failures")
	}
	return nil
}

func (e *Engine) curationTick(ctx context.Context) error {
	projects, err := e.knownProjects()
	if err != nil {
		return err
	}
	for _, p := range projects {
		report := e.Curation(p).RunCycle()
		for _, step := range report.Steps {
			if step.Err != nil {
				e.Log.WithFields(logrus.Fields{"project": p, "step": step.Name}).WithError(step.Err).Warn("curation step failed")
			}
		}
	}
	return nil
}

func (e *Engine) statusTick(ctx context.Context) error {
	projects, err := e.knownProjects()
	if err != nil {
		return err
	}
	ready := e.Embedding != nil && e.Embedding.Ready()
	engineName := ""
	if ready {
		engineName = fmt.Sprintf("dims=%d", e.Embedding.Dimensions())
	}
	for _, p := range projects {
		if err := e.Status.Refresh(p, ready, engineName); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown cancels every periodic task and waits up to grace before
// returning, matching the 5s force-terminate contract of component 5.
func (e *Engine) Shutdown(grace time.Duration) {
	if e.cancel == nil {
		return
	}
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
	if e.Embedding != nil {
		e.Embedding.Shutdown()
	}
}

