// Package topicshift is the Topic-Shift Detector of component 4.7: an
// EWMA-adaptive distance threshold over successive observation embeddings,
// stashing context and notifying once a shift is confirmed.
package topicshift

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/corvid-labs/memengine/internal/apperr"
	"github.com/corvid-labs/memengine/internal/ids"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/storage"
)

// alpha is the EWMA smoothing factor applied to both the mean and variance
// estimators on every evaluation.
const alpha = 0.3

const (
	minThreshold = 0.15
	maxThreshold = 0.6
)

type Detector struct {
	db          *storage.DB
	projectHash string
	k           float64
	stashedThisCycle bool
}

func New(db *storage.DB, projectHash string, k float64) *Detector {
	return &Detector{db: db, projectHash: projectHash, k: k}
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return 1 - sim
}

// seedEWMA loads the prior session's final EWMA state for this project, if
// any, so a new session doesn't start from an uninformative zero state.
func (d *Detector) seedEWMA() (mean, variance float64, err error) {
	row := d.db.Raw().QueryRow(`
		SELECT ewma_mean, ewma_var FROM threshold_history
		WHERE project_hash = ? ORDER BY recorded_at DESC LIMIT 1`, d.projectHash)
	if err := row.Scan(&mean, &variance); err != nil {
		return 0.3, 0.05, nil // neutral defaults for a project's first session
	}
	return mean, variance, nil
}

func (d *Detector) loadSessionEWMA(sessionID string) (mean, variance float64, err error) {
	row := d.db.Raw().QueryRow(`SELECT ewma_mean, ewma_var FROM sessions WHERE id = ?`, sessionID)
	if err := row.Scan(&mean, &variance); err != nil {
		return d.seedEWMA()
	}
	if mean == 0 && variance == 0 {
		return d.seedEWMA()
	}
	return mean, variance, nil
}

func (d *Detector) saveSessionEWMA(sessionID string, mean, variance float64) error {
	_, err := d.db.Raw().Exec(`UPDATE sessions SET ewma_mean = ?, ewma_var = ? WHERE id = ?`, mean, variance, sessionID)
	return err
}

// PersistThreshold records the session's final EWMA state so the next
// session in this project can seed from it.
func (d *Detector) PersistThreshold(sessionID string, mean, variance float64) error {
	_, err := d.db.Raw().Exec(`
		INSERT INTO threshold_history (project_hash, session_id, ewma_mean, ewma_var, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_hash, session_id) DO UPDATE SET ewma_mean = excluded.ewma_mean, ewma_var = excluded.ewma_var, recorded_at = excluded.recorded_at`,
		d.projectHash, sessionID, mean, variance, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: persist threshold: %v", apperr.ErrIntegrity, err)
	}
	return nil
}

// ResetCycle clears the at-most-one-stash-per-cycle guard; called once per
// enrichment cycle before evaluating its batch of observations.
func (d *Detector) ResetCycle() { d.stashedThisCycle = false }

// FinalizeSession persists the session's current EWMA state into
// threshold_history so the next session in this project seeds from it;
// called from the Stop/SessionEnd hook. A session that never evaluated a
// shift persists the seed state it would have started from (the prior
// session's, or the neutral defaults).
func (d *Detector) FinalizeSession(sessionID string) error {
	mean, variance, err := d.loadSessionEWMA(sessionID)
	if err != nil {
		return err
	}
	return d.PersistThreshold(sessionID, mean, variance)
}

// Evaluate compares the new observation's embedding against the previous
// one in the session, updates the session's EWMA state, and decides
// whether a shift occurred. At most one stash is created per cycle even if
// multiple evaluations in the same cycle cross threshold.
func (d *Detector) Evaluate(sessionID string, prevVec, newVec []float32, snapshots []model.ObservationSnapshot) (*model.ShiftDecision, error) {
	mean, variance, err := d.loadSessionEWMA(sessionID)
	if err != nil {
		return nil, err
	}

	distance := cosineDistance(prevVec, newVec)
	threshold := clamp(mean+d.k*math.Sqrt(variance), minThreshold, maxThreshold)
	shifted := distance > threshold

	delta := distance - mean
	newMean := mean + alpha*delta
	newVar := (1-alpha)*(variance+alpha*delta*delta)
	if err := d.saveSessionEWMA(sessionID, newMean, newVar); err != nil {
		return nil, err
	}

	decision := &model.ShiftDecision{
		ID:          ids.New(),
		ProjectHash: d.projectHash,
		SessionID:   sessionID,
		Distance:    distance,
		Threshold:   threshold,
		EWMAMean:    newMean,
		EWMAVar:     newVar,
		Shifted:     shifted,
		Confidence:  confidence(distance, threshold),
		EvaluatedAt: time.Now().UTC(),
	}

	if shifted && !d.stashedThisCycle {
		stash, err := d.stash(sessionID, snapshots)
		if err != nil {
			return nil, err
		}
		decision.StashID = stash.ID
		d.stashedThisCycle = true
	}

	if err := d.logDecision(decision); err != nil {
		return nil, err
	}
	return decision, nil
}

func confidence(distance, threshold float64) float64 {
	if threshold == 0 {
		return 0
	}
	c := (distance - threshold) / threshold
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (d *Detector) stash(sessionID string, snapshots []model.ObservationSnapshot) (*model.ContextStash, error) {
	snapJSON, err := json.Marshal(snapshots)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal snapshots: %v", apperr.ErrIntegrity, err)
	}
	stash := &model.ContextStash{
		ID:          ids.New(),
		ProjectHash: d.projectHash,
		SessionID:   sessionID,
		Snapshots:   snapshots,
		TopicLabel:  summarizeTopic(snapshots),
		Summary:     summarizeStash(snapshots),
		Status:      model.StashStashed,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = d.db.Raw().Exec(`
		INSERT INTO context_stashes (id, project_hash, session_id, snapshots_json, topic_label, summary, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stash.ID, stash.ProjectHash, stash.SessionID, string(snapJSON), stash.TopicLabel, stash.Summary,
		string(stash.Status), stash.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("%w: insert stash: %v", apperr.ErrIntegrity, err)
	}
	if _, err := d.db.Raw().Exec(`
		INSERT INTO pending_notifications (id, project_hash, message, created_at)
		VALUES (?, ?, ?, ?)`, ids.New(), d.projectHash, "Topic shift detected. "+stash.TopicLabel, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("%w: notify shift: %v", apperr.ErrIntegrity, err)
	}
	return stash, nil
}

const topicLabelLen = 80

// summarizeTopic labels a stash with the first non-empty title among its
// snapshots; failing that, the last snapshot's first line.
func summarizeTopic(snapshots []model.ObservationSnapshot) string {
	if len(snapshots) == 0 {
		return "unlabeled"
	}
	for _, s := range snapshots {
		if s.Title != "" {
			return truncate(s.Title, topicLabelLen)
		}
	}
	last := snapshots[len(snapshots)-1]
	return truncate(firstLine(last.Content), topicLabelLen)
}

const stashSummaryLen = 200

// summarizeStash joins the contents of the last three snapshots before the
// shift, giving a reader enough of the prior thread to decide whether to
// resume it.
func summarizeStash(snapshots []model.ObservationSnapshot) string {
	if len(snapshots) == 0 {
		return ""
	}
	start := len(snapshots) - 3
	if start < 0 {
		start = 0
	}
	var contents []string
	for _, s := range snapshots[start:] {
		contents = append(contents, s.Content)
	}
	return truncate(strings.Join(contents, " | "), stashSummaryLen)
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func (d *Detector) logDecision(dec *model.ShiftDecision) error {
	_, err := d.db.Raw().Exec(`
		INSERT INTO shift_decisions (id, project_hash, session_id, distance, threshold, ewma_mean, ewma_var, shifted, confidence, stash_id, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dec.ID, dec.ProjectHash, dec.SessionID, dec.Distance, dec.Threshold, dec.EWMAMean, dec.EWMAVar,
		boolToInt(dec.Shifted), dec.Confidence, nullableStash(dec.StashID), dec.EvaluatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: log shift decision: %v", apperr.ErrIntegrity, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableStash(id string) any {
	if id == "" {
		return nil
	}
	return id
}

// List returns recent context stashes for the project, newest first,
// optionally filtered to topic labels containing labelSubstring.
func (d *Detector) List(labelSubstring string, limit int) ([]model.ContextStash, error) {
	q := `SELECT id, project_hash, session_id, snapshots_json, topic_label, summary, status, created_at, resumed_at
	      FROM context_stashes WHERE project_hash = ?`
	args := []any{d.projectHash}
	if labelSubstring != "" {
		q += " AND topic_label LIKE ?"
		args = append(args, "%"+labelSubstring+"%")
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.Raw().Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list stashes: %v", apperr.ErrIntegrity, err)
	}
	defer rows.Close()

	var out []model.ContextStash
	for rows.Next() {
		var s model.ContextStash
		var snapJSON, createdAt string
		var resumedAt *string
		if err := rows.Scan(&s.ID, &s.ProjectHash, &s.SessionID, &snapJSON, &s.TopicLabel, &s.Summary,
			&s.Status, &createdAt, &resumedAt); err != nil {
			continue
		}
		json.Unmarshal([]byte(snapJSON), &s.Snapshots)
		s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if resumedAt != nil {
			t, _ := time.Parse(time.RFC3339, *resumedAt)
			s.ResumedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Resume marks a stash consumed when the operator asks to restore it.
func (d *Detector) Resume(stashID string) error {
	res, err := d.db.Raw().Exec(`
		UPDATE context_stashes SET status = ?, resumed_at = ? WHERE id = ? AND project_hash = ? AND status = ?`,
		string(model.StashResumed), time.Now().UTC().Format(time.RFC3339), stashID, d.projectHash, string(model.StashStashed))
	if err != nil {
		return fmt.Errorf("%w: resume stash: %v", apperr.ErrIntegrity, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}
