// Package notify holds the ephemeral per-project notification queue and
// the cached health snapshot behind the status tool (component 4.14).
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/corvid-labs/memengine/internal/apperr"
	"github.com/corvid-labs/memengine/internal/ids"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/storage"
)

type Queue struct {
	db *storage.DB
}

func NewQueue(db *storage.DB) *Queue { return &Queue{db: db} }

func (q *Queue) Push(projectHash, message string) error {
	_, err := q.db.Raw().Exec(`
		INSERT INTO pending_notifications (id, project_hash, message, created_at)
		VALUES (?, ?, ?, ?)`, ids.New(), projectHash, message, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: push notification: %v", apperr.ErrIntegrity, err)
	}
	return nil
}

// Drain returns every unconsumed notification for a project and marks them
// consumed in the same call, matching the "consumed on next tool response"
// contract.
func (q *Queue) Drain(projectHash string) ([]model.Notification, error) {
	rows, err := q.db.Raw().Query(`
		SELECT id, project_hash, message, created_at FROM pending_notifications
		WHERE project_hash = ? AND consumed_at IS NULL ORDER BY created_at ASC`, projectHash)
	if err != nil {
		return nil, fmt.Errorf("%w: drain notifications: %v", apperr.ErrIntegrity, err)
	}
	var out []model.Notification
	var consumedIDs []string
	for rows.Next() {
		var n model.Notification
		var createdAt string
		if err := rows.Scan(&n.ID, &n.ProjectHash, &n.Message, &createdAt); err != nil {
			continue
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, n)
		consumedIDs = append(consumedIDs, n.ID)
	}
	rows.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range consumedIDs {
		q.db.Raw().Exec(`UPDATE pending_notifications SET consumed_at = ? WHERE id = ?`, now, id)
	}
	return out, nil
}

// Snapshot is the cached health/status view behind the status tool.
type Snapshot struct {
	ProjectHash         string
	ObservationCount    int
	UnclassifiedCount   int
	GraphNodeCount      int
	ActiveDebugPaths    int
	ActiveBranches      int
	EmbeddingReady      bool
	EmbeddingEngine     string
	RefreshedAt         time.Time
}

// StatusCache refreshes its snapshot on its own periodic task (component
// 4.14/§5) rather than recomputing on every status call, keeping the tool
// within the interactive query budget.
type StatusCache struct {
	db *storage.DB

	mu       sync.RWMutex
	snapshot Snapshot
}

func NewStatusCache(db *storage.DB) *StatusCache {
	return &StatusCache{db: db}
}

func (c *StatusCache) Refresh(projectHash string, embeddingReady bool, embeddingEngine string) error {
	snap := Snapshot{ProjectHash: projectHash, EmbeddingReady: embeddingReady, EmbeddingEngine: embeddingEngine, RefreshedAt: time.Now().UTC()}

	if err := c.db.Raw().QueryRow(`SELECT COUNT(*) FROM observations WHERE project_hash = ? AND deleted_at IS NULL`, projectHash).Scan(&snap.ObservationCount); err != nil {
		return fmt.Errorf("%w: status observation count: %v", apperr.ErrIntegrity, err)
	}
	if err := c.db.Raw().QueryRow(`SELECT COUNT(*) FROM observations WHERE project_hash = ? AND classification = 'unset' AND deleted_at IS NULL`, projectHash).Scan(&snap.UnclassifiedCount); err != nil {
		return fmt.Errorf("%w: status unclassified count: %v", apperr.ErrIntegrity, err)
	}
	if err := c.db.Raw().QueryRow(`SELECT COUNT(*) FROM graph_nodes WHERE project_hash = ?`, projectHash).Scan(&snap.GraphNodeCount); err != nil {
		return fmt.Errorf("%w: status graph count: %v", apperr.ErrIntegrity, err)
	}
	if err := c.db.Raw().QueryRow(`SELECT COUNT(*) FROM debug_paths WHERE project_hash = ? AND state = 'active'`, projectHash).Scan(&snap.ActiveDebugPaths); err != nil {
		return fmt.Errorf("%w: status debug path count: %v", apperr.ErrIntegrity, err)
	}
	if err := c.db.Raw().QueryRow(`SELECT COUNT(*) FROM thought_branches WHERE project_hash = ? AND state = 'active'`, projectHash).Scan(&snap.ActiveBranches); err != nil {
		return fmt.Errorf("%w: status branch count: %v", apperr.ErrIntegrity, err)
	}

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
	return nil
}

func (c *StatusCache) Get() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}
