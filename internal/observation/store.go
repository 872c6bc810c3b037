// Package observation is the one place that writes Observation rows: the
// Observation Store of component 4.2, plus the Save Guard and Admission
// Filter of component 4.12 that gate every write reaching it.
package observation

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/corvid-labs/memengine/internal/apperr"
	"github.com/corvid-labs/memengine/internal/ids"
	"github.com/corvid-labs/memengine/internal/model"
	"github.com/corvid-labs/memengine/internal/storage"
)

const (
	MaxContentLen = 100 * 1024
	MaxTitleLen   = 200
	noiseGrace    = 60 * time.Second
)

// Store is bound to one project hash at construction time; callers cannot
// override it on individual calls.
type Store struct {
	db          *storage.DB
	projectHash string
	simFn       func(id string) (float32, error) // cosine-similarity lookup, nil when embeddings unavailable
	simThresh   float32
}

func New(db *storage.DB, projectHash string) *Store {
	return &Store{db: db, projectHash: projectHash, simThresh: 0.92}
}

// SetSimilarityLookup wires a near-duplicate check backed by the embedding
// index; when nil, the Save Guard only rejects exact content duplicates.
func (s *Store) SetSimilarityLookup(fn func(id string) (float32, error), threshold float32) {
	s.simFn = fn
	s.simThresh = threshold
}

// CreateInput is the validated payload for Create/CreateClassified.
type CreateInput struct {
	SessionID string
	Title     string
	Content   string
	Source    string
	Kind      model.ObservationKind
}

func hashNormalized(content string) string {
	return HashNormalized(content)
}

// HashNormalized is the Save Guard's exact-duplicate key: lowercased,
// whitespace-collapsed content hashed with SHA-256. Exported so the
// ingestion path can detect an unchanged section without going through
// Create's rejection behavior.
func HashNormalized(content string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(content), " "))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

func (s *Store) validate(in CreateInput) error {
	if len(in.Content) == 0 {
		return fmt.Errorf("%w: empty content", apperr.ErrValidationRejected)
	}
	if len(in.Content) > MaxContentLen {
		return fmt.Errorf("%w: content exceeds %d bytes", apperr.ErrValidationRejected, MaxContentLen)
	}
	if len(in.Title) > MaxTitleLen {
		return fmt.Errorf("%w: title exceeds %d chars", apperr.ErrValidationRejected, MaxTitleLen)
	}
	return nil
}

// Create inserts a row with classification left unset, after consulting
// the Save Guard for exact/near-duplicate rejection.
func (s *Store) Create(in CreateInput) (*model.Observation, error) {
	return s.create(in, model.ClassUnset)
}

// CreateClassified bypasses the later noise-filter grace period by setting
// classification up front; used by ingestion.
func (s *Store) CreateClassified(in CreateInput, class model.Classification) (*model.Observation, error) {
	return s.create(in, class)
}

func (s *Store) create(in CreateInput, class model.Classification) (*model.Observation, error) {
	if err := s.validate(in); err != nil {
		return nil, err
	}

	if dupID, ok, err := s.checkDuplicate(in.Content); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: near-duplicate of %s", apperr.ErrDuplicate, dupID)
	}

	now := time.Now().UTC()
	obs := &model.Observation{
		ID:             ids.New(),
		ProjectHash:    s.projectHash,
		SessionID:      in.SessionID,
		Title:          in.Title,
		Content:        in.Content,
		Source:         in.Source,
		Kind:           in.Kind,
		Classification: class,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stmt, err := s.db.Prepare(`
		INSERT INTO observations (id, project_hash, session_id, title, content, source, kind, classification, normalized_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, err
	}
	if _, err := stmt.Exec(obs.ID, obs.ProjectHash, obs.SessionID, obs.Title, obs.Content, obs.Source,
		string(obs.Kind), string(obs.Classification), hashNormalized(in.Content),
		obs.CreatedAt.Format(time.RFC3339), obs.UpdatedAt.Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("%w: insert observation: %v", apperr.ErrIntegrity, err)
	}
	return obs, nil
}

// checkDuplicate implements the Save Guard: exact content equality per
// project, then (if a similarity lookup is wired) near-duplicate rejection
// above the configured cosine threshold.
func (s *Store) checkDuplicate(content string) (string, bool, error) {
	hash := hashNormalized(content)
	row := s.db.Raw().QueryRow(
		`SELECT id FROM observations WHERE project_hash = ? AND normalized_hash = ? AND deleted_at IS NULL LIMIT 1`,
		s.projectHash, hash,
	)
	var id string
	switch err := row.Scan(&id); err {
	case nil:
		return id, true, nil
	case sql.ErrNoRows:
		// fall through to near-duplicate check
	default:
		return "", false, fmt.Errorf("%w: dedup lookup: %v", apperr.ErrIntegrity, err)
	}

	if s.simFn == nil {
		return "", false, nil
	}

	rows, err := s.db.Raw().Query(
		`SELECT id FROM observations WHERE project_hash = ? AND deleted_at IS NULL ORDER BY created_at DESC LIMIT 200`,
		s.projectHash,
	)
	if err != nil {
		return "", false, nil // embeddings degrade gracefully; never block on this
	}
	defer rows.Close()
	for rows.Next() {
		var candidate string
		if err := rows.Scan(&candidate); err != nil {
			continue
		}
		sim, err := s.simFn(candidate)
		if err != nil {
			continue
		}
		if sim >= s.simThresh {
			return candidate, true, nil
		}
	}
	return "", false, nil
}

// UpdatePatch restricts mutation to the fields the enricher and curation
// are allowed to touch; any other field is rejected by construction.
type UpdatePatch struct {
	Title          *string
	Content        *string
	Classification *model.Classification
	EmbeddingModel *string
	EmbeddingVer   *string
}

func (s *Store) Update(id string, patch UpdatePatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Content != nil {
		sets = append(sets, "content = ?", "normalized_hash = ?")
		args = append(args, *patch.Content, hashNormalized(*patch.Content))
	}
	if patch.Classification != nil {
		sets = append(sets, "classification = ?")
		args = append(args, string(*patch.Classification))
	}
	if patch.EmbeddingModel != nil {
		sets = append(sets, "embedding_model = ?")
		args = append(args, *patch.EmbeddingModel)
	}
	if patch.EmbeddingVer != nil {
		sets = append(sets, "embedding_version = ?")
		args = append(args, *patch.EmbeddingVer)
	}
	args = append(args, id, s.projectHash)

	q := fmt.Sprintf(`UPDATE observations SET %s WHERE id = ? AND project_hash = ?`, strings.Join(sets, ", "))
	res, err := s.db.Raw().Exec(q, args...)
	if err != nil {
		return fmt.Errorf("%w: update observation: %v", apperr.ErrIntegrity, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (s *Store) SoftDelete(id string) (bool, error) {
	res, err := s.db.Raw().Exec(
		`UPDATE observations SET deleted_at = ?, updated_at = ? WHERE id = ? AND project_hash = ? AND deleted_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id, s.projectHash,
	)
	if err != nil {
		return false, fmt.Errorf("%w: soft delete: %v", apperr.ErrIntegrity, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) Restore(id string) (bool, error) {
	res, err := s.db.Raw().Exec(
		`UPDATE observations SET deleted_at = NULL, updated_at = ? WHERE id = ? AND project_hash = ? AND deleted_at IS NOT NULL`,
		time.Now().UTC().Format(time.RFC3339), id, s.projectHash,
	)
	if err != nil {
		return false, fmt.Errorf("%w: restore: %v", apperr.ErrIntegrity, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListOptions filters the default listing. project_hash and deleted_at are
// always applied; IncludePurged/Kind override the noise grace-period rule.
type ListOptions struct {
	Kind          model.ObservationKind
	IncludePurged bool
	Limit         int
}

func (s *Store) List(opts ListOptions) ([]model.Observation, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, project_hash, session_id, title, content, source, kind, classification,
		      COALESCE(embedding_model,''), COALESCE(embedding_version,''), created_at, updated_at, deleted_at
	      FROM observations WHERE project_hash = ? AND deleted_at IS NULL`
	args := []any{s.projectHash}

	if opts.Kind != "" {
		q += " AND kind = ?"
		args = append(args, string(opts.Kind))
	} else if !opts.IncludePurged {
		q += " AND NOT (classification = 'noise' AND created_at < ?)"
		args = append(args, time.Now().UTC().Add(-noiseGrace).Format(time.RFC3339))
	}
	q += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Raw().Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", apperr.ErrIntegrity, err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

func (s *Store) GetByID(id string, includeDeleted bool) (*model.Observation, error) {
	q := `SELECT id, project_hash, session_id, title, content, source, kind, classification,
	             COALESCE(embedding_model,''), COALESCE(embedding_version,''), created_at, updated_at, deleted_at
	      FROM observations WHERE id = ? AND project_hash = ?`
	if !includeDeleted {
		q += " AND deleted_at IS NULL"
	}
	row := s.db.Raw().QueryRow(q, id, s.projectHash)
	obs, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get observation: %v", apperr.ErrIntegrity, err)
	}
	return obs, nil
}

// GetBySource returns the non-deleted observation recorded under an exact
// source string, used by ingestion to find the row a previous run created
// for the same file section.
func (s *Store) GetBySource(source string) (*model.Observation, error) {
	row := s.db.Raw().QueryRow(`
		SELECT id, project_hash, session_id, title, content, source, kind, classification,
		       COALESCE(embedding_model,''), COALESCE(embedding_version,''), created_at, updated_at, deleted_at
		FROM observations WHERE project_hash = ? AND source = ? AND deleted_at IS NULL LIMIT 1`, s.projectHash, source)
	obs, err := scanObservation(row)
	if err == sql.ErrNoRows {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get by source: %v", apperr.ErrIntegrity, err)
	}
	return obs, nil
}

// ListSourcePrefix returns every non-deleted observation whose source
// starts with prefix, used by ingestion to find sections a previous run
// created that no longer exist on disk.
func (s *Store) ListSourcePrefix(prefix string) ([]model.Observation, error) {
	rows, err := s.db.Raw().Query(`
		SELECT id, project_hash, session_id, title, content, source, kind, classification,
		       COALESCE(embedding_model,''), COALESCE(embedding_version,''), created_at, updated_at, deleted_at
		FROM observations WHERE project_hash = ? AND source LIKE ? AND deleted_at IS NULL`,
		s.projectHash, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("%w: list source prefix: %v", apperr.ErrIntegrity, err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

// FindUnclassified returns up to limit observations with classification
// unset, newest-first, project-agnostic (used by the enricher).
func FindUnclassified(db *storage.DB, limit int) ([]model.Observation, error) {
	rows, err := db.Raw().Query(`
		SELECT id, project_hash, session_id, title, content, source, kind, classification,
		       COALESCE(embedding_model,''), COALESCE(embedding_version,''), created_at, updated_at, deleted_at
		FROM observations WHERE classification = 'unset' AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: find unclassified: %v", apperr.ErrIntegrity, err)
	}
	defer rows.Close()
	return scanObservations(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanObservation(row scanner) (*model.Observation, error) {
	var o model.Observation
	var createdAt, updatedAt string
	var deletedAt sql.NullString
	if err := row.Scan(&o.ID, &o.ProjectHash, &o.SessionID, &o.Title, &o.Content, &o.Source,
		&o.Kind, &o.Classification, &o.EmbeddingModel, &o.EmbeddingVersion, &createdAt, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}
	o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	o.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if deletedAt.Valid {
		t, _ := time.Parse(time.RFC3339, deletedAt.String)
		o.DeletedAt = &t
	}
	return &o, nil
}

func scanObservations(rows *sql.Rows) ([]model.Observation, error) {
	var out []model.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// StripPrivateTags redacts content matched by the user-wide privacy regex
// list before it is ever persisted; callers apply this to title and content
// before Create/CreateClassified.
func StripPrivateTags(content string, patterns []string) string {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		content = re.ReplaceAllString(content, "[redacted]")
	}
	return content
}
