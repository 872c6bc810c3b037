package embedding

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/corvid-labs/memengine/internal/apperr"
	"github.com/corvid-labs/memengine/internal/storage"
)

// Store is the EmbeddingStore of component 4.3: persistence and brute-force
// KNN over the observation_embeddings table. No vector-search extension for
// the pure-Go sqlite driver exists in the reference corpus, so nearest
// neighbour search is a cosine scan in Go, scoped by project before ranking.
type Store struct {
	db *storage.DB
}

func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector exposes the little-endian float32 decoding used for the
// stored vector column to callers outside this package that load it
// alongside other observation columns (e.g. Context Stash snapshots).
func DecodeVector(buf []byte) []float32 {
	return decodeVector(buf)
}

func decodeVector(buf []byte) []float32 {
	out := make([]float32, len(buf)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(buf[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// Store persists the vector for an observation, replacing any prior one.
// projectHash is denormalized onto the row so Search can scope its scan
// without joining back to observations for every hit.
func (s *Store) Store(observationID, projectHash, model string, vec []float32) error {
	_, err := s.db.Raw().Exec(
		`INSERT INTO observation_embeddings (observation_id, project_hash, model, vector, created_at)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(observation_id) DO UPDATE SET project_hash = excluded.project_hash, model = excluded.model, vector = excluded.vector, created_at = excluded.created_at`,
		observationID, projectHash, model, encodeVector(vec),
	)
	if err != nil {
		return fmt.Errorf("%w: store embedding: %v", apperr.ErrIntegrity, err)
	}
	return nil
}

// CosineSimilarity looks up one observation's vector for the Save Guard's
// near-duplicate check, returning the cosine similarity against query.
func (s *Store) CosineSimilarity(query []float32) func(observationID string) (float32, error) {
	return func(observationID string) (float32, error) {
		var raw []byte
		err := s.db.Raw().QueryRow(`SELECT vector FROM observation_embeddings WHERE observation_id = ?`, observationID).Scan(&raw)
		if err == sql.ErrNoRows {
			return 0, apperr.ErrNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("%w: load embedding: %v", apperr.ErrIntegrity, err)
		}
		return cosine(query, decodeVector(raw)), nil
	}
}

func cosine(a, b []float32) float32 {
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
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// ScoredObservation is one KNN hit.
type ScoredObservation struct {
	ObservationID string
	Score         float32
}

// Search scans every non-deleted, non-purged observation's vector within
// projectHash and returns the top k by cosine similarity, descending.
func (s *Store) Search(queryVec []float32, k int, projectHash string) ([]ScoredObservation, error) {
	rows, err := s.db.Raw().Query(`
		SELECT e.observation_id, e.vector
		FROM observation_embeddings e
		JOIN observations o ON o.id = e.observation_id
		WHERE e.project_hash = ? AND o.deleted_at IS NULL`, projectHash)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search: %v", apperr.ErrIntegrity, err)
	}
	defer rows.Close()

	var out []ScoredObservation
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			continue
		}
		out = append(out, ScoredObservation{ObservationID: id, Score: cosine(queryVec, decodeVector(raw))})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// PreviousInSession returns the embedding vector of the most recently
// embedded observation in sessionID other than excludeID, for the Topic-Shift
// Detector's successive-embedding comparison. A nil vector with no error
// means the session has no other embedded observation yet (e.g. its first).
func (s *Store) PreviousInSession(sessionID, excludeID string) ([]float32, error) {
	var raw []byte
	err := s.db.Raw().QueryRow(`
		SELECT e.vector FROM observation_embeddings e
		JOIN observations o ON o.id = e.observation_id
		WHERE o.session_id = ? AND o.id != ? AND o.deleted_at IS NULL
		ORDER BY o.created_at DESC LIMIT 1`, sessionID, excludeID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load previous embedding: %v", apperr.ErrIntegrity, err)
	}
	return decodeVector(raw), nil
}

// FindUnembedded returns observation ids lacking a vector row, oldest-first
// so the 5s-cycle worker drains the backlog in submission order.
func (s *Store) FindUnembedded(limit int) ([]string, error) {
	rows, err := s.db.Raw().Query(`
		SELECT o.id FROM observations o
		LEFT JOIN observation_embeddings e ON e.observation_id = o.id
		WHERE e.observation_id IS NULL AND o.deleted_at IS NULL
		ORDER BY o.created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: find unembedded: %v", apperr.ErrIntegrity, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
