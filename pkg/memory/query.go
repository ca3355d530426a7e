package memory

import (
	"context"
	"encoding/binary"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/starkbot/backend/pkg/starkerr"
)

// Mode names a search strategy (spec §4.6 Query modes).
type Mode string

const (
	ModeFTS    Mode = "fts"
	ModeVector Mode = "vector"
	ModeHybrid Mode = "hybrid"
)

// Query parameters for Search (spec §4.6).
type Query struct {
	Text               string
	Mode               Mode
	Alpha              float64 // hybrid blend weight for fts score, default 0.5
	Limit              int
	VectorThreshold    float64 // minimum cosine similarity to include, vector/hybrid modes
	IncludeSuperseded  bool
	Identity           string
	Session            string
}

// Hit is one search result with its blended score.
type Hit struct {
	Record Record
	Score  float64
}

// UpsertEmbedding stores or replaces the embedding vector for a memory id.
func (s *Store) UpsertEmbedding(ctx context.Context, memoryID string, vector []float32, model string) error {
	buf := make([]byte, len(vector)*4)
	for i, f := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO embeddings(memory_id, vector, model, dimensions) VALUES (?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET vector = excluded.vector, model = excluded.model, dimensions = excluded.dimensions`,
		memoryID, buf, model, len(vector))
	if err != nil {
		return starkerr.Wrap(starkerr.Internal, "memory: upsert embedding", err)
	}
	return nil
}

func decodeVector(buf []byte) []float64 {
	out := make([]float64, len(buf)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])))
	}
	return out
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	dot := floats.Dot(a, b)
	na := math.Sqrt(floats.Dot(a, a))
	nb := math.Sqrt(floats.Dot(b, b))
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (na * nb)
}

// Search runs an FTS, vector, or hybrid query over non-superseded memories
// (spec §4.6 query modes). Vector mode requires queryVector; FTS mode
// requires q.Text. Hybrid blends both with q.Alpha (default 0.5) weighting
// the FTS score, (1-alpha) weighting cosine similarity.
func (s *Store) Search(ctx context.Context, q Query, queryVector []float32) ([]Hit, error) {
	alpha := q.Alpha
	if alpha == 0 {
		alpha = 0.5
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	var ftsScores map[string]float64
	var err error
	if q.Mode == ModeFTS || q.Mode == ModeHybrid {
		ftsScores, err = s.ftsScores(ctx, q.Text, q.Identity, q.Session, q.IncludeSuperseded)
		if err != nil {
			return nil, err
		}
	}

	var vecScores map[string]float64
	if (q.Mode == ModeVector || q.Mode == ModeHybrid) && len(queryVector) > 0 {
		vecScores, err = s.vectorScores(ctx, queryVector, q.IncludeSuperseded)
		if err != nil {
			return nil, err
		}
	}

	combined := map[string]float64{}
	switch q.Mode {
	case ModeFTS:
		combined = ftsScores
	case ModeVector:
		for id, sim := range vecScores {
			if sim >= q.VectorThreshold {
				combined[id] = sim
			}
		}
	case ModeHybrid:
		ids := map[string]bool{}
		for id := range ftsScores {
			ids[id] = true
		}
		for id := range vecScores {
			ids[id] = true
		}
		for id := range ids {
			sim := vecScores[id]
			if len(vecScores) > 0 && sim < q.VectorThreshold {
				continue
			}
			combined[id] = alpha*ftsScores[id] + (1-alpha)*sim
		}
	default:
		return nil, starkerr.New(starkerr.InvalidInput, "memory: unknown search mode "+string(q.Mode))
	}

	hits := make([]Hit, 0, len(combined))
	for id, score := range combined {
		rec, ok := s.Get(ctx, id)
		if !ok {
			continue
		}
		hits = append(hits, Hit{Record: rec, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}

	s.touchLastAccessed(ctx, hits)
	return hits, nil
}

func (s *Store) ftsScores(ctx context.Context, text, identity, session string, includeSuperseded bool) (map[string]float64, error) {
	scores := map[string]float64{}
	if text == "" {
		return scores, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.importance, bm25(memories_fts) AS rank
		FROM memories_fts
		JOIN memories m ON m.id = memories_fts.id
		WHERE memories_fts MATCH ?
		ORDER BY rank`, text)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "memory: fts query", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var importance, rank float64
		if err := rows.Scan(&id, &importance, &rank); err != nil {
			return nil, starkerr.Wrap(starkerr.Internal, "memory: fts scan", err)
		}
		// bm25() returns lower-is-better; invert and weight by importance.
		scores[id] = (1 / (1 + rank)) * importance
	}
	return s.filterByIdentitySession(ctx, scores, identity, session, includeSuperseded)
}

func (s *Store) vectorScores(ctx context.Context, queryVector []float32, includeSuperseded bool) (map[string]float64, error) {
	query := make([]float64, len(queryVector))
	for i, f := range queryVector {
		query[i] = float64(f)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT memory_id, vector FROM embeddings`)
	if err != nil {
		return nil, starkerr.Wrap(starkerr.Internal, "memory: embeddings query", err)
	}
	defer rows.Close()
	scores := map[string]float64{}
	for rows.Next() {
		var id string
		var buf []byte
		if err := rows.Scan(&id, &buf); err != nil {
			return nil, starkerr.Wrap(starkerr.Internal, "memory: embeddings scan", err)
		}
		scores[id] = cosineSimilarity(query, decodeVector(buf))
	}
	return s.filterByIdentitySession(ctx, scores, "", "", includeSuperseded)
}

func (s *Store) filterByIdentitySession(ctx context.Context, scores map[string]float64, identity, session string, includeSuperseded bool) (map[string]float64, error) {
	if len(scores) == 0 {
		return scores, nil
	}
	filtered := map[string]float64{}
	for id, score := range scores {
		rec, ok := s.Get(ctx, id)
		if !ok {
			continue
		}
		if !includeSuperseded && rec.SupersededBy != "" {
			continue
		}
		if identity != "" && rec.Identity != identity {
			continue
		}
		if session != "" && rec.Session != session {
			continue
		}
		filtered[id] = score
	}
	return filtered, nil
}

func (s *Store) touchLastAccessed(ctx context.Context, hits []Hit) {
	if len(hits) == 0 {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, h := range hits {
		_, _ = s.db.ExecContext(ctx, `UPDATE memories SET last_accessed = ? WHERE id = ?`, now, h.Record.ID)
	}
}
