package memory

import (
	"sort"
	"time"
)

const (
	DefaultSimilarityWeight = 0.7
	DefaultRecencyWeight    = 0.3
	DefaultTimeWeight       = 0.1
)

// Scorer blends semantic similarity with a hyperbolic time decay.
//
//	final = SimilarityWeight*cos(query, record) + RecencyWeight/(1 + timeWeight*ageDays)
//
// With the default weights and similarity in [-1,1], final lies in (-0.7, 1].
// A timeWeight of 0 makes the recency term the constant RecencyWeight.
type Scorer struct {
	SimilarityWeight float64
	RecencyWeight    float64
}

func NewScorer(similarityWeight, recencyWeight float64) Scorer {
	if similarityWeight < 0 || recencyWeight < 0 || similarityWeight+recencyWeight == 0 {
		return Scorer{SimilarityWeight: DefaultSimilarityWeight, RecencyWeight: DefaultRecencyWeight}
	}
	return Scorer{SimilarityWeight: similarityWeight, RecencyWeight: recencyWeight}
}

// AgeDays returns whole days elapsed since created, never negative.
func AgeDays(now, created time.Time) int {
	d := now.Sub(created)
	if d <= 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// TimeScore is 1/(1+timeWeight*ageDays): 1 for fresh records, decreasing towards 0.
func TimeScore(ageDays int, timeWeight float64) float64 {
	if ageDays < 0 {
		ageDays = 0
	}
	return 1.0 / (1.0 + timeWeight*float64(ageDays))
}

func (s Scorer) score(query []float32, rec Record, now time.Time, timeWeight float64) ScoredRecord {
	sim := cosineSimilarity(query, rec.Embedding)
	ts := TimeScore(AgeDays(now, rec.CreatedAt), timeWeight)
	return ScoredRecord{
		Record:     rec,
		Similarity: sim,
		TimeScore:  ts,
		Score:      s.SimilarityWeight*sim + s.RecencyWeight*ts,
	}
}

// Rank scores every record and returns at most topK hits, best first. Equal
// scores go to the newer record; the id breaks any remaining tie.
func (s Scorer) Rank(query []float32, records []Record, now time.Time, timeWeight float64, topK int) []ScoredRecord {
	if len(records) == 0 || topK <= 0 {
		return nil
	}
	scored := make([]ScoredRecord, 0, len(records))
	for _, rec := range records {
		scored = append(scored, s.score(query, rec, now, timeWeight))
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score == scored[j].Score {
			ci, cj := scored[i].Record.CreatedAt, scored[j].Record.CreatedAt
			if ci.Equal(cj) {
				return scored[i].Record.ID < scored[j].Record.ID
			}
			return ci.After(cj)
		}
		return scored[i].Score > scored[j].Score
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}
