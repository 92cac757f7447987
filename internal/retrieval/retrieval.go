package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/carbon-oracle/sorbent/internal/api"
	"github.com/carbon-oracle/sorbent/internal/cache"
)

// Similar summarizes one past batch ranked against a query.
type Similar struct {
	BatchID  string       `json:"batch_id"`
	Scenario api.Scenario `json:"scenario"`
	Capacity float64      `json:"capacity"`
	Distance float64      `json:"distance"`
}

// BatchSource is the slice of the store the index reads. Queries run only
// after batch close, so there is no real-time latency requirement here.
type BatchSource interface {
	ListBatches(ctx context.Context) ([]string, error)
	LoadBatch(ctx context.Context, batchID string) (*api.BatchRecord, error)
}

// Index ranks closed batches by feature-space distance to a query vector.
// Distances are computed over per-dimension normalized checkpoint features
// so high-magnitude channels (temperature) do not drown out the rest.
type Index struct {
	source BatchSource
	cached *cache.LRUWithTTL[string, []Similar]
}

// NewIndex creates a retrieval index over the store with a bounded query
// cache.
func NewIndex(source BatchSource) (*Index, error) {
	cached, err := cache.NewLRUWithTTL[string, []Similar](256, 10*time.Minute)
	if err != nil {
		return nil, err
	}
	return &Index{source: source, cached: cached}, nil
}

// FindSimilar returns up to k closed batches ordered by ascending distance
// to the query features. The querying batch itself is excluded.
func (ix *Index) FindSimilar(ctx context.Context, query *api.FeatureVector, k int) ([]Similar, error) {
	if query == nil {
		return nil, fmt.Errorf("query features required")
	}
	if k <= 0 {
		k = 3
	}

	key := fmt.Sprintf("%s:%d:%d", query.BatchID, query.Tick, k)
	if hit, ok := ix.cached.Get(key); ok {
		return hit, nil
	}

	ids, err := ix.source.ListBatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("batch listing failed: %w", err)
	}

	type candidate struct {
		id       string
		scenario api.Scenario
		capacity float64
		values   []float64
	}

	var cands []candidate
	for _, id := range ids {
		if id == query.BatchID {
			continue
		}
		record, err := ix.source.LoadBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		if record == nil || record.State != api.StateClosed {
			continue
		}
		cp := record.CheckpointFeatures()
		if cp == nil {
			continue
		}
		cands = append(cands, candidate{
			id:       id,
			scenario: record.Scenario,
			capacity: record.GroundTruth,
			values:   cp.Values(),
		})
	}
	if len(cands) == 0 {
		return nil, nil
	}

	// Per-dimension scale from the candidate population.
	qv := query.Values()
	scale := make([]float64, len(qv))
	for d := range scale {
		var lo, hi float64 = math.Inf(1), math.Inf(-1)
		for _, c := range cands {
			if c.values[d] < lo {
				lo = c.values[d]
			}
			if c.values[d] > hi {
				hi = c.values[d]
			}
		}
		scale[d] = hi - lo
		if scale[d] == 0 {
			scale[d] = 1
		}
	}

	out := make([]Similar, 0, len(cands))
	for _, c := range cands {
		var sum float64
		for d := range qv {
			dd := (qv[d] - c.values[d]) / scale[d]
			sum += dd * dd
		}
		out = append(out, Similar{
			BatchID:  c.id,
			Scenario: c.scenario,
			Capacity: c.capacity,
			Distance: math.Sqrt(sum),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].BatchID < out[j].BatchID
	})
	if len(out) > k {
		out = out[:k]
	}

	ix.cached.Set(key, out)
	return out, nil
}
