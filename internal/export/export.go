// Package export implements the Result Exporter (C9, spec.md §4.9): it
// bulk-reads the final pr:ranks:current hash and batch-upserts the
// (doc_id, score) table, following compute/pagerank/export_pagerank_sql.py
// and the deprecated JSON variant's "fetch all, then write" shape.
package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/graph"
	"github.com/fenwick-labs/searchcore/internal/pagerank"
	"github.com/fenwick-labs/searchcore/internal/store"
)

// Batch is the reference export batch size (spec.md §4.9, §6).
const Batch = 10000

// Exporter persists the converged rank vector to the relational store
// (C9, spec.md §4.9).
type Exporter struct {
	Broker broker.Broker
	Store  *store.Store
}

// Run reads every node's rank from pr:ranks:current and upserts the
// pagerank table in batches of Batch rows with last-writer-wins. It returns
// the number of rows written.
func (e *Exporter) Run(ctx context.Context) (int, error) {
	var raw, err = e.Broker.Get(ctx, pagerank.KeyNodeCount)
	if err != nil {
		return 0, fmt.Errorf("export: reading sys:node_count: %w", err)
	}
	var n, perr = strconv.Atoi(raw)
	if perr != nil {
		return 0, fmt.Errorf("export: parsing sys:node_count: %w", perr)
	}

	var nodes, nerr = e.Broker.ListRange(ctx, graph.KeyNodes, 0, n)
	if nerr != nil {
		return 0, fmt.Errorf("export: reading graph:nodes: %w", nerr)
	}

	var total int
	var ids []string
	var scores []float64

	var flush = func() error {
		if len(ids) == 0 {
			return nil
		}
		var err = store.WithRetry(ctx, e.Store.DB, 3, func(tx *sql.Tx) error {
			return store.UpsertPageRankRows(ctx, tx, ids, scores)
		})
		if err != nil {
			return err
		}
		total += len(ids)
		ids, scores = ids[:0], scores[:0]
		return nil
	}

	for _, id := range nodes {
		var rawScore, gerr = e.Broker.HGet(ctx, pagerank.KeyRanksCurrent, id)
		if gerr == broker.ErrNotFound {
			continue
		} else if gerr != nil {
			return total, gerr
		}
		var score, serr = strconv.ParseFloat(rawScore, 64)
		if serr != nil {
			return total, fmt.Errorf("export: parsing score for %s: %w", id, serr)
		}
		ids = append(ids, id)
		scores = append(scores, score)
		if len(ids) >= Batch {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}

	log.WithField("rows", total).Info("export: pagerank table written")
	return total, nil
}

// WriteFlatFile dumps pr:ranks:current to a JSON file mapping doc_id to
// score, generalizing the deprecated flat-file export path preserved in
// compute/pagerank/export_pagerank.py ("Deprecated: ... saved for possible
// future use"). It is a supplemented option, not part of the core pipeline.
func (e *Exporter) WriteFlatFile(ctx context.Context, path string) error {
	var raw, err = e.Broker.Get(ctx, pagerank.KeyNodeCount)
	if err != nil {
		return fmt.Errorf("export: reading sys:node_count: %w", err)
	}
	var n, perr = strconv.Atoi(raw)
	if perr != nil {
		return fmt.Errorf("export: parsing sys:node_count: %w", perr)
	}
	var nodes, nerr = e.Broker.ListRange(ctx, graph.KeyNodes, 0, n)
	if nerr != nil {
		return fmt.Errorf("export: reading graph:nodes: %w", nerr)
	}

	var out = make(map[string]float64, len(nodes))
	for _, id := range nodes {
		var rawScore, gerr = e.Broker.HGet(ctx, pagerank.KeyRanksCurrent, id)
		if gerr == broker.ErrNotFound {
			continue
		} else if gerr != nil {
			return gerr
		}
		var score, serr = strconv.ParseFloat(rawScore, 64)
		if serr != nil {
			return fmt.Errorf("export: parsing score for %s: %w", id, serr)
		}
		out[id] = score
	}

	var data, merr = json.Marshal(out)
	if merr != nil {
		return fmt.Errorf("export: marshaling scores: %w", merr)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("export: writing %s: %w", path, err)
	}
	return nil
}

// TopN returns the n highest-scoring (doc_id, score) pairs from a score
// map, descending, matching export_pagerank.py's "TOP 20 PAGES" report.
func TopN(scores map[string]float64, n int) []Ranked {
	var ranked = make([]Ranked, 0, len(scores))
	for id, score := range scores {
		ranked = append(ranked, Ranked{DocID: id, Score: score})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if n < len(ranked) {
		ranked = ranked[:n]
	}
	return ranked
}

// Ranked is one (doc_id, score) pair in descending-score report order.
type Ranked struct {
	DocID string
	Score float64
}
