// Package graph implements the one-shot graph loader (C6, spec.md §4.6):
// it streams an edge list into broker state that seeds the PageRank engine,
// following compute/pagerank/graph_loader.py's adjacency-build-then-bulk-
// pipeline-write shape.
package graph

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/record"
)

func encodeTargets(targets []string) (string, error) {
	var b, err = json.Marshal(targets)
	if err != nil {
		return "", fmt.Errorf("graph: encoding out-links: %w", err)
	}
	return string(b), nil
}

// DecodeTargets decodes the JSON-encoded out-links list written by Load,
// for use by PageRank workers reading graph:out_links (spec.md §4.8).
func DecodeTargets(encoded string) ([]string, error) {
	var targets []string
	if err := json.Unmarshal([]byte(encoded), &targets); err != nil {
		return nil, fmt.Errorf("graph: decoding out-links: %w", err)
	}
	return targets, nil
}

// Broker keys, per spec.md §6.
const (
	KeyNodes     = "graph:nodes"
	KeyOutLinks  = "graph:out_links"
	KeyOutDegree = "graph:out_degree"
	KeyRanksCurr = "pr:ranks:current"
	KeyNodeCount = "sys:node_count"
)

// WriteBatch is the reference bulk-pipeline write batch size, generalized
// from graph_loader.py's BATCH_SIZE.
const WriteBatch = 5000

// Loader streams an edge list and seeds broker graph + initial-rank state
// (C6, spec.md §4.6).
type Loader struct {
	Broker broker.Broker
}

// Load reads edgesPath (lines of "source\ttarget", self-edges excluded),
// builds the node set and adjacency map, and writes the broker state of
// spec.md §4.6: graph:nodes is appended in WriteBatch-sized batches, while
// out-links, out-degrees and initial ranks are written one hash field per
// call. It returns the node count N.
func (l *Loader) Load(ctx context.Context, edgesPath string) (int, error) {
	var f, err = os.Open(edgesPath)
	if err != nil {
		return 0, fmt.Errorf("graph: opening %s: %w", edgesPath, err)
	}
	defer f.Close()

	var adjacency = make(map[string][]string)
	var nodeSet = make(map[string]struct{})
	var order []string // first-seen order, for a deterministic graph:nodes list.

	var addNode = func(id string) {
		if _, ok := nodeSet[id]; !ok {
			nodeSet[id] = struct{}{}
			order = append(order, id)
		}
	}

	var r = bufio.NewReader(f)
	for {
		var line, readErr = r.ReadString('\n')
		var trimmed = strings.TrimRight(line, "\r\n")
		if trimmed != "" {
			var parts = strings.SplitN(trimmed, "\t", 2)
			if len(parts) == 2 {
				var u, v = record.CanonicalID(parts[0]), record.CanonicalID(parts[1])
				if u != "" && v != "" && u != v {
					addNode(u)
					addNode(v)
					adjacency[u] = append(adjacency[u], v)
				}
			}
		}
		if readErr == io.EOF {
			break
		} else if readErr != nil {
			return 0, fmt.Errorf("graph: reading %s: %w", edgesPath, readErr)
		}
	}

	var n = len(order)
	log.WithField("nodes", n).Info("graph: loaded edge list")
	if n == 0 {
		if err := l.Broker.Set(ctx, KeyNodeCount, "0"); err != nil {
			return 0, err
		}
		return 0, nil
	}

	var initScore = fmt.Sprintf("%g", 1.0/float64(n))

	for start := 0; start < n; start += WriteBatch {
		var end = start + WriteBatch
		if end > n {
			end = n
		}
		if _, err := l.Broker.ListAppend(ctx, KeyNodes, order[start:end]...); err != nil {
			return 0, fmt.Errorf("graph: appending node batch: %w", err)
		}
	}

	for _, node := range order {
		if targets := adjacency[node]; len(targets) > 0 {
			var encoded, err = encodeTargets(targets)
			if err != nil {
				return 0, err
			}
			if err := l.Broker.HSet(ctx, KeyOutLinks, node, encoded); err != nil {
				return 0, fmt.Errorf("graph: writing out_links[%s]: %w", node, err)
			}
			if err := l.Broker.HSet(ctx, KeyOutDegree, node, strconv.Itoa(len(targets))); err != nil {
				return 0, fmt.Errorf("graph: writing out_degree[%s]: %w", node, err)
			}
		}
		if err := l.Broker.HSet(ctx, KeyRanksCurr, node, initScore); err != nil {
			return 0, fmt.Errorf("graph: writing initial rank[%s]: %w", node, err)
		}
	}

	if err := l.Broker.Set(ctx, KeyNodeCount, strconv.Itoa(n)); err != nil {
		return 0, err
	}

	log.WithField("nodes", n).Info("graph: load complete")
	return n, nil
}
