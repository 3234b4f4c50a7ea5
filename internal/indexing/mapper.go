package indexing

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/analyzer"
	"github.com/fenwick-labs/searchcore/internal/broker"
	"github.com/fenwick-labs/searchcore/internal/ops"
	"github.com/fenwick-labs/searchcore/internal/record"
	"github.com/fenwick-labs/searchcore/internal/shuffle"
)

// Mapper claims byte-offset tasks, tokenizes the records in each range, and
// writes sorted partition files (C4, spec.md §4.4).
type Mapper struct {
	Broker     broker.Broker
	Analyzer   *analyzer.Analyzer
	CorpusPath string
	ShuffleDir string
}

// Run loops claiming tasks until MaxIdle consecutive empty claims, per
// spec.md §4.4's idle-exit policy, or until ctx is cancelled.
func (m *Mapper) Run(ctx context.Context) error {
	var idle int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var payload, ok, err = m.Broker.Claim(ctx, QueueMapper, IdlePoll*time.Second)
		if err != nil {
			return err
		}
		ops.QueueOpsTotal.WithLabelValues(QueueMapper, "claim").Inc()

		if !ok {
			idle++
			if idle >= MaxIdle {
				log.Info("mapper: queue empty, exiting")
				return nil
			}
			continue
		}
		idle = 0

		if err := m.processTask(ctx, payload); err != nil {
			log.WithError(err).Error("mapper: task handler error, dropping (ack) per policy")
		}
		// On success OR any unhandled error, ack (drop) rather than requeue:
		// tasks are deterministic byte-range reads, so a poison batch would
		// loop forever otherwise (spec.md §4.4, §7).
		if err := m.Broker.Ack(ctx, QueueMapper, payload); err != nil {
			return err
		}
		ops.QueueOpsTotal.WithLabelValues(QueueMapper, "ack").Inc()
	}
}

func (m *Mapper) processTask(ctx context.Context, payload []byte) error {
	var task, err = DecodeMapTask(payload)
	if err != nil {
		return err
	}

	var f *os.File
	f, err = os.Open(m.CorpusPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf = make([]byte, task.ReadBytes)
	if _, err := f.ReadAt(buf, task.StartOffset); err != nil {
		return err
	}

	var text = strings.TrimSpace(toValidUTF8(buf))
	var buckets = make([][]shuffle.Tuple, NPart)
	var docCount int

	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}

		var doc record.Document
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			ops.MapperParseErrors.Inc()
			continue
		}
		doc.Normalize()

		var counts = make(map[string]int64)
		for _, tok := range m.Analyzer.Analyze(doc.Text, false) {
			counts[tok]++
		}
		for term, tf := range counts {
			var p = shuffle.Partition(term, NPart)
			buckets[p] = append(buckets[p], shuffle.Tuple{Term: term, DocID: doc.ID, TF: tf})
		}
		docCount++
	}

	for p, tuples := range buckets {
		if len(tuples) == 0 {
			continue
		}
		if err := shuffle.WritePartitionFile(m.ShuffleDir, task.TaskID, p, tuples); err != nil {
			return err
		}
	}

	ops.MapperRecordsIndexed.Add(float64(docCount))
	log.WithFields(log.Fields{"task_id": task.TaskID, "docs": docCount}).Info("mapper: task done")
	return nil
}

// toValidUTF8 decodes buf as UTF-8, replacing invalid byte sequences with
// the Unicode replacement character, per spec.md §4.4's "decode as text
// (invalid bytes replaced)".
func toValidUTF8(buf []byte) string {
	return strings.ToValidUTF8(string(buf), "�")
}
