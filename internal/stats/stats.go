// Package stats implements the Metadata/Stats Writer (C11, spec.md
// §4.11): it streams the input record stream and writes per-document
// length and cleaned text to the metadata table, then the corpus-wide
// average document length to config, following
// compute/export_metadata.py's stream-tokenize-batch-upsert shape.
package stats

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/fenwick-labs/searchcore/internal/analyzer"
	"github.com/fenwick-labs/searchcore/internal/ops"
	"github.com/fenwick-labs/searchcore/internal/record"
	"github.com/fenwick-labs/searchcore/internal/store"
)

// Batch is the reference metadata-table write batch size (spec.md §4.11, §6).
const Batch = 2000

// ConfigKeyAvgDL is the required config table key (spec.md §6).
const ConfigKeyAvgDL = "avgdl"

// Writer streams the corpus and populates the metadata table and the
// avgdl config row (C11, spec.md §4.11).
type Writer struct {
	Store      *store.Store
	Analyzer   *analyzer.Analyzer
	CorpusPath string
	BatchSize  int // reference 2000; 0 means Batch.
}

// Run streams CorpusPath, writing metadata rows and, at the end, the
// corpus-wide avgdl. It returns the document count.
func (w *Writer) Run(ctx context.Context) (int, error) {
	var f, err = os.Open(w.CorpusPath)
	if err != nil {
		return 0, fmt.Errorf("stats: opening %s: %w", w.CorpusPath, err)
	}
	defer f.Close()

	var batchSize = w.BatchSize
	if batchSize <= 0 {
		batchSize = Batch
	}

	var batch []store.MetadataRow
	var totalLength, docCount int

	var flush = func() error {
		if len(batch) == 0 {
			return nil
		}
		var err = store.WithRetry(ctx, w.Store.DB, 3, func(tx *sql.Tx) error {
			return store.UpsertMetadataRows(ctx, tx, batch)
		})
		if err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	var scanner = bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var line = scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		var doc record.Document
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			ops.MapperParseErrors.Inc()
			continue
		}
		doc.Normalize()

		var cleaned = cleanText(doc.Text)
		var length = len(w.Analyzer.Analyze(cleaned, false))

		batch = append(batch, store.MetadataRow{DocID: doc.ID, Length: length, Text: cleaned})
		totalLength += length
		docCount++

		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return docCount, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return docCount, fmt.Errorf("stats: reading %s: %w", w.CorpusPath, err)
	}
	if err := flush(); err != nil {
		return docCount, err
	}

	var avgdl float64
	if docCount > 0 {
		avgdl = float64(totalLength) / float64(docCount)
	}
	if err := store.SetConfig(ctx, w.Store.DB, ConfigKeyAvgDL, avgdl); err != nil {
		return docCount, err
	}

	log.WithFields(log.Fields{"docs": docCount, "avgdl": avgdl}).Info("stats: metadata write complete")
	return docCount, nil
}

// cleanText removes NUL bytes from text, per spec.md §4.11's cleanup step.
func cleanText(text string) string {
	return strings.ReplaceAll(text, "\x00", "")
}
