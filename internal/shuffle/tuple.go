// Package shuffle implements the local, sorted, partitioned intermediate
// store of spec.md §4.2 (C2): mappers write one sorted, length-prefixed
// file per (task, partition) pair via a temp-name-then-atomic-rename
// pattern, and reducers k-way merge every file for a partition.
//
// The on-disk format is hand-rolled length-prefixed binary (encoding/binary
// + varint), matching the teacher's own practice in go/flow/mapping.go of
// packing keys directly with encoding/binary rather than reaching for a
// protobuf/msgpack dependency for a single internal record shape.
package shuffle

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/minio/highwayhash"
)

// Tuple is one on-disk shuffle record: (term, doc_id, tf) (spec.md §3).
type Tuple struct {
	Term  string
	DocID string
	TF    int64
}

// highwayHashKey is a fixed 32-byte key shared by every mapper and reducer
// in a run, following go/flow/mapping.go's use of highwayhash.Sum64 for
// stable, well-distributed partition assignment (spec.md §4.4: "any
// well-distributed, cross-worker-stable hash ... all workers in a run must
// agree").
var highwayHashKey = make([]byte, 32)

// Partition returns P = hash(term) mod nPart (spec.md §3's partitioning
// function). It is pure and must be identical on every mapper and reducer.
func Partition(term string, nPart int) int {
	var h = highwayhash.Sum64([]byte(term), highwayHashKey)
	return int(h % uint64(nPart))
}

// WriteTuple appends one length-prefixed tuple to w.
func WriteTuple(w *bufio.Writer, t Tuple) error {
	var hdr [binary.MaxVarintLen64]byte

	var n = binary.PutUvarint(hdr[:], uint64(len(t.Term)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	if _, err := w.WriteString(t.Term); err != nil {
		return err
	}

	n = binary.PutUvarint(hdr[:], uint64(len(t.DocID)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	if _, err := w.WriteString(t.DocID); err != nil {
		return err
	}

	n = binary.PutVarint(hdr[:], t.TF)
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	return nil
}

// ReadTuple decodes one tuple from r, returning io.EOF when r is exhausted
// at a record boundary.
func ReadTuple(r *bufio.Reader) (Tuple, error) {
	var termLen, err = binary.ReadUvarint(r)
	if err != nil {
		return Tuple{}, err // May be io.EOF; propagate as-is.
	}
	var term = make([]byte, termLen)
	if _, err := io.ReadFull(r, term); err != nil {
		return Tuple{}, fmt.Errorf("shuffle: truncated term: %w", err)
	}

	docLen, err := binary.ReadUvarint(r)
	if err != nil {
		return Tuple{}, fmt.Errorf("shuffle: truncated record after term: %w", err)
	}
	var docID = make([]byte, docLen)
	if _, err := io.ReadFull(r, docID); err != nil {
		return Tuple{}, fmt.Errorf("shuffle: truncated doc_id: %w", err)
	}

	tf, err := binary.ReadVarint(r)
	if err != nil {
		return Tuple{}, fmt.Errorf("shuffle: truncated tf: %w", err)
	}

	return Tuple{Term: string(term), DocID: string(docID), TF: tf}, nil
}
