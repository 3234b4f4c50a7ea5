package shuffle

import (
	"bufio"
	"container/heap"
	"fmt"
	"io"
	"os"
)

// source is one partition file's open, buffered tuple stream, together with
// its most-recently-read tuple, following the *read abstraction the teacher
// uses in go/shuffle/reader.go to track per-journal read state.
type source struct {
	file *os.File
	r    *bufio.Reader
	next Tuple
	done bool
}

func openSource(path string) (*source, error) {
	var f, err = os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("shuffle: opening %s: %w", path, err)
	}
	var s = &source{file: f, r: bufio.NewReader(f)}
	if err := s.advance(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *source) advance() error {
	var t, err = ReadTuple(s.r)
	if err == io.EOF {
		s.done = true
		return nil
	} else if err != nil {
		return err
	}
	s.next = t
	return nil
}

func (s *source) Close() error { return s.file.Close() }

// sourceHeap is a min-heap of sources ordered by their next tuple's term,
// the container/heap merge idiom go/shuffle/reader.go uses for its readHeap.
type sourceHeap []*source

func (h sourceHeap) Len() int            { return len(h) }
func (h sourceHeap) Less(i, j int) bool  { return h[i].next.Term < h[j].next.Term }
func (h sourceHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *sourceHeap) Push(x interface{}) { *h = append(*h, x.(*source)) }
func (h *sourceHeap) Pop() interface{} {
	var old = *h
	var n = len(old)
	var item = old[n-1]
	*h = old[:n-1]
	return item
}

// Merger performs the k-way merge of spec.md §4.5: it presents every tuple
// from a partition's files in ascending term order.
type Merger struct {
	heap sourceHeap
}

// OpenMerger opens every file in paths for reading and primes the merge
// heap. Callers must Close the Merger when done.
func OpenMerger(paths []string) (*Merger, error) {
	var m = &Merger{}
	for _, p := range paths {
		var s, err = openSource(p)
		if err != nil {
			m.Close()
			return nil, err
		}
		if !s.done {
			m.heap = append(m.heap, s)
		} else {
			s.Close()
		}
	}
	heap.Init(&m.heap)
	return m, nil
}

// Next returns the next tuple in global term order, or io.EOF when every
// source is exhausted.
func (m *Merger) Next() (Tuple, error) {
	if len(m.heap) == 0 {
		return Tuple{}, io.EOF
	}
	var s = m.heap[0]
	var t = s.next

	if err := s.advance(); err != nil {
		return Tuple{}, err
	}
	if s.done {
		heap.Pop(&m.heap)
		s.Close()
	} else {
		heap.Fix(&m.heap, 0)
	}
	return t, nil
}

// Close releases every still-open source.
func (m *Merger) Close() error {
	var first error
	for _, s := range m.heap {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.heap = nil
	return first
}

// Group is a maximal run of tuples sharing one term, produced by
// TermGroups. Postings sums tf across repeated (term, doc_id) pairs
// (spec.md §4.5 step 2 — required to be idempotent against mapper retries
// that double-emit).
type Group struct {
	Term     string
	Postings map[string]int64
}

// TermGroups consumes the merger and calls fn once per maximal group of
// tuples sharing a term, in ascending term order (spec.md §4.5).
func TermGroups(m *Merger, fn func(Group) error) error {
	var current *Group

	flush := func() error {
		if current == nil {
			return nil
		}
		var err = fn(*current)
		current = nil
		return err
	}

	for {
		var t, err = m.Next()
		if err == io.EOF {
			return flush()
		} else if err != nil {
			return err
		}

		if current == nil || current.Term != t.Term {
			if err := flush(); err != nil {
				return err
			}
			current = &Group{Term: t.Term, Postings: make(map[string]int64)}
		}
		current.Postings[t.DocID] += t.TF
	}
}
