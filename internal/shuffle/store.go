package shuffle

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// PartitionFileName returns the canonical name of the file a mapper task
// writes for one partition: part-task{T}-r{P} (spec.md §4.2).
func PartitionFileName(taskID, partition int) string {
	return fmt.Sprintf("part-task%d-r%d", taskID, partition)
}

// partitionGlob matches every partition file for P across all mapper tasks:
// part-*-r{P} (spec.md §4.5).
func partitionGlob(dir string, partition int) string {
	return filepath.Join(dir, fmt.Sprintf("part-task*-r%d", partition))
}

// WritePartitionFile sorts tuples by term and writes them to
// dir/part-task{taskID}-r{partition}, via a temp-name-then-atomic-rename so
// that reducers never observe a partially-written file (spec.md §4.2's
// invariant).
func WritePartitionFile(dir string, taskID, partition int, tuples []Tuple) error {
	if len(tuples) == 0 {
		return nil
	}
	sort.Slice(tuples, func(i, j int) bool { return tuples[i].Term < tuples[j].Term })

	var final = filepath.Join(dir, PartitionFileName(taskID, partition))
	var tmp = final + ".tmp"

	var f, err = os.Create(tmp)
	if err != nil {
		return fmt.Errorf("shuffle: creating %s: %w", tmp, err)
	}

	var w = bufio.NewWriter(f)
	for _, t := range tuples {
		if err := WriteTuple(w, t); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("shuffle: writing %s: %w", tmp, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("shuffle: flushing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("shuffle: syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("shuffle: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("shuffle: renaming %s to %s: %w", tmp, final, err)
	}
	return nil
}

// ListPartitionFiles globs every mapper-written file for partition.
func ListPartitionFiles(dir string, partition int) ([]string, error) {
	var matches, err = filepath.Glob(partitionGlob(dir, partition))
	if err != nil {
		return nil, fmt.Errorf("shuffle: globbing partition %d: %w", partition, err)
	}
	return matches, nil
}

// RemovePartitionFiles deletes every file for partition after a reducer
// commits, per spec.md §3's shuffle-tuple lifecycle ("deleted after reduce
// completes").
func RemovePartitionFiles(files []string) error {
	for _, f := range files {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("shuffle: removing %s: %w", f, err)
		}
	}
	return nil
}
