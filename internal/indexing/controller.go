package indexing

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fenwick-labs/searchcore/internal/broker"
)

// Phase selects which queues the controller plans and publishes to
// (spec.md §4.3).
type Phase string

const (
	PhaseMap    Phase = "map"
	PhaseReduce Phase = "reduce"
	PhaseAll    Phase = "all"
)

// Controller plans mapper tasks by byte offset and publishes reducer
// partition tasks (C3, spec.md §4.3).
type Controller struct {
	Broker broker.Broker
	Chunk  int // reference 2000 lines; 0 means Chunk constant.
}

// Run executes phase against corpusPath, clearing queues and publishing
// tasks as spec.md §4.3 describes. It returns the number of mapper tasks
// and the number of reducer tasks published.
func (c *Controller) Run(ctx context.Context, phase Phase, corpusPath string) (mapperTasks, reducerTasks int, err error) {
	var chunk = c.Chunk
	if chunk <= 0 {
		chunk = Chunk
	}

	if phase == PhaseMap || phase == PhaseAll {
		if err := c.clearQueues(ctx); err != nil {
			return 0, 0, err
		}
		mapperTasks, err = c.publishMapperTasks(ctx, corpusPath, chunk)
		if err != nil {
			return mapperTasks, 0, err
		}
	}

	if phase == PhaseReduce || phase == PhaseAll {
		reducerTasks, err = c.publishReducerTasks(ctx)
		if err != nil {
			return mapperTasks, reducerTasks, err
		}
	}

	return mapperTasks, reducerTasks, nil
}

// clearQueues empties the four indexing queues, per spec.md §4.3's "map:
// clears the four queues (mapper pending, mapper processing, reducer
// pending, reducer processing)".
func (c *Controller) clearQueues(ctx context.Context) error {
	for _, q := range []string{QueueMapper, QueueReducer} {
		if err := c.Broker.Clear(ctx, q); err != nil {
			return fmt.Errorf("indexing: clearing %s: %w", q, err)
		}
	}
	return nil
}

// publishMapperTasks walks corpusPath in binary mode, accumulating line
// counts and byte offsets, emitting a task every chunk lines plus a final
// partial task for the tail (spec.md §4.3).
func (c *Controller) publishMapperTasks(ctx context.Context, corpusPath string, chunk int) (int, error) {
	var f, err = os.Open(corpusPath)
	if err != nil {
		return 0, fmt.Errorf("indexing: opening %s: %w", corpusPath, err)
	}
	defer f.Close()

	var r = bufio.NewReader(f)
	var taskID = 0
	var startOffset int64
	var lineCount int
	var offset int64

	for {
		var line, readErr = r.ReadBytes('\n')
		offset += int64(len(line))

		if len(line) > 0 {
			lineCount++
		}

		if lineCount >= chunk {
			if err := c.publishMapTask(ctx, taskID, startOffset, offset-startOffset); err != nil {
				return taskID, err
			}
			taskID++
			lineCount = 0
			startOffset = offset
		}

		if readErr == io.EOF {
			break
		} else if readErr != nil {
			return taskID, fmt.Errorf("indexing: reading %s: %w", corpusPath, readErr)
		}
	}

	if lineCount > 0 {
		if err := c.publishMapTask(ctx, taskID, startOffset, offset-startOffset); err != nil {
			return taskID, err
		}
		taskID++
	}

	return taskID, nil
}

func (c *Controller) publishMapTask(ctx context.Context, taskID int, startOffset, readBytes int64) error {
	var payload, err = EncodeMapTask(MapTask{TaskID: taskID, StartOffset: startOffset, ReadBytes: readBytes})
	if err != nil {
		return err
	}
	if err := c.Broker.Publish(ctx, QueueMapper, payload); err != nil {
		return fmt.Errorf("indexing: publishing map task %d: %w", taskID, err)
	}
	return nil
}

// publishReducerTasks publishes partition ids 0..NPart-1 as reducer tasks
// (spec.md §4.3).
func (c *Controller) publishReducerTasks(ctx context.Context) (int, error) {
	for p := 0; p < NPart; p++ {
		var payload, err = EncodeReducePayload(ReducePayload{ID: p, Retries: 0})
		if err != nil {
			return p, err
		}
		if err := c.Broker.Publish(ctx, QueueReducer, payload); err != nil {
			return p, fmt.Errorf("indexing: publishing reduce task %d: %w", p, err)
		}
	}
	return NPart, nil
}
