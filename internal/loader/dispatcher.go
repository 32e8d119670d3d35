package loader

import (
	"context"
)

// Batch is a contiguous slice of work items handed to one worker.
type Batch struct {
	Seq   int
	Items []WorkItem
}

// Partition splits items into consecutive batches of size (the last one may
// be shorter). It returns ceil(len(items)/size) batches that together hold
// every item exactly once.
func Partition(items []WorkItem, size int) []Batch {
	if size < 1 {
		size = 1
	}
	batches := make([]Batch, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, Batch{Seq: len(batches), Items: items[start:end]})
	}
	return batches
}

// QueueCapacity bounds the batch queue so the dispatcher blocks instead of
// buffering the whole input when workers fall behind.
func QueueCapacity(workers int) int {
	if workers < 1 {
		workers = 1
	}
	return 2 * workers
}

// Dispatch sends batches to queue in order and closes it. It returns how
// many batches were handed over; batches[sent:] were never enqueued. When
// ctx is cancelled before every batch is sent the error is ctx.Err().
func Dispatch(ctx context.Context, batches []Batch, queue chan<- Batch) (sent int, err error) {
	defer close(queue)
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case queue <- b:
			sent++
		}
	}
	return sent, nil
}
