package messaging

import (
	"context"
	"errors"
	"sync"
)

type inMemoryDelivery struct {
	queue  *InMemoryQueue
	body   []byte
	record RecordPayload
}

func (d *inMemoryDelivery) Record() RecordPayload {
	return d.record
}

func (d *inMemoryDelivery) Ack() error {
	return nil
}

func (d *inMemoryDelivery) Requeue() error {
	return d.queue.push(context.Background(), d.body)
}

func (d *inMemoryDelivery) Discard() error {
	return nil
}

// InMemoryQueue is a Publisher and Receiver in one process. Records go through
// the same encoding as the brokers so consumers see identical payloads.
type InMemoryQueue struct {
	mu      sync.RWMutex
	records chan RecordDelivery
	closed  bool
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		records: make(chan RecordDelivery, 100),
	}
}

func (q *InMemoryQueue) push(ctx context.Context, body []byte) error {
	record, err := decodeRecord(RecordMessageType, "", body)
	if err != nil {
		return err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.records <- &inMemoryDelivery{queue: q, body: body, record: record}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("in-memory queue is full")
	}
}

func (q *InMemoryQueue) PublishRecord(ctx context.Context, payload RecordPayload) error {
	body, err := encodeRecord(payload)
	if err != nil {
		return err
	}
	return q.push(ctx, body)
}

func (q *InMemoryQueue) Records() <-chan RecordDelivery {
	return q.records
}

func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.records)
		q.closed = true
	}
}

var (
	_ Publisher = (*InMemoryQueue)(nil)
	_ Receiver  = (*InMemoryQueue)(nil)
)
