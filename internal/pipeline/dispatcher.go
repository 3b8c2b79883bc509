package pipeline

import (
	"context"
	"errors"
	"sync"

	"inference-relay/internal/core"
)

var ErrDispatcherClosed = errors.New("dispatcher is closed")

// Dispatcher runs each submission in its own goroutine, with at most
// concurrency submissions talking to the endpoint at once.
type Dispatcher struct {
	pipeline *Pipeline
	slots    chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(pipeline *Pipeline, concurrency int) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		pipeline: pipeline,
		slots:    make(chan struct{}, concurrency),
	}
}

// Submit starts processing the submission and returns a channel that receives
// its outcome once the reply has been sent.
func (d *Dispatcher) Submit(ctx context.Context, sub core.Submission, replier Replier) (<-chan Outcome, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	result := make(chan Outcome, 1)

	go func() {
		defer d.wg.Done()
		defer close(result)

		d.slots <- struct{}{}
		defer func() { <-d.slots }()

		result <- d.pipeline.Process(ctx, sub, replier)
	}()

	return result, nil
}

func (d *Dispatcher) Info(ctx context.Context, replier Replier) error {
	return d.pipeline.Info(ctx, replier)
}

// Wait blocks until every submitted task has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting submissions and waits for in-flight ones.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
}
