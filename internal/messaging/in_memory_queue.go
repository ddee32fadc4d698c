package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"remote-index-builder/pkg/api"
)

type inMemoryTask struct {
	owner   *InMemoryQueue
	queue   string
	payload []byte
	settled atomic.Bool
}

func (t *inMemoryTask) Type() string {
	return t.queue
}

func (t *inMemoryTask) Payload() []byte {
	return t.payload
}

func (t *inMemoryTask) Ack() error {
	if t.settled.CompareAndSwap(false, true) {
		t.owner.acked.Add(1)
	}
	return nil
}

func (t *inMemoryTask) Nack() error {
	if t.settled.CompareAndSwap(false, true) {
		t.owner.nacked.Add(1)
		t.owner.requeue(t.queue, t.payload)
	}
	return nil
}

func (t *inMemoryTask) Reject() error {
	if t.settled.CompareAndSwap(false, true) {
		t.owner.rejected.Add(1)
	}
	return nil
}

// InMemoryQueue is a Publisher and Reciever for a single process. Build tasks
// are delivered on Tasks and results on Results.
type InMemoryQueue struct {
	queues Queues

	mu      sync.RWMutex
	tasks   chan Task
	results chan Task
	closed  bool

	acked    atomic.Int64
	nacked   atomic.Int64
	rejected atomic.Int64
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		queues:  DefaultQueues(),
		tasks:   make(chan Task, 100),
		results: make(chan Task, 100),
	}
}

func (q *InMemoryQueue) channel(queue string) chan Task {
	if queue == q.queues.Result {
		return q.results
	}
	return q.tasks
}

func (q *InMemoryQueue) publishTaskInternal(queue string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.PublishRaw(queue, data)
	return nil
}

// PublishRaw enqueues data as is.
func (q *InMemoryQueue) PublishRaw(queue string, data []byte) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	q.channel(queue) <- &inMemoryTask{owner: q, queue: queue, payload: data}
}

func (q *InMemoryQueue) requeue(queue string, data []byte) {
	go q.PublishRaw(queue, data)
}

func (q *InMemoryQueue) PublishBuildTask(ctx context.Context, payload api.BuildTaskPayload) error {
	return q.publishTaskInternal(q.queues.Build, payload)
}

func (q *InMemoryQueue) PublishBuildResult(ctx context.Context, payload api.BuildResultPayload) error {
	return q.publishTaskInternal(q.queues.Result, payload)
}

func (q *InMemoryQueue) Tasks() <-chan Task {
	return q.tasks
}

func (q *InMemoryQueue) Results() <-chan Task {
	return q.results
}

// Settled reports how many tasks were acked, nacked and rejected.
func (q *InMemoryQueue) Settled() (acked, nacked, rejected int64) {
	return q.acked.Load(), q.nacked.Load(), q.rejected.Load()
}

func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
		close(q.results)
	}
}
