package factcheck

import (
	"context"
	"log"
	"sync"

	"huddle/api/internal/store"
)

// Queue runs the pipeline off the send path on a bounded buffer. When the
// buffer is full new tasks are dropped with a warning instead of blocking
// message delivery. Duplicate enqueues for a message still in flight collapse
// to the one queued task; the annotate contract makes any stragglers no-ops.
type Queue struct {
	pipeline *Pipeline
	tasks    chan store.Message
	workers  int

	mu       sync.Mutex
	inflight map[string]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewQueue(pipeline *Pipeline, size, workers int) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 4
	}
	return &Queue{
		pipeline: pipeline,
		tasks:    make(chan store.Message, size),
		workers:  workers,
		inflight: make(map[string]struct{}),
	}
}

func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
}

// Enqueue schedules a message for fact-checking. Never blocks.
func (q *Queue) Enqueue(message store.Message) {
	q.mu.Lock()
	if _, dup := q.inflight[message.ID]; dup {
		q.mu.Unlock()
		return
	}
	q.inflight[message.ID] = struct{}{}
	q.mu.Unlock()

	select {
	case q.tasks <- message:
	default:
		q.release(message.ID)
		log.Printf("factcheck: queue saturated, dropping message %s", message.ID)
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-q.tasks:
			// The sender disconnecting has no effect on this task; only the
			// queue's own shutdown cancels it.
			q.pipeline.Process(ctx, message)
			q.release(message.ID)
		}
	}
}

func (q *Queue) release(messageID string) {
	q.mu.Lock()
	delete(q.inflight, messageID)
	q.mu.Unlock()
}

// Close stops the workers. Queued but unstarted tasks are abandoned, which is
// the same degraded-but-safe outcome as a saturated queue.
func (q *Queue) Close() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}
