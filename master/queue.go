package master

import (
	"context"
	"sync"
	"time"

	"github.com/svlpsu/crete-cluster/trace"
)

// traceQueue is the FIFO of traces waiting for a node. Pop waits for a push.
type traceQueue struct {
	lock   *sync.Mutex
	traces []*trace.Trace
	// closed and replaced on every push
	notify chan struct{}
}

func newTraceQueue() *traceQueue {
	return &traceQueue{
		lock:   new(sync.Mutex),
		traces: make([]*trace.Trace, 0),
		notify: make(chan struct{}),
	}
}

func (q *traceQueue) Push(trs ...*trace.Trace) {
	if len(trs) == 0 {
		return
	}
	q.lock.Lock()
	defer q.lock.Unlock()
	q.traces = append(q.traces, trs...)
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *traceQueue) tryPop() (*trace.Trace, <-chan struct{}) {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.traces) == 0 {
		return nil, q.notify
	}
	tr := q.traces[0]
	q.traces = q.traces[1:]
	return tr, nil
}

// Pop returns nil when nothing was pushed within wait
func (q *traceQueue) Pop(ctx context.Context, wait time.Duration) *trace.Trace {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		tr, notify := q.tryPop()
		if tr != nil {
			return tr
		}
		select {
		case <-notify:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (q *traceQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.traces)
}

func (q *traceQueue) Reset() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.traces = make([]*trace.Trace, 0)
}
