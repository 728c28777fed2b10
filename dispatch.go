package sgdb

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	lock "github.com/viney-shih/go-lock"
)

// Kind groups operations that must not run concurrently with each other.
type Kind int

const (
	KindInsert Kind = iota
	KindUpdate
	KindRemove
	KindRelation
	KindMeta
	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindRemove:
		return "remove"
	case KindRelation:
		return "relation"
	case KindMeta:
		return "meta"
	}
	return "unknown"
}

// Future is the pending result of a dispatched operation.
type Future struct {
	done  chan struct{}
	value interface{}
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(v interface{}, err error) {
	f.value, f.err = v, err
	close(f.done)
}

// Done is closed once the operation finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the operation finished or ctx is done. A cancelled wait
// does not cancel the operation.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type request struct {
	blocked func() bool
	fn      func() (interface{}, error)
	future  *Future
}

// dispatcher runs at most one operation per kind at a time, in submission
// order. A queue head waits while the store is not ready or its target is
// locked.
type dispatcher struct {
	mu     sync.Mutex
	queues [numKinds][]*request
	busy   [numKinds]*lock.CASMutex
	closed bool
	wg     sync.WaitGroup

	ready   func() bool
	metrics *metrics
	log     *log.Entry
}

func newDispatcher(ready func() bool, m *metrics, logger *log.Entry) *dispatcher {
	d := &dispatcher{ready: ready, metrics: m, log: logger}
	for k := range d.busy {
		d.busy[k] = lock.NewCASMutex()
	}
	return d
}

func (d *dispatcher) submit(kind Kind, blocked func() bool, fn func() (interface{}, error)) *Future {
	f := newFuture()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		f.resolve(nil, ErrDatabaseClosed)
		return f
	}
	d.queues[kind] = append(d.queues[kind], &request{blocked: blocked, fn: fn, future: f})
	d.metrics.queueDepth.WithLabelValues(kind.String()).Set(float64(len(d.queues[kind])))
	d.wg.Add(1)
	d.mu.Unlock()

	go d.drain(kind)
	return f
}

// next pops the head of the queue if it may run now.
func (d *dispatcher) next(kind Kind) *request {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[kind]
	if len(q) == 0 || !d.ready() {
		return nil
	}
	if head := q[0]; head.blocked != nil && head.blocked() {
		return nil
	}
	req := q[0]
	q[0] = nil
	d.queues[kind] = q[1:]
	d.metrics.queueDepth.WithLabelValues(kind.String()).Set(float64(len(d.queues[kind])))
	return req
}

func (d *dispatcher) runnable(kind Kind) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[kind]
	return len(q) > 0 && d.ready() && (q[0].blocked == nil || !q[0].blocked())
}

// drain runs queued operations of kind until the queue is empty or its head
// has to wait.
func (d *dispatcher) drain(kind Kind) {
	busy := d.busy[kind]
	for {
		if !busy.TryLock() {
			return
		}
		req := d.next(kind)
		if req == nil {
			busy.Unlock()
			// work submitted between next and Unlock saw the kind busy
			if d.runnable(kind) {
				continue
			}
			return
		}

		start := time.Now()
		v, err := req.fn()
		elapsed := time.Since(start)
		d.metrics.observe(kind, elapsed.Seconds(), err)
		entry := d.log.WithFields(log.Fields{"kind": kind, "elapsed": elapsed})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Debug("operation done")

		busy.Unlock()
		req.future.resolve(v, err)
		d.wg.Done()
	}
}

// drainAll wakes every kind, used when the store becomes ready or a locked
// class or relation is released.
func (d *dispatcher) drainAll() {
	for k := Kind(0); k < numKinds; k++ {
		go d.drain(k)
	}
}

// close rejects new operations and waits for the queued ones.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
}
