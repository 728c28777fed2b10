package sgdb

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	assertion "github.com/stretchr/testify/assert"
)

func newTestDispatcher(ready *atomic.Bool) *dispatcher {
	ready.Store(true)
	return newDispatcher(ready.Load, newMetrics(), log.WithField("db", "test"))
}

func TestDispatcherSerializesKind(t *testing.T) {
	assert := assertion.New(t)
	var ready atomic.Bool
	d := newTestDispatcher(&ready)

	var running, maxRunning int32
	var mu sync.Mutex
	var order []int
	futures := make([]*Future, 20)
	for i := range futures {
		i := i
		futures[i] = d.submit(KindInsert, nil, func() (interface{}, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				m := atomic.LoadInt32(&maxRunning)
				if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&running, -1)
			return i, nil
		})
	}
	for i, f := range futures {
		v, err := f.Wait(context.Background())
		assert.NoError(err)
		assert.Equal(i, v)
	}
	assert.Equal(int32(1), atomic.LoadInt32(&maxRunning))
	for i := range order {
		assert.Equal(i, order[i])
	}
	assert.Equal(20.0, testutil.ToFloat64(d.metrics.operations.WithLabelValues("insert", "ok")))
	d.close()
}

func TestDispatcherKindsOverlap(t *testing.T) {
	assert := assertion.New(t)
	var ready atomic.Bool
	d := newTestDispatcher(&ready)

	release := make(chan struct{})
	slow := d.submit(KindRelation, nil, func() (interface{}, error) {
		<-release
		return nil, nil
	})
	fast := d.submit(KindUpdate, nil, func() (interface{}, error) {
		return "done", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := fast.Wait(ctx)
	assert.NoError(err)
	assert.Equal("done", v)

	select {
	case <-slow.Done():
		t.Fatal("blocked operation finished early")
	default:
	}
	close(release)
	_, err = slow.Wait(ctx)
	assert.NoError(err)
	d.close()
}

func TestDispatcherWaitsForReady(t *testing.T) {
	assert := assertion.New(t)
	var ready atomic.Bool
	d := newTestDispatcher(&ready)
	ready.Store(false)

	f := d.submit(KindMeta, nil, func() (interface{}, error) { return 1, nil })
	select {
	case <-f.Done():
		t.Fatal("ran while not ready")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(1.0, testutil.ToFloat64(d.metrics.queueDepth.WithLabelValues("meta")))

	ready.Store(true)
	d.drainAll()
	v, err := f.Wait(context.Background())
	assert.NoError(err)
	assert.Equal(1, v)
	assert.Equal(0.0, testutil.ToFloat64(d.metrics.queueDepth.WithLabelValues("meta")))
	d.close()
}

func TestDispatcherBlockedHead(t *testing.T) {
	assert := assertion.New(t)
	var ready atomic.Bool
	d := newTestDispatcher(&ready)

	var locked atomic.Bool
	locked.Store(true)
	first := d.submit(KindInsert, locked.Load, func() (interface{}, error) { return "first", nil })
	second := d.submit(KindInsert, nil, func() (interface{}, error) { return "second", nil })

	time.Sleep(50 * time.Millisecond)
	select {
	case <-first.Done():
		t.Fatal("blocked head ran")
	case <-second.Done():
		t.Fatal("queue order broken")
	default:
	}

	locked.Store(false)
	d.drainAll()
	v, err := second.Wait(context.Background())
	assert.NoError(err)
	assert.Equal("second", v)
	v, err = first.Wait(context.Background())
	assert.NoError(err)
	assert.Equal("first", v)
	d.close()
}

func TestDispatcherClose(t *testing.T) {
	assert := assertion.New(t)
	var ready atomic.Bool
	d := newTestDispatcher(&ready)

	var ran int32
	f := d.submit(KindRemove, nil, func() (interface{}, error) {
		time.Sleep(20 * time.Millisecond)
		atomic.StoreInt32(&ran, 1)
		return nil, errors.New("failed")
	})
	d.close()
	assert.Equal(int32(1), atomic.LoadInt32(&ran))
	_, err := f.Wait(context.Background())
	assert.EqualError(err, "failed")
	assert.Equal(1.0, testutil.ToFloat64(d.metrics.operations.WithLabelValues("remove", "error")))

	_, err = d.submit(KindRemove, nil, func() (interface{}, error) { return nil, nil }).Wait(context.Background())
	assert.True(errors.Is(err, ErrDatabaseClosed))
}

func TestFutureWaitCancelled(t *testing.T) {
	assert := assertion.New(t)
	var ready atomic.Bool
	d := newTestDispatcher(&ready)

	release := make(chan struct{})
	f := d.submit(KindInsert, nil, func() (interface{}, error) {
		<-release
		return nil, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Wait(ctx)
	assert.True(errors.Is(err, context.Canceled))

	close(release)
	<-f.Done()
	d.close()
}
