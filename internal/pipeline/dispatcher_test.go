package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/handit-ai/handit-core/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type handlerFunc func(ctx context.Context, ev Event)

func (f handlerFunc) Handle(ctx context.Context, ev Event) { f(ctx, ev) }

func TestDispatcherRunsEveryEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	seen := map[uint]string{}
	d := NewDispatcher(handlerFunc(func(ctx context.Context, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen[ev.LogID] = logging.GetRequestID(ctx)
	}), DispatcherOptions{Workers: 3, QueueSize: 2}, nil)
	d.Start()

	ctx := logging.WithRequestID(context.Background(), "req-1")
	for i := uint(1); i <= 50; i++ {
		require.NoError(t, d.Publish(ctx, Event{Kind: LogCreated, LogID: i}))
	}
	d.Wait()

	mu.Lock()
	assert.Len(t, seen, 50)
	assert.Equal(t, "req-1", seen[7])
	mu.Unlock()

	d.Stop()
	assert.ErrorIs(t, d.Publish(context.Background(), Event{LogID: 51}), ErrStopped)
}

func TestDispatcherWaitCoversNestedEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	var handled atomic.Int32
	var d *Dispatcher
	d = NewDispatcher(handlerFunc(func(ctx context.Context, ev Event) {
		handled.Add(1)
		if ev.Kind == LogCreated {
			_ = d.Publish(ctx, Event{Kind: LogUpdated, LogID: ev.LogID})
		}
	}), DispatcherOptions{Workers: 1, QueueSize: 1}, nil)
	d.Start()
	defer d.Stop()

	for i := uint(1); i <= 5; i++ {
		require.NoError(t, d.Publish(context.Background(), Event{Kind: LogCreated, LogID: i}))
	}
	d.Wait()
	assert.Equal(t, int32(10), handled.Load())
}

func TestDispatcherBoundsCompanyConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	var running, peak atomic.Int32
	d := NewDispatcher(handlerFunc(func(ctx context.Context, ev Event) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
	}), DispatcherOptions{Workers: 4, CompanyConcurrency: 1}, nil)
	d.Start()
	defer d.Stop()

	for i := uint(1); i <= 8; i++ {
		require.NoError(t, d.Publish(context.Background(), Event{Kind: LogCreated, LogID: i, CompanyID: 42}))
	}
	d.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestDispatcherRecoversPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	var handled atomic.Int32
	d := NewDispatcher(handlerFunc(func(ctx context.Context, ev Event) {
		if ev.LogID == 1 {
			panic("boom")
		}
		handled.Add(1)
	}), DispatcherOptions{Workers: 1}, nil)
	d.Start()
	defer d.Stop()

	require.NoError(t, d.Publish(context.Background(), Event{LogID: 1}))
	require.NoError(t, d.Publish(context.Background(), Event{LogID: 2}))
	d.Wait()
	assert.Equal(t, int32(1), handled.Load())
}

func TestDispatcherGoBounded(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDispatcher(handlerFunc(func(context.Context, Event) {}), DispatcherOptions{Workers: 1}, nil)
	d.Start()
	defer d.Stop()

	release := make(chan struct{})
	var ran atomic.Int32
	require.True(t, d.Go(func(context.Context) {
		<-release
		ran.Add(1)
	}))
	assert.False(t, d.Go(func(context.Context) { ran.Add(1) }), "only one background slot")
	close(release)
	d.Wait()
	assert.Equal(t, int32(1), ran.Load())
}

func TestDispatcherPublishHonorsContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := NewDispatcher(handlerFunc(func(context.Context, Event) {}), DispatcherOptions{}, nil)
	d.Start()
	defer d.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Publish(ctx, Event{LogID: 1}), context.Canceled)
}
