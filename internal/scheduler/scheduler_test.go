package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pagesift/pagesift/internal/clock/system"
	"github.com/pagesift/pagesift/internal/id/uuid"
	"github.com/pagesift/pagesift/internal/metrics"
	"github.com/pagesift/pagesift/internal/pipeline"
	memorystore "github.com/pagesift/pagesift/internal/store/memory"
)

type recordingProcessor struct {
	mu      sync.Mutex
	batches [][]pipeline.PageRecord
	block   chan struct{}
	started chan struct{}
}

func (p *recordingProcessor) ProcessClaimed(_ context.Context, pages []pipeline.PageRecord) {
	if p.started != nil {
		p.started <- struct{}{}
	}
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, pages)
}

func (p *recordingProcessor) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func newTestScheduler(processor *recordingProcessor, interval time.Duration) (*Scheduler, *memorystore.RecordStore) {
	store := memorystore.NewRecordStore(uuid.New(), system.New())
	sched := New(
		store,
		processor,
		system.New(),
		metrics.New(prometheus.NewRegistry()),
		Config{Interval: interval, MisfireGrace: time.Minute},
		nil,
	)
	return sched, store
}

func TestRunNowClaimsAndReturnsCount(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{started: make(chan struct{}, 1)}
	sched, store := newTestScheduler(processor, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := store.CreatePage(ctx, "https://x.test/p")
		require.NoError(t, err)
	}

	count, err := sched.RunNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, count)

	select {
	case <-processor.started:
	case <-time.After(time.Second):
		t.Fatal("processor never started")
	}
	require.Eventually(t, func() bool { return processor.batchCount() == 1 }, time.Second, 5*time.Millisecond)

	// Pages were claimed; a second trigger finds nothing.
	count, err = sched.RunNow(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRunNowSurvivesCallerCancel(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	sched, store := newTestScheduler(processor, time.Hour)

	_, err := store.CreatePage(context.Background(), "https://x.test/p")
	require.NoError(t, err)

	reqCtx, cancel := context.WithCancel(context.Background())
	count, err := sched.RunNow(reqCtx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	<-processor.started
	// Caller disconnects mid-run; the detached run still completes.
	cancel()
	close(processor.block)
	require.Eventually(t, func() bool { return processor.batchCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestScheduledRunProcessesPending(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{}
	sched, store := newTestScheduler(processor, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := store.CreatePage(ctx, "https://x.test/p")
	require.NoError(t, err)

	go sched.Run(ctx)

	require.Eventually(t, func() bool { return processor.batchCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.Len(t, processor.batches[0], 1)
}

func TestRunOnceSingleFlight(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{block: make(chan struct{}), started: make(chan struct{}, 1)}
	sched, store := newTestScheduler(processor, time.Hour)
	ctx := context.Background()

	_, err := store.CreatePage(ctx, "https://x.test/p")
	require.NoError(t, err)

	go sched.runOnce(ctx)
	<-processor.started

	// A second tick while the first run holds the flag is dropped without
	// touching the store.
	sched.runOnce(ctx)
	require.Equal(t, 0, processor.batchCount())

	close(processor.block)
	require.Eventually(t, func() bool { return processor.batchCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRunStopsOnContextDone(t *testing.T) {
	t.Parallel()

	processor := &recordingProcessor{}
	sched, _ := newTestScheduler(processor, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after cancel")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	sched := New(nil, nil, system.New(), metrics.New(prometheus.NewRegistry()), Config{}, nil)
	require.Equal(t, 10*time.Minute, sched.cfg.Interval)
	require.Equal(t, time.Minute, sched.cfg.MisfireGrace)
}
