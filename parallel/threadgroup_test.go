package parallel

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countItem struct {
	id   int
	hits []atomic.Int32
}

func (c countItem) Execute() error {
	c.hits[c.id].Add(1)
	return nil
}

type failItem struct{ err error }

func (f failItem) Execute() error { return f.err }

type panicItem struct{}

func (panicItem) Execute() error { panic("boom") }

type funcItem struct{ fn func() error }

func (f funcItem) Execute() error { return f.fn() }

func TestSingleWorkerProcessesEachItemOnce(t *testing.T) {
	g := NewThreadGroup(Config{MinThreads: 1, MaxThreads: 1})
	defer g.Close()

	const n = 5000
	hits := make([]atomic.Int32, n)
	var callbacks atomic.Int32

	q := Queue[countItem](g)
	for i := range n {
		q.Enqueue(countItem{id: i, hits: hits}, func(_ countItem, err error) {
			assert.NoError(t, err)
			callbacks.Add(1)
		})
	}
	require.NoError(t, q.WaitUntilDrained())

	for i := range hits {
		require.Equal(t, int32(1), hits[i].Load(), "item %d", i)
	}
	assert.Equal(t, int32(n), callbacks.Load())
	assert.Equal(t, 1, g.Count())
	assert.Equal(t, uint64(n), q.Processed())
}

func TestManyProducersManyWorkers(t *testing.T) {
	g := NewThreadGroup(Config{MinThreads: 2, MaxThreads: 8})
	defer g.Close()

	const producers, perProducer = 8, 500
	hits := make([]atomic.Int32, producers*perProducer)

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := range producers {
		go func() {
			defer wg.Done()
			for i := range perProducer {
				Enqueue(g, countItem{id: p*perProducer + i, hits: hits}, nil)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, Queue[countItem](g).WaitUntilDrained())

	for i := range hits {
		require.Equal(t, int32(1), hits[i].Load(), "item %d", i)
	}
	assert.LessOrEqual(t, g.Count(), 8)
}

func TestQueuesAreKeyedByType(t *testing.T) {
	g := NewThreadGroup(Config{MaxThreads: 2})
	defer g.Close()

	assert.Same(t, Queue[countItem](g), Queue[countItem](g))
	assert.Equal(t, 1, g.Stats().Queues)
	Queue[failItem](g)
	assert.Equal(t, 2, g.Stats().Queues)
}

func TestWorkersPickUpLateQueues(t *testing.T) {
	g := NewThreadGroup(Config{MinThreads: 2, MaxThreads: 2})
	defer g.Close()

	// Let the workers park on the initial (empty) registration.
	require.NoError(t, Queue[countItem](g).WaitUntilDrained())

	var ran atomic.Bool
	q := Queue[funcItem](g)
	q.Enqueue(funcItem{fn: func() error { ran.Store(true); return nil }}, nil)
	require.NoError(t, q.WaitUntilDrained())
	assert.True(t, ran.Load())
	assert.Equal(t, 2, g.Count(), "no extra worker needed for a new queue")
}

func TestFailuresSurfaceOnDrain(t *testing.T) {
	g := NewThreadGroup(Config{MinThreads: 1, MaxThreads: 1})
	defer g.Close()

	errA := errors.New("a")
	errB := errors.New("b")
	q := Queue[failItem](g)
	q.Enqueue(failItem{err: errA}, nil)
	q.Enqueue(failItem{err: nil}, nil)
	q.Enqueue(failItem{err: errB}, nil)

	err := q.WaitUntilDrained()
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)

	// Failures are reported once.
	assert.NoError(t, q.WaitUntilDrained())
}

func TestFailureGoesToCallback(t *testing.T) {
	g := NewThreadGroup(Config{MinThreads: 1, MaxThreads: 1})
	defer g.Close()

	want := errors.New("device busy")
	var got error
	q := Queue[failItem](g)
	q.Enqueue(failItem{err: want}, func(_ failItem, err error) { got = err })

	require.NoError(t, q.WaitUntilDrained())
	assert.ErrorIs(t, got, want)
}

func TestPanicDoesNotStopWorker(t *testing.T) {
	g := NewThreadGroup(Config{MinThreads: 1, MaxThreads: 1})
	defer g.Close()

	pq := Queue[panicItem](g)
	pq.Enqueue(panicItem{}, nil)
	err := pq.WaitUntilDrained()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPanic)

	var pe *PanicError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "boom", pe.Value)

	// The same worker keeps serving queues.
	hits := make([]atomic.Int32, 1)
	cq := Queue[countItem](g)
	cq.Enqueue(countItem{hits: hits}, nil)
	require.NoError(t, cq.WaitUntilDrained())
	assert.Equal(t, int32(1), hits[0].Load())
	assert.Equal(t, 1, g.Count())
}

func TestDetachedQueueDrainsOnCaller(t *testing.T) {
	q := NewWorkQueue[countItem]()
	hits := make([]atomic.Int32, 10)
	for i := range 10 {
		q.Enqueue(countItem{id: i, hits: hits}, nil)
	}
	assert.Equal(t, 10, q.Len())

	assert.Equal(t, 3, q.Step(3))
	assert.Equal(t, 7, q.Len())

	require.NoError(t, q.WaitUntilDrained())
	assert.Equal(t, 0, q.Len())
	for i := range hits {
		assert.Equal(t, int32(1), hits[i].Load())
	}
}

func TestWaitBlocksForInFlightItem(t *testing.T) {
	g := NewThreadGroup(Config{MinThreads: 1, MaxThreads: 1})
	defer g.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	q := Queue[funcItem](g)
	q.Enqueue(funcItem{fn: func() error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	}}, nil)
	<-started

	done := make(chan struct{})
	go func() {
		assert.NoError(t, q.WaitUntilDrained())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitUntilDrained returned while an item was executing")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done
	assert.True(t, finished.Load())
}

func TestCloseDrainsQueuedWork(t *testing.T) {
	g := NewThreadGroup(Config{MinThreads: 2, MaxThreads: 2})
	hits := make([]atomic.Int32, 200)
	items := make([]countItem, len(hits))
	for i := range items {
		items[i] = countItem{id: i, hits: hits}
	}
	q := Queue[countItem](g)
	q.EnqueueMany(items)
	g.Close()
	g.Close()

	assert.Equal(t, 0, g.Count())
	// Whatever the workers left behind is drained by the caller.
	require.NoError(t, q.WaitUntilDrained())
	for i := range hits {
		assert.Equal(t, int32(1), hits[i].Load())
	}
}

func TestFixedPolicyNeverGrows(t *testing.T) {
	g := NewThreadGroup(Config{MinThreads: 2, MaxThreads: 8, SpawnPolicy: FixedSpawnPolicy})
	defer g.Close()

	for range 50 {
		Enqueue(g, funcItem{fn: func() error {
			time.Sleep(time.Millisecond)
			return nil
		}}, nil)
		g.NotifyQueuesChanged(true)
	}
	require.NoError(t, Queue[funcItem](g).WaitUntilDrained())
	assert.Equal(t, 2, g.Count())
	assert.Equal(t, uint64(2), g.Stats().Spawned)
}

func TestSpawnOnDemandFromZero(t *testing.T) {
	g := NewThreadGroup(Config{MinThreads: 0, MaxThreads: 4})
	defer g.Close()
	assert.Equal(t, 0, g.Count())

	hits := make([]atomic.Int32, 1)
	Enqueue(g, countItem{hits: hits}, nil)
	require.NoError(t, Queue[countItem](g).WaitUntilDrained())
	assert.GreaterOrEqual(t, g.Count(), 1)
	assert.Equal(t, int32(1), hits[0].Load())
}

func TestDefaultSpawnPolicy(t *testing.T) {
	base := SpawnState{MinThreads: 1, MaxThreads: 4, BusyThreshold: 10 * time.Millisecond}

	tests := []struct {
		name  string
		tweak func(*SpawnState)
		want  bool
	}{
		{"no workers", func(s *SpawnState) { s.Workers = 0 }, true},
		{"below minimum", func(s *SpawnState) { s.MinThreads = 3; s.Workers = 2; s.Idle = 2 }, true},
		{"at max", func(s *SpawnState) { s.Workers = 4; s.SinceIdle = time.Second }, false},
		{"idle worker available", func(s *SpawnState) { s.Workers = 2; s.Idle = 1; s.SinceIdle = time.Second }, false},
		{"recently idle", func(s *SpawnState) { s.Workers = 2; s.SinceIdle = time.Millisecond }, false},
		{"busy past threshold", func(s *SpawnState) { s.Workers = 2; s.SinceIdle = 50 * time.Millisecond }, true},
		{"assume busy alone", func(s *SpawnState) { s.Workers = 2; s.AssumeBusy = true }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.tweak(&s)
			assert.Equal(t, tt.want, DefaultSpawnPolicy(s))
		})
	}
}

func TestBurstAfterIdleDoesNotSpawn(t *testing.T) {
	const threshold = 200 * time.Millisecond
	g := NewThreadGroup(Config{MinThreads: 1, MaxThreads: 8, BusyThreshold: threshold})
	defer g.Close()

	require.Eventually(t, func() bool { return g.Stats().Idle == 1 }, time.Second, time.Millisecond)
	// Idle for longer than the threshold.
	time.Sleep(threshold + 100*time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	q := Queue[funcItem](g)
	q.Enqueue(funcItem{fn: func() error {
		close(started)
		<-release
		return nil
	}}, nil)
	<-started

	// The worker just began working, so the group is not saturated yet.
	q.Enqueue(funcItem{fn: func() error { return nil }}, nil)
	q.EnqueueMany([]funcItem{
		{fn: func() error { return nil }},
		{fn: func() error { return nil }},
		{fn: func() error { return nil }},
	})
	assert.Equal(t, 1, g.Count())
	assert.Equal(t, uint64(1), g.Stats().Spawned)

	close(release)
	require.NoError(t, q.WaitUntilDrained())
}

func TestSaturatedGroupGrows(t *testing.T) {
	const threshold = 5 * time.Millisecond
	g := NewThreadGroup(Config{MinThreads: 1, MaxThreads: 2, BusyThreshold: threshold})
	defer g.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	q := Queue[funcItem](g)
	q.Enqueue(funcItem{fn: func() error {
		close(started)
		<-release
		return nil
	}}, nil)
	<-started
	time.Sleep(threshold + 20*time.Millisecond)

	var ran atomic.Bool
	q.Enqueue(funcItem{fn: func() error { ran.Store(true); return nil }}, nil)
	assert.Equal(t, 2, g.Count())
	// The new worker runs the item while the first is still blocked.
	require.Eventually(t, ran.Load, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, q.WaitUntilDrained())
}
