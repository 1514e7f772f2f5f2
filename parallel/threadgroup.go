package parallel

import (
	"reflect"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultBusyThreshold is how long the pool must go without an idle
	// worker before DefaultSpawnPolicy adds another one.
	DefaultBusyThreshold = 5 * time.Millisecond

	// stepBudget is how many items a worker runs from one queue before
	// moving on to the next, so one hot queue cannot starve the others.
	stepBudget = 32
)

// Config holds ThreadGroup configuration.
type Config struct {
	// Name is used in log output.
	Name string

	// MinThreads workers are started eagerly and the pool is refilled to
	// this size on demand.
	MinThreads int

	// MaxThreads bounds the pool. Defaults to GOMAXPROCS if <= 0.
	MaxThreads int

	// BusyThreshold defaults to DefaultBusyThreshold if <= 0.
	BusyThreshold time.Duration

	// SpawnPolicy defaults to DefaultSpawnPolicy.
	SpawnPolicy SpawnPolicy
}

// Stats is a snapshot of group state.
type Stats struct {
	Workers int
	Idle    int
	Spawned uint64
	Queues  int
	Pending int
}

// ThreadGroup owns a dynamic pool of worker goroutines that drain every
// WorkQueue created through it.
//
// Each worker is registered against every queue known when it starts and
// picks up queues created later on its next pass. NotifyQueuesChanged wakes
// idle workers and consults the SpawnPolicy to grow the pool between
// MinThreads and MaxThreads.
//
// ThreadGroup is safe for concurrent use.
type ThreadGroup struct {
	cfg Config

	mu         sync.Mutex
	cond       *sync.Cond
	queues     map[reflect.Type]queueRunner
	order      []queueRunner
	generation uint64
	wakeSeq    uint64
	workers    int
	idle       int
	lastIdle   time.Time
	nextID     int
	closed     bool

	spawned atomic.Uint64
	wg      sync.WaitGroup
}

// NewThreadGroup creates a group and starts MinThreads workers.
func NewThreadGroup(cfg Config) *ThreadGroup {
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = runtime.GOMAXPROCS(0)
	}
	if cfg.MinThreads < 0 {
		cfg.MinThreads = 0
	}
	if cfg.MinThreads > cfg.MaxThreads {
		cfg.MinThreads = cfg.MaxThreads
	}
	if cfg.BusyThreshold <= 0 {
		cfg.BusyThreshold = DefaultBusyThreshold
	}
	if cfg.SpawnPolicy == nil {
		cfg.SpawnPolicy = DefaultSpawnPolicy
	}
	if cfg.Name == "" {
		cfg.Name = "threadgroup"
	}

	g := &ThreadGroup{
		cfg:    cfg,
		queues: make(map[reflect.Type]queueRunner),
	}
	g.lastIdle = time.Now()
	g.cond = sync.NewCond(&g.mu)

	g.mu.Lock()
	for g.workers < cfg.MinThreads {
		g.startWorkerLocked("minimum")
	}
	g.mu.Unlock()
	return g
}

// Queue returns the group's queue for item type T, creating it on first use.
func Queue[T WorkItem](g *ThreadGroup) *WorkQueue[T] {
	key := reflect.TypeFor[T]()

	g.mu.Lock()
	defer g.mu.Unlock()
	if q, ok := g.queues[key]; ok {
		return q.(*WorkQueue[T])
	}
	q := newWorkQueue[T](g, key.String())
	g.queues[key] = q
	g.order = append(g.order, q)
	g.generation++
	slogger().Debug("parallel: queue registered", "group", g.cfg.Name, "type", q.typeName)
	return q
}

// Enqueue queues one item of static type T on g. onComplete may be nil.
func Enqueue[T WorkItem](g *ThreadGroup, item T, onComplete OnComplete[T]) {
	Queue[T](g).Enqueue(item, onComplete)
}

// NotifyQueuesChanged wakes idle workers and may start one more worker
// according to the spawn policy. assumeBusy is passed to the policy as a
// hint; DefaultSpawnPolicy ignores it.
func (g *ThreadGroup) NotifyQueuesChanged(assumeBusy bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.wakeSeq++
	if !g.closed {
		var sinceIdle time.Duration
		if g.idle == 0 {
			sinceIdle = time.Since(g.lastIdle)
		}
		st := SpawnState{
			Workers:       g.workers,
			Idle:          g.idle,
			MinThreads:    g.cfg.MinThreads,
			MaxThreads:    g.cfg.MaxThreads,
			SinceIdle:     sinceIdle,
			BusyThreshold: g.cfg.BusyThreshold,
			AssumeBusy:    assumeBusy,
		}
		if g.workers < g.cfg.MaxThreads && g.cfg.SpawnPolicy(st) {
			g.startWorkerLocked("busy")
		}
	}
	g.cond.Broadcast()
}

// Count returns the number of running workers.
func (g *ThreadGroup) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.workers
}

// Stats returns a snapshot of the group.
func (g *ThreadGroup) Stats() Stats {
	g.mu.Lock()
	st := Stats{
		Workers: g.workers,
		Idle:    g.idle,
		Queues:  len(g.order),
		Spawned: g.spawned.Load(),
	}
	queues := slices.Clone(g.order)
	g.mu.Unlock()

	for _, q := range queues {
		st.Pending += q.pending()
	}
	return st
}

// Close stops accepting new workers, lets running workers drain the queued
// work, and waits for them to exit. Items enqueued after Close are drained
// by WaitUntilDrained on the caller. Close is safe to call multiple times.
func (g *ThreadGroup) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.cond.Broadcast()
	queues := slices.Clone(g.order)
	g.mu.Unlock()

	g.wg.Wait()

	// Waiters parked on a queue re-check and drain it themselves.
	for _, q := range queues {
		q.wakeWaiters()
	}
}

func (g *ThreadGroup) startWorkerLocked(reason string) {
	g.nextID++
	g.workers++
	g.lastIdle = time.Now()
	g.spawned.Add(1)
	g.wg.Add(1)
	slogger().Debug("parallel: worker spawned",
		"group", g.cfg.Name, "id", g.nextID, "workers", g.workers, "reason", reason)
	w := &worker{group: g, id: g.nextID}
	go w.run()
}

// worker drains every registered queue until the group closes.
type worker struct {
	group      *ThreadGroup
	id         int
	queues     []queueRunner
	generation uint64
}

func (w *worker) run() {
	g := w.group
	defer func() {
		g.mu.Lock()
		g.workers--
		g.mu.Unlock()
		g.wg.Done()
	}()

	for {
		g.mu.Lock()
		seq := g.wakeSeq
		if w.generation != g.generation || w.queues == nil {
			w.queues = slices.Clone(g.order)
			w.generation = g.generation
		}
		g.mu.Unlock()

		ran := 0
		for _, q := range w.queues {
			ran += q.step(stepBudget)
		}
		if ran > 0 {
			continue
		}

		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			return
		}
		if g.wakeSeq == seq && w.generation == g.generation {
			g.idle++
			g.lastIdle = time.Now()
			for g.wakeSeq == seq && !g.closed {
				g.cond.Wait()
			}
			g.idle--
			g.lastIdle = time.Now()
		}
		g.mu.Unlock()
	}
}
