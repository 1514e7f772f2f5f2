package parallel

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

// WorkItem is a self-contained unit of work.
//
// Items are queued by their static Go type: all items of one type share a
// single WorkQueue inside a ThreadGroup, so item types are usually small
// structs carrying exactly the state one Execute needs.
type WorkItem interface {
	Execute() error
}

// OnComplete is called after an item has executed, on the goroutine that
// executed it. err is the item's error, or a *PanicError if Execute panicked.
type OnComplete[T WorkItem] func(item T, err error)

// ErrPanic is matched by every *PanicError.
var ErrPanic = errors.New("framekit/parallel: work item panicked")

// PanicError wraps a panic recovered from WorkItem.Execute.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("framekit/parallel: work item panicked: %v", e.Value)
}

// Unwrap returns ErrPanic.
func (e *PanicError) Unwrap() error { return ErrPanic }

type entry[T WorkItem] struct {
	item       T
	onComplete OnComplete[T]
}

// queueRunner is the type-erased view a worker has of a WorkQueue.
type queueRunner interface {
	step(max int) int
	pending() int
	wakeWaiters()
	name() string
}

// WorkQueue is a many-producer, many-consumer queue of one item type.
//
// There is no ordering guarantee between items once more than one goroutine
// drains the queue. Enqueue never blocks on execution. Failures are not
// masked: an item error (or panic) goes to the item's OnComplete callback,
// or, if it has none, is collected and returned by the next
// WaitUntilDrained.
type WorkQueue[T WorkItem] struct {
	owner    *ThreadGroup
	typeName string

	mu        sync.Mutex
	drained   *sync.Cond
	items     []entry[T]
	head      int
	inFlight  int
	failures  []error
	processed uint64
}

func newWorkQueue[T WorkItem](owner *ThreadGroup, typeName string) *WorkQueue[T] {
	q := &WorkQueue[T]{owner: owner, typeName: typeName}
	q.drained = sync.NewCond(&q.mu)
	return q
}

// NewWorkQueue creates a queue that is not attached to a ThreadGroup.
// Such a queue is drained only by Step and WaitUntilDrained on the calling
// goroutine.
func NewWorkQueue[T WorkItem]() *WorkQueue[T] {
	var zero T
	return newWorkQueue[T](nil, fmt.Sprintf("%T", zero))
}

// Enqueue adds one item and wakes the owning group's workers.
// onComplete may be nil.
func (q *WorkQueue[T]) Enqueue(item T, onComplete OnComplete[T]) {
	q.mu.Lock()
	q.items = append(q.items, entry[T]{item: item, onComplete: onComplete})
	q.mu.Unlock()

	if q.owner != nil {
		q.owner.NotifyQueuesChanged(false)
	}
}

// EnqueueMany adds items with no completion callbacks and notifies the
// owning group once.
func (q *WorkQueue[T]) EnqueueMany(items []T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	for _, it := range items {
		q.items = append(q.items, entry[T]{item: it})
	}
	q.mu.Unlock()

	if q.owner != nil {
		q.owner.NotifyQueuesChanged(false)
	}
}

// Len returns the number of items waiting to execute.
func (q *WorkQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

// InFlight returns the number of items currently executing.
func (q *WorkQueue[T]) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Processed returns the total number of items executed so far.
func (q *WorkQueue[T]) Processed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processed
}

// Step executes up to max items on the calling goroutine and returns how
// many ran. max <= 0 means until the queue is empty.
func (q *WorkQueue[T]) Step(max int) int {
	return q.step(max)
}

// WaitUntilDrained blocks until the queue is empty and no item is
// executing. It returns the joined errors of items that failed without a
// completion callback since the previous wait.
//
// When the owning group has no running workers (or the queue has no
// group), the caller drains the queue itself. Waiting from inside a work
// item of the same group can deadlock when every worker is waiting.
func (q *WorkQueue[T]) WaitUntilDrained() error {
	q.mu.Lock()
	for q.pendingLocked() > 0 || q.inFlight > 0 {
		if q.pendingLocked() > 0 && (q.owner == nil || q.owner.Count() == 0) {
			q.mu.Unlock()
			q.step(0)
			q.mu.Lock()
			continue
		}
		q.drained.Wait()
	}
	failures := q.failures
	q.failures = nil
	q.mu.Unlock()
	return errors.Join(failures...)
}

func (q *WorkQueue[T]) pendingLocked() int { return len(q.items) - q.head }

func (q *WorkQueue[T]) pending() int { return q.Len() }

func (q *WorkQueue[T]) name() string { return q.typeName }

func (q *WorkQueue[T]) wakeWaiters() {
	q.mu.Lock()
	q.drained.Broadcast()
	q.mu.Unlock()
}

// dequeueLocked pops the next entry and marks it in flight.
func (q *WorkQueue[T]) dequeueLocked() (entry[T], bool) {
	if q.head == len(q.items) {
		return entry[T]{}, false
	}
	e := q.items[q.head]
	q.items[q.head] = entry[T]{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	q.inFlight++
	return e, true
}

func (q *WorkQueue[T]) step(max int) int {
	ran := 0
	for max <= 0 || ran < max {
		q.mu.Lock()
		e, ok := q.dequeueLocked()
		q.mu.Unlock()
		if !ok {
			break
		}

		err := execute(e.item)
		if e.onComplete != nil {
			e.onComplete(e.item, err)
		}

		q.mu.Lock()
		q.inFlight--
		q.processed++
		if err != nil && e.onComplete == nil {
			q.failures = append(q.failures, err)
		}
		if q.inFlight == 0 && q.pendingLocked() == 0 {
			q.drained.Broadcast()
		}
		q.mu.Unlock()
		ran++
	}
	return ran
}

func execute[T WorkItem](item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return item.Execute()
}
