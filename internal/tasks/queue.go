package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

// Func is the body of a task.
type Func func(ctx context.Context) error

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("task queue closed")

// TaskFailure wraps an error returned by, or a panic raised in, a task.
type TaskFailure struct {
	TaskID string
	Name   string
	Err    error
	Panic  any
	Stack  []byte
}

func (f *TaskFailure) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("task %s (%s) panicked: %v", f.Name, f.TaskID, f.Panic)
	}
	return fmt.Sprintf("task %s (%s) failed: %v", f.Name, f.TaskID, f.Err)
}

func (f *TaskFailure) Unwrap() error {
	return f.Err
}

// Task is a handle on submitted work.
type Task struct {
	ID   string
	Name string

	fn   Func
	done chan struct{}
	err  error
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task outcome. Only meaningful after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return t.err
	}
}

type taskIDKey struct{}

// WithTaskID returns a context identifying the running task.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// CurrentTaskID returns the id of the task running with ctx, or "" outside
// of a task.
func CurrentTaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}

// NewTaskID returns a time-ordered UUIDv7 string.
func NewTaskID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithIDGenerator replaces the UUIDv7 task id generator.
func WithIDGenerator(gen func() string) Option {
	return func(q *Queue) {
		if gen != nil {
			q.newID = gen
		}
	}
}

// Queue is a fixed-size worker pool draining an unbounded FIFO.
//
// The FIFO is guarded by a mutex; a buffered channel of size 1 signals
// availability and is closed on shutdown to wake every worker.
type Queue struct {
	mu      sync.Mutex
	pending []*Task
	closed  bool
	signal  chan struct{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	logger *slog.Logger
	newID  func() string
}

// New starts a queue with the given number of workers (minimum 1).
func New(workers int, opts ...Option) *Queue {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		pending: make([]*Task, 0, 16),
		signal:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		logger:  slog.New(slog.DiscardHandler),
		newID:   NewTaskID,
	}
	for _, opt := range opts {
		opt(q)
	}

	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.work()
	}
	return q
}

// Submit enqueues fn and returns its handle immediately.
func (q *Queue) Submit(name string, fn Func) (*Task, error) {
	t := &Task{
		ID:   q.newID(),
		Name: name,
		fn:   fn,
		done: make(chan struct{}),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	q.pending = append(q.pending, t)
	q.notify()

	q.logger.Debug("task submitted", "task", name, "id", t.ID)
	return t, nil
}

// notify signals availability without blocking. Caller holds q.mu.
func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of tasks waiting for a worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting tasks, waits for queued tasks to finish and stops
// the workers. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.signal)
	}
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
}

func (q *Queue) work() {
	defer q.wg.Done()
	for {
		t, ok, closed := q.next()
		if ok {
			q.run(t)
			continue
		}
		if closed {
			return
		}
		<-q.signal
	}
}

// next pops the front task. closed reports a closed, empty queue.
func (q *Queue) next() (t *Task, ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, false, q.closed
	}
	t = q.pending[0]
	q.pending[0] = nil
	if len(q.pending) == 1 {
		q.pending = q.pending[:0]
	} else {
		q.pending = q.pending[1:]
	}

	// Wake another worker if more work remains.
	if len(q.pending) > 0 && !q.closed {
		q.notify()
	}
	return t, true, false
}

func (q *Queue) run(t *Task) {
	defer close(t.done)
	t.err = Run(WithTaskID(q.ctx, t.ID), t.Name, t.fn)
	if t.err != nil {
		q.logger.Warn("task failed", "task", t.Name, "id", t.ID, "error", t.err)
		return
	}
	q.logger.Debug("task finished", "task", t.Name, "id", t.ID)
}

// Run executes fn synchronously, converting a returned error or a panic
// into a *TaskFailure. The task id is read from ctx.
func Run(ctx context.Context, name string, fn Func) (err error) {
	id := CurrentTaskID(ctx)
	defer func() {
		if r := recover(); r != nil {
			err = &TaskFailure{TaskID: id, Name: name, Panic: r, Stack: debug.Stack()}
		}
	}()

	if ferr := fn(ctx); ferr != nil {
		var tf *TaskFailure
		if errors.As(ferr, &tf) {
			return ferr
		}
		return &TaskFailure{TaskID: id, Name: name, Err: ferr}
	}
	return nil
}
