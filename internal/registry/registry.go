// Package registry keeps the latest snapshot of every task.
//
// Each task has exactly one writer, its run, which publishes snapshots
// through Publish. Any number of readers poll Get or subscribe with Watch.
// Readers never block the writer: watchers hold only the newest snapshot
// they have not consumed yet.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/visiond/internal/logging"
	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

// Errors for registry operations.
var (
	ErrNotFound  = errors.New("task not found")
	ErrExists    = errors.New("task already exists")
	ErrInvalidID = errors.New("invalid task id: must be alphanumeric with hyphens/underscores")
)

// idPattern validates task ids. UUIDs match.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

var tasksGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "visiond",
	Subsystem: "registry",
	Name:      "tasks",
	Help:      "Tasks held in the registry by status.",
}, []string{"status"})

// ValidateID checks that a task id is safe to use in URLs, logs and
// event subjects.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

type watcher struct {
	ch   chan workflow.Snapshot
	done chan struct{}
	once sync.Once
}

func (w *watcher) close() {
	w.once.Do(func() {
		close(w.ch)
		close(w.done)
	})
}

// offer replaces any unconsumed snapshot with snap.
func (w *watcher) offer(snap workflow.Snapshot) {
	select {
	case w.ch <- snap:
		return
	default:
	}
	select {
	case <-w.ch:
	default:
	}
	select {
	case w.ch <- snap:
	default:
	}
}

type entry struct {
	latest atomic.Pointer[workflow.Snapshot]

	mu       sync.Mutex
	watchers map[*watcher]struct{}
	removed  bool
}

func (e *entry) load() workflow.Snapshot {
	return *e.latest.Load()
}

// Registry is a concurrent task snapshot store. The zero value is not
// usable; call New.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*entry
	logger *logging.Logger
}

// New creates an empty registry. A nil logger discards output.
func New(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Registry{
		tasks:  make(map[string]*entry),
		logger: logger.Named("registry"),
	}
}

// Create registers a task with its initial snapshot.
func (r *Registry) Create(snap workflow.Snapshot) error {
	if err := ValidateID(snap.TaskID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[snap.TaskID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, snap.TaskID)
	}
	e := &entry{watchers: make(map[*watcher]struct{})}
	e.latest.Store(&snap)
	r.tasks[snap.TaskID] = e
	tasksGauge.WithLabelValues(string(snap.Status)).Inc()
	return nil
}

// Get returns the latest snapshot of a task.
func (r *Registry) Get(taskID string) (workflow.Snapshot, error) {
	r.mu.RLock()
	e, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return workflow.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	return e.load(), nil
}

// Publish stores snap as the latest snapshot of its task and notifies
// watchers. Snapshots for unknown or deleted tasks are dropped, as are
// snapshots arriving after a terminal one.
func (r *Registry) Publish(ctx context.Context, snap workflow.Snapshot) {
	r.mu.RLock()
	e, ok := r.tasks[snap.TaskID]
	r.mu.RUnlock()
	if !ok {
		r.logger.Debug(ctx, "dropping snapshot for unknown task", zap.String("status", string(snap.Status)))
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return
	}
	prev := e.load()
	if prev.Status.Terminal() {
		r.logger.Warn(ctx, "dropping snapshot after terminal status",
			zap.String("terminal", string(prev.Status)),
			zap.String("status", string(snap.Status)),
		)
		return
	}

	e.latest.Store(&snap)
	if prev.Status != snap.Status {
		tasksGauge.WithLabelValues(string(prev.Status)).Dec()
		tasksGauge.WithLabelValues(string(snap.Status)).Inc()
	}

	for w := range e.watchers {
		w.offer(snap)
		if snap.Status.Terminal() {
			w.close()
			delete(e.watchers, w)
		}
	}
}

// Delete removes a task. Watchers of the task are closed.
func (r *Registry) Delete(taskID string) error {
	r.mu.Lock()
	e, ok := r.tasks[taskID]
	if ok {
		delete(r.tasks, taskID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	tasksGauge.WithLabelValues(string(e.load().Status)).Dec()
	for w := range e.watchers {
		w.close()
	}
	e.watchers = nil
	return nil
}

// Count returns the number of registered tasks.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// ActiveCount returns the number of tasks that are not terminal.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.tasks {
		if !e.load().Status.Terminal() {
			n++
		}
	}
	return n
}

// Watch streams snapshots of a task, starting with the current one. The
// channel is closed after the terminal snapshot, when the task is deleted,
// or when ctx is done. A slow reader skips intermediate snapshots but
// always observes the newest one.
func (r *Registry) Watch(ctx context.Context, taskID string) (<-chan workflow.Snapshot, error) {
	r.mu.RLock()
	e, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}

	w := &watcher{
		ch:   make(chan workflow.Snapshot, 1),
		done: make(chan struct{}),
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	current := e.load()
	w.ch <- current
	if current.Status.Terminal() {
		w.close()
		e.mu.Unlock()
		return w.ch, nil
	}
	e.watchers[w] = struct{}{}
	e.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			delete(e.watchers, w)
			w.close()
			e.mu.Unlock()
		case <-w.done:
		}
	}()

	return w.ch, nil
}
