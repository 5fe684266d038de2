package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Task-aware mutex
// ---------------------------------------------------------------------------

// MutexID identifies a mutex within its owning context.
type MutexID uint64

// TaskMutex blocks tasks, not goroutines: a worker whose task fails to
// acquire parks the task and moves on to other work. Waiters acquire in
// strict FIFO order; unlock hands ownership directly to the head of the
// queue, so wakeup implies acquisition.
//
// The mutex is not reentrant. A second Lock by the owner is treated as the
// idempotent re-execution that follows a handoff wakeup and succeeds as a
// no-op; guests that want reentrancy must build it on top.
type TaskMutex struct {
	id MutexID

	mu      sync.Mutex
	owner   TaskID
	waiters []*Task

	// acquired records every successful acquisition in order, for
	// fairness verification.
	acquired []TaskID
}

// NewTaskMutex creates a mutex. Contexts mint these through their mutex
// registry; tests may construct them directly.
func NewTaskMutex(id MutexID) *TaskMutex {
	return &TaskMutex{id: id}
}

// ID returns the mutex id.
func (m *TaskMutex) ID() MutexID { return m.id }

// Lock attempts to acquire the mutex for t. If the mutex is free (or
// already handed off to t) it acquires and returns true. Otherwise t is
// appended to the FIFO wait queue and false is returned; the caller must
// park the task with a Block outcome and leave the instruction pointer
// stationary.
func (m *TaskMutex) Lock(t *Task) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owner == t.id {
		return true
	}
	if m.owner == 0 {
		m.owner = t.id
		m.acquired = append(m.acquired, t.id)
		return true
	}
	m.waiters = append(m.waiters, t)
	return false
}

// Unlock releases the mutex held by t. If tasks are waiting, ownership
// transfers to the head of the queue and that task is returned so the
// caller can requeue it. Unlocking a mutex t does not own is a guest error.
func (m *TaskMutex) Unlock(t *Task) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owner != t.id {
		return nil, fmt.Errorf("vm: mutex %d unlocked by non-owner task %d", m.id, t.id)
	}
	for len(m.waiters) > 0 {
		next := m.waiters[0]
		m.waiters = m.waiters[1:]
		// Waiters cancelled while queued never acquire.
		if next.Status().Terminal() {
			continue
		}
		m.owner = next.id
		m.acquired = append(m.acquired, next.id)
		return next, nil
	}
	m.owner = 0
	return nil, nil
}

// removeWaiter drops a cancelled task from the wait queue. Returns true if
// the task was queued.
func (m *TaskMutex) removeWaiter(id TaskID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w.id == id {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Owner returns the current owner, or zero if unlocked.
func (m *TaskMutex) Owner() TaskID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// AcquireOrder returns a copy of the acquisition history.
func (m *TaskMutex) AcquireOrder() []TaskID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskID, len(m.acquired))
	copy(out, m.acquired)
	return out
}

// mutexRegistry is a context-local table of live mutexes. Guests refer to
// mutexes by small-integer id values.
type mutexRegistry struct {
	mu      sync.RWMutex
	mutexes map[MutexID]*TaskMutex
	nextID  MutexID
}

func newMutexRegistry() *mutexRegistry {
	return &mutexRegistry{mutexes: make(map[MutexID]*TaskMutex), nextID: 1}
}

func (r *mutexRegistry) create() *TaskMutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	m := NewTaskMutex(id)
	r.mutexes[id] = m
	return m
}

func (r *mutexRegistry) get(id MutexID) *TaskMutex {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mutexes[id]
}
