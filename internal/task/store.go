package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/newthinker/replay/internal/core"
)

// Task is one accepted backtest run and its lifecycle state.
type Task struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id"`
	Request   core.BacktestRequest `json:"request"`
	Status    core.TaskStatus      `json:"status"`
	Progress  int                  `json:"progress"`
	Step      string               `json:"step"`
	Error     *core.Error          `json:"error,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`

	// Diagnostics carries partial run metadata for failed or timed-out
	// tasks. It is never a result: those come only from Complete.
	Diagnostics any `json:"diagnostics,omitempty"`

	// result is the completed payload, marshalled exactly once so repeated
	// result reads are byte-identical.
	result []byte
}

// Store manages tasks in memory with TTL and size-bound eviction.
type Store struct {
	mu      sync.RWMutex
	tasks   map[string]*Task
	order   []string // insertion order, drives eviction
	cancels map[string]context.CancelFunc
	maxSize int
	ttl     time.Duration
	onEvict func(id string)
}

func NewStore(maxSize int, ttl time.Duration) *Store {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Store{
		tasks:   make(map[string]*Task),
		order:   make([]string, 0, maxSize),
		cancels: make(map[string]context.CancelFunc),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// SetEvictionHook registers a callback invoked for every evicted task id.
// The callback runs with the store lock held and must not call back in.
func (s *Store) SetEvictionHook(fn func(id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Create registers a pending task for the request.
func (s *Store) Create(req core.BacktestRequest) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()

	now := time.Now()
	t := &Task{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Request:   req,
		Status:    core.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)

	copied := *t
	return &copied
}

// Get returns a copy of the task.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, core.ErrTaskNotFound
	}
	copied := *t
	return &copied, nil
}

// Update applies fn to a live task. Terminal tasks are immutable.
func (s *Store) Update(id string, fn func(*Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return core.ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return core.ErrTaskTerminal
	}
	fn(t)
	t.UpdatedAt = time.Now()
	if t.Status.Terminal() {
		delete(s.cancels, id)
	}
	return nil
}

// SetCancel associates the run's cancel function with the task so an API
// cancel request can reach the in-flight context.
func (s *Store) SetCancel(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok && !t.Status.Terminal() {
		s.cancels[id] = cancel
	}
}

// Cancel transitions the task to cancelled and interrupts its run. Returns
// ErrTaskTerminal when the task already finished.
func (s *Store) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return core.ErrTaskNotFound
	}
	if t.Status.Terminal() {
		return core.ErrTaskTerminal
	}

	t.Status = core.StatusCancelled
	t.UpdatedAt = time.Now()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	return nil
}

// Complete seals the result payload and marks the task completed. The
// payload is marshalled here, once; Result returns these exact bytes.
func (s *Store) Complete(id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return core.WrapError(core.ErrStoreFailed, fmt.Errorf("marshal result: %w", err))
	}
	return s.Update(id, func(t *Task) {
		t.Status = core.StatusCompleted
		t.Progress = 100
		t.result = raw
	})
}

// Fail records a terminal failure. Timeout and cancellation map to their own
// statuses; everything else is failed.
func (s *Store) Fail(id string, cause error) error {
	status := core.StatusFailed
	switch {
	case errors.Is(cause, core.ErrEngineTimeout):
		status = core.StatusTimedOut
	case errors.Is(cause, core.ErrCancelled):
		status = core.StatusCancelled
	}
	return s.Update(id, func(t *Task) {
		t.Status = status
		var ce *core.Error
		if errors.As(cause, &ce) {
			t.Error = ce
		} else {
			t.Error = core.WrapError(core.ErrStoreFailed, cause)
		}
	})
}

// Result returns the sealed payload; ErrResultNotReady until completed.
func (s *Store) Result(id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, core.ErrTaskNotFound
	}
	if t.Status != core.StatusCompleted {
		return nil, core.ErrResultNotReady
	}
	return t.result, nil
}

// List returns copies of all tasks, newest last.
func (s *Store) List() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Task, 0, len(s.order))
	for _, id := range s.order {
		if t, ok := s.tasks[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// evictLocked drops expired tasks, then the oldest terminal tasks while over
// capacity. Live tasks are never evicted.
func (s *Store) evictLocked() {
	now := time.Now()
	keep := s.order[:0]
	for _, id := range s.order {
		t, ok := s.tasks[id]
		if !ok {
			continue
		}
		expired := s.ttl > 0 && t.Status.Terminal() && now.Sub(t.UpdatedAt) > s.ttl
		over := len(s.tasks) >= s.maxSize && t.Status.Terminal()
		if expired || over {
			delete(s.tasks, id)
			delete(s.cancels, id)
			if s.onEvict != nil {
				s.onEvict(id)
			}
			continue
		}
		keep = append(keep, id)
	}
	s.order = keep
}
