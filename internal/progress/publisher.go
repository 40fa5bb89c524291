package progress

import (
	"sync"

	"go.uber.org/zap"

	"github.com/newthinker/replay/internal/core"
)

// Publisher fans progress events out to per-task subscribers. It is a
// best-effort side channel: a slow or disconnected subscriber never blocks
// the run, and the observed percent sequence never decreases.
type Publisher struct {
	mu     sync.Mutex
	buffer int
	tasks  map[string]*stream
	logger *zap.Logger
}

type stream struct {
	subs     map[chan core.ProgressEvent]struct{}
	last     core.ProgressEvent
	started  bool
	terminal bool
}

func NewPublisher(buffer int, logger *zap.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		buffer: buffer,
		tasks:  make(map[string]*stream),
		logger: logger,
	}
}

// Publish delivers an event to every subscriber of the task. Percent values
// below the last published value are clamped up; events after a terminal
// status are dropped.
func (p *Publisher) Publish(ev core.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.streamLocked(ev.TaskID)
	if st.terminal {
		return
	}
	if st.started && ev.Percent < st.last.Percent {
		ev.Percent = st.last.Percent
	}
	st.last = ev
	st.started = true

	for ch := range st.subs {
		select {
		case ch <- ev:
		default:
			// subscriber is behind; dropping is fine, the next event carries
			// an equal or higher percent
		}
	}

	if ev.Status.Terminal() {
		st.terminal = true
		for ch := range st.subs {
			close(ch)
		}
		st.subs = nil
	}
}

// Subscribe attaches to the task's event stream. The latest known event is
// replayed immediately; the channel is closed once the task reaches a
// terminal status. The returned cancel function is idempotent.
func (p *Publisher) Subscribe(taskID string) (<-chan core.ProgressEvent, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.streamLocked(taskID)
	ch := make(chan core.ProgressEvent, p.buffer)

	if st.started {
		ch <- st.last
	}
	if st.terminal {
		close(ch)
		return ch, func() {}
	}

	st.subs[ch] = struct{}{}
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := st.subs[ch]; ok {
				delete(st.subs, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Forget drops all state for a task; used when the task store evicts it.
func (p *Publisher) Forget(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.tasks[taskID]
	if !ok {
		return
	}
	for ch := range st.subs {
		close(ch)
	}
	st.subs = nil
	st.terminal = true
	delete(p.tasks, taskID)
}

func (p *Publisher) streamLocked(taskID string) *stream {
	st, ok := p.tasks[taskID]
	if !ok {
		st = &stream{subs: make(map[chan core.ProgressEvent]struct{})}
		p.tasks[taskID] = st
	}
	return st
}
