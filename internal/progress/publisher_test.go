package progress

import (
	"testing"

	"github.com/newthinker/replay/internal/core"
)

func event(id string, pct int, status core.TaskStatus) core.ProgressEvent {
	return core.ProgressEvent{TaskID: id, Percent: pct, StepName: "replay", Status: status}
}

func TestPublish_MonotonicPercent(t *testing.T) {
	p := NewPublisher(8, nil)
	ch, cancel := p.Subscribe("t1")
	defer cancel()

	p.Publish(event("t1", 50, core.StatusRunning))
	p.Publish(event("t1", 30, core.StatusRunning)) // must be clamped
	p.Publish(event("t1", 70, core.StatusRunning))

	want := []int{50, 50, 70}
	for i, w := range want {
		ev := <-ch
		if ev.Percent != w {
			t.Errorf("event %d percent = %d, want %d", i, ev.Percent, w)
		}
	}
}

func TestPublish_SlowSubscriberNeverBlocks(t *testing.T) {
	p := NewPublisher(2, nil)
	_, cancel := p.Subscribe("t1")
	defer cancel()

	// Far more events than buffer; Publish must not block.
	for i := 0; i <= 100; i++ {
		p.Publish(event("t1", i, core.StatusRunning))
	}
}

func TestPublish_TerminalClosesSubscribers(t *testing.T) {
	p := NewPublisher(8, nil)
	ch, cancel := p.Subscribe("t1")
	defer cancel()

	p.Publish(event("t1", 100, core.StatusCompleted))

	ev, ok := <-ch
	if !ok || ev.Status != core.StatusCompleted {
		t.Fatalf("first recv = %+v ok=%v", ev, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after terminal event")
	}

	// Publishing after terminal is a no-op, not a panic.
	p.Publish(event("t1", 100, core.StatusCompleted))
}

func TestSubscribe_AfterTerminalReplaysFinalEvent(t *testing.T) {
	p := NewPublisher(8, nil)
	p.Publish(event("t1", 40, core.StatusRunning))
	p.Publish(event("t1", 100, core.StatusCompleted))

	ch, cancel := p.Subscribe("t1")
	defer cancel()

	ev, ok := <-ch
	if !ok || ev.Status != core.StatusCompleted || ev.Percent != 100 {
		t.Fatalf("replayed event = %+v ok=%v", ev, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel open after terminal replay")
	}
}

func TestSubscribe_LateSubscriberGetsSnapshot(t *testing.T) {
	p := NewPublisher(8, nil)
	p.Publish(event("t1", 60, core.StatusRunning))

	ch, cancel := p.Subscribe("t1")
	defer cancel()

	ev := <-ch
	if ev.Percent != 60 {
		t.Errorf("snapshot percent = %d, want 60", ev.Percent)
	}
}

func TestCancel_Idempotent(t *testing.T) {
	p := NewPublisher(8, nil)
	_, cancel := p.Subscribe("t1")
	cancel()
	cancel()

	// Publisher still works for other subscribers.
	ch, cancel2 := p.Subscribe("t1")
	defer cancel2()
	p.Publish(event("t1", 10, core.StatusRunning))
	if ev := <-ch; ev.Percent != 10 {
		t.Errorf("percent = %d, want 10", ev.Percent)
	}
}

func TestForget_ClosesAndDrops(t *testing.T) {
	p := NewPublisher(8, nil)
	ch, cancel := p.Subscribe("t1")
	defer cancel()

	p.Publish(event("t1", 30, core.StatusRunning))
	p.Forget("t1")

	// Drain the buffered event, then observe the close.
	for {
		if _, ok := <-ch; !ok {
			break
		}
	}
}
