package timeline

import (
	"sync"

	"github.com/chirino/room-timeline/internal/model"
)

// Listener receives timeline notifications. Calls are made from a single
// goroutine in the order the changes happened.
type Listener interface {
	OnTimelineUpdated(snapshot []model.DecoratedEvent)
	OnStateUpdated(dir model.Direction, state model.PaginationState)
	OnTimelineFailure(err error)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are ignored.
type ListenerFuncs struct {
	TimelineUpdated func(snapshot []model.DecoratedEvent)
	StateUpdated    func(dir model.Direction, state model.PaginationState)
	TimelineFailure func(err error)
}

func (f ListenerFuncs) OnTimelineUpdated(snapshot []model.DecoratedEvent) {
	if f.TimelineUpdated != nil {
		f.TimelineUpdated(snapshot)
	}
}

func (f ListenerFuncs) OnStateUpdated(dir model.Direction, state model.PaginationState) {
	if f.StateUpdated != nil {
		f.StateUpdated(dir, state)
	}
}

func (f ListenerFuncs) OnTimelineFailure(err error) {
	if f.TimelineFailure != nil {
		f.TimelineFailure(err)
	}
}

// dispatcher runs queued notifications on one goroutine in FIFO order.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newDispatcher() *dispatcher {
	d := &dispatcher{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go d.run()
	return d
}

func (d *dispatcher) enqueue(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if d.closed || len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			fn()
		}
	}
}

// close drops pending notifications and stops the goroutine.
func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.queue = nil
	close(d.done)
}
