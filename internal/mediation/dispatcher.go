package mediation

import (
	"sync"

	"github.com/gammazero/deque"
	"go.uber.org/zap"
)

// dispatcher delivers events in order on a single goroutine. Emit never
// blocks the caller; the backlog is unbounded.
type dispatcher struct {
	lk     sync.Mutex
	order  *deque.Deque[Event]
	notify chan struct{}
	done   chan struct{}
	closed bool
	idle   *sync.Cond
	busy   bool

	handle func(Event)
	logger *zap.Logger
	wg     sync.WaitGroup
}

func newDispatcher(logger *zap.Logger, handle func(Event)) *dispatcher {
	d := &dispatcher{
		order:  deque.New[Event](),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		handle: handle,
		logger: logger,
	}
	d.idle = sync.NewCond(&d.lk)
	d.wg.Add(1)
	go d.run()
	return d
}

// Emit queues e. Events emitted after Close are dropped.
func (d *dispatcher) Emit(e Event) {
	d.lk.Lock()
	if d.closed {
		d.lk.Unlock()
		d.logger.Debug("event dropped after close", zap.String("kind", e.Kind.String()))
		return
	}
	d.order.PushBack(e)
	d.lk.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Flush blocks until every event queued so far has been handled.
func (d *dispatcher) Flush() {
	d.lk.Lock()
	for d.order.Len() != 0 || d.busy {
		d.idle.Wait()
	}
	d.lk.Unlock()
}

// Close delivers the remaining backlog and stops the goroutine.
func (d *dispatcher) Close() {
	d.lk.Lock()
	if d.closed {
		d.lk.Unlock()
		return
	}
	d.closed = true
	d.lk.Unlock()
	close(d.done)
	d.wg.Wait()
}

func (d *dispatcher) next() (Event, bool) {
	d.lk.Lock()
	defer d.lk.Unlock()
	for d.order.Len() == 0 {
		d.busy = false
		d.idle.Broadcast()
		d.lk.Unlock()
		select {
		case <-d.done:
			d.lk.Lock()
			if d.order.Len() == 0 {
				return Event{}, false
			}
		case <-d.notify:
			d.lk.Lock()
		}
	}
	d.busy = true
	return d.order.PopFront(), true
}

func (d *dispatcher) run() {
	defer d.wg.Done()
	defer func() {
		d.lk.Lock()
		d.busy = false
		d.idle.Broadcast()
		d.lk.Unlock()
	}()
	for {
		e, ok := d.next()
		if !ok {
			return
		}
		d.deliver(e)
	}
}

func (d *dispatcher) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked",
				zap.String("kind", e.Kind.String()),
				zap.String("ad_type", e.AdType.String()),
				zap.Any("panic", r))
		}
	}()
	d.handle(e)
}
