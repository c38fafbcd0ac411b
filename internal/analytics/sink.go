package analytics

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/mediation"
)

const (
	DefaultSinkBuffer = 1024
	sinkWriteTimeout  = 2 * time.Second
)

// Sink feeds mediator events to a recorder from its own goroutine so that
// slow inserts never stall event delivery. Events arriving while the buffer
// is full are dropped.
type Sink struct {
	rec    EventRecorder
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan mediation.Event
	done   chan struct{}
}

var _ mediation.EventSink = (*Sink)(nil)

// NewSink starts the writer goroutine. Close stops it.
func NewSink(rec EventRecorder, buffer int, logger *zap.Logger) *Sink {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{
		rec:    rec,
		logger: logger,
		ch:     make(chan mediation.Event, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sink) HandleEvent(e mediation.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.logger.Warn("analytics buffer full, dropping event",
			zap.String("kind", e.Kind.String()), zap.String("request_id", e.RequestID))
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for e := range s.ch {
		ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		err := s.rec.RecordEvent(ctx, e, e.Request)
		cancel()
		if err != nil && !errors.Is(err, ErrUnavailable) {
			s.logger.Debug("record event", zap.Error(err))
		}
	}
}

// Close flushes buffered events and waits for the writer to finish.
func (s *Sink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
}
