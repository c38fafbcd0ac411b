package analytics

import (
	"context"
	"sync"

	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/models"
)

var (
	_ EventRecorder = (*Analytics)(nil)
	_ EventRecorder = (*Mock)(nil)
)

// Mock records events in memory for tests.
type Mock struct {
	mu     sync.Mutex
	events []mediation.Event
	Err    error
}

func NewMock() *Mock {
	return &Mock{}
}

// RecordEvent stores the event and returns m.Err.
func (m *Mock) RecordEvent(_ context.Context, e mediation.Event, _ *models.AdRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, e)
	return nil
}

// Events returns a copy of what was recorded so far.
func (m *Mock) Events() []mediation.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mediation.Event(nil), m.events...)
}
