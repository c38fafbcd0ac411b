package mediation

import (
	"fmt"
	"time"

	"github.com/patrickwarner/openmediation/internal/models"
)

// EventKind is a lifecycle transition of an ad.
type EventKind int

const (
	EventRequested EventKind = iota + 1
	EventLoaded
	EventFailedToLoad
	EventWillPresent
	EventPresented
	EventFailedToPresent
	EventDismissed
	EventClicked
	EventFinished
	EventExpired
)

var eventKindNames = map[EventKind]string{
	EventRequested:       "requested",
	EventLoaded:          "loaded",
	EventFailedToLoad:    "failed_to_load",
	EventWillPresent:     "will_present",
	EventPresented:       "presented",
	EventFailedToPresent: "failed_to_present",
	EventDismissed:       "dismissed",
	EventClicked:         "clicked",
	EventFinished:        "finished",
	EventExpired:         "expired",
}

func (k EventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("event_kind(%d)", int(k))
}

// Event describes one transition. Ad is set once a load succeeded; Err is
// set on failures. Request is the targeting snapshot the load ran with.
type Event struct {
	Kind      EventKind
	AdType    models.AdType
	Network   string
	RequestID string
	Placement string
	Ad        *models.Ad
	Err       error
	Time      time.Time
	Request   *models.AdRequest
}

// Delegate observes the lifecycle of one or more ad types.
type Delegate interface {
	OnAdEvent(Event)
}

// DelegateFunc adapts a function to Delegate.
type DelegateFunc func(Event)

func (f DelegateFunc) OnAdEvent(e Event) { f(e) }

// Callbacks is a Delegate with one optional hook per event kind.
type Callbacks struct {
	OnRequested       func(Event)
	OnLoaded          func(Event)
	OnFailedToLoad    func(Event)
	OnWillPresent     func(Event)
	OnPresented       func(Event)
	OnFailedToPresent func(Event)
	OnDismissed       func(Event)
	OnClicked         func(Event)
	OnFinished        func(Event)
	OnExpired         func(Event)
}

func (c *Callbacks) OnAdEvent(e Event) {
	var fn func(Event)
	switch e.Kind {
	case EventRequested:
		fn = c.OnRequested
	case EventLoaded:
		fn = c.OnLoaded
	case EventFailedToLoad:
		fn = c.OnFailedToLoad
	case EventWillPresent:
		fn = c.OnWillPresent
	case EventPresented:
		fn = c.OnPresented
	case EventFailedToPresent:
		fn = c.OnFailedToPresent
	case EventDismissed:
		fn = c.OnDismissed
	case EventClicked:
		fn = c.OnClicked
	case EventFinished:
		fn = c.OnFinished
	case EventExpired:
		fn = c.OnExpired
	}
	if fn != nil {
		fn(e)
	}
}

// EventSink observes every event regardless of ad type, e.g. analytics.
type EventSink interface {
	HandleEvent(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) HandleEvent(e Event) { f(e) }
