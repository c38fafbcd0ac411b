// Package stub provides a scripted in-memory network for tests and demo mode.
package stub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/models"
)

// Response is one scripted answer.
type Response struct {
	Price float64
	Err   error
	Delay time.Duration
}

// Network answers from a queue of scripted responses. When the queue is
// empty it fills at the waterfall entry's floor, which keeps demo setups
// always filling.
type Network struct {
	name  string
	types models.AdType

	mu          sync.Mutex
	script      []Response
	initialized bool
	loads       int
}

// New creates a stub serving types.
func New(name string, types models.AdType) *Network {
	return &Network{name: name, types: types}
}

func (n *Network) Name() string { return n.name }

func (n *Network) Initialize(_ context.Context, appKey string) error {
	if appKey == "" {
		return fmt.Errorf("stub %s: empty app key", n.name)
	}
	n.mu.Lock()
	n.initialized = true
	n.mu.Unlock()
	return nil
}

func (n *Network) Supports(t models.AdType) bool { return n.types.Has(t) }

// Enqueue appends scripted responses.
func (n *Network) Enqueue(rs ...Response) {
	n.mu.Lock()
	n.script = append(n.script, rs...)
	n.mu.Unlock()
}

// Loads returns how many loads were attempted.
func (n *Network) Loads() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loads
}

func (n *Network) Load(ctx context.Context, req mediation.LoadRequest) (*models.Ad, error) {
	t := req.Request.AdType
	n.mu.Lock()
	n.loads++
	if !n.initialized {
		n.mu.Unlock()
		return nil, mediation.NewError(mediation.CodeNotInitialized, n.name, t, nil)
	}
	resp := Response{Price: req.Entry.FloorCPM}
	if len(n.script) > 0 {
		resp = n.script[0]
		n.script = n.script[1:]
	}
	n.mu.Unlock()

	if req.Entry.PlacementID == "" {
		return nil, mediation.NewError(mediation.CodeEmptyBlockID, n.name, t, nil)
	}
	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}

	ad := &models.Ad{
		ID:          uuid.NewString(),
		PlacementID: req.Entry.PlacementID,
		Price:       resp.Price,
		Markup:      fmt.Sprintf(`<div class="stub-ad" data-network="%s" data-type="%s"></div>`, n.name, t),
	}
	if t == models.AdTypeBanner {
		ad.Width, ad.Height = 320, 50
	}
	if t == models.AdTypeNative {
		ad.Markup = ""
		ad.Native = []byte(fmt.Sprintf(`{"title":"Stub ad from %s"}`, n.name))
	}
	return ad, nil
}
