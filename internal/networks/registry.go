// Package networks builds live demand networks from stored configuration.
package networks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/macros"
	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/networks/house"
	"github.com/patrickwarner/openmediation/internal/networks/openrtb"
	"github.com/patrickwarner/openmediation/internal/networks/stub"
)

// Deps are shared by every network the registry builds.
type Deps struct {
	Store      models.MediationStore
	HTTPClient *http.Client
	Macros     *macros.Expander
	Logger     *zap.Logger
}

// Build creates the network described by cfg.
func Build(cfg models.NetworkConfig, deps Deps) (mediation.Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case models.NetworkKindOpenRTB:
		return openrtb.New(cfg, deps.HTTPClient, deps.Macros, deps.Logger), nil
	case models.NetworkKindHouse:
		if deps.Store == nil {
			return nil, fmt.Errorf("network %s: house network needs a store", cfg.Name)
		}
		return house.New(cfg.Name, deps.Store, deps.Macros, deps.Logger), nil
	case models.NetworkKindStub:
		return stub.New(cfg.Name, models.AdTypeAll), nil
	}
	return nil, fmt.Errorf("network %s: unknown kind %q", cfg.Name, cfg.Kind)
}

type registered struct {
	net   mediation.Network
	cfg   models.NetworkConfig
	built bool
}

// Registry holds the live network instances and implements
// mediation.NetworkSource.
type Registry struct {
	deps   Deps
	logger *zap.Logger

	mu   sync.RWMutex
	nets map[string]registered
}

// NewRegistry creates an empty registry.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Macros == nil {
		deps.Macros = macros.NewExpander(deps.Logger)
	}
	return &Registry{deps: deps, logger: deps.Logger, nets: make(map[string]registered)}
}

// Register adds a network built outside the registry. Sync never removes it.
func (r *Registry) Register(n mediation.Network) {
	r.mu.Lock()
	r.nets[n.Name()] = registered{net: n}
	r.mu.Unlock()
}

// Sync rebuilds networks whose configuration changed, adds new ones and drops
// those no longer configured. Unchanged networks keep their instance and
// initialization state. When appKey is set, new instances are initialized
// with it (or with their own key). Build failures are joined into the
// returned error; the remaining networks are still applied.
func (r *Registry) Sync(ctx context.Context, cfgs []models.NetworkConfig, appKey string) error {
	var errs []error
	next := make(map[string]registered, len(cfgs))
	var fresh []registered

	r.mu.RLock()
	for _, cfg := range cfgs {
		if cur, ok := r.nets[cfg.Name]; ok && cur.built && cur.cfg == cfg {
			next[cfg.Name] = cur
			continue
		}
		n, err := Build(cfg, r.deps)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reg := registered{net: n, cfg: cfg, built: true}
		next[cfg.Name] = reg
		fresh = append(fresh, reg)
	}
	for name, cur := range r.nets {
		if _, ok := next[name]; !ok && !cur.built {
			next[name] = cur
		}
	}
	r.mu.RUnlock()

	if appKey != "" {
		for _, reg := range fresh {
			key := appKey
			if reg.cfg.AppKey != "" {
				key = reg.cfg.AppKey
			}
			if err := reg.net.Initialize(ctx, key); err != nil {
				r.logger.Error("network initialization failed",
					zap.String("network", reg.cfg.Name), zap.Error(err))
			}
		}
	}

	r.mu.Lock()
	r.nets = next
	r.mu.Unlock()

	r.logger.Info("network registry synced",
		zap.Int("networks", len(next)), zap.Int("rebuilt", len(fresh)))
	return errors.Join(errs...)
}

func (r *Registry) Get(name string) (mediation.Network, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.nets[name]
	return reg.net, ok
}

// All returns the networks sorted by name.
func (r *Registry) All() []mediation.Network {
	r.mu.RLock()
	out := make([]mediation.Network, 0, len(r.nets))
	for _, reg := range r.nets {
		out = append(out, reg.net)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
