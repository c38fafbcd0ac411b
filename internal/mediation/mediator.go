package mediation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/observability"
)

// Version is reported by Mediator.Version when Options.Version is empty.
const Version = "1.0.0"

// Options configures a Mediator. Store and Networks are required; the
// remaining collaborators are optional.
type Options struct {
	Store      models.MediationStore
	Networks   NetworkSource
	Limiter    RateLimiter
	Consent    ConsentChecker
	ShowCapper ShowCapper
	Sinks      []EventSink
	Metrics    observability.MetricsRegistry
	Logger     *zap.Logger

	AttemptTimeout      time.Duration
	NoFillBackoff       time.Duration
	AutocacheBackoff    time.Duration
	AutocacheBackoffMax time.Duration
	CacheCapacity       int
	Capacities          map[models.AdType]int
	// AdTTL applies to networks whose config sets no TTL.
	AdTTL               time.Duration

	Version string
	Clock   func() time.Time
}

// Mediator is the facade hosts talk to. It owns the ad cache, walks
// waterfalls on demand and routes lifecycle events to delegates.
type Mediator struct {
	opts    Options
	logger  *zap.Logger
	metrics observability.MetricsRegistry
	now     func() time.Time

	cache      *AdCache
	suppressor *noFillSuppressor
	runner     *waterfallRunner
	group      singleflight.Group
	disp       *dispatcher

	mu          sync.RWMutex
	initialized bool
	appKey      string
	lifeCtx     context.Context
	lifeCancel  context.CancelFunc
	delegates   map[models.AdType]Delegate
	autocache   map[models.AdType]bool
	disabled    map[models.AdType]map[string]bool
	unavailable map[string]bool
	template    models.AdRequest
	presented   map[models.AdType]*models.Ad
	lastTrace   map[models.AdType]*AttemptTrace

	timers  map[models.AdType]*time.Timer
	backoff map[models.AdType]time.Duration
	bg      sync.WaitGroup
}

// New builds a Mediator. Call Initialize before caching.
func New(opts Options) *Mediator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNoOpRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 2 * time.Second
	}
	if opts.AutocacheBackoff <= 0 {
		opts.AutocacheBackoff = time.Second
	}
	if opts.AutocacheBackoffMax < opts.AutocacheBackoff {
		opts.AutocacheBackoffMax = 30 * time.Second
	}
	if opts.Version == "" {
		opts.Version = Version
	}
	if opts.AdTTL <= 0 {
		opts.AdTTL = models.DefaultAdTTL
	}

	m := &Mediator{
		opts:        opts,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         opts.Clock,
		cache:       NewAdCache(opts.CacheCapacity),
		suppressor:  newNoFillSuppressor(opts.NoFillBackoff),
		delegates:   make(map[models.AdType]Delegate),
		autocache:   make(map[models.AdType]bool),
		disabled:    make(map[models.AdType]map[string]bool),
		unavailable: make(map[string]bool),
		presented:   make(map[models.AdType]*models.Ad),
		lastTrace:   make(map[models.AdType]*AttemptTrace),
		timers:      make(map[models.AdType]*time.Timer),
		backoff:     make(map[models.AdType]time.Duration),
	}
	for t, n := range opts.Capacities {
		m.cache.SetCapacity(t, n)
	}
	for _, t := range models.AdTypeAll.Split() {
		m.autocache[t] = true
	}
	m.runner = &waterfallRunner{
		store:          opts.Store,
		networks:       opts.Networks,
		limiter:        opts.Limiter,
		consent:        opts.Consent,
		suppressor:     m.suppressor,
		disabled:       m.isDisabled,
		attemptTimeout: opts.AttemptTimeout,
		defaultTTL:     opts.AdTTL,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		now:            opts.Clock,
	}
	m.disp = newDispatcher(opts.Logger, m.route)
	return m
}

// Initialize validates the app key, initializes every configured network
// and starts autocaching the given ad types. Network initialization
// failures are logged and the network is left out of waterfalls.
func (m *Mediator) Initialize(ctx context.Context, appKey string, types models.AdType) error {
	if appKey == "" {
		return ErrEmptyAppKey
	}

	unavailable := make(map[string]bool)
	var umu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, nw := range m.opts.Networks.All() {
		nw := nw
		key := appKey
		if cfg := m.opts.Store.GetNetwork(nw.Name()); cfg != nil && cfg.AppKey != "" {
			key = cfg.AppKey
		}
		g.Go(func() error {
			if err := nw.Initialize(gctx, key); err != nil {
				m.logger.Error("network initialization failed",
					zap.String("network", nw.Name()), zap.Error(err))
				umu.Lock()
				unavailable[nw.Name()] = true
				umu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if !m.initialized {
		m.lifeCtx, m.lifeCancel = context.WithCancel(context.Background())
	}
	m.initialized = true
	m.appKey = appKey
	m.unavailable = unavailable
	var start []models.AdType
	for _, t := range types.Split() {
		if m.autocache[t] {
			start = append(start, t)
		}
	}
	for _, t := range start {
		m.scheduleLocked(t, 0)
	}
	m.mu.Unlock()

	m.logger.Info("mediation initialized",
		zap.String("ad_types", types.String()),
		zap.Int("unavailable_networks", len(unavailable)))
	return nil
}

// Deinitialize stops autocache, waits for running loads, then clears the
// cache and lifts no-fill suppressions.
func (m *Mediator) Deinitialize() {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return
	}
	m.initialized = false
	for t, timer := range m.timers {
		if timer.Stop() {
			m.bg.Done()
		}
		delete(m.timers, t)
	}
	m.backoff = make(map[models.AdType]time.Duration)
	m.presented = make(map[models.AdType]*models.Ad)
	cancel := m.lifeCancel
	m.mu.Unlock()

	cancel()
	m.bg.Wait()
	m.cache.Clear()
	m.suppressor.Clear()
	for _, t := range models.AdTypeAll.Split() {
		m.metrics.SetCacheReady(t.String(), false)
	}
	m.logger.Info("mediation deinitialized")
}

// Close deinitializes and delivers the remaining events.
func (m *Mediator) Close() {
	m.Deinitialize()
	m.disp.Close()
}

// Flush waits until every event emitted so far reached its delegate.
func (m *Mediator) Flush() {
	m.disp.Flush()
}

// IsInitialized reports whether Initialize succeeded and Deinitialize has
// not been called since.
func (m *Mediator) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// AppKey returns the key passed to Initialize, or "" before initialization.
func (m *Mediator) AppKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized {
		return ""
	}
	return m.appKey
}

// Version returns the mediation runtime version.
func (m *Mediator) Version() string {
	return m.opts.Version
}

// SetDelegate installs d for every type in types. A nil d clears them.
func (m *Mediator) SetDelegate(types models.AdType, d Delegate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range types.Split() {
		if d == nil {
			delete(m.delegates, t)
			continue
		}
		m.delegates[t] = d
	}
}

// SetAutocache turns automatic caching on or off for types.
func (m *Mediator) SetAutocache(enabled bool, types models.AdType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range types.Split() {
		m.autocache[t] = enabled
		if !enabled {
			if timer, ok := m.timers[t]; ok {
				if timer.Stop() {
					m.bg.Done()
				}
				delete(m.timers, t)
			}
			delete(m.backoff, t)
			continue
		}
		if m.initialized && !m.cache.Ready(t, m.now()) {
			m.scheduleLocked(t, 0)
		}
	}
}

// IsAutocacheEnabled reports whether autocache is on for all of types.
func (m *Mediator) IsAutocacheEnabled(types models.AdType) bool {
	split := types.Split()
	if len(split) == 0 {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range split {
		if !m.autocache[t] {
			return false
		}
	}
	return true
}

// DisableNetwork removes a network from the waterfalls of types until it
// is enabled again.
func (m *Mediator) DisableNetwork(types models.AdType, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range types.Split() {
		if m.disabled[t] == nil {
			m.disabled[t] = make(map[string]bool)
		}
		m.disabled[t][name] = true
	}
	m.logger.Info("network disabled", zap.String("network", name), zap.String("ad_types", types.String()))
}

// EnableNetwork reverts DisableNetwork.
func (m *Mediator) EnableNetwork(types models.AdType, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range types.Split() {
		delete(m.disabled[t], name)
	}
	m.logger.Info("network enabled", zap.String("network", name), zap.String("ad_types", types.String()))
}

func (m *Mediator) isDisabled(name string, t models.AdType) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unavailable[name] || m.disabled[t][name]
}

// Cache starts a load for every type in types and returns immediately.
// Results arrive as Loaded or FailedToLoad events.
func (m *Mediator) Cache(ctx context.Context, types models.AdType) error {
	split := types.Split()
	if len(split) == 0 {
		return NewError(CodeAdTypeMismatch, "", types, models.ErrInvalidAdType)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return ErrNotInitialized
	}
	life := m.lifeCtx
	if tg, ok := TargetingFrom(ctx); ok {
		life = WithTargeting(life, tg)
	}
	for _, t := range split {
		t := t
		m.bg.Add(1)
		go func() {
			defer m.bg.Done()
			_, _ = m.load(life, t)
		}()
	}
	return nil
}

// CacheSync loads one ad type and blocks until the waterfall finishes.
func (m *Mediator) CacheSync(ctx context.Context, t models.AdType) (*models.Ad, error) {
	if !t.Single() {
		return nil, NewError(CodeAdTypeMismatch, "", t, models.ErrInvalidAdType)
	}
	if !m.IsInitialized() {
		return nil, ErrNotInitialized
	}
	return m.load(ctx, t)
}

// load coalesces concurrent loads of one ad type into a single waterfall
// run. The run uses the targeting of the caller that started it. A type
// whose cache is already full with unshown ads is not reloaded.
func (m *Mediator) load(ctx context.Context, t models.AdType) (*models.Ad, error) {
	v, err, _ := m.group.Do(t.String(), func() (interface{}, error) {
		now := m.now()
		if ad := m.cache.Peek(t, now); ad != nil && m.cache.Len(t) >= m.cache.Capacity(t) {
			m.emit(Event{Kind: EventLoaded, AdType: t, Network: ad.Network, RequestID: ad.RequestID, Ad: ad})
			return ad, nil
		}
		return m.runLoad(ctx, t)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Ad), nil
}

func (m *Mediator) runLoad(ctx context.Context, t models.AdType) (*models.Ad, error) {
	req := m.newRequest(ctx, t)
	m.emit(Event{Kind: EventRequested, AdType: t, RequestID: req.ID, Request: &req})

	ad, tr, err := m.runner.Run(ctx, &req)
	m.mu.Lock()
	m.lastTrace[t] = tr
	m.mu.Unlock()

	if err != nil {
		m.metrics.SetCacheReady(t.String(), m.cache.Ready(t, m.now()))
		m.emit(Event{Kind: EventFailedToLoad, AdType: t, RequestID: req.ID, Err: err, Request: &req})
		if ctx.Err() == nil {
			m.retryLater(t)
		}
		return nil, err
	}

	m.cache.Put(ad)
	m.metrics.SetCacheReady(t.String(), true)
	m.mu.Lock()
	delete(m.backoff, t)
	m.mu.Unlock()
	m.emit(Event{Kind: EventLoaded, AdType: t, Network: ad.Network, RequestID: req.ID, Ad: ad, Request: &req})
	if observability.ShouldSample(observability.GetSamplingRate()) {
		m.logger.Info("ad loaded",
			zap.String("request_id", req.ID),
			zap.String("ad_type", t.String()),
			zap.String("network", ad.Network),
			zap.Float64("price", ad.Price))
	}
	return ad, nil
}

func (m *Mediator) newRequest(ctx context.Context, t models.AdType) models.AdRequest {
	m.mu.RLock()
	req := m.template.Clone()
	m.mu.RUnlock()
	if tg, ok := TargetingFrom(ctx); ok {
		tg.apply(&req)
	}
	req.ID = uuid.NewString()
	req.AdType = t
	req.CreatedAt = m.now()
	return req
}

// IsReadyForShow reports whether style can be shown right now.
func (m *Mediator) IsReadyForShow(style models.ShowStyle) bool {
	now := m.now()
	m.purgeExpired(now)
	for _, t := range style.AdTypes().Split() {
		if m.cache.Ready(t, now) {
			return true
		}
	}
	return false
}

// purgeExpired drops expired ads, reports them and refills their types.
func (m *Mediator) purgeExpired(now time.Time) {
	expired := m.cache.Purge(now)
	if len(expired) == 0 {
		return
	}
	m.mu.Lock()
	for _, ad := range expired {
		if m.initialized && m.autocache[ad.AdType] {
			m.scheduleLocked(ad.AdType, 0)
		}
	}
	m.mu.Unlock()
	for _, ad := range expired {
		m.metrics.SetCacheReady(ad.AdType.String(), m.cache.Ready(ad.AdType, now))
		m.emit(Event{Kind: EventExpired, AdType: ad.AdType, Network: ad.Network, RequestID: ad.RequestID, Ad: ad})
	}
}

// emit stamps and queues an event.
func (m *Mediator) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = m.now()
	}
	m.disp.Emit(e)
}

// route runs on the dispatcher goroutine. A panicking sink is logged and
// skipped; the delegate still gets the event.
func (m *Mediator) route(e Event) {
	m.metrics.IncrementEvent(e.Kind.String())
	for i, s := range m.opts.Sinks {
		m.sink(i, s, e)
	}
	m.mu.RLock()
	d := m.delegates[e.AdType]
	m.mu.RUnlock()
	if d != nil {
		d.OnAdEvent(e)
	}
}

func (m *Mediator) sink(i int, s EventSink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event sink panicked",
				zap.Int("sink", i),
				zap.String("kind", e.Kind.String()),
				zap.Any("panic", r))
		}
	}()
	s.HandleEvent(e)
}
