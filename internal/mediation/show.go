package mediation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/models"
)

var (
	ErrNotPresented    = errors.New("no ad of this type is being presented")
	ErrRequestMismatch = errors.New("request id does not match the presented ad")
)

// ShowOptions describes one show call.
type ShowOptions struct {
	Placement string
	// UserID is checked against and counted by the show capper. Empty skips
	// capping.
	UserID string
}

// Show presents the best ready ad for style on behalf of the template user.
func (m *Mediator) Show(ctx context.Context, style models.ShowStyle, placement string) (*models.Ad, error) {
	m.mu.RLock()
	userID := m.template.User.ID
	m.mu.RUnlock()
	return m.ShowWith(ctx, style, ShowOptions{Placement: placement, UserID: userID})
}

// ShowWith presents the best ready ad for style. Fullscreen formats share
// one presentation slot. A banner replaces the visible one, which is
// reported as dismissed. The Presented event carries the request id of the
// load that produced the ad.
func (m *Mediator) ShowWith(ctx context.Context, style models.ShowStyle, opts ShowOptions) (*models.Ad, error) {
	placement, userID := opts.Placement, opts.UserID
	types := style.AdTypes()
	if types == models.AdTypeNone {
		return nil, NewError(CodeAdTypeMismatch, "", types, fmt.Errorf("unknown show style %d", int(style)))
	}
	if !m.IsInitialized() {
		return nil, ErrNotInitialized
	}
	now := m.now()
	m.purgeExpired(now)

	t, cand := m.pick(types)
	if cand == nil {
		m.showFailed(types, placement, NewError(CodeNotReady, "", types, nil))
		return nil, NewError(CodeNotReady, "", types, nil)
	}
	if t.Fullscreen() && m.fullscreenActive() {
		err := NewError(CodeInterstitialAlreadyPresented, "", t, nil)
		m.showFailed(t, placement, err)
		return nil, err
	}

	if m.opts.ShowCapper != nil && userID != "" && !m.opts.ShowCapper.Allow(ctx, userID, t) {
		err := NewError(CodeFrequencyCapped, "", t, nil)
		m.showFailed(t, placement, err)
		return nil, err
	}

	m.mu.Lock()
	if t.Fullscreen() && m.fullscreenActiveLocked() {
		m.mu.Unlock()
		err := NewError(CodeInterstitialAlreadyPresented, "", t, nil)
		m.showFailed(t, placement, err)
		return nil, err
	}
	ad := m.cache.Take(t, now)
	if ad == nil {
		m.mu.Unlock()
		err := NewError(CodeNotReady, "", t, nil)
		m.showFailed(t, placement, err)
		return nil, err
	}
	replaced := m.presented[t]
	m.presented[t] = ad
	m.scheduleLocked(t, 0)
	m.mu.Unlock()

	if replaced != nil {
		m.emit(Event{Kind: EventDismissed, AdType: t, Network: replaced.Network, RequestID: replaced.RequestID, Ad: replaced})
	}
	m.metrics.SetCacheReady(t.String(), m.cache.Ready(t, now))
	m.metrics.IncrementShows(t.String(), "presented")
	m.emit(Event{Kind: EventWillPresent, AdType: t, Network: ad.Network, RequestID: ad.RequestID, Placement: placement, Ad: ad})
	m.emit(Event{Kind: EventPresented, AdType: t, Network: ad.Network, RequestID: ad.RequestID, Placement: placement, Ad: ad})

	if m.opts.ShowCapper != nil && userID != "" {
		if err := m.opts.ShowCapper.Record(ctx, userID, t); err != nil {
			m.logger.Warn("record show", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return ad, nil
}

// pick chooses the ready ad with the highest price among types. Video wins
// ties against interstitial.
func (m *Mediator) pick(types models.AdType) (models.AdType, *models.Ad) {
	now := m.now()
	var (
		bestType models.AdType
		best     *models.Ad
	)
	for _, t := range types.Split() {
		ad := m.cache.Peek(t, now)
		if ad == nil {
			continue
		}
		if best == nil || ad.Price > best.Price || (ad.Price == best.Price && t == models.AdTypeVideo) {
			bestType, best = t, ad
		}
	}
	return bestType, best
}

func (m *Mediator) showFailed(types models.AdType, placement string, err error) {
	code, _ := CodeOf(err)
	for _, t := range types.Split() {
		m.metrics.IncrementShows(t.String(), code.String())
		m.emit(Event{Kind: EventFailedToPresent, AdType: t, Placement: placement, Err: err})
	}
}

func (m *Mediator) fullscreenActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fullscreenActiveLocked()
}

func (m *Mediator) fullscreenActiveLocked() bool {
	for t, ad := range m.presented {
		if ad != nil && t.Fullscreen() {
			return true
		}
	}
	return false
}

// presentedAd returns the ad on screen for t, checking requestID when given.
func (m *Mediator) presentedAd(t models.AdType, requestID string) (*models.Ad, error) {
	ad := m.presented[t]
	if ad == nil {
		return nil, ErrNotPresented
	}
	if requestID != "" && ad.RequestID != requestID {
		return nil, ErrRequestMismatch
	}
	return ad, nil
}

// Dismiss reports that the host closed the ad of type t. An empty
// requestID matches whatever is on screen.
func (m *Mediator) Dismiss(t models.AdType, requestID string) error {
	m.mu.Lock()
	ad, err := m.presentedAd(t, requestID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.presented, t)
	m.scheduleLocked(t, 0)
	m.mu.Unlock()

	m.emit(Event{Kind: EventDismissed, AdType: t, Network: ad.Network, RequestID: ad.RequestID, Ad: ad})
	return nil
}

// Click reports a click on the presented ad of type t.
func (m *Mediator) Click(t models.AdType, requestID string) error {
	m.mu.RLock()
	ad, err := m.presentedAd(t, requestID)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	m.emit(Event{Kind: EventClicked, AdType: t, Network: ad.Network, RequestID: ad.RequestID, Ad: ad})
	return nil
}

// Finish reports that a video or rewarded video played to completion.
func (m *Mediator) Finish(t models.AdType, requestID string) error {
	if t != models.AdTypeVideo && t != models.AdTypeRewardedVideo {
		return NewError(CodeAdTypeMismatch, "", t, fmt.Errorf("only video formats finish"))
	}
	m.mu.RLock()
	ad, err := m.presentedAd(t, requestID)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	m.emit(Event{Kind: EventFinished, AdType: t, Network: ad.Network, RequestID: ad.RequestID, Ad: ad})
	return nil
}

// HideBanner removes the visible banner, if any.
func (m *Mediator) HideBanner() {
	m.mu.Lock()
	ad := m.presented[models.AdTypeBanner]
	delete(m.presented, models.AdTypeBanner)
	m.mu.Unlock()
	if ad != nil {
		m.emit(Event{Kind: EventDismissed, AdType: models.AdTypeBanner, Network: ad.Network, RequestID: ad.RequestID, Ad: ad})
	}
}

// BannerVisible reports whether a banner is on screen.
func (m *Mediator) BannerVisible() bool {
	return m.Banner() != nil
}

// Banner returns the banner on screen or nil.
func (m *Mediator) Banner() *models.Ad {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.presented[models.AdTypeBanner]
}
