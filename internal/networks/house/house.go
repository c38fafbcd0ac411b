// Package house serves the publisher's own creatives as the last resort of a
// waterfall.
package house

import (
	"context"
	"math/rand"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/macros"
	"github.com/patrickwarner/openmediation/internal/mediation"
	"github.com/patrickwarner/openmediation/internal/models"
)

// ShuffleFn randomizes candidates before the stable price sort so that equal
// eCPMs rotate. Tests may replace it for deterministic behavior.
var ShuffleFn = func(cs []models.HouseCreative) {
	rand.Shuffle(len(cs), func(i, j int) { cs[i], cs[j] = cs[j], cs[i] })
}

// Network picks the best matching house creative from the store.
type Network struct {
	name   string
	store  models.MediationStore
	macros *macros.Expander
	logger *zap.Logger
}

// New creates a house network reading creatives from store.
func New(name string, store models.MediationStore, expander *macros.Expander, logger *zap.Logger) *Network {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Network{name: name, store: store, macros: expander, logger: logger}
}

func (n *Network) Name() string { return n.name }

func (n *Network) Initialize(context.Context, string) error { return nil }

// Supports accepts any single ad type. Availability is decided per load.
func (n *Network) Supports(t models.AdType) bool { return t.Single() }

// Matches reports whether c may serve req. Empty targeting fields match
// anything.
func Matches(c models.HouseCreative, req *models.AdRequest) bool {
	if c.Country != "" && !strings.EqualFold(c.Country, req.Country) {
		return false
	}
	if c.DeviceType != "" && !strings.EqualFold(c.DeviceType, req.Device.Type) {
		return false
	}
	return true
}

func (n *Network) Load(ctx context.Context, req mediation.LoadRequest) (*models.Ad, error) {
	t := req.Request.AdType
	var candidates []models.HouseCreative
	for _, c := range n.store.GetHouseCreatives(t) {
		if Matches(c, req.Request) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil, mediation.NewError(mediation.CodeNoFill, n.name, t, nil)
	}

	ShuffleFn(candidates)
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].ECPM > candidates[j].ECPM })
	c := candidates[0]

	ad := &models.Ad{
		ID:          uuid.NewString(),
		PlacementID: c.ID,
		Markup:      c.Markup,
		Native:      c.Native,
		Price:       c.ECPM,
		Width:       c.Width,
		Height:      c.Height,
	}
	if c.ClickURL != "" {
		click := c.ClickURL
		if n.macros != nil {
			mctx := &macros.Context{
				RequestID:   req.Request.ID,
				Network:     n.name,
				PlacementID: req.Entry.PlacementID,
				Price:       c.ECPM,
				Timestamp:   req.Request.CreatedAt,
				Custom:      req.Request.Targeting,
			}
			expanded, err := n.macros.ExpandURL(click, mctx)
			if err != nil {
				n.logger.Warn("house click url expansion failed, using raw url",
					zap.String("creative_id", c.ID), zap.Error(err))
			} else {
				click = expanded
			}
		}
		ad.ClickURLs = []string{click}
	}
	if t != models.AdTypeNative && isImageSpec(c.Markup) {
		click := ""
		if len(ad.ClickURLs) > 0 {
			click = ad.ClickURLs[0]
		}
		ad.Markup = composeImageMarkup(c.Markup, c.Width, c.Height, click)
		if ad.Markup == "" {
			n.logger.Warn("house creative has an unusable image spec", zap.String("creative_id", c.ID))
			return nil, mediation.NewError(mediation.CodeNoFill, n.name, t, nil)
		}
	}
	return ad, nil
}
