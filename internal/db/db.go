package db

import (
	"context"
	"fmt"

	"github.com/patrickwarner/openmediation/internal/models"
)

// Setup is the complete mediation configuration as persisted.
type Setup struct {
	Networks  []models.NetworkConfig
	Waterfall []models.WaterfallEntry
	House     []models.HouseCreative
}

// Loader reads a Setup from some backing store.
type Loader interface {
	LoadSetup(ctx context.Context) (Setup, error)
}

// LoadSetup reads networks, waterfall entries and house creatives.
func (p *Postgres) LoadSetup(ctx context.Context) (Setup, error) {
	var s Setup
	var err error
	if s.Networks, err = p.LoadNetworks(ctx); err != nil {
		return Setup{}, fmt.Errorf("load networks: %w", err)
	}
	if s.Waterfall, err = p.LoadWaterfall(ctx); err != nil {
		return Setup{}, fmt.Errorf("load waterfall: %w", err)
	}
	if s.House, err = p.LoadHouseCreatives(ctx); err != nil {
		return Setup{}, fmt.Errorf("load house creatives: %w", err)
	}
	return s, nil
}

// Reload loads a setup and swaps it into store. Validation failures leave
// the store untouched.
func Reload(ctx context.Context, l Loader, store models.MediationStore) (Setup, error) {
	s, err := l.LoadSetup(ctx)
	if err != nil {
		return Setup{}, err
	}
	if err := store.ReloadAll(s.Networks, s.Waterfall, s.House); err != nil {
		return Setup{}, fmt.Errorf("apply setup: %w", err)
	}
	return s, nil
}
