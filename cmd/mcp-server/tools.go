package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openmediation/internal/db"
	"github.com/patrickwarner/openmediation/internal/models"
	"github.com/patrickwarner/openmediation/internal/waterfallfile"
)

// setupStore is the persistent side the tools edit.
type setupStore interface {
	db.Loader
	SetNetworkEnabled(ctx context.Context, name string, enabled bool) error
	UpsertWaterfallEntry(ctx context.Context, e models.WaterfallEntry) error
}

// notifier tells running servers to reload.
type notifier interface {
	PublishUpdate(ctx context.Context, reason string) error
}

type ListWaterfallInput struct {
	AdType string `json:"ad_type,omitempty"`
}

type WaterfallStep struct {
	Network     string  `json:"network"`
	NetworkKind string  `json:"network_kind"`
	Priority    int     `json:"priority"`
	FloorCPM    float64 `json:"floor_cpm"`
	PlacementID string  `json:"placement_id"`
	Enabled     bool    `json:"enabled"`
}

type ListWaterfallOutput struct {
	Waterfalls map[string][]WaterfallStep `json:"waterfalls"`
}

type SetNetworkEnabledInput struct {
	Network string `json:"network"`
	Enabled bool   `json:"enabled"`
}

type SetNetworkEnabledOutput struct {
	Network  string `json:"network"`
	Enabled  bool   `json:"enabled"`
	Notified bool   `json:"notified"`
}

type UpsertEntryInput struct {
	Network     string  `json:"network"`
	AdType      string  `json:"ad_type"`
	Priority    int     `json:"priority"`
	FloorCPM    float64 `json:"floor_cpm"`
	PlacementID string  `json:"placement_id"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

type UpsertEntryOutput struct {
	Status   string `json:"status"`
	Notified bool   `json:"notified"`
}

type ValidateWaterfallInput struct {
	YAML string `json:"yaml"`
}

type ValidateWaterfallOutput struct {
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
	Networks  int    `json:"networks"`
	Entries   int    `json:"entries"`
	Creatives int    `json:"creatives"`
}

// ToolServer exposes waterfall administration as MCP tools.
type ToolServer struct {
	store    setupStore
	notifier notifier
	logger   *zap.Logger
}

func NewToolServer(store setupStore, n notifier, logger *zap.Logger) *ToolServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolServer{store: store, notifier: n, logger: logger}
}

// ListWaterfall returns the stored waterfalls grouped by ad type in run order.
func (s *ToolServer) ListWaterfall(ctx context.Context, _ *mcp.CallToolRequest, input ListWaterfallInput) (*mcp.CallToolResult, ListWaterfallOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := models.AdTypeAll
	if input.AdType != "" {
		t, err := models.ParseAdType(input.AdType)
		if err != nil {
			return nil, ListWaterfallOutput{}, err
		}
		filter = t
	}

	setup, err := s.store.LoadSetup(ctx)
	if err != nil {
		return nil, ListWaterfallOutput{}, fmt.Errorf("load setup: %w", err)
	}
	kinds := make(map[string]string, len(setup.Networks))
	for _, n := range setup.Networks {
		kinds[n.Name] = n.Kind
	}

	byType := make(map[models.AdType][]models.WaterfallEntry)
	for _, e := range setup.Waterfall {
		if e.AdType&filter == 0 {
			continue
		}
		byType[e.AdType] = append(byType[e.AdType], e)
	}

	out := ListWaterfallOutput{Waterfalls: make(map[string][]WaterfallStep, len(byType))}
	for t, entries := range byType {
		models.SortWaterfall(entries)
		steps := make([]WaterfallStep, 0, len(entries))
		for _, e := range entries {
			steps = append(steps, WaterfallStep{
				Network:     e.Network,
				NetworkKind: kinds[e.Network],
				Priority:    e.Priority,
				FloorCPM:    e.FloorCPM,
				PlacementID: e.PlacementID,
				Enabled:     e.Enabled,
			})
		}
		out.Waterfalls[t.String()] = steps
	}
	s.logger.Info("listed waterfalls", zap.Int("ad_types", len(out.Waterfalls)))
	return nil, out, nil
}

// SetNetworkEnabled toggles a network for every ad type and notifies servers.
func (s *ToolServer) SetNetworkEnabled(ctx context.Context, _ *mcp.CallToolRequest, input SetNetworkEnabledInput) (*mcp.CallToolResult, SetNetworkEnabledOutput, error) {
	if input.Network == "" {
		return nil, SetNetworkEnabledOutput{}, errors.New("network is required")
	}
	if err := s.store.SetNetworkEnabled(ctx, input.Network, input.Enabled); err != nil {
		return nil, SetNetworkEnabledOutput{}, err
	}
	out := SetNetworkEnabledOutput{Network: input.Network, Enabled: input.Enabled}
	out.Notified = s.notify(ctx, "network "+input.Network)
	s.logger.Info("network toggled",
		zap.String("network", input.Network), zap.Bool("enabled", input.Enabled))
	return nil, out, nil
}

// UpsertWaterfallEntry adds or updates one network's step for a single ad type.
func (s *ToolServer) UpsertWaterfallEntry(ctx context.Context, _ *mcp.CallToolRequest, input UpsertEntryInput) (*mcp.CallToolResult, UpsertEntryOutput, error) {
	t, err := models.ParseAdType(input.AdType)
	if err != nil {
		return nil, UpsertEntryOutput{}, err
	}
	if !t.Single() {
		return nil, UpsertEntryOutput{}, fmt.Errorf("ad_type must name exactly one type, got %q", input.AdType)
	}
	if input.Network == "" {
		return nil, UpsertEntryOutput{}, errors.New("network is required")
	}
	if input.FloorCPM < 0 {
		return nil, UpsertEntryOutput{}, errors.New("floor_cpm must not be negative")
	}

	setup, err := s.store.LoadSetup(ctx)
	if err != nil {
		return nil, UpsertEntryOutput{}, fmt.Errorf("load setup: %w", err)
	}
	known := false
	for _, n := range setup.Networks {
		if n.Name == input.Network {
			known = true
			break
		}
	}
	if !known {
		return nil, UpsertEntryOutput{}, fmt.Errorf("network %s: %w", input.Network, models.ErrNotFound)
	}

	e := models.WaterfallEntry{
		Network:     input.Network,
		AdType:      t,
		Priority:    input.Priority,
		FloorCPM:    input.FloorCPM,
		PlacementID: input.PlacementID,
		Enabled:     input.Enabled == nil || *input.Enabled,
	}
	if err := s.store.UpsertWaterfallEntry(ctx, e); err != nil {
		return nil, UpsertEntryOutput{}, err
	}
	return nil, UpsertEntryOutput{Status: "saved", Notified: s.notify(ctx, "waterfall "+t.String())}, nil
}

// ValidateWaterfall checks a YAML waterfall document without storing it.
func (s *ToolServer) ValidateWaterfall(_ context.Context, _ *mcp.CallToolRequest, input ValidateWaterfallInput) (*mcp.CallToolResult, ValidateWaterfallOutput, error) {
	setup, err := waterfallfile.Parse([]byte(input.YAML))
	if err != nil {
		return nil, ValidateWaterfallOutput{Valid: false, Error: err.Error()}, nil
	}
	return nil, ValidateWaterfallOutput{
		Valid:     true,
		Networks:  len(setup.Networks),
		Entries:   len(setup.Waterfall),
		Creatives: len(setup.House),
	}, nil
}

func (s *ToolServer) notify(ctx context.Context, reason string) bool {
	if s.notifier == nil {
		return false
	}
	if err := s.notifier.PublishUpdate(ctx, reason); err != nil {
		s.logger.Warn("publish setup update", zap.Error(err))
		return false
	}
	return true
}
