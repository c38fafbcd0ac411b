package models

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrNotFound is returned when an entity is not found in the store.
var ErrNotFound = errors.New("entity not found")

// MediationStore provides thread-safe access to the mediation setup.
// Readers always see a complete snapshot; reloads swap the snapshot atomically.
type MediationStore interface {
	// Read operations (hot path)
	GetNetwork(name string) *NetworkConfig
	GetAllNetworks() []NetworkConfig
	GetWaterfall(adType AdType) Waterfall
	GetAllWaterfallEntries() []WaterfallEntry
	GetHouseCreatives(adType AdType) []HouseCreative
	GetAllHouseCreatives() []HouseCreative

	// Write operations (reload path)
	ReloadAll(networks []NetworkConfig, entries []WaterfallEntry, house []HouseCreative) error
	SetNetworkEnabled(name string, enabled bool) error
}

// mediationSnapshot is an immutable view of the mediation setup.
type mediationSnapshot struct {
	networks     []NetworkConfig
	networkIndex map[string]*NetworkConfig
	entries      []WaterfallEntry
	waterfalls   map[AdType]Waterfall // Single ad type -> sorted entries
	house        []HouseCreative
	houseByType  map[AdType][]HouseCreative
}

// InMemoryMediationStore implements MediationStore with atomic snapshot updates.
type InMemoryMediationStore struct {
	data atomic.Pointer[mediationSnapshot]
	// writeMu serialises read-modify-write updates; readers never take it.
	writeMu sync.Mutex
}

// NewInMemoryMediationStore creates an empty store.
func NewInMemoryMediationStore() *InMemoryMediationStore {
	s := &InMemoryMediationStore{}
	s.data.Store(buildSnapshot(nil, nil, nil))
	return s
}

// GetNetwork returns a copy of the named network config or nil.
func (s *InMemoryMediationStore) GetNetwork(name string) *NetworkConfig {
	data := s.data.Load()
	if n, ok := data.networkIndex[name]; ok {
		cp := *n
		return &cp
	}
	return nil
}

// GetAllNetworks returns all network configs sorted by name.
func (s *InMemoryMediationStore) GetAllNetworks() []NetworkConfig {
	data := s.data.Load()
	out := make([]NetworkConfig, len(data.networks))
	copy(out, data.networks)
	return out
}

// GetWaterfall returns the ordered entries for a single ad type.
func (s *InMemoryMediationStore) GetWaterfall(adType AdType) Waterfall {
	data := s.data.Load()
	w := data.waterfalls[adType]
	if len(w) == 0 {
		return nil
	}
	out := make(Waterfall, len(w))
	copy(out, w)
	return out
}

// GetAllWaterfallEntries returns every entry across ad types.
func (s *InMemoryMediationStore) GetAllWaterfallEntries() []WaterfallEntry {
	data := s.data.Load()
	out := make([]WaterfallEntry, len(data.entries))
	copy(out, data.entries)
	return out
}

// GetHouseCreatives returns the active house creatives for a single ad type.
func (s *InMemoryMediationStore) GetHouseCreatives(adType AdType) []HouseCreative {
	data := s.data.Load()
	hc := data.houseByType[adType]
	if len(hc) == 0 {
		return nil
	}
	out := make([]HouseCreative, len(hc))
	copy(out, hc)
	return out
}

// GetAllHouseCreatives returns every house creative, active or not.
func (s *InMemoryMediationStore) GetAllHouseCreatives() []HouseCreative {
	data := s.data.Load()
	out := make([]HouseCreative, len(data.house))
	copy(out, data.house)
	return out
}

// ReloadAll validates and atomically replaces the whole setup.
func (s *InMemoryMediationStore) ReloadAll(networks []NetworkConfig, entries []WaterfallEntry, house []HouseCreative) error {
	if err := ValidateSetup(networks, entries, house); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.data.Store(buildSnapshot(networks, entries, house))
	return nil
}

// SetNetworkEnabled toggles a network in the current snapshot.
func (s *InMemoryMediationStore) SetNetworkEnabled(name string, enabled bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.data.Load()
	if _, ok := current.networkIndex[name]; !ok {
		return fmt.Errorf("network %s: %w", name, ErrNotFound)
	}
	networks := make([]NetworkConfig, len(current.networks))
	copy(networks, current.networks)
	for i := range networks {
		if networks[i].Name == name {
			networks[i].Enabled = enabled
		}
	}
	s.data.Store(buildSnapshot(networks, current.entries, current.house))
	return nil
}

// ValidateSetup rejects entries that reference unknown networks, use anything
// but a single ad type, or repeat a (network, ad type) pair.
func ValidateSetup(networks []NetworkConfig, entries []WaterfallEntry, house []HouseCreative) error {
	known := make(map[string]struct{}, len(networks))
	for _, n := range networks {
		if err := n.Validate(); err != nil {
			return err
		}
		if _, dup := known[n.Name]; dup {
			return fmt.Errorf("duplicate network %s", n.Name)
		}
		known[n.Name] = struct{}{}
	}

	type pair struct {
		network string
		adType  AdType
	}
	seen := make(map[pair]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := known[e.Network]; !ok {
			return fmt.Errorf("waterfall entry references undefined network %s", e.Network)
		}
		if !e.AdType.Single() {
			return fmt.Errorf("waterfall entry %s has ad type %s, want exactly one", e.Network, e.AdType)
		}
		if e.FloorCPM < 0 {
			return fmt.Errorf("waterfall entry %s/%s has negative floor", e.Network, e.AdType)
		}
		p := pair{e.Network, e.AdType}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("duplicate waterfall entry %s/%s", e.Network, e.AdType)
		}
		seen[p] = struct{}{}
	}

	ids := make(map[string]struct{}, len(house))
	for _, h := range house {
		if h.ID == "" {
			return fmt.Errorf("house creative without id")
		}
		if _, dup := ids[h.ID]; dup {
			return fmt.Errorf("duplicate house creative %s", h.ID)
		}
		ids[h.ID] = struct{}{}
		if !h.AdType.Single() {
			return fmt.Errorf("house creative %s has ad type %s, want exactly one", h.ID, h.AdType)
		}
	}
	return nil
}

func buildSnapshot(networks []NetworkConfig, entries []WaterfallEntry, house []HouseCreative) *mediationSnapshot {
	nets := make([]NetworkConfig, len(networks))
	copy(nets, networks)
	sort.Slice(nets, func(i, j int) bool { return nets[i].Name < nets[j].Name })

	networkIndex := make(map[string]*NetworkConfig, len(nets))
	for i := range nets {
		networkIndex[nets[i].Name] = &nets[i]
	}

	ents := make([]WaterfallEntry, len(entries))
	copy(ents, entries)
	waterfalls := make(map[AdType]Waterfall)
	for _, e := range ents {
		waterfalls[e.AdType] = append(waterfalls[e.AdType], e)
	}
	for t := range waterfalls {
		SortWaterfall(waterfalls[t])
	}

	hs := make([]HouseCreative, len(house))
	copy(hs, house)
	houseByType := make(map[AdType][]HouseCreative)
	for _, h := range hs {
		if h.Active {
			houseByType[h.AdType] = append(houseByType[h.AdType], h)
		}
	}

	return &mediationSnapshot{
		networks:     nets,
		networkIndex: networkIndex,
		entries:      ents,
		waterfalls:   waterfalls,
		house:        hs,
		houseByType:  houseByType,
	}
}
