package models

import (
	"fmt"
	"math/bits"
	"strings"
)

// AdType is a capability flag. Several flags may be combined with a bitwise
// union when an operation applies to more than one format.
type AdType uint32

const (
	AdTypeInterstitial AdType = 1 << iota
	AdTypeVideo
	AdTypeBanner
	AdTypeNative
	AdTypeRewardedVideo

	AdTypeNone AdType = 0
	AdTypeAll         = AdTypeInterstitial | AdTypeVideo | AdTypeBanner | AdTypeNative | AdTypeRewardedVideo
)

var adTypeNames = []struct {
	t    AdType
	name string
}{
	{AdTypeInterstitial, "interstitial"},
	{AdTypeVideo, "video"},
	{AdTypeBanner, "banner"},
	{AdTypeNative, "native"},
	{AdTypeRewardedVideo, "rewarded_video"},
}

// Has reports whether every flag in o is also set in t.
func (t AdType) Has(o AdType) bool {
	return o != 0 && t&o == o
}

// Single reports whether exactly one known flag is set.
func (t AdType) Single() bool {
	return t&AdTypeAll == t && bits.OnesCount32(uint32(t)) == 1
}

// Fullscreen reports whether the type takes over the screen when shown.
// Only one fullscreen presentation may be active at a time.
func (t AdType) Fullscreen() bool {
	return t&(AdTypeInterstitial|AdTypeVideo|AdTypeRewardedVideo) != 0
}

// Split returns the single flags contained in t in ascending bit order.
func (t AdType) Split() []AdType {
	var out []AdType
	for _, n := range adTypeNames {
		if t&n.t != 0 {
			out = append(out, n.t)
		}
	}
	return out
}

func (t AdType) String() string {
	if t == AdTypeNone {
		return "none"
	}
	parts := make([]string, 0, 5)
	for _, n := range adTypeNames {
		if t&n.t != 0 {
			parts = append(parts, n.name)
		}
	}
	if rest := t &^ AdTypeAll; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseAdType accepts names separated by "|" or ",". Matching is case
// insensitive and "all" selects every type.
func ParseAdType(s string) (AdType, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' })
	if len(fields) == 0 {
		return AdTypeNone, fmt.Errorf("empty ad type")
	}
	var t AdType
	for _, f := range fields {
		name := strings.ToLower(strings.TrimSpace(f))
		switch name {
		case "all":
			t |= AdTypeAll
			continue
		case "rewarded", "rewardedvideo", "rewarded-video":
			name = "rewarded_video"
		}
		found := false
		for _, n := range adTypeNames {
			if n.name == name {
				t |= n.t
				found = true
				break
			}
		}
		if !found {
			return AdTypeNone, fmt.Errorf("unknown ad type %q", f)
		}
	}
	return t, nil
}

// MarshalText encodes the type using its String form.
func (t AdType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText accepts the forms understood by ParseAdType.
func (t *AdType) UnmarshalText(b []byte) error {
	v, err := ParseAdType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ShowStyle selects how a cached ad is presented.
type ShowStyle int

const (
	ShowStyleInterstitial ShowStyle = iota + 1
	ShowStyleVideo
	ShowStyleVideoOrInterstitial
	ShowStyleBannerTop
	ShowStyleBannerCenter
	ShowStyleBannerBottom
	ShowStyleNative
	ShowStyleRewardedVideo
)

var showStyleNames = map[ShowStyle]string{
	ShowStyleInterstitial:        "interstitial",
	ShowStyleVideo:               "video",
	ShowStyleVideoOrInterstitial: "video_or_interstitial",
	ShowStyleBannerTop:           "banner_top",
	ShowStyleBannerCenter:        "banner_center",
	ShowStyleBannerBottom:        "banner_bottom",
	ShowStyleNative:              "native",
	ShowStyleRewardedVideo:       "rewarded_video",
}

func (s ShowStyle) String() string {
	if n, ok := showStyleNames[s]; ok {
		return n
	}
	return fmt.Sprintf("show_style(%d)", int(s))
}

// AdTypes returns the ad types a style is able to present.
func (s ShowStyle) AdTypes() AdType {
	switch s {
	case ShowStyleInterstitial:
		return AdTypeInterstitial
	case ShowStyleVideo:
		return AdTypeVideo
	case ShowStyleVideoOrInterstitial:
		return AdTypeVideo | AdTypeInterstitial
	case ShowStyleBannerTop, ShowStyleBannerCenter, ShowStyleBannerBottom:
		return AdTypeBanner
	case ShowStyleNative:
		return AdTypeNative
	case ShowStyleRewardedVideo:
		return AdTypeRewardedVideo
	}
	return AdTypeNone
}

// ParseShowStyle resolves a style name, ignoring case.
func ParseShowStyle(s string) (ShowStyle, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for st, n := range showStyleNames {
		if n == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown show style %q", s)
}
