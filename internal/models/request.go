package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidAdType = errors.New("ad request needs exactly one ad type")
)

// Device describes the client the ad will be shown on.
type Device struct {
	UA              string `json:"ua,omitempty"`
	IP              string `json:"ip,omitempty"`
	IFA             string `json:"ifa,omitempty"`
	LimitAdTracking bool   `json:"lmt,omitempty"`
	Type            string `json:"device_type,omitempty"`
	OS              string `json:"os,omitempty"`
	IsBot           bool   `json:"is_bot,omitempty"`
}

// AdRequest is the targeting snapshot handed to a network for one load.
// It is built from the mediator's request template at the time Cache runs.
type AdRequest struct {
	ID           string            `json:"id"`
	AdType       AdType            `json:"ad_type"`
	Placement    string            `json:"placement,omitempty"`
	Location     *Location         `json:"location,omitempty"`
	ContextQuery string            `json:"context_query,omitempty"`
	ContextTags  []string          `json:"context_tags,omitempty"`
	Targeting    map[string]string `json:"targeting,omitempty"`
	User         UserMetadata      `json:"user"`
	Device       Device            `json:"device"`
	Country      string            `json:"country,omitempty"`
	Region       string            `json:"region,omitempty"`
	GDPRApplies  bool              `json:"gdpr_applies,omitempty"`
	Consent      string            `json:"consent,omitempty"`
	Test         bool              `json:"test,omitempty"`
	TestAdID     string            `json:"test_ad_id,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Validate checks the request before it enters a waterfall.
func (r *AdRequest) Validate() error {
	if r == nil {
		return errors.New("nil ad request")
	}
	if !r.AdType.Single() {
		return fmt.Errorf("%w: got %s", ErrInvalidAdType, r.AdType)
	}
	if r.Location != nil {
		if err := r.Location.Validate(); err != nil {
			return fmt.Errorf("location: %w", err)
		}
	}
	return nil
}

// Clone returns a deep copy so that a running waterfall is isolated from
// later setter calls.
func (r AdRequest) Clone() AdRequest {
	out := r
	out.User = r.User.Clone()
	if r.Location != nil {
		loc := *r.Location
		out.Location = &loc
	}
	if r.ContextTags != nil {
		out.ContextTags = append([]string(nil), r.ContextTags...)
	}
	if r.Targeting != nil {
		out.Targeting = make(map[string]string, len(r.Targeting))
		for k, v := range r.Targeting {
			out.Targeting[k] = v
		}
	}
	return out
}
