package mediation

import (
	"context"

	"github.com/patrickwarner/openmediation/internal/models"
)

// Targeting is what one caller knows about its client. It applies to the
// loads started with the context it is attached to and never touches the
// request template.
type Targeting struct {
	Device  models.Device
	Country string
	Region  string
}

type targetingKey struct{}

// WithTargeting returns a copy of ctx carrying t.
func WithTargeting(ctx context.Context, t Targeting) context.Context {
	return context.WithValue(ctx, targetingKey{}, t)
}

// TargetingFrom returns the targeting attached to ctx, if any.
func TargetingFrom(ctx context.Context) (Targeting, bool) {
	t, ok := ctx.Value(targetingKey{}).(Targeting)
	return t, ok
}

// apply overlays t on req. Fields t leaves empty keep the template value.
func (t Targeting) apply(req *models.AdRequest) {
	req.Device = mergeDevice(req.Device, t.Device)
	if t.Country != "" {
		req.Country, req.Region = t.Country, t.Region
	}
}

func mergeDevice(cur, seen models.Device) models.Device {
	out := cur
	if seen.UA != "" {
		out.UA = seen.UA
		out.Type = seen.Type
		out.OS = seen.OS
		out.IsBot = seen.IsBot
	}
	if seen.IP != "" {
		out.IP = seen.IP
	}
	if seen.IFA != "" {
		out.IFA = seen.IFA
	}
	out.LimitAdTracking = out.LimitAdTracking || seen.LimitAdTracking
	return out
}
