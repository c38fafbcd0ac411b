package logic

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/avct/uasurfer"

	"github.com/patrickwarner/openmediation/internal/geoip"
	"github.com/patrickwarner/openmediation/internal/models"
)

// Targeting is what a request reveals about the client.
type Targeting struct {
	Device  models.Device
	Country string
	Region  string
}

// DeviceFromUA parses a User-Agent into device type, OS and bot flag.
func DeviceFromUA(ua string) models.Device {
	d := models.Device{UA: ua}
	if ua == "" {
		return d
	}
	u := uasurfer.Parse(ua)

	switch u.DeviceType {
	case uasurfer.DeviceComputer:
		d.Type = "desktop"
	case uasurfer.DevicePhone:
		d.Type = "mobile"
	case uasurfer.DeviceTablet:
		d.Type = "tablet"
	case uasurfer.DeviceTV:
		d.Type = "tv"
	default:
		d.Type = "other"
	}

	v := u.OS.Version
	d.OS = fmt.Sprintf("%s %d.%d.%d", u.OS.Name.String(), v.Major, v.Minor, v.Patch)
	d.IsBot = u.IsBot()
	return d
}

// ClientIP returns the first X-Forwarded-For address, else the remote
// address without its port.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx != -1 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ResolveTargeting derives device and geo facts from r. A nil g skips geo.
func ResolveTargeting(g *geoip.GeoIP, r *http.Request) Targeting {
	t := Targeting{Device: DeviceFromUA(r.Header.Get("User-Agent"))}
	ipStr := ClientIP(r)
	if ip := net.ParseIP(ipStr); ip != nil {
		t.Device.IP = ipStr
		t.Country, t.Region = g.Lookup(ip)
	}
	if ifa := r.Header.Get("X-Device-IFA"); ifa != "" {
		t.Device.IFA = ifa
	}
	t.Device.LimitAdTracking = r.Header.Get("DNT") == "1"
	return t
}
