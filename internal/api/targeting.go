package api

import (
	"net/http"

	"github.com/patrickwarner/openmediation/internal/logic"
	"github.com/patrickwarner/openmediation/internal/mediation"
)

// withTargeting attaches what the request reveals about the client to the
// request context. Loads started by the request pick it up; the shared
// request template is left alone.
func (s *Server) withTargeting(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := logic.ResolveTargeting(s.GeoIP, r)
		ctx := mediation.WithTargeting(r.Context(), mediation.Targeting{
			Device:  t.Device,
			Country: t.Country,
			Region:  t.Region,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
