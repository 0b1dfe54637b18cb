package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/ignite/campaign-engine/internal/pkg/httputil"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthHandler runs every check with a short deadline. Any failure turns
// the response into a 503.
func HealthHandler(checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := "healthy"
		code := http.StatusOK
		results := make(map[string]string, len(names))
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				results[name] = err.Error()
				status = "unhealthy"
				code = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		httputil.JSON(w, code, map[string]any{
			"status":    status,
			"checks":    results,
			"timestamp": time.Now().UTC(),
		})
	}
}
