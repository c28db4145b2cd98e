package http

import (
	"context"
	"net/http"
	"time"

	"github.com/m-mizutani/flakewatch/pkg/domain/model"
	"github.com/m-mizutani/flakewatch/pkg/domain/types"
)

// HealthCheck checks one dependency of the service
type HealthCheck func(ctx context.Context) error

func handleHealth(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := &model.HealthStatus{
			Status:  model.HealthHealthy,
			Service: "flakewatch",
			Version: types.Version,
		}

		if len(checks) > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()

			status.Components = make(map[string]string, len(checks))
			for name, check := range checks {
				if err := check(ctx); err != nil {
					status.Status = model.HealthUnhealthy
					status.Components[name] = err.Error()
					continue
				}
				status.Components[name] = string(model.HealthHealthy)
			}
		}

		code := http.StatusOK
		if status.Status != model.HealthHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, r, code, status)
	}
}
