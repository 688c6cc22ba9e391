package health

import (
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

type reportResponse struct {
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type statusResponse struct {
	Healthy       bool                      `json:"healthy"`
	Subscriptions map[string]reportResponse `json:"subscriptions"`
}

// Handler returns an http.Handler writing the Registry status as JSON.
//
// The response status code is 200 when every subscription is healthy,
// 503 otherwise.
func Handler(registry *Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := registry.Check()

		response := statusResponse{
			Healthy:       status.Healthy,
			Subscriptions: make(map[string]reportResponse, len(status.Reports)),
		}

		for id, report := range status.Reports {
			rr := reportResponse{Healthy: report.Healthy, UpdatedAt: report.UpdatedAt}
			if report.LastErr != nil {
				rr.Error = report.LastErr.Error()
			}

			response.Subscriptions[id] = rr
		}

		code := http.StatusOK
		if !status.Healthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)

		_ = jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(response)
	})
}
