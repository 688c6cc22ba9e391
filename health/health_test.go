package health_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-eventually/go-eventually-subscriptions/health"
)

func TestRegistry(t *testing.T) {
	registry := health.NewRegistry()

	status := registry.Check()
	assert.True(t, status.Healthy)
	assert.Empty(t, status.Reports)

	registry.ReportHealthy("projections")
	registry.ReportHealthy("reactions")
	assert.True(t, registry.Check().Healthy)

	boom := errors.New("connection reset")
	registry.ReportUnhealthy("reactions", boom)

	status = registry.Check()
	assert.False(t, status.Healthy)
	assert.Equal(t, []string{"reactions"}, status.Unhealthy())

	report, ok := registry.Get("reactions")
	require.True(t, ok)
	assert.False(t, report.Healthy)
	assert.ErrorIs(t, report.LastErr, boom)
	assert.False(t, report.UpdatedAt.IsZero())

	registry.ReportHealthy("reactions")

	report, ok = registry.Get("reactions")
	require.True(t, ok)
	assert.True(t, report.Healthy)
	assert.NoError(t, report.LastErr)

	registry.ReportUnhealthy("projections", boom)
	registry.Remove("projections")

	_, ok = registry.Get("projections")
	assert.False(t, ok)
	assert.True(t, registry.Check().Healthy)
}

func TestHandler(t *testing.T) {
	registry := health.NewRegistry()
	server := httptest.NewServer(health.Handler(registry))
	defer server.Close()

	type body struct {
		Healthy       bool `json:"healthy"`
		Subscriptions map[string]struct {
			Healthy bool   `json:"healthy"`
			Error   string `json:"error"`
		} `json:"subscriptions"`
	}

	get := func(t *testing.T) (int, body) {
		t.Helper()

		resp, err := http.Get(server.URL) //nolint:noctx // Test request.
		require.NoError(t, err)

		defer resp.Body.Close()

		var b body
		require.NoError(t, jsoniter.NewDecoder(resp.Body).Decode(&b))

		return resp.StatusCode, b
	}

	registry.ReportHealthy("projections")

	code, b := get(t)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, b.Healthy)
	assert.True(t, b.Subscriptions["projections"].Healthy)

	registry.ReportUnhealthy("projections", errors.New("dropped"))

	code, b = get(t)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, b.Healthy)
	assert.Equal(t, "dropped", b.Subscriptions["projections"].Error)
}
