package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status, Timestamp: time.Now()}
	})
}

func TestCheckerFunc(t *testing.T) {
	checker := fixed("probe", StatusHealthy)

	assert.Equal(t, "probe", checker.Name())
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)
}

func TestRegistryCheck(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty registry is healthy", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			for i, s := range tt.statuses {
				registry.Register(fixed(string(rune('a'+i)), s))
			}

			health := registry.Check(context.Background())
			assert.Equal(t, tt.want, health.Status)
			assert.Len(t, health.Checks, len(tt.statuses))
		})
	}
}

func TestRegistryCheckTimeout(t *testing.T) {
	registry := NewRegistry()
	registry.Register(fixed("fast", StatusHealthy))
	registry.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return CheckResult{Name: "slow", Status: StatusHealthy}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	health := registry.Check(ctx)
	assert.Equal(t, StatusUnhealthy, health.Status)
	assert.Equal(t, "Check timed out", health.Checks["slow"].Message)
}

func TestRegistryReplaceAndMetadata(t *testing.T) {
	registry := NewRegistry()
	registry.Register(fixed("redis", StatusUnhealthy))
	registry.Register(fixed("redis", StatusHealthy))
	registry.SetMetadata("version", "1.2.3")

	health := registry.Check(context.Background())
	assert.Equal(t, StatusHealthy, health.Status)
	assert.Len(t, health.Checks, 1)
	assert.Equal(t, "1.2.3", health.Metadata["version"])

	// the report holds a copy
	registry.SetMetadata("version", "2.0.0")
	assert.Equal(t, "1.2.3", health.Metadata["version"])
}

func TestUnknownStatusRanksWorst(t *testing.T) {
	registry := NewRegistry()
	registry.Register(fixed("odd", Status("flaky")))

	assert.Equal(t, Status("flaky"), registry.Check(context.Background()).Status)
}

func TestHandler(t *testing.T) {
	t.Run("healthy is 200 with json body", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(fixed("rabbitmq", StatusHealthy))

		rec := httptest.NewRecorder()
		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, StatusHealthy, body.Status)
		assert.Contains(t, body.Checks, "rabbitmq")
	})

	t.Run("degraded is still 200", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(fixed("redis", StatusDegraded))

		rec := httptest.NewRecorder()
		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unhealthy is 503", func(t *testing.T) {
		registry := NewRegistry()
		registry.Register(fixed("rabbitmq", StatusUnhealthy))

		rec := httptest.NewRecorder()
		NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("rejects POST", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", rec.Body.String())
}
