package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	name string
	err  error
}

func (c *stubChecker) Name() string                    { return c.name }
func (c *stubChecker) Check(ctx context.Context) error { return c.err }

func TestRegistryAggregatesResults(t *testing.T) {
	reg := NewRegistry(
		&stubChecker{name: "alpha"},
		&stubChecker{name: "beta", err: errors.New("down")},
	)
	report := reg.Run(context.Background())

	assert.False(t, report.Healthy)
	require.Len(t, report.Checks, 2)
	assert.True(t, report.Checks[0].Healthy)
	assert.False(t, report.Checks[1].Healthy)
	assert.Equal(t, "down", report.Checks[1].Error)
}

func TestReadinessHandlerStatusCodes(t *testing.T) {
	healthy := NewRegistry(&stubChecker{name: "alpha"})
	rec := httptest.NewRecorder()
	healthy.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	unhealthy := NewRegistry(&stubChecker{name: "alpha", err: errors.New("down")})
	rec = httptest.NewRecorder()
	unhealthy.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.False(t, report.Healthy)
}

func TestLivenessAlwaysOK(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestObjectStoreCheckerReportsOpenCircuit(t *testing.T) {
	open := &ObjectStoreChecker{State: func() string { return "open" }}
	assert.Error(t, open.Check(context.Background()))

	closed := &ObjectStoreChecker{State: func() string { return "closed" }}
	assert.NoError(t, closed.Check(context.Background()))
}
