package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companyhub/internal/aggregator"
	"companyhub/internal/platform/metrics"
	"companyhub/internal/providers"
	"companyhub/internal/ratelimit/models"
	"companyhub/pkg/platform/middleware/caller"
)

type resolverFunc func(ctx context.Context, req aggregator.Request) (*aggregator.Result, error)

func (f resolverFunc) Resolve(ctx context.Context, req aggregator.Request) (*aggregator.Result, error) {
	return f(ctx, req)
}

func newTestRouter(t *testing.T, resolve resolverFunc) http.Handler {
	t.Helper()
	return NewRouter(New(resolve, nil, false), RouterConfig{DefaultTier: "free"})
}

func serve(t *testing.T, h http.Handler, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGetCompanyBuildsRequest(t *testing.T) {
	var got aggregator.Request
	h := newTestRouter(t, func(_ context.Context, req aggregator.Request) (*aggregator.Result, error) {
		got = req
		fetched := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
		return &aggregator.Result{
			EntityID:    req.EntityID,
			Disposition: aggregator.DispositionSuccess,
			Providers: []aggregator.ProviderResult{
				{Provider: providers.MF, Status: aggregator.StatusFresh, Payload: json.RawMessage(`{"vat_status":{}}`), FetchedAt: &fetched},
				{Provider: providers.Regon, Status: aggregator.StatusNotFound},
			},
		}, nil
	})

	w := serve(t, h, "/v1/companies/PL123-456-78-90?providers=mf,Regon&refresh=mf&partial=allow", map[string]string{
		caller.IDHeader:   "acme",
		caller.TierHeader: "premium",
	})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "1234567890", got.EntityID.String())
	assert.Equal(t, []providers.Name{providers.MF, providers.Regon}, got.Providers)
	assert.Equal(t, []providers.Name{providers.MF}, got.ForceRefresh)
	assert.True(t, got.AllowPartial)
	assert.Equal(t, models.Caller{ID: "acme", Tier: models.QuotaTierPremium}, got.Caller)

	var body CompanyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "success", body.Disposition)
	require.Len(t, body.Providers, 2)
	assert.Equal(t, "fresh", body.Providers[0].Status)
	assert.Equal(t, "not_found", body.Providers[1].Status)
	assert.Equal(t, "null", string(body.Providers[1].Payload))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestGetCompanyRefreshAll(t *testing.T) {
	var got aggregator.Request
	h := newTestRouter(t, func(_ context.Context, req aggregator.Request) (*aggregator.Result, error) {
		got = req
		return &aggregator.Result{EntityID: req.EntityID, Disposition: aggregator.DispositionSuccess}, nil
	})

	w := serve(t, h, "/v1/companies/1234567890?refresh=all", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, providers.All, got.ForceRefresh)
	assert.Equal(t, models.QuotaTierFree, got.Caller.Tier)
	assert.False(t, got.AllowPartial)
}

func TestGetCompanyDispositionStatus(t *testing.T) {
	cases := []struct {
		disposition aggregator.Disposition
		status      int
	}{
		{aggregator.DispositionSuccess, http.StatusOK},
		{aggregator.DispositionRateLimited, http.StatusTooManyRequests},
		{aggregator.DispositionPartialFailure, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(string(tc.disposition), func(t *testing.T) {
			h := newTestRouter(t, func(ctx context.Context, req aggregator.Request) (*aggregator.Result, error) {
				res := &aggregator.Result{EntityID: req.EntityID, Disposition: tc.disposition}
				if tc.disposition == aggregator.DispositionRateLimited {
					next := time.Now().Add(90 * time.Second)
					res.NextAvailableAt = &next
				}
				return res, nil
			})
			w := serve(t, h, "/v1/companies/1234567890", nil)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusTooManyRequests {
				assert.Contains(t, []string{"90", "91"}, w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestGetCompanyRejectsBadInput(t *testing.T) {
	called := false
	h := newTestRouter(t, func(context.Context, aggregator.Request) (*aggregator.Result, error) {
		called = true
		return nil, errors.New("unreachable")
	})

	for _, target := range []string{
		"/v1/companies/12345",
		"/v1/companies/1111111111",
		"/v1/companies/1234567890?providers=krs",
		"/v1/companies/1234567890?refresh=krs",
	} {
		w := serve(t, h, target, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}

	w := serve(t, h, "/v1/companies/1234567890", map[string]string{caller.TierHeader: "gold"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, called)
}

func TestGetCompanyRejectsReservedTier(t *testing.T) {
	called := false
	h := newTestRouter(t, func(context.Context, aggregator.Request) (*aggregator.Result, error) {
		called = true
		return nil, errors.New("unreachable")
	})

	w := serve(t, h, "/v1/companies/1234567890", map[string]string{caller.TierHeader: "system"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "reserved")
	assert.False(t, called)
}

func TestStrictNIPChecksum(t *testing.T) {
	h := NewRouter(New(resolverFunc(func(_ context.Context, req aggregator.Request) (*aggregator.Result, error) {
		return &aggregator.Result{EntityID: req.EntityID, Disposition: aggregator.DispositionSuccess}, nil
	}), nil, true), RouterConfig{DefaultTier: "free"})

	assert.Equal(t, http.StatusBadRequest, serve(t, h, "/v1/companies/1234567890", nil).Code)
	assert.Equal(t, http.StatusOK, serve(t, h, "/v1/companies/5260250995", nil).Code)
}

func TestResolverFailureIsInternal(t *testing.T) {
	h := newTestRouter(t, func(context.Context, aggregator.Request) (*aggregator.Result, error) {
		return nil, errors.New("boom")
	})
	w := serve(t, h, "/v1/companies/1234567890", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.IncrementDisposition("success")

	healthy := true
	h := NewRouter(New(nil, nil, false), RouterConfig{
		DefaultTier: "free",
		Gatherer:    reg,
		Health: map[string]HealthCheck{
			"redis": func(context.Context) error {
				if healthy {
					return nil
				}
				return errors.New("connection refused")
			},
		},
	})

	assert.Equal(t, http.StatusOK, serve(t, h, "/healthz", nil).Code)
	healthy = false
	w := serve(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")

	w = serve(t, h, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "companyhub_")
}
