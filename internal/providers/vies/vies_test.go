package vies_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companyhub/internal/providers"
	"companyhub/internal/providers/vies"
	"companyhub/pkg/domain"
)

func TestConnectorFetch(t *testing.T) {
	responses := map[string]string{
		"/ms/PL/vat/1234567890": `{"isValid":true,"requestDate":"2025-03-10T10:00:00Z","userError":"VALID","name":"ACME","address":"UL. PROSTA 1","requestIdentifier":"WAPIAAAAW","vatNumber":"1234567890"}`,
		"/ms/PL/vat/5260250995": `{"isValid":false,"userError":"INVALID","name":"---","address":"---"}`,
		"/ms/PL/vat/1111111112": `{"isValid":false,"userError":"MS_MAX_CONCURRENT_REQ"}`,
		"/ms/PL/vat/2222222223": `{"isValid":false,"userError":"MS_UNAVAILABLE"}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := responses[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := vies.New(srv.URL, time.Second)
	ctx := context.Background()

	t.Run("valid registration", func(t *testing.T) {
		res, err := c.Fetch(ctx, domain.NIP("1234567890"))
		require.NoError(t, err)

		var payload map[string]map[string]any
		require.NoError(t, json.Unmarshal(res.Payload, &payload))
		assert.Equal(t, true, payload["vat"]["valid"])
		assert.Equal(t, "ACME", payload["registration"]["name"])
		assert.Equal(t, "WAPIAAAAW", payload["registration"]["consultation_number"])
	})

	t.Run("invalid number is still an answer", func(t *testing.T) {
		res, err := c.Fetch(ctx, domain.NIP("5260250995"))
		require.NoError(t, err)

		var payload map[string]map[string]any
		require.NoError(t, json.Unmarshal(res.Payload, &payload))
		assert.Equal(t, false, payload["vat"]["valid"])
		assert.Equal(t, "", payload["registration"]["name"])
	})

	t.Run("member state throttling", func(t *testing.T) {
		_, err := c.Fetch(ctx, domain.NIP("1111111112"))
		assert.Equal(t, providers.ErrorRateLimited, providers.GetCategory(err))
	})

	t.Run("member state unavailable", func(t *testing.T) {
		_, err := c.Fetch(ctx, domain.NIP("2222222223"))
		assert.Equal(t, providers.ErrorUpstream, providers.GetCategory(err))
	})
}
