// Package vies validates the entity's EU VAT registration through the
// Commission's VIES REST service.
package vies

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"companyhub/internal/providers"
	"companyhub/pkg/domain"
)

const countryCode = "PL"

type checkResponse struct {
	IsValid           bool   `json:"isValid"`
	RequestDate       string `json:"requestDate"`
	UserError         string `json:"userError"`
	Name              string `json:"name"`
	Address           string `json:"address"`
	RequestIdentifier string `json:"requestIdentifier"`
	VatNumber         string `json:"vatNumber"`
}

// Connector checks a Polish VAT number in VIES.
type Connector struct {
	transport *providers.HTTPTransport
}

func New(baseURL string, timeout time.Duration, opts ...providers.TransportOption) *Connector {
	return &Connector{transport: providers.NewHTTPTransport(providers.VIES, baseURL, timeout, opts...)}
}

func (c *Connector) Name() providers.Name {
	return providers.VIES
}

// Fetch maps VIES member-state errors onto the provider taxonomy. An invalid
// VAT number is a successful answer with valid=false, not a failure.
func (c *Connector) Fetch(ctx context.Context, nip domain.NIP) (*providers.RawResult, error) {
	var resp checkResponse
	if err := c.transport.GetJSON(ctx, "/ms/"+countryCode+"/vat/"+nip.String(), nil, &resp); err != nil {
		return nil, err
	}

	switch strings.ToUpper(resp.UserError) {
	case "", "VALID", "INVALID":
	case "MS_MAX_CONCURRENT_REQ", "GLOBAL_MAX_CONCURRENT_REQ":
		return nil, providers.NewRateLimitedError(providers.VIES, 0)
	case "TIMEOUT":
		return nil, providers.NewProviderError(providers.ErrorTimeout, providers.VIES, "member state timed out", nil)
	case "INVALID_INPUT":
		return nil, providers.NewProviderError(providers.ErrorBadData, providers.VIES, "vat number rejected as input", nil)
	default:
		return nil, providers.NewProviderError(providers.ErrorUpstream, providers.VIES, "member state unavailable: "+resp.UserError, nil)
	}

	payload, err := json.Marshal(map[string]any{
		"vat": map[string]any{
			"valid":        resp.IsValid,
			"country_code": countryCode,
			"vat_number":   nip.String(),
		},
		"registration": map[string]any{
			"name":                cleanDash(resp.Name),
			"address":             cleanDash(resp.Address),
			"request_date":        resp.RequestDate,
			"consultation_number": resp.RequestIdentifier,
		},
	})
	if err != nil {
		return nil, providers.NewProviderError(providers.ErrorBadData, providers.VIES, "encode payload", err)
	}
	return &providers.RawResult{Payload: payload}, nil
}

// VIES reports undisclosed trader details as "---".
func cleanDash(s string) string {
	s = strings.TrimSpace(s)
	if s == "---" {
		return ""
	}
	return s
}
