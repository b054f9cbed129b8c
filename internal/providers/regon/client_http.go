package regon

import (
	"context"
	"net/url"
	"time"

	"companyhub/internal/providers"
	"companyhub/pkg/domain"
)

// HTTPClient talks to a JSON gateway in front of the registry's SOAP service.
// The gateway owns session handling with the registry.
type HTTPClient struct {
	transport *providers.HTTPTransport
}

func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, opts ...providers.TransportOption) *HTTPClient {
	opts = append([]providers.TransportOption{providers.WithHeader("X-Api-Key", apiKey)}, opts...)
	return &HTTPClient{transport: providers.NewHTTPTransport(providers.Regon, baseURL, timeout, opts...)}
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

// Search returns the first directory hit, or nil when there is none.
func (c *HTTPClient) Search(ctx context.Context, nip domain.NIP) (*SearchResult, error) {
	var resp searchResponse
	if err := c.transport.GetJSON(ctx, "/search", url.Values{"nip": {nip.String()}}, &resp); err != nil {
		if providers.GetCategory(err) == providers.ErrorNotFound {
			return nil, nil
		}
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

type reportResponse struct {
	Data map[string]any `json:"data"`
}

func (c *HTTPClient) Report(ctx context.Context, regon, variant string) (map[string]any, error) {
	var resp reportResponse
	path := "/reports/" + url.PathEscape(variant)
	if err := c.transport.GetJSON(ctx, path, url.Values{"regon": {regon}}, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}
