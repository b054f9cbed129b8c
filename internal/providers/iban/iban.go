// Package iban enriches the entity's declared bank accounts with bank
// identification data.
package iban

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"

	"companyhub/internal/providers"
	"companyhub/pkg/domain"
)

type account struct {
	IBAN        string `json:"iban"`
	Valid       bool   `json:"valid"`
	BankName    string `json:"bank_name"`
	BIC         string `json:"bic"`
	BankCode    string `json:"bank_code"`
	CountryCode string `json:"country_code"`
}

type accountsResponse struct {
	Accounts []account `json:"accounts"`
}

// Connector queries the enrichment gateway for all accounts tied to a NIP.
type Connector struct {
	transport *providers.HTTPTransport
}

func New(baseURL, apiKey string, timeout time.Duration, opts ...providers.TransportOption) *Connector {
	opts = append([]providers.TransportOption{providers.WithHeader("X-Api-Key", apiKey)}, opts...)
	return &Connector{transport: providers.NewHTTPTransport(providers.IBAN, baseURL, timeout, opts...)}
}

func (c *Connector) Name() providers.Name {
	return providers.IBAN
}

func (c *Connector) Fetch(ctx context.Context, nip domain.NIP) (*providers.RawResult, error) {
	var resp accountsResponse
	path := "/v1/nip/" + url.PathEscape(nip.String()) + "/accounts"
	if err := c.transport.GetJSON(ctx, path, nil, &resp); err != nil {
		return nil, err
	}

	for i := range resp.Accounts {
		resp.Accounts[i].IBAN = strings.ToUpper(strings.ReplaceAll(resp.Accounts[i].IBAN, " ", ""))
	}
	sort.Slice(resp.Accounts, func(i, j int) bool { return resp.Accounts[i].IBAN < resp.Accounts[j].IBAN })

	out := make([]any, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		if a.IBAN == "" {
			continue
		}
		out = append(out, map[string]any{
			"account_number": a.IBAN,
			"valid":          a.Valid,
			"bank_name":      a.BankName,
			"bic":            strings.ToUpper(a.BIC),
			"bank_code":      a.BankCode,
			"country_code":   a.CountryCode,
		})
	}

	payload, err := json.Marshal(map[string]any{"bank_accounts": out})
	if err != nil {
		return nil, providers.NewProviderError(providers.ErrorBadData, providers.IBAN, "encode payload", err)
	}
	return &providers.RawResult{Payload: payload}, nil
}
