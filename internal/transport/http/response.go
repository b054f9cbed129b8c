package httptransport

import (
	"encoding/json"
	"time"

	"companyhub/internal/aggregator"
)

type providerResponse struct {
	Provider        string          `json:"provider"`
	Status          string          `json:"status"`
	Payload         json.RawMessage `json:"payload"`
	FetchedAt       *time.Time      `json:"fetched_at"`
	NextAvailableAt *time.Time      `json:"next_available_at"`
	Stale           bool            `json:"stale"`
	Error           string          `json:"error,omitempty"`
	ReportVariant   string          `json:"report_variant,omitempty"`
	Disposition     string          `json:"disposition,omitempty"`
}

// CompanyResponse is the body of GET /v1/companies/{nip}.
type CompanyResponse struct {
	NIP             string             `json:"nip"`
	Disposition     string             `json:"disposition"`
	NextAvailableAt *time.Time         `json:"next_available_at"`
	ResolvedAt      time.Time          `json:"resolved_at"`
	Providers       []providerResponse `json:"providers"`
}

// FromResult converts an aggregator result to the wire shape.
func FromResult(res *aggregator.Result) CompanyResponse {
	out := CompanyResponse{
		NIP:             res.EntityID.String(),
		Disposition:     string(res.Disposition),
		NextAvailableAt: res.NextAvailableAt,
		ResolvedAt:      res.ResolvedAt,
		Providers:       make([]providerResponse, 0, len(res.Providers)),
	}
	for _, pr := range res.Providers {
		payload := pr.Payload
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		out.Providers = append(out.Providers, providerResponse{
			Provider:        pr.Provider.String(),
			Status:          string(pr.Status),
			Payload:         payload,
			FetchedAt:       pr.FetchedAt,
			NextAvailableAt: pr.NextAvailableAt,
			Stale:           pr.Stale,
			Error:           pr.Error,
			ReportVariant:   pr.ReportVariant,
			Disposition:     string(pr.Disposition),
		})
	}
	return out
}
