package aggregator

import (
	"encoding/json"
	"slices"
	"time"

	"companyhub/internal/providers"
	"companyhub/internal/ratelimit/models"
	"companyhub/pkg/domain"
)

// Status is one provider's outcome within a response.
type Status string

const (
	StatusFresh       Status = "fresh"
	StatusCached      Status = "cached"
	StatusRateLimited Status = "rate_limited"
	StatusError       Status = "error"
	StatusNotFound    Status = "not_found"
)

// Disposition is the engine's verdict for the transport layer.
type Disposition string

const (
	DispositionSuccess        Disposition = "success"
	DispositionRateLimited    Disposition = "rate_limited"
	DispositionPartialFailure Disposition = "partial_failure"
)

// DispositionScope selects whether the verdict covers the whole request or
// each provider separately.
type DispositionScope string

const (
	ScopeRequest  DispositionScope = "request"
	ScopeProvider DispositionScope = "provider"
)

func (s DispositionScope) IsValid() bool {
	return s == ScopeRequest || s == ScopeProvider
}

// Request is one logical lookup.
type Request struct {
	EntityID domain.NIP
	// Providers to query; empty means every registered provider.
	Providers []providers.Name
	// ForceRefresh lists providers whose fresh snapshots are ignored.
	ForceRefresh []providers.Name
	// AllowPartial accepts rate-limited or failed providers as a success.
	AllowPartial bool
	Caller       models.Caller
}

func (r Request) forced(p providers.Name) bool {
	return slices.Contains(r.ForceRefresh, p)
}

// ProviderResult carries the best available data for one provider.
type ProviderResult struct {
	Provider        providers.Name  `json:"provider"`
	Status          Status          `json:"status"`
	Payload         json.RawMessage `json:"payload"`
	FetchedAt       *time.Time      `json:"fetched_at"`
	NextAvailableAt *time.Time      `json:"next_available_at"`
	Stale           bool            `json:"stale"`
	Error           string          `json:"error,omitempty"`
	ReportVariant   string          `json:"report_variant,omitempty"`
	// Disposition is set only when the verdict is scoped per provider.
	Disposition Disposition `json:"disposition,omitempty"`
}

// Result is the composed answer to a Request.
type Result struct {
	EntityID    domain.NIP       `json:"entity_id"`
	Providers   []ProviderResult `json:"providers"`
	Disposition Disposition      `json:"disposition"`
	// NextAvailableAt is the latest retry time among rate-limited providers.
	NextAvailableAt *time.Time `json:"next_available_at"`
	ResolvedAt      time.Time  `json:"resolved_at"`
}

// Provider returns the entry for p, if requested.
func (r *Result) Provider(p providers.Name) (ProviderResult, bool) {
	for _, pr := range r.Providers {
		if pr.Provider == p {
			return pr, true
		}
	}
	return ProviderResult{}, false
}

// verdict classifies a set of outcomes; all fresh, cached or not_found is a
// success, and opting in to partial results turns any other mix into one.
func verdict(results []ProviderResult, allowPartial bool) Disposition {
	if allowPartial {
		return DispositionSuccess
	}
	var limited, failed bool
	for _, r := range results {
		switch r.Status {
		case StatusRateLimited:
			limited = true
		case StatusError:
			failed = true
		}
	}
	switch {
	case limited:
		return DispositionRateLimited
	case failed:
		return DispositionPartialFailure
	}
	return DispositionSuccess
}

// compose fills in the dispositions according to scope.
func compose(res *Result, scope DispositionScope, allowPartial bool) {
	for _, pr := range res.Providers {
		if pr.Status == StatusRateLimited && pr.NextAvailableAt != nil {
			if res.NextAvailableAt == nil || pr.NextAvailableAt.After(*res.NextAvailableAt) {
				t := *pr.NextAvailableAt
				res.NextAvailableAt = &t
			}
		}
	}

	if scope != ScopeProvider {
		res.Disposition = verdict(res.Providers, allowPartial)
		return
	}

	// Per-provider verdicts; the request succeeds when any provider does.
	var limited, failed bool
	res.Disposition = ""
	for i := range res.Providers {
		d := verdict(res.Providers[i:i+1], allowPartial)
		res.Providers[i].Disposition = d
		switch d {
		case DispositionSuccess:
			res.Disposition = DispositionSuccess
		case DispositionRateLimited:
			limited = true
		case DispositionPartialFailure:
			failed = true
		}
	}
	if res.Disposition == DispositionSuccess || len(res.Providers) == 0 {
		res.Disposition = DispositionSuccess
		return
	}
	if limited {
		res.Disposition = DispositionRateLimited
		return
	}
	if failed {
		res.Disposition = DispositionPartialFailure
	}
}
