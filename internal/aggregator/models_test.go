package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVerdict(t *testing.T) {
	cases := []struct {
		name     string
		statuses []Status
		partial  bool
		want     Disposition
	}{
		{name: "all good", statuses: []Status{StatusFresh, StatusCached, StatusNotFound}, want: DispositionSuccess},
		{name: "rate limited", statuses: []Status{StatusFresh, StatusRateLimited}, want: DispositionRateLimited},
		{name: "error", statuses: []Status{StatusFresh, StatusError}, want: DispositionPartialFailure},
		{name: "rate limit wins over error", statuses: []Status{StatusError, StatusRateLimited}, want: DispositionRateLimited},
		{name: "opt-in", statuses: []Status{StatusError, StatusRateLimited}, partial: true, want: DispositionSuccess},
		{name: "empty", want: DispositionSuccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			results := make([]ProviderResult, len(tc.statuses))
			for i, st := range tc.statuses {
				results[i] = ProviderResult{Status: st}
			}
			assert.Equal(t, tc.want, verdict(results, tc.partial))
		})
	}
}

func TestComposeProviderScope(t *testing.T) {
	early := time.Date(2026, 3, 2, 9, 0, 1, 0, time.UTC)
	late := early.Add(time.Minute)

	res := &Result{Providers: []ProviderResult{
		{Provider: "regon", Status: StatusRateLimited, NextAvailableAt: &early},
		{Provider: "mf", Status: StatusFresh},
		{Provider: "vies", Status: StatusRateLimited, NextAvailableAt: &late},
	}}
	compose(res, ScopeProvider, false)

	assert.Equal(t, DispositionSuccess, res.Disposition)
	assert.Equal(t, DispositionRateLimited, res.Providers[0].Disposition)
	assert.Equal(t, DispositionSuccess, res.Providers[1].Disposition)
	assert.Equal(t, late, *res.NextAvailableAt)

	res = &Result{Providers: []ProviderResult{
		{Provider: "regon", Status: StatusError},
		{Provider: "mf", Status: StatusError},
	}}
	compose(res, ScopeProvider, false)
	assert.Equal(t, DispositionPartialFailure, res.Disposition)
}

func TestComposeRequestScopeLeavesEntriesUnset(t *testing.T) {
	res := &Result{Providers: []ProviderResult{{Provider: "mf", Status: StatusError}}}
	compose(res, ScopeRequest, false)
	assert.Equal(t, DispositionPartialFailure, res.Disposition)
	assert.Empty(t, res.Providers[0].Disposition)
}
