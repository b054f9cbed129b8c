package models

import (
	"time"

	dErrors "companyhub/pkg/domain-errors"
)

// Window is one cap over a sliding period, e.g. 120 calls per minute.
type Window struct {
	Limit  int
	Period time.Duration
}

// Label names the window in bucket keys, e.g. "1m0s".
func (w Window) Label() string {
	return w.Period.String()
}

// HourRange is an inclusive range of local wall-clock hours.
type HourRange struct {
	From int
	To   int
}

func (r HourRange) contains(hour int) bool {
	return hour >= r.From && hour <= r.To
}

// Band is a set of caps that applies during some hours of the day.
// A band with no hours is always active.
type Band struct {
	Name    string
	Hours   []HourRange
	Windows []Window
}

func (b Band) activeAt(hour int) bool {
	if len(b.Hours) == 0 {
		return true
	}
	for _, r := range b.Hours {
		if r.contains(hour) {
			return true
		}
	}
	return false
}

// Schedule picks the active band for a provider by local hour.
type Schedule struct {
	Bands []Band
}

// Always returns a schedule with a single always-active band.
// Non-positive limits are dropped, so an empty result means unlimited.
func Always(name string, windows ...Window) Schedule {
	kept := make([]Window, 0, len(windows))
	for _, w := range windows {
		if w.Limit > 0 && w.Period > 0 {
			kept = append(kept, w)
		}
	}
	return Schedule{Bands: []Band{{Name: name, Windows: kept}}}
}

// BandAt returns the first band active at hour. The zero Band means unlimited.
func (s Schedule) BandAt(hour int) Band {
	for _, b := range s.Bands {
		if b.activeAt(hour) {
			return b
		}
	}
	return Band{}
}

// Validate checks that every hour of the day resolves to exactly one band.
func (s Schedule) Validate() error {
	if len(s.Bands) == 0 {
		return dErrors.New(dErrors.CodeInvariantViolation, "schedule has no bands")
	}
	for hour := range 24 {
		matches := 0
		for _, b := range s.Bands {
			if b.activeAt(hour) {
				matches++
			}
		}
		if matches != 1 {
			return dErrors.New(dErrors.CodeInvariantViolation, "schedule bands must cover every hour exactly once")
		}
	}
	for _, b := range s.Bands {
		for _, w := range b.Windows {
			if w.Limit <= 0 || w.Period <= 0 {
				return dErrors.New(dErrors.CodeInvariantViolation, "band "+b.Name+" has a non-positive window")
			}
		}
	}
	return nil
}

// RegonSchedule is the registry's published time-of-day budget.
func RegonSchedule() Schedule {
	return Schedule{Bands: []Band{
		{
			Name:  "peak",
			Hours: []HourRange{{From: 8, To: 16}},
			Windows: []Window{
				{Limit: 3, Period: time.Second},
				{Limit: 120, Period: time.Minute},
				{Limit: 6000, Period: time.Hour},
			},
		},
		{
			Name:  "off_peak_1",
			Hours: []HourRange{{From: 6, To: 7}, {From: 17, To: 21}},
			Windows: []Window{
				{Limit: 3, Period: time.Second},
				{Limit: 150, Period: time.Minute},
				{Limit: 8000, Period: time.Hour},
			},
		},
		{
			Name:  "off_peak_2",
			Hours: []HourRange{{From: 22, To: 23}, {From: 0, To: 5}},
			Windows: []Window{
				{Limit: 4, Period: time.Second},
				{Limit: 200, Period: time.Minute},
				{Limit: 10000, Period: time.Hour},
			},
		},
	}}
}

// QuotaTier is a caller's budget class.
type QuotaTier string

const (
	QuotaTierFree    QuotaTier = "free"
	QuotaTierPremium QuotaTier = "premium"
	QuotaTierSystem  QuotaTier = "system"
)

// IsValid checks if the quota tier is one of the supported enum values.
func (t QuotaTier) IsValid() bool {
	switch t {
	case QuotaTierFree, QuotaTierPremium, QuotaTierSystem:
		return true
	}
	return false
}

// ParseQuotaTier validates a tier name.
func ParseQuotaTier(s string) (QuotaTier, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "quota tier cannot be empty")
	}
	t := QuotaTier(s)
	if !t.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid quota tier: must be 'free', 'premium' or 'system'")
	}
	return t, nil
}

// ParseInboundTier validates a tier sent by an outside caller. The system
// tier has no budget and is reserved for in-process jobs.
func ParseInboundTier(s string) (QuotaTier, error) {
	t, err := ParseQuotaTier(s)
	if err != nil {
		return "", err
	}
	if t == QuotaTierSystem {
		return "", dErrors.New(dErrors.CodeInvalidInput, "quota tier 'system' is reserved")
	}
	return t, nil
}

// Caller identifies who spends a tier budget.
type Caller struct {
	ID   string
	Tier QuotaTier
}

// Limit is one bucket checked by a store.
type Limit struct {
	Key    string
	Limit  int
	Window time.Duration
}

// RateLimitResult is the outcome of an atomic multi-bucket check.
type RateLimitResult struct {
	Allowed bool `json:"allowed"`
	// ResetAt is the latest reset among exhausted buckets. Zero when allowed.
	ResetAt time.Time `json:"reset_at"`
	// BlockedBy is the key of the bucket whose reset is ResetAt.
	BlockedBy string `json:"blocked_by,omitempty"`
}

// Reason explains a denial.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonProviderBudget Reason = "provider_budget"
	ReasonTierBudget     Reason = "tier_budget"
	ReasonPenalized      Reason = "upstream_penalty"
)

// Decision is the limiter's answer for one provider call.
type Decision struct {
	Allowed         bool
	NextAvailableAt time.Time
	Reason          Reason
	Band            string
}
