package service

import (
	"fmt"
	"time"

	"companyhub/internal/platform/config"
	"companyhub/internal/providers"
	"companyhub/internal/ratelimit/models"
)

// ConfigOptions translates service configuration into limiter options.
func ConfigOptions(rl config.RateLimit, p config.Providers) ([]Option, error) {
	loc, err := time.LoadLocation(rl.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load rate limit timezone %q: %w", rl.Timezone, err)
	}

	perSecond := func(n int) models.Window {
		return models.Window{Limit: n, Period: time.Second}
	}
	perHour := func(n int) []models.Window {
		if n <= 0 {
			return nil
		}
		return []models.Window{{Limit: n, Period: time.Hour}}
	}

	return []Option{
		WithLocation(loc),
		WithSchedule(providers.Regon, models.RegonSchedule()),
		WithSchedule(providers.MF, models.Always("default", perSecond(p.MF.PerSecond))),
		WithSchedule(providers.VIES, models.Always("default", perSecond(p.VIES.PerSecond))),
		WithSchedule(providers.IBAN, models.Always("default", perSecond(p.IBAN.PerSecond))),
		WithTierBudget(models.QuotaTierFree, perHour(rl.FreePerHour)...),
		WithTierBudget(models.QuotaTierPremium, perHour(rl.PremiumPerHour)...),
		WithTierBudget(models.QuotaTierSystem),
	}, nil
}
