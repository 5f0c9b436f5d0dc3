package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/tollgate-io/tollgate/internal/quota"
	"github.com/tollgate-io/tollgate/internal/storage"
)

const (
	warmEvery      = time.Minute
	warmTenantPage = 200
)

// UsageWarmer periodically recomputes today's usage aggregate for every
// tenant. The scan keeps the ledger's day index hot so the quota check on
// the request path stays a warm-page read, and surfaces tenants approaching
// their limits in the logs before they hit 429s.
type UsageWarmer struct {
	store interface {
		storage.TenantStore
		storage.UsageStore
	}
	logger *slog.Logger
	every  time.Duration
}

// NewUsageWarmer creates a UsageWarmer over the given store.
func NewUsageWarmer(store interface {
	storage.TenantStore
	storage.UsageStore
}, logger *slog.Logger) *UsageWarmer {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageWarmer{store: store, logger: logger, every: warmEvery}
}

// Run scans until ctx is cancelled.
func (w *UsageWarmer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.scan(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *UsageWarmer) scan(ctx context.Context) {
	day := quota.Day(time.Now())
	for offset := 0; ; offset += warmTenantPage {
		tenants, err := w.store.ListTenants(ctx, offset, warmTenantPage)
		if err != nil {
			w.logger.LogAttrs(ctx, slog.LevelWarn, "usage warm scan failed",
				slog.String("error", err.Error()))
			return
		}
		if len(tenants) == 0 {
			return
		}
		for _, t := range tenants {
			if t.TokenLimitPerDay == nil && t.SpendLimitPerDayUSD == nil {
				continue
			}
			tokens, cost, err := w.store.DailyUsage(ctx, t.ID, day)
			if err != nil {
				w.logger.LogAttrs(ctx, slog.LevelWarn, "daily usage read failed",
					slog.String("tenant", t.Name),
					slog.String("error", err.Error()))
				continue
			}
			if nearLimit(tokens, t.TokenLimitPerDay) || nearSpend(cost, t.SpendLimitPerDayUSD) {
				w.logger.LogAttrs(ctx, slog.LevelInfo, "tenant approaching daily limit",
					slog.String("tenant", t.Name),
					slog.Int64("tokens", tokens),
					slog.Float64("cost_usd", cost))
			}
		}
		if len(tenants) < warmTenantPage {
			return
		}
	}
}

func nearLimit(used int64, limit *int64) bool {
	return limit != nil && *limit > 0 && float64(used) >= 0.8*float64(*limit)
}

func nearSpend(used float64, limit *float64) bool {
	return limit != nil && *limit > 0 && used >= 0.8*(*limit)
}
