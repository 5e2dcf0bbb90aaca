// Package spend enforces the global LLM budget: pre-flight reservation
// against daily and hourly counters, post-hoc adjustment once the real
// cost is known, and threshold alerts. All counter mutations go through
// the atomic engine; this package only chooses keys and amounts.
package spend

import (
	"context"
	"fmt"
	"time"

	"knowledgehub/internal/config"
	"knowledgehub/internal/kv"
	"knowledgehub/internal/logging"
	"knowledgehub/internal/metrics"
)

// Rejection windows reported by Reserve.
const (
	WindowDaily  = "daily"
	WindowHourly = "hourly"
)

// alertMarkerTTL keeps a threshold-alert marker alive past its UTC day
// plus clock skew, without lingering into the day after next.
const alertMarkerTTL = 26 * time.Hour

// Reservation is the outcome of a pre-flight check.
type Reservation struct {
	// Allowed is false when a budget window would be exceeded.
	Allowed bool
	// Window names the exceeded window when rejected.
	Window string
	// Reserved is the buffered amount added to the counters; zero when
	// rejected or when the check failed open.
	Reserved float64
	// FailedOpen marks a reservation granted because the KV store errored.
	FailedOpen bool
	// Daily and Hourly are the counter totals observed by the check.
	Daily  float64
	Hourly float64
}

// Snapshot is the admin view of current spend state.
type Snapshot struct {
	DailyUSD     float64          `json:"daily_usd"`
	HourlyUSD    float64          `json:"hourly_usd"`
	DailyLimit   float64          `json:"daily_limit_usd"`
	HourlyLimit  float64          `json:"hourly_limit_usd"`
	DailyTokens  map[string]int64 `json:"daily_tokens"`
	HourlyTokens map[string]int64 `json:"hourly_tokens"`
}

// Ledger tracks global LLM spend.
type Ledger struct {
	engine kv.Engine
	cfg    config.SpendConfig
	now    func() time.Time
}

// NewLedger builds a ledger over the given engine.
func NewLedger(engine kv.Engine, cfg config.SpendConfig) *Ledger {
	return &Ledger{engine: engine, cfg: cfg, now: time.Now}
}

// Reserve runs the pre-flight check for an estimated cost. The amount
// actually reserved carries the configured buffer so concurrent callers
// see a pessimistic running total. KV errors fail open with zero reserved;
// the post-hoc adjustment still records the real cost.
func (l *Ledger) Reserve(ctx context.Context, estimatedCost float64) (Reservation, error) {
	buffered := estimatedCost * (1 + l.cfg.ReserveBufferPct)
	now := l.now()

	res, err := l.engine.CheckAndReserveSpend(ctx, kv.ReserveInput{
		DailyKey:     kv.SpendCostKey("daily", kv.DayStamp(now)),
		HourlyKey:    kv.SpendCostKey("hourly", kv.HourStamp(now)),
		BufferedCost: buffered,
		DailyLimit:   l.cfg.DailyLimitUSD,
		HourlyLimit:  l.cfg.HourlyLimitUSD,
		DailyTTL:     l.cfg.DailyTTL,
		HourlyTTL:    l.cfg.HourlyTTL,
	})
	if err != nil {
		logging.Spend("reserve failed open: %v", err)
		metrics.AdmissionFailOpen()
		return Reservation{Allowed: true, FailedOpen: true}, nil
	}

	switch res.Status {
	case kv.ReserveDailyExceed:
		metrics.SpendRejected(WindowDaily)
		return Reservation{Window: WindowDaily, Daily: res.Daily, Hourly: res.Hourly}, nil
	case kv.ReserveHourlyExceed:
		metrics.SpendRejected(WindowHourly)
		return Reservation{Window: WindowHourly, Daily: res.Daily, Hourly: res.Hourly}, nil
	}

	metrics.SpendReserved(buffered)
	l.checkAlerts(ctx, res.Daily)
	return Reservation{Allowed: true, Reserved: buffered, Daily: res.Daily, Hourly: res.Hourly}, nil
}

// Finalize applies the actual-minus-reserved correction and records token
// counts. Safe to call with a zero reservation (fail-open path); the full
// actual cost then lands as the delta.
func (l *Ledger) Finalize(ctx context.Context, r Reservation, actualCost float64, inputTokens, outputTokens int) error {
	now := l.now()
	delta := actualCost - r.Reserved

	err := l.engine.AdjustSpend(ctx, kv.AdjustInput{
		DailyCostKey:   kv.SpendCostKey("daily", kv.DayStamp(now)),
		HourlyCostKey:  kv.SpendCostKey("hourly", kv.HourStamp(now)),
		DailyTokenKey:  kv.SpendTokensKey("daily", kv.DayStamp(now)),
		HourlyTokenKey: kv.SpendTokensKey("hourly", kv.HourStamp(now)),
		CostDelta:      delta,
		InputTokens:    int64(inputTokens),
		OutputTokens:   int64(outputTokens),
		DailyTTL:       l.cfg.DailyTTL,
		HourlyTTL:      l.cfg.HourlyTTL,
	})
	if err != nil {
		return fmt.Errorf("spend adjustment: %w", err)
	}

	metrics.SpendActual(actualCost)
	metrics.GenerationTokens(inputTokens, outputTokens)
	logging.SpendDebug("finalized cost=%.6f reserved=%.6f delta=%+.6f tokens=%d/%d",
		actualCost, r.Reserved, delta, inputTokens, outputTokens)
	return nil
}

// Snapshot reads the current counters for admin inspection.
func (l *Ledger) Snapshot(ctx context.Context) (Snapshot, error) {
	now := l.now()

	daily, err := l.engine.GetFloat(ctx, kv.SpendCostKey("daily", kv.DayStamp(now)))
	if err != nil {
		return Snapshot{}, err
	}
	hourly, err := l.engine.GetFloat(ctx, kv.SpendCostKey("hourly", kv.HourStamp(now)))
	if err != nil {
		return Snapshot{}, err
	}
	dailyTok, err := l.engine.HGetAllInt(ctx, kv.SpendTokensKey("daily", kv.DayStamp(now)))
	if err != nil {
		return Snapshot{}, err
	}
	hourlyTok, err := l.engine.HGetAllInt(ctx, kv.SpendTokensKey("hourly", kv.HourStamp(now)))
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		DailyUSD:     daily,
		HourlyUSD:    hourly,
		DailyLimit:   l.cfg.DailyLimitUSD,
		HourlyLimit:  l.cfg.HourlyLimitUSD,
		DailyTokens:  dailyTok,
		HourlyTokens: hourlyTok,
	}, nil
}

// checkAlerts fires a best-effort alert the first time the daily total
// crosses each configured threshold fraction. A KV marker deduplicates per
// UTC day; the race between concurrent crossers is benign (at worst a
// duplicate alert).
func (l *Ledger) checkAlerts(ctx context.Context, dailyTotal float64) {
	day := kv.DayStamp(l.now())
	for _, threshold := range l.cfg.AlertThresholds {
		if dailyTotal < threshold*l.cfg.DailyLimitUSD {
			continue
		}
		marker := kv.AlertMarkerKey(day, threshold)
		if _, found, err := l.engine.Get(ctx, marker); err != nil || found {
			continue
		}
		if err := l.engine.Set(ctx, marker, "1", alertMarkerTTL); err != nil {
			continue
		}
		label := fmt.Sprintf("%.2f", threshold)
		metrics.SpendAlert(label)
		logging.Spend("daily spend %.4f crossed %s of limit %.2f", dailyTotal, label, l.cfg.DailyLimitUSD)
	}
}
