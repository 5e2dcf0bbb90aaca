package kv

import (
	"fmt"
	"time"
)

// Key layout shared by every engine implementation. Any compatible store may
// back these keys; the layout is part of the service contract.
//
//	rl:<bucket>:<stable-id>:{m,h}      sliding-window ordered sets
//	rl:ban:<bucket>:<ip>               progressive ban marker
//	rl:violations:<bucket>:<ip>        24h violation counter
//	rl:global:{m,h}                    global windows
//	challenge:<id>                     challenge -> identifier
//	challenge:active:<id>              active-challenge ordered set
//	llm:cost:{daily,hourly}:<date>     numeric spend totals
//	llm:tokens:{daily,hourly}:<date>   token hash {input, output}
//	llm:cost:recent:<stable-id>        cost-throttle window set
//	llm:cost:daily:<stable-id>:<date>  cost-throttle daily set
//	llm:throttle:<stable-id>           cost-throttle marker
//	admin:settings:abuse_prevention    JSON settings blob

// WindowKey returns the sliding-window set key for a bucket, stable
// identifier, and window suffix ("m" or "h").
func WindowKey(bucket, stableID, suffix string) string {
	return fmt.Sprintf("rl:%s:%s:%s", bucket, stableID, suffix)
}

// GlobalWindowKey returns the global window key for a suffix ("m" or "h").
func GlobalWindowKey(suffix string) string {
	return fmt.Sprintf("rl:global:%s", suffix)
}

// BanKey returns the progressive-ban key for an IP.
func BanKey(bucket, ip string) string {
	return fmt.Sprintf("rl:ban:%s:%s", bucket, ip)
}

// ViolationsKey returns the 24h violation-counter key for an IP.
func ViolationsKey(bucket, ip string) string {
	return fmt.Sprintf("rl:violations:%s:%s", bucket, ip)
}

// ChallengeKey returns the challenge -> identifier key.
func ChallengeKey(id string) string {
	return fmt.Sprintf("challenge:%s", id)
}

// ChallengeActiveKey returns the per-identifier active challenge set key.
func ChallengeActiveKey(identifier string) string {
	return fmt.Sprintf("challenge:active:%s", identifier)
}

// SpendCostKey returns the global cost counter key for a UTC period.
// period is "daily" or "hourly"; stamp is the formatted date or date-hour.
func SpendCostKey(period, stamp string) string {
	return fmt.Sprintf("llm:cost:%s:%s", period, stamp)
}

// SpendTokensKey returns the global token hash key for a UTC period.
func SpendTokensKey(period, stamp string) string {
	return fmt.Sprintf("llm:tokens:%s:%s", period, stamp)
}

// ThrottleWindowKey returns the recent-cost window set for an identifier.
func ThrottleWindowKey(stableID string) string {
	return fmt.Sprintf("llm:cost:recent:%s", stableID)
}

// ThrottleDailyKey returns the per-identifier daily cost set.
func ThrottleDailyKey(stableID string, day time.Time) string {
	return fmt.Sprintf("llm:cost:daily:%s:%s", stableID, day.UTC().Format("2006-01-02"))
}

// ThrottleMarkerKey returns the throttle marker key for an identifier.
func ThrottleMarkerKey(stableID string) string {
	return fmt.Sprintf("llm:throttle:%s", stableID)
}

// AlertMarkerKey returns the once-per-day marker for a spend alert
// threshold crossing.
func AlertMarkerKey(dayStamp string, threshold float64) string {
	return fmt.Sprintf("llm:alert:%s:%.2f", dayStamp, threshold)
}

// SettingsKey is the admin-managed abuse prevention settings blob.
const SettingsKey = "admin:settings:abuse_prevention"

// DayStamp formats a UTC date for daily counter keys.
func DayStamp(t time.Time) string { return t.UTC().Format("2006-01-02") }

// HourStamp formats a UTC date-hour for hourly counter keys.
func HourStamp(t time.Time) string { return t.UTC().Format("2006-01-02-15") }
