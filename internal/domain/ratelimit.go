package domain

import "time"

// WarningLevel describes how close the account is to its daily quota.
type WarningLevel string

const (
	WarningNormal   WarningLevel = "normal"
	WarningWarning  WarningLevel = "warning"
	WarningCritical WarningLevel = "critical"
)

// Warning thresholds as fractions of the daily limit remaining, inclusive.
const (
	criticalRemainingFraction = 0.05
	warningRemainingFraction  = 0.20
)

// RateLimitSnapshot is a read-only view of the rolling daily CRM write quota.
// It is advisory display state; the authoritative accept/reject decision is
// made by the orchestrator per dispatched contact.
type RateLimitSnapshot struct {
	DailyLimit    int          `json:"daily_limit"`
	RequestsToday int          `json:"requests_today"`
	Remaining     int          `json:"remaining"`
	ResetsAt      time.Time    `json:"resets_at"`
	WarningLevel  WarningLevel `json:"warning_level"`
}

// NewRateLimitSnapshot derives a snapshot from raw counters, clamping
// Remaining at zero and computing the warning level.
func NewRateLimitSnapshot(dailyLimit, requestsToday int, resetsAt time.Time) RateLimitSnapshot {
	remaining := dailyLimit - requestsToday
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitSnapshot{
		DailyLimit:    dailyLimit,
		RequestsToday: requestsToday,
		Remaining:     remaining,
		ResetsAt:      resetsAt,
		WarningLevel:  deriveWarningLevel(dailyLimit, remaining),
	}
}

func deriveWarningLevel(dailyLimit, remaining int) WarningLevel {
	if dailyLimit <= 0 {
		return WarningNormal
	}
	frac := float64(remaining) / float64(dailyLimit)
	switch {
	case frac <= criticalRemainingFraction:
		return WarningCritical
	case frac <= warningRemainingFraction:
		return WarningWarning
	default:
		return WarningNormal
	}
}
