package idempotency

import "time"

// Category classifies a task for TTL purposes. Each category carries a default
// lifetime for cached successful outcomes.
type Category string

const (
	CategoryDefault     Category = "default"
	CategoryCritical    Category = "critical"
	CategoryReport      Category = "report"
	CategoryEmail       Category = "email"
	CategoryMutation    Category = "mutation"
	CategoryMaintenance Category = "maintenance"
)

// ErrorTTLCap bounds the lifetime of cached failures regardless of the task's
// category. Errors age out quickly so a recovered dependency gets retried.
const ErrorTTLCap = time.Hour

// TTL returns the cached-result lifetime for the category.
func (c Category) TTL() time.Duration {
	switch c {
	case CategoryCritical:
		return 4 * time.Hour
	case CategoryReport:
		return 24 * time.Hour
	case CategoryEmail:
		return 2 * time.Hour
	case CategoryMutation:
		return 6 * time.Hour
	case CategoryMaintenance:
		return 12 * time.Hour
	default:
		return time.Hour
	}
}

// ErrorTTL returns the lifetime for a cached failure of this category: the
// category TTL capped at ErrorTTLCap.
func (c Category) ErrorTTL() time.Duration {
	ttl := c.TTL()
	if ttl > ErrorTTLCap {
		return ErrorTTLCap
	}
	return ttl
}

// ParseCategory converts a string to a Category. Unknown values fall back to
// CategoryDefault.
func ParseCategory(s string) Category {
	switch s {
	case "critical":
		return CategoryCritical
	case "report":
		return CategoryReport
	case "email":
		return CategoryEmail
	case "mutation":
		return CategoryMutation
	case "maintenance":
		return CategoryMaintenance
	default:
		return CategoryDefault
	}
}
