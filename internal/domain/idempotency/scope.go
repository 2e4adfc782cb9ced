package idempotency

// Scope represents the partition boundary within which two otherwise-identical
// submissions are considered the same unit of work. Identical task name and
// arguments under different scopes produce different idempotency keys.
type Scope string

const (
	// ScopeGlobal deduplicates across the entire system.
	ScopeGlobal Scope = "global"

	// ScopeUser deduplicates per user; the user id is part of the key inputs.
	ScopeUser Scope = "user"

	// ScopeTenant deduplicates per tenant.
	ScopeTenant Scope = "tenant"

	// ScopeDevice deduplicates per device.
	ScopeDevice Scope = "device"
)

// String returns the string representation of the Scope.
func (s Scope) String() string { return string(s) }

// ParseScope converts a string to a Scope. Unknown values fall back to
// ScopeGlobal, the widest partition.
func ParseScope(s string) Scope {
	switch s {
	case "user":
		return ScopeUser
	case "tenant":
		return ScopeTenant
	case "device":
		return ScopeDevice
	default:
		return ScopeGlobal
	}
}
