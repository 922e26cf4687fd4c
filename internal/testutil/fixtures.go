// Package testutil builds enclosure API fixtures for tests.
package testutil

// FRU is one item as the enclosure API reports it.
type FRU = map[string]any

// NewFRU returns an OK FRU with the identifying fields every kind carries.
// Override fields with options.
func NewFRU(durableID string, opts ...func(FRU)) FRU {
	f := FRU{
		"durable-id":    durableID,
		"health":        "OK",
		"health-reason": "",
		"serial-number": "SN-" + durableID,
		"location":      "Enclosure 0 - Left",
		"position":      "Left",
		"status":        "Up",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithHealth sets health and health-reason.
func WithHealth(health, reason string) func(FRU) {
	return func(f FRU) {
		f["health"] = health
		f["health-reason"] = reason
	}
}

// Faulty marks the FRU as failed with reason.
func Faulty(reason string) func(FRU) {
	return WithHealth("Fault", reason)
}

// Missing marks the FRU as not installed.
func Missing() func(FRU) {
	return WithHealth("Fault", "PSU is not installed")
}

// WithField sets an arbitrary field.
func WithField(key string, value any) func(FRU) {
	return func(f FRU) { f[key] = value }
}

// WithoutID removes durable-id.
func WithoutID() func(FRU) {
	return func(f FRU) { delete(f, "durable-id") }
}
