package models

// Capability is a closed set of skills an agent can advertise and a
// task can require. Free-text skill strings from callers are parsed at
// registration time; anything unrecognized maps to CapabilityUnclassified
// so forward-compatible registrations are never rejected outright.
type Capability string

const (
	CapabilityAnalysis      Capability = "analysis"
	CapabilityGeneration    Capability = "generation"
	CapabilityValidation    Capability = "validation"
	CapabilityIntegration   Capability = "integration"
	CapabilityMonitoring    Capability = "monitoring"
	CapabilityDataProcessing Capability = "data_processing"
	CapabilityDeployment    Capability = "deployment"
	CapabilityCoordination  Capability = "coordination"
	CapabilityUnclassified  Capability = "unclassified"
)

// Valid returns true if the capability is a known value.
func (c Capability) Valid() bool {
	switch c {
	case CapabilityAnalysis, CapabilityGeneration, CapabilityValidation,
		CapabilityIntegration, CapabilityMonitoring, CapabilityDataProcessing,
		CapabilityDeployment, CapabilityCoordination, CapabilityUnclassified:
		return true
	default:
		return false
	}
}

// ParseCapability maps a raw skill string onto the closed capability
// set, falling back to CapabilityUnclassified.
func ParseCapability(raw string) Capability {
	c := Capability(raw)
	if c.Valid() {
		return c
	}
	return CapabilityUnclassified
}

// ParseCapabilities maps a slice of raw skill strings, dropping
// duplicates while preserving order.
func ParseCapabilities(raw []string) []Capability {
	seen := make(map[Capability]bool, len(raw))
	out := make([]Capability, 0, len(raw))
	for _, r := range raw {
		c := ParseCapability(r)
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
