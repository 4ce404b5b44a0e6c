// Package priority maps finding severity onto the tracker's priority scale.
package priority

import "github.com/CosmoTheDev/ctrlscan-relay/models"

// Mapper is a pure severity to priority table. Default, when valid (1-4),
// replaces the Low fallback for INFO and unrecognised severities.
type Mapper struct {
	Default models.Priority
}

// New returns a Mapper with the given fallback. Out-of-range values are
// ignored.
func New(def int) Mapper {
	p := models.Priority(def)
	if !p.Valid() {
		p = models.PriorityNone
	}
	return Mapper{Default: p}
}

// Map returns the priority for sev.
func (m Mapper) Map(sev models.SeverityLevel) models.Priority {
	switch sev {
	case models.SeverityCritical, models.SeverityHigh:
		return models.PriorityUrgent
	case models.SeverityMedium:
		return models.PriorityHigh
	case models.SeverityLow:
		return models.PriorityMedium
	}
	if m.Default.Valid() {
		return m.Default
	}
	return models.PriorityLow
}
