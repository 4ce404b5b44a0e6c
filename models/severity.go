package models

import (
	"strconv"
	"strings"
)

// SeverityLevel represents the severity of a security finding.
type SeverityLevel string

const (
	SeverityCritical SeverityLevel = "CRITICAL"
	SeverityHigh     SeverityLevel = "HIGH"
	SeverityMedium   SeverityLevel = "MEDIUM"
	SeverityLow      SeverityLevel = "LOW"
	SeverityInfo     SeverityLevel = "INFO"
	SeverityUnknown  SeverityLevel = "UNKNOWN"
)

// Weight returns a numeric weight for sorting (higher = more severe).
func (s SeverityLevel) Weight() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

func (s SeverityLevel) String() string {
	return string(s)
}

// AtLeast reports whether s is as severe as min. An empty min matches everything.
func (s SeverityLevel) AtLeast(min SeverityLevel) bool {
	if min == "" {
		return true
	}
	return s.Weight() >= min.Weight()
}

// MapSeverity normalises scanner-specific severity strings to SeverityLevel.
// Semgrep's rule levels (ERROR/WARNING/INFO) and its numeric webhook levels
// (1 low .. 4 critical) are both accepted.
func MapSeverity(raw string) SeverityLevel {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CRITICAL", "4":
		return SeverityCritical
	case "HIGH", "ERROR", "3":
		return SeverityHigh
	case "MEDIUM", "MODERATE", "WARNING", "2":
		return SeverityMedium
	case "LOW", "1":
		return SeverityLow
	case "INFO", "INFORMATIONAL", "NEGLIGIBLE":
		return SeverityInfo
	default:
		return SeverityUnknown
	}
}

// MapSeverityNumber maps Semgrep's integer webhook severity.
func MapSeverityNumber(n int) SeverityLevel {
	return MapSeverity(strconv.Itoa(n))
}
