package models

// Priority is the ticket tracker's priority scale (Linear semantics).
type Priority int

const (
	PriorityNone   Priority = 0
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityMedium Priority = 3
	PriorityLow    Priority = 4
)

// Valid reports whether p is one of the assignable priorities 1..4.
func (p Priority) Valid() bool {
	return p >= PriorityUrgent && p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "none"
	}
}
