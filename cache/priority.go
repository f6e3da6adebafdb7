package cache

import (
	"strings"

	"go.trai.ch/zerr"
)

// ErrInvalidPriority is returned by ParsePriority for unknown names.
var ErrInvalidPriority = zerr.New("invalid priority, expected 'low', 'medium' or 'high'")

// Priority is an advisory eviction hint. Lower priorities are evicted first
// by the default policy.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority maps "low", "medium" and "high" (case-insensitive) to a
// Priority. An empty string yields PriorityMedium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	default:
		return PriorityMedium, zerr.With(ErrInvalidPriority, "priority", s)
	}
}
