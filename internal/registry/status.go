package registry

import (
	"fmt"
	"strings"
)

// Status is a worker health classification, ordered from worst to best.
type Status int32

const (
	StatusOffline Status = iota
	StatusUnhealthy
	StatusDegraded
	StatusHealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "HEALTHY"
	case StatusDegraded:
		return "DEGRADED"
	case StatusUnhealthy:
		return "UNHEALTHY"
	default:
		return "OFFLINE"
	}
}

// Score maps the status onto the 0-100 health score.
func (s Status) Score() int {
	switch s {
	case StatusHealthy:
		return 100
	case StatusDegraded:
		return 50
	case StatusUnhealthy:
		return 25
	default:
		return 0
	}
}

// Schedulable reports whether the scheduler may place work on the worker.
func (s Status) Schedulable() bool {
	return s == StatusHealthy || s == StatusDegraded
}

func ParseStatus(v string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "HEALTHY":
		return StatusHealthy, nil
	case "DEGRADED":
		return StatusDegraded, nil
	case "UNHEALTHY":
		return StatusUnhealthy, nil
	case "OFFLINE":
		return StatusOffline, nil
	}
	return StatusOffline, fmt.Errorf("unknown status %q", v)
}
