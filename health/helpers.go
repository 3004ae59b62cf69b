package health

import (
	"slices"
	"strings"
	"time"
)

func newStatus(component, status, message string) Status {
	return Status{
		Component: component,
		Healthy:   status == StatusHealthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy returns a healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StatusHealthy, message)
}

// NewUnhealthy returns an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StatusUnhealthy, message)
}

// NewDegraded returns a degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StatusDegraded, message)
}

// Aggregate combines sub-statuses: any unhealthy makes the whole unhealthy,
// otherwise any degraded makes it degraded. Sub-statuses are sorted by component.
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return NewHealthy(component, "nothing to check")
	}

	var unhealthy, degraded []string
	for _, sub := range subs {
		switch {
		case sub.IsUnhealthy():
			unhealthy = append(unhealthy, sub.Component)
		case sub.IsDegraded():
			degraded = append(degraded, sub.Component)
		}
	}

	var status Status
	switch {
	case len(unhealthy) > 0:
		slices.Sort(unhealthy)
		status = NewUnhealthy(component, "unhealthy: "+strings.Join(unhealthy, ", "))
	case len(degraded) > 0:
		slices.Sort(degraded)
		status = NewDegraded(component, "degraded: "+strings.Join(degraded, ", "))
	default:
		status = NewHealthy(component, "all checks passed")
	}

	status.SubStatuses = slices.Clone(subs)
	slices.SortFunc(status.SubStatuses, func(a, b Status) int { return strings.Compare(a.Component, b.Component) })
	return status
}
