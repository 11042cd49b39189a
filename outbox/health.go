package outbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/craterlabs/tract/store"
)

// HealthStatus is the result of a health probe.
type HealthStatus int

const (
	Healthy HealthStatus = iota
	Degraded
	Unhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthReport carries the probe result and a human-readable detail.
type HealthReport struct {
	Status HealthStatus
	Detail string
}

// HealthCheck reports on outbox backlog. A backlog over the limit is
// degraded; more than three consecutive over-limit probes means the
// consumer side is likely down and the check turns unhealthy.
type HealthCheck struct {
	messages store.Repository[*Message]
	limit    int

	mu          sync.Mutex
	consecutive int
}

// NewHealthCheck builds a health check over the message repository. A
// limit of zero or below falls back to the configured default.
func NewHealthCheck(messages store.Repository[*Message], limit int) *HealthCheck {
	if limit <= 0 {
		limit = DefaultOptions().HealthyMessageLimit
	}
	return &HealthCheck{messages: messages, limit: limit}
}

// Check probes the current backlog. The probe counts server-side, so it
// stays cheap however deep the backlog gets.
func (h *HealthCheck) Check(ctx context.Context) (HealthReport, error) {
	n, err := h.messages.Count(ctx, store.All())
	if err != nil {
		return HealthReport{Status: Unhealthy, Detail: "message store unreachable"}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= int64(h.limit) {
		h.consecutive = 0
		return HealthReport{Status: Healthy}, nil
	}
	h.consecutive++
	detail := fmt.Sprintf("%d messages queued (limit %d)", n, h.limit)
	if h.consecutive > 3 {
		return HealthReport{Status: Unhealthy, Detail: detail}, nil
	}
	return HealthReport{Status: Degraded, Detail: detail}, nil
}
