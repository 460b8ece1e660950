package gateway

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/channels"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

var statusRank = map[string]int{
	statusHealthy:   0,
	statusDegraded:  1,
	statusUnhealthy: 2,
}

func worseStatus(a, b string) string {
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

// HealthCheck is one probe's verdict within a health report.
type HealthCheck struct {
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	Message   string  `json:"message,omitempty"`
	LatencyMS float64 `json:"latency_ms,omitempty"`
}

// HealthReport is the /api/health payload.
type HealthReport struct {
	Status        string                            `json:"status"`
	UptimeSeconds float64                           `json:"uptime_seconds"`
	Timestamp     string                            `json:"timestamp"`
	Channels      map[string]channels.ChannelStatus `json:"channels"`
	Checks        []HealthCheck                     `json:"checks"`
}

// checkHealth runs every probe and folds the results into one overall
// status: any unhealthy check makes the gateway unhealthy, any degraded
// check makes it degraded.
func (s *Server) checkHealth(ctx context.Context) HealthReport {
	checks := []HealthCheck{s.checkGateway()}
	checks = append(checks, s.checkChannels()...)
	checks = append(checks, s.checkAgent(ctx))
	checks = append(checks, s.checkStaging())

	overall := statusHealthy
	for _, c := range checks {
		overall = worseStatus(overall, c.Status)
	}

	return HealthReport{
		Status:        overall,
		UptimeSeconds: time.Since(s.started).Seconds(),
		Timestamp:     time.Now().Format(time.RFC3339),
		Channels:      s.manager.ListChannels(),
		Checks:        checks,
	}
}

func (s *Server) checkGateway() HealthCheck {
	if s.shuttingDown.Load() {
		return HealthCheck{Name: "gateway", Status: statusUnhealthy, Message: "Gateway is shutting down"}
	}
	return HealthCheck{Name: "gateway", Status: statusHealthy, Message: "Gateway running"}
}

// checkChannels reports one check per registered channel. A gateway
// with nothing registered can still serve the control plane, so that
// case is degraded rather than unhealthy.
func (s *Server) checkChannels() []HealthCheck {
	list := s.manager.ListChannels()
	if len(list) == 0 {
		return []HealthCheck{{Name: "channels", Status: statusDegraded, Message: "No channels registered"}}
	}

	keys := make([]string, 0, len(list))
	for key := range list {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	checks := make([]HealthCheck, 0, len(keys))
	for _, key := range keys {
		check := HealthCheck{Name: "channel:" + key}
		if list[key].Running {
			check.Status = statusHealthy
			check.Message = "Connected"
		} else {
			check.Status = statusUnhealthy
			check.Message = "Not running"
		}
		checks = append(checks, check)
	}
	return checks
}

func (s *Server) checkAgent(ctx context.Context) HealthCheck {
	if s.agent == nil {
		return HealthCheck{Name: "agent", Status: statusDegraded, Message: "Agent client not initialized"}
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	start := time.Now()
	if err := s.agent.Ping(ctx); err != nil {
		return HealthCheck{Name: "agent", Status: statusUnhealthy, Message: "Agent unreachable: " + err.Error()}
	}

	return HealthCheck{
		Name:      "agent",
		Status:    statusHealthy,
		Message:   fmt.Sprintf("Agent reachable, %d active sessions", s.bridge.ActiveSessionCount()),
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	}
}

// checkStaging verifies the attachment staging directory still exists.
// Losing it breaks media messages but not text flow, hence degraded.
func (s *Server) checkStaging() HealthCheck {
	if s.media == nil {
		return HealthCheck{Name: "staging", Status: statusDegraded, Message: "Attachment staging not configured"}
	}

	dir := s.media.Dir()
	info, err := os.Stat(dir)
	if err != nil {
		return HealthCheck{Name: "staging", Status: statusDegraded, Message: "Staging directory unavailable: " + err.Error()}
	}
	if !info.IsDir() {
		return HealthCheck{Name: "staging", Status: statusDegraded, Message: "Staging path is not a directory: " + dir}
	}
	return HealthCheck{Name: "staging", Status: statusHealthy, Message: "Staging directory available"}
}
