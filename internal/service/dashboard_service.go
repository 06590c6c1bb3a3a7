package service

import (
	"time"

	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
	"github.com/Sentinel-Gate/posguard/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
	"github.com/Sentinel-Gate/posguard/internal/domain/session"
)

// HealthStatus is the overall system health shown on the dashboard.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthWarning  HealthStatus = "WARNING"
	HealthCritical HealthStatus = "CRITICAL"
)

// Health thresholds.
const (
	HealthThreatWindow   = time.Hour
	HealthErrorWindow    = 5 * time.Minute
	HealthErrorsWarning  = 5
	HealthErrorsCritical = 20
)

// DashboardLog is the read side of the security logger.
type DashboardLog interface {
	Summary() securitylog.Summary
	RecentThreats(window time.Duration) []securitylog.ThreatEntry
	CountErrors(window time.Duration) int
}

// LimiterView supplies the rate limiter state shown on the dashboard.
type LimiterView interface {
	RateLimitStatus() []ratelimit.Status
	BurstReport() ratelimit.BurstReport
}

// SuspiciousLister lists flagged sessions.
type SuspiciousLister interface {
	List() []session.Flag
}

// SystemHealth summarises recent errors and threats.
type SystemHealth struct {
	Status        HealthStatus `json:"status" yaml:"status"`
	RecentErrors  int          `json:"recent_errors" yaml:"recent_errors"`
	RecentThreats int          `json:"recent_threats" yaml:"recent_threats"`
}

// Dashboard is the complete status view.
type Dashboard struct {
	GeneratedAt        time.Time                 `json:"generated_at" yaml:"generated_at"`
	Summary            securitylog.Summary       `json:"summary" yaml:"summary"`
	RateLimitStatus    []ratelimit.Status        `json:"rate_limit_status" yaml:"rate_limit_status"`
	DDoSPatterns       ratelimit.BurstReport     `json:"ddos_patterns" yaml:"ddos_patterns"`
	SuspiciousSessions []session.Flag            `json:"suspicious_sessions" yaml:"suspicious_sessions"`
	RecentThreats      []securitylog.ThreatEntry `json:"recent_threats" yaml:"recent_threats"`
	SystemHealth       SystemHealth              `json:"system_health" yaml:"system_health"`
	Stats              *Stats                    `json:"stats,omitempty" yaml:"stats,omitempty"`
}

// DashboardService assembles the dashboard from the logger, the cached
// limiter state and the suspicious set.
type DashboardService struct {
	log        DashboardLog
	limiter    LimiterView
	suspicious SuspiciousLister
	stats      *StatsService
	clock      clock.Clock
}

// NewDashboardService creates a DashboardService. stats may be nil.
func NewDashboardService(log DashboardLog, limiter LimiterView, suspicious SuspiciousLister, stats *StatsService, clk clock.Clock) *DashboardService {
	if clk == nil {
		clk = clock.System{}
	}
	return &DashboardService{
		log:        log,
		limiter:    limiter,
		suspicious: suspicious,
		stats:      stats,
		clock:      clk,
	}
}

// GetDashboard returns the current dashboard.
func (s *DashboardService) GetDashboard() Dashboard {
	threats := s.log.RecentThreats(HealthThreatWindow)
	d := Dashboard{
		GeneratedAt:        s.clock.Now(),
		Summary:            s.log.Summary(),
		RateLimitStatus:    s.limiter.RateLimitStatus(),
		DDoSPatterns:       s.limiter.BurstReport(),
		SuspiciousSessions: s.suspicious.List(),
		RecentThreats:      threats,
		SystemHealth:       s.health(threats),
	}
	if s.stats != nil {
		st := s.stats.GetStats()
		d.Stats = &st
	}
	return d
}

// Health returns only the system health block.
func (s *DashboardService) Health() SystemHealth {
	return s.health(s.log.RecentThreats(HealthThreatWindow))
}

func (s *DashboardService) health(threats []securitylog.ThreatEntry) SystemHealth {
	errs := s.log.CountErrors(HealthErrorWindow)
	critical := 0
	for _, th := range threats {
		if th.Severity == securitylog.SeverityCritical {
			critical++
		}
	}

	h := SystemHealth{
		Status:        HealthHealthy,
		RecentErrors:  errs,
		RecentThreats: len(threats),
	}
	switch {
	case critical > 0 || errs > HealthErrorsCritical:
		h.Status = HealthCritical
	case len(threats) > 0 || errs > HealthErrorsWarning:
		h.Status = HealthWarning
	}
	return h
}
