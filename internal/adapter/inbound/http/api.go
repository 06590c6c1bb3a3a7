package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Sentinel-Gate/posguard/internal/domain/headers"
	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
	"github.com/Sentinel-Gate/posguard/internal/service"
)

// maxReportBytes caps violation report bodies.
const maxReportBytes = 64 << 10

// DashboardProvider builds the status dashboard.
type DashboardProvider interface {
	GetDashboard() service.Dashboard
}

// Exporter serializes the security log.
type Exporter interface {
	Export(format securitylog.Format) ([]byte, error)
}

// SessionTerminator ends the current session.
type SessionTerminator interface {
	Logout(ctx context.Context, reason string)
}

// TokenRefresher reissues the CSRF token when the client regains focus.
type TokenRefresher interface {
	OnForeground() (bool, error)
}

// ViolationRecorder logs a parsed policy violation.
type ViolationRecorder interface {
	RecordViolation(ctx context.Context, v headers.Violation)
}

// API holds the handlers of the status surface.
type API struct {
	dashboard  DashboardProvider
	exporter   Exporter
	sessions   SessionTerminator
	tokens     TokenRefresher
	violations ViolationRecorder
	metrics    *Metrics
	now        func() time.Time
}

// NewAPI creates the handlers. Any dependency may be nil; its endpoint then
// answers 503.
func NewAPI(dashboard DashboardProvider, exporter Exporter, sessions SessionTerminator, tokens TokenRefresher, violations ViolationRecorder) *API {
	return &API{
		dashboard:  dashboard,
		exporter:   exporter,
		sessions:   sessions,
		tokens:     tokens,
		violations: violations,
		now:        time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func unavailable(w http.ResponseWriter, what string) {
	http.Error(w, what+" not configured", http.StatusServiceUnavailable)
}

// Dashboard handles GET /api/dashboard.
func (a *API) Dashboard(w http.ResponseWriter, r *http.Request) {
	if a.dashboard == nil {
		unavailable(w, "dashboard")
		return
	}
	writeJSON(w, http.StatusOK, a.dashboard.GetDashboard())
}

// Export handles GET /api/export?format=json|csv|yaml.
func (a *API) Export(w http.ResponseWriter, r *http.Request) {
	if a.exporter == nil {
		unavailable(w, "export")
		return
	}
	format, err := securitylog.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := a.exporter.Export(format)
	if err != nil {
		LoggerFromContext(r.Context()).Error("export failed", "format", format, "error", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}

	name := fmt.Sprintf("posguard-security-log-%s.%s", a.now().UTC().Format("20060102T150405Z"), format)
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Logout handles POST /api/logout.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if a.sessions == nil {
		unavailable(w, "session monitor")
		return
	}
	a.sessions.Logout(r.Context(), service.LogoutUser)
	LoggerFromContext(r.Context()).Info("session logged out by admin")
	w.WriteHeader(http.StatusNoContent)
}

// Foreground handles POST /api/foreground, sent when the client window
// regains focus. A stale CSRF token is reissued.
func (a *API) Foreground(w http.ResponseWriter, r *http.Request) {
	if a.tokens == nil {
		unavailable(w, "token manager")
		return
	}
	reissued, err := a.tokens.OnForeground()
	if err != nil {
		LoggerFromContext(r.Context()).Error("foreground token refresh failed", "error", err)
		http.Error(w, "token refresh failed", http.StatusInternalServerError)
		return
	}
	if reissued {
		LoggerFromContext(r.Context()).Debug("csrf token reissued on foreground")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reissued": reissued})
}

// Report handles POST /csp-report. Both the legacy application/csp-report
// body and Reporting API arrays are accepted.
func (a *API) Report(w http.ResponseWriter, r *http.Request) {
	if a.violations == nil {
		unavailable(w, "violation reporting")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportBytes+1))
	if err != nil {
		http.Error(w, "read report", http.StatusBadRequest)
		return
	}
	if len(body) > maxReportBytes {
		http.Error(w, "report too large", http.StatusRequestEntityTooLarge)
		return
	}

	violations, err := headers.ParseViolationReport(body)
	switch {
	case errors.Is(err, headers.ErrEmptyReport):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		http.Error(w, "malformed report", http.StatusBadRequest)
		return
	}

	for _, v := range violations {
		a.violations.RecordViolation(r.Context(), v)
		if a.metrics != nil {
			a.metrics.ViolationReports.WithLabelValues(string(v.Kind)).Inc()
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
