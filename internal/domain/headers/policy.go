// Package headers decorates outbound backend requests with the anti-forgery
// token and hardening headers, and expresses the response-side security
// policy together with its violation reports.
package headers

import (
	"net/http"
	"sort"
	"strings"
)

// Directive is one Content-Security-Policy directive.
type Directive struct {
	Name    string
	Sources []string
}

// Policy is the response-side security policy, expressed once.
type Policy struct {
	CSP                []Directive
	FrameOptions       string
	ContentTypeOptions string
	ReferrerPolicy     string
	PermissionsPolicy  map[string]string
	// ReportURI receives CSP violation reports. Empty disables reporting.
	ReportURI string
}

// DefaultPolicy returns the policy for a POS client talking to backendOrigin.
func DefaultPolicy(backendOrigin, reportURI string) Policy {
	connect := []string{"'self'"}
	if backendOrigin != "" {
		connect = append(connect, backendOrigin, strings.Replace(backendOrigin, "https://", "wss://", 1))
	}
	return Policy{
		CSP: []Directive{
			{Name: "default-src", Sources: []string{"'self'"}},
			{Name: "script-src", Sources: []string{"'self'"}},
			{Name: "style-src", Sources: []string{"'self'", "'unsafe-inline'"}},
			{Name: "img-src", Sources: []string{"'self'", "data:", "blob:"}},
			{Name: "font-src", Sources: []string{"'self'", "data:"}},
			{Name: "connect-src", Sources: connect},
			{Name: "frame-ancestors", Sources: []string{"'none'"}},
			{Name: "base-uri", Sources: []string{"'self'"}},
			{Name: "form-action", Sources: []string{"'self'"}},
			{Name: "object-src", Sources: []string{"'none'"}},
		},
		FrameOptions:       "DENY",
		ContentTypeOptions: "nosniff",
		ReferrerPolicy:     "strict-origin-when-cross-origin",
		PermissionsPolicy: map[string]string{
			"camera":      "(self)",
			"microphone":  "()",
			"geolocation": "()",
			"payment":     "(self)",
			"usb":         "()",
		},
		ReportURI: reportURI,
	}
}

// CSPHeader renders the Content-Security-Policy value.
func (p Policy) CSPHeader() string {
	parts := make([]string, 0, len(p.CSP)+1)
	for _, d := range p.CSP {
		if len(d.Sources) == 0 {
			parts = append(parts, d.Name)
			continue
		}
		parts = append(parts, d.Name+" "+strings.Join(d.Sources, " "))
	}
	if p.ReportURI != "" {
		parts = append(parts, "report-uri "+p.ReportURI)
	}
	return strings.Join(parts, "; ")
}

// PermissionsHeader renders the Permissions-Policy value in sorted feature order.
func (p Policy) PermissionsHeader() string {
	features := make([]string, 0, len(p.PermissionsPolicy))
	for f := range p.PermissionsPolicy {
		features = append(features, f)
	}
	sort.Strings(features)

	parts := make([]string, 0, len(features))
	for _, f := range features {
		parts = append(parts, f+"="+p.PermissionsPolicy[f])
	}
	return strings.Join(parts, ", ")
}

// ApplyResponse writes the policy headers to h.
func (p Policy) ApplyResponse(h http.Header) {
	if csp := p.CSPHeader(); csp != "" {
		h.Set("Content-Security-Policy", csp)
	}
	if p.FrameOptions != "" {
		h.Set("X-Frame-Options", p.FrameOptions)
	}
	if p.ContentTypeOptions != "" {
		h.Set("X-Content-Type-Options", p.ContentTypeOptions)
	}
	if p.ReferrerPolicy != "" {
		h.Set("Referrer-Policy", p.ReferrerPolicy)
	}
	if pp := p.PermissionsHeader(); pp != "" {
		h.Set("Permissions-Policy", pp)
	}
}

// Middleware applies the policy to every response served by next.
func (p Policy) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.ApplyResponse(w.Header())
		next.ServeHTTP(w, r)
	})
}
