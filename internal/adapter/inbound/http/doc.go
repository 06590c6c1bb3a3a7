// Package http serves the administrative status surface of posguard.
//
// # Endpoints
//
//	GET  /health           - component health, no authentication
//	GET  /metrics          - Prometheus metrics, no authentication
//	POST /csp-report       - CSP and permissions-policy violation reports
//	GET  /api/dashboard    - security dashboard (basic auth)
//	GET  /api/export       - security log export, ?format=json|csv|yaml (basic auth)
//	POST /api/logout       - force a logout of the current session (basic auth)
//
// # Middleware Chain
//
// Requests pass through middleware in this order:
//
//  1. Recoverer - turns handler panics into 500 responses
//  2. RealIP - rewrites RemoteAddr from proxy headers
//  3. RequestIDMiddleware - extracts or generates X-Request-ID and enriches the logger
//  4. MetricsMiddleware - records duration and status per route
//  5. Policy - writes the response security headers
//  6. BasicAuth - admin credentials checked against an Argon2id hash (/api only)
//
// Violation reports are accepted without credentials because browsers send
// them unauthenticated; the body size is capped.
package http
