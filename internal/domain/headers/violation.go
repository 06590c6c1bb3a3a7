package headers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
)

// ViolationKind distinguishes content-security from permissions-policy reports.
type ViolationKind string

const (
	ViolationCSP         ViolationKind = "csp"
	ViolationPermissions ViolationKind = "permissions-policy"
)

// Violation is a normalized policy violation report.
type Violation struct {
	Kind        ViolationKind `json:"kind"`
	DocumentURL string        `json:"document_url"`
	Directive   string        `json:"directive"`
	BlockedURL  string        `json:"blocked_url,omitempty"`
	SourceFile  string        `json:"source_file,omitempty"`
	LineNumber  int           `json:"line_number,omitempty"`
	Disposition string        `json:"disposition,omitempty"`
}

// ErrEmptyReport is returned when a report body carries no violations.
var ErrEmptyReport = errors.New("empty violation report")

type legacyCSPReport struct {
	Report *struct {
		DocumentURI        string `json:"document-uri"`
		ViolatedDirective  string `json:"violated-directive"`
		EffectiveDirective string `json:"effective-directive"`
		BlockedURI         string `json:"blocked-uri"`
		SourceFile         string `json:"source-file"`
		LineNumber         int    `json:"line-number"`
		Disposition        string `json:"disposition"`
	} `json:"csp-report"`
}

type reportingAPIReport struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	Body struct {
		DocumentURL        string `json:"documentURL"`
		EffectiveDirective string `json:"effectiveDirective"`
		BlockedURL         string `json:"blockedURL"`
		SourceFile         string `json:"sourceFile"`
		LineNumber         int    `json:"lineNumber"`
		Disposition        string `json:"disposition"`
		FeatureID          string `json:"featureId"`
	} `json:"body"`
}

// ParseViolationReport accepts a legacy CSP report object or a Reporting API
// array and returns the violations it contains. Unknown report types are skipped.
func ParseViolationReport(body []byte) ([]Violation, error) {
	var legacy legacyCSPReport
	if err := json.Unmarshal(body, &legacy); err == nil && legacy.Report != nil {
		r := legacy.Report
		directive := r.EffectiveDirective
		if directive == "" {
			directive = r.ViolatedDirective
		}
		return []Violation{{
			Kind:        ViolationCSP,
			DocumentURL: r.DocumentURI,
			Directive:   directive,
			BlockedURL:  r.BlockedURI,
			SourceFile:  r.SourceFile,
			LineNumber:  r.LineNumber,
			Disposition: r.Disposition,
		}}, nil
	}

	var reports []reportingAPIReport
	if err := json.Unmarshal(body, &reports); err != nil {
		return nil, fmt.Errorf("parse violation report: %w", err)
	}

	var out []Violation
	for _, r := range reports {
		doc := r.Body.DocumentURL
		if doc == "" {
			doc = r.URL
		}
		switch r.Type {
		case "csp-violation":
			out = append(out, Violation{
				Kind:        ViolationCSP,
				DocumentURL: doc,
				Directive:   r.Body.EffectiveDirective,
				BlockedURL:  r.Body.BlockedURL,
				SourceFile:  r.Body.SourceFile,
				LineNumber:  r.Body.LineNumber,
				Disposition: r.Body.Disposition,
			})
		case "permissions-policy-violation":
			out = append(out, Violation{
				Kind:        ViolationPermissions,
				DocumentURL: doc,
				Directive:   r.Body.FeatureID,
				SourceFile:  r.Body.SourceFile,
				LineNumber:  r.Body.LineNumber,
				Disposition: r.Body.Disposition,
			})
		}
	}
	if len(out) == 0 {
		return nil, ErrEmptyReport
	}
	return out, nil
}

// RecordViolation logs v as CSP_VIOLATION or FEATURE_POLICY_VIOLATION.
func (i *Injector) RecordViolation(ctx context.Context, v Violation) {
	typ := securitylog.TypeCSPViolation
	if v.Kind == ViolationPermissions {
		typ = securitylog.TypeFeaturePolicyViolation
	}
	i.log.Record(ctx, typ, fmt.Sprintf("%s violation: %s", v.Kind, v.Directive), map[string]any{
		"document_url": v.DocumentURL,
		"directive":    v.Directive,
		"blocked_url":  v.BlockedURL,
		"source_file":  v.SourceFile,
		"line_number":  v.LineNumber,
		"disposition":  v.Disposition,
	})
	i.logger.Warn("policy violation reported",
		"kind", v.Kind,
		"directive", v.Directive,
		"blocked_url", v.BlockedURL,
	)
}
