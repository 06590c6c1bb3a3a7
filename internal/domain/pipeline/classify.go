package pipeline

import (
	"regexp"

	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
)

var (
	sqlErrorPattern   = regexp.MustCompile(`(?i)(?:sql|syntax|injection)`)
	authzErrorPattern = regexp.MustCompile(`(?i)(?:permission|unauthori[sz]ed|forbidden)`)
	exfilErrorPattern = regexp.MustCompile(`(?i)(?:limit|time\s?out|timed\s+out)`)
)

// Classification is the threat derived from a failed operation.
type Classification struct {
	Threat securitylog.ThreatInput
	// FlagSession is true when the session must join the suspicious set.
	FlagSession bool
}

// ClassifyError maps an execution failure to a threat by its message.
// Checks run in order: injection vocabulary, authorization vocabulary, then
// limit/timeout vocabulary for reads only.
func ClassifyError(op Operation, err error) (Classification, bool) {
	if err == nil {
		return Classification{}, false
	}
	msg := err.Error()
	details := map[string]any{
		"operation": op.Name,
		"error":     msg,
	}

	switch {
	case sqlErrorPattern.MatchString(msg):
		return Classification{
			Threat: securitylog.ThreatInput{
				Type:     securitylog.ThreatSQLInjection,
				Severity: securitylog.SeverityCritical,
				Details:  details,
			},
			FlagSession: true,
		}, true
	case authzErrorPattern.MatchString(msg):
		return Classification{
			Threat: securitylog.ThreatInput{
				Type:     securitylog.ThreatAuthorizationBypass,
				Severity: securitylog.SeverityHigh,
				Details:  details,
			},
		}, true
	case op.IsRead() && exfilErrorPattern.MatchString(msg):
		return Classification{
			Threat: securitylog.ThreatInput{
				Type:     securitylog.ThreatDataExfiltration,
				Severity: securitylog.SeverityHigh,
				Details:  details,
			},
		}, true
	}
	return Classification{}, false
}
