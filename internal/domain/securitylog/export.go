package securitylog

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Format is an export serialization format.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatYAML Format = "yaml"
)

// ParseFormat parses a format name, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatCSV, FormatYAML:
		return f, nil
	case "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatYAML:
		return "application/yaml"
	default:
		return "application/json"
	}
}

// Export is the structured export document.
type Export struct {
	ExportedAt time.Time           `json:"exported_at" yaml:"exported_at"`
	Summary    Summary             `json:"summary" yaml:"summary"`
	Logs       []LogEntry          `json:"logs" yaml:"logs"`
	Threats    []ThreatEntry       `json:"threats" yaml:"threats"`
	FailedAuth []FailedAuthAttempt `json:"failed_auth" yaml:"failed_auth"`
}

var csvHeader = []string{"kind", "id", "timestamp", "type", "severity", "session_id", "message", "details"}

// Export serializes the full log state in the given format.
func (l *Logger) Export(format Format) ([]byte, error) {
	summary := l.Summary()
	snap := l.Snapshot()
	doc := Export{
		ExportedAt: summary.GeneratedAt,
		Summary:    summary,
		Logs:       snap.Logs,
		Threats:    snap.Threats,
		FailedAuth: snap.FailedAuth,
	}

	switch format {
	case FormatJSON, "":
		return json.MarshalIndent(doc, "", "  ")
	case FormatYAML:
		return yaml.Marshal(doc)
	case FormatCSV:
		return exportCSV(doc)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// exportCSV flattens logs, threats and failed auth attempts into one table.
func exportCSV(doc Export) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}

	for _, e := range doc.Logs {
		if err := w.Write([]string{
			"log", e.ID, formatTime(e.Timestamp), string(e.Type), "",
			stringField(e.Metadata, MetaSessionID), e.Message, flatten(e.Metadata),
		}); err != nil {
			return nil, err
		}
	}
	for _, t := range doc.Threats {
		if err := w.Write([]string{
			"threat", t.ID, formatTime(t.Timestamp), string(t.Type), string(t.Severity),
			t.SessionID, "", flatten(t.Details),
		}); err != nil {
			return nil, err
		}
	}
	for _, a := range doc.FailedAuth {
		if err := w.Write([]string{
			"failed_auth", a.ID, formatTime(a.Timestamp), string(TypeLoginFailed), "",
			a.SessionID, a.Error,
			flatten(map[string]any{"credential": a.MaskedCredential, "store_context": a.StoreContext}),
		}); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// flatten renders a map as sorted key=value pairs separated by ';'.
func flatten(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, ";")
}
