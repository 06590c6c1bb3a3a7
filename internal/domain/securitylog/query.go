package securitylog

import (
	"sort"
	"time"
)

// RecentCalls returns log entries recorded within the trailing window.
func (l *Logger) RecentCalls(window time.Duration) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return since(l.logs, l.clock.Now().Add(-window), func(e LogEntry) time.Time { return e.Timestamp })
}

// RecentThreats returns threats recorded within the trailing window.
func (l *Logger) RecentThreats(window time.Duration) []ThreatEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return since(l.threats, l.clock.Now().Add(-window), func(e ThreatEntry) time.Time { return e.Timestamp })
}

// FailedAuthAttempts returns failed logins recorded within the trailing window.
func (l *Logger) FailedAuthAttempts(window time.Duration) []FailedAuthAttempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	return since(l.failed, l.clock.Now().Add(-window), func(a FailedAuthAttempt) time.Time { return a.Timestamp })
}

// CountErrors returns the number of API_ERROR entries within the trailing window.
func (l *Logger) CountErrors(window time.Duration) int {
	n := 0
	for _, e := range l.RecentCalls(window) {
		if e.Type == TypeAPIError {
			n++
		}
	}
	return n
}

func since[T any](s []T, cutoff time.Time, at func(T) time.Time) []T {
	out := make([]T, 0)
	for _, v := range s {
		if !at(v).Before(cutoff) {
			out = append(out, v)
		}
	}
	return out
}

// Bucket is a call count over one time interval.
type Bucket struct {
	Start time.Time `json:"start" yaml:"start"`
	Count int       `json:"count" yaml:"count"`
}

// OperationCount is how often an operation was called.
type OperationCount struct {
	Operation string `json:"operation" yaml:"operation"`
	Count     int    `json:"count" yaml:"count"`
}

// Summary aggregates the log for dashboards.
type Summary struct {
	GeneratedAt       time.Time          `json:"generated_at" yaml:"generated_at"`
	TotalEntries      int                `json:"total_entries" yaml:"total_entries"`
	TotalCalls        int                `json:"total_calls" yaml:"total_calls"`
	TotalErrors       int                `json:"total_errors" yaml:"total_errors"`
	TotalThreats      int                `json:"total_threats" yaml:"total_threats"`
	TotalFailedAuth   int                `json:"total_failed_auth" yaml:"total_failed_auth"`
	Hourly            []Bucket           `json:"hourly" yaml:"hourly"`
	Daily             []Bucket           `json:"daily" yaml:"daily"`
	TopOperations     []OperationCount   `json:"top_operations" yaml:"top_operations"`
	ThreatsByType     map[ThreatType]int `json:"threats_by_type" yaml:"threats_by_type"`
	ThreatsBySeverity map[Severity]int   `json:"threats_by_severity" yaml:"threats_by_severity"`
}

const (
	summaryHours  = 24
	summaryDays   = 7
	topOperations = 10
)

// Summary computes dashboard aggregates. Calls are API_CALL and API_ERROR
// entries; hourly buckets cover the last 24 clock hours and daily buckets the
// last 7 UTC days, oldest first.
func (l *Logger) Summary() Summary {
	l.mu.Lock()
	now := l.clock.Now()
	snap := l.snapshotLocked()
	l.mu.Unlock()

	s := Summary{
		GeneratedAt:       now,
		TotalEntries:      len(snap.Logs),
		TotalThreats:      len(snap.Threats),
		TotalFailedAuth:   len(snap.FailedAuth),
		Hourly:            make([]Bucket, summaryHours),
		Daily:             make([]Bucket, summaryDays),
		ThreatsByType:     make(map[ThreatType]int),
		ThreatsBySeverity: make(map[Severity]int),
	}

	hourStart := now.UTC().Truncate(time.Hour)
	firstHour := hourStart.Add(-(summaryHours - 1) * time.Hour)
	for i := range s.Hourly {
		s.Hourly[i].Start = firstHour.Add(time.Duration(i) * time.Hour)
	}
	y, m, d := now.UTC().Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	firstDay := dayStart.AddDate(0, 0, -(summaryDays - 1))
	for i := range s.Daily {
		s.Daily[i].Start = firstDay.AddDate(0, 0, i)
	}

	ops := make(map[string]int)
	for _, e := range snap.Logs {
		if e.Type != TypeAPICall && e.Type != TypeAPIError {
			continue
		}
		s.TotalCalls++
		if e.Type == TypeAPIError {
			s.TotalErrors++
		}
		if op := e.Operation(); op != "" {
			ops[op]++
		}

		ts := e.Timestamp.UTC()
		if !ts.Before(firstHour) && ts.Before(hourStart.Add(time.Hour)) {
			s.Hourly[int(ts.Sub(firstHour)/time.Hour)].Count++
		}
		if !ts.Before(firstDay) && ts.Before(dayStart.AddDate(0, 0, 1)) {
			ty, tm, td := ts.Date()
			day := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
			s.Daily[int(day.Sub(firstDay).Hours()/24)].Count++
		}
	}

	for _, t := range snap.Threats {
		s.ThreatsByType[t.Type]++
		s.ThreatsBySeverity[t.Severity]++
	}

	s.TopOperations = make([]OperationCount, 0, len(ops))
	for op, n := range ops {
		s.TopOperations = append(s.TopOperations, OperationCount{Operation: op, Count: n})
	}
	sort.Slice(s.TopOperations, func(i, j int) bool {
		if s.TopOperations[i].Count != s.TopOperations[j].Count {
			return s.TopOperations[i].Count > s.TopOperations[j].Count
		}
		return s.TopOperations[i].Operation < s.TopOperations[j].Operation
	})
	if len(s.TopOperations) > topOperations {
		s.TopOperations = s.TopOperations[:topOperations]
	}
	return s
}
