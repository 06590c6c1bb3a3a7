package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
	"github.com/Sentinel-Gate/posguard/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
	"github.com/Sentinel-Gate/posguard/internal/domain/session"
)

// SlowThreshold is the duration above which a SLOW_OPERATION advisory is logged.
const SlowThreshold = 5 * time.Second

// Limiter is the rate limiter used for the first pre-check.
type Limiter interface {
	Allow(category ratelimit.Category) ratelimit.Result
}

// EventLog receives call records, threats and failed logins.
type EventLog interface {
	Record(ctx context.Context, typ securitylog.EntryType, message string, metadata map[string]any) securitylog.LogEntry
	RecordThreat(ctx context.Context, in securitylog.ThreatInput) securitylog.ThreatEntry
	RecordFailedAuth(ctx context.Context, credential, storeContext, errMsg string) securitylog.FailedAuthAttempt
}

// SessionTracker supplies the session identifier and receives activity marks.
type SessionTracker interface {
	ID() string
	MarkActivity()
}

// StatsRecorder receives outcome counts.
type StatsRecorder interface {
	RecordAllow(category string)
	RecordDeny(code string)
	RecordError(category string)
}

// Deps are the collaborators a Pipeline needs.
type Deps struct {
	Limiter    Limiter
	Log        EventLog
	Tracker    SessionTracker
	Sessions   session.Accessor
	Suspicious *session.SuspiciousSet
	// Scope defaults to WorkerStoreScope.
	Scope ScopePolicy
	// Clock defaults to the system clock.
	Clock clock.Clock
}

// Pipeline runs the pre-checks, executes the operation and logs the outcome.
type Pipeline struct {
	deps      Deps
	logger    *slog.Logger
	scanner   *InputScanner
	frequency *FrequencyTracker
	metrics   *Metrics
	stats     StatsRecorder
	tracer    trace.Tracer

	safeOps       map[string]bool
	scanWrites    bool
	slowThreshold time.Duration
	freqThreshold int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSafeOperations marks read operations whose input scan is skipped.
func WithSafeOperations(names ...string) Option {
	return func(p *Pipeline) {
		for _, n := range names {
			p.safeOps[n] = true
		}
	}
}

// WithScanWrites enables the input scan for non-read operations.
func WithScanWrites(enabled bool) Option {
	return func(p *Pipeline) { p.scanWrites = enabled }
}

// WithSlowThreshold overrides the SLOW_OPERATION threshold.
func WithSlowThreshold(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.slowThreshold = d
		}
	}
}

// WithFrequencyThreshold overrides how many repeats per window are tolerated.
func WithFrequencyThreshold(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.freqThreshold = n
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithStats sets the outcome counter sink.
func WithStats(s StatsRecorder) Option {
	return func(p *Pipeline) { p.stats = s }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// New creates a Pipeline.
func New(deps Deps, logger *slog.Logger, opts ...Option) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Scope == nil {
		deps.Scope = WorkerStoreScope
	}
	if deps.Suspicious == nil {
		deps.Suspicious = session.NewSuspiciousSet()
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		deps:          deps,
		logger:        logger,
		scanner:       NewInputScanner(),
		frequency:     NewFrequencyTracker(FrequencyWindow),
		tracer:        otel.Tracer("github.com/Sentinel-Gate/posguard/pipeline"),
		safeOps:       make(map[string]bool),
		slowThreshold: SlowThreshold,
		freqThreshold: FrequencyThreshold,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Func is a wrapped backend call.
type Func func(ctx context.Context) (any, error)

// Run executes fn for op after the pre-checks pass. Pre-check failures return
// a *GuardError and fn is never called. Execution errors are logged,
// classified and returned unchanged.
func (p *Pipeline) Run(ctx context.Context, op Operation, fn Func) (any, error) {
	category := op.Category()
	ctx, span := p.tracer.Start(ctx, "posguard."+op.Name, trace.WithAttributes(
		attribute.String("posguard.operation", op.Name),
		attribute.String("posguard.category", string(category)),
	))
	defer span.End()

	if gerr := p.preCheck(ctx, op, category); gerr != nil {
		span.SetStatus(codes.Error, string(gerr.Code))
		span.SetAttributes(attribute.String("posguard.rejection", string(gerr.Code)))
		p.observeRejection(category, gerr)
		return nil, gerr
	}

	start := p.deps.Clock.Now()
	result, err := fn(ctx)
	elapsed := p.deps.Clock.Now().Sub(start)

	if p.metrics != nil {
		p.metrics.OperationDuration.WithLabelValues(string(category)).Observe(elapsed.Seconds())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend error")
		p.afterFailure(ctx, op, category, elapsed, err)
		return nil, err
	}

	p.afterSuccess(ctx, op, category, elapsed)
	return result, nil
}

// Wrap runs fn through p and returns its typed result.
func Wrap[T any](ctx context.Context, p *Pipeline, op Operation, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	res, err := p.Run(ctx, op, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, nil
	}
	return v, nil
}

func (p *Pipeline) preCheck(ctx context.Context, op Operation, category ratelimit.Category) *GuardError {
	// 1. Rate limit.
	if res := p.deps.Limiter.Allow(category); !res.Allowed {
		code := CodeRateLimitExceeded
		reason := "rate limit exceeded for category " + string(category)
		if category == ratelimit.CategoryAuth && res.Penalty != nil && res.Penalty.Forced {
			code = CodeAuthBlocked
			reason = res.Penalty.Reason
		}
		p.deps.Log.Record(ctx, securitylog.TypeRateLimitExceeded, reason, map[string]any{
			securitylog.MetaOperation: op.Name,
			"category":                string(category),
			"code":                    string(code),
			"retry_after_ms":          res.RetryAfter.Milliseconds(),
		})
		return &GuardError{Code: code, Operation: op.Name, Reason: reason, RetryAfter: res.RetryAfter}
	}

	sid := p.sessionID()
	now := p.deps.Clock.Now()

	// 2. Session validity for anything that is not a read.
	if !op.IsRead() {
		if err := session.ValidateID(sid, now); err != nil {
			return p.rejectSession(ctx, op, sid, err.Error())
		}
		if p.deps.Suspicious.Contains(sid) {
			return p.rejectSession(ctx, op, sid, "session flagged as suspicious")
		}
	}

	// 3. Input heuristics.
	if p.shouldScan(op) {
		if f, found := p.scanner.Scan(op.Args); found {
			reason := fmt.Sprintf("argument matched %s pattern", f.PatternName)
			p.deps.Log.Record(ctx, securitylog.TypeInvalidInput, reason, map[string]any{
				securitylog.MetaOperation: op.Name,
				"pattern":                 f.PatternName,
				"pattern_category":        f.PatternCategory,
				"matched":                 f.MatchedText,
			})
			return &GuardError{Code: CodeSuspiciousInput, Operation: op.Name, Reason: reason}
		}
	}

	// 4. Cross-cutting checks.
	if n := p.frequency.Observe(sid, op.Name, now); n > p.freqThreshold {
		p.recordThreat(ctx, securitylog.ThreatInput{
			Type:     securitylog.ThreatHighFrequency,
			Severity: securitylog.SeverityMedium,
			Details: map[string]any{
				"operation": op.Name,
				"count":     n,
				"window_ms": FrequencyWindow.Milliseconds(),
			},
		})
	}
	if p.deps.Suspicious.Contains(sid) {
		return p.rejectSession(ctx, op, sid, "session flagged as suspicious")
	}
	return p.checkScope(ctx, op)
}

func (p *Pipeline) checkScope(ctx context.Context, op Operation) *GuardError {
	targets := TargetStores(op.Args)
	if len(targets) == 0 {
		return nil
	}

	var role, assigned string
	if p.deps.Sessions != nil {
		if s, ok := p.deps.Sessions.Current(); ok {
			role, assigned = string(s.Role), s.StoreID
		}
	}

	for _, target := range targets {
		req := ScopeRequest{Role: role, AssignedStore: assigned, TargetStore: target, Operation: op.Name}
		allowed, err := p.deps.Scope.Allow(ctx, req)
		if err != nil {
			p.logger.Error("scope policy evaluation failed", "operation", op.Name, "error", err)
			allowed = false
		}
		if allowed {
			continue
		}
		p.recordThreat(ctx, securitylog.ThreatInput{
			Type:     securitylog.ThreatUnauthorizedStore,
			Severity: securitylog.SeverityHigh,
			Details: map[string]any{
				"operation":      op.Name,
				"role":           role,
				"assigned_store": assigned,
				"target_store":   target,
			},
		})
		return &GuardError{
			Code:      CodeUnauthorizedStoreAccess,
			Operation: op.Name,
			Reason:    fmt.Sprintf("store %q is outside the caller's scope", target),
		}
	}
	return nil
}

func (p *Pipeline) rejectSession(ctx context.Context, op Operation, sid, reason string) *GuardError {
	p.deps.Log.Record(ctx, securitylog.TypeInvalidSession, reason, map[string]any{
		securitylog.MetaOperation: op.Name,
		"rejected_session":        sid,
	})
	return &GuardError{Code: CodeInvalidSession, Operation: op.Name, Reason: reason}
}

func (p *Pipeline) shouldScan(op Operation) bool {
	if !op.IsRead() {
		return p.scanWrites
	}
	return !p.safeOps[op.Name]
}

func (p *Pipeline) afterSuccess(ctx context.Context, op Operation, category ratelimit.Category, elapsed time.Duration) {
	p.deps.Log.Record(ctx, securitylog.TypeAPICall, "operation succeeded", map[string]any{
		securitylog.MetaOperation: op.Name,
		"category":                string(category),
		"duration_ms":             elapsed.Milliseconds(),
	})
	if elapsed > p.slowThreshold {
		p.deps.Log.Record(ctx, securitylog.TypeSlowOperation, "operation exceeded slow threshold", map[string]any{
			securitylog.MetaOperation: op.Name,
			"duration_ms":             elapsed.Milliseconds(),
			"threshold_ms":            p.slowThreshold.Milliseconds(),
		})
	}
	if p.deps.Tracker != nil {
		p.deps.Tracker.MarkActivity()
	}

	if p.metrics != nil {
		p.metrics.OperationsTotal.WithLabelValues(string(category), outcomeSuccess).Inc()
	}
	if p.stats != nil {
		p.stats.RecordAllow(string(category))
	}
}

func (p *Pipeline) afterFailure(ctx context.Context, op Operation, category ratelimit.Category, elapsed time.Duration, err error) {
	p.deps.Log.Record(ctx, securitylog.TypeAPIError, err.Error(), map[string]any{
		securitylog.MetaOperation: op.Name,
		"category":                string(category),
		"duration_ms":             elapsed.Milliseconds(),
	})

	if c, ok := ClassifyError(op, err); ok {
		p.recordThreat(ctx, c.Threat)
		if c.FlagSession {
			sid := p.sessionID()
			p.deps.Suspicious.Add(sid, string(c.Threat.Type), p.deps.Clock.Now())
			p.logger.Warn("session flagged as suspicious", "session_id", sid, "operation", op.Name)
		}
	}

	// Only credential-bearing auth calls are login attempts; a failed
	// sign-out must not feed the brute-force threshold.
	if category == ratelimit.CategoryAuth {
		if cred := credentialOf(op.Args); cred != "" {
			p.deps.Log.RecordFailedAuth(ctx, cred, p.storeContext(op), err.Error())
		}
	}

	if p.metrics != nil {
		p.metrics.OperationsTotal.WithLabelValues(string(category), outcomeError).Inc()
	}
	if p.stats != nil {
		p.stats.RecordError(string(category))
	}
	p.logger.Debug("wrapped operation failed", "operation", op.Name, "error", err)
}

func (p *Pipeline) observeRejection(category ratelimit.Category, gerr *GuardError) {
	if p.metrics != nil {
		p.metrics.OperationsTotal.WithLabelValues(string(category), outcomeRejected).Inc()
		p.metrics.RejectionsTotal.WithLabelValues(string(gerr.Code)).Inc()
	}
	if p.stats != nil {
		p.stats.RecordDeny(string(gerr.Code))
	}
	p.logger.Info("operation rejected",
		"operation", gerr.Operation,
		"code", gerr.Code,
		"reason", gerr.Reason,
	)
}

func (p *Pipeline) recordThreat(ctx context.Context, in securitylog.ThreatInput) {
	p.deps.Log.RecordThreat(ctx, in)
	if p.metrics != nil {
		p.metrics.ThreatsTotal.WithLabelValues(string(in.Type), string(in.Severity)).Inc()
	}
}

func (p *Pipeline) sessionID() string {
	if p.deps.Tracker == nil {
		return ""
	}
	return p.deps.Tracker.ID()
}

// storeContext names the store an auth attempt was made against.
func (p *Pipeline) storeContext(op Operation) string {
	if targets := TargetStores(op.Args); len(targets) > 0 {
		return targets[0]
	}
	if p.deps.Sessions != nil {
		if s, ok := p.deps.Sessions.Current(); ok {
			return s.StoreID
		}
	}
	return ""
}

// FrequencyTracker exposes the repeat tracker so periodic loops can prune it.
func (p *Pipeline) FrequencyTracker() *FrequencyTracker {
	return p.frequency
}

// IsRejection reports whether err is a pre-execution rejection.
func IsRejection(err error) bool {
	var ge *GuardError
	return errors.As(err, &ge)
}
