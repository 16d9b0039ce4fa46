package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/privarion/privarion/internal/domain/audit"
	"github.com/privarion/privarion/internal/domain/auth"
	"github.com/privarion/privarion/internal/domain/condition"
	"github.com/privarion/privarion/internal/domain/grant"
	"github.com/privarion/privarion/internal/domain/profile"
	"github.com/privarion/privarion/internal/domain/rule"
	"github.com/privarion/privarion/internal/metrics"
	"github.com/privarion/privarion/internal/telemetry"
)

// Decision is the outcome of a permission request.
type Decision string

const (
	DecisionAllow                 Decision = "allow"
	DecisionDeny                  Decision = "deny"
	DecisionRequireUserConsent    Decision = "require_user_consent"
	DecisionRequireAuthentication Decision = "require_authentication"
	DecisionAllowTemporary        Decision = "allow_temporary"
	// DecisionInvalidRequest is returned for structurally invalid requests
	// (empty bundle identifier, unknown service). It is an outcome, not an
	// error: malformed input never aborts the engine.
	DecisionInvalidRequest Decision = "invalid_request"
)

// defaultGrantDuration applies when an allow_temporary rule has no duration.
const defaultGrantDuration = 5 * time.Minute

// ErrNoGrantLedger is returned by grant operations when no ledger is wired.
var ErrNoGrantLedger = errors.New("no grant ledger configured")

// PermissionRequest asks whether a bundle may use a service.
type PermissionRequest struct {
	BundleIdentifier string
	ServiceName      string
	RequestOrigin    string

	// Context carries optional event facts as strings. Recognized keys:
	// process_name, process_path, pid, file_path, file_op, host, port.
	Context map[string]string
}

// PermissionDecision is the full decision for one request.
type PermissionDecision struct {
	Decision        Decision
	Reason          string
	MatchedPolicies []string
	AppliedActions  []rule.ActionKind
	Severity        rule.Severity
	Confidence      float64
	EvaluationTime  time.Duration

	// ExpiresAt is set only for allow_temporary decisions.
	ExpiresAt *time.Time
}

// GrantIssuer is the ledger surface the façade needs.
type GrantIssuer interface {
	Grant(bundleIdentifier, serviceName string, duration time.Duration, reason, grantedBy string) grant.Result
	Revoke(id string) bool
	IsActive(bundleIdentifier, serviceName string) bool
	ActiveCount() int
}

// PermissionService is the decision façade: it validates requests, consults
// active grants, evaluates rules, maps matched actions to a decision, and
// emits audit and metrics. Decide never returns an error; every failure mode
// is a typed decision.
type PermissionService struct {
	engine   *RuleEngine
	profiles *ProfileService
	ledger   GrantIssuer
	auditor  *AuditService
	metrics  *metrics.Metrics
	otel     *telemetry.Provider
	cache    *DecisionCache

	knownServices map[string]struct{}
	operators     *auth.Registry
	logger        *slog.Logger
	now           func() time.Time
}

// PermissionOption configures PermissionService.
type PermissionOption func(*PermissionService)

// WithGrantLedger wires the temporary grant ledger.
func WithGrantLedger(l GrantIssuer) PermissionOption {
	return func(s *PermissionService) {
		s.ledger = l
	}
}

// WithAuditService wires the async audit trail.
func WithAuditService(a *AuditService) PermissionOption {
	return func(s *PermissionService) {
		s.auditor = a
	}
}

// WithMetrics wires Prometheus metrics.
func WithMetrics(m *metrics.Metrics) PermissionOption {
	return func(s *PermissionService) {
		s.metrics = m
	}
}

// WithTelemetry wires the OpenTelemetry provider.
func WithTelemetry(p *telemetry.Provider) PermissionOption {
	return func(s *PermissionService) {
		s.otel = p
	}
}

// WithKnownServices restricts accepted service names. Requests naming a
// service outside the set are invalid. An empty set accepts any name.
func WithKnownServices(services []string) PermissionOption {
	return func(s *PermissionService) {
		if len(services) == 0 {
			return
		}
		s.knownServices = make(map[string]struct{}, len(services))
		for _, svc := range services {
			s.knownServices[svc] = struct{}{}
		}
	}
}

// WithOperators wires the operator registry used to authenticate manual
// grant and revoke calls.
func WithOperators(r *auth.Registry) PermissionOption {
	return func(s *PermissionService) {
		s.operators = r
	}
}

// WithDecisionCacheSize sets the decision cache capacity.
func WithDecisionCacheSize(size int) PermissionOption {
	return func(s *PermissionService) {
		s.cache = NewDecisionCache(size)
	}
}

// WithDecisionClock overrides the time source, for tests.
func WithDecisionClock(now func() time.Time) PermissionOption {
	return func(s *PermissionService) {
		s.now = now
	}
}

// NewPermissionService creates the façade over a rule engine and profile
// service. The decision cache is dropped automatically whenever the rule
// set changes.
func NewPermissionService(engine *RuleEngine, profiles *ProfileService, logger *slog.Logger, opts ...PermissionOption) *PermissionService {
	s := &PermissionService{
		engine:   engine,
		profiles: profiles,
		cache:    NewDecisionCache(1000),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	engine.OnChange(s.cache.Clear)
	return s
}

// Decide evaluates a permission request. Invalid requests yield
// DecisionInvalidRequest; when no rule matches the request the decision
// defaults to DecisionAllow. Only rules restrict.
func (s *PermissionService) Decide(ctx context.Context, req PermissionRequest) PermissionDecision {
	var span oteltrace.Span
	if s.otel != nil {
		ctx, span = s.otel.Tracer.Start(ctx, "permission.decide")
		defer span.End()
	}

	decision := s.decide(ctx, req)

	if span != nil {
		span.SetAttributes(
			attribute.String("privarion.bundle_id", req.BundleIdentifier),
			attribute.String("privarion.service", req.ServiceName),
			attribute.String("privarion.decision", string(decision.Decision)),
		)
	}
	if s.metrics != nil {
		s.metrics.DecisionsTotal.WithLabelValues(string(decision.Decision)).Inc()
		if s.ledger != nil {
			s.metrics.ActiveGrants.Set(float64(s.ledger.ActiveCount()))
		}
	}
	s.emitAudit(req, decision)

	return decision
}

func (s *PermissionService) decide(ctx context.Context, req PermissionRequest) PermissionDecision {
	if req.BundleIdentifier == "" {
		return PermissionDecision{
			Decision:   DecisionInvalidRequest,
			Reason:     "bundle identifier is empty",
			Confidence: 1.0,
		}
	}
	if s.knownServices != nil {
		if _, ok := s.knownServices[req.ServiceName]; !ok {
			return PermissionDecision{
				Decision:   DecisionInvalidRequest,
				Reason:     "unknown service: " + req.ServiceName,
				Confidence: 1.0,
			}
		}
	}

	// An active grant short-circuits evaluation. Grant-derived decisions are
	// never cached: expiry is recomputed on every request.
	if s.ledger != nil && s.ledger.IsActive(req.BundleIdentifier, req.ServiceName) {
		return PermissionDecision{
			Decision:   DecisionAllow,
			Reason:     "active temporary grant",
			Confidence: 1.0,
		}
	}

	cacheKey := computeCacheKey(req.BundleIdentifier, req.ServiceName, req.RequestOrigin, req.Context)
	if cached, ok := s.cache.Get(cacheKey); ok {
		if s.metrics != nil {
			s.metrics.CacheHitsTotal.Inc()
		}
		return cached
	}

	result := s.engine.Evaluate(s.buildEvent(req))
	if s.metrics != nil {
		s.metrics.EvaluationDuration.Observe(result.EvaluationTime.Seconds())
	}
	if s.otel != nil {
		s.otel.EvalDuration.Record(ctx, float64(result.EvaluationTime)/float64(time.Millisecond))
	}

	decision, cacheable := s.mapResult(req, result)

	// Decisions produced through the grant path depend on ledger and clock
	// state (rate windows, expiry), so they bypass the cache both ways. Only
	// decisions derived purely from the rule set are cached.
	if cacheable {
		s.cache.Put(cacheKey, decision)
	}
	return decision
}

// mapResult turns an evaluation result into a decision and reports whether
// that decision may be cached. All matched rules contribute actions and
// severity; the decision itself comes from the highest-priority decisive
// action. Matching nothing, or matching only passive rules (log, alert),
// defaults to allow.
func (s *PermissionService) mapResult(req PermissionRequest, result rule.EvaluationResult) (PermissionDecision, bool) {
	if !result.Triggered {
		return PermissionDecision{
			Decision:       DecisionAllow,
			Reason:         "no matching rules",
			Severity:       result.Severity,
			Confidence:     1.0,
			EvaluationTime: result.EvaluationTime,
		}, true
	}

	decision := PermissionDecision{
		MatchedPolicies: result.MatchedRules,
		Severity:        result.Severity,
		EvaluationTime:  result.EvaluationTime,
	}
	for _, m := range result.Matches {
		decision.AppliedActions = append(decision.AppliedActions, m.Action.Kind)
	}

	decisive, ok := pickDecisive(result.Matches)
	if !ok {
		decision.Decision = DecisionAllow
		decision.Reason = "matched rules carry no decisive action"
		decision.Confidence = 0.8
		return decision, true
	}

	decision.Confidence = 1.0
	decision.Reason = "matched rule " + decisive.Name

	switch decisive.Action.Kind {
	case rule.ActionAllow:
		decision.Decision = DecisionAllow
	case rule.ActionRequireUserConsent:
		decision.Decision = DecisionRequireUserConsent
	case rule.ActionRequireAuthentication:
		decision.Decision = DecisionRequireAuthentication
	case rule.ActionAllowTemporary:
		return s.issueRuleGrant(req, decisive, decision), false
	default:
		// deny, block, isolate, terminate
		decision.Decision = DecisionDeny
	}
	return decision, true
}

// issueRuleGrant materializes the grant an allow_temporary rule asks for.
// A rate-limited or failed grant fails closed to deny.
func (s *PermissionService) issueRuleGrant(req PermissionRequest, decisive rule.Match, decision PermissionDecision) PermissionDecision {
	if s.ledger == nil {
		decision.Decision = DecisionDeny
		decision.Reason = "temporary grants unavailable"
		return decision
	}

	duration := decisive.Action.Duration
	if duration <= 0 {
		duration = defaultGrantDuration
	}

	res := s.ledger.Grant(req.BundleIdentifier, req.ServiceName, duration, "rule "+decisive.ID, "engine")
	switch res.Status {
	case grant.StatusGranted:
		decision.Decision = DecisionAllowTemporary
		expires := res.Grant.ExpiresAt
		decision.ExpiresAt = &expires
	case grant.StatusRateLimited:
		if s.metrics != nil {
			s.metrics.RateLimitedTotal.Inc()
		}
		decision.Decision = DecisionDeny
		decision.Reason = "grant rate limited: " + res.Reason
	default:
		decision.Decision = DecisionDeny
		decision.Reason = res.Reason
	}
	return decision
}

// pickDecisive returns the highest-priority match whose action decides the
// request. Ties keep the earliest match in store order.
func pickDecisive(matches []rule.Match) (rule.Match, bool) {
	var best rule.Match
	found := false
	for _, m := range matches {
		switch m.Action.Kind {
		case rule.ActionLog, rule.ActionAlert:
			continue
		}
		if !found || m.Priority > best.Priority {
			best = m
			found = true
		}
	}
	return best, found
}

// buildEvent maps a request onto the condition event facts.
func (s *PermissionService) buildEvent(req PermissionRequest) condition.Event {
	ev := condition.Event{
		BundleIdentifier: req.BundleIdentifier,
		ServiceName:      req.ServiceName,
		RequestOrigin:    req.RequestOrigin,
		Timestamp:        s.now(),
	}
	if req.Context == nil {
		return ev
	}
	ev.ProcessName = req.Context["process_name"]
	ev.ProcessPath = req.Context["process_path"]
	ev.FilePath = req.Context["file_path"]
	ev.FileOp = condition.FileOp(req.Context["file_op"])
	ev.Host = req.Context["host"]
	if v := req.Context["pid"]; v != "" {
		ev.PID, _ = strconv.Atoi(v)
	}
	if v := req.Context["port"]; v != "" {
		ev.Port, _ = strconv.Atoi(v)
	}
	return ev
}

// emitAudit hands the decision to the async audit trail. Fire and forget.
func (s *PermissionService) emitAudit(req PermissionRequest, decision PermissionDecision) {
	if s.auditor == nil {
		return
	}
	record := audit.Record{
		EventID:         uuid.New().String(),
		Timestamp:       s.now().UTC(),
		Subject:         req.BundleIdentifier,
		ServiceName:     req.ServiceName,
		Origin:          req.RequestOrigin,
		MatchedPolicies: decision.MatchedPolicies,
		Decision:        string(decision.Decision),
		Severity:        decision.Severity.String(),
		LatencyMs:       decision.EvaluationTime.Milliseconds(),
	}
	if len(decision.AppliedActions) > 0 {
		record.Action = string(decision.AppliedActions[0])
	}
	s.auditor.Record(record)
}

// GrantTemporary issues a manual grant on behalf of an authenticated
// operator. When an operator registry is configured the caller must present
// valid credentials; without a registry manual grants are open.
func (s *PermissionService) GrantTemporary(bundleIdentifier, serviceName string, duration time.Duration, reason, operatorName, operatorKey string) (grant.Result, error) {
	if s.ledger == nil {
		return grant.Result{}, ErrNoGrantLedger
	}
	grantedBy := operatorName
	if s.operators != nil && s.operators.Len() > 0 {
		if err := s.operators.Authenticate(operatorName, operatorKey); err != nil {
			return grant.Result{}, err
		}
	} else if grantedBy == "" {
		grantedBy = "operator"
	}

	res := s.ledger.Grant(bundleIdentifier, serviceName, duration, reason, grantedBy)
	if res.Status == grant.StatusRateLimited && s.metrics != nil {
		s.metrics.RateLimitedTotal.Inc()
	}
	if s.metrics != nil && s.ledger != nil {
		s.metrics.ActiveGrants.Set(float64(s.ledger.ActiveCount()))
	}
	return res, nil
}

// RevokeGrant revokes a grant by ID on behalf of an authenticated operator.
// Returns false for unknown or already-expired grants.
func (s *PermissionService) RevokeGrant(id, operatorName, operatorKey string) (bool, error) {
	if s.ledger == nil {
		return false, ErrNoGrantLedger
	}
	if s.operators != nil && s.operators.Len() > 0 {
		if err := s.operators.Authenticate(operatorName, operatorKey); err != nil {
			return false, err
		}
	}
	revoked := s.ledger.Revoke(id)
	if s.metrics != nil {
		s.metrics.ActiveGrants.Set(float64(s.ledger.ActiveCount()))
	}
	return revoked, nil
}

// ResolveProfile returns the fully resolved protection policy for a subject.
func (s *PermissionService) ResolveProfile(subject string) profile.Policy {
	return s.profiles.EvaluatePolicy(subject)
}

// CacheSize reports the decision cache entry count, for diagnostics.
func (s *PermissionService) CacheSize() int {
	return s.cache.Size()
}
