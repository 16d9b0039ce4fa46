// Package stdio serves the decision API as JSON lines over stdin/stdout.
// Host integrations pipe one request per line and read one response per
// line; the engine's logs go to stderr so stdout stays a clean data stream.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/privarion/privarion/internal/domain/audit"
	"github.com/privarion/privarion/internal/domain/grant"
	"github.com/privarion/privarion/internal/service"
)

// maxLineBytes bounds a single request line.
const maxLineBytes = 1 << 20

// Request is one inbound line. Op selects the operation; the other fields
// are op-specific.
type Request struct {
	// Op is one of: decide, grant, revoke, grants, recent.
	Op string `json:"op"`

	BundleIdentifier string            `json:"bundle_id,omitempty"`
	ServiceName      string            `json:"service,omitempty"`
	RequestOrigin    string            `json:"origin,omitempty"`
	Context          map[string]string `json:"context,omitempty"`

	// Grant fields.
	Duration string `json:"duration,omitempty"`
	Reason   string `json:"reason,omitempty"`
	GrantID  string `json:"grant_id,omitempty"`

	// Operator credentials for grant and revoke.
	Operator    string `json:"operator,omitempty"`
	OperatorKey string `json:"operator_key,omitempty"`

	// Limit bounds the recent op. Defaults to 20.
	Limit int `json:"limit,omitempty"`
}

// Response is one outbound line.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Decision *DecisionBody  `json:"decision,omitempty"`
	Grant    *grant.Grant   `json:"grant,omitempty"`
	Grants   []grant.Grant  `json:"grants,omitempty"`
	Records  []audit.Record `json:"records,omitempty"`
	Revoked  *bool          `json:"revoked,omitempty"`
}

// DecisionBody is the wire form of a permission decision.
type DecisionBody struct {
	Decision        string     `json:"decision"`
	Reason          string     `json:"reason,omitempty"`
	MatchedPolicies []string   `json:"matched_policies,omitempty"`
	AppliedActions  []string   `json:"applied_actions,omitempty"`
	Severity        string     `json:"severity"`
	Confidence      float64    `json:"confidence"`
	EvaluationUs    int64      `json:"evaluation_us"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
}

// GrantLister extends the façade's ledger surface with enumeration, used by
// the grants op.
type GrantLister interface {
	GetActive() []grant.Grant
}

// Server reads requests line by line and writes responses.
type Server struct {
	permissions *service.PermissionService
	grants      GrantLister
	auditor     *service.AuditService
	logger      *slog.Logger
}

// NewServer creates a stdio server. grants and auditor may be nil; the
// corresponding ops then report an error response.
func NewServer(permissions *service.PermissionService, grants GrantLister, auditor *service.AuditService, logger *slog.Logger) *Server {
	return &Server{
		permissions: permissions,
		grants:      grants,
		auditor:     auditor,
		logger:      logger,
	}
}

// Serve processes requests from r until EOF or context cancellation.
// Malformed lines produce an error response, never a serve failure. Reading
// happens on a pump goroutine so cancellation unblocks Serve even while the
// reader sits idle; the pump itself may stay parked in a blocked Read until
// the underlying stream closes.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	encoder := json.NewEncoder(w)

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return <-readErr
			}
			if len(line) == 0 {
				continue
			}

			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				s.logger.Debug("malformed request line", "error", err)
				if err := encoder.Encode(Response{OK: false, Error: "malformed request: " + err.Error()}); err != nil {
					return err
				}
				continue
			}

			if err := encoder.Encode(s.handle(ctx, req)); err != nil {
				return err
			}
		}
	}
}

func (s *Server) handle(ctx context.Context, req Request) Response {
	switch req.Op {
	case "decide":
		return s.handleDecide(ctx, req)
	case "grant":
		return s.handleGrant(req)
	case "revoke":
		return s.handleRevoke(req)
	case "grants":
		return s.handleGrants()
	case "recent":
		return s.handleRecent(req)
	default:
		return Response{OK: false, Error: "unknown op: " + req.Op}
	}
}

func (s *Server) handleDecide(ctx context.Context, req Request) Response {
	d := s.permissions.Decide(ctx, service.PermissionRequest{
		BundleIdentifier: req.BundleIdentifier,
		ServiceName:      req.ServiceName,
		RequestOrigin:    req.RequestOrigin,
		Context:          req.Context,
	})

	body := &DecisionBody{
		Decision:        string(d.Decision),
		Reason:          d.Reason,
		MatchedPolicies: d.MatchedPolicies,
		Severity:        d.Severity.String(),
		Confidence:      d.Confidence,
		EvaluationUs:    d.EvaluationTime.Microseconds(),
		ExpiresAt:       d.ExpiresAt,
	}
	for _, a := range d.AppliedActions {
		body.AppliedActions = append(body.AppliedActions, string(a))
	}
	return Response{OK: true, Decision: body}
}

func (s *Server) handleGrant(req Request) Response {
	duration, err := time.ParseDuration(req.Duration)
	if err != nil {
		return Response{OK: false, Error: "invalid duration: " + req.Duration}
	}

	res, err := s.permissions.GrantTemporary(req.BundleIdentifier, req.ServiceName, duration, req.Reason, req.Operator, req.OperatorKey)
	if err != nil {
		if errors.Is(err, service.ErrNoGrantLedger) {
			return Response{OK: false, Error: "grants are not enabled"}
		}
		return Response{OK: false, Error: err.Error()}
	}
	if res.Status != grant.StatusGranted {
		return Response{OK: false, Error: string(res.Status) + ": " + res.Reason}
	}
	return Response{OK: true, Grant: res.Grant}
}

func (s *Server) handleRevoke(req Request) Response {
	revoked, err := s.permissions.RevokeGrant(req.GrantID, req.Operator, req.OperatorKey)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Revoked: &revoked}
}

func (s *Server) handleGrants() Response {
	if s.grants == nil {
		return Response{OK: false, Error: "grants are not enabled"}
	}
	active := s.grants.GetActive()
	return Response{OK: true, Grants: active}
}

func (s *Server) handleRecent(req Request) Response {
	if s.auditor == nil {
		return Response{OK: false, Error: "audit trail is not enabled"}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	return Response{OK: true, Records: s.auditor.Recent(limit)}
}
