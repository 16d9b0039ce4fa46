// Package condition contains the composable boolean predicates evaluated
// against runtime events. The condition grammar is a closed tagged union:
// new kinds are added by extending the union, never by subclassing.
package condition

import "time"

// Kind identifies a condition variant.
type Kind string

const (
	// Composite kinds.
	KindAnd Kind = "and"
	KindOr  Kind = "or"
	KindNot Kind = "not"

	// Leaf kinds over event facts.
	KindProcessName       Kind = "process_name"
	KindProcessPath       Kind = "process_path"
	KindFileAccess        Kind = "file_access"
	KindNetworkConnection Kind = "network_connection"
	KindBundleIdentifier  Kind = "bundle_identifier"
	KindServiceName       Kind = "service_name"
	KindRequestOrigin     Kind = "request_origin"

	// KindExpression is a CEL expression leaf, compiled ahead of time by the
	// cel adapter. The condition grammar stays a closed union; the expression
	// body is opaque to this package.
	KindExpression Kind = "expression"
)

// FileOp is the file operation named by a FileAccess leaf.
type FileOp string

const (
	FileOpRead    FileOp = "read"
	FileOpWrite   FileOp = "write"
	FileOpExecute FileOp = "execute"
)

// Program is a pre-compiled boolean predicate over an Event.
// The cel adapter implements it; the condition package only calls it.
type Program interface {
	Eval(ev Event) (bool, error)
}

// Condition is one node of a condition tree.
// Which fields are meaningful depends on Kind; unused fields are zero.
type Condition struct {
	Kind Kind

	// Pattern is a case-sensitive glob for the name-matching leaves
	// (process name, bundle identifier, service name).
	Pattern string

	// Prefix is the path prefix for KindProcessPath.
	Prefix string

	// Path and Op describe a KindFileAccess leaf. An empty Op matches any
	// file operation.
	Path string
	Op   FileOp

	// Host and Port describe a KindNetworkConnection leaf. Host accepts
	// globs; Port 0 matches any port.
	Host string
	Port int

	// Origin is the exact origin for KindRequestOrigin.
	Origin string

	// Expr is the CEL source of a KindExpression leaf; Program is its
	// compiled form. A nil Program evaluates the leaf to false.
	Expr    string
	Program Program

	// Children holds the operands of KindAnd and KindOr, and exactly one
	// element for KindNot.
	Children []Condition
}

// Event carries the facts about one subject action. Fields a given event
// type does not produce are simply left zero; leaves referencing them fail
// to match rather than erroring.
type Event struct {
	ProcessName string
	ProcessPath string
	PID         int

	FilePath string
	FileOp   FileOp

	Host string
	Port int

	BundleIdentifier string
	ServiceName      string
	RequestOrigin    string

	Timestamp time.Time
}

// And matches when every child matches. And() with no children is
// vacuously true, which lets optional constraint lists compose away.
func And(children ...Condition) Condition {
	return Condition{Kind: KindAnd, Children: children}
}

// Or matches when at least one child matches. Or() with no children is false.
func Or(children ...Condition) Condition {
	return Condition{Kind: KindOr, Children: children}
}

// Not inverts its child.
func Not(child Condition) Condition {
	return Condition{Kind: KindNot, Children: []Condition{child}}
}

// ProcessNameMatches matches the event's process name against a glob pattern.
func ProcessNameMatches(pattern string) Condition {
	return Condition{Kind: KindProcessName, Pattern: pattern}
}

// ProcessPathStartsWith matches when the process executable path has the
// given prefix.
func ProcessPathStartsWith(prefix string) Condition {
	return Condition{Kind: KindProcessPath, Prefix: prefix}
}

// FileAccess matches a file event under the given path performing op.
func FileAccess(path string, op FileOp) Condition {
	return Condition{Kind: KindFileAccess, Path: path, Op: op}
}

// NetworkConnection matches a network event to host:port.
func NetworkConnection(host string, port int) Condition {
	return Condition{Kind: KindNetworkConnection, Host: host, Port: port}
}

// BundleIdentifierMatches matches the subject bundle identifier against a
// glob pattern.
func BundleIdentifierMatches(pattern string) Condition {
	return Condition{Kind: KindBundleIdentifier, Pattern: pattern}
}

// ServiceNameMatches matches the requested service name against a glob
// pattern.
func ServiceNameMatches(pattern string) Condition {
	return Condition{Kind: KindServiceName, Pattern: pattern}
}

// RequestOriginIs matches the request origin exactly.
func RequestOriginIs(origin string) Condition {
	return Condition{Kind: KindRequestOrigin, Origin: origin}
}

// Expression wraps a pre-compiled CEL predicate. expr is kept for
// diagnostics and re-validation.
func Expression(expr string, prg Program) Condition {
	return Condition{Kind: KindExpression, Expr: expr, Program: prg}
}
