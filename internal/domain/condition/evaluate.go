package condition

import (
	"path"
	"strings"
)

// Evaluate reports whether the event satisfies the condition.
// It is pure and total: it never panics or returns an error, reads only its
// inputs, and is safe for any number of concurrent callers. A leaf whose
// event fact is missing, or whose pattern is malformed, evaluates to false.
func Evaluate(c Condition, ev Event) bool {
	switch c.Kind {
	case KindAnd:
		for _, child := range c.Children {
			if !Evaluate(child, ev) {
				return false
			}
		}
		// Vacuous truth: And() with no children matches everything.
		return true

	case KindOr:
		for _, child := range c.Children {
			if Evaluate(child, ev) {
				return true
			}
		}
		return false

	case KindNot:
		if len(c.Children) != 1 {
			return false
		}
		return !Evaluate(c.Children[0], ev)

	case KindProcessName:
		return matchPattern(c.Pattern, ev.ProcessName)

	case KindProcessPath:
		return c.Prefix != "" && strings.HasPrefix(ev.ProcessPath, c.Prefix)

	case KindFileAccess:
		if ev.FilePath == "" || !pathWithin(c.Path, ev.FilePath) {
			return false
		}
		return c.Op == "" || c.Op == ev.FileOp

	case KindNetworkConnection:
		if !matchPattern(c.Host, ev.Host) {
			return false
		}
		return c.Port == 0 || c.Port == ev.Port

	case KindBundleIdentifier:
		return matchPattern(c.Pattern, ev.BundleIdentifier)

	case KindServiceName:
		return matchPattern(c.Pattern, ev.ServiceName)

	case KindRequestOrigin:
		return c.Origin != "" && c.Origin == ev.RequestOrigin

	case KindExpression:
		if c.Program == nil {
			return false
		}
		ok, err := c.Program.Eval(ev)
		return err == nil && ok

	default:
		// Unknown kinds never match.
		return false
	}
}

// matchPattern matches value against a case-sensitive glob pattern.
// A pattern without glob metacharacters is an exact match. The lone "*"
// matches any non-empty value, including values containing separators that
// path.Match would otherwise reject.
func matchPattern(pattern, value string) bool {
	if pattern == "" || value == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == value
	}
	matched, err := path.Match(pattern, value)
	return err == nil && matched
}

// pathWithin reports whether target equals base or sits underneath it.
func pathWithin(base, target string) bool {
	if base == "" {
		return false
	}
	if base == target {
		return true
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return strings.HasPrefix(target, base)
}
