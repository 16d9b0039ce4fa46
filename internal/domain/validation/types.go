// Package validation provides structural and semantic checks over rules and
// identifier policies before they enter the stores.
package validation

// Issue codes. Each failed check contributes one independent issue string
// prefixed with its code, so a malformed input surfaces every problem in a
// single call.
const (
	IssueEmptyName           = "emptyName"
	IssueEmptyDescription    = "emptyDescription"
	IssueEmptyIdentifier     = "emptyIdentifier"
	IssueInvalidPattern      = "invalidPattern"
	IssueInvalidExpression   = "invalidExpression"
	IssueInconsistentRules   = "inconsistentRules"
	IssueParentNotFound      = "parentPolicyNotFound"
	IssueCircularInheritance = "circularInheritance"
	IssueHighComplexity      = "highComplexity"
)

// Result is the outcome of validating one rule or policy.
type Result struct {
	// Valid is false when any structural or semantic issue was found.
	// Complexity flags alone do not invalidate.
	Valid bool
	// Issues lists every problem found, one string per failed check.
	Issues []string
	// Complexity is the structural node count of the candidate's condition
	// tree, or the analogous count over a policy's filtering lists.
	Complexity int
}
