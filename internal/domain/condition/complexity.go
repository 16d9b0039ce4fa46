package condition

// Complexity returns the structural node count of a condition tree:
// 1 per leaf, 1 + sum of children per composite. Used by the validator to
// flag (not reject) oversized policies and for diagnostics output.
func Complexity(c Condition) int {
	switch c.Kind {
	case KindAnd, KindOr, KindNot:
		n := 1
		for _, child := range c.Children {
			n += Complexity(child)
		}
		return n
	default:
		return 1
	}
}
