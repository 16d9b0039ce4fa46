package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	celeval "github.com/privarion/privarion/internal/adapter/outbound/cel"
	"github.com/privarion/privarion/internal/config"
	"github.com/privarion/privarion/internal/domain/profile"
	"github.com/privarion/privarion/internal/domain/validation"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the rule and policy catalogs",
	Long: `Validate the rule and policy catalogs referenced from the config.

Every catalog entry is checked and every issue is reported, so a malformed
catalog can be corrected in one pass. Complexity warnings are printed but do
not fail validation.

Exit status is non-zero when any entry is invalid.`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// catalogLookup resolves parent references against the catalog being
// validated, before anything is loaded into the engine.
type catalogLookup map[string]profile.Policy

func (c catalogLookup) GetPolicy(identifier string) (profile.Policy, bool) {
	p, ok := c[identifier]
	return p, ok
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.Catalog.RulesFile == "" && cfg.Catalog.PoliciesFile == "" {
		return fmt.Errorf("no catalog files configured (catalog.rules_file, catalog.policies_file)")
	}

	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return fmt.Errorf("create expression evaluator: %w", err)
	}

	invalid := 0
	checked := 0

	if cfg.Catalog.RulesFile != "" {
		cat, err := config.LoadRuleCatalog(cfg.Catalog.RulesFile)
		if err != nil {
			return err
		}
		v := validation.NewValidator(nil,
			validation.WithComplexityCeiling(cfg.Engine.ComplexityCeiling),
			validation.WithExpressionChecker(evaluator))

		for _, spec := range cat.Rules {
			checked++
			r, err := spec.ToRule(evaluator)
			if err != nil {
				invalid++
				fmt.Printf("rule %s: INVALID\n  - %v\n", spec.ID, err)
				continue
			}
			res := v.ValidateRule(r)
			printResult("rule", spec.ID, res)
			if !res.Valid {
				invalid++
			}
		}
	}

	if cfg.Catalog.PoliciesFile != "" {
		cat, err := config.LoadPolicyCatalog(cfg.Catalog.PoliciesFile)
		if err != nil {
			return err
		}

		lookup := make(catalogLookup, len(cat.Policies))
		policies := make([]profile.Policy, 0, len(cat.Policies))
		for _, spec := range cat.Policies {
			checked++
			p, err := spec.ToPolicy(evaluator)
			if err != nil {
				invalid++
				fmt.Printf("policy %s: INVALID\n  - %v\n", spec.Identifier, err)
				continue
			}
			lookup[p.Identifier] = p
			policies = append(policies, p)
		}

		v := validation.NewValidator(lookup,
			validation.WithComplexityCeiling(cfg.Engine.ComplexityCeiling),
			validation.WithExpressionChecker(evaluator))
		for _, p := range policies {
			res := v.ValidatePolicy(p)
			printResult("policy", p.Identifier, res)
			if !res.Valid {
				invalid++
			}
		}
	}

	fmt.Printf("\n%d entries checked, %d invalid\n", checked, invalid)
	if invalid > 0 {
		return fmt.Errorf("catalog validation failed")
	}
	return nil
}

func printResult(kind, id string, res validation.Result) {
	if res.Valid && len(res.Issues) == 0 {
		fmt.Printf("%s %s: ok (complexity %d)\n", kind, id, res.Complexity)
		return
	}
	status := "ok with warnings"
	if !res.Valid {
		status = "INVALID"
	}
	fmt.Printf("%s %s: %s\n", kind, id, status)
	for _, issue := range res.Issues {
		fmt.Printf("  - %s\n", issue)
	}
}
