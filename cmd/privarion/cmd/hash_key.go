package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/privarion/privarion/internal/domain/auth"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [operator-key]",
	Short: "Generate an Argon2id hash for an operator key",
	Long: `Generate an Argon2id hash of an operator key for use in the
operator catalog.

The output is a PHC-format string that goes directly into the
operators key_hash field.

Example:
  privarion hash-key "my-secret-key"
  # Output: $argon2id$v=19$m=48128,t=1,p=1$...

Security note: The key will appear in shell history.
Consider clearing history after use or using an environment variable:
  privarion hash-key "$MY_OPERATOR_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashKey(args[0])
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
