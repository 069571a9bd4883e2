package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"commercegate/internal/gate"
)

// Execute runs the CLI and returns the process exit code:
// 0 success, 1 functional failure, 2 pre-flight failure.
func Execute() int {
	rootCmd := &cobra.Command{
		Use:           "commerce-gate",
		Short:         "Commerce provisioning verification gate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(auditCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return gate.ExitCode(err)
	}
	return 0
}
