package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"commercegate/internal/redact"
)

func auditCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Re-scan an existing artifact directory for unmasked secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				return fmt.Errorf("missing --dir")
			}
			leaks, err := redact.Audit(dir)
			if err != nil {
				return fmt.Errorf("audit %s: %w", dir, err)
			}
			if len(leaks) == 0 {
				fmt.Println("ok: no unmasked secrets")
				return nil
			}
			for _, l := range leaks {
				fmt.Println(l.Error())
			}
			return errors.Join(leaks...)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "artifact directory to scan")
	return cmd
}
