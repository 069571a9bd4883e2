package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"commercegate/internal/artifact"
	"commercegate/internal/config"
	"commercegate/internal/flow"
	"commercegate/internal/gate"
	"commercegate/internal/identity"
	"commercegate/internal/log"
	"commercegate/internal/provider"
	"commercegate/internal/store"
)

func runCmd() *cobra.Command {
	var flowFlag, modeFlag string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one verification flow (flow/mode from GATE_FLOW/GATE_MODE or flags)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load(ctx)
			if err != nil {
				return &gate.PreflightError{Reason: err.Error()}
			}
			if flowFlag != "" {
				cfg.Flow = flowFlag
			}
			if modeFlag != "" {
				cfg.Mode = modeFlag
			}
			// Fail-fast contract: nothing below touches the network
			// until the required set for this flow validates.
			if err := cfg.Validate(cfg.Flow); err != nil {
				return err
			}

			run := gate.NewRun(cfg.Flow, cfg.ArtifactRoot)
			rec, err := artifact.NewRecorder(run)
			if err != nil {
				return err
			}
			defer rec.Close()

			logger := log.New("commerce-gate").With("runId", run.ID, "flow", run.Flow)
			logger.Info("run started", "artifacts", run.ArtifactDir)

			var st *store.Store
			if cfg.DatabaseURL != "" {
				ctxOpen, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()
				st, err = store.Open(ctxOpen, cfg.DatabaseURL)
				if err != nil {
					ferr := &gate.AssertionError{Step: "store_connect", Reason: "store_connect_failed"}
					sum := gate.NewSummary(run)
					sum.Finish(ferr)
					_ = rec.WriteSummary(sum)
					fmt.Println(gate.StatusLine(sum))
					return ferr
				}
				defer st.Close()
			}

			var profiles identity.ProfileStore
			var probe flow.Probe
			if st != nil {
				profiles = st
				probe = st
			}

			runner := &flow.Runner{
				Cfg:      cfg,
				Run:      run,
				Rec:      rec,
				Log:      logger,
				Payments: provider.New(cfg.Provider.APIBase, cfg.Provider.SecretKey, rec),
				Identity: identity.New(cfg.Identity.BaseURL, cfg.Identity.ServiceRoleKey, cfg.Identity.AnonKey, profiles, rec),
				Probe:    probe,
			}

			if st != nil {
				_ = st.CreateRun(ctx, store.GateRun{
					RunID:     run.ID,
					Flow:      run.Flow,
					Mode:      cfg.Mode,
					Status:    "running",
					StartedAt: run.StartedAt,
				})
			}

			sum, runErr := runner.Execute(ctx)

			if st != nil {
				status := "ok"
				if runErr != nil {
					status = "failed"
				}
				b, _ := json.Marshal(sum)
				_ = st.FinishRun(ctx, run.ID, status, b)
			}

			fmt.Println(gate.StatusLine(sum))
			return runErr
		},
	}
	cmd.Flags().StringVar(&flowFlag, "flow", "", "flow: auth_gate|webhook_replay|org_seats|individual_subscription")
	cmd.Flags().StringVar(&modeFlag, "mode", "", "mode for individual_subscription: direct_subscription|simulated_webhook")
	return cmd
}
