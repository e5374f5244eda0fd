package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	core "github.com/3cpo-dev/unimigrate/internal/core"
	"github.com/3cpo-dev/unimigrate/internal/verify"
	"github.com/3cpo-dev/unimigrate/internal/wallet"
	"github.com/3cpo-dev/unimigrate/pkg/api"
)

func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("network", "n", "development", "network to target")
	cmd.Flags().String("plan", "", "migration plan: v1 or v2 (default from config)")
}

// Write a config skeleton
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default unimigrate.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = core.DefaultConfigFile
			}
			if err := core.WriteDefaultConfig(path); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)

			if gen, _ := cmd.Flags().GetBool("new-mnemonic"); gen {
				m, err := wallet.GenerateMnemonic()
				if err != nil {
					return err
				}
				acct, err := wallet.FromMnemonic(m, "", wallet.Path(0))
				if err != nil {
					return err
				}
				fmt.Printf("MNEMONIC=%q\n", m)
				fmt.Printf("# account 0: %s (store the phrase in secrets.env, never in unimigrate.yaml)\n", acct.Address.Hex())
			}
			return nil
		},
	}
	cmd.Flags().Bool("new-mnemonic", false, "also generate a deployer mnemonic")
	return cmd
}

// List configured networks
func newNetworksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "networks",
		Short: "List configured networks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg := cfg.Registry()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tNETWORK ID\tENDPOINT\tGAS\tGAS PRICE\tCONFIRMATIONS")
			for _, name := range reg.Names() {
				n, _ := reg.Get(name)
				endpoint := n.URL
				if n.Local() {
					endpoint, _ = n.Endpoint("")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n", name, n.NetworkID, endpoint, n.Gas, n.GasPrice, n.Confirmations)
			}
			return w.Flush()
		},
	}
}

// Preview a plan without sending anything
func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Predict deployment addresses and gas without sending transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()
			steps, err := s.orchestrator(false).Preview(cmd.Context(), s.plan)
			if err != nil {
				return err
			}
			printPreview(s.plan, steps)
			return nil
		},
	}
	addTargetFlags(cmd)
	return cmd
}

// Run the migration
func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Deploy the contract suite and bind the addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			reset, _ := cmd.Flags().GetBool("reset")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			metricsOut, _ := cmd.Flags().GetString("metrics-out")

			s, err := openSession(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()
			if metricsOut != "" {
				defer func() {
					if err := s.metrics.WriteFile(metricsOut); err != nil {
						log.Warn().Err(err).Str("path", metricsOut).Msg("could not write metrics")
					}
				}()
			}
			o := s.orchestrator(reset)

			if dryRun || (!s.network.Local() && !s.network.SkipDryRun) {
				steps, err := o.Preview(cmd.Context(), s.plan)
				if err != nil {
					return err
				}
				printPreview(s.plan, steps)
				for _, st := range steps {
					if st.Error != "" {
						return fmt.Errorf("dry run: step %s would fail: %s", st.Step, st.Error)
					}
				}
				if dryRun {
					return nil
				}
			}

			out, err := o.Run(cmd.Context(), s.plan)
			if err != nil {
				var serr *core.StepError
				if errors.As(err, &serr) {
					return fmt.Errorf("migration aborted at %s step %s: %w", serr.Kind, serr.Step, serr.Err)
				}
				return err
			}
			printResults(s.plan, out)
			return nil
		},
	}
	addTargetFlags(cmd)
	cmd.Flags().Bool("reset", false, "redeploy even if the ledger shows the plan applied")
	cmd.Flags().Bool("dry-run", false, "only predict addresses and gas")
	cmd.Flags().String("metrics-out", "", "write run metrics as JSON to this file")
	return cmd
}

// Show recorded runs
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration runs recorded in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ledger, err := core.NewStore(cfg.LedgerPath)
			if err != nil {
				return err
			}
			defer ledger.Close()

			runID, _ := cmd.Flags().GetString("run")
			asJSON, _ := cmd.Flags().GetBool("json")
			if runID != "" {
				rep, err := ledger.Report(cmd.Context(), runID)
				if err != nil {
					return err
				}
				return emit(rep, asJSON)
			}

			network, _ := cmd.Flags().GetString("network")
			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := ledger.Runs(cmd.Context(), network, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return emit(runs, true)
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tNETWORK\tPLAN\tSTATUS\tSTEP\tSTARTED\tERROR")
			for _, r := range runs {
				step := fmt.Sprint(r.CurrentStep)
				if r.FailedStep != "" {
					step = r.FailedStep
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Network, r.Plan, r.Status, step, r.StartedAt.Format(time.RFC3339), r.Error)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringP("network", "n", "", "only runs on this network")
	cmd.Flags().String("run", "", "print the full report of one run")
	cmd.Flags().Int("limit", 20, "maximum runs to list")
	cmd.Flags().Bool("json", false, "print JSON instead of YAML/table")
	return cmd
}

// Compare on-chain bindings with the deployed addresses
func newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the core contract points at the deployed addresses",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, false)
			if err != nil {
				return err
			}
			defer s.Close()
			o := s.orchestrator(false)
			netID, err := o.NetworkID(cmd.Context())
			if err != nil {
				return err
			}
			results, err := o.DeployedResults(s.plan, netID)
			if err != nil {
				return err
			}
			checks, err := o.Check(cmd.Context(), s.plan, results)
			for _, c := range checks {
				mark := "ok"
				switch {
				case c.Error != "":
					mark = "ERROR " + c.Error
				case !c.OK:
					mark = "MISMATCH"
				}
				fmt.Printf("%-22s %-28s %s  %s\n", c.Binding, c.Getter+"()", c.Actual, mark)
			}
			return err
		},
	}
	addTargetFlags(cmd)
	return cmd
}

// Publish sources to the block explorer
func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [contracts...]",
		Short: "Verify deployed contract sources on Etherscan",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, false)
			if err != nil {
				return err
			}
			defer s.Close()
			v, err := verify.New(verify.Config{
				APIURL:          s.network.EtherscanAPI,
				APIKey:          s.cfg.EtherscanAPIKey,
				Preamble:        s.cfg.Verify.Preamble,
				CompilerVersion: s.cfg.Compiler.Version,
				Optimizer:       s.cfg.Compiler.Optimizer,
				OptimizerRuns:   s.cfg.Compiler.OptimizerRuns,
			})
			if err != nil {
				return &core.ConfigError{Field: "verify", Err: err}
			}
			if err := s.orchestrator(false).Verify(cmd.Context(), s.plan, v, args...); err != nil {
				return err
			}
			fmt.Println("verification complete")
			return nil
		},
	}
	addTargetFlags(cmd)
	return cmd
}

func printPreview(p core.Plan, steps []api.PreviewStep) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "plan %s\n", p.Name)
	fmt.Fprintln(w, "STEP\tCONTRACT\tNONCE\tADDRESS\tGAS\tERROR")
	for _, s := range steps {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n", s.Step, s.Contract, s.Nonce, s.Address, s.Gas, s.Error)
	}
	_ = w.Flush()
}

func printResults(p core.Plan, out *core.Outcome) {
	if out.Skipped {
		fmt.Printf("%s already migrated by run %s\n", p.Name, out.Run.ID)
	}
	for _, step := range p.Steps {
		if addr, ok := out.Results[step.Name]; ok {
			fmt.Printf("%-26s %s\n", step.Artifact, addr.Hex())
		}
	}
}

func emit(v interface{}, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Print(strings.TrimRight(string(out), "\n") + "\n")
	return nil
}
