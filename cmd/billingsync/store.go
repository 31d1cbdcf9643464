package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chatdesk/billingsync/internal/billing/admin"
	"github.com/chatdesk/billingsync/internal/billing/entitlements"
	"github.com/chatdesk/billingsync/internal/billing/rollup"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var dataDir string

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Print the current revenue and subscription rollup as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		summary, err := rollup.NewReader(store, nil).Compute(cmd.Context())
		if err != nil {
			return fmt.Errorf("compute rollup: %w", err)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Plan catalog commands",
}

var plansImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or update catalog plans from a YAML file",
	Example: `  # plans.yaml holds a list of plans
  billingsync plans import plans.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		plans, err := readPlans(args[0])
		if err != nil {
			return err
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		for _, plan := range plans {
			if err := store.UpsertPlan(ctx, plan); err != nil {
				return fmt.Errorf("upsert plan %s: %w", plan.ID, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s (%s)\n", plan.ID, plan.Name)
		}
		return nil
	},
}

var plansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog plans",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		plans, err := store.ListPlans(cmd.Context())
		if err != nil {
			return fmt.Errorf("list plans: %w", err)
		}
		out := cmd.OutOrStdout()
		for _, p := range plans {
			state := "active"
			switch {
			case p.IsComingSoon:
				state = "coming-soon"
			case !p.IsActive:
				state = "inactive"
			}
			fmt.Fprintf(out, "%-20s %-24s %-12s monthly=%s yearly=%s\n", p.ID, p.Name, state, p.MonthlyPriceID, p.YearlyPriceID)
		}
		return nil
	},
}

func init() {
	plansCmd.AddCommand(plansImportCmd)
	plansCmd.AddCommand(plansListCmd)
}

// readPlans parses and validates every plan in path before anything is written.
func readPlans(path string) ([]*entitlements.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	var plans []*entitlements.Plan
	if err := yaml.Unmarshal(data, &plans); err != nil {
		return nil, fmt.Errorf("parse plans file: %w", err)
	}
	if len(plans) == 0 {
		return nil, fmt.Errorf("plans file %s contains no plans", path)
	}
	seen := make(map[string]bool, len(plans))
	for i, plan := range plans {
		if plan == nil {
			return nil, fmt.Errorf("plan #%d is empty", i+1)
		}
		if err := admin.ValidatePlan(plan); err != nil {
			return nil, fmt.Errorf("plan #%d: %w", i+1, err)
		}
		if seen[plan.ID] {
			return nil, fmt.Errorf("plan %s is listed twice", plan.ID)
		}
		seen[plan.ID] = true
	}
	return plans, nil
}

func openStore() (*entitlements.Store, error) {
	dir := strings.TrimSpace(dataDir)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv("BILLING_DATA_DIR"))
	}
	if dir == "" {
		dir = "/data"
	}
	entDir := filepath.Join(dir, "entitlements")
	if err := os.MkdirAll(entDir, 0o755); err != nil {
		return nil, fmt.Errorf("create entitlements dir: %w", err)
	}
	store, err := entitlements.Open(entDir)
	if err != nil {
		return nil, fmt.Errorf("open entitlement store: %w", err)
	}
	return store, nil
}
