package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/quota"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Inspect and provision tenant plans",
}

var planShowCmd = &cobra.Command{
	Use:   "show <tenant>",
	Short: "Show a tenant's plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := st.GetPlan(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "plan show")
		}
		if p == nil {
			return eris.Wrapf(model.ErrNotFound, "plan show: tenant %s", args[0])
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

var planSetCmd = &cobra.Command{
	Use:   "set <tenant>",
	Short: "Apply a plan change for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		change, err := planChangeFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		p, err := quota.Provision(ctx, st, args[0], change)
		if err != nil {
			return eris.Wrap(err, "plan set")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	},
}

// planChangeFromFlags builds a PlanChange from the flags the caller set.
func planChangeFromFlags(cmd *cobra.Command) (model.PlanChange, error) {
	var change model.PlanChange
	flags := cmd.Flags()

	if flags.Changed("type") {
		v, _ := flags.GetString("type")
		pt := model.PlanType(v)
		change.PlanType = &pt
	}
	if flags.Changed("contact-limit") {
		v, _ := flags.GetInt("contact-limit")
		change.ContactLimit = &v
	}
	if flags.Changed("payment-status") {
		v, _ := flags.GetString("payment-status")
		ps := model.PaymentStatus(v)
		change.PaymentStatus = &ps
	}
	if flags.Changed("billing-type") {
		v, _ := flags.GetString("billing-type")
		change.BillingType = &v
	}

	if change == (model.PlanChange{}) {
		return change, eris.New("plan set: at least one of --type, --contact-limit, --payment-status, --billing-type is required")
	}
	return change, nil
}

func init() {
	planSetCmd.Flags().String("type", "", "plan type (free, paid)")
	planSetCmd.Flags().Int("contact-limit", 0, "paid contact limit (0 means unlimited)")
	planSetCmd.Flags().String("payment-status", "", "payment status (active, pending, past_due, canceled)")
	planSetCmd.Flags().String("billing-type", "", "billing type label")

	planCmd.AddCommand(planShowCmd)
	planCmd.AddCommand(planSetCmd)
	rootCmd.AddCommand(planCmd)
}
