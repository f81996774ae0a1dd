package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run <tenant>",
	Short: "Start a dedupe run for a tenant",
	Long:  "Starts a run and, with the local engine, waits until it reaches manual merge or a terminal state.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		force, _ := cmd.Flags().GetBool("force")
		p, err := env.Runner.Start(ctx, args[0], force)
		if err != nil {
			return eris.Wrap(err, "run")
		}
		zap.L().Info("run started", zap.String("tenant", p.TenantID), zap.String("process_id", p.ID))

		if env.local != nil {
			env.local.Wait()
		}

		latest, err := env.Runner.Status(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "run status")
		}
		formatStatus(cmd.OutOrStdout(), latest)
		return nil
	},
}

var finishCmd = &cobra.Command{
	Use:   "finish <tenant>",
	Short: "Finalize a run waiting in manual merge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Runner.Finish(ctx, args[0]); err != nil {
			return eris.Wrap(err, "finish")
		}
		if env.local != nil {
			env.local.Wait()
		}

		latest, err := env.Runner.Status(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "finish status")
		}
		formatStatus(cmd.OutOrStdout(), latest)
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <tenant>",
	Short: "Resume a run stopped by the quota after a plan upgrade",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Runner.Resume(ctx, args[0]); err != nil {
			return eris.Wrap(err, "resume")
		}
		if env.local != nil {
			env.local.Wait()
		}

		latest, err := env.Runner.Status(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "resume status")
		}
		formatStatus(cmd.OutOrStdout(), latest)
		return nil
	},
}

var retryDeletesCmd = &cobra.Command{
	Use:   "retry-deletes <tenant>",
	Short: "Replay secondary deletes that failed during merges",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		report, err := env.Resolver.RetryFailedDeletes(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "retry-deletes")
		}
		formatRetryReport(cmd.OutOrStdout(), report)
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("force", false, "supersede the tenant's active run")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(finishCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(retryDeletesCmd)
}
