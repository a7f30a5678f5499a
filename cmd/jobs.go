package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/meridianhealth/provider-validation/internal/notify"
)

var (
	jobsLimit    int
	jobsAsJSON   bool
	jobsProvider string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect validation jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent validation jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Orch.GetRecentJobs(ctx, jobsLimit)
		if err != nil {
			return eris.Wrap(err, "list jobs")
		}

		if jobsAsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(jobs)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "JOB\tSTATUS\tPROGRESS\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%d/%d (%d%%)\t%s\n",
				j.ID, j.Status,
				j.CompletedProviders, j.TotalProviders,
				notify.Percentage(j.CompletedProviders, j.TotalProviders),
				j.CreatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return tw.Flush()
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Orch.GetJobStatus(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "get job")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a queued or running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Orch.CancelJob(ctx, args[0]); err != nil {
			return eris.Wrap(err, "cancel job")
		}

		fmt.Printf("job %s cancelled\n", args[0])
		return nil
	},
}

var jobsHistoryCmd = &cobra.Command{
	Use:   "history <job-id>",
	Short: "Show a job's validation stage trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		history, err := env.Orch.ValidationHistory(ctx, args[0], jobsProvider)
		if err != nil {
			return eris.Wrap(err, "list validations")
		}

		if jobsAsJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(history)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PROVIDER\tSTAGE\tSTATUS\tCONFIDENCE\tAT")
		for _, v := range history {
			confidence := "-"
			if v.Confidence != nil {
				confidence = fmt.Sprintf("%.2f", *v.Confidence)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				v.ProviderID, v.Stage, v.Status, confidence,
				v.CreatedAt.Format("15:04:05.000"),
			)
		}
		return tw.Flush()
	},
}

func init() {
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 0, "max jobs to list (default 10)")
	jobsListCmd.Flags().BoolVar(&jobsAsJSON, "json", false, "output JSON")
	jobsHistoryCmd.Flags().StringVar(&jobsProvider, "provider", "", "filter by provider ID")
	jobsHistoryCmd.Flags().BoolVar(&jobsAsJSON, "json", false, "output JSON")

	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd, jobsCancelCmd, jobsHistoryCmd)
	rootCmd.AddCommand(jobsCmd)
}
