package main

import (
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/buyer-fit/internal/model"
	"github.com/sells-group/buyer-fit/internal/store"
)

var (
	jobListStatus string
	jobListLimit  int
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and resume batch jobs",
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Print a job's progress as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initScoring(ctx, "job")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Service.GetJobStatus(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, job)
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initScoring(ctx, "job")
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Store.ListJobs(ctx, store.JobFilter{
			Status: model.JobStatus(jobListStatus),
			Limit:  jobListLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list jobs")
		}
		return printJSON(cmd, jobs)
	},
}

var jobResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Continue a failed or interrupted job after its last processed record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initScoring(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Service.GetJobStatus(ctx, args[0])
		if err != nil {
			return err
		}
		job, err = resumeJob(ctx, env, job)
		if job != nil {
			logJob(job)
		}
		return err
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	jobListCmd.Flags().StringVar(&jobListStatus, "status", "", "filter by status (running, completed, failed)")
	jobListCmd.Flags().IntVar(&jobListLimit, "limit", 20, "maximum jobs to list")
	jobCmd.AddCommand(jobStatusCmd, jobListCmd, jobResumeCmd)
	rootCmd.AddCommand(jobCmd)
}
