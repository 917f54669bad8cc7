package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/sparkyard/internal/dispatch"
)

func newJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Job management commands",
	}

	cmd.AddCommand(newJobSubmitCmd())
	cmd.AddCommand(newJobListCmd())
	cmd.AddCommand(newJobShowCmd())
	cmd.AddCommand(newJobCancelCmd())
	return cmd
}

func newJobSubmitCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		kind       string
		payload    string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job unit to a session",
		Long:  "Files a statement or application against a session. Units dispatch downstream in submission order.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(configPath)
			if err != nil {
				return err
			}
			job, err := c.dispatcher.Submit(cmd.Context(), sessionID, dispatch.JobSpec{
				Kind:    kind,
				Payload: payload,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s (%s, seq %d)\n", job.ID, job.State, job.Seq)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (required)")
	cmd.Flags().StringVar(&kind, "kind", "", "job kind (statement, application)")
	cmd.Flags().StringVar(&payload, "payload", "", "statement text or application spec (required)")
	cmd.MarkFlagRequired("session")
	cmd.MarkFlagRequired("payload")
	return cmd
}

func newJobListCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job units in a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(configPath)
			if err != nil {
				return err
			}
			jobs, err := c.dispatcher.List(sessionID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSEQ\tKIND\tSTATE\tREASON\tPAYLOAD")
			for _, j := range jobs {
				reason := j.Reason
				if reason == "" {
					reason = "-"
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
					j.ID, j.Seq, j.Kind, j.State, reason, truncate(j.Payload, 48))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (required)")
	cmd.MarkFlagRequired("session")
	return cmd
}

func newJobShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show job details, refreshing from the engine when in flight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(configPath)
			if err != nil {
				return err
			}
			job, err := c.dispatcher.Poll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:        %s\n", job.ID)
			fmt.Fprintf(out, "Session:   %s\n", job.SessionID)
			fmt.Fprintf(out, "Seq:       %d\n", job.Seq)
			fmt.Fprintf(out, "Kind:      %s\n", job.Kind)
			fmt.Fprintf(out, "State:     %s\n", job.State)
			if job.Reason != "" {
				fmt.Fprintf(out, "Reason:    %s\n", job.Reason)
			}
			if job.ResultRef != "" {
				fmt.Fprintf(out, "Result:    %s\n", job.ResultRef)
			}
			if job.Uncertain {
				fmt.Fprintln(out, "Uncertain: the unit may have completed downstream before recovery")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	return cmd
}

func newJobCancelCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a job unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(configPath)
			if err != nil {
				return err
			}
			job, err := c.dispatcher.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s is %s\n", job.ID, job.State)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	return cmd
}
