package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/sparkyard/internal/models"
)

func newIntentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Scaling intent commands",
	}

	cmd.AddCommand(newIntentListCmd())
	cmd.AddCommand(newIntentResolveCmd())
	return cmd
}

func newIntentListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scaling intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(configPath)
			if err != nil {
				return err
			}
			intents, err := c.scaling.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(intents) == 0 {
				fmt.Fprintln(out, "No scaling intents.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDIRECTION\tDELTA\tSTATUS\tISSUED\tJUSTIFICATION")
			for _, i := range intents {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					i.ID, i.Direction, i.Delta, i.Status,
					i.IssuedAt.Format(time.RFC3339), truncate(i.Justification, 48))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	return cmd
}

func newIntentResolveCmd() *cobra.Command {
	var (
		configPath string
		accept     bool
		reject     bool
	)

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Record the resource manager's answer to an intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if accept == reject {
				return fmt.Errorf("exactly one of --accept or --reject is required")
			}
			c, err := openCore(configPath)
			if err != nil {
				return err
			}
			status := models.IntentAcked
			verdict := "acknowledged"
			if reject {
				status = models.IntentRejected
				verdict = "rejected"
			}
			if err := c.scaling.Resolve(args[0], status); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Intent %s %s\n", args[0], verdict)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	cmd.Flags().BoolVar(&accept, "accept", false, "the resource manager accepted the intent")
	cmd.Flags().BoolVar(&reject, "reject", false, "the resource manager rejected the intent")
	return cmd
}
