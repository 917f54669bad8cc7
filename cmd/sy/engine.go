package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newEngineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Engine registry commands",
	}

	cmd.AddCommand(newEngineListCmd())
	cmd.AddCommand(newEngineShowCmd())
	cmd.AddCommand(newEngineDeregisterCmd())
	return cmd
}

func newEngineListCmd() *cobra.Command {
	var (
		configPath string
		kind       string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(configPath)
			if err != nil {
				return err
			}
			engines, err := c.registry.List(kind)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(engines) == 0 {
				fmt.Fprintln(out, "No engines registered.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tHEALTH\tSLOTS\tADDRESS\tLAST HEARTBEAT")
			for _, e := range engines {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					e.ID, e.Kind, e.Health, e.UsedSlots, e.TotalSlots,
					truncate(e.Address, 40), e.LastHeartbeat.Format(time.RFC3339))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by engine kind")
	return cmd
}

func newEngineShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show engine details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(configPath)
			if err != nil {
				return err
			}
			eng, err := c.registry.Get(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:              %s\n", eng.ID)
			fmt.Fprintf(out, "Kind:            %s\n", eng.Kind)
			fmt.Fprintf(out, "Address:         %s\n", eng.Address)
			fmt.Fprintf(out, "Health:          %s\n", eng.Health)
			fmt.Fprintf(out, "Slots:           %d used / %d total\n", eng.UsedSlots, eng.TotalSlots)
			if eng.MissedBeats > 0 {
				fmt.Fprintf(out, "Missed beats:    %d\n", eng.MissedBeats)
			}
			fmt.Fprintf(out, "Last heartbeat:  %s\n", eng.LastHeartbeat.Format(time.RFC3339))
			fmt.Fprintf(out, "Registered:      %s\n", eng.RegisteredAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	return cmd
}

func newEngineDeregisterCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "deregister <id>",
		Short: "Remove an engine from the registry",
		Long:  "Removes the engine record. Sessions still bound to it are recovered on the next reconciliation pass.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(configPath)
			if err != nil {
				return err
			}
			if err := c.registry.Deregister(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deregistered engine %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	return cmd
}
