package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/sparkyard/internal/session"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Session management commands",
	}

	cmd.AddCommand(newSessionRequestCmd())
	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionCloseCmd())
	return cmd
}

func newSessionRequestCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
		key        string
		kind       string
		wait       bool
		priority   bool
	)

	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a session for a logical key",
		Long:  "Returns the live session for the logical key, creating, admitting, and binding a new one when none exists.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(configPath)
			if err != nil {
				return err
			}
			sess, err := c.sessions.Request(cmd.Context(), workspace, key, kind, session.RequestOpts{
				Wait:         wait,
				HighPriority: priority,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %s (%s)\n", sess.ID, sess.State)
			if sess.Bound() {
				fmt.Fprintf(out, "Engine: %s\n", sess.EngineID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	cmd.Flags().StringVar(&workspace, "workspace", "", "workspace ID (required)")
	cmd.Flags().StringVar(&key, "key", "", "logical session key (required)")
	cmd.Flags().StringVar(&kind, "kind", "", "session kind (interactive-sql, batch, streaming)")
	cmd.Flags().BoolVar(&wait, "wait", false, "queue for admission instead of rejecting when the queue is full")
	cmd.Flags().BoolVar(&priority, "priority", false, "poll aggressively while queued")
	cmd.MarkFlagRequired("workspace")
	cmd.MarkFlagRequired("key")
	return cmd
}

func newSessionListCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
		state      string
		engineID   string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(configPath)
			if err != nil {
				return err
			}
			sessions, err := c.sessions.List(session.ListFilters{
				WorkspaceID: workspace,
				State:       state,
				EngineID:    engineID,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tWORKSPACE\tKEY\tKIND\tSTATE\tENGINE\tLAST ACTIVITY")
			for _, s := range sessions {
				engine := s.EngineID
				if engine == "" {
					engine = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.WorkspaceID, truncate(s.LogicalKey, 32), s.Kind, s.State,
					engine, s.LastActivity.Format(time.RFC3339))
			}
			w.Flush()
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	cmd.Flags().StringVar(&workspace, "workspace", "", "filter by workspace")
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&engineID, "engine", "", "filter by engine")
	return cmd
}

func newSessionShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show session details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(configPath)
			if err != nil {
				return err
			}
			sess, err := c.sessions.Get(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:           %s\n", sess.ID)
			fmt.Fprintf(out, "Workspace:    %s\n", sess.WorkspaceID)
			fmt.Fprintf(out, "Logical key:  %s\n", sess.LogicalKey)
			fmt.Fprintf(out, "Kind:         %s\n", sess.Kind)
			fmt.Fprintf(out, "State:        %s\n", sess.State)
			if sess.Reason != "" {
				fmt.Fprintf(out, "Reason:       %s\n", sess.Reason)
			}
			if sess.EngineID != "" {
				fmt.Fprintf(out, "Engine:       %s (%s)\n", sess.EngineID, sess.EngineSessionID)
			}
			if sess.Attempts > 0 {
				fmt.Fprintf(out, "Attempts:     %d\n", sess.Attempts)
			}
			if sess.Uncertain {
				fmt.Fprintln(out, "Uncertain:    recovered with in-flight work of unknown outcome")
			}
			fmt.Fprintf(out, "Created:      %s\n", sess.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Last active:  %s\n", sess.LastActivity.Format(time.RFC3339))
			if sess.ClosedAt != nil {
				fmt.Fprintf(out, "Closed:       %s\n", sess.ClosedAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	return cmd
}

func newSessionCloseCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a session and release its resources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCore(configPath)
			if err != nil {
				return err
			}
			if err := c.sessions.Close(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Closed session %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Sparkyard config file")
	return cmd
}
