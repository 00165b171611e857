package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"docpipe/internal/store"

	"github.com/spf13/cobra"
)

func newProjectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "List and delete projects and sessions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List projects and their sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				projects, err := a.store.Projects()
				if err != nil {
					return err
				}
				type entry struct {
					Name     string   `json:"name"`
					Sessions []string `json:"sessions"`
				}
				entries := make([]entry, 0, len(projects))
				for _, p := range projects {
					sessions, err := a.store.Sessions(p)
					if err != nil {
						return err
					}
					if sessions == nil {
						sessions = []string{}
					}
					entries = append(entries, entry{Name: p, Sessions: sessions})
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, entries)
				}
				if len(entries) == 0 {
					fmt.Fprintln(out, mutedStyle.Render("No projects."))
					return nil
				}
				for _, e := range entries {
					fmt.Fprintf(out, "%s %s\n", headingStyle.Render(e.Name), mutedStyle.Render(fmt.Sprint(e.Sessions)))
				}
				return nil
			})
		},
	}

	var session string
	deleteCmd := &cobra.Command{
		Use:   "delete <project>",
		Short: "Delete a project, or one of its sessions, with everything attached",
		Long: `Deletes a project with its sessions, artifacts, edges, promotion records,
claims and integrity log. With --session only that session and its artifacts
are removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if session != "" {
					if err := a.store.DeleteSession(args[0], session); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s of %s\n", session, args[0])
					return nil
				}
				if err := a.store.DeleteProject(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted project %s\n", args[0])
				return nil
			})
		},
	}
	deleteCmd.Flags().StringVar(&session, "session", "", "Delete only this session")

	cmd.AddCommand(listCmd, deleteCmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store location, schema version and row counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				version, err := a.store.SchemaVersion()
				if err != nil {
					return err
				}
				counts, err := a.store.Stats()
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, map[string]any{
						"workspace":        a.workspace,
						"database":         a.store.Path(),
						"driver":           a.cfg.Store.Driver,
						"schema_version":   version,
						"current_version":  store.CurrentSchemaVersion,
						"founding_session": a.policy.FoundingSession,
						"blueprint_dir":    a.source.Root,
						"tables":           counts,
					})
				}

				fmt.Fprintln(out, headingStyle.Render("docpipe "+a.cfg.Version))
				fmt.Fprintf(out, "  workspace  %s\n", a.workspace)
				fmt.Fprintf(out, "  database   %s (%s, schema v%d)\n", a.store.Path(), a.cfg.Store.Driver, version)
				fmt.Fprintf(out, "  blueprints %s\n", a.source.Root)
				fmt.Fprintf(out, "  founding   %s\n\n", a.policy.FoundingSession)

				tables := make([]string, 0, len(counts))
				for t := range counts {
					tables = append(tables, t)
				}
				sort.Strings(tables)
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TABLE\tROWS")
				for _, t := range tables {
					fmt.Fprintf(tw, "%s\t%d\n", t, counts[t])
				}
				return tw.Flush()
			})
		},
	}
}
