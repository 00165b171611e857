package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"docpipe/internal/ledger"
	"docpipe/internal/pipeline"
	"docpipe/internal/store"

	"github.com/spf13/cobra"
)

func newClaimsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Manage the blueprint claim ledger",
	}
	cmd.AddCommand(
		newClaimsDeclareCmd(),
		newClaimsAcceptCmd(),
		newClaimsReinforceCmd(),
		newClaimsDemoteCmd(),
		newClaimsListCmd(),
		newClaimsEventsCmd(),
	)
	return cmd
}

func parseClaimID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: claim id must be a positive integer, got %q", pipeline.ErrValidation, raw)
	}
	return id, nil
}

func printClaim(w io.Writer, c store.Claim) error {
	if jsonOutput {
		return printJSON(w, c)
	}
	fmt.Fprintf(w, "#%d %s [%s, %s] %s\n", c.ID, claimStatusBadge(c.Status), c.Classification, c.Origin, c.Text)
	return nil
}

func printEvent(w io.Writer, e store.LifecycleEvent) error {
	if jsonOutput {
		return printJSON(w, e)
	}
	old := string(e.OldStatus)
	if old == "" {
		old = "-"
	}
	fmt.Fprintf(w, "claim #%d %s -> %s by %s: %s\n", e.ClaimID, old, e.NewStatus, e.Actor, e.Reason)
	return nil
}

func newClaimsDeclareCmd() *cobra.Command {
	var classification, session, actor string
	var stages []string
	cmd := &cobra.Command{
		Use:   "declare <project> <claim text>",
		Short: "Declare a founding claim",
		Long: `Declares a claim directly. Declarations are only accepted from the
founding session (default "blueprint"); every other claim has to converge
through the promotion gate.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var parsed []pipeline.Stage
			for _, raw := range stages {
				st, err := pipeline.ParseStage(raw)
				if err != nil {
					return err
				}
				parsed = append(parsed, st)
			}
			return withApp(func(a *app) error {
				class, err := a.policy.ParseClassification(classification)
				if err != nil {
					return err
				}
				src := session
				if src == "" {
					src = a.policy.FoundingSession
				}
				c, err := a.ledger.Declare(ledger.Declaration{
					Project:        args[0],
					Text:           args[1],
					Classification: class,
					SourceSession:  src,
					SourceStages:   parsed,
					Actor:          actor,
				})
				if err != nil {
					return err
				}
				return printClaim(cmd.OutOrStdout(), c)
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&classification, "classification", "c", string(pipeline.ClassInvariant), "Claim classification")
	f.StringVar(&session, "session", "", "Source session (must be the founding session)")
	f.StringSliceVar(&stages, "stage", nil, "Source stages (repeatable)")
	f.StringVar(&actor, "actor", "", "Who is declaring")
	return cmd
}

func newClaimsAcceptCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "accept <promotion-record-id>",
		Short: "Turn an ALLOW promotion record into an active claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				c, err := a.ledger.AcceptPromotion(args[0], actor)
				if err != nil {
					return err
				}
				return printClaim(cmd.OutOrStdout(), c)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Who is accepting")
	return cmd
}

func newClaimsReinforceCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "reinforce <claim-id> <session:stage>",
		Short: "Record that another session restated an active claim",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClaimID(args[0])
			if err != nil {
				return err
			}
			ref, err := pipeline.ParseArtifactRef(args[1])
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				ev, err := a.ledger.Reinforce(id, ref.Session, ref.Stage, actor)
				if err != nil {
					return err
				}
				return printEvent(cmd.OutOrStdout(), ev)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Who is reinforcing")
	return cmd
}

func newClaimsDemoteCmd() *cobra.Command {
	var status, reason, actor string
	var supersededBy int64
	cmd := &cobra.Command{
		Use:   "demote <claim-id>",
		Short: "Supersede or invalidate an active claim",
		Long: `Moves an active claim to a terminal status. Superseding needs the id of
the active claim that replaces it; invalidating needs only a reason.

Examples:
  docpipe claims demote 4 --status superseded --superseded-by 7 --reason "narrowed scope"
  docpipe claims demote 5 --status invalidated --reason "contradicted by feedback"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseClaimID(args[0])
			if err != nil {
				return err
			}
			st, err := pipeline.ParseClaimStatus(status)
			if err != nil {
				return err
			}
			d := ledger.Demotion{ClaimID: id, Reason: reason, NewStatus: st, Actor: actor}
			if cmd.Flags().Changed("superseded-by") {
				d.SupersededBy = &supersededBy
			}
			return withApp(func(a *app) error {
				ev, err := a.ledger.Demote(d)
				if err != nil {
					return err
				}
				return printEvent(cmd.OutOrStdout(), ev)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", string(pipeline.StatusInvalidated), "superseded or invalidated")
	f.StringVar(&reason, "reason", "", "Why the claim is demoted (required)")
	f.Int64Var(&supersededBy, "superseded-by", 0, "Id of the superseding claim")
	f.StringVar(&actor, "actor", "", "Who is demoting")
	return cmd
}

func newClaimsListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list <project>",
		Short: "List claims in creation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st pipeline.ClaimStatus
			if status != "" {
				var err error
				if st, err = pipeline.ParseClaimStatus(status); err != nil {
					return err
				}
			}
			return withApp(func(a *app) error {
				claims, err := a.ledger.Claims(args[0], st)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					if claims == nil {
						claims = []store.Claim{}
					}
					return printJSON(out, claims)
				}
				if len(claims) == 0 {
					fmt.Fprintln(out, mutedStyle.Render("No claims."))
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tCLASSIFICATION\tORIGIN\tCLAIM")
				for _, c := range claims {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", c.ID, c.Status, c.Classification, c.Origin, c.Text)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only active, superseded or invalidated")
	return cmd
}

func newClaimsEventsCmd() *cobra.Command {
	var project string
	var limit int
	cmd := &cobra.Command{
		Use:   "events [claim-id]",
		Short: "Show lifecycle events, newest first",
		Long: `Shows the lifecycle events of one claim, or with --project the most
recent events across all claims of a project.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (project == "") {
				return fmt.Errorf("%w: give either a claim id or --project", pipeline.ErrValidation)
			}
			return withApp(func(a *app) error {
				var events []store.LifecycleEvent
				var err error
				if project != "" {
					events, err = a.ledger.ProjectEvents(project, limit)
				} else {
					id, perr := parseClaimID(args[0])
					if perr != nil {
						return perr
					}
					events, err = a.ledger.Events(id)
				}
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					if events == nil {
						events = []store.LifecycleEvent{}
					}
					return printJSON(out, events)
				}
				for _, e := range events {
					fmt.Fprintf(out, "%s  ", mutedStyle.Render(e.CreatedAt.Format("2006-01-02 15:04:05")))
					printEvent(out, e)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "Show events of every claim in a project")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum events with --project")
	return cmd
}
