package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"docpipe/internal/evidence"
	"docpipe/internal/pipeline"
	"docpipe/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCandidatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "Mine recurring statements as promotion candidates",
	}

	var stages []string
	var minSources, minSessions, minStages, limit int
	extractCmd := &cobra.Command{
		Use:   "extract <project>",
		Short: "List statements that recur across sessions and stages",
		Long: `Splits planning artifacts into statements, clusters near-duplicates and
reports the clusters with enough cross-session support. Defaults come from the
extraction section of the config.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				opts := a.extractOptions()
				if cmd.Flags().Changed("stage") {
					opts.AllowedStages = nil
					for _, raw := range stages {
						st, err := pipeline.ParseStage(raw)
						if err != nil {
							return err
						}
						opts.AllowedStages = append(opts.AllowedStages, st)
					}
				}
				if cmd.Flags().Changed("min-sources") {
					opts.MinSources = minSources
				}
				if cmd.Flags().Changed("min-sessions") {
					opts.MinSessions = minSessions
				}
				if cmd.Flags().Changed("min-stages") {
					opts.MinStages = minStages
				}
				if cmd.Flags().Changed("limit") {
					opts.Limit = limit
				}

				cands, err := a.extractor.Extract(args[0], opts)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					if cands == nil {
						return printJSON(out, []any{})
					}
					return printJSON(out, cands)
				}
				if len(cands) == 0 {
					fmt.Fprintln(out, mutedStyle.Render("No candidates."))
					return nil
				}
				for i, c := range cands {
					refs := make([]string, len(c.Sources))
					for j, r := range c.Sources {
						refs[j] = r.String()
					}
					marker := ""
					if c.Canonical {
						marker = mutedStyle.Render(" (canonical)")
					}
					fmt.Fprintf(out, "%d. %s%s\n", i+1, c.ClaimText, marker)
					fmt.Fprintf(out, "   %s  support %d  sources %s\n",
						c.SuggestedClassification, c.SupportCount, strings.Join(refs, " "))
				}
				return nil
			})
		},
	}
	f := extractCmd.Flags()
	f.StringSliceVar(&stages, "stage", nil, "Stages to mine (repeatable)")
	f.IntVar(&minSources, "min-sources", 0, "Minimum distinct source artifacts")
	f.IntVar(&minSessions, "min-sessions", 0, "Minimum distinct sessions")
	f.IntVar(&minStages, "min-stages", 0, "Minimum distinct stages")
	f.IntVar(&limit, "limit", 0, "Maximum number of candidates (0 = no limit)")

	cmd.AddCommand(extractCmd)
	return cmd
}

func newEvaluateCmd() *cobra.Command {
	var sources []string
	var classification string
	var minDays int
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "evaluate <project> <claim text>",
		Short: "Run the promotion gate for a claim",
		Long: `Evaluates a claim against source artifacts and records the decision.
A DENY is a normal outcome: the failed checks are printed and the command
succeeds. Use --dry-run to evaluate without recording.

Example:
  docpipe evaluate acme "Every artifact is keyed by project, session and stage." \
    --classification invariant --source s1:intent --source s2:spec`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]pipeline.ArtifactRef, 0, len(sources))
			for _, raw := range sources {
				ref, err := pipeline.ParseArtifactRef(raw)
				if err != nil {
					return err
				}
				refs = append(refs, ref)
			}

			// An unknown classification is a gate failure, recorded with the DENY.
			class := pipeline.Classification(strings.ToLower(strings.TrimSpace(classification)))

			return withApp(func(a *app) error {
				days := minDays
				if !cmd.Flags().Changed("min-days") {
					days = a.policy.MinConvergenceDays
				}

				dec, err := a.evaluator.EvaluateAndRecord(evidence.Request{
					Project:            args[0],
					ClaimText:          args[1],
					Classification:     class,
					Sources:            refs,
					MinConvergenceDays: days,
				}, dryRun)
				if err != nil {
					return err
				}
				logger.Debug("Evaluated claim",
					zap.String("project", args[0]),
					zap.String("status", string(dec.Status)),
					zap.Strings("failed", dec.FailedChecks))

				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), dec)
				}
				printDecision(cmd.OutOrStdout(), dec)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringArrayVarP(&sources, "source", "s", nil, "Source artifact as session:stage (repeatable)")
	f.StringVarP(&classification, "classification", "c", string(pipeline.ClassInvariant), "Claim classification")
	f.IntVar(&minDays, "min-days", 0, "Minimum days between oldest and newest source")
	f.BoolVar(&dryRun, "dry-run", false, "Evaluate without recording a promotion record")
	return cmd
}

func printDecision(w io.Writer, dec evidence.Decision) {
	m := dec.Evidence.Metrics
	fmt.Fprintf(w, "%s %s\n", decisionBadge(dec.Status), dec.Evidence.ClaimText)
	fmt.Fprintf(w, "  sessions %d  stages %d  similarity %.4f  feedback %d  contradictions %d  span %.2fd\n",
		m.DistinctSessions, m.DistinctStages, m.MaxPairwiseSimilarity, m.FeedbackSignals,
		m.ContradictionSignals, m.TimestampSpreadDays)
	for _, check := range dec.FailedChecks {
		fmt.Fprintf(w, "  failed: %s\n", check)
	}
	fmt.Fprintf(w, "  evidence %s\n", mutedStyle.Render(dec.EvidenceHash))
	if dec.RecordID != "" {
		fmt.Fprintf(w, "  record %s\n", dec.RecordID)
	}
}

func newPromotionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promotions",
		Short: "Inspect recorded promotion decisions",
	}

	var status string
	listCmd := &cobra.Command{
		Use:   "list <project>",
		Short: "List promotion records in creation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var st pipeline.DecisionStatus
			switch strings.ToUpper(status) {
			case "":
			case string(pipeline.DecisionAllow), string(pipeline.DecisionDeny):
				st = pipeline.DecisionStatus(strings.ToUpper(status))
			default:
				return fmt.Errorf("%w: status must be ALLOW or DENY", pipeline.ErrValidation)
			}
			return withApp(func(a *app) error {
				recs, err := a.evaluator.Records(args[0], st)
				if err != nil {
					return err
				}
				return printRecords(cmd.OutOrStdout(), recs)
			})
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "Only ALLOW or DENY")

	showCmd := &cobra.Command{
		Use:   "show <record-id>",
		Short: "Show a promotion record and verify its evidence hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				rec, err := a.evaluator.Record(args[0])
				if err != nil {
					return err
				}
				ok, err := evidence.VerifyRecord(rec)
				if err != nil {
					return err
				}
				sources, err := a.store.CandidateSources(rec.CandidateID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), struct {
						store.PromotionRecord
						Sources      []store.CandidateSource `json:"sources"`
						HashVerified bool                    `json:"hash_verified"`
					}{rec, sources, ok})
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s %s\n", decisionBadge(rec.Status), rec.ClaimText)
				fmt.Fprintf(out, "  id %s\n  project %s\n  classification %s\n  created %s\n",
					rec.ID, rec.Project, rec.Classification, rec.CreatedAt.Format("2006-01-02 15:04:05"))
				for _, src := range sources {
					fmt.Fprintf(out, "  source %s %s\n", src.ArtifactID, mutedStyle.Render(short(src.ContentHash)))
				}
				for _, check := range rec.FailedChecks {
					fmt.Fprintf(out, "  failed: %s\n", check)
				}
				verdict := allowBadge.Render("hash ok")
				if !ok {
					verdict = denyBadge.Render("hash mismatch")
				}
				fmt.Fprintf(out, "  evidence %s %s\n", rec.EvidenceHash, verdict)
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, showCmd)
	return cmd
}

func printRecords(w io.Writer, recs []store.PromotionRecord) error {
	if jsonOutput {
		if recs == nil {
			recs = []store.PromotionRecord{}
		}
		return printJSON(w, recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No promotion records."))
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCLASSIFICATION\tCLAIM")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Status, r.Classification, r.ClaimText)
	}
	return tw.Flush()
}
