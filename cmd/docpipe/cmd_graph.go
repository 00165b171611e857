package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"docpipe/internal/pipeline"
	"docpipe/internal/store"

	"github.com/spf13/cobra"
)

func newGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Manage dependency edges between artifacts",
	}
	cmd.AddCommand(newGraphLinkCmd(), newGraphEdgesCmd(), newGraphRelatedCmd(), newGraphLineageCmd())
	return cmd
}

func newGraphLinkCmd() *cobra.Command {
	var depType string
	cmd := &cobra.Command{
		Use:   "link <project> <from session:stage> <to session:stage>",
		Short: "Record a typed edge between two artifacts",
		Long: `Records a directed edge. Feedback artifacts linked to a source artifact
count as feedback for any claim evaluated against that source.

Example:
  docpipe graph link acme s3:feedback s1:spec --type derives`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := pipeline.ParseArtifactRef(args[1])
			if err != nil {
				return err
			}
			to, err := pipeline.ParseArtifactRef(args[2])
			if err != nil {
				return err
			}
			t, err := store.ParseDependencyType(depType)
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				edge, err := a.store.Link(args[0], from, to, t)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), edge)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Linked %s -[%s]-> %s\n", edge.SourceID, edge.Type, edge.TargetID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&depType, "type", "t", string(store.DepDerives), "Edge type: upstream, downstream, derives")
	return cmd
}

func newGraphEdgesCmd() *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "edges <project> <session:stage>",
		Short: "List the edges touching an artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := pipeline.ParseArtifactRef(args[1])
			if err != nil {
				return err
			}
			dir := store.Direction(direction)
			switch dir {
			case store.Outgoing, store.Incoming, store.Both:
			default:
				return fmt.Errorf("%w: direction must be outgoing, incoming or both", pipeline.ErrValidation)
			}
			return withApp(func(a *app) error {
				edges, err := a.store.Edges(pipeline.ArtifactID(args[0], ref.Session, ref.Stage), dir)
				if err != nil {
					return err
				}
				return printEdges(cmd.OutOrStdout(), edges)
			})
		},
	}
	cmd.Flags().StringVarP(&direction, "direction", "d", string(store.Both), "outgoing, incoming or both")
	return cmd
}

func newGraphRelatedCmd() *cobra.Command {
	var depType string
	cmd := &cobra.Command{
		Use:   "related <project> <session:stage>...",
		Short: "List artifacts one edge of a type away from any of the given artifacts",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := store.ParseDependencyType(depType)
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(args)-1)
			for _, raw := range args[1:] {
				ref, err := pipeline.ParseArtifactRef(raw)
				if err != nil {
					return err
				}
				ids = append(ids, pipeline.ArtifactID(args[0], ref.Session, ref.Stage))
			}
			return withApp(func(a *app) error {
				related, err := a.store.RelatedByType(ids, t)
				if err != nil {
					return err
				}
				list := make([]store.Artifact, 0, len(related))
				for _, id := range related {
					art, err := a.store.LoadByID(id)
					if err != nil {
						return err
					}
					list = append(list, art)
				}
				return printArtifacts(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().StringVarP(&depType, "type", "t", string(store.DepDerives), "Edge type: upstream, downstream, derives")
	return cmd
}

func newGraphLineageCmd() *cobra.Command {
	var maxDepth int
	cmd := &cobra.Command{
		Use:   "lineage <project> <from session:stage> <to session:stage>",
		Short: "Find a path of edges between two artifacts",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := pipeline.ParseArtifactRef(args[1])
			if err != nil {
				return err
			}
			to, err := pipeline.ParseArtifactRef(args[2])
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				path, err := a.store.Lineage(
					pipeline.ArtifactID(args[0], from.Session, from.Stage),
					pipeline.ArtifactID(args[0], to.Session, to.Stage),
					maxDepth,
				)
				if err != nil {
					return err
				}
				if !jsonOutput && len(path) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "No path from %s to %s within %d hops.\n", from, to, maxDepth)
					return nil
				}
				return printEdges(cmd.OutOrStdout(), path)
			})
		},
	}
	cmd.Flags().IntVar(&maxDepth, "max-depth", 5, "Maximum number of hops")
	return cmd
}

func printEdges(w io.Writer, edges []store.DependencyEdge) error {
	if jsonOutput {
		if edges == nil {
			edges = []store.DependencyEdge{}
		}
		return printJSON(w, edges)
	}
	if len(edges) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No edges."))
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tTYPE\tTARGET")
	for _, e := range edges {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.SourceID, e.Type, e.TargetID)
	}
	return tw.Flush()
}
