package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"docpipe/internal/pipeline"
	"docpipe/internal/store"

	"github.com/spf13/cobra"
)

func newArtifactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Save, show, list and search stage artifacts",
	}
	cmd.AddCommand(newArtifactSaveCmd(), newArtifactShowCmd(), newArtifactListCmd(), newArtifactFindCmd())
	return cmd
}

func newArtifactSaveCmd() *cobra.Command {
	var file, content string
	cmd := &cobra.Command{
		Use:   "save <project> <session> <stage>",
		Short: "Create or replace the artifact of one session stage",
		Long: `Stores the content of one stage of a session. Saving the same slot again
replaces its content and keeps its creation time.

Content is read from --content, --file, or standard input.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := pipeline.ParseStage(args[2])
			if err != nil {
				return err
			}
			text, err := readContent(cmd.InOrStdin(), file, content, cmd.Flags().Changed("content"))
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				art, err := a.store.Save(args[0], args[1], stage, text)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), art)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s)\n", art.ID, short(art.ContentHash))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read content from a file")
	cmd.Flags().StringVar(&content, "content", "", "Content given inline")
	return cmd
}

func readContent(stdin io.Reader, file, content string, inline bool) (string, error) {
	switch {
	case inline:
		return content, nil
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", file, err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
}

func newArtifactShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project> <session> <stage>",
		Short: "Print one artifact",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := pipeline.ParseStage(args[2])
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				art, err := a.store.Load(args[0], args[1], stage)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), art)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, headingStyle.Render(art.ID))
				fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("hash %s  updated %s", short(art.ContentHash), art.UpdatedAt.Format("2006-01-02 15:04:05"))))
				fmt.Fprintln(out)
				fmt.Fprintln(out, strings.TrimRight(art.Content, "\n"))
				return nil
			})
		},
	}
}

func newArtifactListCmd() *cobra.Command {
	var session, stage string
	cmd := &cobra.Command{
		Use:   "list <project>",
		Short: "List artifacts of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.ArtifactFilter{Session: session}
			if stage != "" {
				st, err := pipeline.ParseStage(stage)
				if err != nil {
					return err
				}
				filter.Stage = st
			}
			return withApp(func(a *app) error {
				list, err := a.store.List(args[0], filter)
				if err != nil {
					return err
				}
				return printArtifacts(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "Only this session")
	cmd.Flags().StringVar(&stage, "stage", "", "Only this stage")
	return cmd
}

func newArtifactFindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "find <project> <stage> <text>",
		Short: "Find artifacts of a stage containing text (case-insensitive)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage, err := pipeline.ParseStage(args[1])
			if err != nil {
				return err
			}
			return withApp(func(a *app) error {
				list, err := a.store.FindByMarker(args[0], stage, args[2])
				if err != nil {
					return err
				}
				return printArtifacts(cmd.OutOrStdout(), list)
			})
		},
	}
}

func printArtifacts(w io.Writer, list []store.Artifact) error {
	if jsonOutput {
		if list == nil {
			list = []store.Artifact{}
		}
		return printJSON(w, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No artifacts."))
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTAGE\tHASH\tUPDATED\tCHARS")
	for _, art := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", art.Session, art.Stage, short(art.ContentHash),
			art.UpdatedAt.Format("2006-01-02 15:04"), len(art.Content))
	}
	return tw.Flush()
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
