package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"docpipe/internal/blueprint"
	"docpipe/internal/integrity"
	"docpipe/internal/pipeline"
	"docpipe/internal/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newBlueprintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blueprint",
		Short: "Project active claims into the governing document",
	}

	var actor string
	projectCmd := &cobra.Command{
		Use:   "project <project>",
		Short: "Write BLUEPRINT.md from the active claims",
		Long: `Renders the active claims of a project and writes them to
<blueprint.dir>/<project>/BLUEPRINT.md. The write is refused when the file was
edited outside docpipe; review the edit and run "docpipe integrity accept" first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				p := blueprint.NewProjector(a.ledger, a.guard, a.source, actor)
				res, err := p.Project(args[0])
				if err != nil {
					if errors.Is(err, integrity.ErrTampered) {
						fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", warnBadge.Render("TAMPERED"), err)
					}
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), res)
				}
				if res.Unchanged {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is up to date (%d claims)\n", res.Path, res.Claims)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d claims, %s)\n", res.Path, res.Claims, short(res.Hash))
				return nil
			})
		},
	}
	projectCmd.Flags().StringVar(&actor, "actor", "", "Recorded on the baseline event")

	var raw bool
	var style string
	var width int
	showCmd := &cobra.Command{
		Use:   "show <project>",
		Short: "Display the governing document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				text, err := a.projector.Show(args[0])
				if err != nil {
					return err
				}
				if raw || jsonOutput {
					if jsonOutput {
						return printJSON(cmd.OutOrStdout(), map[string]string{
							"project": args[0], "path": a.source.Path(args[0]), "content": text,
						})
					}
					_, err := io.WriteString(cmd.OutOrStdout(), text)
					return err
				}
				rendered, err := blueprint.RenderTerminal(text, style, width)
				if err != nil {
					return err
				}
				_, err = io.WriteString(cmd.OutOrStdout(), rendered)
				return err
			})
		},
	}
	showCmd.Flags().BoolVar(&raw, "raw", false, "Print the Markdown source")
	showCmd.Flags().StringVar(&style, "style", "", "Glamour style (dark, light, notty, ...)")
	showCmd.Flags().IntVar(&width, "width", blueprint.DefaultWrap, "Word-wrap width")

	cmd.AddCommand(projectCmd, showCmd)
	return cmd
}

func newIntegrityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integrity",
		Short: "Detect and resolve out-of-band edits of the governing document",
	}
	cmd.AddCommand(newIntegrityVerifyCmd(), newIntegrityAcceptCmd(), newIntegrityStatusCmd(), newIntegrityWatchCmd())
	return cmd
}

func printWarning(w io.Writer, warning integrity.Warning) {
	fmt.Fprintf(w, "%s %s\n", warnBadge.Render("WARNING"), warning.String())
}

func newIntegrityVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <project>",
		Short: "Compare the governing document with its stored hash",
		Long: `Compares the document on disk with the stored hash. A mismatch is a
warning, not an error: it is recorded in the tamper log and printed, and the
command succeeds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				warning, err := a.guard.Verify(args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string]any{
						"project": args[0], "ok": warning == nil, "warning": warning,
					})
				}
				if warning != nil {
					printWarning(cmd.OutOrStdout(), *warning)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", allowBadge.Render("OK"), a.source.Path(args[0]))
				return nil
			})
		},
	}
}

func newIntegrityAcceptCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "accept <project>",
		Short: "Adopt the current document as the new reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ev, err := a.guard.AcceptCurrent(args[0], actor)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), ev)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Accepted %s (%s -> %s) by %s\n",
					a.source.Path(args[0]), short(ev.ExpectedHash), short(ev.ActualHash), ev.Actor)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Who accepts the edit")
	return cmd
}

func newIntegrityStatusCmd() *cobra.Command {
	var showLog bool
	cmd := &cobra.Command{
		Use:   "status <project>",
		Short: "Report integrity state without recording anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				st, err := a.guard.Status(args[0])
				if err != nil {
					return err
				}
				var events []store.IntegrityEvent
				if showLog {
					if events, err = a.guard.Events(args[0]); err != nil {
						return err
					}
				}
				out := cmd.OutOrStdout()
				if jsonOutput {
					return printJSON(out, struct {
						integrity.Status
						Events []store.IntegrityEvent `json:"events,omitempty"`
					}{st, events})
				}

				state := allowBadge.Render("OK")
				switch {
				case !st.Baselined:
					state = mutedStyle.Render("no baseline")
				case !st.Matches:
					state = warnBadge.Render("MISMATCH")
				}
				fmt.Fprintf(out, "%s %s\n", state, a.source.Path(args[0]))
				fmt.Fprintf(out, "  stored  %s\n  current %s\n", short(st.StoredHash), short(st.CurrentHash))
				if st.DocumentMissing {
					fmt.Fprintln(out, "  document missing")
				}
				if st.LastEvent != nil {
					fmt.Fprintf(out, "  last event %s by %s at %s\n", st.LastEvent.Action, st.LastEvent.Actor,
						st.LastEvent.CreatedAt.Format("2006-01-02 15:04:05"))
				}
				for _, e := range events {
					fmt.Fprintf(out, "  %s %-8s %s -> %s %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"),
						e.Action, short(e.ExpectedHash), short(e.ActualHash), e.Actor)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showLog, "log", false, "Include the full tamper log")
	return cmd
}

func newIntegrityWatchCmd() *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch [project...]",
		Short: "Watch governing documents and report out-of-band edits",
		Long: `Verifies each governing document once, then keeps watching and verifies
again whenever a document changes. Without arguments every project in the
store is watched. Stop with Ctrl-C.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(func(a *app) error {
				return runWatch(ctx, cmd.OutOrStdout(), a, args, debounce)
			})
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", integrity.DefaultDebounce, "Quiet period before verifying")
	return cmd
}

// lockedWriter serializes writes from the watch goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func runWatch(ctx context.Context, w io.Writer, a *app, projects []string, debounce time.Duration) error {
	out := &lockedWriter{w: w}
	if len(projects) == 0 {
		var err error
		if projects, err = a.store.Projects(); err != nil {
			return err
		}
	}
	if len(projects) == 0 {
		return fmt.Errorf("%w: no projects to watch", pipeline.ErrNotFound)
	}

	files := make(map[string]string, len(projects))
	for _, p := range projects {
		path := a.source.Path(p)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
		}
		files[p] = path
	}

	warnings := make(chan integrity.Warning, 16)
	watcher, err := integrity.NewWatcher(a.guard, files,
		integrity.WithDebounce(debounce),
		integrity.OnWarning(func(warning integrity.Warning) {
			select {
			case warnings <- warning:
			case <-ctx.Done():
			}
		}),
	)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer watcher.Stop()
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		for _, p := range projects {
			warning, err := a.guard.Verify(p)
			if err != nil {
				return err
			}
			if warning != nil {
				printWarning(out, *warning)
			} else {
				fmt.Fprintf(out, "%s %s\n", allowBadge.Render("OK"), files[p])
			}
		}
		logger.Info("Watching governing documents", zap.Int("projects", len(projects)))
		<-ctx.Done()
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case warning := <-warnings:
				printWarning(out, warning)
			}
		}
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
