package main

import (
	"fmt"
	"os"

	"docpipe/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	dbPath     string
	jsonOutput bool

	// Logger
	logger *zap.Logger
)

// newRootCmd builds the command tree. Flags are rebound on every call so tests
// can run commands back to back.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "docpipe",
		Short: "docpipe - artifact store and blueprint claim governance",
		Long: `docpipe keeps the documents of a staged planning pipeline
(intent, context, spec, plan, tasks, implementation, feedback) for every
session of a project, and governs the claims that make up the project's
blueprint.

A claim reaches the blueprint either by declaration against the founding
session or by passing the promotion gate with evidence from several
sessions and stages. The projected BLUEPRINT.md is hash-protected: edits made
outside docpipe are detected and must be accepted explicitly.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
			logging.CloseAll()
		},
	}

	flags := root.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	flags.StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: nearest .docpipe, go.mod or .git)")
	flags.StringVar(&configPath, "config", "", "Config file (default: <workspace>/.docpipe/config.yaml)")
	flags.StringVar(&dbPath, "db", "", "Database path, overrides store.path")
	flags.BoolVar(&jsonOutput, "json", false, "Print machine-readable JSON")

	root.AddCommand(
		newInitCmd(),
		newArtifactCmd(),
		newGraphCmd(),
		newCandidatesCmd(),
		newEvaluateCmd(),
		newPromotionsCmd(),
		newClaimsCmd(),
		newBlueprintCmd(),
		newIntegrityCmd(),
		newProjectCmd(),
		newStatusCmd(),
	)
	return root
}

func setup(cmd *cobra.Command, args []string) error {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	var err error
	logger, err = config.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	if err := logging.Initialize(ws); err != nil {
		logger.Warn("File logging disabled", zap.Error(err))
	}
	logging.Get(logging.CategoryCLI).Info("docpipe %s", cmd.CommandPath())
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error:"), err)
		os.Exit(1)
	}
}
