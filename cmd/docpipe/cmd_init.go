package main

import (
	"fmt"
	"os"

	"docpipe/internal/config"
	"docpipe/internal/pipeline"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newInitCmd() *cobra.Command {
	var force bool
	var foundingSession string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the store",
		Long: `Creates <workspace>/.docpipe/config.yaml with the default settings and
initializes the database. An existing config is kept unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := resolveWorkspace()
			if err != nil {
				return err
			}
			path := configPath
			if path == "" {
				path = config.DefaultPath(ws)
			}

			if _, err := os.Stat(path); err == nil && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "Config %s already exists (use --force to overwrite)\n", path)
			} else {
				cfg := config.DefaultConfig()
				if foundingSession != "" {
					cfg.Governance.FoundingSession = foundingSession
				}
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("%w: %v", pipeline.ErrValidation, err)
				}
				if err := cfg.Save(path); err != nil {
					return err
				}
				logger.Info("Config written", zap.String("path", path))
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			}

			return withApp(func(a *app) error {
				version, err := a.store.SchemaVersion()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Store ready at %s (schema v%d)\n", a.store.Path(), version)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	cmd.Flags().StringVar(&foundingSession, "founding-session", "", "Session allowed to declare claims directly")
	return cmd
}
