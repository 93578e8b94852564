package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/portel-dev/photonctl/internal/config"
)

// newConfigCmd groups commands that operate on the on-disk configuration
// envelope directly, without a running server.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "inspect and migrate the configuration envelope",
	}
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigMigrateCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "print the configuration envelope as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load configuration envelope: %w", err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(env)
		},
	}
	cmd.Flags().StringVar(&path, "config", "photon.config.json", "path to the configuration envelope")
	return cmd
}

// newConfigMigrateCmd forces the legacy-flat-to-nested migration config.Load
// already performs transparently on read; useful for an operator who wants
// the on-disk file rewritten without first touching the server.
func newConfigMigrateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "rewrite the configuration envelope in the current on-disk shape",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load configuration envelope: %w", err)
			}
			if err := config.Save(path, env); err != nil {
				return fmt.Errorf("save configuration envelope: %w", err)
			}
			fmt.Fprintf(os.Stdout, "migrated %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "photon.config.json", "path to the configuration envelope")
	return cmd
}
