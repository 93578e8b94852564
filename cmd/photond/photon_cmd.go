package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/portel-dev/photonctl/internal/config"
	"github.com/portel-dev/photonctl/internal/photon"
)

// newPhotonCmd groups offline photon inspection/configuration commands that
// act directly on the working directory's files rather than a running
// server, mirroring rcourtman-Pulse's local config subcommands.
func newPhotonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "photon",
		Short: "inspect and configure photons without a running server",
	}
	cmd.AddCommand(newPhotonListCmd())
	cmd.AddCommand(newPhotonConfigureCmd())
	return cmd
}

func newPhotonListCmd() *cobra.Command {
	var root, bundlePath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "pre-check every discovered photon and print its descriptor as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := bootstrapRegistry(cmd.Context(), root, bundlePath, "")
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			for _, d := range registry.List() {
				if err := enc.Encode(d); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", ".", "working directory to scan for *.photon.ts files")
	cmd.Flags().StringVar(&bundlePath, "bundle", "", "path to bundle.yaml listing bundled photon paths")
	return cmd
}

func newPhotonConfigureCmd() *cobra.Command {
	var root, bundlePath, configPath, absPath string
	var envPairs []string
	cmd := &cobra.Command{
		Use:   "configure <name>",
		Short: "set environment variables for a photon and persist them to the configuration envelope",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			env, err := parseEnvPairs(envPairs)
			if err != nil {
				return err
			}

			registry, err := bootstrapRegistry(cmd.Context(), root, bundlePath, configPath)
			if err != nil {
				return err
			}

			target := absPath
			if target == "" {
				id, ok := registry.IDForName(name)
				if !ok {
					return fmt.Errorf("photon %q not found; pass --path for a previously unknown photon", name)
				}
				d, _ := registry.Get(id)
				target = d.AbsPath
			}

			d, err := registry.Configure(cmd.Context(), name, target, env)
			if err != nil {
				return fmt.Errorf("configure %q: %w", name, err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
	cmd.Flags().StringVar(&root, "root", ".", "working directory to scan for *.photon.ts files")
	cmd.Flags().StringVar(&bundlePath, "bundle", "", "path to bundle.yaml listing bundled photon paths")
	cmd.Flags().StringVar(&configPath, "config", "photon.config.json", "path to the configuration envelope")
	cmd.Flags().StringVar(&absPath, "path", "", "absolute path to the photon source, required the first time a photon is configured")
	cmd.Flags().StringArrayVar(&envPairs, "env", nil, "KEY=VALUE environment variable to set, repeatable")
	return cmd
}

func parseEnvPairs(pairs []string) (map[string]string, error) {
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --env value %q, expected KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}

// bootstrapRegistry builds a Registry and runs PreCheck over every
// discovered root, the same sequence runServe performs at startup, so
// offline commands see exactly the state a running server would.
func bootstrapRegistry(ctx context.Context, root, bundlePath, envelopePath string) (*photon.Registry, error) {
	if err := config.LoadDotEnv(root + "/.env"); err != nil {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	bundle, err := config.LoadBundle(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("load bundle manifest: %w", err)
	}
	if envelopePath != "" {
		envelope, err := config.Load(envelopePath)
		if err != nil {
			return nil, fmt.Errorf("load configuration envelope: %w", err)
		}
		for _, vars := range envelope.Photons {
			for k, v := range vars {
				_ = os.Setenv(k, v)
			}
		}
	}

	registry := photon.New(photon.WithEnvelopePath(envelopePath))
	roots, err := photon.ListRoots(root, bundle.Photons)
	if err != nil {
		return nil, fmt.Errorf("list photon roots: %w", err)
	}
	for name, absPath := range roots {
		if _, err := registry.PreCheck(ctx, name, absPath); err != nil {
			return nil, fmt.Errorf("pre-check %q: %w", name, err)
		}
	}
	return registry, nil
}
