// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the command-line interface of the gateway.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcpgate/pkg/gateway/config"
	"github.com/stacklok/mcpgate/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "mcpgate",
	DisableAutoGenTag: true,
	Short:             "MCP aggregation gateway",
	Long: `mcpgate aggregates multiple MCP (Model Context Protocol) servers into a
single endpoint. It connects to the configured backends, merges their tools,
resources, and prompts into one capability catalog with per-backend filtering
and conflict resolution, and routes client requests to the backend that owns
each capability.

The gateway supports authentication and authorization of incoming clients,
audit logging, health monitoring of backends, and live configuration reload.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorw("error displaying help", "error", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the mcpgate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorw("error binding debug flag", "error", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the gateway configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorw("error binding config flag", "error", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway: connect to the configured backends, build the
aggregated capability catalog, and serve MCP clients until interrupted.`,
		RunE: runServe,
	}
	cmd.Flags().Bool("watch", false, "Reload the configuration when the file changes on disk")
	if err := viper.BindPFlag("watch", cmd.Flags().Lookup("watch")); err != nil {
		logger.Errorw("error binding watch flag", "error", err)
	}
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}

			logger.Infow("configuration is valid",
				"name", cfg.Name,
				"backends", len(cfg.Backends),
				"conflict_resolution", cfg.ConflictResolution.Strategy,
				"incoming_auth", cfg.IncomingAuth.Type)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infow("mcpgate", "version", getVersion())
		},
	}
}

// version is set at build time via ldflags.
var version = "dev"

func getVersion() string {
	return version
}
