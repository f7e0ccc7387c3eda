// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/regpilot/pkg/extensions"
	"github.com/AleutianAI/regpilot/services/registrar"
	"github.com/AleutianAI/regpilot/services/registrar/datatypes"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "regpilot",
		Short: "Drives enterprise registrations through a remote portal",
		Long: `regpilot accepts registration jobs over HTTP, drives each one through the
portal's stages on a pooled automation session, and pauses for the one-time
code and the final challenge response supplied by the caller.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("REGPILOT_CONFIG"),
		"Path to the YAML configuration file (env REGPILOT_CONFIG)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	checkConfigCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheckConfig(cmd.OutOrStdout(), configPath)
		},
	}

	hashKeyCmd := &cobra.Command{
		Use:   "hash-key [api-key]",
		Short: "Print the key_sha256 value to put in the API key file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), extensions.HashAPIKey(args[0]))
			return err
		},
	}

	samplePayloadCmd := &cobra.Command{
		Use:   "sample-payload",
		Short: "Print a valid job submission body",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"jobs": []datatypes.Payload{datatypes.SamplePayload()}})
		},
	}

	rootCmd.AddCommand(serveCmd, checkConfigCmd, hashKeyCmd, samplePayloadCmd)
	return rootCmd
}

func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := registrar.LoadConfig(configPath)
	if err != nil {
		return err
	}
	svc, err := registrar.New(ctx, cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create registrar: %w", err)
	}
	return svc.Run(ctx)
}

func runCheckConfig(out io.Writer, configPath string) error {
	cfg, err := registrar.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Driver.HTTP.Token != "" {
		cfg.Driver.HTTP.Token = "[REDACTED]"
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
