// ace-host drives Anycubic ACE filament units for a Klipper printer.
//
// Usage:
//
//	ace-host serve -c ~/printer_data/config/ace.cfg
//	ace-host ports
//	ace-host call ACE_STATUS
//	ace-host console
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"klipper-ace/pkg/api"
	"klipper-ace/pkg/log"
)

var (
	// Set by ldflags.
	buildVersion = "dev"
	buildCommit  string

	logLevel  string
	logFormat string
	logFile   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "ace-host",
		Short:        "Host daemon for ACE multi-slot filament units",
		Version:      versionString(),
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return setupLogging()
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR (overrides ACE_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "text or json (overrides ACE_LOG_FORMAT)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file, rotated at 8 MiB")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(portsCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(consoleCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionString() string {
	v := buildVersion
	if buildCommit != "" {
		v += " (" + buildCommit + ")"
	}
	return v
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("ace-host %s\napi %s\n%s %s/%s\n", versionString(), api.Version,
				runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func setupLogging() error {
	root := log.New("ace")
	log.ConfigureFromEnv(root)
	if logLevel != "" {
		root.SetLevel(log.ParseLevel(logLevel))
	}
	if logFormat != "" {
		root.SetFormat(log.ParseFormat(logFormat))
	}
	if logFile != "" {
		f, err := log.OpenRotating(log.RotationConfig{Filename: logFile})
		if err != nil {
			return err
		}
		root.SetWriter(log.Tee(f))
	}
	log.SetDefaultLogger(root)
	return nil
}
