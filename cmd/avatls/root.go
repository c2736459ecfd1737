package main

import (
	"github.com/spf13/cobra"
)

// globalOptions holds the flags shared by every subcommand.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// newRootCmd creates the root command for avatls.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "avatls",
		Short: "TLS session manager",
		Long: `avatls establishes TLS sessions over TCP.

"serve" accepts sessions and echoes what each peer sends. "connect" opens a
session, copies stdin to it and prints whatever comes back.

Example:
  avatls serve --address :8443 --cert-file tls.crt --key-file tls.key
  echo hello | avatls connect --address localhost:8443 --ca-file ca.crt`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c",
		getEnvOrDefault("AVATLS_CONFIG", ""), "Path to configuration file (YAML)")
	flags.StringVarP(&opts.logLevel, "log-level", "l",
		getEnvOrDefault("AVATLS_LOG_LEVEL", ""), "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format",
		getEnvOrDefault("AVATLS_LOG_FORMAT", ""), "Log format (json, console)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newConnectCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}
