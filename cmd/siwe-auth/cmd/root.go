package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "siwe-auth",
	Short: "Sign-in with Ethereum authentication service",
	Long: `Issues sign-in nonces, verifies signed wallet challenges and mints
RS256 access/refresh token pairs with single-session refresh rotation.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to a YAML config file (default ./config.yaml)")
}
