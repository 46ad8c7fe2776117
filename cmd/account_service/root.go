package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "account_service",
		Short:         "Account registration, login and password reset service",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("CONFIG_PATH"), "config file path (env CONFIG_PATH)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())

	return cmd
}
