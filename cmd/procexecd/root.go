package main

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"procexec/internal/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "procexecd",
		Short:         "Job execution server with a worker pool, status store and cleanup reaper",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			envFile, _ := cmd.Flags().GetString("env-file")
			return loadEnv(envFile)
		},
	}
	root.PersistentFlags().String("config", "", "path to config (json or yaml); defaults to $"+config.EnvConfigPath+" or "+config.DefaultPath)
	root.PersistentFlags().String("env-file", "", "optional .env file loaded before reading the config")

	root.AddCommand(newServeCmd(), newGCCmd())
	return root
}

// loadEnv loads an explicit env file, or ./.env when present. Variables
// already set in the environment win.
func loadEnv(path string) error {
	if p := strings.TrimSpace(path); p != "" {
		return godotenv.Load(p)
	}
	_ = godotenv.Load()
	return nil
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return config.ResolvePath(p)
}
