package main

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newRootCmd builds the CLI surface, adapted from the teacher's
// cli/root.go: a persistent --config flag, WF_-prefixed environment
// variables layered over a config file, and --log-level/--log-format
// flags shared by every subcommand.
func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "workflowd",
		Short:         "Drives the lesson-generation workflow engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	var configFile, logLevel, logFormat string
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (yaml/json/toml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")

	cobra.OnInitialize(func() {
		if configFile != "" {
			v.SetConfigFile(configFile)
		} else {
			v.SetConfigName("workflowd")
			v.AddConfigPath(".")
			v.AddConfigPath("/etc/workflowd")
		}
		v.SetEnvPrefix("WF")
		v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		v.AutomaticEnv()
		_ = v.ReadInConfig() // absence of a config file is not fatal; env/flags/defaults carry the rest
	})

	root.AddCommand(newServeCmd(v, &logLevel, &logFormat))
	return root
}
