package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tomasvidal/vigia/cmd/ingest"
	"github.com/tomasvidal/vigia/cmd/watch"
	"github.com/tomasvidal/vigia/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vigia",
		Short: "Vigía workflow execution ingest service",
	}

	if err := setupFlags(rootCmd, settings); err != nil {
		cobra.CheckErr(err)
	}

	rootCmd.AddCommand(ingest.Command(settings))
	rootCmd.AddCommand(watch.Command(settings))

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	rootCmd.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	rootCmd.PersistentFlags().StringVar(&settings.Main.LogLevel, "loglevel", viper.GetString("main.loglevel"), "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&settings.Source.DSN, "dsn", viper.GetString("source.dsn"), "PostgreSQL DSN of the source workflow database")
	rootCmd.PersistentFlags().StringSliceVar(&settings.Source.Channels, "channels", viper.GetStringSlice("source.channels"), "Notification channels to listen on")
	rootCmd.PersistentFlags().StringVar(&settings.Realtime.Listen, "listen", viper.GetString("realtime.listen"), "HTTP listen address for the stream and status endpoints")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
