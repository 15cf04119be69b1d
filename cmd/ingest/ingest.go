package ingest

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tomasvidal/vigia/internal/conf"
	"github.com/tomasvidal/vigia/internal/service"
)

// Command creates the ingest command, the main run mode of the service.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run the ingest pipeline and event stream",
		Long:  "Listen for workflow execution notifications, mirror and enrich them into the reporting store, and fan results out to stream subscribers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := conf.Validate(settings); err != nil {
				return err
			}
			return service.Run(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the ingest command.
func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.Media.ExportPath, "mediapath", viper.GetString("media.exportpath"), "Root directory for image derivatives")
	cmd.Flags().IntVar(&settings.Pipeline.Workers, "workers", viper.GetInt("pipeline.workers"), "Concurrent enrichment workers")
	cmd.Flags().StringVar(&settings.Output.SQLite.Path, "dbpath", viper.GetString("output.sqlite.path"), "Path to the SQLite reporting database")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}
