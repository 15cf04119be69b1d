// Package watch implements the watch command, a terminal client for the live
// event stream.
package watch

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tomasvidal/vigia/internal/conf"
	"github.com/tomasvidal/vigia/internal/events"
	"github.com/tomasvidal/vigia/internal/logging"
	"github.com/tomasvidal/vigia/internal/subscriber"
)

// Command creates the watch command, which follows a running instance's event
// stream and logs each event.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live event stream of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(settings)
		},
	}

	if err := setupFlags(cmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings) error {
	cmd.Flags().StringVar(&settings.Subscriber.URL, "url", viper.GetString("subscriber.url"), "Stream endpoint to follow")
	cmd.Flags().DurationVar(&settings.Subscriber.BackoffBase, "backoff", viper.GetDuration("subscriber.backoffbase"), "Base reconnect delay, doubled per attempt")
	cmd.Flags().IntVar(&settings.Subscriber.MaxAttempts, "maxattempts", viper.GetInt("subscriber.maxattempts"), "Reconnect attempts before giving up")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}

	return nil
}

func run(settings *conf.Settings) error {
	logging.Init(logging.ParseLevel(settings.Main.LogLevel))
	logger := logging.ForService("watch")

	sub := subscriber.New(subscriber.Config{
		URL:         settings.Subscriber.URL,
		BackoffBase: settings.Subscriber.BackoffBase,
		MaxAttempts: settings.Subscriber.MaxAttempts,
	}, func(ev events.Event) {
		logger.Info("stream event",
			"type", ev.Type,
			"event_id", ev.EventID,
			"payload", ev.Payload,
		)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := sub.Run(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
