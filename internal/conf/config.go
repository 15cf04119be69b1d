// config.go: settings structure and loading for the Vigía ingest service.
package conf

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings contains all runtime configuration for the service.
type Settings struct {
	Debug bool // true to enable debug mode

	Main struct {
		Name     string // instance name, used to identify this pipeline node
		LogLevel string // trace, debug, info, warn, error
	}

	Source struct {
		DSN            string        // PostgreSQL DSN of the source workflow database
		Channels       []string      // notification channels to LISTEN on
		DataTable      string        // table holding the full execution payload
		ReconnectDelay time.Duration // initial delay before re-subscribing after a dropped connection
		ReconnectMax   time.Duration // ceiling for the reconnect backoff
	}

	Output struct {
		SQLite struct {
			Enabled bool   // true to use SQLite as the reporting store
			Path    string // path to the SQLite database file
		}
		MySQL struct {
			Enabled  bool // true to use MySQL as the reporting store
			Username string
			Password string
			Database string
			Host     string
			Port     string
		}
	}

	Media struct {
		ExportPath   string // root directory for image derivatives
		ThumbnailMax int    // maximum thumbnail dimension in pixels
		JPEGQuality  int    // quality for the compressed alternate derivative
		MaxEncoders  int    // concurrency cap for image encoding
	}

	Pipeline struct {
		Workers         int           // concurrent stage-2 workers
		QueueSize       int           // bounded event queue between pipeline and fanout
		MaxRetries      int           // bounded retry count for transient store errors
		RetryBackoff    time.Duration // initial backoff between store retries
		RecentTTL       time.Duration // TTL of the recently-ingested cache in stage 1
		ShutdownTimeout time.Duration // how long Stop waits for in-flight work to drain

		Validation struct {
			RequiredFields []string // payload fields that must be present for enrichment
			MaxImageBytes  int      // reject embedded images larger than this
		}
	}

	Realtime struct {
		Listen            string        // HTTP listen address for SSE and status endpoints
		HeartbeatInterval time.Duration // heartbeat broadcast interval
		StatsInterval     time.Duration // aggregate-stats broadcast interval
		HealthInterval    time.Duration // aggregate-health broadcast interval
		ClientBuffer      int           // per-subscriber event buffer
	}

	Subscriber struct {
		URL         string        // stream endpoint for the watch command
		BackoffBase time.Duration // base delay for reconnect backoff
		MaxAttempts int           // reconnect attempts before terminal error
	}
}

// Load reads the configuration file and environment into a Settings struct.
// Missing values fall back to defaults; a missing config file is not an
// error. Validation happens later, after command-line flags are applied.
func Load() (*Settings, error) {
	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	return settings, nil
}

func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/vigia")
	viper.AddConfigPath("/etc/vigia")

	viper.SetEnvPrefix("vigia")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("fatal error reading config file: %w", err)
		}
		log.Println("config file not found, using defaults")
	}

	return nil
}

// Validate catches configurations the pipeline cannot run with.
func Validate(s *Settings) error {
	if s.Source.DSN == "" {
		return fmt.Errorf("source.dsn is required")
	}
	if len(s.Source.Channels) == 0 {
		return fmt.Errorf("source.channels must list at least one notification channel")
	}
	if !s.Output.SQLite.Enabled && !s.Output.MySQL.Enabled {
		return fmt.Errorf("either output.sqlite or output.mysql must be enabled")
	}
	if s.Output.SQLite.Enabled && s.Output.MySQL.Enabled {
		return fmt.Errorf("only one reporting store may be enabled")
	}
	if s.Media.ExportPath == "" {
		return fmt.Errorf("media.exportpath is required")
	}
	if s.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1")
	}
	return nil
}
