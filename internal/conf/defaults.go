// defaults.go: default configuration values applied before reading the config file.
package conf

import "github.com/spf13/viper"

// setDefaultConfig registers default values for all settings.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	// Main
	viper.SetDefault("main.name", "vigia")
	viper.SetDefault("main.loglevel", "info")

	// Source database
	viper.SetDefault("source.dsn", "")
	viper.SetDefault("source.channels", []string{"execution_created"})
	viper.SetDefault("source.datatable", "execution_data")
	viper.SetDefault("source.reconnectdelay", "1s")
	viper.SetDefault("source.reconnectmax", "60s")

	// Reporting store
	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "vigia.db")
	viper.SetDefault("output.mysql.enabled", false)
	viper.SetDefault("output.mysql.username", "vigia")
	viper.SetDefault("output.mysql.password", "")
	viper.SetDefault("output.mysql.database", "vigia")
	viper.SetDefault("output.mysql.host", "localhost")
	viper.SetDefault("output.mysql.port", "3306")

	// Image derivatives
	viper.SetDefault("media.exportpath", "media")
	viper.SetDefault("media.thumbnailmax", 320)
	viper.SetDefault("media.jpegquality", 80)
	viper.SetDefault("media.maxencoders", 2)

	// Pipeline
	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.queuesize", 1024)
	viper.SetDefault("pipeline.maxretries", 3)
	viper.SetDefault("pipeline.retrybackoff", "250ms")
	viper.SetDefault("pipeline.recentttl", "5m")
	viper.SetDefault("pipeline.shutdowntimeout", "30s")
	viper.SetDefault("pipeline.validation.requiredfields", []string{"execution_id", "status"})
	viper.SetDefault("pipeline.validation.maximagebytes", 10*1024*1024)

	// Realtime surface
	viper.SetDefault("realtime.listen", ":8090")
	viper.SetDefault("realtime.heartbeatinterval", "30s")
	viper.SetDefault("realtime.statsinterval", "15s")
	viper.SetDefault("realtime.healthinterval", "60s")
	viper.SetDefault("realtime.clientbuffer", 100)

	// Subscriber reconnect policy
	viper.SetDefault("subscriber.url", "http://localhost:8090/api/v1/stream")
	viper.SetDefault("subscriber.backoffbase", "1s")
	viper.SetDefault("subscriber.maxattempts", 5)
}
