package main

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sushant-115/gojopage/core/pagecache"
	"github.com/sushant-115/gojopage/pkg/logger"
	"github.com/sushant-115/gojopage/pkg/telemetry"
)

// Version is the gojopage release.
const Version = "0.1.0"

var (
	configFile string

	rootCmd = &cobra.Command{
		Use:   "gojopage",
		Short: "concurrent file-backed page cache",
		Long: fmt.Sprintf(`gojopage (v%s)

A fixed-capacity page cache for file-backed storage engines. Settings are read from
flags, from GOJOPAGE_* environment variables (.env files are honoured) and from an
optional YAML config file, in that order of precedence.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of gojopage",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gojopage v%s\n", Version)
		},
	}
)

// appConfig is the full configuration tree of the binary.
type appConfig struct {
	PageCache pagecache.Config `mapstructure:"pagecache"`
	Logger    logger.Config    `mapstructure:"logger"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

func defaultAppConfig() appConfig {
	return appConfig{
		PageCache: pagecache.DefaultConfig(),
		Logger:    logger.DefaultConfig(),
		Telemetry: telemetry.Config{ServiceName: "gojopage", TraceSampleRatio: 1},
	}
}

// flagBindings maps persistent flags to their viper keys.
var flagBindings = map[string]string{
	"page-size":        "pagecache.page_size",
	"page-count":       "pagecache.page_count",
	"keep-free":        "pagecache.keep_free",
	"evictor-interval": "pagecache.evictor_interval",
	"eviction-passes":  "pagecache.eviction_passes",
	"flush-rate":       "pagecache.flush_bytes_per_second",
	"unpin-timeout":    "pagecache.unpin_timeout",
	"log-level":        "logger.level",
	"log-format":       "logger.format",
	"log-output":       "logger.output_file",
	"metrics":          "telemetry.enabled",
	"metrics-port":     "telemetry.prometheus_port",
}

func init() {
	cobra.OnInitialize(initConfig)

	def := defaultAppConfig()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "path to a YAML config file")
	flags.Int("page-size", def.PageCache.PageSize, "size of every page in bytes")
	flags.Int("page-count", def.PageCache.PageCount, "number of cache pages")
	flags.Int("keep-free", def.PageCache.KeepFree, "free pages the background evictor maintains (0 disables it)")
	flags.Duration("evictor-interval", def.PageCache.EvictorInterval, "how often the background evictor runs")
	flags.Int("eviction-passes", def.PageCache.EvictionPasses, "clock revolutions a single eviction sweep may make")
	flags.Int64("flush-rate", def.PageCache.FlushBytesPerSecond, "flush throttle in bytes per second (0 is unthrottled)")
	flags.Duration("unpin-timeout", def.PageCache.UnpinTimeout, "how long closing a file waits for its pages to be unpinned")
	flags.String("log-level", def.Logger.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", def.Logger.Format, "log format (json, console)")
	flags.String("log-output", def.Logger.OutputFile, "log destination (stdout, stderr, discard or a file path)")
	flags.Bool("metrics", def.Telemetry.Enabled, "enable OpenTelemetry metrics and tracing")
	flags.Int("metrics-port", def.Telemetry.PrometheusPort, "port for the Prometheus /metrics endpoint (0 disables it)")

	for flag, key := range flagBindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(benchCmd)
}

// initConfig reads .env files, the environment and the optional config file.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("gojopage")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	}
}

// loadConfig assembles the configuration from every source and validates it.
func loadConfig() (appConfig, error) {
	cfg := defaultAppConfig()
	if configFile != "" {
		if err := viper.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.PageCache.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
