// Package logger builds the zap logger shared by the page cache and the gojopage CLI.
//
// Cache components log lifecycle events at Info and per-page detail at Debug. At debug
// level a busy cache emits the same messages thousands of times a second, so the core can
// be wrapped in zap's sampler.
package logger

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level ("debug", "info", "warn", "error"). Unknown levels
	// fall back to info.
	Level string `yaml:"level" mapstructure:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format" mapstructure:"format"`
	// OutputFile is "stdout", "stderr", "discard" or a file path to append to.
	OutputFile string `yaml:"output_file" mapstructure:"output_file"`
	// Service is attached to every entry as the "service" field.
	Service string `yaml:"service" mapstructure:"service"`
	// SampleInitial entries per second and message are logged, then every SampleThereafter-th.
	// Zero disables sampling.
	SampleInitial    int `yaml:"sample_initial" mapstructure:"sample_initial"`
	SampleThereafter int `yaml:"sample_thereafter" mapstructure:"sample_thereafter"`
}

// DefaultConfig logs info and above as console text to stderr, keeping stdout free for
// command output.
func DefaultConfig() Config {
	return Config{
		Level:            "info",
		Format:           "console",
		OutputFile:       "stderr",
		Service:          "gojopage",
		SampleInitial:    100,
		SampleThereafter: 100,
	}
}

// New creates a zap.Logger from config. Errors carry a stack trace.
func New(config Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(config.Format), sink, level)
	if config.SampleInitial > 0 {
		thereafter := config.SampleThereafter
		if thereafter <= 0 {
			thereafter = config.SampleInitial
		}
		core = zapcore.NewSamplerWithOptions(core, time.Second, config.SampleInitial, thereafter)
	}

	service := config.Service
	if service == "" {
		service = "gojopage"
	}
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
		zap.Fields(zap.String("service", service)),
	), nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder

	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// openSink resolves the output destination. zap.Open understands stdout, stderr and paths.
func openSink(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "":
		output = "stderr"
	case "discard":
		return zapcore.AddSync(io.Discard), nil
	}
	sink, _, err := zap.Open(output)
	if err != nil {
		return nil, fmt.Errorf("open log output %s: %w", output, err)
	}
	return sink, nil
}
