// Package observability provides the logger and Prometheus metrics used by
// record sets and the command line tool.
package observability

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig selects where and how verbosely to log.
type LogConfig struct {
	// Path is "stderr", "stdout", "/dev/null" or a file path opened for append
	Path  string        `yaml:"path" json:"path"`
	Level zapcore.Level `yaml:"level" json:"level"`
	// DevMode switches to the human readable console encoder
	DevMode bool `yaml:"dev_mode" json:"dev_mode"`
}

// DefaultLogConfig logs info and above to stderr as JSON.
func DefaultLogConfig() LogConfig {
	return LogConfig{Path: "stderr", Level: zapcore.InfoLevel}
}

// NewLogger builds a zap logger from conf.
func NewLogger(conf LogConfig) (*zap.Logger, error) {
	w, err := openSink(conf.Path)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(encoder(conf.DevMode), w, conf.Level)
	opts := []zap.Option{zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if conf.DevMode {
		opts = append(opts, zap.AddCaller(), zap.Development())
	}
	return zap.New(core, opts...), nil
}

func openSink(path string) (zapcore.WriteSyncer, error) {
	switch path {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "/dev/null":
		return zapcore.AddSync(io.Discard), nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("observability: failed to open log file: %w", err)
	}
	return zapcore.Lock(f), nil
}

func encoder(dev bool) zapcore.Encoder {
	if dev {
		return zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}
	conf := zap.NewProductionEncoderConfig()
	conf.CallerKey = ""
	conf.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(conf)
}
