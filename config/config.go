// This package defines a common config struct which can be used by any subsystem within courier.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug         bool
	RootDir       string
	LoggingPrefix string

	// cooldown windows for the session negative caches
	MissingDeviceCooldownMs    int64
	StaleIdentityCooldownMs    int64
	InvalidSignatureCooldownMs int64

	// how long a newly-learned identity key stays untrusted for sending
	UntrustedKeyWindowMs int64

	// send log retention
	PayloadLifetimeMs int64
	PruneIntervalMs   int64
	SendLogEnabled    bool

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithMissingDeviceCooldownMs(n int64) Option {
	return func(c *Config) {
		c.MissingDeviceCooldownMs = n
	}
}

func WithStaleIdentityCooldownMs(n int64) Option {
	return func(c *Config) {
		c.StaleIdentityCooldownMs = n
	}
}

func WithUntrustedKeyWindowMs(n int64) Option {
	return func(c *Config) {
		c.UntrustedKeyWindowMs = n
	}
}

func WithPayloadLifetimeMs(n int64) Option {
	return func(c *Config) {
		c.PayloadLifetimeMs = n
	}
}

func WithPruneIntervalMs(n int64) Option {
	return func(c *Config) {
		c.PruneIntervalMs = n
	}
}

func WithSendLogEnabled(e bool) Option {
	return func(c *Config) {
		c.SendLogEnabled = e
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                      os.Getenv("DEBUG") == "1",
		LoggingPrefix:              "",
		RootDir:                    ".",
		MissingDeviceCooldownMs:    60 * 1000,
		StaleIdentityCooldownMs:    5 * 60 * 1000,
		InvalidSignatureCooldownMs: 5 * 60 * 1000,
		UntrustedKeyWindowMs:       5 * 1000,
		PayloadLifetimeMs:          14 * 24 * 60 * 60 * 1000,
		PruneIntervalMs:            60 * 60 * 1000,
		SendLogEnabled:             true,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
