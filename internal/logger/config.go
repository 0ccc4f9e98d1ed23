package logger

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

type Config struct {
	Format string        `toml:"format"`
	Level  zapcore.Level `toml:"level"`
}

// NewConfig returns a new instance of Config with defaults.
func NewConfig() Config {
	return Config{
		Format: "auto",
		Level:  zapcore.InfoLevel,
	}
}

// Validate returns an error if the format is not recognised.
func (c Config) Validate() error {
	switch c.Format {
	case "", "auto", "console", "json":
		return nil
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
}
