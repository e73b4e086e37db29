package eventlog

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidLogLevel         = errors.New("invalid log level")
	ErrInvalidFormat           = errors.New("invalid log format")
	ErrMissingFileConfig       = errors.New("missing file configuration for file output target")
	ErrMissingFilePath         = errors.New("missing file path for file output target")
	ErrUnknownOutputTargetType = errors.New("unknown output target type")
	ErrFileNotOpen             = errors.New("file not open")
	ErrBufferFull              = errors.New("event buffer is full")
)

// Config holds the sink configuration.
type Config struct {
	// BufferSize is the capacity of the queue between Emit and the output worker.
	BufferSize int `yaml:"bufferSize" toml:"bufferSize" json:"bufferSize" default:"256" desc:"Buffer size for async event writing"`

	// RecentSize is how many entries Recent can return.
	RecentSize int `yaml:"recentSize" toml:"recentSize" json:"recentSize" default:"500" desc:"Number of recent events kept in memory"`

	Outputs []OutputTargetConfig `yaml:"outputs" toml:"outputs" json:"outputs" desc:"Output targets for event logs"`
}

// OutputTargetConfig configures a specific output target for event logs.
type OutputTargetConfig struct {
	// Type specifies the output type (console, file)
	Type string `yaml:"type" toml:"type" json:"type" default:"console" desc:"Output target type"`

	// Level is the minimum level written by this target.
	Level string `yaml:"level" toml:"level" json:"level" default:"INFO" desc:"Minimum log level for this target"`

	// Format is one of json, text, structured.
	Format string `yaml:"format" toml:"format" json:"format" default:"structured" desc:"Log format for this target"`

	Console *ConsoleTargetConfig `yaml:"console,omitempty" toml:"console,omitempty" json:"console,omitempty" desc:"Console output configuration"`
	File    *FileTargetConfig    `yaml:"file,omitempty" toml:"file,omitempty" json:"file,omitempty" desc:"File output configuration"`
}

// ConsoleTargetConfig configures console output.
type ConsoleTargetConfig struct {
	UseColor   bool `yaml:"useColor" toml:"useColor" json:"useColor" desc:"Enable colored console output"`
	Timestamps bool `yaml:"timestamps" toml:"timestamps" json:"timestamps" desc:"Include timestamps in console output"`
}

// FileTargetConfig configures file output.
type FileTargetConfig struct {
	Path string `yaml:"path" toml:"path" json:"path" desc:"Path to log file"`
}

// Validate checks every output target.
func (c *Config) Validate() error {
	if c.BufferSize < 0 {
		return fmt.Errorf("eventlog: buffer size must not be negative, got %d", c.BufferSize)
	}
	for i, target := range c.Outputs {
		if err := target.Validate(); err != nil {
			return fmt.Errorf("output target %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks a single output target.
func (c *OutputTargetConfig) Validate() error {
	switch c.Level {
	case "", "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidLogLevel, c.Level)
	}
	switch c.Format {
	case "", "json", "text", "structured":
	default:
		return fmt.Errorf("%w: %s", ErrInvalidFormat, c.Format)
	}
	switch c.Type {
	case "", "console":
	case "file":
		if c.File == nil {
			return ErrMissingFileConfig
		}
		if c.File.Path == "" {
			return ErrMissingFilePath
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownOutputTargetType, c.Type)
	}
	return nil
}
