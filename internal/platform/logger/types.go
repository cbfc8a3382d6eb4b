package logger

// Config represents logger configuration.
type Config struct {
	Level       string   `env:"LOG_LEVEL" yaml:"level"`
	Format      string   `env:"LOG_FORMAT" yaml:"format"`
	Development bool     `yaml:"development"`
	OutputPaths []string `yaml:"output_paths"`
}

const (
	DefaultLevel  = "info"
	DefaultFormat = "json"
)

var DefaultOutputPaths = []string{"stdout"}

// SetDefaults fills zero-valued fields with defaults.
func (c *Config) SetDefaults() {
	if c.Level == "" {
		c.Level = DefaultLevel
	}
	if c.Format == "" {
		c.Format = DefaultFormat
	}
	if len(c.OutputPaths) == 0 {
		c.OutputPaths = DefaultOutputPaths
	}
}
