package lambdart

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

const (
	envRuntimeAPI   = "AWS_LAMBDA_RUNTIME_API"
	envFunctionName = "AWS_LAMBDA_FUNCTION_NAME"
	envFunctionVer  = "AWS_LAMBDA_FUNCTION_VERSION"
	envMemorySize   = "AWS_LAMBDA_FUNCTION_MEMORY_SIZE"
	envLogGroup     = "AWS_LAMBDA_LOG_GROUP_NAME"
	envLogStream    = "AWS_LAMBDA_LOG_STREAM_NAME"
	envRegion       = "AWS_REGION"
	envLocalPort    = "LOCAL_LAMBDA_PORT"
	envLogLevel     = "LOG_LEVEL"

	defaultLocalPort = "7000"
)

// Config binds the environment variables the runtime recognizes, read
// once at construction time. Option values let callers (tests, the
// local server, cmd/lambdart) override individual fields without
// mutating the process environment.
type Config struct {
	RuntimeAPI string

	FunctionName    string
	FunctionVersion string
	MemorySizeMB    string
	LogGroupName    string
	LogStreamName   string
	Region          string

	LocalPort string
	LogLevel  string

	logger  *zerolog.Logger
	metrics *Metrics
	clock   func() time.Time
}

// Option customizes a Config built by NewConfig.
type Option func(*Config)

// WithLogger overrides the process-wide logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Config) { c.logger = &l }
}

// WithMetrics attaches a Metrics instance; without it, metrics
// collection is a no-op.
func WithMetrics(m *Metrics) Option {
	return func(c *Config) { c.metrics = m }
}

// WithClock overrides the clock InvocationContext.RemainingTime uses.
// Exists for tests; production code should never need it.
func WithClock(clock func() time.Time) Option {
	return func(c *Config) { c.clock = clock }
}

// WithAPIAddress overrides the control-plane address instead of
// reading AWS_LAMBDA_RUNTIME_API.
func WithAPIAddress(address string) Option {
	return func(c *Config) { c.RuntimeAPI = address }
}

// WithLocalPort overrides the local development server port instead
// of reading LOCAL_LAMBDA_PORT.
func WithLocalPort(port string) Option {
	return func(c *Config) { c.LocalPort = port }
}

// NewConfig reads the environment and applies opts on top.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		RuntimeAPI:      os.Getenv(envRuntimeAPI),
		FunctionName:    os.Getenv(envFunctionName),
		FunctionVersion: os.Getenv(envFunctionVer),
		MemorySizeMB:    os.Getenv(envMemorySize),
		LogGroupName:    os.Getenv(envLogGroup),
		LogStreamName:   os.Getenv(envLogStream),
		Region:          os.Getenv(envRegion),
		LocalPort:       os.Getenv(envLocalPort),
		LogLevel:        os.Getenv(envLogLevel),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		l := newLogger(c.LogLevel)
		c.logger = &l
	}
	*c.logger = withFunctionMetadata(*c.logger, c)
	if c.clock == nil {
		c.clock = time.Now
	}
	return c
}

// withFunctionMetadata attaches the process-wide function identity
// (static for the life of the sandbox, unlike per-invocation fields
// such as aws-request-id) to every event the logger emits.
func withFunctionMetadata(l zerolog.Logger, c *Config) zerolog.Logger {
	ctx := l.With()
	if c.FunctionName != "" {
		ctx = ctx.Str("function-name", c.FunctionName)
	}
	if c.FunctionVersion != "" {
		ctx = ctx.Str("function-version", c.FunctionVersion)
	}
	if c.Region != "" {
		ctx = ctx.Str("region", c.Region)
	}
	if c.LogGroupName != "" {
		ctx = ctx.Str("log-group-name", c.LogGroupName)
	}
	if c.LogStreamName != "" {
		ctx = ctx.Str("log-stream-name", c.LogStreamName)
	}
	return ctx.Logger()
}

// LocalModeEnabled reports whether the runtime should fall back to
// the local development server: no control-plane address configured.
func (c *Config) LocalModeEnabled() bool {
	return c.RuntimeAPI == ""
}

// LocalPortOrDefault returns LocalPort, or the default port 7000 when
// local mode is selected without an explicit one.
func (c *Config) LocalPortOrDefault() string {
	if c.LocalPort == "" {
		return defaultLocalPort
	}
	return c.LocalPort
}

// Logger returns the configured process-wide logger.
func (c *Config) Logger() *zerolog.Logger {
	return c.logger
}

// MetricsOrNil returns the configured Metrics instance, or nil when
// none was attached via WithMetrics.
func (c *Config) MetricsOrNil() *Metrics {
	return c.metrics
}
