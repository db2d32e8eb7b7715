package configuration

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"reflect"
	"strings"
	"time"
)

// Configuration is a versioned registry configuration, intended to be provided by a yaml file, and
// optionally modified by environment variables.
//
// Note that yaml field names should never include _ characters, since this is the separator used
// in environment variable names.
type Configuration struct {
	// Version is the version which defines the format of the rest of the configuration
	Version Version `yaml:"version"`

	// Log supports setting various parameters related to the logging
	// subsystem.
	Log struct {
		// AccessLog configures access logging.
		AccessLog struct {
			// Disabled disables access logging.
			Disabled bool `yaml:"disabled,omitempty"`

			// Formatter overrides the default formatter with another. Options include "text" and "json". The default
			// is "json".
			Formatter accessLogFormat `yaml:"formatter,omitempty"`
		} `yaml:"accesslog,omitempty"`

		// Level is the granularity at which registry operations are logged.
		// Options include "error", "warn", "info", "debug" and "trace". The
		// default is "info".
		Level Loglevel `yaml:"level,omitempty"`

		// Formatter sets the format of logging output. Options include "text" and "json". The default is "json".
		Formatter logFormat `yaml:"formatter,omitempty"`

		// Output sets the output destination. Options include "stderr" and
		// "stdout". The default is "stdout".
		Output logOutput `yaml:"output,omitempty"`

		// Fields allows users to specify static string fields to include in
		// the logger context.
		Fields map[string]any `yaml:"fields,omitempty"`
	}

	// Loglevel is the level at which registry operations are logged.
	//
	// Deprecated: Use Log.Level instead.
	Loglevel Loglevel `yaml:"loglevel,omitempty"`

	// Auth allows configuration of the identity controller used to resolve
	// the principal behind inbound requests.
	Auth Auth `yaml:"auth,omitempty"`

	// Reporting is the configuration for error reporting
	Reporting Reporting `yaml:"reporting,omitempty"`

	// HTTP contains configuration parameters for the registry's http
	// interface.
	HTTP struct {
		// Addr specifies the bind address for the registry instance.
		Addr string `yaml:"addr,omitempty"`

		// Net specifies the net portion of the bind address. A default empty value means tcp.
		Net string `yaml:"net,omitempty"`

		// Host specifies an externally-reachable address for the registry, as a fully
		// qualified URL.
		Host string `yaml:"host,omitempty"`

		Prefix string `yaml:"prefix,omitempty"`

		// RelativeURLs specifies that relative URLs should be returned in
		// Location headers
		RelativeURLs bool `yaml:"relativeurls,omitempty"`

		// Amount of time to wait for connection to drain before shutting down when registry
		// receives a stop signal
		DrainTimeout time.Duration `yaml:"draintimeout,omitempty"`

		// TLS instructs the http server to listen with a TLS configuration.
		// This only support simple tls configuration with a cert and key.
		// Mostly, this is useful for testing situations or simple deployments
		// that require tls. If more complex configurations are required, use
		// a proxy or make a proposal to add support here.
		TLS TLS `yaml:"tls,omitempty"`

		// Headers is a set of headers to include in HTTP responses. A common
		// use case for this would be security headers such as
		// Strict-Transport-Security. The map keys are the header names, and
		// the values are the associated header payloads.
		Headers http.Header `yaml:"headers,omitempty"`

		// Debug configures the http debug interface, if specified. This can
		// include services such as pprof, expvar and other data that should
		// not be exposed externally. Left disabled by default.
		Debug struct {
			// Addr specifies the bind address for the debug server.
			Addr string `yaml:"addr,omitempty"`
			// TLS configuration for the debug server.
			TLS DebugTLS `yaml:"tls,omitempty"`
			// Prometheus configures the Prometheus telemetry endpoint.
			Prometheus struct {
				Enabled bool   `yaml:"enabled,omitempty"`
				Path    string `yaml:"path,omitempty"`
			} `yaml:"prometheus,omitempty"`
			// Pprof configures a pprof server, which listens at `/debug/pprof`.
			Pprof struct {
				Enabled bool `yaml:"enabled,omitempty"`
			} `yaml:"pprof,omitempty"`
		} `yaml:"debug,omitempty"`

		// HTTP2 configuration options
		HTTP2 struct {
			// Specifies whether the registry should disallow clients attempting
			// to connect via http2. If set to true, only http/1.1 is supported.
			Disabled bool `yaml:"disabled,omitempty"`
		} `yaml:"http2,omitempty"`
	} `yaml:"http,omitempty"`

	// Notifications specifies configuration about various endpoint to which
	// registry events are dispatched.
	Notifications Notifications `yaml:"notifications,omitempty"`

	// Redis configures the redis instance(s) available to the application.
	Redis Redis `yaml:"redis,omitempty"`

	RateLimiter RateLimiter `yaml:"rate_limiter,omitempty"`
}

// TLS specifies the settings for the http server to listen with a TLS configuration.
type TLS struct {
	// Certificate specifies the path to an x509 certificate file to
	// be used for TLS.
	Certificate string `yaml:"certificate,omitempty"`

	// Key specifies the path to the x509 key file, which should
	// contain the private portion for the file specified in
	// Certificate.
	Key string `yaml:"key,omitempty"`

	// Specifies the CA certs for client authentication
	// A file may contain multiple CA certificates encoded as PEM
	ClientCAs []string `yaml:"clientcas,omitempty"`

	// Specifies the lowest TLS version allowed
	MinimumTLS string `yaml:"minimumtls,omitempty"`

	// Specifies a list of cipher suites allowed
	CipherSuites []string `yaml:"ciphersuites,omitempty"`

	// LetsEncrypt is used to configuration setting up TLS through
	// Let's Encrypt instead of manually specifying certificate and
	// key. If a TLS certificate is specified, the Let's Encrypt
	// section will not be used.
	LetsEncrypt struct {
		// CacheFile specifies cache file to use for lets encrypt
		// certificates and keys.
		CacheFile string `yaml:"cachefile,omitempty"`

		// Email is the email to use during Let's Encrypt registration
		Email string `yaml:"email,omitempty"`

		// Hosts specifies the hosts which are allowed to obtain Let's
		// Encrypt certificates.
		Hosts []string `yaml:"hosts,omitempty"`
	} `yaml:"letsencrypt,omitempty"`
}

// DebugTLS specifies the TLS settings for the HTTP Debug server
type DebugTLS struct {
	// Enabled is only used to check if TLS is enabled for the debug monitoring service
	Enabled bool `yaml:"enabled,omitempty"`
	// Certificate specifies the path to an x509 certificate file to
	// be used for TLS.
	Certificate string `yaml:"certificate,omitempty"`

	// Key specifies the path to the x509 key file, which should
	// contain the private portion for the file specified in
	// Certificate.
	Key string `yaml:"key,omitempty"`

	// Specifies the CA certs for client authentication
	// A file may contain multiple CA certificates encoded as PEM
	ClientCAs []string `yaml:"clientcas,omitempty"`

	// Specifies the lowest TLS version allowed
	MinimumTLS string `yaml:"minimumtls,omitempty"`
}

// RedisTLS specifies settings for Redis TLS connections.
type RedisTLS struct {
	// Enabled enables TLS when connecting to the server.
	Enabled bool `yaml:"enabled,omitempty"`
	// Insecure disables server name verification when connecting over TLS.
	Insecure bool `yaml:"insecure,omitempty"`
}

// RedisPool configures the behavior of the redis connection pool.
type RedisPool struct {
	// Size is the maximum number of socket connections. Default is 10 connections.
	Size int `yaml:"size,omitempty"`
	// MaxLifetime is the connection age at which client retires a connection. Default is to not close aged
	// connections.
	MaxLifetime time.Duration `yaml:"maxlifetime,omitempty"`
	// IdleTimeout sets the amount time to wait before closing inactive connections.
	IdleTimeout time.Duration `yaml:"idletimeout,omitempty"`
}

// RedisCommon specifies settings for a single Redis connection.
type RedisCommon struct {
	// Enabled is a simple toggle for the Redis connection. Defaults to false.
	Enabled bool `yaml:"enabled,omitempty"`
	// Addr specifies the redis instance available to the application. For Sentinel, it should be a list of
	// addresses separated by commas.
	Addr string `yaml:"addr,omitempty"`
	// MainName specifies the main server name. Only for Sentinel connections.
	MainName string `yaml:"mainname,omitempty"`
	// Username string to connect as to the Redis instance or cluster.
	Username string `yaml:"username,omitempty"`
	// Password string to use when making a connection.
	Password string `yaml:"password,omitempty"`
	// DB specifies the database to connect to on the redis instance.
	DB int `yaml:"db,omitempty"`
	// DialTimeout is the timeout for establishing connections.
	DialTimeout time.Duration `yaml:"dialtimeout,omitempty"`
	// ReadTimeout is the timeout for reading data.
	ReadTimeout time.Duration `yaml:"readtimeout,omitempty"`
	// WriteTimeout is the timeout for writing data.
	WriteTimeout time.Duration `yaml:"writetimeout,omitempty"`
	// TLS specifies settings for TLS connections.
	TLS RedisTLS `yaml:"tls,omitempty"`
	// Pool configures the behavior of the redis connection pool.
	Pool RedisPool `yaml:"pool,omitempty"`
	// SentinelUsername configures the username for Sentinel authentication.
	SentinelUsername string `yaml:"sentinelusername,omitempty"`
	// SentinelPassword configures the password for Sentinel authentication.
	SentinelPassword string `yaml:"sentinelpassword,omitempty"`
}

// Redis configures the redis instance(s) available to the application.
type Redis struct {
	// Cache specifies settings for a Redis connection for caching rendered
	// image metadata.
	Cache RedisCommon `yaml:"cache,omitempty"`
}

// Parameters defines a key-value parameters mapping
type Parameters map[string]any

// Auth defines the configuration for the identity controller.
type Auth map[string]Parameters

// Type returns the auth type, such as token
func (auth Auth) Type() string {
	// Return only key in this map
	for k := range auth {
		return k
	}
	return ""
}

// Parameters returns the Parameters map for an Auth configuration
func (auth Auth) Parameters() Parameters {
	return auth[auth.Type()]
}

// UnmarshalYAML implements the yaml.Unmarshaler interface
// Unmarshals a single item map into an Auth or a string into an Auth type with no parameters
func (auth *Auth) UnmarshalYAML(unmarshal func(any) error) error {
	var m map[string]Parameters
	err := unmarshal(&m)
	if err == nil {
		if len(m) > 1 {
			types := make([]string, 0, len(m))
			for k := range m {
				types = append(types, k)
			}

			return fmt.Errorf("must provide exactly one type. Provided: %v", types)
		}
		*auth = m
		return nil
	}

	var authType string
	err = unmarshal(&authType)
	if err == nil {
		*auth = Auth{authType: make(Parameters)}
		return nil
	}

	return err
}

// MarshalYAML implements the yaml.Marshaler interface
func (auth Auth) MarshalYAML() (any, error) {
	if auth.Parameters() == nil {
		return auth.Type(), nil
	}
	return map[string]Parameters(auth), nil
}

// Notifications configures multiple http endpoints.
type Notifications struct {
	// FanoutTimeout is the maximum amount of time registry tries to finish fanning out notifications to notification sinks after it received SIGINT
	FanoutTimeout time.Duration `yaml:"fanouttimeout,omitempty"`
	// Endpoints is a list of http configurations for endpoints that
	// respond to webhook notifications.
	Endpoints []Endpoint `yaml:"endpoints,omitempty"`
}

// Endpoint describes the configuration of an http webhook notification
// endpoint.
type Endpoint struct {
	Name              string        `yaml:"name"`              // identifies the endpoint in the registry instance.
	Disabled          bool          `yaml:"disabled"`          // disables the endpoint
	URL               string        `yaml:"url"`               // post url for the endpoint.
	Headers           http.Header   `yaml:"headers"`           // static headers that should be added to all requests
	Timeout           time.Duration `yaml:"timeout"`           // HTTP timeout
	MaxRetries        int           `yaml:"maxretries"`        // maximum number of times to retry sending a failed event
	Backoff           time.Duration `yaml:"backoff"`           // backoff duration
	Ignore            Ignore        `yaml:"ignore"`            // ignore event types
	QueuePurgeTimeout time.Duration `yaml:"queuepurgetimeout"` // the amount of time registry tries to sent unsent notifications in the buffer after it received SIGINT
	QueueSizeLimit    int           `yaml:"queuesizelimit"`    // the maximum size of the notifications queue with events pending for sending
}

// Ignore configures the events that won't be propagated.
type Ignore struct {
	MediaTypes []string `yaml:"mediatypes"` // ignore target media types
	Actions    []string `yaml:"actions"`    // ignore action types
}

// Reporting defines error reporting methods.
type Reporting struct {
	// Sentry configures error reporting for Sentry (sentry.io).
	Sentry SentryReporting `yaml:"sentry,omitempty"`
}

// SentryReporting configures error reporting for Sentry (sentry.io).
type SentryReporting struct {
	// Enabled can be set to `true` to enable the Sentry error reporting.
	Enabled bool `yaml:"enabled,omitempty"`
	// DSN is the Sentry DSN.
	DSN string `yaml:"dsn,omitempty"`
	// Environment is the Sentry environment.
	Environment string `yaml:"environment,omitempty"`
}

// RateLimiter represents the top-level rate limiter configuration
type RateLimiter struct {
	Enabled  bool      `yaml:"enabled"`
	Limiters []Limiter `yaml:"limiters,omitempty"`
}

// Limiter represents an individual rate limit configuration
type Limiter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	LogOnly     bool   `yaml:"log_only,omitempty"`
	Precedence  int64  `yaml:"precedence"`
	Limit       Limit  `yaml:"limit"`
}

// Limit defines the rate limiting parameters
type Limit struct {
	Rate   int64  `yaml:"rate"`
	Period string `yaml:"period"`
	Burst  int64  `yaml:"burst"`
}

// v0_1Configuration is a Version 0.1 Configuration struct
// This is currently aliased to Configuration, as it is the current version
type v0_1Configuration Configuration

// UnmarshalYAML implements the yaml.Unmarshaler interface
// Unmarshals a string of the form X.Y into a Version, validating that X and Y can represent unsigned integers
func (version *Version) UnmarshalYAML(unmarshal func(any) error) error {
	var versionString string
	err := unmarshal(&versionString)
	if err != nil {
		return err
	}

	newVersion := Version(versionString)
	if _, err := newVersion.majorImpl(); err != nil {
		return err
	}

	if _, err := newVersion.minorImpl(); err != nil {
		return err
	}

	*version = newVersion
	return nil
}

// CurrentVersion is the most recent Version that can be parsed
var CurrentVersion = MajorMinorVersion(0, 1)

// Loglevel is the level at which operations are logged. This can be "error", "warn", "info", "debug" or "trace".
type Loglevel string

const (
	LogLevelError   Loglevel = "error"
	LogLevelWarn    Loglevel = "warn"
	LogLevelInfo    Loglevel = "info"
	LogLevelDebug   Loglevel = "debug"
	LogLevelTrace   Loglevel = "trace"
	defaultLogLevel          = LogLevelInfo
)

var logLevels = []Loglevel{
	LogLevelError,
	LogLevelWarn,
	LogLevelInfo,
	LogLevelDebug,
	LogLevelTrace,
}

// String implements the Stringer interface for Loglevel.
func (l Loglevel) String() string {
	return string(l)
}

func (l Loglevel) isValid() bool {
	for _, lvl := range logLevels {
		if l == lvl {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for Loglevel, parsing it and validating that it represents a
// valid log level.
func (l *Loglevel) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	err := unmarshal(&val)
	if err != nil {
		return err
	}

	lvl := Loglevel(strings.ToLower(val))
	if !lvl.isValid() {
		return fmt.Errorf("invalid log level %q, must be one of %q", val, logLevels)
	}

	*l = lvl
	return nil
}

// logOutput is the output destination for logs. This can be either "stdout" or "stderr".
type logOutput string

const (
	LogOutputStdout  logOutput = "stdout"
	LogOutputStderr  logOutput = "stderr"
	LogOutputDiscard logOutput = "discard"
	defaultLogOutput           = LogOutputStdout
)

var logOutputs = []logOutput{LogOutputStdout, LogOutputStderr}

// String implements the Stringer interface for logOutput.
func (out logOutput) String() string {
	return string(out)
}

// Descriptor returns the os file descriptor of a log output.
func (out logOutput) Descriptor() io.Writer {
	switch out {
	case LogOutputStderr:
		return os.Stderr
	case LogOutputDiscard:
		return io.Discard
	default:
		return os.Stdout
	}
}

func (out logOutput) isValid() bool {
	for _, output := range logOutputs {
		if out == output {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for logOutput, parsing it and validating that it represents a
// valid log output destination.
func (out *logOutput) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	lo := logOutput(strings.ToLower(val))
	if !lo.isValid() {
		return fmt.Errorf("invalid log output %q, must be one of %q", lo, logOutputs)
	}

	*out = lo
	return nil
}

// logFormat is the format of the application logs output. This can be either "text" or "json".
type logFormat string

const (
	LogFormatText    logFormat = "text"
	LogFormatJSON    logFormat = "json"
	defaultLogFormat           = LogFormatJSON
)

var logFormats = []logFormat{
	LogFormatText,
	LogFormatJSON,
}

// String implements the Stringer interface for logFormat.
func (ft logFormat) String() string {
	return string(ft)
}

func (ft logFormat) isValid() bool {
	for _, formatter := range logFormats {
		if ft == formatter {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for logFormat, parsing it and validating that it
// represents a valid application log output format.
func (ft *logFormat) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	format := logFormat(strings.ToLower(val))
	if !format.isValid() {
		return fmt.Errorf("invalid log format %q, must be one of %q", format, logFormats)
	}

	*ft = format
	return nil
}

// accessLogFormat is the format of the access logs output. This can be either "text" or "json".
type accessLogFormat string

const (
	AccessLogFormatText    accessLogFormat = "text"
	AccessLogFormatJSON    accessLogFormat = "json"
	defaultAccessLogFormat                 = AccessLogFormatJSON
)

var accessLogFormats = []accessLogFormat{
	AccessLogFormatText,
	AccessLogFormatJSON,
}

// String implements the Stringer interface for accessLogFormat.
func (ft accessLogFormat) String() string {
	return string(ft)
}

func (ft accessLogFormat) isValid() bool {
	for _, formatter := range accessLogFormats {
		if ft == formatter {
			return true
		}
	}
	return false
}

// UnmarshalYAML implements the yaml.Umarshaler interface for accessLogFormat, parsing it and validating that it
// represents a valid access log output format.
func (ft *accessLogFormat) UnmarshalYAML(unmarshal func(any) error) error {
	var val string
	if err := unmarshal(&val); err != nil {
		return err
	}

	format := accessLogFormat(strings.ToLower(val))
	if !format.isValid() {
		return fmt.Errorf("invalid access log format %q, must be one of %q", format, accessLogFormats)
	}

	*ft = format
	return nil
}

// Parse parses an input configuration yaml document into a Configuration struct
// This should generally be capable of handling old configuration format versions
//
// Environment variables may be used to override configuration parameters other than version,
// following the scheme below:
// Configuration.Abc may be replaced by the value of REGISTRY_ABC,
// Configuration.Abc.Xyz may be replaced by the value of REGISTRY_ABC_XYZ, and so forth
func Parse(rd io.Reader) (*Configuration, error) {
	in, err := io.ReadAll(rd)
	if err != nil {
		return nil, err
	}

	p := NewParser("registry", []VersionedParseInfo{
		{
			Version: MajorMinorVersion(0, 1),
			ParseAs: reflect.TypeOf(v0_1Configuration{}),
			ConversionFunc: func(c any) (any, error) {
				if v0_1, ok := c.(*v0_1Configuration); ok {
					if v0_1.Log.Level == Loglevel("") {
						if v0_1.Loglevel != Loglevel("") {
							v0_1.Log.Level = v0_1.Loglevel
						}
					}
					if v0_1.Loglevel != Loglevel("") {
						v0_1.Loglevel = Loglevel("")
					}
					if v0_1.Auth.Type() == "" {
						return nil, errors.New("no auth configuration provided")
					}
					return (*Configuration)(v0_1), nil
				}
				return nil, fmt.Errorf("expected *v0_1Configuration, received %#v", c)
			},
		},
	})

	config := new(Configuration)
	err = p.Parse(in, config)
	if err != nil {
		return nil, err
	}

	ApplyDefaults(config)

	return config, nil
}

const defaultRateLimiterPeriod = "second"

// defaultCipherSuites is here just to make slice "a constant"
func defaultCipherSuites() []string {
	return []string{
		"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
		"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
		"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
		"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
		"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
		"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	}
}

// ApplyDefaults fills in the blanks left by the configuration author.
func ApplyDefaults(config *Configuration) {
	if config.Log.Level == "" {
		config.Log.Level = defaultLogLevel
	}
	if config.Log.Output == "" {
		config.Log.Output = defaultLogOutput
	}
	if config.Log.Formatter == "" {
		config.Log.Formatter = defaultLogFormat
	}
	if !config.Log.AccessLog.Disabled && config.Log.AccessLog.Formatter == "" {
		config.Log.AccessLog.Formatter = defaultAccessLogFormat
	}
	if config.HTTP.Debug.Prometheus.Enabled && config.HTTP.Debug.Prometheus.Path == "" {
		config.HTTP.Debug.Prometheus.Path = "/metrics"
	}
	if config.Redis.Cache.Addr != "" && config.Redis.Cache.Pool.Size == 0 {
		config.Redis.Cache.Pool.Size = 10
	}

	// If no custom cipher suites are specified in the configuration,
	// default to a secure set of TLS 1.2 cipher suites. TLS 1.3 cipher
	// suites are automatically enabled in Go and do not need explicit
	// configuration.
	if len(config.HTTP.TLS.CipherSuites) == 0 {
		config.HTTP.TLS.CipherSuites = defaultCipherSuites()
	}

	// copy TLS config to debug server when enabled and debug TLS certificate is empty
	if config.HTTP.Debug.TLS.Enabled {
		if config.HTTP.Debug.TLS.Certificate == "" {
			config.HTTP.Debug.TLS.Certificate = config.HTTP.TLS.Certificate
			config.HTTP.Debug.TLS.Key = config.HTTP.TLS.Key
		}
		// Only replace if the debug section is empty which allows finer configuration settings for the
		// debug server, for example allowing only certain clients to access it.
		if len(config.HTTP.Debug.TLS.ClientCAs) == 0 {
			config.HTTP.Debug.TLS.ClientCAs = config.HTTP.TLS.ClientCAs
		}
		if config.HTTP.Debug.TLS.MinimumTLS == "" {
			config.HTTP.Debug.TLS.MinimumTLS = config.HTTP.TLS.MinimumTLS
		}
	}

	// Rate limiter
	if config.RateLimiter.Enabled {
		for i := range config.RateLimiter.Limiters {
			if config.RateLimiter.Limiters[i].Limit.Period == "" {
				config.RateLimiter.Limiters[i].Limit.Period = defaultRateLimiterPeriod
			}
		}
	}
}
