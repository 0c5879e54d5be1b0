package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/cassandra-mirror/mirror-proxy/proxy/pkg/common"
)

// Config holds the proxy configuration. Values are resolved in three steps:
// the defaults set by New, then an optional YAML file, then environment
// variables (MIRROR_PROXY_ prefix, split words).
//
// Fields deliberately carry no envconfig `default` tags: envconfig re-applies
// those over values loaded from the file whenever the env var is unset.
type Config struct {
	SourceHost       string `split_words:"true" yaml:"source_host"`
	SourcePort       int    `split_words:"true" yaml:"source_port"`
	SourceIdentifier string `split_words:"true" yaml:"source_identifier"`

	TargetHost       string `split_words:"true" yaml:"target_host"`
	TargetPort       int    `split_words:"true" yaml:"target_port"`
	TargetIdentifier string `split_words:"true" yaml:"target_identifier"`

	ProxyAddress string `split_words:"true" yaml:"proxy_address"`
	ProxyPort    int    `split_words:"true" yaml:"proxy_port"`

	ProxyTlsCertFile string `split_words:"true" yaml:"proxy_tls_cert_file"`
	ProxyTlsKeyFile  string `split_words:"true" yaml:"proxy_tls_key_file"`

	// Upstream connections use TLS with certificate verification disabled,
	// matching the behaviour clients expect from managed targets. Certificate
	// configuration is an extension point.
	UpstreamTls bool `split_words:"true" yaml:"upstream_tls"`

	Threads int `yaml:"threads"`

	// If true, the response is sent to the client only after both clusters
	// have responded. If false, the source response is forwarded as soon as
	// it arrives and the target response is only used for bookkeeping.
	Wait bool `yaml:"wait"`

	// Enables replacement of uuid()/now() calls with proxy-generated time
	// UUIDs so both clusters store identical values.
	Uuid bool `yaml:"uuid"`

	// Comma-separated protocol version allow-list, e.g. "3,4". Empty means
	// accept whatever the source cluster advertises.
	ProtocolVersions string `split_words:"true" yaml:"protocol_versions"`

	// Comma-separated CQL versions advertised in SUPPORTED responses, e.g.
	// "3.4.5". Empty means pass through what the source cluster returns.
	CqlVersions string `split_words:"true" yaml:"cql_versions"`

	EnableMetrics  bool   `split_words:"true" yaml:"enable_metrics"`
	MetricsAddress string `split_words:"true" yaml:"metrics_address"`
	MetricsPort    int    `split_words:"true" yaml:"metrics_port"`

	LogLevel string `split_words:"true" yaml:"log_level"`

	MaxFrameBodySizeBytes int `split_words:"true" yaml:"max_frame_body_size_bytes"`

	ClusterConnectionTimeoutMs int  `split_words:"true" yaml:"cluster_connection_timeout_ms"`
	BindRetry                  bool `split_words:"true" yaml:"bind_retry"`

	RequestWriteQueueSizeFrames  int `split_words:"true" yaml:"request_write_queue_size_frames"`
	ResponseWriteQueueSizeFrames int `split_words:"true" yaml:"response_write_queue_size_frames"`
	ReadBufferSizeBytes          int `split_words:"true" yaml:"read_buffer_size_bytes"`
	WriteBufferSizeBytes         int `split_words:"true" yaml:"write_buffer_size_bytes"`

	ProxyTimeBucketsMs    string `split_words:"true" yaml:"proxy_time_buckets_ms"`
	RequestTimerBucketsMs string `split_words:"true" yaml:"request_timer_buckets_ms"`
	PausedTimerBucketsMs  string `split_words:"true" yaml:"paused_timer_buckets_ms"`
}

func (c *Config) String() string {
	var configMap map[string]interface{}
	serializedConfig, _ := json.Marshal(c)
	_ = json.Unmarshal(serializedConfig, &configMap)

	b := new(bytes.Buffer)
	fields := make([]string, 0, len(configMap))
	for field := range configMap {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		if !strings.Contains(strings.ToLower(field), "username") &&
			!strings.Contains(strings.ToLower(field), "password") {
			fmt.Fprintf(b, "%s=\"%v\"; ", field, configMap[field])
		}
	}
	return fmt.Sprintf("Config{%v}", b.String())
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		SourceHost:       "127.0.0.1",
		SourcePort:       9042,
		SourceIdentifier: "source node",

		TargetHost:       "127.0.0.1",
		TargetPort:       9042,
		TargetIdentifier: "target node",

		ProxyAddress: "",
		ProxyPort:    29042,

		UpstreamTls: true,

		Threads: 1,
		Wait:    true,
		Uuid:    true,

		EnableMetrics:  true,
		MetricsAddress: "localhost",
		MetricsPort:    28000,

		LogLevel: "INFO",

		MaxFrameBodySizeBytes: 256 * 1024 * 1024,

		ClusterConnectionTimeoutMs: 30000,
		BindRetry:                  false,

		RequestWriteQueueSizeFrames:  128,
		ResponseWriteQueueSizeFrames: 128,
		ReadBufferSizeBytes:          16384,
		WriteBufferSizeBytes:         16384,

		ProxyTimeBucketsMs:    "0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25",
		RequestTimerBucketsMs: "1, 4, 7, 10, 25, 50, 75, 100, 150, 300, 500, 1000, 2500, 5000",
		PausedTimerBucketsMs:  "1, 5, 10, 50, 100, 500, 1000, 5000, 10000",
	}
}

// LoadConfig resolves the configuration: defaults, then the YAML file at
// configFile (if non-empty), then environment variables. The result is
// validated before being returned.
func (c *Config) LoadConfig(configFile string) (*Config, error) {
	if configFile != "" {
		raw, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("could not read configuration file %v: %w", configFile, err)
		}
		if err = yaml.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("could not parse configuration file %v: %w", configFile, err)
		}
	}

	err := envconfig.Process("MIRROR_PROXY", c)
	if err != nil {
		return nil, fmt.Errorf("could not load environment variables: %w", err)
	}

	err = c.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.Infof("Parsed configuration: %v", c)
	return c, nil
}

func (c *Config) Validate() error {
	if (c.ProxyTlsCertFile == "") != (c.ProxyTlsKeyFile == "") {
		return fmt.Errorf("both proxy_tls_cert_file and proxy_tls_key_file need to be set for TLS")
	}

	if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
		return fmt.Errorf("invalid proxy_port: %v", c.ProxyPort)
	}

	if c.SourcePort <= 0 || c.SourcePort > 65535 {
		return fmt.Errorf("invalid source_port: %v", c.SourcePort)
	}

	if c.TargetPort <= 0 || c.TargetPort > 65535 {
		return fmt.Errorf("invalid target_port: %v", c.TargetPort)
	}

	if c.Threads <= 0 {
		return fmt.Errorf("threads must be positive, got %v", c.Threads)
	}

	if c.MaxFrameBodySizeBytes <= 0 {
		return fmt.Errorf("max_frame_body_size_bytes must be positive, got %v", c.MaxFrameBodySizeBytes)
	}

	if _, err := c.ParseProtocolVersions(); err != nil {
		return err
	}

	if _, err := c.ParseLogLevel(); err != nil {
		return err
	}

	return nil
}

// ParseProtocolVersions returns the configured protocol version allow-list in
// ascending order, or nil when no restriction is configured.
func (c *Config) ParseProtocolVersions() ([]int, error) {
	if strings.TrimSpace(c.ProtocolVersions) == "" {
		return nil, nil
	}

	var versions []int
	for _, part := range strings.Split(c.ProtocolVersions, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("unable to parse protocol version list %v: could not convert %v to int", c.ProtocolVersions, part)
		}
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions, nil
}

// ParseCqlVersions returns the configured CQL version list, or nil when no
// override is configured.
func (c *Config) ParseCqlVersions() []string {
	if strings.TrimSpace(c.CqlVersions) == "" {
		return nil
	}

	var versions []string
	for _, part := range strings.Split(c.CqlVersions, ",") {
		versions = append(versions, strings.TrimSpace(part))
	}
	return versions
}

func (c *Config) ParseLogLevel() (log.Level, error) {
	level, err := log.ParseLevel(strings.TrimSpace(strings.ToLower(c.LogLevel)))
	if err != nil {
		return log.InfoLevel, fmt.Errorf("invalid log_level %v: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c *Config) ParseProxyTlsConfig() (*common.ProxyTlsConfig, error) {
	if c.ProxyTlsCertFile == "" && c.ProxyTlsKeyFile == "" {
		return &common.ProxyTlsConfig{TlsEnabled: false}, nil
	}
	if c.ProxyTlsCertFile == "" || c.ProxyTlsKeyFile == "" {
		return nil, fmt.Errorf("both proxy_tls_cert_file and proxy_tls_key_file need to be set for TLS")
	}
	return &common.ProxyTlsConfig{
		TlsEnabled:    true,
		ProxyCertPath: c.ProxyTlsCertFile,
		ProxyKeyPath:  c.ProxyTlsKeyFile,
	}, nil
}

func (c *Config) ParseProxyTimeBuckets() ([]float64, error) {
	return c.parseBuckets(c.ProxyTimeBucketsMs)
}

func (c *Config) ParseRequestTimerBuckets() ([]float64, error) {
	return c.parseBuckets(c.RequestTimerBucketsMs)
}

func (c *Config) ParsePausedTimerBuckets() ([]float64, error) {
	return c.parseBuckets(c.PausedTimerBucketsMs)
}

func (c *Config) parseBuckets(bucketsConfigStr string) ([]float64, error) {
	var bucketsArr []float64
	bucketsStrArr := strings.Split(bucketsConfigStr, ",")
	for _, bucketStr := range bucketsStrArr {
		bucket, err := strconv.ParseFloat(strings.TrimSpace(bucketStr), 64)
		if err != nil {
			return nil, fmt.Errorf(
				"unable to parse buckets from %v: could not convert %v to float",
				bucketsConfigStr,
				bucketStr)
		}
		bucketsArr = append(bucketsArr, bucket/1000) // convert ms to seconds
	}

	return bucketsArr, nil
}
