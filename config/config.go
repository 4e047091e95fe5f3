package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the task service
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Hub       HubConfig       `mapstructure:"hub"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Search    SearchConfig    `mapstructure:"search"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	StreamKeepalive time.Duration `mapstructure:"stream_keepalive"`
	DefaultUserID   string        `mapstructure:"default_user_id"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address required")
	}
	if s.StreamKeepalive <= 0 {
		return fmt.Errorf("server.stream_keepalive must be > 0")
	}
	return nil
}

// LLMConfig configures the language service used for summaries and file identification
type LLMConfig struct {
	APIKey              string        `mapstructure:"api_key"`
	BaseURL             string        `mapstructure:"base_url"`
	Model               string        `mapstructure:"model"`
	Timeout             time.Duration `mapstructure:"timeout"`
	SummaryTemperature  float32       `mapstructure:"summary_temperature"`
	SummaryMaxTokens    int           `mapstructure:"summary_max_tokens"`
	IdentifyTemperature float32       `mapstructure:"identify_temperature"`
	IdentifyMaxTokens   int           `mapstructure:"identify_max_tokens"`
}

func (l LLMConfig) Validate() error {
	if l.APIKey != "" && strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model required when llm.api_key is set")
	}
	if l.SummaryTemperature < 0 || l.IdentifyTemperature < 0 {
		return fmt.Errorf("llm temperatures cannot be negative")
	}
	return nil
}

// AgentConfig describes the external program that executes prompts
type AgentConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Workdir string   `mapstructure:"workdir"`
	UsePTY  bool     `mapstructure:"use_pty"`
	Env     []string `mapstructure:"env"`
}

func (a AgentConfig) Validate() error {
	if strings.TrimSpace(a.Command) == "" {
		return fmt.Errorf("agent.command required")
	}
	return nil
}

// PipelineConfig tunes segmentation, retries and file discovery
type PipelineConfig struct {
	SegmentThreshold int           `mapstructure:"segment_threshold"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	MergeAttempts    int           `mapstructure:"merge_attempts"`
	IdentifyWindow   int           `mapstructure:"identify_window"`
	RecentWindow     time.Duration `mapstructure:"recent_window"`
	UseWriteTracker  bool          `mapstructure:"use_write_tracker"`
}

func (p PipelineConfig) Validate() error {
	if p.SegmentThreshold <= 0 {
		return fmt.Errorf("pipeline.segment_threshold must be > 0")
	}
	if p.RetryAttempts <= 0 || p.MergeAttempts <= 0 {
		return fmt.Errorf("pipeline retry and merge attempts must be > 0")
	}
	if p.RetryBackoff < 0 {
		return fmt.Errorf("pipeline.retry_backoff cannot be negative")
	}
	return nil
}

// HubConfig bounds per-task broadcast state
type HubConfig struct {
	Buffer        int           `mapstructure:"buffer"`
	SeenLimit     int           `mapstructure:"seen_limit"`
	Backlog       int           `mapstructure:"backlog"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepSchedule string        `mapstructure:"sweep_schedule"`
}

func (h HubConfig) Validate() error {
	if h.Backlog <= 0 || h.SeenLimit <= 0 {
		return fmt.Errorf("hub.backlog and hub.seen_limit must be > 0")
	}
	if strings.TrimSpace(h.SweepSchedule) == "" {
		return fmt.Errorf("hub.sweep_schedule required")
	}
	return nil
}

// StorageConfig groups the task database, the event stream and blob storage
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Blob     BlobConfig     `mapstructure:"blob"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a database is configured; without one tasks live in memory.
func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

func (p PostgresConfig) Validate() error {
	if !p.Enabled() || strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// RedisConfig contains Redis connection settings for the task event stream
type RedisConfig struct {
	Host      string        `mapstructure:"host"`
	Port      string        `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Stream    string        `mapstructure:"stream"`
	MaxLen    int64         `mapstructure:"max_len"`
	// Retention is how long a task's stream lives after its completion entry.
	Retention time.Duration `mapstructure:"retention"`
}

func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	if strings.TrimSpace(r.Stream) == "" {
		return fmt.Errorf("storage.redis.stream required")
	}
	if r.MaxLen < 0 || r.Retention < 0 {
		return fmt.Errorf("storage.redis.max_len and storage.redis.retention must not be negative")
	}
	return nil
}

// BlobConfig selects where archived artifacts and transcripts go
type BlobConfig struct {
	Driver              string         `mapstructure:"driver"`
	URLPrefix           string         `mapstructure:"url_prefix"`
	File                FileBlobConfig `mapstructure:"file"`
	S3                  S3Config       `mapstructure:"s3"`
	CompressTranscripts bool           `mapstructure:"compress_transcripts"`
}

type FileBlobConfig struct {
	Dir string `mapstructure:"dir"`
}

// S3Config contains object storage configuration.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

func (b BlobConfig) Validate() error {
	switch b.Driver {
	case "file":
		if strings.TrimSpace(b.File.Dir) == "" {
			return fmt.Errorf("storage.blob.file.dir required")
		}
	case "s3":
		s := b.S3
		if strings.TrimSpace(s.Endpoint) == "" || strings.TrimSpace(s.Bucket) == "" {
			return fmt.Errorf("storage.blob.s3.endpoint and bucket required")
		}
		// Credentials are never defaulted; a missing key is a configuration error.
		if s.AccessKeyID == "" || s.SecretAccessKey == "" {
			return fmt.Errorf("storage.blob.s3.access_key_id and secret_access_key required")
		}
	default:
		return fmt.Errorf("storage.blob.driver must be file or s3, got %q", b.Driver)
	}
	return nil
}

type SearchConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.stream_keepalive", 15*time.Second)
	v.SetDefault("server.default_user_id", "anonymous")

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 2*time.Minute)
	v.SetDefault("llm.summary_temperature", 0.2)
	v.SetDefault("llm.summary_max_tokens", 500)
	v.SetDefault("llm.identify_temperature", 0.0)
	v.SetDefault("llm.identify_max_tokens", 1000)

	v.SetDefault("agent.command", "")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.workdir", "./workspace")
	v.SetDefault("agent.use_pty", false)
	v.SetDefault("agent.env", []string{})

	v.SetDefault("pipeline.segment_threshold", 20000)
	v.SetDefault("pipeline.retry_attempts", 3)
	v.SetDefault("pipeline.retry_backoff", 2*time.Second)
	v.SetDefault("pipeline.merge_attempts", 3)
	v.SetDefault("pipeline.identify_window", 10000)
	v.SetDefault("pipeline.recent_window", 60*time.Second)
	v.SetDefault("pipeline.use_write_tracker", false)

	v.SetDefault("hub.buffer", 256)
	v.SetDefault("hub.seen_limit", 1000)
	v.SetDefault("hub.backlog", 2000)
	v.SetDefault("hub.retention", 10*time.Minute)
	v.SetDefault("hub.sweep_schedule", "*/1 * * * *")

	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.host", "")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.user", "")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.dbname", "")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.timeout", 5*time.Second)
	v.SetDefault("storage.redis.host", "")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.timeout", 5*time.Second)
	v.SetDefault("storage.redis.stream", "opentask:task")
	v.SetDefault("storage.redis.max_len", 10000)
	v.SetDefault("storage.redis.retention", 24*time.Hour)
	v.SetDefault("storage.blob.driver", "file")
	v.SetDefault("storage.blob.url_prefix", "")
	v.SetDefault("storage.blob.file.dir", "./data/blobs")
	v.SetDefault("storage.blob.s3.endpoint", "")
	v.SetDefault("storage.blob.s3.region", "")
	v.SetDefault("storage.blob.s3.bucket", "")
	v.SetDefault("storage.blob.s3.access_key_id", "")
	v.SetDefault("storage.blob.s3.secret_access_key", "")
	v.SetDefault("storage.blob.s3.use_ssl", true)
	v.SetDefault("storage.blob.compress_transcripts", false)

	v.SetDefault("search.enabled", true)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.metrics_port", 0)
	v.SetDefault("telemetry.otlp_endpoint", "")
}

// Load reads configuration from path (or the default search locations when
// path is empty), applies OPENTASK_* environment overrides and validates it.
// A missing file is only an error when path is given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("OPENTASK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("llm.api_key", "OPENTASK_LLM_API_KEY", "OPENAI_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig is Load for process entrypoints: invalid configuration is fatal.
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}

// Normalize trims string settings and fills values that depend on others.
func (c *Config) Normalize() {
	c.Agent.Command = strings.TrimSpace(c.Agent.Command)
	c.Agent.Workdir = strings.TrimSpace(c.Agent.Workdir)
	if c.Agent.Workdir == "" {
		c.Agent.Workdir = "./workspace"
	}
	c.Storage.Blob.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Blob.Driver))
	c.Storage.Blob.URLPrefix = strings.TrimRight(strings.TrimSpace(c.Storage.Blob.URLPrefix), "/")
	if c.Hub.Retention <= 0 {
		c.Hub.Retention = 10 * time.Minute
	}
}

// validateBlobPlacement keeps the file blob store out of the agent's working
// tree, where archived objects would look like fresh task output.
func (c *Config) validateBlobPlacement() error {
	if c.Storage.Blob.Driver != "file" {
		return nil
	}
	work, err := filepath.Abs(c.Agent.Workdir)
	if err != nil {
		return fmt.Errorf("agent.workdir: %w", err)
	}
	dir, err := filepath.Abs(c.Storage.Blob.File.Dir)
	if err != nil {
		return fmt.Errorf("storage.blob.file.dir: %w", err)
	}
	rel, err := filepath.Rel(work, dir)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("storage.blob.file.dir %q must not be inside agent.workdir %q", c.Storage.Blob.File.Dir, c.Agent.Workdir)
	}
	return nil
}

// Validate checks every section. The agent section is checked by commands that run tasks.
func (c *Config) Validate() error {
	validators := []func() error{
		c.Server.Validate,
		c.LLM.Validate,
		c.Pipeline.Validate,
		c.Hub.Validate,
		c.Storage.Postgres.Validate,
		c.Storage.Redis.Validate,
		c.Storage.Blob.Validate,
		c.validateBlobPlacement,
		c.Telemetry.Validate,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}
