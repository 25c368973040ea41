// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all configuration knobs for both process roles.
type Config struct {
	Controller ControllerConfig `mapstructure:"controller"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Protocol   ProtocolConfig   `mapstructure:"protocol"`
	ResultLog  ResultLogConfig  `mapstructure:"resultlog"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	DB         DBConfig         `mapstructure:"db"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ControllerConfig governs the scheduler, its queue and its listener.
type ControllerConfig struct {
	ListenPort          int           `mapstructure:"listen_port"`
	Seed                int64         `mapstructure:"seed"`
	LogBase             string        `mapstructure:"log_base"`
	QueueDir            string        `mapstructure:"queue_dir"`
	BatchSize           int           `mapstructure:"batch_size"`
	CompactionThreshold int64         `mapstructure:"compaction_threshold"`
	StatusEvery         int64         `mapstructure:"status_every"`
	SendInterval        time.Duration `mapstructure:"send_interval"`
	IdleInterval        time.Duration `mapstructure:"idle_interval"`
	// MetricsAddr is the ops HTTP listen address; empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// WorkerConfig controls the agent, its fetcher and its reconnect loop.
type WorkerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
	RequestsPerHour int           `mapstructure:"requests_per_hour"`
	MaxFailures     int           `mapstructure:"max_failures"`
	PageSize        int           `mapstructure:"page_size"`
	APIBaseURL      string        `mapstructure:"api_base_url"`
	UserAgent       string        `mapstructure:"user_agent"`
	PageDelay       time.Duration `mapstructure:"page_delay"`
	Backoff         time.Duration `mapstructure:"backoff"`
	SendInterval    time.Duration `mapstructure:"send_interval"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	LogEvery        int64         `mapstructure:"log_every"`
}

// ProtocolConfig is shared by both ends of the connection.
type ProtocolConfig struct {
	Secret            string        `mapstructure:"secret"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// LedgerTTL evicts accepted nonces after this age; zero never evicts.
	LedgerTTL time.Duration `mapstructure:"ledger_ttl"`
}

// ResultLogConfig sets segment flush and rotation thresholds.
type ResultLogConfig struct {
	FlushThreshold   int   `mapstructure:"flush_threshold"`
	SegmentThreshold int64 `mapstructure:"segment_threshold"`
}

// ArchiveConfig selects where compressed segments are copied. GCSBucket wins
// over LocalDir; both empty disables archiving.
type ArchiveConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds the segment-closed notification topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig controls the optional checkpoint database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FOLLOWERS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}

	v.SetDefault("controller.listen_port", 4000)
	v.SetDefault("controller.seed", 0)
	v.SetDefault("controller.log_base", "log/crawl")
	v.SetDefault("controller.queue_dir", "queue")
	v.SetDefault("controller.batch_size", 2000)
	v.SetDefault("controller.compaction_threshold", int64(10_000_000))
	v.SetDefault("controller.status_every", int64(10_000))
	v.SetDefault("controller.send_interval", 10*time.Second)
	v.SetDefault("controller.idle_interval", 100*time.Millisecond)
	v.SetDefault("controller.metrics_addr", ":9090")

	v.SetDefault("worker.host", "localhost")
	v.SetDefault("worker.port", 4000)
	v.SetDefault("worker.name", hostname)
	v.SetDefault("worker.max_concurrency", 40)
	v.SetDefault("worker.requests_per_hour", 18_000)
	v.SetDefault("worker.max_failures", 8)
	v.SetDefault("worker.page_size", 5000)
	v.SetDefault("worker.api_base_url", "http://www.twitter.com")
	v.SetDefault("worker.user_agent", "follower-crawler/0.1")
	v.SetDefault("worker.page_delay", 200*time.Millisecond)
	v.SetDefault("worker.backoff", time.Second)
	v.SetDefault("worker.send_interval", 2*time.Second)
	v.SetDefault("worker.reconnect_delay", 10*time.Second)
	v.SetDefault("worker.request_timeout", 30*time.Second)
	v.SetDefault("worker.log_every", int64(1000))

	v.SetDefault("protocol.secret", "")
	v.SetDefault("protocol.read_timeout", 2*time.Minute)
	v.SetDefault("protocol.heartbeat_interval", 30*time.Second)
	v.SetDefault("protocol.ledger_ttl", time.Duration(0))

	v.SetDefault("resultlog.flush_threshold", 100)
	v.SetDefault("resultlog.segment_threshold", int64(100_000))

	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.local_dir", "")
	v.SetDefault("archive.prefix", "segments")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "crawl_checkpoints")
	v.SetDefault("db.max_conns", 4)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces values shared by both roles.
func (c Config) Validate() error {
	if c.Protocol.Secret == "" {
		return errors.New("protocol.secret is required")
	}
	if c.Protocol.ReadTimeout <= 0 {
		return errors.New("protocol.read_timeout must be > 0")
	}
	if c.Protocol.HeartbeatInterval <= 0 || c.Protocol.HeartbeatInterval >= c.Protocol.ReadTimeout {
		return errors.New("protocol.heartbeat_interval must be > 0 and below protocol.read_timeout")
	}
	if c.Protocol.LedgerTTL < 0 {
		return errors.New("protocol.ledger_ttl must be >= 0")
	}
	return nil
}

// ValidateController checks the settings the controller role depends on.
func (c Config) ValidateController() error {
	if err := c.Validate(); err != nil {
		return err
	}
	ctl := c.Controller
	if ctl.ListenPort <= 0 || ctl.ListenPort > 65535 {
		return fmt.Errorf("controller.listen_port %d out of range", ctl.ListenPort)
	}
	if ctl.Seed <= 0 || ctl.Seed > int64(^uint32(0)>>1) {
		return fmt.Errorf("controller.seed %d must be a positive 32-bit id", ctl.Seed)
	}
	if ctl.LogBase == "" {
		return errors.New("controller.log_base is required")
	}
	if ctl.QueueDir == "" {
		return errors.New("controller.queue_dir is required")
	}
	if ctl.BatchSize <= 0 {
		return errors.New("controller.batch_size must be > 0")
	}
	if ctl.StatusEvery <= 0 {
		return errors.New("controller.status_every must be > 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return errors.New("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// ValidateWorker checks the settings the worker role depends on.
func (c Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	w := c.Worker
	if w.Host == "" {
		return errors.New("worker.host is required")
	}
	if w.Port <= 0 || w.Port > 65535 {
		return fmt.Errorf("worker.port %d out of range", w.Port)
	}
	if w.Username == "" {
		return errors.New("worker.username is required")
	}
	if w.MaxConcurrency <= 0 {
		return errors.New("worker.max_concurrency must be > 0")
	}
	if w.RequestsPerHour <= 0 {
		return errors.New("worker.requests_per_hour must be > 0")
	}
	if w.MaxFailures < 0 {
		return errors.New("worker.max_failures must be >= 0")
	}
	if w.PageSize <= 0 {
		return errors.New("worker.page_size must be > 0")
	}
	if w.APIBaseURL == "" {
		return errors.New("worker.api_base_url is required")
	}
	return nil
}
