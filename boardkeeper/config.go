package boardkeeper

import (
	"crypto/sha256"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/boardkeeper/assist"
	"github.com/hazyhaar/boardkeeper/embedding"
	"github.com/hazyhaar/boardkeeper/notify"
	"github.com/hazyhaar/boardkeeper/outbox"
	"github.com/hazyhaar/boardkeeper/savecoord"
	"github.com/hazyhaar/boardkeeper/shield"
)

// Config holds all boardkeeper configuration.
type Config struct {
	Listen     string `yaml:"listen"`
	DBPath     string `yaml:"db_path"`
	OutboxPath string `yaml:"outbox_path"` // empty: outbox lives in the board database
	LogLevel   string `yaml:"log_level"`

	Save      savecoord.Config `yaml:"save"`
	Session   SessionConfig    `yaml:"session"`
	Outbox    outbox.Options   `yaml:"outbox"`
	Embedding EmbeddingConfig  `yaml:"embedding"`
	Index     IndexConfig      `yaml:"index"`
	Assist    assist.Config    `yaml:"assist"`
	Notify    NotifyConfig     `yaml:"notify"`
	Auth      AuthConfig       `yaml:"auth"`
	HTTP      shield.Config    `yaml:"http"`
}

// SessionConfig controls editing session lifetime.
type SessionConfig struct {
	// IdleTTL tears down sessions that received no change for that long.
	IdleTTL      time.Duration `yaml:"idle_ttl"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

// EmbeddingConfig selects and guards the embedder.
type EmbeddingConfig struct {
	embedding.Config `yaml:",inline"`

	// Hashing uses the offline bag-of-words embedder when no endpoint is set.
	Hashing bool                    `yaml:"hashing"`
	Breaker embedding.BreakerConfig `yaml:"breaker"`
}

// IndexConfig controls the background index refresh.
type IndexConfig struct {
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	QueryCache int           `yaml:"query_cache"`
	Timeout    time.Duration `yaml:"timeout"`
}

// NotifyConfig lists the saved-event transports. Each is off when its
// address is empty.
type NotifyConfig struct {
	Redis RedisConfig       `yaml:"redis"`
	AMQP  notify.AMQPConfig `yaml:"amqp"`
}

// RedisConfig configures the Redis pub/sub publisher.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// AuthConfig configures request authentication. Without a secret every
// request runs as DefaultOwner.
type AuthConfig struct {
	Secret string `yaml:"-"`
}

// Key derives the 32-byte HS256 key from the configured secret, or nil
// when authentication is off.
func (a AuthConfig) Key() []byte {
	if a.Secret == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(a.Secret))
	return sum[:]
}

// DefaultOwner is the user of unauthenticated single-user deployments.
const DefaultOwner = "local"

func (c *Config) defaults() {
	if c.Listen == "" {
		c.Listen = ":8090"
	}
	if c.DBPath == "" {
		c.DBPath = "data/boardkeeper.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Session.IdleTTL <= 0 {
		c.Session.IdleTTL = 30 * time.Minute
	}
	if c.Session.ReapInterval <= 0 {
		c.Session.ReapInterval = time.Minute
	}
	if c.Outbox.Visibility <= 0 {
		c.Outbox.Visibility = time.Minute
	}
	if c.Outbox.PollInterval <= 0 {
		c.Outbox.PollInterval = 5 * time.Second
	}
	if c.Index.Workers <= 0 {
		c.Index.Workers = 2
	}
	if c.Index.QueueSize <= 0 {
		c.Index.QueueSize = 256
	}
	if c.Index.QueryCache <= 0 {
		c.Index.QueryCache = 512
	}
	if c.Index.Timeout <= 0 {
		c.Index.Timeout = 30 * time.Second
	}
	if c.Notify.Redis.Prefix == "" {
		c.Notify.Redis.Prefix = "boardkeeper"
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("boardkeeper: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides configuration from the environment. Secrets are only
// read from here.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Listen = ":" + v
	}
	if v := os.Getenv("BOARDKEEPER_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("ASSIST_ENDPOINT"); v != "" {
		c.Assist.Endpoint = v
	}
	if v := os.Getenv("ASSIST_API_KEY"); v != "" {
		c.Assist.APIKey = v
	}
	if v := os.Getenv("EMBED_ENDPOINT"); v != "" {
		c.Embedding.Endpoint = v
	}
	if v := os.Getenv("EMBED_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Notify.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Notify.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Notify.Redis.DB = n
		}
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		c.Notify.AMQP.URL = v
	}
}
