package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type RateLimit struct {
	Limit float64 `mapstructure:"limit" validate:"gt=0"`
	Burst int     `mapstructure:"burst" validate:"gt=0"`
}

type Config struct {
	API struct {
		Listen            string        `mapstructure:"listen" validate:"required,hostname_port"`
		ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gt=0"`
		ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`

		// TrustProxy takes the client address from forwarding headers. Only
		// enable it when every request arrives through a proxy that sets them.
		TrustProxy bool `mapstructure:"trust_proxy"`
	} `mapstructure:"api"`

	Relay struct {
		SendTimeout time.Duration `mapstructure:"send_timeout" validate:"gt=0"`
	} `mapstructure:"relay"`

	Stream struct {
		SendBuffer     int           `mapstructure:"send_buffer" validate:"gt=0"`
		WriteWait      time.Duration `mapstructure:"write_wait" validate:"gt=0"`
		PongWait       time.Duration `mapstructure:"pong_wait" validate:"gt=0"`
		MaxMessageSize int64         `mapstructure:"max_message_size" validate:"gt=0"`
		AllowedOrigins []string      `mapstructure:"allowed_origins"`
	} `mapstructure:"stream"`

	Ingest struct {
		// KeyHash is a bcrypt hash of the webhook key; empty disables the check.
		KeyHash string `mapstructure:"key_hash"`
	} `mapstructure:"ingest"`

	RateLimit struct {
		Connect RateLimit `mapstructure:"connect"`
		Ingest  RateLimit `mapstructure:"ingest"`
	} `mapstructure:"ratelimit"`

	DB struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"db"`

	Cluster struct {
		Channel string `mapstructure:"channel" validate:"required,max=63"`
	} `mapstructure:"cluster"`

	Log struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=json text"`
	} `mapstructure:"log"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("api.listen", "127.0.0.1:8080")
	v.SetDefault("api.read_header_timeout", 10*time.Second)
	v.SetDefault("api.shutdown_timeout", 10*time.Second)
	v.SetDefault("api.trust_proxy", false)
	v.SetDefault("relay.send_timeout", 5*time.Second)
	v.SetDefault("stream.send_buffer", 256)
	v.SetDefault("stream.write_wait", 10*time.Second)
	v.SetDefault("stream.pong_wait", 60*time.Second)
	v.SetDefault("stream.max_message_size", 512)
	v.SetDefault("stream.allowed_origins", []string{})
	v.SetDefault("ingest.key_hash", "")
	v.SetDefault("ratelimit.connect.limit", 5)
	v.SetDefault("ratelimit.connect.burst", 10)
	v.SetDefault("ratelimit.ingest.limit", 50)
	v.SetDefault("ratelimit.ingest.burst", 100)
	v.SetDefault("db.dsn", "")
	v.SetDefault("cluster.channel", "contentrelay_events")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Env overrides
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("api.listen", "RELAY_API_LISTEN")
	_ = v.BindEnv("db.dsn", "RELAY_DB_DSN")
	_ = v.BindEnv("ingest.key_hash", "RELAY_INGEST_KEY_HASH")
	_ = v.BindEnv("log.level", "RELAY_LOG_LEVEL")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &c, nil
}

// ClusterEnabled reports whether instances fan out through Postgres.
func (c *Config) ClusterEnabled() bool { return c.DB.DSN != "" }
