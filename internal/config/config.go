// Package config provides the immutable, viper-backed configuration struct
// injected into every control-plane component at boot. Nothing in this
// service reads process globals during request handling; callers receive a
// *Config at construction time instead.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"dropmesh/pkg/utils"
)

// Config is the unified configuration for the control plane. Field groups
// mirror the components in SPEC_FULL.md §4.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr" json:"addr"`
		RequestTimeout  time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
	} `mapstructure:"server" json:"server"`

	Database struct {
		Driver string `mapstructure:"driver" json:"driver"` // "postgres" or "sqlite3"
		DSN    string `mapstructure:"dsn" json:"dsn"`
	} `mapstructure:"database" json:"database"`

	Storage struct {
		Endpoint        string   `mapstructure:"endpoint" json:"endpoint"`
		Region          string   `mapstructure:"region" json:"region"`
		Bucket          string   `mapstructure:"bucket" json:"bucket"`
		AccessKeyID     string   `mapstructure:"access_key_id" json:"access_key_id"`
		SecretAccessKey string   `mapstructure:"secret_access_key" json:"secret_access_key"`
		UseSSL          bool     `mapstructure:"use_ssl" json:"use_ssl"`
		MaxObjectBytes  int64    `mapstructure:"max_object_bytes" json:"max_object_bytes"`
		AllowedMIME     []string `mapstructure:"allowed_mime" json:"allowed_mime"`
		UploadURLTTL    time.Duration `mapstructure:"upload_url_ttl" json:"upload_url_ttl"`
		DownloadURLTTL  time.Duration `mapstructure:"download_url_ttl" json:"download_url_ttl"`
	} `mapstructure:"storage" json:"storage"`

	Policy struct {
		AllowedExpiries       []time.Duration `mapstructure:"allowed_expiries" json:"allowed_expiries"`
		AllowAnonymousShares  bool            `mapstructure:"allow_anonymous_shares" json:"allow_anonymous_shares"`
		PerUserStorageQuota   int64           `mapstructure:"per_user_storage_quota" json:"per_user_storage_quota"`
		PerUserInflightUpload int             `mapstructure:"per_user_inflight_upload" json:"per_user_inflight_upload"`
	} `mapstructure:"policy" json:"policy"`

	RateLimit struct {
		RedisAddr  string `mapstructure:"redis_addr" json:"redis_addr"`
		SubWindows int    `mapstructure:"sub_windows" json:"sub_windows"`
		Tiers      map[string]TierLimit `mapstructure:"tiers" json:"tiers"`
	} `mapstructure:"rate_limit" json:"rate_limit"`

	Signaling struct {
		MaxRooms         int           `mapstructure:"max_rooms" json:"max_rooms"`
		MaxPeersPerRoom  int           `mapstructure:"max_peers_per_room" json:"max_peers_per_room"`
		MaxFrameBytes    int           `mapstructure:"max_frame_bytes" json:"max_frame_bytes"`
		SendQueueLen     int           `mapstructure:"send_queue_len" json:"send_queue_len"`
		HeartbeatEvery   time.Duration `mapstructure:"heartbeat_every" json:"heartbeat_every"`
		IdleTimeout      time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
		AllowAnonymous   bool          `mapstructure:"allow_anonymous" json:"allow_anonymous"`
	} `mapstructure:"signaling" json:"signaling"`

	Expiry struct {
		SweepInterval    time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
		Grace            time.Duration `mapstructure:"grace" json:"grace"`
		BatchSize        int           `mapstructure:"batch_size" json:"batch_size"`
		RetentionWindow  time.Duration `mapstructure:"retention_window" json:"retention_window"`
		MaxConcurrentBatches int       `mapstructure:"max_concurrent_batches" json:"max_concurrent_batches"`
	} `mapstructure:"expiry" json:"expiry"`

	Auth struct {
		SessionCookieName string        `mapstructure:"session_cookie_name" json:"session_cookie_name"`
		SessionTTL        time.Duration `mapstructure:"session_ttl" json:"session_ttl"`
		JWTSigningKey     string        `mapstructure:"jwt_signing_key" json:"jwt_signing_key"`
	} `mapstructure:"auth" json:"auth"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// TierLimit is a single (anonymous, authenticated, ip_ceiling) rate limit
// triple for one admission bucket.
type TierLimit struct {
	AnonymousPerWindow      int `mapstructure:"anonymous_per_window" json:"anonymous_per_window"`
	AuthenticatedPerWindow  int `mapstructure:"authenticated_per_window" json:"authenticated_per_window"`
	IPCeilingPerWindow      int `mapstructure:"ip_ceiling_per_window" json:"ip_ceiling_per_window"`
	Window                  time.Duration `mapstructure:"window" json:"window"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "file:dropmesh.db?cache=shared&_fk=1")

	v.SetDefault("storage.max_object_bytes", int64(5<<30)) // 5 GiB
	v.SetDefault("storage.allowed_mime", []string{"*"})
	v.SetDefault("storage.upload_url_ttl", 15*time.Minute)
	v.SetDefault("storage.download_url_ttl", 5*time.Minute)

	v.SetDefault("policy.allowed_expiries", []time.Duration{2 * time.Hour, 5 * time.Hour, 24 * time.Hour})
	v.SetDefault("policy.allow_anonymous_shares", false)
	v.SetDefault("policy.per_user_storage_quota", int64(50<<30))
	v.SetDefault("policy.per_user_inflight_upload", 5)

	v.SetDefault("rate_limit.sub_windows", 10)

	v.SetDefault("signaling.max_rooms", 10_000)
	v.SetDefault("signaling.max_peers_per_room", 8)
	v.SetDefault("signaling.max_frame_bytes", 64*1024)
	v.SetDefault("signaling.send_queue_len", 32)
	v.SetDefault("signaling.heartbeat_every", 15*time.Second)
	v.SetDefault("signaling.idle_timeout", 60*time.Second)
	v.SetDefault("signaling.allow_anonymous", true)

	v.SetDefault("expiry.sweep_interval", 5*time.Minute)
	v.SetDefault("expiry.grace", 30*time.Second)
	v.SetDefault("expiry.batch_size", 200)
	v.SetDefault("expiry.retention_window", 7*24*time.Hour)
	v.SetDefault("expiry.max_concurrent_batches", 4)

	v.SetDefault("auth.session_cookie_name", "dropmesh_session")
	v.SetDefault("auth.session_ttl", 24*time.Hour)

	v.SetDefault("logging.level", "info")
}

// Load reads the base "default" config file plus an optional environment
// overlay (named env, if non-empty), merges DROPMESH_-prefixed environment
// variables on top, and unmarshals the result.
//
// Config file name/paths are
// fixed by convention, and AutomaticEnv lets operators override any key
// without redeploying a file.
func Load(env string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("default")
	v.AddConfigPath("cmd/config")
	v.AddConfigPath("config")
	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
			}
		}
	}

	v.SetEnvPrefix("DROPMESH")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration using the DROPMESH_ENV environment
// variable to select the overlay file.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("DROPMESH_ENV", ""))
}
