// Package config loads every tunable the filter and channel service
// expose, from environment variables (optionally seeded by a local
// .env file), into one typed struct.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is every environment-driven tunable this server has, prefixed
// KEYEXCHANGE_ on the wire (spec.md §6's two configuration-option
// lists, plus this expansion's ambient additions).
type Config struct {
	// Channel service (spec.md §6 "Configuration options (channel service)").
	CIDLen       int    `env:"CID_LEN" envDefault:"4"`
	TTL          time.Duration `env:"TTL" envDefault:"300s"`
	MaxGets      int    `env:"MAX_GETS" envDefault:"6"`
	RootRedirect string `env:"ROOT_REDIRECT" envDefault:"https://example.org/"`

	// Filter (spec.md §6 "Configuration options (filter)").
	QueueSize      int           `env:"QUEUE_SIZE" envDefault:"200"`
	BrQueueSize    int           `env:"BR_QUEUE_SIZE" envDefault:"20"`
	Treshold       int           `env:"TRESHOLD" envDefault:"20"`
	BrTreshold     int           `env:"BR_TRESHOLD" envDefault:"5"`
	BlacklistTTL   time.Duration `env:"BLACKLIST_TTL" envDefault:"300s"`
	BrBlacklistTTL time.Duration `env:"BR_BLACKLIST_TTL" envDefault:"86400s"`
	IPQueueTTL     time.Duration `env:"IP_QUEUE_TTL" envDefault:"360s"`
	RefreshFreq    time.Duration `env:"REFRESH_FREQUENCY" envDefault:"30s"`
	Async          bool          `env:"ASYNC" envDefault:"true"`
	UpdateBlFreq   int           `env:"UPDATE_BLFREQ" envDefault:"100"`
	IPWhitelistRaw string        `env:"IP_WHITELIST" envDefault:""`
	Observe        bool          `env:"OBSERVE" envDefault:"false"`
	AdminPage      string        `env:"ADMIN_PAGE" envDefault:""`

	// Ambient (this expansion's C8/C9/C10/C11 additions).
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	KVBackend   string `env:"KV_BACKEND" envDefault:"memory"`
	KVServers   string `env:"KV_SERVERS" envDefault:""`
	AuditDB     string `env:"AUDIT_DB" envDefault:""`
}

// IPWhitelist splits the comma-separated KEYEXCHANGE_IP_WHITELIST into
// individual CIDR/address entries.
func (c Config) IPWhitelist() []string {
	if c.IPWhitelistRaw == "" {
		return nil
	}
	parts := strings.Split(c.IPWhitelistRaw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// KVServerList splits the comma-separated KEYEXCHANGE_KV_SERVERS.
func (c Config) KVServerList() []string {
	return splitCommaList(c.KVServers)
}

func splitCommaList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads a .env file from the working directory if one is
// present (ignored if absent), then parses environment variables
// prefixed KEYEXCHANGE_ into a Config.
func Load() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	opts := env.Options{Prefix: "KEYEXCHANGE_"}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
