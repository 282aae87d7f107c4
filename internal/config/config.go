// Package config loads OxiCloud's runtime configuration. Values are
// resolved with the precedence the spec demands: environment variable >
// database-backed dynamic setting > struct default. The shape mirrors
// reva's own cmd/revad/pkg/config package (a typed Config struct decoded
// from a generic map via mapstructure) but the source map here is built
// from os.Environ() plus pkg/db's settings table instead of a TOML file,
// since spec §6 specifies OXICLOUD_-prefixed environment variables as the
// primary channel.
package config

import (
	"database/sql"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

const envPrefix = "OXICLOUD_"

// Config holds every tunable the storage core reads at boot. Field tags
// give the settings-table key and the OXICLOUD_<TAG> environment suffix.
type Config struct {
	StoragePath string `key:"storage_path"`
	Host        string `key:"host"`
	Port        int    `key:"port"`

	CacheFileTTL time.Duration `key:"cache_file_ttl"`
	CacheDirTTL  time.Duration `key:"cache_dir_ttl"`
	CacheMaxSize int           `key:"cache_max_size"`

	FileOpTimeout  time.Duration `key:"file_op_timeout"`
	DirOpTimeout   time.Duration `key:"dir_op_timeout"`
	LockTimeout    time.Duration `key:"lock_timeout"`
	NetworkTimeout time.Duration `key:"network_timeout"`

	MaxUploadSize        int64 `key:"max_upload_size"`
	ChunkUploadThreshold int64 `key:"chunk_upload_threshold"`
	DefaultChunkSize     int64 `key:"default_chunk_size"`

	JWTSecret   string `key:"jwt_secret"`
	OIDCIssuer  string `key:"oidc_issuer"`
	OIDCEnabled bool   `key:"oidc_enabled"`

	LogLevel  string `key:"log_level"`
	LogFormat string `key:"log_format"`
}

// Default returns the struct defaults, applied before database and
// environment overrides.
func Default() *Config {
	return &Config{
		StoragePath:          "./data",
		Host:                 "0.0.0.0",
		Port:                 8080,
		CacheFileTTL:         60 * time.Second,
		CacheDirTTL:          30 * time.Second,
		CacheMaxSize:         100000,
		FileOpTimeout:        10 * time.Second,
		DirOpTimeout:         30 * time.Second,
		LockTimeout:          5 * time.Second,
		NetworkTimeout:       15 * time.Second,
		MaxUploadSize:        5 << 30,  // 5 GiB
		ChunkUploadThreshold: 10 << 20, // 10 MiB
		DefaultChunkSize:     5 << 20,  // 5 MiB
		JWTSecret:            "changemeplease",
		LogLevel:             "info",
		LogFormat:            "console",
	}
}

// asMap renders c's current values into a key-tagged map, the seed every
// later precedence layer overwrites entries in.
func (c *Config) asMap() map[string]any {
	return map[string]any{
		"storage_path":           c.StoragePath,
		"host":                   c.Host,
		"port":                   c.Port,
		"cache_file_ttl":         c.CacheFileTTL,
		"cache_dir_ttl":          c.CacheDirTTL,
		"cache_max_size":         c.CacheMaxSize,
		"file_op_timeout":        c.FileOpTimeout,
		"dir_op_timeout":         c.DirOpTimeout,
		"lock_timeout":           c.LockTimeout,
		"network_timeout":        c.NetworkTimeout,
		"max_upload_size":        c.MaxUploadSize,
		"chunk_upload_threshold": c.ChunkUploadThreshold,
		"default_chunk_size":     c.DefaultChunkSize,
		"jwt_secret":             c.JWTSecret,
		"oidc_issuer":            c.OIDCIssuer,
		"oidc_enabled":           c.OIDCEnabled,
		"log_level":              c.LogLevel,
		"log_format":             c.LogFormat,
	}
}

// SettingsReader is the narrow read port onto the dynamic settings table
// that sits between defaults and the environment in the precedence chain.
type SettingsReader interface {
	Get(key string) (string, bool)
}

// Load resolves the final configuration: defaults, then every key present
// in settings (if non-nil), then every OXICLOUD_-prefixed environment
// variable.
func Load(settings SettingsReader) (*Config, error) {
	c := Default()
	raw := c.asMap()

	if settings != nil {
		for k := range raw {
			if v, ok := settings.Get(k); ok {
				raw[k] = v
			}
		}
	}

	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], envPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(parts[0], envPrefix))
		if _, known := raw[key]; known {
			raw[key] = parts[1]
		}
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
		TagName:          "key",
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "config: error building decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return nil, errors.Wrap(err, "config: error decoding configuration")
	}
	return c, nil
}

// SQLSettings is the pkg/db-backed SettingsReader implementation.
type SQLSettings struct {
	DB *sql.DB
}

// Get looks up key in the settings table.
func (s *SQLSettings) Get(key string) (string, bool) {
	if s.DB == nil {
		return "", false
	}
	var value string
	err := s.DB.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// Set persists a dynamic setting, used by an admin surface outside this
// core's scope to override a default between restarts.
func (s *SQLSettings) Set(key, value string) error {
	_, err := s.DB.Exec(
		`INSERT INTO settings(key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}
