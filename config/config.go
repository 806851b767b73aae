package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"zipchat/crypto"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "zipchat"
	// EnvPrefix namespaces environment overrides, e.g. ZIPCHAT_SERVER_LISTEN_ADDRESS.
	EnvPrefix = "ZIPCHAT"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "ZIPCHAT_DATA_DIR"
	// SealedPrefix marks a secret stored as a crypto.Codec blob.
	SealedPrefix = "enc:"
	// DotEnvFile is read from the working directory before the environment
	// is consulted. Variables already set in the process win.
	DotEnvFile = ".env"

	configFileName = "zipchat"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full runtime configuration.
type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Crypto    CryptoConfig    `mapstructure:"crypto"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Log       LogConfig       `mapstructure:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type ServerConfig struct {
	ListenAddress          string        `mapstructure:"listen_address"`
	WSPath                 string        `mapstructure:"ws_path"`
	PingInterval           time.Duration `mapstructure:"ping_interval"`
	WriteTimeout           time.Duration `mapstructure:"write_timeout"`
	AuthTimeout            time.Duration `mapstructure:"auth_timeout"`
	MaxMessageBytes        int64         `mapstructure:"max_message_bytes"`
	InboundEventsPerSecond int           `mapstructure:"inbound_events_per_second"`
	AllowedOrigins         []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	Driver                 string        `mapstructure:"driver"`
	PostgresDSN            string        `mapstructure:"postgres_dsn"`
	CleanupInterval        time.Duration `mapstructure:"cleanup_interval"`
	WALCheckpointInterval  time.Duration `mapstructure:"wal_checkpoint_interval"`
	SecurityEventRetention time.Duration `mapstructure:"security_event_retention"`
}

type AuthConfig struct {
	JWTSecret         string        `mapstructure:"jwt_secret"`
	JWTPublicKeyPath  string        `mapstructure:"jwt_public_key_path"`
	JWTPrivateKeyPath string        `mapstructure:"jwt_private_key_path"`
	Issuer            string        `mapstructure:"issuer"`
	Leeway            time.Duration `mapstructure:"leeway"`
}

// CryptoConfig holds the server Codec key material used for sealed secrets.
type CryptoConfig struct {
	Secret string `mapstructure:"secret"`
	Salt   string `mapstructure:"salt"`
}

type MetricsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	PasswordSalt string `mapstructure:"password_salt"`
}

type DiscoveryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	InstanceName string `mapstructure:"instance_name"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// FlagBindings maps config keys to the command-line flags that override them.
var FlagBindings = map[string]string{
	"data_dir":              "data-dir",
	"server.listen_address": "listen",
	"server.ws_path":        "ws-path",
	"storage.driver":        "storage-driver",
	"storage.postgres_dsn":  "postgres-dsn",
	"log.level":             "log-level",
	"log.format":            "log-format",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "")

	v.SetDefault("server.listen_address", ":8080")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.ping_interval", 30*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.auth_timeout", 10*time.Second)
	v.SetDefault("server.max_message_bytes", 64*1024)
	v.SetDefault("server.inbound_events_per_second", 50)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.cleanup_interval", time.Minute)
	v.SetDefault("storage.wal_checkpoint_interval", 24*time.Hour)
	v.SetDefault("storage.security_event_retention", 90*24*time.Hour)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_public_key_path", "")
	v.SetDefault("auth.jwt_private_key_path", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("auth.leeway", 30*time.Second)

	v.SetDefault("crypto.secret", "")
	v.SetDefault("crypto.salt", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.username", "")
	v.SetDefault("metrics.password_hash", "")
	v.SetDefault("metrics.password_salt", "")

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.instance_name", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load merges defaults, the optional zipchat.yaml, ZIPCHAT_* environment
// variables and flags, in increasing precedence. flags may be nil. A
// "config" flag, when set, names the config file explicitly.
func Load(flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(DotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s: %w", DotEnvFile, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range FlagBindings {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("bind flag %q: %w", name, err)
				}
			}
		}
	}

	explicit := ""
	if flags != nil {
		if flag := flags.Lookup("config"); flag != nil {
			explicit = flag.Value.String()
		}
	}
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if dir := v.GetString("data_dir"); dir != "" {
			v.AddConfigPath(dir)
		} else if dir, err := ResolveDataDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if cfg.DataDir == "" {
		dir, err := ResolveDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	if cfg.Auth.JWTPrivateKeyPath == "" {
		cfg.Auth.JWTPrivateKeyPath = filepath.Join(cfg.DataDir, "keys", "jwt_ed25519_private.pem")
	}
	if cfg.Discovery.InstanceName == "" {
		cfg.Discovery.InstanceName = "zipchat"
		if host, err := os.Hostname(); err == nil && host != "" {
			cfg.Discovery.InstanceName = "zipchat on " + host
		}
	}

	return &cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			return errors.New("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	if c.Auth.JWTSecret == "" && c.Auth.JWTPublicKeyPath == "" {
		return errors.New("auth.jwt_secret or auth.jwt_public_key_path is required")
	}
	if strings.HasPrefix(c.Auth.JWTSecret, SealedPrefix) && (c.Crypto.Secret == "" || c.Crypto.Salt == "") {
		return errors.New("sealed auth.jwt_secret needs crypto.secret and crypto.salt")
	}

	if c.Server.PingInterval <= 0 {
		return errors.New("server.ping_interval must be positive")
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path %q must start with /", c.Server.WSPath)
	}
	if c.Server.MaxMessageBytes <= 0 {
		return errors.New("server.max_message_bytes must be positive")
	}

	if c.Metrics.Username != "" && (c.Metrics.PasswordHash == "" || c.Metrics.PasswordSalt == "") {
		return errors.New("metrics.username needs metrics.password_hash and metrics.password_salt")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}

	return nil
}

// JWTSecret returns the HS256 secret, opening it with the configured Codec
// when it is sealed.
func (c *Config) JWTSecret() ([]byte, error) {
	secret := c.Auth.JWTSecret
	if !strings.HasPrefix(secret, SealedPrefix) {
		return []byte(secret), nil
	}

	codec, err := crypto.NewCodec(c.Crypto.Secret, c.Crypto.Salt)
	if err != nil {
		return nil, fmt.Errorf("open sealed jwt secret: %w", err)
	}
	plain, err := codec.Decrypt(strings.TrimPrefix(secret, SealedPrefix))
	if err != nil {
		return nil, fmt.Errorf("open sealed jwt secret: %w", err)
	}
	return []byte(plain), nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If ZIPCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_DATA_HOME")
		if base == "" {
			base = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// EnsureDataDirectories creates the data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}
