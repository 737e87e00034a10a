// Package config loads the broker configuration file.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/xerrors"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "BROKER_CONFIG"

// DefaultPath is read when EnvPath is unset.
const DefaultPath = "config.toml"

// Config is the broker configuration.
type Config struct {
	Server ServerConfig `toml:"server"`
	Helper HelperConfig `toml:"helper"`
	Viewer ViewerConfig `toml:"viewer"`
	Log    LogConfig    `toml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// HelperConfig configures the link to the helper process.
type HelperConfig struct {
	Socket string `toml:"socket"`
	// WaitAttempts is how many one-interval checks startup makes for the
	// helper socket. Zero skips the wait.
	WaitAttempts int      `toml:"wait_attempts"`
	WaitInterval Duration `toml:"wait_interval"`
	// RetryDelay is the pause before create session retries once.
	RetryDelay Duration `toml:"retry_delay"`
	// CallTimeout bounds each helper call. Zero means no timeout.
	CallTimeout Duration `toml:"call_timeout"`
}

// ViewerConfig configures websocket viewers.
type ViewerConfig struct {
	Buffer       int      `toml:"buffer"`
	WriteTimeout Duration `toml:"write_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is "debug" or "info".
	Level string `toml:"level"`
}

// Duration is a time.Duration written as a string like "2s" in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Helper: HelperConfig{
			Socket:       "/tmp/krown-agent.sock",
			WaitAttempts: 30,
			WaitInterval: Duration(time.Second),
			RetryDelay:   Duration(2 * time.Second),
		},
		Viewer: ViewerConfig{
			Buffer:       64,
			WriteTimeout: Duration(5 * time.Second),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the file at path over the defaults. A missing file is not an
// error when the path was not chosen explicitly. Environment overrides are
// applied last.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvPath)
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		err = toml.Unmarshal(b, &cfg)
		if err != nil {
			return Config{}, xerrors.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, xerrors.Errorf("read config: %w", err)
	}

	applyEnv(&cfg)
	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENT_SOCKET"); v != "" {
		cfg.Helper.Socket = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			cfg.Server.Addr = ":" + v
		}
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case c.Helper.Socket == "":
		return xerrors.New("helper.socket must be set")
	case c.Server.Addr == "":
		return xerrors.New("server.addr must be set")
	case c.Helper.WaitAttempts < 0:
		return xerrors.New("helper.wait_attempts must not be negative")
	case c.Helper.WaitAttempts > 0 && c.Helper.WaitInterval <= 0:
		return xerrors.New("helper.wait_interval must be positive")
	case c.Viewer.Buffer < 1:
		return xerrors.New("viewer.buffer must be at least 1")
	case c.Log.Level != "debug" && c.Log.Level != "info":
		return xerrors.Errorf("log.level must be debug or info, got %q", c.Log.Level)
	}
	return nil
}
