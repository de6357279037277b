package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/evanofslack/cddns/internal/errs"
)

const (
	EnvPrefix = "CDDNS"

	defaultWatchInterval   = 30000 // milliseconds
	defaultInventoryPath   = "inventory.yaml"
	defaultResolverTimeout = 10 * time.Second
	defaultProviderTimeout = 15 * time.Second
	defaultRateLimit       = 4.0
	defaultReadRetries     = 2
	defaultConcurrency     = 4
	defaultLogLevel        = "info"
	defaultLogEnv          = "auto"
	defaultConfigFileName  = "config"
	defaultConfigDirName   = "cddns"
	configFileEnv          = EnvPrefix + "_CONFIG"
)

// Config is the resolved configuration. It is built once at startup and
// treated as read-only afterwards.
type Config struct {
	Token     Secret    `mapstructure:"token"`
	TokenFile string    `mapstructure:"token_file"`
	Inventory Inventory `mapstructure:"inventory"`
	Watch     Watch     `mapstructure:"watch"`
	Resolver  Resolver  `mapstructure:"resolver"`
	Provider  Provider  `mapstructure:"provider"`
	List      List      `mapstructure:"list"`
	Log       Log       `mapstructure:"log"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

type Inventory struct {
	Path string `mapstructure:"path"`
}

type Watch struct {
	IntervalMS  int64  `mapstructure:"interval"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

func (w Watch) Interval() time.Duration {
	return time.Duration(w.IntervalMS) * time.Millisecond
}

type Resolver struct {
	IPv4URLs []string      `mapstructure:"ipv4_urls"`
	IPv6URLs []string      `mapstructure:"ipv6_urls"`
	IPv4     string        `mapstructure:"ipv4"`
	IPv6     string        `mapstructure:"ipv6"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type Provider struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	ReadRetries int           `mapstructure:"read_retries"`
	Concurrency int           `mapstructure:"concurrency"`
	BaseURL     string        `mapstructure:"base_url"`
}

type List struct {
	IncludeZones   []string `mapstructure:"include_zones"`
	IgnoreZones    []string `mapstructure:"ignore_zones"`
	IncludeRecords []string `mapstructure:"include_records"`
	IgnoreRecords  []string `mapstructure:"ignore_records"`
}

type Log struct {
	Level string `mapstructure:"level"`
	Env   string `mapstructure:"env"`
}

// SetDefaults registers the built-in defaults, the lowest precedence source.
// Every key needs a default so that viper maps its environment variable.
func SetDefaults(v *viper.Viper, ipv4URLs, ipv6URLs []string) {
	v.SetDefault("token", "")
	v.SetDefault("token_file", "")
	v.SetDefault("inventory.path", defaultInventoryPath)
	v.SetDefault("watch.interval", defaultWatchInterval)
	v.SetDefault("watch.metrics_addr", "")
	v.SetDefault("resolver.ipv4_urls", ipv4URLs)
	v.SetDefault("resolver.ipv6_urls", ipv6URLs)
	v.SetDefault("resolver.ipv4", "")
	v.SetDefault("resolver.ipv6", "")
	v.SetDefault("resolver.timeout", defaultResolverTimeout)
	v.SetDefault("provider.timeout", defaultProviderTimeout)
	v.SetDefault("provider.rate_limit", defaultRateLimit)
	v.SetDefault("provider.read_retries", defaultReadRetries)
	v.SetDefault("provider.concurrency", defaultConcurrency)
	v.SetDefault("provider.base_url", "")
	v.SetDefault("list.include_zones", []string{})
	v.SetDefault("list.ignore_zones", []string{})
	v.SetDefault("list.include_records", []string{})
	v.SetDefault("list.ignore_records", []string{})
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.env", defaultLogEnv)
}

// Sources describes where configuration values come from, highest
// precedence first: explicit flags, CDDNS_* environment variables, the
// config file, built-in defaults.
type Sources struct {
	Flags *pflag.FlagSet
	// FlagKeys maps flag names to config keys.
	FlagKeys map[string]string
	// File is an explicit config file path; when empty CDDNS_CONFIG and then
	// the default location are tried.
	File string
}

// Load resolves all sources into a Config.
func Load(v *viper.Viper, src Sources) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range src.FlagKeys {
		if src.Flags == nil {
			break
		}
		flag := src.Flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, errs.Config("config", "bind flag --%s: %v", name, err)
		}
	}

	file, explicit := configFile(src.File)
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var pathErr *fs.PathError
			if explicit || !errors.As(err, &pathErr) {
				return nil, errs.Config("config", "read config file %s: %v", file, err)
			}
			slog.Debug("No config file found, proceeding", "path", file)
			file = ""
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errs.Config("config", "decode configuration: %v", err)
	}
	cfg.File = file

	if cfg.Token == "" && cfg.TokenFile != "" {
		token, err := readToken(cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		cfg.Token = token
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func configFile(flagValue string) (string, bool) {
	if flagValue != "" {
		return flagValue, true
	}
	if env := os.Getenv(configFileEnv); env != "" {
		return env, true
	}
	return DefaultPath(), false
}

// DefaultPath is $XDG_CONFIG_HOME/cddns/config.yaml, or the platform
// equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, defaultConfigDirName, defaultConfigFileName+".yaml")
}

// Validate rejects malformed values. A missing token is not an error here:
// only commands that reach the provider need one, see RequireToken.
func (c *Config) Validate() error {
	if c.Inventory.Path == "" {
		return errs.Config("config", "inventory.path must not be empty")
	}
	if c.Watch.IntervalMS <= 0 {
		return errs.Config("config", "watch.interval must be a positive number of milliseconds, got %d", c.Watch.IntervalMS)
	}
	if c.Resolver.Timeout <= 0 {
		return errs.Config("config", "resolver.timeout must be positive, got %s", c.Resolver.Timeout)
	}
	if c.Provider.Timeout <= 0 {
		return errs.Config("config", "provider.timeout must be positive, got %s", c.Provider.Timeout)
	}
	if c.Provider.RateLimit < 0 {
		return errs.Config("config", "provider.rate_limit must not be negative, got %v", c.Provider.RateLimit)
	}
	if c.Provider.ReadRetries < 0 || c.Provider.ReadRetries > 5 {
		return errs.Config("config", "provider.read_retries must be between 0 and 5, got %d", c.Provider.ReadRetries)
	}
	if c.Provider.Concurrency < 1 {
		return errs.Config("config", "provider.concurrency must be at least 1, got %d", c.Provider.Concurrency)
	}
	if c.Resolver.IPv4 != "" {
		if addr, err := netip.ParseAddr(c.Resolver.IPv4); err != nil || !addr.Unmap().Is4() {
			return errs.Config("config", "resolver.ipv4 is not an IPv4 address: %q", c.Resolver.IPv4)
		}
	}
	if c.Resolver.IPv6 != "" {
		if addr, err := netip.ParseAddr(c.Resolver.IPv6); err != nil || !addr.Is6() || addr.Is4In6() {
			return errs.Config("config", "resolver.ipv6 is not an IPv6 address: %q", c.Resolver.IPv6)
		}
	}
	for key, patterns := range map[string][]string{
		"list.include_zones":   c.List.IncludeZones,
		"list.ignore_zones":    c.List.IgnoreZones,
		"list.include_records": c.List.IncludeRecords,
		"list.ignore_records":  c.List.IgnoreRecords,
	} {
		for _, p := range patterns {
			if _, err := regexp.Compile(p); err != nil {
				return errs.Config("config", "%s: invalid pattern %q: %v", key, p, err)
			}
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errs.Config("config", "log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	return nil
}

func (c *Config) RequireToken() error {
	if c.Token == "" {
		return errs.Config("config", "no token was provided: set --token, %s_TOKEN, token or token_file", EnvPrefix)
	}
	return nil
}

// readToken reads the first line of a token file. The file must not be
// readable by group or other.
func readToken(path string) (Secret, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", errs.Config("config", "token file: %v", err)
	}
	if perms := info.Mode().Perm(); perms != 0600 && perms != 0400 {
		return "", errs.Config("config", "invalid permissions for %q: expected \"-rw-------\", found %q", path, fs.FileMode(perms))
	}

	f, err := os.Open(path)
	if err != nil {
		return "", errs.Config("config", "token file: %v", err)
	}
	defer f.Close()

	line, _, err := bufio.NewReader(f).ReadLine()
	if err != nil {
		return "", errs.Config("config", "token file %s: %v", path, err)
	}
	token := strings.TrimSpace(string(line))
	if token == "" {
		return "", errs.Config("config", "token file %s is empty", path)
	}
	return Secret(token), nil
}

// String renders the configuration for "config show". The token is redacted.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "config file:          %s\n", orNone(c.File))
	fmt.Fprintf(&b, "token:                %s\n", c.Token)
	fmt.Fprintf(&b, "token_file:           %s\n", orNone(c.TokenFile))
	fmt.Fprintf(&b, "inventory.path:       %s\n", c.Inventory.Path)
	fmt.Fprintf(&b, "watch.interval:       %dms\n", c.Watch.IntervalMS)
	fmt.Fprintf(&b, "watch.metrics_addr:   %s\n", orNone(c.Watch.MetricsAddr))
	fmt.Fprintf(&b, "resolver.ipv4_urls:   %s\n", strings.Join(c.Resolver.IPv4URLs, ", "))
	fmt.Fprintf(&b, "resolver.ipv6_urls:   %s\n", strings.Join(c.Resolver.IPv6URLs, ", "))
	fmt.Fprintf(&b, "resolver.ipv4:        %s\n", orNone(c.Resolver.IPv4))
	fmt.Fprintf(&b, "resolver.ipv6:        %s\n", orNone(c.Resolver.IPv6))
	fmt.Fprintf(&b, "resolver.timeout:     %s\n", c.Resolver.Timeout)
	fmt.Fprintf(&b, "provider.timeout:     %s\n", c.Provider.Timeout)
	fmt.Fprintf(&b, "provider.rate_limit:  %v/s\n", c.Provider.RateLimit)
	fmt.Fprintf(&b, "provider.read_retries: %d\n", c.Provider.ReadRetries)
	fmt.Fprintf(&b, "provider.concurrency: %d\n", c.Provider.Concurrency)
	fmt.Fprintf(&b, "list.include_zones:   %s\n", strings.Join(c.List.IncludeZones, ", "))
	fmt.Fprintf(&b, "list.ignore_zones:    %s\n", strings.Join(c.List.IgnoreZones, ", "))
	fmt.Fprintf(&b, "list.include_records: %s\n", strings.Join(c.List.IncludeRecords, ", "))
	fmt.Fprintf(&b, "list.ignore_records:  %s\n", strings.Join(c.List.IgnoreRecords, ", "))
	fmt.Fprintf(&b, "log.level:            %s\n", c.Log.Level)
	fmt.Fprintf(&b, "log.env:              %s\n", c.Log.Env)
	return b.String()
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
