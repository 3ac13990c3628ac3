package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ghyeongl/mirrorsync/sync"
)

// errUsage signals that the invocation lacks the required arguments.
var errUsage = errors.New("insufficient arguments")

// Config is the effective configuration after merging the config file,
// environment, flags and positional arguments.
type Config struct {
	Pairs       []sync.Pair `mapstructure:"pairs" yaml:"pairs"`
	Interval    int         `mapstructure:"interval" yaml:"interval"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	LogLevel    string      `mapstructure:"log_level" yaml:"log_level"`
	Quiet       bool        `mapstructure:"quiet" yaml:"quiet"`
	Workers     int         `mapstructure:"workers" yaml:"workers"`
	Watch       bool        `mapstructure:"watch" yaml:"watch"`
	TrashDir    string      `mapstructure:"trash_dir" yaml:"trash_dir,omitempty"`
	IgnoreFile  string      `mapstructure:"ignore_file" yaml:"ignore_file,omitempty"`
	HistoryDB   string      `mapstructure:"history_db" yaml:"history_db,omitempty"`
	NoHistory   bool        `mapstructure:"no_history" yaml:"no_history"`
	HistoryKeep int         `mapstructure:"history_keep" yaml:"history_keep"`
	StatusAddr  string      `mapstructure:"status_addr" yaml:"status_addr,omitempty"`
}

// flagKeys maps flag names to configuration keys.
var flagKeys = map[string]string{
	"log-level":    "log_level",
	"quiet":        "quiet",
	"workers":      "workers",
	"watch":        "watch",
	"trash":        "trash_dir",
	"ignore-file":  "ignore_file",
	"history-db":   "history_db",
	"no-history":   "no_history",
	"history-keep": "history_keep",
	"status-addr":  "status_addr",
}

func addConfigFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "config file (yaml, toml or json)")
	flags.String("log-level", "info", "log file level: debug, info, warn, error")
	flags.BoolP("quiet", "q", false, "suppress console output")
	flags.IntP("workers", "w", 1, "subtrees reconciled concurrently")
	flags.Bool("watch", false, "also run a pass when a source changes")
	flags.String("trash", "", "move deleted replica entries into this directory")
	flags.String("ignore-file", "", "ignore file, relative to each source unless absolute (default .syncignore)")
	flags.String("history-db", "", "run history database (default next to the log file)")
	flags.Bool("no-history", false, "do not record run history")
	flags.Int("history-keep", 100, "runs kept per pair in the history")
	flags.String("status-addr", "", "serve the status API on this address, e.g. 127.0.0.1:8089")
}

// newViper layers defaults, an optional config file, MIRRORSYNC_* env vars
// and the flags in flags.
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault("log_level", "info")
	v.SetDefault("workers", 1)
	v.SetDefault("history_keep", 100)

	v.SetEnvPrefix("mirrorsync")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for flag, key := range flagKeys {
		if f := flags.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", flag, err)
			}
		}
	}

	if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
		path, err := homedir.Expand(f.Value.String())
		if err != nil {
			return nil, fmt.Errorf("config path: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

// loadConfig decodes v and applies the positional arguments
// <source> <replica> <intervalSeconds> <logFile>, which replace any pairs
// from the config file. Returns errUsage when neither source provides a
// pair, an interval and a log file.
func loadConfig(v *viper.Viper, args []string) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	switch {
	case len(args) >= 4:
		interval, err := parseInterval(args[2])
		if err != nil {
			return nil, err
		}
		cfg.Pairs = []sync.Pair{{Name: "default", Source: args[0], Replica: args[1]}}
		cfg.Interval = interval
		cfg.LogFile = args[3]
	case len(args) > 0:
		return nil, errUsage
	case len(cfg.Pairs) == 0 || cfg.Interval == 0 || cfg.LogFile == "":
		return nil, errUsage
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, cfg.validate()
}

func parseInterval(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("interval must be a whole number of seconds >= 1, got %q", s)
	}
	return n, nil
}

// normalize expands ~ and makes paths absolute.
func (c *Config) normalize() error {
	expand := func(p *string) error {
		if *p == "" {
			return nil
		}
		e, err := homedir.Expand(*p)
		if err != nil {
			return err
		}
		abs, err := filepath.Abs(e)
		if err != nil {
			return err
		}
		*p = abs
		return nil
	}

	for i := range c.Pairs {
		p := &c.Pairs[i]
		if err := expand(&p.Source); err != nil {
			return fmt.Errorf("pair %d source: %w", i, err)
		}
		if err := expand(&p.Replica); err != nil {
			return fmt.Errorf("pair %d replica: %w", i, err)
		}
		if p.Name == "" {
			p.Name = fmt.Sprintf("pair-%d", i+1)
		}
	}
	for _, p := range []*string{&c.LogFile, &c.TrashDir, &c.HistoryDB} {
		if err := expand(p); err != nil {
			return err
		}
	}
	if c.IgnoreFile != "" {
		e, err := homedir.Expand(c.IgnoreFile)
		if err != nil {
			return err
		}
		c.IgnoreFile = e
	}
	return nil
}

func (c *Config) validate() error {
	if c.Interval < 1 {
		return fmt.Errorf("interval must be >= 1 second, got %d", c.Interval)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if _, err := sync.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Pairs))
	for _, p := range c.Pairs {
		if p.Source == "" || p.Replica == "" {
			return fmt.Errorf("pair %q: source and replica are required", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate pair name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// historyPath returns the history database path, or "" when disabled.
func (c *Config) historyPath() string {
	switch {
	case c.NoHistory:
		return ""
	case c.HistoryDB != "":
		return c.HistoryDB
	case c.LogFile != "":
		return sync.DefaultHistoryPath(c.LogFile)
	}
	return ""
}

func (c *Config) interval() time.Duration {
	return time.Duration(c.Interval) * time.Second
}
