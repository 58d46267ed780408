package config

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Config holds the daemon-level runtime configuration.
// Precedence: CLI flags > env vars > defaults. Positional arguments after
// the flags select the federation UDP port and the seed contacts.
type Config struct {
	ConfigDir   string
	DataDir     string
	LogLevel    string
	LogFormat   string
	APIAddr     string // listen address for the status API; empty disables it
	DatabaseURL string // postgres:// URL for call history; empty selects sqlite in DataDir

	UDPPort int
	Seeds   []Seed
}

// Seed is one bootstrap contact address.
type Seed struct {
	Addr string
	Port int
}

// defaults
const (
	defaultConfigDir = "./etc"
	defaultDataDir   = "./data"
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
	defaultAPIAddr   = "127.0.0.1:8080"
)

// envPrefix is the prefix for all meshivr environment variables.
const envPrefix = "MESHIVR_"

const usageText = `Usage:
  %s [flags] UDP_PORT [KNOWN_NODE_IP KNOWN_NODE_PORT]
or:
  %s [flags] UDP_PORT [FILE_WITH_KNOWN_NODES]

If a file is specified, it should contain one IP address and UDP port
per line, separated by a space.
`

// Load parses configuration from CLI flags, environment variables and the
// positional bootstrap arguments.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("meshivr", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), usageText, os.Args[0], os.Args[0])
		fs.PrintDefaults()
	}

	fs.StringVar(&cfg.ConfigDir, "config-dir", defaultConfigDir, "directory containing ivr.conf and sms.conf")
	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for call history and recordings")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.APIAddr, "api-addr", defaultAPIAddr, "listen address for the status API (empty to disable)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", "", "postgres:// URL for call history (sqlite in data-dir if empty)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.parseArgs(fs.Args()); err != nil {
		fmt.Fprintf(fs.Output(), usageText, os.Args[0], os.Args[0])
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"config-dir":   envPrefix + "CONFIG_DIR",
		"data-dir":     envPrefix + "DATA_DIR",
		"log-level":    envPrefix + "LOG_LEVEL",
		"log-format":   envPrefix + "LOG_FORMAT",
		"api-addr":     envPrefix + "API_ADDR",
		"database-url": envPrefix + "DATABASE_URL",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "config-dir":
			cfg.ConfigDir = val
		case "data-dir":
			cfg.DataDir = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "api-addr":
			cfg.APIAddr = val
		case "database-url":
			cfg.DatabaseURL = val
		}
	}
}

// parseArgs consumes the positional bootstrap arguments:
// UDP_PORT, optionally followed by a seed address pair or a seed file.
func (c *Config) parseArgs(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("missing UDP_PORT argument")
	}
	port, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("UDP_PORT must be an integer value, got %q", args[0])
	}
	c.UDPPort = port

	switch len(args) {
	case 1:
		// first node in a new federation, no seeds
	case 2:
		seeds, err := ReadSeedFile(args[1])
		if err != nil {
			return err
		}
		c.Seeds = seeds
	case 3:
		seedPort, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("KNOWN_NODE_PORT must be an integer value, got %q", args[2])
		}
		c.Seeds = []Seed{{Addr: args[1], Port: seedPort}}
	default:
		return fmt.Errorf("too many arguments")
	}
	return nil
}

// ReadSeedFile parses a seed list file with one "ip port" pair per line.
// Blank lines and lines starting with '#' are skipped.
func ReadSeedFile(path string) ([]Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening seed file: %w", err)
	}
	defer f.Close()

	var seeds []Seed
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("seed file %s line %d: expected \"ip port\", got %q", path, lineNo, line)
		}
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("seed file %s line %d: port must be an integer, got %q", path, lineNo, fields[1])
		}
		seeds = append(seeds, Seed{Addr: fields[0], Port: port})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	return seeds, nil
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.UDPPort < 1 || c.UDPPort > 65535 {
		return fmt.Errorf("UDP_PORT must be between 1 and 65535, got %d", c.UDPPort)
	}
	for _, s := range c.Seeds {
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("seed port must be between 1 and 65535, got %d", s.Port)
		}
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.DatabaseURL != "" && !strings.HasPrefix(c.DatabaseURL, "postgres://") && !strings.HasPrefix(c.DatabaseURL, "postgresql://") {
		return fmt.Errorf("database-url must be a postgres:// URL, got %q", c.DatabaseURL)
	}
	return nil
}

// SlogLevel converts the configured log level string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LocalIP returns the machine's primary non-loopback IPv4 address, used to
// prime the PBX with the address of the local FastAGI server. Falls back to
// "127.0.0.1" if detection fails.
func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
