// Package config defines the agent configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"paylock/internal/directive"
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config is the complete agent configuration.
type Config struct {
	Hooks     map[directive.Type]HookDefinition `yaml:"hooks"`
	DeviceID  string                            `yaml:"device_id"`
	Server    Server                            `yaml:"server"`
	Storage   Storage                           `yaml:"storage"`
	Collector Collector                         `yaml:"collector"`
	Metrics   Metrics                           `yaml:"metrics"`
	Heartbeat Heartbeat                         `yaml:"heartbeat"`
	Queue     Queue                             `yaml:"queue"`
	Debug     bool                              `yaml:"debug"`
}

// Server configures the backend client.
type Server struct {
	URL     string                `yaml:"url"`
	Token   string                `yaml:"token"`
	Timeout time.Duration         `yaml:"timeout"`
	Retry   directive.RetryPolicy `yaml:"retry"`
}

// Heartbeat configures the tick loop.
type Heartbeat struct {
	Interval         time.Duration `yaml:"interval"`
	DirectiveTimeout time.Duration `yaml:"directive_timeout"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	LocalTTL         time.Duration `yaml:"local_directive_ttl"`
}

// Storage configures the vault.
type Storage struct {
	Backend      string        `yaml:"backend"`
	Path         string        `yaml:"path"`
	WrapIdentity string        `yaml:"wrap_identity"`
	Timeout      time.Duration `yaml:"timeout"`
	HistorySize  int           `yaml:"history_size"`
}

// Queue configures the directive queue. PublicKey is the path of the
// directive-signing key installed on first start when none is stored.
type Queue struct {
	PublicKey   string `yaml:"public_key"`
	Capacity    int    `yaml:"capacity"`
	HistorySize int    `yaml:"history_size"`
}

// Collector selects the facts source. An empty FactsFile uses the host.
type Collector struct {
	FactsFile string `yaml:"facts_file"`
}

// Metrics configures the Prometheus endpoint. An empty Listen disables it.
type Metrics struct {
	Listen string `yaml:"listen"`
}

// Defaults returns a configuration with every optional value filled in.
func Defaults() Config {
	return Config{
		Server: Server{
			Timeout: 30 * time.Second,
			Retry:   directive.DefaultRetryPolicy(),
		},
		Heartbeat: Heartbeat{
			Interval:         15 * time.Minute,
			DirectiveTimeout: 2 * time.Minute,
			StaleAfter:       10 * time.Minute,
			LocalTTL:         24 * time.Hour,
		},
		Storage: Storage{
			Backend:     BackendFile,
			Path:        "/var/lib/paylock",
			Timeout:     5 * time.Second,
			HistorySize: 20,
		},
		Queue: Queue{
			Capacity:    100,
			HistorySize: 50,
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.DeviceID) == "" {
		errs = append(errs, errors.New("device_id is required"))
	}
	if c.Server.URL != "" {
		u, err := url.Parse(c.Server.URL)
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			errs = append(errs, fmt.Errorf("server.url %q is not an http(s) URL", c.Server.URL))
		}
	}
	if c.Server.Timeout <= 0 {
		errs = append(errs, errors.New("server.timeout must be positive"))
	}
	if c.Heartbeat.Interval < time.Second {
		errs = append(errs, fmt.Errorf("heartbeat.interval %s is below 1s", c.Heartbeat.Interval))
	}
	if c.Heartbeat.DirectiveTimeout <= 0 {
		errs = append(errs, errors.New("heartbeat.directive_timeout must be positive"))
	}

	switch c.Storage.Backend {
	case BackendFile, BackendSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the %s backend", c.Storage.Backend))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of file, sqlite, memory", c.Storage.Backend))
	}
	if c.Queue.Capacity <= 0 || c.Queue.HistorySize <= 0 || c.Storage.HistorySize <= 0 {
		errs = append(errs, errors.New("queue.capacity, queue.history_size and storage.history_size must be positive"))
	}

	for typ := range c.Hooks {
		if !typ.Valid() {
			errs = append(errs, fmt.Errorf("hooks: unknown directive type %q", typ))
		}
	}
	return errors.Join(errs...)
}

// HookDefinition maps OS names to the commands run for one directive type.
// The key can be:
// - "description" for a human-readable note
// - An OS name like "linux", "darwin", "windows"
// - A comma-separated list like "linux,freebsd"
// - "unix" for all Unix-like systems
// - "all" for all systems.
type HookDefinition map[string]any

// HookRule is one command to run.
type HookRule struct {
	Run string `yaml:"run"`
	// ExitCode is the code treated as success; nil means 0.
	ExitCode *int `yaml:"exitcode,omitempty"`
}

// RulesForOS returns the hook commands for a specific OS.
// Priority order:
// 1. Exact OS match (e.g., "freebsd")
// 2. Comma-separated match (e.g., "linux,freebsd")
// 3. Unix (for all Unix-like systems)
// 4. All (works on any OS).
func (hd HookDefinition) RulesForOS(osName string) []HookRule {
	if rules := hd.parseRules(osName); rules != nil {
		return rules
	}

	for key := range hd {
		if !strings.Contains(key, ",") {
			continue
		}
		for part := range strings.SplitSeq(key, ",") {
			if strings.TrimSpace(part) == osName {
				if rules := hd.parseRules(key); rules != nil {
					return rules
				}
				break
			}
		}
	}

	if osName != "windows" {
		if rules := hd.parseRules("unix"); rules != nil {
			return rules
		}
	}
	return hd.parseRules("all")
}

// parseRules converts the raw YAML list under key into HookRules.
func (hd HookDefinition) parseRules(key string) []HookRule {
	slice, ok := hd[key].([]any)
	if !ok || len(slice) == 0 {
		return nil
	}

	var rules []HookRule
	for _, item := range slice {
		var ruleMap map[string]any
		switch m := item.(type) {
		case string:
			rules = append(rules, HookRule{Run: m})
			continue
		case map[string]any:
			ruleMap = m
		case map[any]any:
			ruleMap = make(map[string]any, len(m))
			for k, v := range m {
				if ks, ok := k.(string); ok {
					ruleMap[ks] = v
				}
			}
		default:
			continue
		}

		rule := HookRule{}
		if run, ok := ruleMap["run"].(string); ok {
			rule.Run = run
		}
		// exitcode may decode as different numeric types
		switch v := ruleMap["exitcode"].(type) {
		case int:
			rule.ExitCode = &v
		case int64:
			i := int(v)
			rule.ExitCode = &i
		case float64:
			i := int(v)
			rule.ExitCode = &i
		}
		if rule.Run != "" {
			rules = append(rules, rule)
		}
	}
	return rules
}
