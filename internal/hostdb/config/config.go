package config

import (
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
	"github.com/haukened/rr-hostdb/internal/hostdb/services/selector"
)

// ConfigFileEnv names the environment variable holding an optional YAML
// config file path. File values sit between defaults and the environment.
const ConfigFileEnv = "HOSTDB_CONFIG_FILE"

// AppConfig holds configuration values parsed from defaults, an optional
// YAML file and environment variables.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// Store geometry. Fixed for the life of the process.
	Size       int `koanf:"size" validate:"required,gte=1"`
	Buckets    int `koanf:"buckets" validate:"required,gte=1,ltefield=Size"`
	Partitions int `koanf:"partitions" validate:"required,gte=1,ltefield=Buckets"`
	Workers    int `koanf:"workers" validate:"required,gte=1,lte=1024"`

	// Strategy selects round-robin balancing: strict, affinity, timed or health.
	// The timed strategy needs a positive TimedInterval.
	Strategy      string        `koanf:"strategy" validate:"required,strategy"`
	TimedInterval time.Duration `koanf:"timed_interval" validate:"required_if=Strategy timed,gte=0"`
	FailWindow    time.Duration `koanf:"fail_window" validate:"gte=0"`

	// TTLMode is one of obey, ignore, min or max.
	TTLMode     string        `koanf:"ttl_mode" validate:"required,ttl_mode"`
	TTLInterval time.Duration `koanf:"ttl_interval" validate:"required,gt=0"`
	FailTTL     time.Duration `koanf:"fail_ttl" validate:"required,gt=0,ltefield=TTLInterval"`
	StaleWindow time.Duration `koanf:"stale_window" validate:"gte=0"`

	HCFresh      time.Duration `koanf:"hc_fresh" validate:"gte=0"`
	HCRevalidate time.Duration `koanf:"hc_revalidate" validate:"gte=0"`

	LookupTimeout time.Duration `koanf:"lookup_timeout" validate:"required,gt=0"`
	RetryBackoff  time.Duration `koanf:"retry_backoff" validate:"gte=0"`
	RetryBudget   int           `koanf:"retry_budget" validate:"gte=0,lte=10"`

	// Cluster mode. NodeID is this node's own peer URL and must appear in Peers.
	ClusterEnabled bool          `koanf:"cluster_enabled"`
	ClusterTimeout time.Duration `koanf:"cluster_timeout" validate:"required,gt=0"`
	NodeID         string        `koanf:"node_id" validate:"required_if=ClusterEnabled true"`
	Peers          []string      `koanf:"peers" validate:"required_if=ClusterEnabled true,dive,url"`

	// Servers is a list of upstream DNS servers in ip:port format.
	Servers []string `koanf:"servers" validate:"required,dive,ip_port"`

	HostsFile    string        `koanf:"hosts_file"`
	SnapshotPath string        `koanf:"snapshot_path"`
	SyncInterval time.Duration `koanf:"sync_interval" validate:"gte=0"`
	RefreshRate  float64       `koanf:"refresh_rate" validate:"gte=0"`

	// AdminPort is the port of the administrative HTTP listener.
	AdminPort int `koanf:"admin_port" validate:"required,gte=1,lt=65535"`
}

// DEFAULT_APP_CONFIG defines the default application configuration settings.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:            "prod",
	LogLevel:       "info",
	Size:           1 << 14,
	Buckets:        1024,
	Partitions:     64,
	Workers:        8,
	Strategy:       "affinity",
	FailWindow:     30 * time.Second,
	TTLMode:        "obey",
	TTLInterval:    24 * time.Hour,
	FailTTL:        time.Hour,
	HCFresh:        10 * time.Second,
	HCRevalidate:   20 * time.Second,
	LookupTimeout:  5 * time.Second,
	RetryBackoff:   20 * time.Millisecond,
	RetryBudget:    2,
	ClusterTimeout: 5 * time.Second,
	Servers:        []string{"1.1.1.1:53", "1.0.0.1:53"},
	SyncInterval:   2 * time.Minute,
	RefreshRate:    50,
	AdminPort:      8053,
}

// TTLPolicy converts the TTL settings into the domain policy.
func (c *AppConfig) TTLPolicy() domain.TTLPolicy {
	mode, _ := domain.ParseTTLMode(c.TTLMode)
	return domain.TTLPolicy{Mode: mode, Interval: c.TTLInterval, FailTTL: c.FailTTL}
}

// SelectorOptions converts the balancing settings into selector options.
func (c *AppConfig) SelectorOptions() selector.Options {
	strategy, _ := selector.ParseStrategy(c.Strategy)
	return selector.Options{
		Strategy:      strategy,
		FailWindow:    c.FailWindow,
		TimedInterval: c.TimedInterval,
		Health:        domain.HealthThresholds{Fresh: c.HCFresh, Revalidate: c.HCRevalidate},
	}
}

// validIPPort validates whether the provided field value is a valid IP address and port combination.
// It expects the value to be in the format "IP:Port".
func validIPPort(fl validator.FieldLevel) bool {
	addr := fl.Field().String()
	ip, port, err := net.SplitHostPort(addr)
	if err != nil || ip == "" || port == "" {
		return false
	}
	if net.ParseIP(ip) == nil {
		return false
	}
	portNum, err := strconv.ParseUint(port, 10, 16)
	return err == nil && portNum > 0 && portNum < 65536
}

func validStrategy(fl validator.FieldLevel) bool {
	_, err := selector.ParseStrategy(fl.Field().String())
	return err == nil
}

func validTTLMode(fl validator.FieldLevel) bool {
	_, err := domain.ParseTTLMode(fl.Field().String())
	return err == nil
}

// envLoader loads environment variables with the prefix "HOSTDB_".
// Values containing spaces or commas become lists.
// It can be mocked in tests.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "HOSTDB_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "HOSTDB_"))
			value = strings.TrimSpace(value)

			if value == "" {
				return key, value
			}

			if strings.Contains(value, " ") || strings.Contains(value, ",") {
				parts := strings.FieldsFunc(value, func(r rune) bool {
					return r == ' ' || r == ','
				})
				return key, parts
			}

			return key, value
		},
	}), nil)
}

// fileLoader loads a YAML config file when path is set.
var fileLoader = func(k *koanf.Koanf, path string) error {
	if path == "" {
		return nil
	}
	return k.Load(file.Provider(path), yaml.Parser())
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// registerValidation registers the custom "ip_port", "strategy" and
// "ttl_mode" tags with the provided validator.
var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("ip_port", validIPPort); err != nil {
		return err
	}
	if err := v.RegisterValidation("strategy", validStrategy); err != nil {
		return err
	}
	return v.RegisterValidation("ttl_mode", validTTLMode)
}

// Load layers defaults, the optional config file and the environment, then
// validates the result.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	err := defaultLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	err = fileLoader(k, os.Getenv(ConfigFileEnv))
	if err != nil {
		return nil, fmt.Errorf("error loading config file: %w", err)
	}

	err = envLoader(k)
	if err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	err = registerValidation(validate)
	if err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	err = validate.Struct(&cfg)
	if err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	if cfg.ClusterEnabled && !slices.Contains(cfg.Peers, cfg.NodeID) {
		return nil, fmt.Errorf("validation failed: node_id %q is not listed in peers", cfg.NodeID)
	}

	return &cfg, nil
}
