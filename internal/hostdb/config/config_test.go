package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
	"github.com/haukened/rr-hostdb/internal/hostdb/services/selector"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Env != "prod" {
		t.Errorf("expected Env=prod, got %q", cfg.Env)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LogLevel=info, got %q", cfg.LogLevel)
	}
	if cfg.Size != 1<<14 || cfg.Buckets != 1024 || cfg.Partitions != 64 {
		t.Errorf("unexpected geometry %d/%d/%d", cfg.Size, cfg.Buckets, cfg.Partitions)
	}
	if cfg.Strategy != "affinity" {
		t.Errorf("expected Strategy=affinity, got %q", cfg.Strategy)
	}
	if cfg.FailWindow != 30*time.Second {
		t.Errorf("expected FailWindow=30s, got %v", cfg.FailWindow)
	}
	if cfg.TTLInterval != 24*time.Hour {
		t.Errorf("expected TTLInterval=24h, got %v", cfg.TTLInterval)
	}
	if cfg.ClusterEnabled {
		t.Errorf("expected cluster mode off by default")
	}
	wantServers := []string{"1.1.1.1:53", "1.0.0.1:53"}
	if len(cfg.Servers) != len(wantServers) {
		t.Fatalf("expected Servers length %d, got %d", len(wantServers), len(cfg.Servers))
	}
	for i, v := range wantServers {
		if cfg.Servers[i] != v {
			t.Errorf("expected Servers[%d]=%q, got %q", i, v, cfg.Servers[i])
		}
	}
}

func TestLoad_ValidOverrides(t *testing.T) {
	t.Setenv("HOSTDB_ENV", "dev")
	t.Setenv("HOSTDB_LOG_LEVEL", "debug")
	t.Setenv("HOSTDB_SIZE", "512")
	t.Setenv("HOSTDB_BUCKETS", "64")
	t.Setenv("HOSTDB_PARTITIONS", "8")
	t.Setenv("HOSTDB_STRATEGY", "timed")
	t.Setenv("HOSTDB_TIMED_INTERVAL", "10s")
	t.Setenv("HOSTDB_TTL_MODE", "min")
	t.Setenv("HOSTDB_FAIL_TTL", "90s")
	t.Setenv("HOSTDB_SERVERS", "8.8.8.8:53 8.8.4.4:53")
	t.Setenv("HOSTDB_CLUSTER_ENABLED", "true")
	t.Setenv("HOSTDB_NODE_ID", "http://10.0.0.1:8053")
	t.Setenv("HOSTDB_PEERS", "http://10.0.0.1:8053,http://10.0.0.2:8053")
	t.Setenv("HOSTDB_REFRESH_RATE", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Env != "dev" {
		t.Errorf("expected Env=dev, got %q", cfg.Env)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected LogLevel=debug, got %q", cfg.LogLevel)
	}
	if cfg.Size != 512 || cfg.Buckets != 64 || cfg.Partitions != 8 {
		t.Errorf("unexpected geometry %d/%d/%d", cfg.Size, cfg.Buckets, cfg.Partitions)
	}
	if cfg.TimedInterval != 10*time.Second {
		t.Errorf("expected TimedInterval=10s, got %v", cfg.TimedInterval)
	}
	if cfg.FailTTL != 90*time.Second {
		t.Errorf("expected FailTTL=90s, got %v", cfg.FailTTL)
	}
	if len(cfg.Servers) != 2 || cfg.Servers[1] != "8.8.4.4:53" {
		t.Errorf("unexpected Servers %v", cfg.Servers)
	}
	if !cfg.ClusterEnabled || len(cfg.Peers) != 2 {
		t.Errorf("expected cluster mode with two peers, got %v %v", cfg.ClusterEnabled, cfg.Peers)
	}
	if cfg.RefreshRate != 2.5 {
		t.Errorf("expected RefreshRate=2.5, got %v", cfg.RefreshRate)
	}

	opts := cfg.SelectorOptions()
	if opts.Strategy != selector.StrategyTimed {
		t.Errorf("expected timed strategy, got %v", opts.Strategy)
	}
	if cfg.TTLPolicy().Mode != domain.TTLMin {
		t.Errorf("expected TTL mode min, got %v", cfg.TTLPolicy().Mode)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostdb.yaml")
	body := "log_level: warn\nstrategy: strict\nservers:\n  - 9.9.9.9:53\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigFileEnv, path)
	t.Setenv("HOSTDB_LOG_LEVEL", "error")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Strategy != "strict" {
		t.Errorf("expected Strategy=strict from file, got %q", cfg.Strategy)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("expected env to win over file, got %q", cfg.LogLevel)
	}
	if len(cfg.Servers) != 1 || cfg.Servers[0] != "9.9.9.9:53" {
		t.Errorf("unexpected Servers %v", cfg.Servers)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "error loading config file") {
		t.Fatalf("expected file error, got %v", err)
	}
}

func TestLoad_ClusterRequiresPeers(t *testing.T) {
	t.Setenv("HOSTDB_CLUSTER_ENABLED", "true")
	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error when cluster mode has no node id or peers")
	}
}

func TestLoad_NodeNotInPeers(t *testing.T) {
	t.Setenv("HOSTDB_CLUSTER_ENABLED", "true")
	t.Setenv("HOSTDB_NODE_ID", "http://10.0.0.9:8053")
	t.Setenv("HOSTDB_PEERS", "http://10.0.0.1:8053,http://10.0.0.2:8053")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "not listed in peers") {
		t.Fatalf("expected node id error, got %v", err)
	}
}

func TestLoad_WhenKoanfDefaultLoadFails(t *testing.T) {
	orig := defaultLoader
	defaultLoader = func(k *koanf.Koanf) error { return errors.New("mocked error") }
	defer func() { defaultLoader = orig }()

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "mocked error") {
		t.Fatal("expected error when loading defaults, got nil")
	}
}

func TestLoad_WhenKoanfFileLoadFails(t *testing.T) {
	orig := fileLoader
	fileLoader = func(k *koanf.Koanf, path string) error { return errors.New("mocked error") }
	defer func() { fileLoader = orig }()

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "mocked error") {
		t.Fatal("expected error when loading file, got nil")
	}
}

func TestLoad_WhenKoanfEnvLoadFails(t *testing.T) {
	orig := envLoader
	envLoader = func(k *koanf.Koanf) error { return errors.New("mocked error") }
	defer func() { envLoader = orig }()

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "mocked error") {
		t.Fatal("expected error when loading env, got nil")
	}
}

func TestLoad_RegisterValidationFails(t *testing.T) {
	orig := registerValidation
	registerValidation = func(v *validator.Validate) error { return errors.New("mocked validation error") }
	defer func() { registerValidation = orig }()

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "mocked validation error") {
		t.Fatal("expected error when registering validation, got nil")
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"env", map[string]string{"HOSTDB_ENV": "staging"}},
		{"log level", map[string]string{"HOSTDB_LOG_LEVEL": "trace"}},
		{"strategy", map[string]string{"HOSTDB_STRATEGY": "random"}},
		{"timed without interval", map[string]string{"HOSTDB_STRATEGY": "timed"}},
		{"timed negative interval", map[string]string{"HOSTDB_STRATEGY": "timed", "HOSTDB_TIMED_INTERVAL": "-5s"}},
		{"ttl mode", map[string]string{"HOSTDB_TTL_MODE": "sometimes"}},
		{"buckets over size", map[string]string{"HOSTDB_SIZE": "16", "HOSTDB_BUCKETS": "32", "HOSTDB_PARTITIONS": "4"}},
		{"partitions over buckets", map[string]string{"HOSTDB_BUCKETS": "8", "HOSTDB_PARTITIONS": "16"}},
		{"fail ttl over interval", map[string]string{"HOSTDB_TTL_INTERVAL": "1m", "HOSTDB_FAIL_TTL": "2m"}},
		{"zero size", map[string]string{"HOSTDB_SIZE": "0"}},
		{"bad duration", map[string]string{"HOSTDB_FAIL_WINDOW": "soon"}},
		{"bad server", map[string]string{"HOSTDB_SERVERS": "not_a_server"}},
		{"admin port", map[string]string{"HOSTDB_ADMIN_PORT": "99999"}},
		{"retry budget", map[string]string{"HOSTDB_RETRY_BUDGET": "50"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s, got nil", tc.name)
			}
		})
	}
}

func TestValidIPPort(t *testing.T) {
	type testCase struct {
		input    string
		expected bool
	}

	cases := []testCase{
		{"1.2.3.4:53", true},
		{"127.0.0.1:5353", true},
		{"::1:53", false},
		{"[::1]:53", true},
		{"192.168.1.1:", false},
		{":53", false},
		{"not_an_ip:53", false},
		{"1.2.3.4:notaport", false},
		{"1.2.3.4:0", false},
		{"", false},
		{"[::1]", false},
	}

	validate := validator.New()
	_ = validate.RegisterValidation("ip_port", validIPPort)

	for _, tc := range cases {
		type S struct {
			Addr string `validate:"ip_port"`
		}
		err := validate.Struct(S{Addr: tc.input})
		if tc.expected && err != nil {
			t.Errorf("validIPPort(%q) = false, want true", tc.input)
		}
		if !tc.expected && err == nil {
			t.Errorf("validIPPort(%q) = true, want false", tc.input)
		}
	}
}

func TestDefaultLoader_InvalidDefault_ValidationFails(t *testing.T) {
	orig := DEFAULT_APP_CONFIG
	defer func() { DEFAULT_APP_CONFIG = orig }()

	bad := orig
	bad.Servers = []string{"not_a_valid_ip_port"}
	DEFAULT_APP_CONFIG = bad

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "validation failed") {
		t.Fatalf("expected validation failure, got %v", err)
	}
}
