package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

const (
	LanguagePython = "python"
	LanguageR      = "r"
)

// Limits bounds individual operations. Callers may lower the exec limits
// per call; they can never exceed the configured maxima.
type Limits struct {
	DefaultExecTimeoutSeconds int `yaml:"default_exec_timeout_seconds"`
	MaxExecTimeoutSeconds     int `yaml:"max_exec_timeout_seconds"`
	MaxOutputBytes            int `yaml:"max_output_bytes"`
	MaxFileBytes              int `yaml:"max_file_bytes"`
	MaxCodeChars              int `yaml:"max_code_chars"`
	InstallTimeoutSeconds     int `yaml:"install_timeout_seconds"`
}

// Resources caps every session container.
type Resources struct {
	MemoryLimitMB int     `yaml:"memory_limit_mb"`
	CPUQuota      float64 `yaml:"cpu_quota"` // fraction of one core
	PidsLimit     int     `yaml:"pids_limit"`
	// TmpfsSizes maps in-container mount path to a human size ("100m").
	// Mounted rw,noexec,nosuid.
	TmpfsSizes map[string]string `yaml:"tmpfs_sizes"`
}

// DB holds the connection parameters injected into every container.
type DB struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type Config struct {
	Language            string    `yaml:"language"`
	IdleTimeoutSeconds  int       `yaml:"idle_timeout_seconds"`
	MaxSessions         int       `yaml:"max_sessions"`
	Image               string    `yaml:"image"`
	RuntimeEndpoint     string    `yaml:"runtime_endpoint"`
	WorkspaceRoot       string    `yaml:"workspace_root"`
	LogLevel            string    `yaml:"log_level"`
	MetricsListen       string    `yaml:"metrics_listen"`
	JournalPath         string    `yaml:"journal_path"`
	ReapIntervalSeconds int       `yaml:"reap_interval_seconds"`
	AllowPackageInstall bool      `yaml:"allow_package_install"`
	PackageSourceToken  string    `yaml:"-"` // env only, never written to disk
	Limits              Limits    `yaml:"limits"`
	Resources           Resources `yaml:"resources"`
	DB                  DB        `yaml:"db"`
}

// Load reads the optional yaml file, applies environment overrides, and
// fills defaults. The returned record is immutable by convention.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Language:            LanguagePython,
		IdleTimeoutSeconds:  300,
		MaxSessions:         10,
		LogLevel:            "info",
		JournalPath:         "./execgate.db",
		ReapIntervalSeconds: 30,
		Limits: Limits{
			DefaultExecTimeoutSeconds: 30,
			MaxExecTimeoutSeconds:     300,
			MaxOutputBytes:            1024 * 1024,
			MaxFileBytes:              10 * 1024 * 1024,
			MaxCodeChars:              200_000,
			InstallTimeoutSeconds:     120,
		},
		Resources: Resources{
			MemoryLimitMB: 512,
			CPUQuota:      0.5,
			PidsLimit:     256,
			TmpfsSizes: map[string]string{
				"/tmp":     "100m",
				"/sandbox": "500m",
			},
		},
		DB: DB{Port: 5432},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if cfg.Image == "" {
		cfg.Image = defaultImage(cfg.Language)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultImage(language string) string {
	if language == LanguageR {
		return "execgate-r-evaluator:latest"
	}
	return "python:3.11-slim"
}

func validate(cfg *Config) error {
	if cfg.Language != LanguagePython && cfg.Language != LanguageR {
		return fmt.Errorf("language must be %q or %q, got %q", LanguagePython, LanguageR, cfg.Language)
	}
	if cfg.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be positive")
	}
	if cfg.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("idle_timeout_seconds must be positive")
	}
	for path, size := range cfg.Resources.TmpfsSizes {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("tmpfs path must be absolute: %q", path)
		}
		if _, err := units.RAMInBytes(size); err != nil {
			return fmt.Errorf("tmpfs size for %s: %w", path, err)
		}
	}
	return nil
}

// TmpfsBytes returns the tmpfs map with sizes parsed to bytes.
func (r Resources) TmpfsBytes() map[string]int64 {
	out := make(map[string]int64, len(r.TmpfsSizes))
	for path, size := range r.TmpfsSizes {
		n, err := units.RAMInBytes(size)
		if err != nil {
			continue // rejected at Load
		}
		out[path] = n
	}
	return out
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SANDBOX_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.IdleTimeoutSeconds = n
		}
	}
	if v := os.Getenv("MAX_SANDBOXES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("DOCKER_IMAGE"); v != "" {
		cfg.Image = v
	}
	if v := os.Getenv("DOCKER_HOST"); v != "" {
		cfg.RuntimeEndpoint = v
	}
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.DB.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DB.Port = n
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.DB.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.DB.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.DB.Name = v
	}
	if v := os.Getenv("PACKAGE_SOURCE_TOKEN"); v != "" {
		cfg.PackageSourceToken = v
	}
	if v := os.Getenv("EXECGATE_LANGUAGE"); v != "" {
		cfg.Language = strings.ToLower(v)
	}
	if v := os.Getenv("EXECGATE_METRICS_LISTEN"); v != "" {
		cfg.MetricsListen = v
	}
	if v := os.Getenv("EXECGATE_JOURNAL_PATH"); v != "" {
		cfg.JournalPath = v
	}
	if v := os.Getenv("EXECGATE_ALLOW_PACKAGE_INSTALL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowPackageInstall = b
		}
	}
	if v := os.Getenv("EXECGATE_REAP_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReapIntervalSeconds = n
		}
	}
}

// DBEnv renders the database passthrough as container environment entries.
// A localhost DB host is rewritten so containers reach the host daemon.
func (cfg *Config) DBEnv() (env []string, extraHosts []string) {
	host := cfg.DB.Host
	if host == "localhost" || host == "127.0.0.1" {
		host = "host.docker.internal"
		extraHosts = []string{"host.docker.internal:host-gateway"}
	}
	env = []string{
		"DB_HOST=" + host,
		"DB_PORT=" + strconv.Itoa(cfg.DB.Port),
		"DB_USER=" + cfg.DB.User,
		"DB_PASSWORD=" + cfg.DB.Password,
		"DB_NAME=" + cfg.DB.Name,
	}
	return env, extraHosts
}
