package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultDBPath        = "~/.pvec/state.db"
	defaultAPIPort       = "8000"
	defaultAPIListenAddr = "0.0.0.0:" + defaultAPIPort
	defaultRealm         = "pam"
	defaultMemoryMB      = 2048
	defaultCores         = 2
	defaultDiskGB        = 32
	defaultStorage       = "local-lvm"
	defaultBridge        = "vmbr0"
	defaultMaxVMs        = 5
	defaultRetention     = 7
	defaultPollInterval  = 3 * time.Second
	defaultTaskTimeout   = 10 * time.Minute
	defaultMonitorEvery  = 5 * time.Minute
	defaultBackupSweep   = time.Minute
)

// Template describes an OS image users can deploy from.
type Template struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	File        string `yaml:"file"`
	MinMemoryMB int    `yaml:"min_memory"`
	MinCores    int    `yaml:"min_cores"`
	MinDiskGB   int    `yaml:"min_disk"`
	DefaultUser string `yaml:"default_user"`
	SSHPort     int    `yaml:"ssh_port"`
}

// ServerConfig captures the runtime configuration required by the daemon.
type ServerConfig struct {
	DatabasePath  string
	APIListenAddr string
	APIKey        string

	ProxmoxHost     string
	ProxmoxUser     string
	ProxmoxPassword string
	ProxmoxRealm    string
	VerifySSL       bool

	DefaultMemoryMB int
	DefaultCores    int
	DefaultDiskGB   int
	DefaultStorage  string
	DefaultBridge   string

	MaxVMsPerUser   int
	AdminIDs        []string
	AllowedRoles    []string
	BackupRetention int

	TaskPollInterval    time.Duration
	TaskTimeout         time.Duration
	MonitorInterval     time.Duration
	BackupSweepInterval time.Duration

	Templates map[string]Template
}

// FromEnv loads server configuration from the environment (and an optional
// .env file in the working directory), applying opinionated defaults when
// unset. The template catalog starts from the built-ins and can be replaced
// or extended by a YAML file named in PVEC_TEMPLATE_CATALOG.
func FromEnv() (ServerConfig, error) {
	// Missing .env is fine; explicit env vars always win.
	_ = godotenv.Load()

	cfg := ServerConfig{
		DatabasePath:  getenv("PVEC_DB_PATH", defaultDBPath),
		APIListenAddr: getenv("PVEC_API_LISTEN", defaultAPIListenAddr),
		APIKey:        os.Getenv("PVEC_API_KEY"),

		ProxmoxHost:     os.Getenv("PVEC_PVE_HOST"),
		ProxmoxUser:     os.Getenv("PVEC_PVE_USER"),
		ProxmoxPassword: os.Getenv("PVEC_PVE_PASSWORD"),
		ProxmoxRealm:    getenv("PVEC_PVE_REALM", defaultRealm),
		VerifySSL:       getenvBool("PVEC_PVE_VERIFY_SSL", true),

		DefaultMemoryMB: getenvInt("PVEC_DEFAULT_MEMORY_MB", defaultMemoryMB),
		DefaultCores:    getenvInt("PVEC_DEFAULT_CORES", defaultCores),
		DefaultDiskGB:   getenvInt("PVEC_DEFAULT_DISK_GB", defaultDiskGB),
		DefaultStorage:  getenv("PVEC_DEFAULT_STORAGE", defaultStorage),
		DefaultBridge:   getenv("PVEC_DEFAULT_BRIDGE", defaultBridge),

		MaxVMsPerUser:   getenvInt("PVEC_MAX_VMS_PER_USER", defaultMaxVMs),
		AdminIDs:        splitList(os.Getenv("PVEC_ADMIN_IDS")),
		AllowedRoles:    splitList(getenv("PVEC_ALLOWED_ROLES", "VPS Manager")),
		BackupRetention: getenvInt("PVEC_BACKUP_RETENTION", defaultRetention),

		TaskPollInterval:    getenvDuration("PVEC_TASK_POLL_INTERVAL", defaultPollInterval),
		TaskTimeout:         getenvDuration("PVEC_TASK_TIMEOUT", defaultTaskTimeout),
		MonitorInterval:     getenvDuration("PVEC_MONITOR_INTERVAL", defaultMonitorEvery),
		BackupSweepInterval: getenvDuration("PVEC_BACKUP_SWEEP_INTERVAL", defaultBackupSweep),

		Templates: builtinTemplates(),
	}

	if cfg.ProxmoxHost == "" {
		return ServerConfig{}, fmt.Errorf("PVEC_PVE_HOST is required")
	}
	if cfg.ProxmoxUser == "" || cfg.ProxmoxPassword == "" {
		return ServerConfig{}, fmt.Errorf("PVEC_PVE_USER and PVEC_PVE_PASSWORD are required")
	}
	if cfg.MaxVMsPerUser <= 0 {
		return ServerConfig{}, fmt.Errorf("max vms per user must be positive, got %d", cfg.MaxVMsPerUser)
	}
	if cfg.TaskPollInterval <= 0 || cfg.TaskTimeout <= cfg.TaskPollInterval {
		return ServerConfig{}, fmt.Errorf("task timeout %s must exceed poll interval %s", cfg.TaskTimeout, cfg.TaskPollInterval)
	}

	if catalog := strings.TrimSpace(os.Getenv("PVEC_TEMPLATE_CATALOG")); catalog != "" {
		if err := cfg.loadCatalog(expandPath(catalog)); err != nil {
			return ServerConfig{}, err
		}
	}
	for id, tpl := range cfg.Templates {
		if tpl.File == "" {
			return ServerConfig{}, fmt.Errorf("template %s: image file is required", id)
		}
	}

	return cfg, nil
}

// loadCatalog merges templates from a YAML file over the built-ins.
// Entries with an existing id replace the built-in definition.
func (c *ServerConfig) loadCatalog(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read template catalog: %w", err)
	}
	var entries []Template
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("parse template catalog %s: %w", path, err)
	}
	for _, tpl := range entries {
		id := strings.TrimSpace(tpl.ID)
		if id == "" {
			return fmt.Errorf("template catalog %s: entry without id", path)
		}
		if tpl.SSHPort == 0 {
			tpl.SSHPort = 22
		}
		c.Templates[id] = tpl
	}
	return nil
}

func builtinTemplates() map[string]Template {
	list := []Template{
		{ID: "ubuntu-22.04", Name: "Ubuntu 22.04 LTS", File: "ubuntu-22.04-standard_22.04-1_amd64.tar.zst", MinMemoryMB: 1024, MinCores: 1, MinDiskGB: 20, DefaultUser: "ubuntu", SSHPort: 22},
		{ID: "ubuntu-20.04", Name: "Ubuntu 20.04 LTS", File: "ubuntu-20.04-standard_20.04-1_amd64.tar.zst", MinMemoryMB: 1024, MinCores: 1, MinDiskGB: 20, DefaultUser: "ubuntu", SSHPort: 22},
		{ID: "debian-12", Name: "Debian 12 (Bookworm)", File: "debian-12-standard_12.0-1_amd64.tar.zst", MinMemoryMB: 1024, MinCores: 1, MinDiskGB: 20, DefaultUser: "debian", SSHPort: 22},
		{ID: "debian-11", Name: "Debian 11 (Bullseye)", File: "debian-11-standard_11.7-1_amd64.tar.zst", MinMemoryMB: 1024, MinCores: 1, MinDiskGB: 20, DefaultUser: "debian", SSHPort: 22},
		{ID: "centos-8", Name: "CentOS 8 Stream", File: "centos-8-standard_8-1_amd64.tar.zst", MinMemoryMB: 1024, MinCores: 1, MinDiskGB: 20, DefaultUser: "centos", SSHPort: 22},
		{ID: "alpine-3.18", Name: "Alpine Linux 3.18", File: "alpine-3.18-standard_3.18.4-1_amd64.tar.zst", MinMemoryMB: 512, MinCores: 1, MinDiskGB: 10, DefaultUser: "root", SSHPort: 22},
	}
	out := make(map[string]Template, len(list))
	for _, tpl := range list {
		out[tpl.ID] = tpl
	}
	return out
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getenvBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func expandPath(path string) string {
	path = strings.TrimSpace(path)
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return filepath.Clean(path)
}
