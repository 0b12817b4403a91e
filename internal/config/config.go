// Package config provides configuration management for the Durandal memory
// server. Settings come from the process environment, with a user env file at
// <home>/.durandal-mcp/.env loaded first as a fallback layer: a variable set
// in the process environment always wins over the file.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// UserDirName is the directory under the user's home that holds the canonical
// database, the env file, and the log directory.
const UserDirName = ".durandal-mcp"

// CanonicalDBName is the default database filename inside the user directory.
const CanonicalDBName = "durandal-mcp-memory.db"

// Config holds all configuration settings for the server.
type Config struct {
	Database    DatabaseConfig
	Logging     LoggingConfig
	Cache       CacheConfig
	RAMR        RAMRConfig
	Attention   AttentionConfig
	Maintenance MaintenanceConfig
	Update      UpdateConfig
}

// DatabaseConfig controls where the canonical database lives.
type DatabaseConfig struct {
	Path string // Explicit DB path override (DATABASE_PATH); empty means resolve
}

// LoggingConfig controls the console and file log sinks.
type LoggingConfig struct {
	ConsoleLevel string // error|warn|info|debug (CONSOLE_LOG_LEVEL, falls back to LOG_LEVEL)
	FileLevel    string // error|warn|info|debug (FILE_LOG_LEVEL, falls back to LOG_LEVEL)
	LogFile      string // Explicit log file path (LOG_FILE); empty means dated file under logs dir
	ErrorLogFile string // Separate error log path (ERROR_LOG_FILE); optional
	LogMCPTools  bool   // Log every tool call at debug level (LOG_MCP_TOOLS)
}

// CacheConfig controls the tier-1 in-memory cache.
type CacheConfig struct {
	MaxSize             int           // Maximum entries (CACHE_MAX_SIZE, default 1000)
	DefaultTTL          time.Duration // Entry TTL (CACHE_TTL in ms, default 1h)
	ImportanceThreshold float64       // Entries at or above are eviction-protected (default 0.5)
	PromotionThreshold  float64       // Reads at or above re-enter the cache (RAMR_CACHE_THRESHOLD, default 0.7)
}

// RAMRConfig controls the optional persistent tier-2 cache.
type RAMRConfig struct {
	Enabled  bool   // RAMR_ENABLED
	Prefetch bool   // Prefetch related memories after searches (RAMR_PREFETCH)
	Path     string // Tier-2 database path; empty means ramr.db in the user dir
}

// AttentionConfig controls the selective-attention retention reviewer.
type AttentionConfig struct {
	Enabled            bool    // SELECTIVE_ATTENTION_ENABLED
	RetentionThreshold float64 // Entries below become archive candidates (RETENTION_THRESHOLD, default 0.3)
	ArchiveAfterDays   int     // Minimum age before review (ARCHIVE_AFTER_DAYS, default 30)
}

// MaintenanceConfig controls the background maintenance loop.
type MaintenanceConfig struct {
	Tick              time.Duration // Wake interval (default 7.5 minutes)
	Interval          time.Duration // Minimum time between passes (default 30 minutes)
	PatternMinSupport int           // Category count needed to report a pattern (default 2)
}

// UpdateConfig controls the out-of-band update check.
type UpdateConfig struct {
	Enabled      bool          // UPDATE_CHECK_ENABLED, negated by NO_UPDATE_CHECK
	Notification bool          // UPDATE_NOTIFICATION
	Interval     time.Duration // UPDATE_CHECK_INTERVAL (default 24h)
}

// UserDir returns the per-user state directory, creating nothing.
func UserDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return UserDirName
	}
	return filepath.Join(home, UserDirName)
}

// EnvFilePath returns the path of the persisted user env file.
func EnvFilePath() string {
	return filepath.Join(UserDir(), ".env")
}

// LogsDir returns the directory holding dated JSON-lines log files.
func LogsDir() string {
	return filepath.Join(UserDir(), "logs")
}

// DefaultDatabasePath returns the canonical database location used when no
// override is configured and no existing database is found elsewhere.
func DefaultDatabasePath() string {
	return filepath.Join(UserDir(), CanonicalDBName)
}

// Load builds a Config from the user env file and the process environment.
// The env file never overrides variables already present in the environment
// (godotenv.Load semantics). A missing env file is not an error.
func Load() (*Config, error) {
	// Best-effort: the file is optional and may not exist on first run.
	_ = godotenv.Load(EnvFilePath())
	return fromEnv(), nil
}

// fromEnv reads every recognized variable, applying documented defaults.
func fromEnv() *Config {
	baseLevel := getEnv("LOG_LEVEL", "info")
	if getEnvBool("DEBUG", false) {
		baseLevel = "debug"
	} else if getEnvBool("VERBOSE", false) && baseLevel == "info" {
		baseLevel = "debug"
	}

	updateEnabled := getEnvBool("UPDATE_CHECK_ENABLED", true)
	if getEnvBool("NO_UPDATE_CHECK", false) {
		updateEnabled = false
	}

	return &Config{
		Database: DatabaseConfig{
			Path: getEnv("DATABASE_PATH", ""),
		},
		Logging: LoggingConfig{
			ConsoleLevel: getEnv("CONSOLE_LOG_LEVEL", baseLevel),
			FileLevel:    getEnv("FILE_LOG_LEVEL", baseLevel),
			LogFile:      getEnv("LOG_FILE", ""),
			ErrorLogFile: getEnv("ERROR_LOG_FILE", ""),
			LogMCPTools:  getEnvBool("LOG_MCP_TOOLS", false),
		},
		Cache: CacheConfig{
			MaxSize:             getEnvInt("CACHE_MAX_SIZE", 1000),
			DefaultTTL:          time.Duration(getEnvInt("CACHE_TTL", 3600000)) * time.Millisecond,
			ImportanceThreshold: getEnvFloat("CACHE_IMPORTANCE_THRESHOLD", 0.5),
			PromotionThreshold:  getEnvFloat("RAMR_CACHE_THRESHOLD", 0.7),
		},
		RAMR: RAMRConfig{
			Enabled:  getEnvBool("RAMR_ENABLED", true),
			Prefetch: getEnvBool("RAMR_PREFETCH", true),
			Path:     getEnv("RAMR_PATH", ""),
		},
		Attention: AttentionConfig{
			Enabled:            getEnvBool("SELECTIVE_ATTENTION_ENABLED", true),
			RetentionThreshold: getEnvFloat("RETENTION_THRESHOLD", 0.3),
			ArchiveAfterDays:   getEnvInt("ARCHIVE_AFTER_DAYS", 30),
		},
		Maintenance: MaintenanceConfig{
			Tick:              450 * time.Second,
			Interval:          30 * time.Minute,
			PatternMinSupport: getEnvInt("PATTERN_MIN_SUPPORT", 2),
		},
		Update: UpdateConfig{
			Enabled:      updateEnabled,
			Notification: getEnvBool("UPDATE_NOTIFICATION", true),
			Interval:     time.Duration(getEnvInt("UPDATE_CHECK_INTERVAL", 24)) * time.Hour,
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. It recognizes "true", "1", "yes" and "false", "0", "no".
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
