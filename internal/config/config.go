package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	// Mode is http, mcp or both.
	Mode string
	// RunRate limits manual executions per second across the API.
	RunRate  float64
	RunBurst int
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level         string
	RetentionDays int
}

// DatabaseConfig selects the ledger backend.
type DatabaseConfig struct {
	Driver string
	DSN    string
}

// SchedulerConfig holds scheduling and execution settings.
type SchedulerConfig struct {
	Timezone       string
	MisfireGrace   time.Duration
	TaskTimeout    int
	OutputLimit    int
	Shell          string
	TasksFile      string
	RecoverOnStart bool
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// WOLConfig holds Wake-on-LAN settings.
type WOLConfig struct {
	Port        int
	PingTimeout int
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Database     DatabaseConfig
	Scheduler    SchedulerConfig
	Notification NotificationConfig
	WOL          WOLConfig

	DataDir       string
	Telemetry     bool
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "127.0.0.1:8000"
	defaultLogLevel      = "info"
	defaultRetentionDays = 30
	defaultTimezone      = "Asia/Shanghai"
	defaultMisfireGrace  = 30 * time.Second
	defaultTaskTimeout   = 300
	defaultOutputLimit   = 1 << 20
	defaultShutdownGrace = 5 * time.Second
	defaultWOLPort       = 9
	defaultPingTimeout   = 3
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("45s") or plain seconds ("45").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// Parse reads configuration from os.Args.
func Parse() (*Config, error) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs builds the configuration.
// Priority: CLI flags > Environment variables > .env file > defaults
func ParseArgs(args []string) (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "servermgr", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f) // optional
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("SM_ADDR", defaultAddr),
			AuthToken: getEnvString("SM_AUTH_TOKEN", ""),
			Mode:      getEnvString("SM_MODE", "http"),
			RunRate:   getEnvFloat("SM_RUN_RATE", 1),
			RunBurst:  getEnvInt("SM_RUN_BURST", 5),
		},
		Log: LogConfig{
			Level:         getEnvString("SM_LOG_LEVEL", defaultLogLevel),
			RetentionDays: getEnvInt("SM_LOG_RETENTION_DAYS", defaultRetentionDays),
		},
		Database: DatabaseConfig{
			Driver: getEnvString("SM_DB_DRIVER", "sqlite"),
			DSN:    getEnvString("SM_DB_DSN", ""),
		},
		Scheduler: SchedulerConfig{
			Timezone:       getEnvString("SM_TIMEZONE", defaultTimezone),
			MisfireGrace:   getEnvDuration("SM_MISFIRE_GRACE", defaultMisfireGrace),
			TaskTimeout:    getEnvInt("SM_TASK_TIMEOUT", defaultTaskTimeout),
			OutputLimit:    getEnvInt("SM_OUTPUT_LIMIT", defaultOutputLimit),
			Shell:          getEnvString("SM_SHELL", "bash"),
			TasksFile:      getEnvString("SM_TASKS_FILE", ""),
			RecoverOnStart: getEnvBool("SM_RECOVER_ON_START", true),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("SM_BARK_URL", ""),
				Enabled: getEnvBool("SM_BARK_ENABLED", false),
			},
		},
		WOL: WOLConfig{
			Port:        getEnvInt("SM_WOL_PORT", defaultWOLPort),
			PingTimeout: getEnvInt("SM_WOL_TIMEOUT", defaultPingTimeout),
		},
		DataDir:       getEnvString("SM_DATA_DIR", ""),
		Telemetry:     getEnvBool("SM_TELEMETRY", false),
		ShutdownGrace: getEnvDuration("SM_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("servermgrd", flag.ContinueOnError)
	var (
		addr, logLevel, dataDir, mode, timezone, dbDriver, dbDSN, tasksFile string
		telemetry                                                            bool
		shutdownGrace                                                        time.Duration
	)
	fs.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	fs.StringVar(&dataDir, "data-dir", "", "Directory for the database and telemetry output")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&mode, "mode", "", "Serve mode: http, mcp or both")
	fs.StringVar(&timezone, "timezone", "", "IANA timezone for cron evaluation")
	fs.StringVar(&dbDriver, "db-driver", "", "Database driver: sqlite or postgres")
	fs.StringVar(&dbDSN, "db-dsn", "", "Database DSN")
	fs.StringVar(&tasksFile, "tasks-file", "", "YAML task manifest to load and watch")
	fs.BoolVar(&telemetry, "telemetry", false, "Enable OpenTelemetry stdout exporters")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Server.Mode = mode
	}
	if timezone != "" {
		cfg.Scheduler.Timezone = timezone
	}
	if dbDriver != "" {
		cfg.Database.Driver = dbDriver
	}
	if dbDSN != "" {
		cfg.Database.DSN = dbDSN
	}
	if tasksFile != "" {
		cfg.Scheduler.TasksFile = tasksFile
	}
	// Bool and duration flags only override when explicitly set.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "telemetry":
			cfg.Telemetry = telemetry
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	if cfg.DataDir == "" {
		dir, err := defaultDataDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default data dir: %w", err)
		}
		cfg.DataDir = dir
	}
	if cfg.Log.RetentionDays < 1 {
		cfg.Log.RetentionDays = defaultRetentionDays
	}
	if cfg.Scheduler.TaskTimeout < 1 {
		cfg.Scheduler.TaskTimeout = defaultTaskTimeout
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Server.Mode {
	case "http", "mcp", "both":
	default:
		return fmt.Errorf("invalid mode %q: want http, mcp or both", c.Server.Mode)
	}
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("SM_DB_DSN is required for the postgres driver")
		}
	default:
		return fmt.Errorf("invalid database driver %q", c.Database.Driver)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured scheduler timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}

func defaultDataDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(baseDir, "servermgr"), nil
}
