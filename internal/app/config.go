package app

import (
	"fmt"
	"strings"
	"time"

	"examdesk/internal/db"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config stores runtime configuration. Values come from flags, EXAMDESK_*
// environment variables and an optional examdesk.yaml, in that order.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	StaticDir       string

	DB db.Config

	AdminNames      []string
	AdminPassword   string
	AdminDepartment string
	Departments     []string

	JWTSecret           string
	TokenTTL            time.Duration
	EnforceAdminToken   bool
	AuthRateLimitPerMin int
	CSRFEnforced        bool

	UploadDir           string
	UploadMaxBytes      int64
	UploadMaxAge        time.Duration
	UploadSweepSchedule string

	CORSAllowedOrigins []string
	Lang               string
	LogLevel           string
	LogFormat          string
}

// SetDefaults registers the default for every key LoadConfig reads.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8000")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.static_dir", "")
	v.SetDefault("db.driver", db.DriverSQLite)
	v.SetDefault("db.dsn", "examdesk.db")
	v.SetDefault("db.max_open_conns", 25)
	v.SetDefault("db.max_idle_conns", 25)
	v.SetDefault("db.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("admin.names", []string{"admin"})
	v.SetDefault("admin.password", "")
	v.SetDefault("admin.department", "admin")
	v.SetDefault("departments", []string{})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("auth.enforce_admin_token", false)
	v.SetDefault("auth.rate_limit_per_min", 60)
	v.SetDefault("security.csrf_enforced", false)
	v.SetDefault("upload.dir", "")
	v.SetDefault("upload.max_bytes", int64(10<<20))
	v.SetDefault("upload.max_age", time.Hour)
	v.SetDefault("upload.sweep_schedule", "@every 30m")
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("lang", "en")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTPAddr:        v.GetString("http.addr"),
		ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
		StaticDir:       v.GetString("http.static_dir"),
		DB: db.Config{
			Driver:          v.GetString("db.driver"),
			DSN:             v.GetString("db.dsn"),
			MaxOpenConns:    v.GetInt("db.max_open_conns"),
			MaxIdleConns:    v.GetInt("db.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("db.conn_max_lifetime"),
		},
		AdminNames:          splitList(v.GetStringSlice("admin.names")),
		AdminPassword:       v.GetString("admin.password"),
		AdminDepartment:     strings.TrimSpace(v.GetString("admin.department")),
		Departments:         splitList(v.GetStringSlice("departments")),
		JWTSecret:           v.GetString("auth.jwt_secret"),
		TokenTTL:            v.GetDuration("auth.token_ttl"),
		EnforceAdminToken:   v.GetBool("auth.enforce_admin_token"),
		AuthRateLimitPerMin: v.GetInt("auth.rate_limit_per_min"),
		CSRFEnforced:        v.GetBool("security.csrf_enforced"),
		UploadDir:           v.GetString("upload.dir"),
		UploadMaxBytes:      v.GetInt64("upload.max_bytes"),
		UploadMaxAge:        v.GetDuration("upload.max_age"),
		UploadSweepSchedule: v.GetString("upload.sweep_schedule"),
		CORSAllowedOrigins:  splitList(v.GetStringSlice("cors.allowed_origins")),
		Lang:                strings.TrimSpace(v.GetString("lang")),
		LogLevel:            strings.ToLower(strings.TrimSpace(v.GetString("log.level"))),
		LogFormat:           strings.ToLower(strings.TrimSpace(v.GetString("log.format"))),
	}

	if cfg.HTTPAddr == "" {
		return Config{}, fmt.Errorf("http.addr is required")
	}
	switch strings.ToLower(cfg.DB.Driver) {
	case db.DriverPostgres, "pgx", db.DriverSQLite, "sqlite3":
	default:
		return Config{}, fmt.Errorf("unsupported db.driver %q", cfg.DB.Driver)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	return cfg, nil
}

// NewLogger builds the process logger from log.level and log.format.
func NewLogger(cfg Config) (*logrus.Logger, error) {
	l := logrus.New()
	level := cfg.LogLevel
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	l.SetLevel(lvl)
	switch cfg.LogFormat {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l, nil
}

// splitList accepts both repeated values and a single comma separated value,
// which is how list keys arrive from the environment.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
