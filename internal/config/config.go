package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr string

	DBDriver          string
	DBDSN             string
	DBPath            string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	LogLevel       string
	LogFormat      string
	LogOutput      string
	LogFile        string
	LogDevelopment bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TokenPepper        string
	AdminToken         string
	TrustProxy         bool
	CORSAllowedOrigins []string

	LockoutThreshold int
	LockoutWindow    time.Duration
	IPBlockThreshold int
	IPBlockDuration  time.Duration
	LockoutInterval  time.Duration
	CleanupInterval  time.Duration
	SanitizeAfter    time.Duration
	PurgeAfter       time.Duration

	BackupCodeCount int
	BackupCodeWords int
	WordlistPath    string

	RegisterMinResponse time.Duration

	MailSender    string
	SMTPHost      string
	SMTPPort      int
	MailFrom      string
	VerifyBaseURL string

	HTTPReadTimeoutSec       int
	HTTPReadHeaderTimeoutSec int
	HTTPWriteTimeoutSec      int
	HTTPIdleTimeoutSec       int
	ShutdownTimeout          time.Duration
}

// Load reads a .env file when present, then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:               env("LISTEN_ADDR", ":8080"),
		DBDriver:                 strings.ToLower(env("DB_DRIVER", "sqlite")),
		DBDSN:                    env("DB_DSN", ""),
		DBPath:                   env("APP_DB_PATH", "./data/auth.db"),
		DBMaxOpenConns:           envInt("APP_DB_MAX_OPEN_CONNS", 4),
		DBMaxIdleConns:           envInt("APP_DB_MAX_IDLE_CONNS", 2),
		DBConnMaxLifetime:        time.Duration(envInt("APP_DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
		LogLevel:                 strings.ToLower(env("LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(env("LOG_FORMAT", "json")),
		LogOutput:                strings.ToLower(env("LOG_OUTPUT", "stdout")),
		LogFile:                  env("LOG_FILE", ""),
		LogDevelopment:           envBool("LOG_DEVELOPMENT", false),
		RedisAddr:                env("REDIS_ADDR", ""),
		RedisPassword:            env("REDIS_PASSWORD", ""),
		RedisDB:                  envInt("REDIS_DB", 0),
		TokenPepper:              env("TOKEN_PEPPER", ""),
		AdminToken:               env("ADMIN_TOKEN", ""),
		TrustProxy:               envBool("TRUST_PROXY", false),
		CORSAllowedOrigins:       envCSV("CORS_ALLOWED_ORIGINS"),
		LockoutThreshold:         envInt("LOCKOUT_THRESHOLD", 5),
		LockoutWindow:            time.Duration(envInt("LOCKOUT_WINDOW_MIN", 15)) * time.Minute,
		IPBlockThreshold:         envInt("IP_BLOCK_THRESHOLD", 20),
		IPBlockDuration:          time.Duration(envInt("IP_BLOCK_DURATION_MIN", 60)) * time.Minute,
		LockoutInterval:          time.Duration(envInt("LOCKOUT_INTERVAL_MIN", 5)) * time.Minute,
		CleanupInterval:          time.Duration(envInt("CLEANUP_INTERVAL_HOURS", 24)) * time.Hour,
		SanitizeAfter:            time.Duration(envInt("DELETION_SANITIZE_DAYS", 2)) * 24 * time.Hour,
		PurgeAfter:               time.Duration(envInt("DELETION_PURGE_DAYS", 90)) * 24 * time.Hour,
		BackupCodeCount:          envInt("MFA_BACKUP_CODE_COUNT", 5),
		BackupCodeWords:          envInt("MFA_BACKUP_CODE_WORDS", 12),
		WordlistPath:             env("MFA_WORDLIST_PATH", ""),
		RegisterMinResponse:      time.Duration(envInt("REGISTER_MIN_RESPONSE_MS", 450)) * time.Millisecond,
		MailSender:               strings.ToLower(env("MAIL_SENDER", "log")),
		SMTPHost:                 env("SMTP_HOST", "127.0.0.1"),
		SMTPPort:                 envInt("SMTP_PORT", 25),
		MailFrom:                 env("MAIL_FROM", "no-reply@example.com"),
		VerifyBaseURL:            env("VERIFY_BASE_URL", ""),
		HTTPReadTimeoutSec:       envInt("HTTP_READ_TIMEOUT_SEC", 10),
		HTTPReadHeaderTimeoutSec: envInt("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		HTTPWriteTimeoutSec:      envInt("HTTP_WRITE_TIMEOUT_SEC", 30),
		HTTPIdleTimeoutSec:       envInt("HTTP_IDLE_TIMEOUT_SEC", 60),
		ShutdownTimeout:          time.Duration(envInt("SHUTDOWN_TIMEOUT_SEC", 15)) * time.Second,
	}

	switch cfg.DBDriver {
	case "sqlite":
	case "pgx", "postgres":
		cfg.DBDriver = "pgx"
		if strings.TrimSpace(cfg.DBDSN) == "" {
			return Config{}, fmt.Errorf("DB_DSN is required when DB_DRIVER=pgx")
		}
	default:
		return Config{}, fmt.Errorf("DB_DRIVER must be one of: sqlite, pgx")
	}
	if cfg.DBMaxOpenConns <= 0 || cfg.DBMaxIdleConns < 0 {
		return Config{}, fmt.Errorf("invalid DB pool config")
	}
	if len(cfg.TokenPepper) < 32 {
		return Config{}, fmt.Errorf("TOKEN_PEPPER must be set to at least 32 chars")
	}
	if cfg.AdminToken != "" && len(cfg.AdminToken) < 24 {
		return Config{}, fmt.Errorf("ADMIN_TOKEN must be empty (admin routes disabled) or >=24 chars")
	}
	if cfg.LockoutThreshold <= 0 || cfg.LockoutWindow <= 0 {
		return Config{}, fmt.Errorf("lockout threshold and window must be positive")
	}
	if cfg.IPBlockThreshold < 0 || cfg.IPBlockDuration <= 0 {
		return Config{}, fmt.Errorf("invalid ip block config")
	}
	if cfg.SanitizeAfter < 0 || cfg.PurgeAfter <= cfg.SanitizeAfter {
		return Config{}, fmt.Errorf("DELETION_PURGE_DAYS must be greater than DELETION_SANITIZE_DAYS")
	}
	if cfg.BackupCodeCount <= 0 {
		return Config{}, fmt.Errorf("MFA_BACKUP_CODE_COUNT must be positive")
	}
	if cfg.BackupCodeWords < 9 || cfg.BackupCodeWords > 20 {
		return Config{}, fmt.Errorf("MFA_BACKUP_CODE_WORDS must be between 9 and 20")
	}
	if cfg.RegisterMinResponse < 0 {
		return Config{}, fmt.Errorf("REGISTER_MIN_RESPONSE_MS must not be negative")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be one of: json, console")
	}
	switch cfg.MailSender {
	case "log":
	case "smtp":
		if cfg.SMTPPort <= 0 || strings.TrimSpace(cfg.SMTPHost) == "" {
			return Config{}, fmt.Errorf("invalid smtp host or port")
		}
	default:
		return Config{}, fmt.Errorf("MAIL_SENDER must be one of: log, smtp")
	}
	return cfg, nil
}

func env(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envCSV(k string) []string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
