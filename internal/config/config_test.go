package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testPepper = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TOKEN_PEPPER", testPepper)
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.DBDriver)
	require.Equal(t, 5, cfg.LockoutThreshold)
	require.Equal(t, 15*time.Minute, cfg.LockoutWindow)
	require.Equal(t, 20, cfg.IPBlockThreshold)
	require.Equal(t, time.Hour, cfg.IPBlockDuration)
	require.Equal(t, 48*time.Hour, cfg.SanitizeAfter)
	require.Equal(t, 90*24*time.Hour, cfg.PurgeAfter)
	require.Equal(t, 450*time.Millisecond, cfg.RegisterMinResponse)
	require.Equal(t, 12, cfg.BackupCodeWords)
	require.Equal(t, "log", cfg.MailSender)
}

func TestLoadRejectsShortPepper(t *testing.T) {
	t.Setenv("TOKEN_PEPPER", "short")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadPostgresNeedsDSN(t *testing.T) {
	t.Setenv("TOKEN_PEPPER", testPepper)
	t.Setenv("DB_DRIVER", "postgres")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("DB_DSN", "postgres://auth@localhost/auth")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "pgx", cfg.DBDriver)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"DB_DRIVER":             "mysql",
		"MFA_BACKUP_CODE_WORDS": "8",
		"DELETION_PURGE_DAYS":   "1",
		"LOG_FORMAT":            "xml",
		"MAIL_SENDER":           "carrier-pigeon",
		"ADMIN_TOKEN":           "too-short",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("TOKEN_PEPPER", testPepper)
			t.Setenv(k, v)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestEnvCSV(t *testing.T) {
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	require.Equal(t, []string{"https://a.example", "https://b.example"}, envCSV("CORS_ALLOWED_ORIGINS"))
}
