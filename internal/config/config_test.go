package config

import (
	"errors"
	"testing"
	"time"

	"filestore/internal/store"
)

var allKeys = []string{
	"BOT_TOKEN", "BOT_USERNAME", "GROUP_ID", "OWNER_ID", "BACKUP_GROUP_ID",
	"AUTO_DELETE", "CODE_FORMAT", "SHARE_BASE_URL", "OPS_ADDR", "ARCHIVE_DIR",
	"ARCHIVE_S3_ENDPOINT", "ARCHIVE_S3_BUCKET", "ARCHIVE_S3_KEY_ID",
	"ARCHIVE_S3_APP_KEY", "ARCHIVE_S3_PREFIX", "ARCHIVE_S3_INSECURE", "TELEGRAM_API_URL",
}

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_Complete(t *testing.T) {
	clearEnv(t)
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("BOT_USERNAME", "vault_bot")
	t.Setenv("GROUP_ID", "-100200")
	t.Setenv("OWNER_ID", "42")
	t.Setenv("BACKUP_GROUP_ID", "-100300")
	t.Setenv("AUTO_DELETE", "3600")
	t.Setenv("CODE_FORMAT", "hex")

	cfg, err := Load(false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.StorageChat != -100200 || cfg.OwnerID != 42 || cfg.BackupChat != -100300 {
		t.Errorf("unexpected ids: %+v", cfg)
	}
	if cfg.AutoDelete != time.Hour {
		t.Errorf("AutoDelete = %v, want 1h", cfg.AutoDelete)
	}
	if cfg.CodeAlphabet != store.AlphabetHex {
		t.Errorf("CodeAlphabet = %q, want hex", cfg.CodeAlphabet)
	}
	if cfg.BotUsername != "vault_bot" {
		t.Errorf("BotUsername = %q", cfg.BotUsername)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("GROUP_ID", "-1")
	t.Setenv("OWNER_ID", "7")

	cfg, err := Load(false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CodeAlphabet != store.AlphabetUpperDigits {
		t.Errorf("CodeAlphabet = %q, want upper+digits", cfg.CodeAlphabet)
	}
	if cfg.AutoDelete != 0 || cfg.BackupChat != 0 || cfg.OpsAddr != "" {
		t.Errorf("expected zero optional settings, got %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing token", map[string]string{"GROUP_ID": "-1", "OWNER_ID": "7"}},
		{"missing group", map[string]string{"BOT_TOKEN": "t", "OWNER_ID": "7"}},
		{"missing owner", map[string]string{"BOT_TOKEN": "t", "GROUP_ID": "-1"}},
		{"bad group id", map[string]string{"BOT_TOKEN": "t", "GROUP_ID": "abc", "OWNER_ID": "7"}},
		{"negative auto delete", map[string]string{"BOT_TOKEN": "t", "GROUP_ID": "-1", "OWNER_ID": "7", "AUTO_DELETE": "-5"}},
		{"unknown code format", map[string]string{"BOT_TOKEN": "t", "GROUP_ID": "-1", "OWNER_ID": "7", "CODE_FORMAT": "emoji"}},
		{"s3 without keys", map[string]string{"BOT_TOKEN": "t", "GROUP_ID": "-1", "OWNER_ID": "7", "ARCHIVE_S3_BUCKET": "b"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(false)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoad_MockMode(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(true)
	if err != nil {
		t.Fatalf("Load(mock) failed: %v", err)
	}
	if cfg.StorageChat == 0 || cfg.OwnerID == 0 {
		t.Errorf("mock mode should fill chat and owner, got %+v", cfg)
	}
	if cfg.BotToken != "" {
		t.Errorf("BotToken = %q, want empty", cfg.BotToken)
	}
}
