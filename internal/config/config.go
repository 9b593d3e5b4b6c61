package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"filestore/internal/logging"
	"filestore/internal/store"
)

// ErrInvalid is returned when the environment does not describe a usable bot.
var ErrInvalid = errors.New("invalid configuration")

// Defaults used in mock mode, where no real chats exist.
const (
	mockStorageChat = -1001
	mockOwner       = 1
)

// S3Config describes the optional S3-compatible manifest archive.
type S3Config struct {
	Endpoint string
	Bucket   string
	KeyID    string
	AppKey   string
	Prefix   string
	Insecure bool
}

// Config is the process configuration read from the environment.
type Config struct {
	BotToken     string
	BotUsername  string
	StorageChat  int64
	OwnerID      int64
	BackupChat   int64 // 0 disables mirroring
	AutoDelete   time.Duration
	CodeAlphabet string
	ShareBaseURL string
	OpsAddr      string // empty disables the ops server
	ArchiveDir   string
	ArchiveS3    S3Config
	TelegramAPI  string
}

// Load reads a .env file if present, then the process environment. In mock
// mode the token and chat ids may be omitted.
func Load(mock bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Internal.Printf("failed to read .env: %v", err)
	}

	cfg := &Config{
		BotToken:     os.Getenv("BOT_TOKEN"),
		BotUsername:  getEnv("BOT_USERNAME", "YourBotUsername"),
		ShareBaseURL: os.Getenv("SHARE_BASE_URL"),
		OpsAddr:      os.Getenv("OPS_ADDR"),
		ArchiveDir:   os.Getenv("ARCHIVE_DIR"),
		TelegramAPI:  os.Getenv("TELEGRAM_API_URL"),
		ArchiveS3: S3Config{
			Endpoint: getEnv("ARCHIVE_S3_ENDPOINT", "s3.amazonaws.com"),
			Bucket:   os.Getenv("ARCHIVE_S3_BUCKET"),
			KeyID:    os.Getenv("ARCHIVE_S3_KEY_ID"),
			AppKey:   os.Getenv("ARCHIVE_S3_APP_KEY"),
			Prefix:   os.Getenv("ARCHIVE_S3_PREFIX"),
			Insecure: os.Getenv("ARCHIVE_S3_INSECURE") == "true",
		},
	}

	var err error
	if cfg.StorageChat, err = getInt("GROUP_ID"); err != nil {
		return nil, err
	}
	if cfg.OwnerID, err = getInt("OWNER_ID"); err != nil {
		return nil, err
	}
	if cfg.BackupChat, err = getInt("BACKUP_GROUP_ID"); err != nil {
		return nil, err
	}
	seconds, err := getInt("AUTO_DELETE")
	if err != nil {
		return nil, err
	}
	if seconds < 0 {
		return nil, fmt.Errorf("%w: AUTO_DELETE must not be negative", ErrInvalid)
	}
	cfg.AutoDelete = time.Duration(seconds) * time.Second

	switch strings.ToLower(getEnv("CODE_FORMAT", "alnum")) {
	case "alnum":
		cfg.CodeAlphabet = store.AlphabetUpperDigits
	case "hex":
		cfg.CodeAlphabet = store.AlphabetHex
	default:
		return nil, fmt.Errorf("%w: CODE_FORMAT must be alnum or hex", ErrInvalid)
	}

	if cfg.ArchiveS3.Bucket != "" && (cfg.ArchiveS3.KeyID == "" || cfg.ArchiveS3.AppKey == "") {
		return nil, fmt.Errorf("%w: ARCHIVE_S3_BUCKET needs ARCHIVE_S3_KEY_ID and ARCHIVE_S3_APP_KEY", ErrInvalid)
	}

	if mock {
		if cfg.StorageChat == 0 {
			cfg.StorageChat = mockStorageChat
		}
		if cfg.OwnerID == 0 {
			cfg.OwnerID = mockOwner
		}
		return cfg, nil
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("%w: BOT_TOKEN is required", ErrInvalid)
	}
	if c.StorageChat == 0 {
		return fmt.Errorf("%w: GROUP_ID is required", ErrInvalid)
	}
	if c.OwnerID == 0 {
		return fmt.Errorf("%w: OWNER_ID is required", ErrInvalid)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return n, nil
}
