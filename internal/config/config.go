package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenAddr string
	DBPath     string
	PhotoDir   string

	TelegramToken   string
	TelegramBaseURL string
	AdminChatID     string
	MasterUID       string

	DetectorURL string

	// Grace period for the initial check-in photo before the session is
	// escalated and forced into in-use.
	CheckinGrace time.Duration

	SMTPHost      string
	SMTPPort      int
	EmailFrom     string
	EmailPassword string
	AdminEmail    string

	// Master inventories used to seed tray baselines on first start.
	BaselineTray1 []string
	BaselineTray2 []string
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":5000",
		DBPath:          defaultDBPath(),
		PhotoDir:        defaultPhotoDir(),
		TelegramBaseURL: "https://api.telegram.org",
		DetectorURL:     "http://127.0.0.1:8500",
		CheckinGrace:    5 * time.Minute,
		SMTPPort:        587,
		BaselineTray1: []string{
			"llave_6", "llave_7", "llave_8", "llave_9", "llave_10",
			"llave_12", "llave_13", "llave_17", "llave_19", "llave_22",
		},
		BaselineTray2: []string{
			"estrella_grande", "estrella_mediano", "estrella_peque",
			"plano_grande", "plano_mediano", "plano_peque",
		},
	}
}

// FromEnv overlays environment variables onto cfg. Unset variables leave the
// existing value untouched.
func FromEnv(cfg Config) Config {
	setString(&cfg.ListenAddr, "TOOLCRIB_ADDR")
	setString(&cfg.DBPath, "TOOLCRIB_DB")
	setString(&cfg.PhotoDir, "TOOLCRIB_PHOTO_DIR")
	setString(&cfg.TelegramToken, "TELEGRAM_TOKEN")
	setString(&cfg.TelegramBaseURL, "TELEGRAM_BASE_URL")
	setString(&cfg.AdminChatID, "ADMIN_CHAT_ID")
	setString(&cfg.MasterUID, "MASTER_UID")
	setString(&cfg.DetectorURL, "DETECTOR_URL")
	setString(&cfg.SMTPHost, "SMTP_SERVER")
	setInt(&cfg.SMTPPort, "SMTP_PORT")
	setString(&cfg.EmailFrom, "EMAIL_SENDER_ADDRESS")
	setString(&cfg.EmailPassword, "EMAIL_SENDER_PASSWORD")
	setString(&cfg.AdminEmail, "ADMIN_EMAIL")
	setDuration(&cfg.CheckinGrace, "CHECKIN_GRACE")
	return cfg
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
			*dst = d
		}
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "toolcrib.db"
	}
	return filepath.Join(home, ".local", "state", "toolcrib", "state.db")
}

func defaultPhotoDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "photos"
	}
	return filepath.Join(home, ".local", "state", "toolcrib", "photos")
}
