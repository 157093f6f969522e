package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/example/meal-scheduler/internal/domain/meal"
)

type Config struct {
	DataDir     string
	StoreDriver string
	DatabaseURL string
	ListenAddr  string
	UsersFile   string
	LogLevel    string

	CookieHashKey  []byte
	CookieBlockKey []byte
	// CredKey seals user secrets; optional unless the users file holds
	// sealed secrets.
	CredKey            []byte
	ControlTokenBcrypt string

	Location       *time.Location
	ReserveAt      meal.TimeOfDay
	MaxRetries     int
	RetryInterval  time.Duration
	CatchUpRetries int
	WaitSlice      time.Duration

	RemoteBaseURL      string
	RemoteTimeout      time.Duration
	RemoteRPS          float64
	SessionExpiredCode int
	SpecialMenuCodes   []string

	HolidayEndpoint string
	HolidayKey      string

	SMTPAddr     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

func FromEnv() (Config, error) {
	cfg := Config{
		DataDir:            getenv("MEALSCHED_DATA_DIR", defaultDataDir()),
		StoreDriver:        strings.ToLower(getenv("STORE_DRIVER", "sqlite")),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		ListenAddr:         getenv("LISTEN_ADDR", "127.0.0.1:8080"),
		LogLevel:           getenv("LOG_LEVEL", "info"),
		ControlTokenBcrypt: strings.TrimSpace(os.Getenv("CONTROL_TOKEN_BCRYPT")),
		RemoteBaseURL:      strings.TrimRight(os.Getenv("REMOTE_BASE_URL"), "/"),
		HolidayEndpoint:    os.Getenv("HOLIDAY_API_ENDPOINT"),
		HolidayKey:         os.Getenv("HOLIDAY_API_KEY"),
		SMTPAddr:           os.Getenv("SMTP_ADDR"),
		SMTPUsername:       os.Getenv("SMTP_USERNAME"),
		SMTPPassword:       os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:           os.Getenv("SMTP_FROM"),
		SpecialMenuCodes:   splitList(os.Getenv("SPECIAL_MENU_CODES")),
	}
	cfg.UsersFile = getenv("USERS_FILE", filepath.Join(cfg.DataDir, "users.yaml"))

	switch cfg.StoreDriver {
	case "sqlite":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	default:
		return Config{}, fmt.Errorf("invalid STORE_DRIVER %q (sqlite or postgres)", cfg.StoreDriver)
	}

	tz := getenv("DEFAULT_TIMEZONE", "Asia/Seoul")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DEFAULT_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	if cfg.ReserveAt, err = meal.ParseTimeOfDay(getenv("RESERVE_AT", "13:00:00")); err != nil {
		return Config{}, fmt.Errorf("invalid RESERVE_AT: %w", err)
	}

	var secs int
	if cfg.MaxRetries, err = positiveInt("MAX_RETRIES", "10"); err != nil {
		return Config{}, err
	}
	if cfg.CatchUpRetries, err = positiveInt("CATCHUP_MAX_RETRIES", "3"); err != nil {
		return Config{}, err
	}
	if secs, err = strconv.Atoi(getenv("RETRY_INTERVAL_SECONDS", "5")); err != nil || secs < 0 {
		return Config{}, fmt.Errorf("invalid RETRY_INTERVAL_SECONDS")
	}
	cfg.RetryInterval = time.Duration(secs) * time.Second
	if secs, err = positiveInt("WAIT_SLICE_SECONDS", "60"); err != nil {
		return Config{}, err
	}
	cfg.WaitSlice = time.Duration(secs) * time.Second
	if secs, err = positiveInt("REMOTE_TIMEOUT_SECONDS", "10"); err != nil {
		return Config{}, err
	}
	cfg.RemoteTimeout = time.Duration(secs) * time.Second

	cfg.RemoteRPS, err = strconv.ParseFloat(getenv("REMOTE_RPS", "2"), 64)
	if err != nil || cfg.RemoteRPS <= 0 {
		return Config{}, fmt.Errorf("invalid REMOTE_RPS")
	}
	if v := os.Getenv("REMOTE_SESSION_EXPIRED_CODE"); v != "" {
		if cfg.SessionExpiredCode, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("invalid REMOTE_SESSION_EXPIRED_CODE")
		}
	}

	hashKey := os.Getenv("COOKIE_HASH_KEY")
	blockKey := os.Getenv("COOKIE_BLOCK_KEY")
	if hashKey == "" || blockKey == "" {
		return Config{}, fmt.Errorf("COOKIE_HASH_KEY and COOKIE_BLOCK_KEY are required (32 and 32/16/24/32 bytes base64)")
	}
	if cfg.CookieHashKey, err = decodeB64(hashKey); err != nil {
		return Config{}, fmt.Errorf("COOKIE_HASH_KEY: %w", err)
	}
	if cfg.CookieBlockKey, err = decodeB64(blockKey); err != nil {
		return Config{}, fmt.Errorf("COOKIE_BLOCK_KEY: %w", err)
	}
	if !validAESKey(cfg.CookieBlockKey) {
		return Config{}, fmt.Errorf("COOKIE_BLOCK_KEY must decode to 16, 24 or 32 bytes")
	}
	if v := os.Getenv("CRED_ENC_KEY"); v != "" {
		if cfg.CredKey, err = decodeB64(v); err != nil {
			return Config{}, fmt.Errorf("CRED_ENC_KEY: %w", err)
		}
		if !validAESKey(cfg.CredKey) {
			return Config{}, fmt.Errorf("CRED_ENC_KEY must decode to 16, 24 or 32 bytes")
		}
	}

	if (cfg.SMTPAddr == "") != (cfg.SMTPFrom == "") {
		return Config{}, fmt.Errorf("SMTP_ADDR and SMTP_FROM must be set together")
	}
	return cfg, nil
}

// SessionDir holds persisted remote sessions.
func (c Config) SessionDir() string { return filepath.Join(c.DataDir, "sessions") }

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mealsched")
	}
	return ".mealsched"
}

func validAESKey(b []byte) bool {
	switch len(b) {
	case 16, 24, 32:
		return true
	}
	return false
}

func positiveInt(name, def string) (int, error) {
	n, err := strconv.Atoi(getenv(name, def))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func decodeB64(s string) ([]byte, error) {
	b, err := os.ReadFile(s)
	if err == nil {
		// allow pointing to file path for k8s secret mounts
		s = string(b)
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
