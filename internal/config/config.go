package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

type Config struct {
	Addr     string
	DBDSN    string
	LogLevel string

	JWTSecret        string
	AllowedOrigins   []string
	AnonymousEnabled bool
	TokenTTLSeconds  int

	// Telegram delivery
	BotToken      string
	ChatID        int64
	DeliveryMode  string
	WebhookPath   string
	WebhookSecret string
	PublicURL     string

	MessageMaxLen  int
	UploadMaxBytes int64
	UploadDir      string
}

func Load() Config {
	addr := os.Getenv("ADDR")
	if addr == "" {
		addr = ":8080"
	}

	// DSN demo:
	// app:apppass@tcp(127.0.0.1:3306)/buzzline?charset=utf8mb4&parseTime=true&loc=Local
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = "buzzline.db"
	}

	ttl := 900
	if v := os.Getenv("TOKEN_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ttl = n
		}
	}

	anonEnabled := true
	if v := os.Getenv("ANONYMOUS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			anonEnabled = b
		}
	}

	var origins []string
	for _, o := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			origins = append(origins, o)
		}
	}

	var chatID int64
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			chatID = n
		}
	}

	mode := strings.ToLower(os.Getenv("DELIVERY_MODE"))
	if mode == "" {
		mode = ModePolling
	}

	maxLen := 2000
	if v := os.Getenv("MESSAGE_MAX_LEN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxLen = n
		}
	}

	maxUpload := int64(5 << 20)
	if v := os.Getenv("UPLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			maxUpload = n
		}
	}

	uploadDir := os.Getenv("UPLOAD_DIR")
	if uploadDir == "" {
		uploadDir = "uploads"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	return Config{
		Addr:     addr,
		DBDSN:    dsn,
		LogLevel: logLevel,

		JWTSecret:        os.Getenv("JWT_SECRET"),
		AllowedOrigins:   origins,
		AnonymousEnabled: anonEnabled,
		TokenTTLSeconds:  ttl,

		BotToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),
		ChatID:        chatID,
		DeliveryMode:  mode,
		WebhookPath:   os.Getenv("WEBHOOK_PATH"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		PublicURL:     os.Getenv("PUBLIC_URL"),

		MessageMaxLen:  maxLen,
		UploadMaxBytes: maxUpload,
		UploadDir:      uploadDir,
	}
}

// Validate reports startup-fatal configuration errors. Everything else in the
// system degrades at request time; missing settings here refuse to run.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("config: ALLOWED_ORIGINS requires at least one origin")
	}
	for _, o := range c.AllowedOrigins {
		if OriginHost(o) == "" {
			return fmt.Errorf("config: bad origin %q", o)
		}
	}
	if c.BotToken == "" {
		return fmt.Errorf("config: TELEGRAM_BOT_TOKEN is required")
	}
	if c.ChatID == 0 {
		return fmt.Errorf("config: TELEGRAM_CHAT_ID is required")
	}
	switch c.DeliveryMode {
	case ModePolling:
	case ModeWebhook:
		if c.WebhookPath == "" || c.WebhookSecret == "" || c.PublicURL == "" {
			return fmt.Errorf("config: webhook mode requires WEBHOOK_PATH, WEBHOOK_SECRET and PUBLIC_URL")
		}
		if !strings.HasPrefix(c.WebhookPath, "/") {
			return fmt.Errorf("config: WEBHOOK_PATH must start with /")
		}
	default:
		return fmt.Errorf("config: unsupported DELIVERY_MODE=%q", c.DeliveryMode)
	}
	return nil
}

// OriginAllowed matches a request Origin against the allow-list. Entries may
// be full origins (https://shop.example) or bare hosts (shop.example).
func (c Config) OriginAllowed(origin string) bool {
	host := OriginHost(origin)
	if host == "" {
		return false
	}
	for _, o := range c.AllowedOrigins {
		if OriginHost(o) == host {
			return true
		}
	}
	return false
}

// OriginHost reduces an Origin header value or bare host to its host part.
func OriginHost(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}
	if strings.Contains(origin, "://") {
		u, err := url.Parse(origin)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}
	if i := strings.IndexByte(origin, '/'); i >= 0 {
		origin = origin[:i]
	}
	if h, _, ok := strings.Cut(origin, ":"); ok {
		return strings.ToLower(h)
	}
	return strings.ToLower(origin)
}
