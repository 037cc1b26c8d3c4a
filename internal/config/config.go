// Package config loads bot settings from the environment, an optional .env
// file and an optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/cloudbera60-web/Gifted-bot/internal/convstore"
)

const (
	ModePublic  = "public"
	ModePrivate = "private"

	AntiLinkOff    = "false"
	AntiLinkWarn   = "warn"
	AntiLinkDelete = "delete"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the full runtime configuration.
type Config struct {
	Mode            string
	Prefix          string
	BotName         string
	OwnerNumber     string
	OwnerName       string
	SudoNumbers     []string
	Caption         string
	Footer          string
	Presence        string
	TimeZone        string
	StartingMessage bool

	AutoReact       bool
	AutoRead        bool
	AutoReadStatus  bool
	AntiLink        string
	AntiCall        bool
	AntiCallMessage string

	Port                int
	APISecret           string
	ServiceID           string
	SessionDir          string
	PairWithQR          bool
	ClearInvalidSession bool
	FFmpegPath          string

	LogLevel  string
	LogFormat string

	Store     convstore.Config
	Reconnect Reconnect
}

// Reconnect controls the backoff used after a dropped connection.
type Reconnect struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	RestartDelay time.Duration
}

// SetDefaults registers every key with its default so AutomaticEnv can
// resolve it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModePublic)
	v.SetDefault("prefix", ".")
	v.SetDefault("bot_name", "GIFTED-MD")
	v.SetDefault("owner_number", "")
	v.SetDefault("owner_name", "Gifted Tech")
	v.SetDefault("sudo_numbers", "")
	v.SetDefault("caption", "Powered by Gifted Tech")
	v.SetDefault("footer", "GIFTED-MD")
	v.SetDefault("presence", "online")
	v.SetDefault("time_zone", "Africa/Nairobi")
	v.SetDefault("starting_message", true)

	v.SetDefault("auto_react", false)
	v.SetDefault("auto_read_messages", false)
	v.SetDefault("auto_read_status", true)
	v.SetDefault("antilink", AntiLinkOff)
	v.SetDefault("anticall", false)
	v.SetDefault("anticall_message", "Calls are not allowed. This call was rejected automatically.")

	v.SetDefault("port", 4420)
	v.SetDefault("control_api_secret", "")
	v.SetDefault("render_service_id", "not-set")
	v.SetDefault("session_dir", "gift/session")
	v.SetDefault("pair_with_qr", true)
	v.SetDefault("clear_invalid_session", true)
	v.SetDefault("ffmpeg_path", "ffmpeg")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")

	v.SetDefault("store.max_messages_per_chat", convstore.DefaultMaxMessagesPerChat)
	v.SetDefault("store.max_chats", convstore.DefaultMaxChats)
	v.SetDefault("store.sweep_interval", convstore.DefaultSweepInterval)
	v.SetDefault("store.stale_after", convstore.DefaultStaleAfter)

	v.SetDefault("reconnect.base_delay", 5*time.Second)
	v.SetDefault("reconnect.max_delay", 300*time.Second)
	v.SetDefault("reconnect.max_attempts", 50)
	v.SetDefault("reconnect.restart_delay", 2*time.Second)
}

// NewViper returns a viper instance wired to the environment. Nested keys map
// to upper-case env names with dots replaced by underscores, e.g.
// store.max_chats is read from STORE_MAX_CHATS.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads .env (if present), then configFile (if set), then the
// environment.
func Load(configFile string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := NewViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates a Config.
func FromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Mode:            strings.ToLower(strings.TrimSpace(v.GetString("mode"))),
		Prefix:          strings.TrimSpace(v.GetString("prefix")),
		BotName:         v.GetString("bot_name"),
		OwnerNumber:     NormalizeNumber(v.GetString("owner_number")),
		OwnerName:       v.GetString("owner_name"),
		SudoNumbers:     splitNumbers(v.GetString("sudo_numbers")),
		Caption:         v.GetString("caption"),
		Footer:          v.GetString("footer"),
		Presence:        strings.ToLower(strings.TrimSpace(v.GetString("presence"))),
		TimeZone:        v.GetString("time_zone"),
		StartingMessage: v.GetBool("starting_message"),

		AutoReact:       v.GetBool("auto_react"),
		AutoRead:        v.GetBool("auto_read_messages"),
		AutoReadStatus:  v.GetBool("auto_read_status"),
		AntiLink:        strings.ToLower(strings.TrimSpace(v.GetString("antilink"))),
		AntiCall:        v.GetBool("anticall"),
		AntiCallMessage: v.GetString("anticall_message"),

		Port:                v.GetInt("port"),
		APISecret:           v.GetString("control_api_secret"),
		ServiceID:           v.GetString("render_service_id"),
		SessionDir:          v.GetString("session_dir"),
		PairWithQR:          v.GetBool("pair_with_qr"),
		ClearInvalidSession: v.GetBool("clear_invalid_session"),
		FFmpegPath:          v.GetString("ffmpeg_path"),

		LogLevel:  v.GetString("log_level"),
		LogFormat: v.GetString("log_format"),

		Store: convstore.Config{
			MaxMessagesPerChat: v.GetInt("store.max_messages_per_chat"),
			MaxChats:           v.GetInt("store.max_chats"),
			SweepInterval:      v.GetDuration("store.sweep_interval"),
			StaleAfter:         v.GetDuration("store.stale_after"),
		},
		Reconnect: Reconnect{
			BaseDelay:    v.GetDuration("reconnect.base_delay"),
			MaxDelay:     v.GetDuration("reconnect.max_delay"),
			MaxAttempts:  v.GetInt("reconnect.max_attempts"),
			RestartDelay: v.GetDuration("reconnect.restart_delay"),
		},
	}

	// ANTILINK=true is the legacy spelling of warn.
	if cfg.AntiLink == "true" {
		cfg.AntiLink = AntiLinkWarn
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail at runtime.
func (c Config) Validate() error {
	if c.Mode != ModePublic && c.Mode != ModePrivate {
		return fmt.Errorf("%w: MODE must be %q or %q, got %q", ErrInvalidConfig, ModePublic, ModePrivate, c.Mode)
	}
	if c.Prefix == "" {
		return fmt.Errorf("%w: PREFIX must not be empty", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: PORT out of range: %d", ErrInvalidConfig, c.Port)
	}
	switch c.AntiLink {
	case AntiLinkOff, AntiLinkWarn, AntiLinkDelete:
	default:
		return fmt.Errorf("%w: ANTILINK must be false, warn or delete, got %q", ErrInvalidConfig, c.AntiLink)
	}
	if c.SessionDir == "" {
		return fmt.Errorf("%w: SESSION_DIR must not be empty", ErrInvalidConfig)
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("%w: RECONNECT_MAX_ATTEMPTS must not be negative", ErrInvalidConfig)
	}
	return nil
}

// NormalizeNumber strips everything but digits, so "+254 700-000" and
// "254700000" compare equal.
func NormalizeNumber(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func splitNumbers(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if n := NormalizeNumber(part); n != "" {
			out = append(out, n)
		}
	}
	return out
}
