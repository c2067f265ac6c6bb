package config

import (
	"strings"
	"time"

	"joinbot/internal/apperr"
)

// Validate rejects configs the process cannot start with. Watch runs it before
// publishing a reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return apperr.New(apperr.Validation, "config", "config is nil")
	}
	bad := func(format string, args ...any) error {
		return apperr.Newf(apperr.Validation, "config", format, args...)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return bad("telegram.token is required")
	}
	if cfg.Telegram.ChatID == 0 {
		return bad("telegram.chat_id is required")
	}
	if strings.TrimSpace(cfg.Relay.TokensPath) == "" {
		return bad("relay.tokens_path is required")
	}
	if cfg.Relay.RatePerToken < 0 || cfg.Relay.Burst < 0 {
		return bad("relay.rate_per_token and relay.burst must be >= 0")
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return bad("server.max_body_bytes must be >= 0")
	}
	if (cfg.Server.CertFile == "") != (cfg.Server.KeyFile == "") {
		return bad("server.cert and server.key must be set together")
	}
	if cfg.Notifier.RatePerSec < 0 || cfg.Notifier.RetryMax < 0 {
		return bad("notifier.rate_per_sec and notifier.retry_max must be >= 0")
	}
	if cfg.Logging.Chat.RatePerSec < 0 {
		return bad("logging.chat.rate_per_sec must be >= 0")
	}

	if _, err := ParseEventsTick(cfg.Events.Tick, 0); err != nil {
		return err
	}
	if _, err := cfg.Events.Location(); err != nil {
		return err
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); driver {
	case "", "sqlite", "sqlite3", "bolt", "bbolt":
	case "postgres", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return bad("storage.dsn is required when storage.driver=%s", driver)
		}
	default:
		return bad("unknown storage.driver: %s", cfg.Storage.Driver)
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"notifier.retry_base", cfg.Notifier.RetryBase},
		{"notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay},
		{"notifier.send_timeout", cfg.Notifier.SendTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}

// Location loads the configured timezone; empty means UTC.
func (e EventsConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(e.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, &apperr.Error{Kind: apperr.Validation, Op: "config", Msg: "events.timezone: invalid " + `"` + tz + `"`, Err: err}
	}
	return loc, nil
}
