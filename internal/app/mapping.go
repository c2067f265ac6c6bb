package app

import (
	"strings"
	"time"

	"joinbot/internal/config"
	"joinbot/internal/notifier"
	"joinbot/internal/observability/admin"
	"joinbot/internal/relay"
	"joinbot/internal/scheduler"
	"joinbot/internal/storage"
	"joinbot/internal/transport/telegram"
	logx "joinbot/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    l.Chat.Enabled,
			MinLevel:   l.Chat.MinLevel,
			RatePerSec: l.Chat.RatePerSec,
		},
	}
}

// StorageConfig resolves the storage section with driver defaults; the CLI shares it.
func StorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
		if path == "" {
			path = "./joinbot.db"
		}
	case "bolt", "bbolt":
		driver = "bolt"
		if path == "" {
			path = "./joinbot.bolt"
		}
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, DSN: sc.DSN, BusyTimeout: busy}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	n := cfg.Notifier
	base, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", n.SendTimeout, 15*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	rate := n.RatePerSec
	if rate <= 0 {
		rate = 3
	}
	retry := n.RetryMax
	if retry <= 0 {
		retry = 3
	}
	return notifier.Config{
		RatePerSec:    rate,
		RetryMax:      retry,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	t := cfg.Telegram
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	role := strings.TrimSpace(t.PingRole)
	if role == "" {
		role = "ping"
	}
	return telegram.Config{
		Token:       t.Token,
		PollTimeout: poll,
		APIURL:      strings.TrimSpace(t.APIURL),
		ChatID:      t.ChatID,
		ThreadID:    t.ThreadID,
		Role:        role,
		RoleName:    strings.TrimSpace(t.PingRoleName),
		OwnerIDs:    t.OwnerUserIDs,
	}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	loc, err := cfg.Events.Location()
	if err != nil {
		return scheduler.Config{}, err
	}
	tick, err := config.ParseEventsTick(cfg.Events.Tick, scheduler.DefaultTick)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Tick: tick, Location: loc}, nil
}

func mapRelay(cfg *config.Config) relay.Config {
	return relay.Config{RatePerToken: cfg.Relay.RatePerToken, Burst: cfg.Relay.Burst}
}

func mapServer(cfg *config.Config) (relay.ServerConfig, error) {
	s := cfg.Server
	var (
		out relay.ServerConfig
		err error
	)
	out.Addr = strings.TrimSpace(s.Addr)
	out.CertFile = strings.TrimSpace(s.CertFile)
	out.KeyFile = strings.TrimSpace(s.KeyFile)
	out.TestGet = s.TestGet
	out.MaxBodyBytes = s.MaxBodyBytes
	if out.ReadTimeout, err = config.ParseDurationField("server.read_timeout", s.ReadTimeout); err != nil {
		return relay.ServerConfig{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("server.write_timeout", s.WriteTimeout); err != nil {
		return relay.ServerConfig{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("server.idle_timeout", s.IdleTimeout); err != nil {
		return relay.ServerConfig{}, err
	}
	return out, nil
}

func mapAdmin(cfg *config.Config) (admin.Config, error) {
	a := cfg.Admin
	out := admin.Config{
		Enabled:       a.Enabled,
		Addr:          strings.TrimSpace(a.Addr),
		Token:         strings.TrimSpace(a.Token),
		AllowInsecure: a.AllowInsecure,
		Pprof:         a.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("admin.read_timeout", a.ReadTimeout, 10*time.Second); err != nil {
		return admin.Config{}, err
	}
	// pprof's /profile runs for 30s by default, so no write timeout unless asked.
	if out.WriteTimeout, err = config.ParseDurationField("admin.write_timeout", a.WriteTimeout); err != nil {
		return admin.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("admin.idle_timeout", a.IdleTimeout, 60*time.Second); err != nil {
		return admin.Config{}, err
	}
	return out, nil
}
