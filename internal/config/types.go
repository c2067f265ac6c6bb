package config

// Config is the whole file. Durations are Go duration strings ("10s", "1m").
//
// Only the logging section is applied on hot reload; everything else needs a restart.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Server   ServerConfig   `json:"server"`
	Relay    RelayConfig    `json:"relay"`
	Events   EventsConfig   `json:"events"`
	Storage  StorageConfig  `json:"storage"`
	Notifier NotifierConfig `json:"notifier"`
	Admin    AdminConfig    `json:"admin"`
	Logging  LoggingConfig  `json:"logging"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// ChatID is the home group: notifications go here and commands are read from here.
	ChatID       int64   `json:"chat_id"`
	ThreadID     int     `json:"thread_id,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// PingRole is the role key stored in the role table; PingRoleName is what users see.
	PingRole     string `json:"ping_role,omitempty"`
	PingRoleName string `json:"ping_role_name,omitempty"`
	PollTimeout  string `json:"poll_timeout,omitempty"`
	APIURL       string `json:"api_url,omitempty"`
}

// ServerConfig is the join-request HTTP listener.
type ServerConfig struct {
	Addr         string `json:"addr,omitempty"`
	CertFile     string `json:"cert,omitempty"`
	KeyFile      string `json:"key,omitempty"`
	TestGet      bool   `json:"test_get,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
}

type RelayConfig struct {
	TokensPath string `json:"tokens_path"`
	// RatePerToken limits accepted requests per token per second. 0 disables limiting.
	RatePerToken float64 `json:"rate_per_token,omitempty"`
	Burst        int     `json:"burst,omitempty"`
}

type EventsConfig struct {
	// Timezone interprets !addevent times and renders listings. Default UTC.
	Timezone string `json:"timezone,omitempty"`
	Tick     string `json:"tick,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./joinbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // postgres; do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// AdminConfig controls the optional health/metrics/pprof listener.
//
// Prefer binding to localhost. A non-loopback address needs a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChat forwards records at or above MinLevel into the home chat.
type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}
