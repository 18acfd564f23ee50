package config

// Config is the root configuration for apphub.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Server  ServerConfig  `json:"server"`
	Logging LoggingConfig `json:"logging"`

	// Redis backs the shared (cluster-wide) proactive cooldown tier.
	Redis RedisConfig `json:"redis"`

	// Storage holds the per-user app chat history (SQLite).
	Storage StorageConfig `json:"storage"`

	// Directory points at the app registry artifact.
	Directory DirectoryConfig `json:"directory"`

	// Gateway is the model-gateway service (embeddings, retrieval,
	// generation, vision, push delivery).
	Gateway GatewayConfig `json:"gateway"`

	Dispatch  DispatchConfig  `json:"dispatch"`
	Proactive ProactiveConfig `json:"proactive"`
	Push      *PushConfig     `json:"push,omitempty"`
	Janitor   JanitorConfig   `json:"janitor"`
}

type DirectoryConfig struct {
	Path string `json:"path"`
}

type GatewayConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout,omitempty"`
}

type ServerConfig struct {
	Addr         string `json:"addr"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig controls the fan-out worker pool.
//
// Workers bounds concurrent outbound webhook calls per dispatch; 0
// falls back to the package default.
type DispatchConfig struct {
	Workers int `json:"workers,omitempty"`
}

// ProactiveConfig controls the proactive-notification cooldown.
type ProactiveConfig struct {
	// CooldownWindow is the minimum gap between two proactive pushes
	// per (uid, app). Defaults to 30s.
	CooldownWindow string `json:"cooldown_window,omitempty"`
}

// PushConfig controls the async push pipeline. If the whole section is
// omitted, defaults apply.
type PushConfig struct {
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// JanitorConfig controls periodic housekeeping: pruning expired
// rate-limit and dedup entries and trimming old chat messages.
type JanitorConfig struct {
	Enabled bool `json:"enabled"`
	// Spec is a cron spec or @every interval. Defaults to "@every 1m".
	Spec string `json:"spec,omitempty"`
	// ChatRetention drops chat messages older than this. "0s" disables
	// trimming. Defaults to 720h (30 days).
	ChatRetention string `json:"chat_retention,omitempty"`
}
