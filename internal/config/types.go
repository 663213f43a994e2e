package config

// Config is the on-disk configuration, JSON or YAML.
//
// Durations are Go duration strings ("500ms", "30s", "4h") so the file stays
// readable and unknown keys can be rejected by the strict decoder.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Queue      QueueConfig      `json:"queue"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	HTTP       HTTPConfig       `json:"http"`

	// Platforms overrides the built-in profiles when non-empty.
	Platforms []PlatformConfig `json:"platforms,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the post store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postpilot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type QueueConfig struct {
	MaxRetries  int    `json:"max_retries,omitempty"`  // default 3
	HorizonDays int    `json:"horizon_days,omitempty"` // default 7
	Timezone    string `json:"timezone,omitempty"`     // IANA name preferred times are read in
}

// DispatcherConfig controls the publish loop.
//
// Defaults (when fields are omitted/zero):
//   - schedule: "30s"
//   - workers: 2
//   - queue_size: workers*16
//   - batch_size: 50
//   - dispatch_timeout: "30s"
//   - stale_after: 4*dispatch_timeout
//   - circuit_trip_failures: 5 (negative disables the breaker)
type DispatcherConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"`

	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
	BatchSize int `json:"batch_size,omitempty"`

	DispatchTimeout string  `json:"dispatch_timeout,omitempty"`
	StaleAfter      string  `json:"stale_after,omitempty"`
	PublishRate     float64 `json:"publish_rate,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitCooldown     string `json:"circuit_cooldown,omitempty"`
	CircuitMaxCooldown  string `json:"circuit_max_cooldown,omitempty"`
	CircuitResetAfter   string `json:"circuit_reset_after,omitempty"`

	AutoRetry bool `json:"auto_retry,omitempty"`
}

// HTTPConfig controls the JSON API listener.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - A non-loopback address needs a token or an explicit allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	SlowRequest  string `json:"slow_request,omitempty"`
}

type PlatformConfig struct {
	ID             string   `json:"id"`
	MaxTextLength  int      `json:"max_text_length"`
	SupportsMedia  bool     `json:"supports_media"`
	RequiresMedia  bool     `json:"requires_media,omitempty"`
	MinInterval    string   `json:"min_interval"`
	PreferredTimes []string `json:"preferred_times,omitempty"`
	HourlyLimit    int      `json:"hourly_limit"`
	DailyLimit     int      `json:"daily_limit"`
}
