package config

// Config is the operator config file. It is decoded strictly (unknown keys
// are rejected) so typos surface at load and reload time.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Upstream UpstreamConfig `json:"upstream"`
	Check    CheckConfig    `json:"check"`
	Queues   QueueConfig    `json:"queues"`
	Render   RenderConfig   `json:"render"`
	Sender   SenderConfig   `json:"sender"`
	Guardian GuardianConfig `json:"guardian"`
	Cache    CacheConfig    `json:"cache"`
	Storage  StorageConfig  `json:"storage"`
	Data     DataConfig     `json:"data"`

	// Timezone evaluates low-speed hours and cron specs. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token" validate:"required"`
	// AdminContacts receive alerts ("private:123", "group:-100456").
	AdminContacts []string `json:"admin_contacts" validate:"dive,contact"`
	// PollTimeout is the long-poll timeout used by the bot client.
	PollTimeout string `json:"poll_timeout" validate:"omitempty,duration"`
	// ProbeInterval is how often connectivity is re-checked.
	ProbeInterval string `json:"probe_interval" validate:"omitempty,duration"`
}

type LoggingConfig struct {
	Level   string       `json:"level" validate:"loglevel"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path" validate:"required_if=Enabled true"`
	MaxSizeMB  int    `json:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `json:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `json:"max_age_days" validate:"gte=0"`
}

// LoggingAlert forwards high-severity log lines to the admin contacts.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" validate:"loglevel"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

type UpstreamConfig struct {
	BaseURL     string `json:"base_url" validate:"required,url"`
	DynamicPath string `json:"dynamic_path"`
	LivePath    string `json:"live_path"`
	Timeout     string `json:"timeout" validate:"omitempty,duration"`
	// Retries is the number of extra attempts for one request inside a cycle.
	Retries   int    `json:"retries" validate:"gte=0,lte=10"`
	Cookie    string `json:"cookie,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type CheckConfig struct {
	// Intervals in seconds.
	DynamicInterval   int `json:"dynamic_interval" validate:"gte=0"`
	LiveInterval      int `json:"live_interval" validate:"gte=0"`
	LiveCloseInterval int `json:"live_close_interval" validate:"gte=0"`

	// CycleTimeout bounds one poll cycle.
	CycleTimeout string `json:"cycle_timeout" validate:"omitempty,duration"`

	LowSpeed LowSpeedConfig `json:"low_speed"`

	LiveCloseNotify bool   `json:"live_close_notify"`
	LiveUserExpiry  string `json:"live_user_expiry" validate:"omitempty,duration"`

	// BannedSubtypes are dropped by the dynamic checker for every creator.
	BannedSubtypes []string `json:"banned_subtypes"`

	HistoryFile     string `json:"history_file"`
	HistoryCapacity int    `json:"history_capacity" validate:"gte=0"`
	GraceWindow     string `json:"grace_window" validate:"omitempty,duration"`
	// ReportInterval is how often a checker logs its cycle count.
	ReportInterval string `json:"report_interval" validate:"omitempty,duration"`
}

// LowSpeedConfig uses the "a-b" range notation: Window "22-8" (hours),
// LowRange "60-240" and NormalRange "30-120" (seconds). Equal window bounds
// disable the policy.
type LowSpeedConfig struct {
	Enabled     bool   `json:"enabled"`
	Window      string `json:"window" validate:"omitempty,hourwindow"`
	LowRange    string `json:"low_range" validate:"omitempty,secrange"`
	NormalRange string `json:"normal_range" validate:"omitempty,secrange"`
}

// QueueConfig sets the bounded queue capacities.
type QueueConfig struct {
	Dynamic int `json:"dynamic" validate:"gte=0,lte=1000"`
	Live    int `json:"live" validate:"gte=0,lte=1000"`
	Message int `json:"message" validate:"gte=0,lte=1000"`
	Miss    int `json:"miss" validate:"gte=0,lte=1000"`
	// DrainTimeout bounds the best-effort drain on shutdown.
	DrainTimeout string `json:"drain_timeout" validate:"omitempty,duration"`
}

type RenderConfig struct {
	Workers      int    `json:"workers" validate:"gte=0,lte=32"`
	CacheDir     string `json:"cache_dir"`
	QRCode       bool   `json:"qr_code"`
	DefaultColor string `json:"default_color,omitempty"`
	// Timeout bounds rendering of one event.
	Timeout string `json:"timeout" validate:"omitempty,duration"`
}

type SenderConfig struct {
	RatePerSec  float64 `json:"rate_per_sec" validate:"gte=0"`
	Burst       int     `json:"burst" validate:"gte=0"`
	SendTimeout string  `json:"send_timeout" validate:"omitempty,duration"`
	// MissEnabled puts failed recipients on the miss queue.
	MissEnabled bool `json:"miss_enabled"`
	// MissWait bounds the wait for space on a full miss queue.
	MissWait string `json:"miss_wait" validate:"omitempty,duration"`
	// RetryInterval is the miss retrier interval in seconds.
	RetryInterval int `json:"retry_interval" validate:"gte=0"`
}

type GuardianConfig struct {
	Spec               string  `json:"spec"`
	WarnRatio          float64 `json:"warn_ratio" validate:"gte=0,lte=1"`
	CriticalRatio      float64 `json:"critical_ratio" validate:"gte=0,lte=1"`
	DisconnectCritical string  `json:"disconnect_critical" validate:"omitempty,duration"`
	ReportEvery        string  `json:"report_every" validate:"omitempty,duration"`
	// ReportFile receives the guardian reports (rotated). Empty logs only.
	ReportFile string `json:"report_file,omitempty"`
	Systemd    bool   `json:"systemd"`
	// HeapLimitMB is the heap budget used when GOMEMLIMIT is unset. Zero
	// measures system memory instead.
	HeapLimitMB int `json:"heap_limit_mb" validate:"gte=0"`
}

type CacheConfig struct {
	Spec   string `json:"spec"`
	MaxAge string `json:"max_age" validate:"omitempty,duration"`
	// AlertAfter consecutive failed clears alert the admins.
	AlertAfter int `json:"alert_after" validate:"gte=0"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/dynbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"`
	Retention   string `json:"retention,omitempty" validate:"omitempty,duration"`
}

// DataConfig points at the subscription data file.
type DataConfig struct {
	Path string `json:"path"`
}

// ApplyDefaults fills zero values. It is applied after decoding and before
// validation.
func (c *Config) ApplyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Alert.MinLevel == "" {
		c.Logging.Alert.MinLevel = "error"
	}
	if c.Telegram.PollTimeout == "" {
		c.Telegram.PollTimeout = "10s"
	}
	if c.Telegram.ProbeInterval == "" {
		c.Telegram.ProbeInterval = "30s"
	}
	if c.Upstream.DynamicPath == "" {
		c.Upstream.DynamicPath = "/dynamics/latest"
	}
	if c.Upstream.LivePath == "" {
		c.Upstream.LivePath = "/live/rooms"
	}
	if c.Upstream.Timeout == "" {
		c.Upstream.Timeout = "15s"
	}

	ch := &c.Check
	if ch.DynamicInterval == 0 {
		ch.DynamicInterval = 30
	}
	if ch.LiveInterval == 0 {
		ch.LiveInterval = 30
	}
	if ch.LiveCloseInterval == 0 {
		ch.LiveCloseInterval = 60
	}
	if ch.CycleTimeout == "" {
		ch.CycleTimeout = "180s"
	}
	if ch.LowSpeed.Window == "" {
		ch.LowSpeed.Window = "0-0"
	}
	if ch.LowSpeed.LowRange == "" {
		ch.LowSpeed.LowRange = "60-240"
	}
	if ch.LowSpeed.NormalRange == "" {
		ch.LowSpeed.NormalRange = "30-120"
	}
	if ch.LiveUserExpiry == "" {
		ch.LiveUserExpiry = "24h"
	}
	if ch.BannedSubtypes == nil {
		ch.BannedSubtypes = []string{"live_start", "live_recommend"}
	}
	if ch.HistoryFile == "" {
		ch.HistoryFile = "data/dynamic_history.txt"
	}
	if ch.HistoryCapacity == 0 {
		ch.HistoryCapacity = 200
	}
	if ch.GraceWindow == "" {
		ch.GraceWindow = "600s"
	}
	if ch.ReportInterval == "" {
		ch.ReportInterval = "10m"
	}

	q := &c.Queues
	if q.Dynamic == 0 {
		q.Dynamic = 20
	}
	if q.Live == 0 {
		q.Live = 20
	}
	if q.Message == 0 {
		q.Message = 20
	}
	if q.Miss == 0 {
		q.Miss = 10
	}
	if q.DrainTimeout == "" {
		q.DrainTimeout = "10s"
	}

	if c.Render.Workers == 0 {
		c.Render.Workers = 2
	}
	if c.Render.CacheDir == "" {
		c.Render.CacheDir = "data/cache/render"
	}
	if c.Render.Timeout == "" {
		c.Render.Timeout = "60s"
	}

	if c.Sender.RatePerSec == 0 {
		c.Sender.RatePerSec = 1
	}
	if c.Sender.Burst == 0 {
		c.Sender.Burst = 3
	}
	if c.Sender.SendTimeout == "" {
		c.Sender.SendTimeout = "30s"
	}
	if c.Sender.MissWait == "" {
		c.Sender.MissWait = "5s"
	}
	if c.Sender.RetryInterval == 0 {
		c.Sender.RetryInterval = 60
	}

	g := &c.Guardian
	if g.Spec == "" {
		g.Spec = "@every 30s"
	}
	if g.WarnRatio == 0 {
		g.WarnRatio = 0.70
	}
	if g.CriticalRatio == 0 {
		g.CriticalRatio = 0.85
	}
	if g.DisconnectCritical == "" {
		g.DisconnectCritical = "120s"
	}
	if g.ReportEvery == "" {
		g.ReportEvery = "10m"
	}

	if c.Cache.Spec == "" {
		c.Cache.Spec = "@daily"
	}
	if c.Cache.MaxAge == "" {
		c.Cache.MaxAge = "72h"
	}
	if c.Cache.AlertAfter == 0 {
		c.Cache.AlertAfter = 3
	}

	if c.Data.Path == "" {
		c.Data.Path = "data/data.yml"
	}
}
