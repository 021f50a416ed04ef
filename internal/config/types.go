package config

// Config is the whole bot configuration, loaded from a JSON or YAML file.
//
// All duration fields are Go duration strings (e.g. "500ms", "10s", "1m");
// they are validated on load and parsed with the helpers in duration.go.
type Config struct {
	VK        VKConfig        `json:"vk" validate:"required"`
	Logging   LoggingConfig   `json:"logging"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Members   MembersConfig   `json:"members"`
	Lists     ListsConfig     `json:"lists"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

// VKConfig identifies the community and the credentials used against the
// VK API. AdminUserIDs gates the chat command surface.
type VKConfig struct {
	Token   string `json:"token" validate:"required"`
	GroupID int64  `json:"group_id" validate:"required,gt=0"`

	// APIVersion and Endpoint default to the client's built-ins; Endpoint
	// exists mostly so tests and mirrors can point elsewhere.
	APIVersion string `json:"api_version,omitempty"`
	Endpoint   string `json:"endpoint,omitempty"`

	AdminUserIDs []int64 `json:"admin_user_ids"`

	// RequestTimeout bounds one API HTTP round trip.
	RequestTimeout string `json:"request_timeout,omitempty"`

	// LongPollWait is the server-side hold of one long-poll cycle, seconds.
	LongPollWait int `json:"long_poll_wait,omitempty" validate:"gte=0,lte=90"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	VK      LoggingVK   `json:"vk"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingVK mirrors warnings and errors into a VK conversation, usually the
// admin chat. PeerID 0 leaves the sink dormant even when enabled.
type LoggingVK struct {
	Enabled    bool   `json:"enabled"`
	PeerID     int64  `json:"peer_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
}

// DispatchConfig fixes the outbound rate window. The queue is constructed
// once per process; these values do not hot-reload.
type DispatchConfig struct {
	Capacity int    `json:"capacity,omitempty" validate:"gte=0"` // default 30
	Interval string `json:"interval,omitempty"`                  // default "1s"
}

type BroadcastConfig struct {
	// TemplatePath points at the message template file. Placeholders
	// {first_name} {last_name} {id} are substituted per recipient.
	TemplatePath string `json:"template_path" validate:"required"`

	// CheckPermission runs groups.isMessagesFromGroupAllowed before each
	// live send; denied recipients are skipped instead of erroring.
	CheckPermission bool `json:"check_permission,omitempty"`

	// ProgressEvery controls the progress-report cadence (default 10).
	ProgressEvery int `json:"progress_every,omitempty" validate:"gte=0"`
}

type MembersConfig struct {
	// PageSize per groups.getMembers call (default and provider max: 1000).
	PageSize int `json:"page_size,omitempty" validate:"gte=0,lte=1000"`

	Sync MembersSync `json:"sync"`
}

// MembersSync schedules background re-enumeration so the member snapshot
// stays warm between broadcasts.
type MembersSync struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec or @descriptor, default "@daily"
	Timezone string `json:"timezone,omitempty"`
}

type ListsConfig struct {
	Dir string `json:"dir,omitempty"` // default "./lists"
}

// StorageConfig controls the member snapshot persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/members" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// OpsConfig controls the operational HTTP server (/metrics, /debug/pprof,
// /healthz).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9180").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9180"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts. WriteTimeout defaults to 0 (disabled) so
	// /debug/pprof/profile (30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
