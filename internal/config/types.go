package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("5s", "1m") so the file stays hand-editable.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Relay    RelayConfig    `json:"relay"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Ops      OpsConfig      `json:"ops"`
}

// TelegramConfig selects and configures the transport.
//
// Session and BotToken are secrets: never log them.
type TelegramConfig struct {
	Transport  string `json:"transport"` // "mtproto" (default) or "botapi"
	APIID      int    `json:"api_id"`
	APIHash    string `json:"api_hash"`
	Session    string `json:"session"`
	BotToken   string `json:"bot_token,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// RelayConfig describes the source, its polling cadence and the destinations.
//
// Destinations maps a chat (e.g. "@channel") to its send interval in minutes.
type RelayConfig struct {
	Source       string         `json:"source"`
	PollInterval string         `json:"poll_interval"`
	FetchTimeout string         `json:"fetch_timeout"`
	SendTimeout  string         `json:"send_timeout"`
	Overlap      string         `json:"overlap,omitempty"` // "allow" (default) or "skip"
	Destinations map[string]int `json:"destinations"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log lines at or above MinLevel into Chat through
// the live transport connection.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Chat       string `json:"chat"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the delivery journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./relaybot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"` // "none", "file" or "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// OpsConfig controls the operations HTTP server (health, status, metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (the default).
//   - A non-loopback address requires a token or an explicit allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

const (
	TransportMTProto = "mtproto"
	TransportBotAPI  = "botapi"

	DefaultSource  = "@ArzMarketAuth_Bot"
	DefaultOpsAddr = "127.0.0.1:9090"
)

// DefaultDestinations is the compiled-in destination table.
func DefaultDestinations() map[string]int {
	return map[string]int{
		"@arz_vice":            5,
		"@crarizonarp":         5,
		"@arizona_market_vice": 15,
		"@arzmarket_vice":      60,
		"@VCDarkside":          30,
	}
}

// Default returns the configuration written when no config file exists.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Transport:  TransportMTProto,
			MaxRetries: 5,
		},
		Relay: RelayConfig{
			Source:       DefaultSource,
			PollInterval: "5s",
			FetchTimeout: "30s",
			SendTimeout:  "30s",
			Overlap:      "allow",
			Destinations: DefaultDestinations(),
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    LoggingFile{Path: "./relaybot.log"},
			Telegram: LoggingTelegram{
				MinLevel:   "warn",
				RatePerSec: 1,
			},
		},
		Storage: StorageConfig{Driver: "none"},
		Ops:     OpsConfig{Addr: DefaultOpsAddr},
	}
}
