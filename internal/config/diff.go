package config

import (
	"reflect"
	"sort"
	"strings"

	logx "relaybot/pkg/logx"
)

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never secrets), and (3) whether any
// changed section only takes effect after a restart. Logging is the only
// section applied live.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)
	restart := false

	// Telegram (never log session or tokens)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Transport != nt.Transport || ot.APIID != nt.APIID || ot.MaxRetries != nt.MaxRetries ||
		ot.APIHash != nt.APIHash || ot.BotToken != nt.BotToken || ot.Session != nt.Session {
		changed = append(changed, "telegram")
		restart = true
		attrs = append(attrs,
			logx.String("telegram.transport", nt.Transport),
			logx.Bool("telegram.session_set", strings.TrimSpace(nt.Session) != ""),
			logx.Bool("telegram.bot_token_set", strings.TrimSpace(nt.BotToken) != ""),
		)
	}

	// Relay
	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		restart = true
		attrs = append(attrs,
			logx.String("relay.source", newCfg.Relay.Source),
			logx.String("relay.poll_interval", newCfg.Relay.PollInterval),
			logx.Int("relay.destinations", len(newCfg.Relay.Destinations)),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Storage
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = true
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	// Ops (never log token)
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		restart = true
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs, restart
}
