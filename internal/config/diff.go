package config

import (
	"reflect"
	"strings"

	logx "dynbot/pkg/logx"
)

// Sections that the running app applies on reload. Everything else needs a
// restart: queue capacities, storage, the data file, the bot token and the
// upstream endpoint are bound at startup.
var liveSections = map[string]bool{
	"logging":  true,
	"check":    true,
	"sender":   true,
	"guardian": true,
	"cache":    true,
	"render":   true,
}

// SummarizeConfigChange returns (1) the changed sections, (2) safe
// structured attrs for logging (never tokens or cookies) and (3) the changed
// sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed, restart []string
	attrs := make([]logx.Field, 0, 16)
	mark := func(section string) {
		changed = append(changed, section)
		if !liveSections[section] {
			restart = append(restart, section)
		}
	}

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		!reflect.DeepEqual(oldCfg.Telegram.AdminContacts, newCfg.Telegram.AdminContacts) ||
		oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
		oldCfg.Telegram.ProbeInterval != newCfg.Telegram.ProbeInterval {
		mark("telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Int("telegram.admin_count", len(newCfg.Telegram.AdminContacts)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert", newCfg.Logging.Alert.Enabled),
		)
	}

	if oldCfg.Upstream != newCfg.Upstream {
		mark("upstream")
		attrs = append(attrs,
			logx.String("upstream.base_url", strings.TrimSpace(newCfg.Upstream.BaseURL)),
			logx.Bool("upstream.cookie_changed", oldCfg.Upstream.Cookie != newCfg.Upstream.Cookie),
		)
	}

	if !reflect.DeepEqual(oldCfg.Check, newCfg.Check) {
		mark("check")
		attrs = append(attrs,
			logx.Int("check.dynamic_interval", newCfg.Check.DynamicInterval),
			logx.Int("check.live_interval", newCfg.Check.LiveInterval),
			logx.Bool("check.low_speed", newCfg.Check.LowSpeed.Enabled),
			logx.String("check.low_speed_window", newCfg.Check.LowSpeed.Window),
		)
	}

	if oldCfg.Queues != newCfg.Queues {
		mark("queues")
	}
	if oldCfg.Render != newCfg.Render {
		mark("render")
	}
	if oldCfg.Sender != newCfg.Sender {
		mark("sender")
		attrs = append(attrs, logx.Float64("sender.rate_per_sec", newCfg.Sender.RatePerSec))
	}
	if oldCfg.Guardian != newCfg.Guardian {
		mark("guardian")
	}
	if oldCfg.Cache != newCfg.Cache {
		mark("cache")
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage")
	}
	if oldCfg.Data != newCfg.Data {
		mark("data")
	}
	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		mark("timezone")
	}

	return changed, attrs, restart
}
