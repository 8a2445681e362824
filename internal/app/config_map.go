package app

import (
	"fmt"
	"strings"
	"time"

	"dynbot/internal/checker"
	"dynbot/internal/config"
	"dynbot/internal/event"
	"dynbot/internal/guardian"
	"dynbot/internal/render"
	"dynbot/internal/sender"
	"dynbot/internal/storage"
	"dynbot/internal/upstream"
	logx "dynbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	retention, err := config.ParseDurationField("storage.retention", sc.Retention)
	if err != nil {
		return storage.Config{}, false, err
	}

	switch driver {
	case "file":
		if path == "" {
			path = "data/dynbot"
		}
		return storage.Config{Driver: "file", Path: path, Retention: retention}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return storage.Config{}, false, err
		}
		if busy == 0 {
			busy = time.Second
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, Retention: retention}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
		},
		Alert: logx.AlertConfig{
			Enabled:    l.Alert.Enabled,
			MinLevel:   l.Alert.MinLevel,
			RatePerSec: l.Alert.RatePerSec,
		},
	}
}

// mapContacts skips invalid entries; validation already rejected them for
// files loaded through the manager.
func mapContacts(raw []string, log logx.Logger) []event.Contact {
	out := make([]event.Contact, 0, len(raw))
	for _, s := range raw {
		c, err := event.ParseContact(s)
		if err != nil {
			log.Warn("invalid admin contact", logx.String("contact", s), logx.Err(err))
			continue
		}
		out = append(out, c)
	}
	return out
}

func mapUpstream(cfg *config.Config) upstream.Options {
	u := cfg.Upstream
	return upstream.Options{
		BaseURL:     u.BaseURL,
		DynamicPath: u.DynamicPath,
		LivePath:    u.LivePath,
		Timeout:     config.Dur(u.Timeout, 15*time.Second),
		Retries:     u.Retries,
		Cookie:      u.Cookie,
		UserAgent:   u.UserAgent,
	}
}

func mapDynamic(cfg *config.Config) checker.DynamicOptions {
	c := cfg.Check
	return checker.DynamicOptions{
		HistoryFile:     c.HistoryFile,
		HistoryCapacity: c.HistoryCapacity,
		Grace:           config.Dur(c.GraceWindow, checker.DefaultGraceWindow),
		Banned:          c.BannedSubtypes,
	}
}

func mapRender(cfg *config.Config) render.Options {
	r := cfg.Render
	return render.Options{
		Workers:  r.Workers,
		CacheDir: r.CacheDir,
		Timeout:  config.Dur(r.Timeout, 60*time.Second),
		Cards:    render.Cards{QR: r.QRCode, DefaultColor: r.DefaultColor},
	}
}

func mapSender(cfg *config.Config) sender.Options {
	s := cfg.Sender
	return sender.Options{
		RatePerSec:  s.RatePerSec,
		Burst:       s.Burst,
		SendTimeout: config.Dur(s.SendTimeout, 30*time.Second),
		MissEnabled: s.MissEnabled,
		MissWait:    config.Dur(s.MissWait, 5*time.Second),
	}
}

func mapGuardian(cfg *config.Config) guardian.Options {
	g := cfg.Guardian
	return guardian.Options{
		Spec:               g.Spec,
		WarnRatio:          g.WarnRatio,
		CriticalRatio:      g.CriticalRatio,
		DisconnectCritical: config.Dur(g.DisconnectCritical, 120*time.Second),
		ReportEvery:        config.Dur(g.ReportEvery, 10*time.Minute),
		ReportFile:         g.ReportFile,
		Systemd:            g.Systemd,
		HeapLimit:          uint64(g.HeapLimitMB) << 20,
	}
}

func mapCache(cfg *config.Config) guardian.CacheOptions {
	return guardian.CacheOptions{
		Dir:        cfg.Render.CacheDir,
		Spec:       cfg.Cache.Spec,
		MaxAge:     config.Dur(cfg.Cache.MaxAge, 72*time.Hour),
		AlertAfter: cfg.Cache.AlertAfter,
	}
}

// checkReload rejects configs the running app could not apply.
func checkReload(cfg *config.Config) error {
	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if _, err := cfg.Check.LowSpeed.Policy(); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}
