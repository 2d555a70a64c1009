package config

import (
	"reflect"
	"sort"
	"strings"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/market"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

// Section names reported by SummarizeChange.
const (
	SectionLogging   = "logging"
	SectionTelegram  = "telegram"
	SectionNotifier  = "notifier"
	SectionStorage   = "storage"
	SectionMarket    = "market"
	SectionScheduler = "scheduler"
	SectionAdmin     = "admin"
	SectionServices  = "services"
	SectionSystemd   = "systemd"
	SectionTasks     = "tasks"
)

// HotSections are applied without a restart.
var HotSections = map[string]bool{
	SectionLogging:  true,
	SectionNotifier: true,
	SectionMarket:   true,
}

// SummarizeChange lists the changed sections (sorted) and log fields that
// describe them. Secrets such as tokens are reported only as "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark(SectionLogging,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.APIURL != nt.APIURL || ot.Timeout != nt.Timeout || ot.LogChatID != nt.LogChatID {
		mark(SectionTelegram,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Bool("telegram.log_chat_set", nt.LogChatID != 0),
		)
	}

	on, nn := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(on, nn) {
		mark(SectionNotifier,
			logx.Bool("notifier.enabled", nn.Enabled),
			logx.Int("notifier.min_priority", nn.MinPriority),
			logx.Int("notifier.rate_per_sec", nn.RatePerSec),
			logx.Bool("notifier.persist_dedup", nn.PersistDedup),
		)
	}

	ost, nst := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if ost != nst {
		mark(SectionStorage,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
		)
	}

	om, nm := derefMarket(oldCfg.Market), derefMarket(newCfg.Market)
	if !reflect.DeepEqual(om, nm) {
		mark(SectionMarket,
			logx.String("market.timezone", nm.Timezone),
			logx.String("market.open", nm.MarketOpen),
			logx.String("market.close", nm.MarketClose),
			logx.Int("market.holidays", len(nm.Holidays)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		mark(SectionScheduler,
			logx.Int("scheduler.max_concurrent", newCfg.Scheduler.MaxConcurrent),
			logx.String("scheduler.cleanup_schedule", newCfg.Scheduler.CleanupSchedule),
		)
	}

	oa, na := oldCfg.Admin, newCfg.Admin
	if oa != na {
		mark(SectionAdmin,
			logx.Bool("admin.enabled", na.Enabled),
			logx.String("admin.addr", na.Addr),
			logx.Bool("admin.token_set", strings.TrimSpace(na.Token) != ""),
		)
	}

	if !reflect.DeepEqual(normServices(oldCfg.Services), normServices(newCfg.Services)) {
		mark(SectionServices, logx.Strings("services", serviceNames(newCfg.Services)))
	}

	if !reflect.DeepEqual(oldCfg.Systemd, newCfg.Systemd) {
		mark(SectionSystemd,
			logx.Bool("systemd.enabled", newCfg.Systemd.Enabled),
			logx.Strings("systemd.units", newCfg.Systemd.Units),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tasks, newCfg.Tasks) {
		mark(SectionTasks, logx.Int("tasks.count", len(newCfg.Tasks)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections that cannot be applied live.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !HotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefMarket(m *market.Config) market.Config {
	if m == nil {
		return market.DefaultConfig()
	}
	return *m
}

func normServices(m map[string]ServiceConfig) map[string]ServiceConfig {
	if len(m) == 0 {
		return nil
	}
	return m
}

func serviceNames(m map[string]ServiceConfig) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
