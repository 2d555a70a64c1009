package app

import (
	"context"
	"strings"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/config"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

// reloadLoop applies hot sections from each published config. Other
// sections are logged as needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			if next == nil {
				continue
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed[config.SectionLogging] || changed[config.SectionTelegram] {
		if lc, err := mapLogConfig(next); err != nil {
			a.log.Warn("invalid logging config; keeping previous", logx.Err(err))
		} else {
			a.logs.SetTelegramTarget(next.Telegram.LogChatID, next.Logging.Telegram.ThreadID)
			a.logs.Apply(lc)
		}
	}

	if changed[config.SectionNotifier] {
		if nc, err := mapNotifierConfig(next); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			wasEnabled := a.notif.Enabled()
			a.notif.Apply(nc)
			switch {
			case wasEnabled && !nc.Enabled:
				a.log.Info("notifier disabled via config")
				a.notif.Stop(ctx)
			case !wasEnabled && nc.Enabled:
				a.log.Info("notifier enabled via config")
				a.notif.Start(ctx)
			}
		}
	}

	if changed[config.SectionMarket] {
		mc, err := mapMarketConfig(next)
		if err == nil {
			_, err = a.sched.SetMarketSchedule(ctx, mc)
		}
		if err != nil {
			a.log.Warn("market schedule not applied", logx.Err(err))
		}
	}

	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(pending, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
