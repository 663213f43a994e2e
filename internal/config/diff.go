package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postpilot/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes the API token),
// and (3) the ids of platforms that were added, removed or edited.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.json", newCfg.Logging.JSON),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.max_retries", newCfg.Queue.MaxRetries),
			logx.Int("queue.horizon_days", newCfg.Queue.HorizonDays),
			logx.String("queue.timezone", strings.TrimSpace(newCfg.Queue.Timezone)),
		)
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Bool("dispatcher.enabled", newCfg.Dispatcher.Enabled),
			logx.String("dispatcher.schedule", strings.TrimSpace(newCfg.Dispatcher.Schedule)),
			logx.Int("dispatcher.workers", newCfg.Dispatcher.Workers),
			logx.Bool("dispatcher.auto_retry", newCfg.Dispatcher.AutoRetry),
		)
	}

	// Token content never reaches the log; only whether it flipped.
	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oTok, nTok := strings.TrimSpace(oh.Token) != "", strings.TrimSpace(nh.Token) != ""
	oh.Token, nh.Token = "", ""
	if oh != nh || oTok != nTok || (oTok && oldCfg.HTTP.Token != newCfg.HTTP.Token) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", nTok),
			logx.Bool("http.pprof", nh.Pprof),
		)
	}

	platChanged := diffPlatforms(oldCfg.Platforms, newCfg.Platforms)
	if len(platChanged) > 0 {
		changed = append(changed, "platforms")
		attrs = append(attrs,
			logx.Int("platforms.changed_count", len(platChanged)),
			logx.Int("platforms.count", len(newCfg.Platforms)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, platChanged
}

func diffPlatforms(oldL, newL []PlatformConfig) []string {
	index := func(l []PlatformConfig) map[string]PlatformConfig {
		m := make(map[string]PlatformConfig, len(l))
		for _, p := range l {
			m[strings.ToLower(strings.TrimSpace(p.ID))] = p
		}
		return m
	}
	oldM, newM := index(oldL), index(newL)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		o, inOld := oldM[id]
		n, inNew := newM[id]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
