package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/dispatch"
	"postpilot/internal/httpapi"
	"postpilot/internal/platform"
	"postpilot/internal/slot"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// settings is a fully parsed and validated config. Building one is the
// validation step for both startup and hot reload.
type settings struct {
	log        logx.Config
	storage    storage.Config
	registry   *platform.Registry
	maxRetries int
	horizon    int
	loc        *time.Location
	tz         string
	dispatch   dispatch.Config
	http       httpapi.ServerConfig
}

func mapSettings(cfg *config.Config) (settings, error) {
	if cfg == nil {
		return settings{}, errors.New("config is nil")
	}
	var (
		s    settings
		errs []error
		d    config.Durations
	)

	s.log = mapLoggingConfig(cfg)

	sc, err := mapStorageConfig(cfg, &d)
	if err != nil {
		errs = append(errs, err)
	}
	s.storage = sc

	reg, err := mapRegistry(cfg, &d)
	if err != nil {
		errs = append(errs, err)
	}
	s.registry = reg

	if cfg.Queue.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("queue.max_retries must be >= 0"))
	}
	if cfg.Queue.HorizonDays < 0 {
		errs = append(errs, fmt.Errorf("queue.horizon_days must be >= 0"))
	}
	s.maxRetries = cfg.Queue.MaxRetries
	s.horizon = cfg.Queue.HorizonDays
	if s.horizon == 0 {
		s.horizon = slot.DefaultHorizonDays
	}
	s.tz = strings.TrimSpace(cfg.Queue.Timezone)
	s.loc = time.Local
	if s.tz != "" {
		loc, err := time.LoadLocation(s.tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("queue.timezone: invalid %q: %w", s.tz, err))
		} else {
			s.loc = loc
		}
	}

	dc, err := mapDispatchConfig(cfg, s.tz, &d)
	if err != nil {
		errs = append(errs, err)
	}
	s.dispatch = dc
	s.http = mapHTTPConfig(cfg, &d)

	errs = append(errs, d.Err())
	return s, errors.Join(errs...)
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config, d *config.Durations) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			path = "./data/postpilot"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy := d.Get("storage.busy_timeout", sc.BusyTimeout, time.Second)
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapRegistry builds the platform registry; an empty list means the
// built-in defaults.
func mapRegistry(cfg *config.Config, d *config.Durations) (*platform.Registry, error) {
	if len(cfg.Platforms) == 0 {
		return platform.NewRegistry(platform.Defaults()...)
	}
	profiles := make([]platform.Profile, 0, len(cfg.Platforms))
	var errs []error
	for i, pc := range cfg.Platforms {
		key := fmt.Sprintf("platforms[%d]", i)
		p := platform.Profile{
			ID:            pc.ID,
			MaxTextLength: pc.MaxTextLength,
			SupportsMedia: pc.SupportsMedia,
			RequiresMedia: pc.RequiresMedia,
			MinInterval:   d.Required(key+".min_interval", pc.MinInterval),
			HourlyLimit:   pc.HourlyLimit,
			DailyLimit:    pc.DailyLimit,
		}
		for _, raw := range pc.PreferredTimes {
			t, err := platform.ParseTimeOfDay(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s.preferred_times: %w", key, err))
				continue
			}
			p.PreferredTimes = append(p.PreferredTimes, t)
		}
		profiles = append(profiles, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := d.Err(); err != nil {
		// Bad intervals surface once, through d.Err in mapSettings.
		return nil, nil
	}
	return platform.NewRegistry(profiles...)
}

func mapDispatchConfig(cfg *config.Config, tz string, d *config.Durations) (dispatch.Config, error) {
	dc := cfg.Dispatcher
	switch {
	case dc.Workers < 0:
		return dispatch.Config{}, fmt.Errorf("dispatcher.workers must be >= 0")
	case dc.QueueSize < 0:
		return dispatch.Config{}, fmt.Errorf("dispatcher.queue_size must be >= 0")
	case dc.BatchSize < 0:
		return dispatch.Config{}, fmt.Errorf("dispatcher.batch_size must be >= 0")
	case dc.PublishRate < 0:
		return dispatch.Config{}, fmt.Errorf("dispatcher.publish_rate must be >= 0")
	}
	if s := strings.TrimSpace(dc.Schedule); s != "" {
		spec, err := dispatch.ParseSchedule(s)
		if err == nil {
			// cron expressions are only compiled here
			_, err = spec.Schedule(time.Now(), "validate")
		}
		if err != nil {
			return dispatch.Config{}, fmt.Errorf("dispatcher.schedule: %w", err)
		}
	}
	return dispatch.Config{
		Enabled:             dc.Enabled,
		Schedule:            strings.TrimSpace(dc.Schedule),
		Timezone:            tz,
		Workers:             dc.Workers,
		QueueSize:           dc.QueueSize,
		BatchSize:           dc.BatchSize,
		DispatchTimeout:     d.Get("dispatcher.dispatch_timeout", dc.DispatchTimeout, 0),
		StaleAfter:          d.Get("dispatcher.stale_after", dc.StaleAfter, 0),
		PublishRate:         dc.PublishRate,
		CircuitTripFailures: dc.CircuitTripFailures,
		CircuitBaseDelay:    d.Get("dispatcher.circuit_cooldown", dc.CircuitCooldown, 0),
		CircuitMaxDelay:     d.Get("dispatcher.circuit_max_cooldown", dc.CircuitMaxCooldown, 0),
		CircuitResetAfter:   d.Get("dispatcher.circuit_reset_after", dc.CircuitResetAfter, 0),
		AutoRetry:           dc.AutoRetry,
	}, nil
}

func mapHTTPConfig(cfg *config.Config, d *config.Durations) httpapi.ServerConfig {
	hc := cfg.HTTP
	return httpapi.ServerConfig{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		ReadTimeout:   d.Get("http.read_timeout", hc.ReadTimeout, 15*time.Second),
		// pprof profiles stream for 30s, so the write timeout stays off with it.
		WriteTimeout: d.Get("http.write_timeout", hc.WriteTimeout, 0),
		IdleTimeout:  d.Get("http.idle_timeout", hc.IdleTimeout, 60*time.Second),
		SlowRequest:  d.Get("http.slow_request", hc.SlowRequest, time.Second),
	}
}
