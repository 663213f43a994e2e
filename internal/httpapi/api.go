// Package httpapi exposes the post queue over JSON/HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postpilot/internal/content"
	"postpilot/internal/dispatch"
	"postpilot/internal/post"
	"postpilot/internal/queue"
	logx "postpilot/pkg/logx"
)

// Dispatcher is the optional dispatcher surface.
type Dispatcher interface {
	RunOnce(ctx context.Context) (dispatch.Report, error)
	Snapshot() dispatch.Snapshot
}

type API struct {
	q     *queue.Queue
	disp  Dispatcher
	log   logx.Logger
	token string
	slow  time.Duration
}

type Options struct {
	Token     string        // bearer token for /v1; empty disables auth
	SlowQuery time.Duration // requests at least this slow log at warn
	Pprof     bool          // mount /debug/pprof
}

func New(q *queue.Queue, disp Dispatcher, log logx.Logger) *API {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &API{q: q, disp: disp, log: log}
}

// Handler builds the router.
func (a *API) Handler(opt Options) http.Handler {
	a.token = strings.TrimSpace(opt.Token)
	a.slow = opt.SlowQuery

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if opt.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.auth)
		r.Route("/posts", func(r chi.Router) {
			r.Post("/", a.schedulePost)
			r.Get("/", a.listPosts)
			r.Get("/{id}", a.getPost)
			r.Post("/{id}/cancel", a.cancelPost)
			r.Post("/{id}/retry", a.retryPost)
		})
		r.Get("/platforms", a.listPlatforms)
		r.Get("/platforms/{id}/ratelimit", a.rateLimit)
		r.Get("/dispatcher", a.dispatcherStatus)
		r.Post("/dispatcher/run", a.dispatcherRun)
	})
	return r
}

// ---- request/response shapes ----

type scheduleBody struct {
	Platform    string     `json:"platform" validate:"required,max=64"`
	Text        string     `json:"text" validate:"max=65536"`
	MediaRefs   []string   `json:"media_refs" validate:"max=32,dive,required,max=2048"`
	ContentType string     `json:"content_type" validate:"omitempty,max=64"`
	SourceType  string     `json:"source_type" validate:"omitempty,max=64"`
	SourceID    string     `json:"source_id" validate:"omitempty,max=256"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	Override    bool       `json:"override"`
}

type platformView struct {
	ID             string   `json:"id"`
	MaxTextLength  int      `json:"max_text_length"`
	SupportsMedia  bool     `json:"supports_media"`
	RequiresMedia  bool     `json:"requires_media"`
	MinInterval    string   `json:"min_interval"`
	PreferredTimes []string `json:"preferred_times"`
	HourlyLimit    int      `json:"hourly_limit"`
	DailyLimit     int      `json:"daily_limit"`
}

type rateLimitView struct {
	Platform          string    `json:"platform"`
	Allowed           bool      `json:"allowed"`
	RetryAfterSeconds float64   `json:"retry_after_seconds,omitempty"`
	HourlyCount       int       `json:"hourly_count"`
	DailyCount        int       `json:"daily_count"`
	HourWindowStart   time.Time `json:"hour_window_start"`
	DayWindowStart    time.Time `json:"day_window_start"`
}

// ---- handlers ----

func (a *API) schedulePost(w http.ResponseWriter, r *http.Request) {
	body, err := decodeJSON[scheduleBody](r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	req := queue.ScheduleRequest{
		Platform:    body.Platform,
		Content:     content.Content{Text: body.Text, MediaRefs: body.MediaRefs},
		ContentType: body.ContentType,
		SourceType:  body.SourceType,
		SourceID:    body.SourceID,
		Override:    body.Override,
	}
	if body.ScheduledAt != nil {
		req.ScheduledAt = *body.ScheduledAt
	}
	p, err := a.q.SchedulePost(r.Context(), req)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, p)
}

func (a *API) listPosts(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	f := queue.Filter{
		Platform:    qs.Get("platform"),
		Status:      post.Status(strings.ToLower(strings.TrimSpace(qs.Get("status")))),
		ContentType: qs.Get("content_type"),
	}
	var bad []string
	if v := qs.Get("due_before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			bad = append(bad, "due_before must be an RFC3339 timestamp")
		}
		f.DueBefore = t
	}
	for _, p := range []struct {
		name string
		dst  *int
	}{{"limit", &f.Limit}, {"offset", &f.Offset}} {
		v := qs.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			bad = append(bad, p.name+" must be a non-negative integer")
			continue
		}
		*p.dst = n
	}
	if len(bad) > 0 {
		a.respondError(w, r, &bindError{Errors: bad})
		return
	}

	posts, err := a.q.ListQueue(r.Context(), f)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if posts == nil {
		posts = []post.Post{}
	}
	respond(w, r, http.StatusOK, posts)
}

func (a *API) getPost(w http.ResponseWriter, r *http.Request) {
	p, err := a.q.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, p)
}

func (a *API) cancelPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.q.CancelPost(r.Context(), id); err != nil {
		a.respondError(w, r, err)
		return
	}
	p, err := a.q.Get(r.Context(), id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, p)
}

func (a *API) retryPost(w http.ResponseWriter, r *http.Request) {
	p, err := a.q.RetryPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, p)
}

func (a *API) listPlatforms(w http.ResponseWriter, r *http.Request) {
	profs := a.q.Platforms()
	out := make([]platformView, 0, len(profs))
	for _, p := range profs {
		times := make([]string, 0, len(p.PreferredTimes))
		for _, t := range p.PreferredTimes {
			times = append(times, t.String())
		}
		out = append(out, platformView{
			ID:             p.ID,
			MaxTextLength:  p.MaxTextLength,
			SupportsMedia:  p.SupportsMedia,
			RequiresMedia:  p.RequiresMedia,
			MinInterval:    p.MinInterval.String(),
			PreferredTimes: times,
			HourlyLimit:    p.HourlyLimit,
			DailyLimit:     p.DailyLimit,
		})
	}
	respond(w, r, http.StatusOK, out)
}

func (a *API) rateLimit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, win, err := a.q.RateLimitStatus(id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, rateLimitView{
		Platform:          strings.ToLower(strings.TrimSpace(id)),
		Allowed:           d.Allowed,
		RetryAfterSeconds: d.RetryAfter.Seconds(),
		HourlyCount:       win.HourlyCount,
		DailyCount:        win.DailyCount,
		HourWindowStart:   win.HourWindowStart,
		DayWindowStart:    win.DayWindowStart,
	})
}

func (a *API) dispatcherStatus(w http.ResponseWriter, r *http.Request) {
	if a.disp == nil {
		respond(w, r, http.StatusOK, dispatch.Snapshot{})
		return
	}
	respond(w, r, http.StatusOK, a.disp.Snapshot())
}

func (a *API) dispatcherRun(w http.ResponseWriter, r *http.Request) {
	if a.disp == nil {
		writeJSON(w, http.StatusServiceUnavailable, envelope{
			Status: http.StatusServiceUnavailable, Code: "unavailable", Error: "dispatcher not configured",
			RequestID: middleware.GetReqID(r.Context()),
		})
		return
	}
	rep, err := a.disp.RunOnce(r.Context())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, rep)
}

// ---- middleware ----

func (a *API) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if strings.HasPrefix(ah, p) && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(ah[len(p):])), []byte(a.token)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSON(w, http.StatusUnauthorized, envelope{Status: http.StatusUnauthorized, Code: "unauthorized", Error: "unauthorized"})
	})
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		fields := []logx.Field{
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("elapsed", elapsed),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		}
		if a.slow > 0 && elapsed >= a.slow {
			a.log.Warn("slow request", fields...)
			return
		}
		a.log.Debug("request done", fields...)
	})
}
