package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"postpilot/internal/dispatch"
	"postpilot/internal/platform"
	"postpilot/internal/queue"
	"postpilot/internal/ratelimit"
	"postpilot/internal/slot"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type response struct {
	Status  int             `json:"status"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Details []string        `json:"details"`
	Current string          `json:"current_status"`
	Data    json.RawMessage `json:"data"`
}

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	reg, err := platform.NewRegistry(
		platform.Profile{ID: "x", MaxTextLength: 10, SupportsMedia: true, MinInterval: time.Hour,
			PreferredTimes: platform.MustTimes("14:00", "18:00"), HourlyLimit: 2, DailyLimit: 10},
		platform.Profile{ID: "gram", MaxTextLength: 10, SupportsMedia: true, RequiresMedia: true, MinInterval: time.Hour,
			HourlyLimit: 5, DailyLimit: 10},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	now := func() time.Time { return t0 }
	q, err := queue.New(queue.Config{}, queue.Deps{
		Registry: reg,
		Limiter:  ratelimit.FromRegistry(reg, ratelimit.WithClock(now)),
		Slots:    slot.New(slot.WithClock(now), slot.WithLocation(time.UTC)),
		Store:    storage.NewMemory(),
		Now:      now,
	})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	return q
}

func newTestServer(t *testing.T, disp Dispatcher, opt Options) *httptest.Server {
	t.Helper()
	api := New(newQueue(t), disp, logx.Nop())
	srv := httptest.NewServer(api.Handler(opt))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (*http.Response, response) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out response
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp, out
}

type postView struct {
	ID          string    `json:"id"`
	Platform    string    `json:"platform"`
	Status      string    `json:"status"`
	ScheduledAt time.Time `json:"scheduled_at"`
	RetryCount  int       `json:"retry_count"`
}

func decodeData[T any](t *testing.T, r response) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(r.Data, &v); err != nil {
		t.Fatalf("decode data: %v (%s)", err, r.Data)
	}
	return v
}

func TestScheduleListGet(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, Options{})

	resp, out := do(t, srv, http.MethodPost, "/v1/posts", `{"platform":"X","text":"hi","content_type":"promo"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d (%+v)", resp.StatusCode, out)
	}
	p := decodeData[postView](t, out)
	if p.Status != "scheduled" || p.Platform != "x" || !p.ScheduledAt.Equal(time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)) {
		t.Fatalf("post = %+v", p)
	}

	resp, out = do(t, srv, http.MethodGet, "/v1/posts?status=scheduled&platform=x", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	list := decodeData[[]postView](t, out)
	if len(list) != 1 || list[0].ID != p.ID {
		t.Fatalf("list = %+v", list)
	}

	resp, out = do(t, srv, http.MethodGet, "/v1/posts/"+p.ID, "")
	if resp.StatusCode != http.StatusOK || decodeData[postView](t, out).ID != p.ID {
		t.Fatalf("get status = %d", resp.StatusCode)
	}

	resp, _ = do(t, srv, http.MethodGet, "/v1/posts?status=cancelled", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("empty list status = %d", resp.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, Options{})

	cases := []struct {
		name    string
		method  string
		path    string
		body    string
		status  int
		code    string
		details int
	}{
		{"validation accumulates", http.MethodPost, "/v1/posts", `{"platform":"gram","text":"` + strings.Repeat("a", 11) + `"}`, http.StatusUnprocessableEntity, "validation", 2},
		{"unknown field", http.MethodPost, "/v1/posts", `{"platform":"x","bogus":1}`, http.StatusBadRequest, "bad_request", 1},
		{"missing platform", http.MethodPost, "/v1/posts", `{"text":"hi"}`, http.StatusBadRequest, "bad_request", 1},
		{"empty body", http.MethodPost, "/v1/posts", ``, http.StatusBadRequest, "bad_request", 1},
		{"unknown platform", http.MethodPost, "/v1/posts", `{"platform":"myspace"}`, http.StatusBadRequest, "invalid_platform", 0},
		{"override without time", http.MethodPost, "/v1/posts", `{"platform":"x","override":true}`, http.StatusUnprocessableEntity, "validation", 1},
		{"missing post", http.MethodGet, "/v1/posts/nope", ``, http.StatusNotFound, "not_found", 0},
		{"cancel missing", http.MethodPost, "/v1/posts/nope/cancel", ``, http.StatusNotFound, "not_found", 0},
		{"bad status filter", http.MethodGet, "/v1/posts?status=weird", ``, http.StatusUnprocessableEntity, "validation", 1},
		{"bad limit", http.MethodGet, "/v1/posts?limit=-1", ``, http.StatusBadRequest, "bad_request", 1},
		{"bad due_before", http.MethodGet, "/v1/posts?due_before=tomorrow", ``, http.StatusBadRequest, "bad_request", 1},
		{"ratelimit unknown platform", http.MethodGet, "/v1/platforms/nope/ratelimit", ``, http.StatusBadRequest, "invalid_platform", 0},
	}
	for _, tc := range cases {
		resp, out := do(t, srv, tc.method, tc.path, tc.body)
		if resp.StatusCode != tc.status || out.Code != tc.code {
			t.Fatalf("%s: status=%d code=%q (%+v)", tc.name, resp.StatusCode, out.Code, out)
		}
		if len(out.Details) != tc.details {
			t.Fatalf("%s: details = %v, want %d", tc.name, out.Details, tc.details)
		}
	}
}

func TestMissingPlatformMessageUsesJSONName(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, Options{})
	_, out := do(t, srv, http.MethodPost, "/v1/posts", `{"text":"hi"}`)
	if len(out.Details) != 1 || !strings.Contains(out.Details[0], "platform") {
		t.Fatalf("details = %v", out.Details)
	}
}

func TestRateLimitedReturns429(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, Options{})
	for i := 0; i < 2; i++ {
		if resp, out := do(t, srv, http.MethodPost, "/v1/posts", `{"platform":"x","text":"hi"}`); resp.StatusCode != http.StatusCreated {
			t.Fatalf("schedule %d: %d %+v", i, resp.StatusCode, out)
		}
	}
	resp, out := do(t, srv, http.MethodPost, "/v1/posts", `{"platform":"x","text":"hi"}`)
	if resp.StatusCode != http.StatusTooManyRequests || out.Code != "rate_limited" {
		t.Fatalf("status = %d (%+v)", resp.StatusCode, out)
	}
	if resp.Header.Get("Retry-After") != "3600" {
		t.Fatalf("Retry-After = %q", resp.Header.Get("Retry-After"))
	}

	resp, out = do(t, srv, http.MethodGet, "/v1/platforms/x/ratelimit", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ratelimit status = %d", resp.StatusCode)
	}
	v := decodeData[rateLimitView](t, out)
	if v.Allowed || v.HourlyCount != 2 || v.RetryAfterSeconds != 3600 {
		t.Fatalf("ratelimit view = %+v", v)
	}
}

func TestCancelAndRetryConflicts(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, Options{})
	_, out := do(t, srv, http.MethodPost, "/v1/posts", `{"platform":"x","text":"hi"}`)
	id := decodeData[postView](t, out).ID

	resp, out := do(t, srv, http.MethodPost, "/v1/posts/"+id+"/retry", "")
	if resp.StatusCode != http.StatusConflict || out.Current != "scheduled" {
		t.Fatalf("retry scheduled: %d %+v", resp.StatusCode, out)
	}

	resp, out = do(t, srv, http.MethodPost, "/v1/posts/"+id+"/cancel", "")
	if resp.StatusCode != http.StatusOK || decodeData[postView](t, out).Status != "cancelled" {
		t.Fatalf("cancel: %d %+v", resp.StatusCode, out)
	}
	resp, out = do(t, srv, http.MethodPost, "/v1/posts/"+id+"/cancel", "")
	if resp.StatusCode != http.StatusConflict || out.Code != "invalid_state" || out.Current != "cancelled" {
		t.Fatalf("second cancel: %d %+v", resp.StatusCode, out)
	}
}

func TestPlatforms(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, Options{})
	resp, out := do(t, srv, http.MethodGet, "/v1/platforms", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	ps := decodeData[[]platformView](t, out)
	if len(ps) != 2 {
		t.Fatalf("platforms = %+v", ps)
	}
	for _, p := range ps {
		if p.ID == "x" && (len(p.PreferredTimes) != 2 || p.PreferredTimes[0] != "14:00" || p.MinInterval != "1h0m0s") {
			t.Fatalf("x view = %+v", p)
		}
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil, Options{Token: "s3cret"})

	resp, _ := do(t, srv, http.MethodGet, "/v1/platforms", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/platforms", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	r2, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	r2.Body.Close()
	if r2.StatusCode != http.StatusOK {
		t.Fatalf("with token status = %d", r2.StatusCode)
	}

	// Health stays open.
	if resp, _ := do(t, srv, http.MethodGet, "/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

type fakeDispatcher struct {
	mu   sync.Mutex
	runs int
	err  error
}

func (f *fakeDispatcher) RunOnce(context.Context) (dispatch.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	return dispatch.Report{Due: 3, Published: 3}, f.err
}

func (f *fakeDispatcher) Snapshot() dispatch.Snapshot {
	return dispatch.Snapshot{Enabled: true, Workers: 4}
}

func TestDispatcherEndpoints(t *testing.T) {
	t.Parallel()

	none := newTestServer(t, nil, Options{})
	if resp, _ := do(t, none, http.MethodPost, "/v1/dispatcher/run", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("run without dispatcher = %d", resp.StatusCode)
	}

	fd := &fakeDispatcher{}
	srv := newTestServer(t, fd, Options{})
	resp, out := do(t, srv, http.MethodPost, "/v1/dispatcher/run", "")
	if resp.StatusCode != http.StatusOK || decodeData[dispatch.Report](t, out).Published != 3 {
		t.Fatalf("run = %d %+v", resp.StatusCode, out)
	}
	resp, out = do(t, srv, http.MethodGet, "/v1/dispatcher", "")
	if resp.StatusCode != http.StatusOK || decodeData[dispatch.Snapshot](t, out).Workers != 4 {
		t.Fatalf("status = %d %+v", resp.StatusCode, out)
	}

	fd.err = dispatch.ErrPollInProgress
	if resp, _ := do(t, srv, http.MethodPost, "/v1/dispatcher/run", ""); resp.StatusCode != http.StatusConflict {
		t.Fatalf("busy run = %d", resp.StatusCode)
	}
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	api := New(newQueue(t), nil, logx.Nop())

	refused := NewServer(ServerConfig{Enabled: true, Addr: "0.0.0.0:0"}, api, logx.Nop())
	if err := refused.Start(context.Background()); err == nil {
		t.Fatal("expected refusal for public bind without token")
	}

	s := NewServer(ServerConfig{Enabled: true, Addr: "127.0.0.1:0"}, api, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-s.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.5:8080":  false,
		"garbage":        false,
	}
	for in, want := range cases {
		if got := isLoopbackAddr(in); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", in, got, want)
		}
	}
}
