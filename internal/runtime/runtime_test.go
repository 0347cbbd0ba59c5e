package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/lyricsync/internal/config"
	"github.com/loqalabs/lyricsync/internal/eventstore"
	"github.com/loqalabs/lyricsync/internal/protocol"
	"github.com/loqalabs/lyricsync/internal/session"
	"github.com/loqalabs/lyricsync/internal/timeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestRuntime(t *testing.T) (*Runtime, http.Handler) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.Presentation.Bus = false
	cfg.Playback.PollIntervalMS = 10
	cfg.Playback.MaxGapWaitMS = 20
	cfg.Playback.TailPaddingMS = 0
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")

	store, err := eventstore.Open(context.Background(), cfg.EventStore, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rt := New(cfg, logger)
	rt.store = store
	rt.sessions = session.NewManager(session.Deps{Config: cfg, Store: store, Logger: logger})
	t.Cleanup(func() { _ = rt.sessions.Close(context.Background()) })
	return rt, rt.router(nil)
}

func writeTimeline(t *testing.T, records ...timeline.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "song_lyrics.json")
	if err := timeline.WriteFile(path, records); err != nil {
		t.Fatal(err)
	}
	return path
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeInfo(t *testing.T, rec *httptest.ResponseRecorder) session.Info {
	t.Helper()
	var info session.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode info %q: %v", rec.Body.String(), err)
	}
	return info
}

func TestHealthAndReadiness(t *testing.T) {
	rt, h := newTestRuntime(t)

	if rec := do(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, "/readyz", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before start: expected 503, got %d", rec.Code)
	}
	rt.ready.Store(true)
	if rec := do(t, h, http.MethodGet, "/readyz", nil); rec.Code != http.StatusOK {
		t.Fatalf("readyz after start: expected 200, got %d", rec.Code)
	}
}

func TestRequestMetricsUseRoutePatterns(t *testing.T) {
	_, h := newTestRuntime(t)
	before := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/healthz", "200"))

	do(t, h, http.MethodGet, "/healthz", nil)
	do(t, h, http.MethodGet, "/sessions/does-not-exist", nil)

	if got := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/healthz", "200")); got != before+1 {
		t.Fatalf("healthz counter: expected %v, got %v", before+1, got)
	}

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var sawPattern bool
	for _, mf := range families {
		if mf.GetName() != "lyricsync_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if strings.Contains(lp.GetValue(), "does-not-exist") {
					t.Fatalf("session id leaked into label %s", lp.GetName())
				}
				if lp.GetName() == "route" && strings.Contains(lp.GetValue(), "{id}") {
					sawPattern = true
				}
			}
		}
	}
	if !sawPattern {
		t.Fatal("expected a route label with the {id} pattern")
	}
}

func TestSessionAPI(t *testing.T) {
	_, h := newTestRuntime(t)
	path := writeTimeline(t, timeline.Record{Text: "long", Start: 0, End: 60})

	rec := do(t, h, http.MethodPost, "/sessions", session.Request{TimelinePath: path})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	info := decodeInfo(t, rec)
	base := "/sessions/" + info.ID

	if rec := do(t, h, http.MethodGet, "/sessions", nil); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), info.ID) {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, base+"/play", nil); rec.Code != http.StatusOK || decodeInfo(t, rec).State != "playing" {
		t.Fatalf("play: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, base+"/pause", nil); rec.Code != http.StatusOK {
		t.Fatalf("pause: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, base+"/pause", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second pause: expected 409, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, base+"/seek?t=abc", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad seek: expected 400, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, base+"/seek?t=12.5", nil)
	if rec.Code != http.StatusOK || decodeInfo(t, rec).Position != 12.5 {
		t.Fatalf("seek: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, base+"/resume", nil); rec.Code != http.StatusOK {
		t.Fatalf("resume: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, base+"/stop", nil); rec.Code != http.StatusOK || decodeInfo(t, rec).State != "stopped" {
		t.Fatalf("stop: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodGet, base, nil); rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, base+"/journal", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("journal: %d %s", rec.Code, rec.Body.String())
	}
	var events []journalEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil || len(events) == 0 || events[0].Kind != "notice" {
		t.Fatalf("expected journal events, got %s (%v)", rec.Body.String(), err)
	}

	if rec := do(t, h, http.MethodDelete, base, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, base, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodGet, "/journal/sessions", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"final_state":"stopped"`) {
		t.Fatalf("journal sessions: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSeekPastEndClampsToDuration(t *testing.T) {
	_, h := newTestRuntime(t)
	path := writeTimeline(t, timeline.Record{Text: "long", Start: 0, End: 10})

	info := decodeInfo(t, do(t, h, http.MethodPost, "/sessions?play=true", session.Request{TimelinePath: path}))
	base := "/sessions/" + info.ID
	if rec := do(t, h, http.MethodPost, base+"/pause", nil); rec.Code != http.StatusOK {
		t.Fatalf("pause: %d %s", rec.Code, rec.Body.String())
	}
	for _, target := range []string{"1e11", "Inf", "1e300"} {
		rec := do(t, h, http.MethodPost, base+"/seek?t="+target, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("seek %s: %d %s", target, rec.Code, rec.Body.String())
		}
		if got := decodeInfo(t, rec); got.Position != got.Duration || got.Duration != 10 {
			t.Fatalf("seek %s: expected position at duration, got %.3f of %.3f", target, got.Position, got.Duration)
		}
	}
	if rec := do(t, h, http.MethodPost, base+"/seek?t=NaN", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("seek NaN: expected 400, got %d", rec.Code)
	}
}

func TestCreateSessionErrors(t *testing.T) {
	_, h := newTestRuntime(t)
	bad := writeTimeline(t, timeline.Record{Text: "x", Start: 3, End: 1})

	cases := []struct {
		name string
		body any
		code int
	}{
		{"missing path", session.Request{}, http.StatusBadRequest},
		{"invalid timeline", session.Request{TimelinePath: bad}, http.StatusBadRequest},
		{"missing file", session.Request{TimelinePath: filepath.Join(t.TempDir(), "nope.json")}, http.StatusBadRequest},
		{"bad body", "not an object", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodPost, "/sessions", tc.body); rec.Code != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, rec.Code, rec.Body.String())
			}
		})
	}
	if rec := do(t, h, http.MethodPost, "/sessions/unknown/play", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session: expected 404, got %d", rec.Code)
	}
}

func TestEventStreamOverWebSocket(t *testing.T) {
	rt, h := newTestRuntime(t)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	path := writeTimeline(t,
		timeline.Record{Text: "hello", Start: 0, End: 0.1},
		timeline.Record{Text: "world", Start: 0.1, End: 0.2},
	)
	resp, err := http.Post(srv.URL+"/sessions", "application/json",
		strings.NewReader(`{"timeline_path":"`+path+`"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var info session.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + info.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sess, err := rt.sessions.Get(info.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for sess.Hub().Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	resp, err = http.Post(srv.URL+"/sessions/"+info.ID+"/play", "application/json", nil)
	if err != nil {
		t.Fatalf("play: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("play: expected 200, got %d", resp.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var kinds []string
	for {
		var evt protocol.LyricEvent
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read: %v (got %v)", err, kinds)
		}
		kinds = append(kinds, evt.Kind)
		if evt.Kind == "finished" {
			break
		}
	}
	if kinds[0] != "notice" || !contains(kinds, "transition") {
		t.Fatalf("unexpected event kinds %v", kinds)
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
