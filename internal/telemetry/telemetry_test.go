package telemetry

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OmniRover/internal/model"
)

func openRecorder(t *testing.T) *Recorder {
	t.Helper()
	rec, err := OpenRecorder(filepath.Join(t.TempDir(), "runs", "rover.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })
	return rec
}

func TestRecorderRoundTrip(t *testing.T) {
	rec := openRecorder(t)
	t0 := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, rec.BeginRun("b", t0.Add(time.Minute)))
	require.NoError(t, rec.BeginRun("a", t0))

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, rec.Record("a", i, []byte(`{"seq":`+string(rune('0'+i))+`}`)))
	}

	latest, err := rec.Latest("a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"seq":5}`, string(latest))

	events, err := rec.Events("a", 2, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.JSONEq(t, `{"seq":3}`, string(events[0]))

	runs, err := rec.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "a", runs[0].ID)

	_, err = rec.Latest("b")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = rec.Events("zzz", 0, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHubRecordsOnStop(t *testing.T) {
	rec := openRecorder(t)
	hub := NewHub(rec)
	hub.Start()

	hub.Publish(model.EventText, "hello")
	hub.Publish(model.EventDrive, model.DriveStatus{Maneuver: "FORWARD", Phase: "start"})
	hub.Stop()

	events, err := rec.Events(hub.RunID(), 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	var ev model.Event
	require.NoError(t, json.Unmarshal(events[1], &ev))
	assert.Equal(t, model.EventDrive, ev.Kind)
	assert.Equal(t, uint64(2), ev.Seq)
	assert.Equal(t, hub.RunID(), ev.RunID)

	assert.Contains(t, hub.Latest(), model.EventText)
}

func TestHubDropsWhenFull(t *testing.T) {
	hub := NewHub(nil)
	for i := 0; i < queueSize+10; i++ {
		hub.Publish(model.EventLink, i)
	}
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestServerAPI(t *testing.T) {
	rec := openRecorder(t)
	hub := NewHub(rec)
	hub.Start()
	defer hub.Stop()

	var queued []string
	srv := NewServer(hub, rec, func() any { return map[string]int{"pipeline": 6} }, func(cmd string) error {
		queued = append(queued, cmd)
		return nil
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/latest")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	hub.Publish(model.EventAlign, model.AlignStatus{Phase: "done"})
	require.Eventually(t, func() bool {
		_, err := rec.Latest(hub.RunID())
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	resp, err = http.Get(ts.URL + "/api/latest")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"phase":"done"`)

	resp, err = http.Get(ts.URL + "/api/runs/" + hub.RunID() + "?limit=10")
	require.NoError(t, err)
	var events []json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	_ = resp.Body.Close()
	assert.Len(t, events, 1)

	resp, err = http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Contains(t, string(body), `"pipeline":6`)

	resp, err = http.Post(ts.URL+"/api/command", "text/plain", strings.NewReader("P3\n"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"P3"}, queued)

	resp, err = http.Get(ts.URL + "/api/command")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebsocketBroadcast(t *testing.T) {
	hub := NewHub(nil)
	hub.Start()
	defer hub.Stop()

	ts := httptest.NewServer(NewServer(hub, nil, nil, nil).Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	hub.Publish(model.EventDetection, model.DetectionSummary{PipelineID: 6, Valid: true, Tx: 1.5})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev struct {
		Kind string                 `json:"kind"`
		Data model.DetectionSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, model.EventDetection, ev.Kind)
	assert.Equal(t, 6, ev.Data.PipelineID)
	assert.Equal(t, 1.5, ev.Data.Tx)
}

func TestCommandTokenRequired(t *testing.T) {
	hub := NewHub(nil)
	var queued []string
	srv := NewServer(hub, nil, nil, func(cmd string) error {
		queued = append(queued, cmd)
		return nil
	})
	srv.SetCommandToken("s3cret")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/command", "text/plain", strings.NewReader("P1"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/command", strings.NewReader("P1"))
	require.NoError(t, err)
	req.Header.Set(TokenHeader, "s3cret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"P1"}, queued)
}

func TestCommandWithoutTokenIsLoopbackOnly(t *testing.T) {
	var queued []string
	srv := NewServer(NewHub(nil), nil, nil, func(cmd string) error {
		queued = append(queued, cmd)
		return nil
	})

	req := httptest.NewRequest(http.MethodPost, "/api/command", strings.NewReader("P2"))
	req.RemoteAddr = "10.0.0.5:41000"
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Empty(t, queued)

	req = httptest.NewRequest(http.MethodPost, "/api/command", strings.NewReader("P2"))
	req.RemoteAddr = "127.0.0.1:41000"
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, []string{"P2"}, queued)
}

type brokenWriter struct {
	header http.Header
	code   int
}

func (b *brokenWriter) Header() http.Header       { return b.header }
func (b *brokenWriter) WriteHeader(code int)      { b.code = code }
func (b *brokenWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestRunsSurvivesBrokenClient(t *testing.T) {
	rec := openRecorder(t)
	require.NoError(t, rec.BeginRun("r1", time.Now()))
	srv := NewServer(NewHub(rec), rec, nil, nil)

	w := &brokenWriter{header: http.Header{}}
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	assert.Equal(t, "application/json", w.header.Get("Content-Type"))
}
