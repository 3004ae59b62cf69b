package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvorotnikov/open-iot-sub001/errors"
	"github.com/pvorotnikov/open-iot-sub001/health"
	"github.com/pvorotnikov/open-iot-sub001/metric"
	"github.com/pvorotnikov/open-iot-sub001/pipeline"
	"github.com/pvorotnikov/open-iot-sub001/router"
	"github.com/pvorotnikov/open-iot-sub001/tag"
)

type staticStats struct{ stats router.Stats }

func (s staticStats) Stats() router.Stats { return s.stats }

func newTestServer(t *testing.T, opts Options) (*fixture, *Server) {
	t.Helper()
	f := newFixture(t)
	return f, NewServer(f.service, opts)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.NotEmpty(t, body.Message)
	return body
}

func TestServer_TagCRUD(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/tags", tag.Tag{ID: "hot", Name: "Hot", Color: "#ff0000"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, h, http.MethodGet, "/tags/hot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got tag.Tag
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "Hot", got.Name)

	rec = do(t, h, http.MethodPut, "/tags/hot", map[string]any{"name": "Very hot"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPut, "/tags/hot", tag.Tag{ID: "cold", Name: "Cold"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, errors.CodeInvalid, decodeError(t, rec).Code)

	rec = do(t, h, http.MethodGet, "/tags", nil)
	var list []tag.Tag
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "Very hot", list[0].Name)

	rec = do(t, h, http.MethodDelete, "/tags/hot", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/tags/hot", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, errors.CodeNotFound, decodeError(t, rec).Code)
}

func TestServer_ErrorCodes(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	h := srv.Handler()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   errors.Code
	}{
		{"malformed body", http.MethodPost, "/rules", "{not json", http.StatusBadRequest, errors.CodeInvalid},
		{"unknown field", http.MethodPost, "/tags", `{"id":"x","nmae":"X"}`, http.StatusBadRequest, errors.CodeInvalid},
		{"unknown module", http.MethodPost, "/pipelines",
			pipeline.Pipeline{ID: "p", Topic: "a/#", Modules: []string{"ghost"}},
			http.StatusUnprocessableEntity, errors.CodeUnknownReference},
		{"bad topic", http.MethodPost, "/pipelines",
			pipeline.Pipeline{ID: "p", Topic: "a/#/b", Modules: []string{"nop"}},
			http.StatusBadRequest, errors.CodeInvalid},
		{"missing module", http.MethodGet, "/modules/ghost", nil, http.StatusNotFound, errors.CodeNotFound},
		{"illegal transition", http.MethodPost, "/modules/nop/load", nil, http.StatusConflict, errors.CodeInvalidTransition},
		{"unknown op", http.MethodPost, "/modules/nop/explode", nil, http.StatusBadRequest, errors.CodeInvalid},
		{"no router", http.MethodGet, "/router/stats", nil, http.StatusNotFound, errors.CodeNotFound},
		{"bad limit", http.MethodGet, "/observations/recent?limit=-3", nil, http.StatusBadRequest, errors.CodeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestServer_DuplicateIsConflict(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	h := srv.Handler()

	body := pipeline.Pipeline{ID: "temps", Topic: "sensors/#", Modules: []string{"nop"}, Enabled: true}
	require.Equal(t, http.StatusCreated, do(t, h, http.MethodPost, "/pipelines", body).Code)

	rec := do(t, h, http.MethodPost, "/pipelines", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, errors.CodeDuplicateID, decodeError(t, rec).Code)
}

func TestServer_PersistFailureIsUnavailable(t *testing.T) {
	f, srv := newTestServer(t, Options{})
	f.persist.setFail(true)

	rec := do(t, srv.Handler(), http.MethodPost, "/tags", tag.Tag{ID: "hot", Name: "Hot"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, errors.CodeUnavailable, decodeError(t, rec).Code)
}

func TestServer_Modules(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/modules/nop/suspend", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, "suspended", st["state"])

	rec = do(t, h, http.MethodGet, "/modules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, "nop", list[0]["id"])
}

func TestServer_ObservationsAndStats(t *testing.T) {
	ring := router.NewRing(8)
	for i := 0; i < 5; i++ {
		ring.Observe(router.Observation{Kind: router.KindReceived, Topic: "sensors/1/temp"})
	}
	metrics := metric.NewMetricsRegistry()

	_, srv := newTestServer(t, Options{
		Ring:    ring,
		Router:  staticStats{stats: router.Stats{Received: 5, Running: true}},
		Metrics: metrics,
	})
	h := srv.Handler()

	rec := do(t, h, http.MethodGet, "/observations/recent?limit=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var obs []router.Observation
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&obs))
	assert.Len(t, obs, 3)

	rec = do(t, h, http.MethodGet, "/router/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats router.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, int64(5), stats.Received)

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Healthz(t *testing.T) {
	f := newFixture(t)
	checker := health.NewChecker("semroute", health.Sources{
		Router:  staticStats{stats: router.Stats{Running: true}},
		Modules: f.registry,
	})
	srv := NewServer(f.service, Options{Health: checker})

	rec := do(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	checker = health.NewChecker("semroute", health.Sources{Router: staticStats{}})
	srv = NewServer(f.service, Options{Health: checker})
	rec = do(t, srv.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_StreamObservations(t *testing.T) {
	ring := router.NewRing(8)
	_, srv := newTestServer(t, Options{Ring: ring})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/observations/stream?topic=sensors/%23&kind=completed"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered after the upgrade; keep publishing until
	// the client sees the first matching observation.
	received := make(chan router.Observation, 1)
	go func() {
		var o router.Observation
		if err := conn.ReadJSON(&o); err == nil {
			received <- o
		}
	}()

	deadline := time.After(2 * time.Second)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case o := <-received:
			assert.Equal(t, router.KindCompleted, o.Kind)
			assert.Equal(t, "sensors/1/temp", o.Topic)
			return
		case <-ticker.C:
			ring.Observe(router.Observation{Kind: router.KindReceived, Topic: "sensors/1/temp"})
			ring.Observe(router.Observation{Kind: router.KindCompleted, Topic: "devices/1/status"})
			ring.Observe(router.Observation{Kind: router.KindCompleted, Topic: "sensors/1/temp"})
		case <-deadline:
			t.Fatal("no observation received")
		}
	}
}

func TestServer_StartStop(t *testing.T) {
	_, srv := newTestServer(t, Options{})
	require.NoError(t, srv.Start("127.0.0.1:0"))

	resp, err := http.Get("http://" + srv.Addr() + "/tags")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}
