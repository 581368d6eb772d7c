package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burpheart/proxycord/internal/recording"
)

type fakeController struct {
	sink     *recording.Sink
	pairs    int
	accepted int64
	stopped  atomic.Bool
}

func newFakeController() *fakeController {
	return &fakeController{sink: recording.NewSink()}
}

func (c *fakeController) Mark(label string) recording.Step {
	m := recording.NewMark(label)
	c.sink.LogStep(m)
	return m
}

func (c *fakeController) Drop(n int) int              { return c.sink.DropMostRecent(n) }
func (c *fakeController) List(n int) []recording.Step { return c.sink.Snapshot(n) }
func (c *fakeController) StepCount() int              { return c.sink.Len() }
func (c *fakeController) ActivePairs() int            { return c.pairs }
func (c *fakeController) Accepted() int64             { return c.accepted }
func (c *fakeController) Stop()                       { c.stopped.Store(true) }

func newTestMux(ctrl Controller) (*http.ServeMux, *Hub) {
	hub := NewHub(nil)
	mux := http.NewServeMux()
	NewHandler(hub, ctrl, nil).RegisterRoutes(mux)
	return mux, hub
}

func do(t *testing.T, mux http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestStatus(t *testing.T) {
	ctrl := newFakeController()
	ctrl.pairs = 3
	ctrl.accepted = 7
	ctrl.Mark("a")
	mux, _ := newTestMux(ctrl)

	rec := do(t, mux, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, Status{Status: "running", Steps: 1, ActivePairs: 3, Accepted: 7}, st)
}

func TestGetSteps(t *testing.T) {
	ctrl := newFakeController()
	for _, l := range []string{"one", "two", "three"} {
		ctrl.Mark(l)
	}
	mux, _ := newTestMux(ctrl)

	tests := []struct {
		target string
		want   []string
	}{
		{"/api/steps", []string{"one", "two", "three"}},
		{"/api/steps?limit=2", []string{"two", "three"}},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := do(t, mux, http.MethodGet, tt.target)
			require.Equal(t, http.StatusOK, rec.Code)

			var steps []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &steps))
			var names []string
			for _, s := range steps {
				assert.Equal(t, "Mark", s.Type)
				names = append(names, s.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestGetStepsEmpty(t *testing.T) {
	mux, _ := newTestMux(newFakeController())
	rec := do(t, mux, http.MethodGet, "/api/steps")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestBadParameters(t *testing.T) {
	mux, _ := newTestMux(newFakeController())
	for _, target := range []string{"/api/steps?limit=0", "/api/steps?limit=x"} {
		assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodGet, target).Code, target)
	}
	assert.Equal(t, http.StatusBadRequest, do(t, mux, http.MethodPost, "/api/drop?n=-1").Code)
}

func TestMarkAndDrop(t *testing.T) {
	ctrl := newFakeController()
	mux, _ := newTestMux(ctrl)

	rec := do(t, mux, http.MethodPost, "/api/mark?name=login")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"type":"Mark","name":"login"}`, rec.Body.String())

	rec = do(t, mux, http.MethodPost, "/api/mark")
	assert.JSONEq(t, `{"type":"Mark","name":"unnamed"}`, rec.Body.String())
	require.Equal(t, 2, ctrl.StepCount())

	rec = do(t, mux, http.MethodPost, "/api/drop")
	assert.JSONEq(t, `{"dropped":1}`, rec.Body.String())

	rec = do(t, mux, http.MethodPost, "/api/drop?n=5")
	assert.JSONEq(t, `{"dropped":1}`, rec.Body.String())
	assert.Zero(t, ctrl.StepCount())
}

func TestMethodNotAllowed(t *testing.T) {
	mux, _ := newTestMux(newFakeController())

	rec := do(t, mux, http.MethodGet, "/api/mark")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Allow"))

	rec = do(t, mux, http.MethodOptions, "/api/mark")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestShutdown(t *testing.T) {
	ctrl := newFakeController()
	mux, _ := newTestMux(ctrl)

	rec := do(t, mux, http.MethodPost, "/api/shutdown")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Eventually(t, ctrl.stopped.Load, time.Second, 5*time.Millisecond)
}

func TestServerStreamsSteps(t *testing.T) {
	ctrl := newFakeController()
	srv := NewServer(0, ctrl, nil)
	require.NoError(t, srv.Start())
	defer srv.Close()
	ctrl.sink.OnStep(func(s recording.Step) { srv.Hub().Broadcast(s) })

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr().String()+"/ws/steps", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctrl.Mark("checkout")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"Mark","name":"checkout"}`, string(msg))

	resp, err := http.Get("http://" + srv.Addr().String() + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, 1, st.Steps)
	assert.Equal(t, 1, st.WSClients)
}

func TestServerCloseDisconnectsClients(t *testing.T) {
	srv := NewServer(0, newFakeController(), nil)
	require.NoError(t, srv.Start())

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr().String()+"/ws/steps", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.Hub().ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Close())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, srv.Hub().ClientCount())
}
