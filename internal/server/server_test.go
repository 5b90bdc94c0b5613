package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/veil/internal/browser"
	"github.com/neboloop/veil/internal/pool"
	"github.com/neboloop/veil/internal/profile"
	"github.com/neboloop/veil/internal/session"
)

type fakeSessions struct {
	list []pool.Info
}

func (f *fakeSessions) List() []pool.Info { return f.list }

func (f *fakeSessions) Info(name string) (*session.Info, error) {
	for _, s := range f.list {
		if s.Name == name {
			return &session.Info{Name: s.Name, Port: s.Port, Seed: 124}, nil
		}
	}
	return nil, &pool.NotFoundError{Name: name, Reason: pool.ReasonAbsent}
}

type fakeProfiles struct {
	list []profile.Entry
	err  error
}

func (f *fakeProfiles) List(ctx context.Context) ([]profile.Entry, error) { return f.list, f.err }

func newTestServer(t *testing.T, profiles Profiles) *httptest.Server {
	t.Helper()
	h := Handler(Options{
		Sessions: &fakeSessions{list: []pool.Info{
			{Name: "alpha", Port: 9400, Alive: true},
			{Name: "beta", Port: 9500, Alive: false},
		}},
		Profiles: profiles,
		Ports:    browser.DefaultPortRange(),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out), string(body))
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/healthz", &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Sessions)
}

func TestSessions(t *testing.T) {
	srv := newTestServer(t, nil)

	var all []pool.Info
	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/sessions", &all))
	assert.Len(t, all, 2)

	var live []pool.Info
	get(t, srv.URL+"/sessions?alive=true", &live)
	require.Len(t, live, 1)
	assert.Equal(t, "alpha", live[0].Name)

	var info session.Info
	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/sessions/alpha", &info))
	assert.Equal(t, 9400, info.Port)

	var e struct {
		Code int `json:"code"`
	}
	assert.Equal(t, http.StatusNotFound, get(t, srv.URL+"/sessions/ghost", &e))
	assert.Equal(t, http.StatusNotFound, e.Code)
}

func TestProfiles(t *testing.T) {
	srv := newTestServer(t, &fakeProfiles{list: []profile.Entry{{Name: "alpha", OpenCount: 3}}})
	var list []profile.Entry
	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/profiles", &list))
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].OpenCount)

	failing := newTestServer(t, &fakeProfiles{err: errors.New("disk gone")})
	assert.Equal(t, http.StatusInternalServerError, get(t, failing.URL+"/profiles", nil))
}

func TestPorts(t *testing.T) {
	srv := newTestServer(t, nil)
	var body struct {
		Name string `json:"name"`
		Port int    `json:"port"`
	}
	assert.Equal(t, http.StatusOK, get(t, srv.URL+"/ports/work", &body))
	assert.Equal(t, browser.PortFor("work"), body.Port)

	assert.Equal(t, http.StatusBadRequest, get(t, srv.URL+"/ports/.hidden", nil))
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "veil_sessions_active")
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, http.NotFoundHandler(), nil) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestErrorsCarryRequestID(t *testing.T) {
	srv := newTestServer(t, nil)
	var e struct {
		Code      int    `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"requestId"`
	}
	assert.Equal(t, http.StatusNotFound, get(t, srv.URL+"/sessions/ghost", &e))
	assert.Contains(t, e.Message, "ghost")
	assert.NotEmpty(t, e.RequestID)
}
