package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServers struct {
	mu       sync.Mutex
	shutdown []string
	deleted  []string
	err      error
}

func (f *fakeServers) ShutdownServer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.shutdown = append(f.shutdown, id)
	return nil
}

func (f *fakeServers) DeleteServer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeLiveness struct {
	mu        sync.Mutex
	now       time.Time
	pings     map[string]time.Time
	forgotten []string
}

func (f *fakeLiveness) SetServerPing(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings[id] = f.now
	return nil
}

func (f *fakeLiveness) LastServerPing(_ context.Context, id string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings[id], nil
}

func (f *fakeLiveness) ForgetServer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pings, id)
	f.forgotten = append(f.forgotten, id)
	return nil
}

var lifecycleNow = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func newLifecycleHarness(t *testing.T) (*harness, *fakeServers, *fakeLiveness) {
	t.Helper()
	h := newHarness(t)
	servers := &fakeServers{}
	live := &fakeLiveness{now: lifecycleNow, pings: map[string]time.Time{}}
	h.server.WithServers(servers, live)
	h.server.now = func() time.Time { return lifecycleNow }
	h.router = h.server.Router()
	return h, servers, live
}

func gsBody(auth, serverID string) string {
	b, _ := json.Marshal(serverRequest{Authorization: auth, ServerID: serverID})
	return string(b)
}

func TestServerLifecycle_Auth(t *testing.T) {
	h, servers, live := newLifecycleHarness(t)
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantType errorType
	}{
		{name: "no auth", body: gsBody("", "gs-1"), wantCode: http.StatusBadRequest, wantType: unauthorized},
		{name: "wrong auth", body: gsBody("nope", "gs-1"), wantCode: http.StatusBadRequest, wantType: unauthorized},
		{name: "missing server", body: gsBody(testServerAuth, ""), wantCode: http.StatusBadRequest, wantType: missingParameter},
		{name: "not json", body: "serverId=gs-1", wantCode: http.StatusBadRequest, wantType: payloadInvalid},
	}
	for _, path := range []string{"/gs/ping", "/gs/activity", "/gs/shutdown", "/gs/delete"} {
		for _, tt := range tests {
			t.Run(path+" "+tt.name, func(t *testing.T) {
				rec := h.do(httptest.NewRequest(http.MethodPost, path, strings.NewReader(tt.body)))
				assert.Equal(t, tt.wantCode, rec.Code)
				assert.Equal(t, string(tt.wantType), decodeFailure(t, rec).ErrorType)
			})
		}
	}
	assert.Empty(t, servers.shutdown)
	assert.Empty(t, servers.deleted)
	assert.Empty(t, live.pings)
}

func TestServerLifecycle_PingAndActivity(t *testing.T) {
	h, _, live := newLifecycleHarness(t)
	activity := func(id string) activityResponse {
		t.Helper()
		rec := h.do(httptest.NewRequest(http.MethodPost, "/gs/activity", strings.NewReader(gsBody(testServerAuth, id))))
		require.Equal(t, http.StatusOK, rec.Code)
		var out activityResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		return out
	}

	assert.Equal(t, activityResponse{}, activity("gs-1"), "never pinged")

	rec := h.do(httptest.NewRequest(http.MethodPost, "/gs/ping", strings.NewReader(gsBody(testServerAuth, "gs-1"))))
	require.Equal(t, http.StatusOK, rec.Code)
	got := activity("gs-1")
	assert.True(t, got.IsAlive)
	require.NotNil(t, got.UpdatedAt)
	assert.True(t, got.UpdatedAt.Equal(lifecycleNow))

	live.mu.Lock()
	live.pings["gs-1"] = lifecycleNow.Add(-2 * time.Minute)
	live.mu.Unlock()
	got = activity("gs-1")
	assert.False(t, got.IsAlive, "stale ping")
	require.NotNil(t, got.UpdatedAt)
}

func TestServerLifecycle_Retire(t *testing.T) {
	tests := []struct {
		name         string
		path         string
		wantShutdown []string
		wantDeleted  []string
	}{
		{name: "shutdown", path: "/gs/shutdown", wantShutdown: []string{"gs-1"}},
		{name: "delete", path: "/gs/delete", wantDeleted: []string{"gs-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, servers, live := newLifecycleHarness(t)
			live.pings["gs-1"] = lifecycleNow

			rec := h.do(httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(gsBody(testServerAuth, "gs-1"))))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.wantShutdown, servers.shutdown)
			assert.Equal(t, tt.wantDeleted, servers.deleted)
			assert.Equal(t, []string{"gs-1"}, live.forgotten)
			assert.NotContains(t, live.pings, "gs-1")
		})
	}
}

func TestServerLifecycle_RetireFailureKeepsPing(t *testing.T) {
	h, servers, live := newLifecycleHarness(t)
	servers.err = errors.New("forbidden")
	live.pings["gs-1"] = lifecycleNow

	rec := h.do(httptest.NewRequest(http.MethodPost, "/gs/shutdown", strings.NewReader(gsBody(testServerAuth, "gs-1"))))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(internalError), decodeFailure(t, rec).ErrorType)
	assert.Empty(t, live.forgotten)
}

func TestServerLifecycle_NotConfigured(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodPost, "/gs/ping", strings.NewReader(gsBody(testServerAuth, "gs-1"))))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDebugLauncher(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/game/get-join-script-debug?placeId=100&userId=12", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "not routed unless enabled")

	h.server.opts.DebugEndpoints = true
	h.router = h.server.Router()

	tests := []struct {
		name     string
		query    string
		wantCode int
	}{
		{name: "explicit user", query: "placeId=100&userId=12", wantCode: http.StatusOK},
		{name: "missing user", query: "placeId=100", wantCode: http.StatusBadRequest},
		{name: "invalid place", query: "placeId=0&userId=12", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(httptest.NewRequest(http.MethodGet, "/game/get-join-script-debug?"+tt.query, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/game/get-join-script-debug?placeId=100&userId=12", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var out debugLaunchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	jt, err := h.codec.DecodeJoin(out.AuthenticationTicket)
	require.NoError(t, err)
	assert.Equal(t, int64(12), jt.UserID)
	assert.Equal(t, int64(100), jt.PlaceID)
	assert.Equal(t, testClientIP, jt.IssuerIP)
	assert.Equal(t, "https://example.test/placelauncher.ashx?ticket="+url.QueryEscape(out.AuthenticationTicket), out.PlaceLauncher)

	// the minted ticket launches like any other
	launch := h.do(httptest.NewRequest(http.MethodGet, "/placelauncher.ashx?ticket="+url.QueryEscape(out.AuthenticationTicket), nil))
	assert.Equal(t, http.StatusOK, launch.Code)
}
