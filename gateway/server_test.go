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

	"agones-join-coordinator/join"
	"agones-join-coordinator/presence"
	"agones-join-coordinator/queues"
	"agones-join-coordinator/tickets"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testServerAuth = "gs-shared-key"
	// httptest.NewRequest uses 192.0.2.1:1234 as the remote address
	testClientIP = "192.0.2.1"
)

type stubAllocator struct{ alloc *join.Allocation }

func (s *stubAllocator) GetServerForPlace(context.Context, int64) (*join.Allocation, error) {
	return s.alloc, nil
}

func (s *stubAllocator) CreateTicketSeed(userID, placeID int64, ip string) tickets.JoinTicket {
	return tickets.JoinTicket{UserID: userID, PlaceID: placeID, IssuerIP: ip, IssuedAt: time.Now()}
}

type offline struct{}

func (offline) GetPresence(_ context.Context, userID int64) (*presence.Snapshot, error) {
	return &presence.Snapshot{UserID: userID, Type: presence.Offline}, nil
}

func (offline) GetGamesUserIsPlaying(context.Context, int64) ([]presence.Game, error) {
	return nil, nil
}

type stubUsers map[int64]string

func (s stubUsers) GetUsername(_ context.Context, userID int64) (string, error) {
	if name, ok := s[userID]; ok {
		return name, nil
	}
	return "", errors.New("not found")
}

type recordingSink struct {
	mu   sync.Mutex
	got  []queues.PlayerActivity
	fail error
}

func (r *recordingSink) Apply(_ context.Context, act *queues.PlayerActivity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.got = append(r.got, *act)
	return nil
}

type recordingPublisher struct{ events chan *queues.JoinEvent }

func (p *recordingPublisher) PublishEvent(_ context.Context, ev *queues.JoinEvent) error {
	p.events <- ev
	return nil
}

func (p *recordingPublisher) next(t *testing.T) *queues.JoinEvent {
	t.Helper()
	select {
	case ev := <-p.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no join event published")
		return nil
	}
}

type harness struct {
	alloc  *stubAllocator
	codec  *tickets.Codec
	sink   *recordingSink
	events *recordingPublisher
	server *Server
	router http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	codec, err := tickets.NewCodec([]byte("join-secret-for-gateway-tests"), []byte("server-secret-for-gateway-tests"))
	require.NoError(t, err)
	h := &harness{
		alloc:  &stubAllocator{alloc: &join.Allocation{Status: join.StatusJoining, ServerID: "gs-abc", Address: "10.0.0.5:7777"}},
		codec:  codec,
		sink:   &recordingSink{},
		events: &recordingPublisher{events: make(chan *queues.JoinEvent, 16)},
	}
	users := stubUsers{42: "builderman"}
	coord := join.NewCoordinator(codec, h.alloc, offline{}, users, join.Options{BaseURL: "https://example.test"})
	h.server = New(coord, users, h.sink, h.events, Options{BaseURL: "https://example.test/", ServerAuthorization: testServerAuth})
	h.router = h.server.Router()
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) launch(t *testing.T, userID string, placeID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/Game/PlaceLauncher.ashx?placeId="+placeID, nil)
	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}
	return h.do(req)
}

func decodeLaunch(t *testing.T, rec *httptest.ResponseRecorder) launchResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out launchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func decodeFailure(t *testing.T, rec *httptest.ResponseRecorder) failedRequestResponse {
	t.Helper()
	var out failedRequestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	assert.Equal(t, "fail", out.Status)
	return out
}

func TestPlaceLauncher_Joining(t *testing.T) {
	h := newHarness(t)
	out := decodeLaunch(t, h.launch(t, "42", "100"))

	assert.Equal(t, 2, out.Status)
	require.NotNil(t, out.JobID)
	assert.NotEmpty(t, *out.JobID)
	assert.Nil(t, out.Message)
	assert.Equal(t, "https://example.test/Login/Negotiate.ashx", out.AuthenticationURL)

	jt, err := h.codec.DecodeJoin(out.AuthenticationTicket)
	require.NoError(t, err)
	assert.Equal(t, int64(42), jt.UserID)
	assert.Equal(t, testClientIP, jt.IssuerIP)

	u, err := url.Parse(out.JoinScriptURL)
	require.NoError(t, err)
	assert.Equal(t, "/Game/join.ashx", u.Path)
	assert.Equal(t, out.AuthenticationTicket, u.Query().Get("ticket"))
	assert.Equal(t, *out.JobID, u.Query().Get("job"))

	ev := h.events.next(t)
	assert.Equal(t, queues.EventPlacement, ev.Type)
	assert.Equal(t, "Joining", ev.Status)
	assert.Equal(t, int64(100), ev.PlaceID)
	assert.NotEmpty(t, ev.EventID)
}

func TestPlaceLauncher_Waiting(t *testing.T) {
	h := newHarness(t)
	h.alloc.alloc = &join.Allocation{Status: join.StatusWaiting}

	rec := h.launch(t, "42", "100")
	out := decodeLaunch(t, rec)
	assert.Equal(t, 1, out.Status)
	assert.Nil(t, out.JobID)
	require.NotNil(t, out.Message)
	assert.Equal(t, waitingMessage, *out.Message)
	assert.Empty(t, out.AuthenticationTicket)
	assert.Contains(t, rec.Body.String(), `"jobId":null`)
}

func TestPlaceLauncher_Errors(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		placeID  string
		wantCode int
		wantType errorType
	}{
		{name: "no user", userID: "", placeID: "100", wantCode: http.StatusUnauthorized, wantType: unauthenticated},
		{name: "bad user", userID: "abc", placeID: "100", wantCode: http.StatusUnauthorized, wantType: unauthenticated},
		{name: "missing place", userID: "42", placeID: "", wantCode: http.StatusBadRequest, wantType: missingParameter},
		{name: "invalid place", userID: "42", placeID: "-5", wantCode: http.StatusBadRequest, wantType: invalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.launch(t, tt.userID, tt.placeID)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, string(tt.wantType), decodeFailure(t, rec).ErrorType)
		})
	}
}

func TestPlaceLauncher_AllocationError(t *testing.T) {
	h := newHarness(t)
	h.alloc.alloc = nil

	out := decodeLaunch(t, h.launch(t, "42", "100"))
	assert.Equal(t, 4, out.Status)
	require.NotNil(t, out.Message)
	assert.Equal(t, errorMessage, *out.Message)
	assert.Empty(t, out.AuthenticationTicket)
}

func TestTicketLauncher(t *testing.T) {
	h := newHarness(t)
	first := decodeLaunch(t, h.launch(t, "42", "100"))
	escaped := url.QueryEscape(first.AuthenticationTicket)

	t.Run("reuse from same address", func(t *testing.T) {
		for _, method := range []string{http.MethodGet, http.MethodPost} {
			out := decodeLaunch(t, h.do(httptest.NewRequest(method, "/placelauncher.ashx?ticket="+escaped, nil)))
			assert.Equal(t, 2, out.Status)
			assert.Equal(t, first.AuthenticationTicket, out.AuthenticationTicket)
		}
	})

	t.Run("other address", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/placelauncher.ashx?ticket="+escaped, nil)
		req.RemoteAddr = "198.51.100.9:5555"
		rec := h.do(req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, string(ticketInvalid), decodeFailure(t, rec).ErrorType)
	})

	t.Run("tampered", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/placelauncher.ashx?ticket=AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", nil))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("missing ticket", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, "/placelauncher.ashx", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, string(missingParameter), decodeFailure(t, rec).ErrorType)
	})
}

func TestJoinScript(t *testing.T) {
	h := newHarness(t)
	first := decodeLaunch(t, h.launch(t, "42", "100"))
	u, err := url.Parse(first.JoinScriptURL)
	require.NoError(t, err)
	path := u.Path + "?" + u.RawQuery

	t.Run("signed script", func(t *testing.T) {
		rec := h.do(httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := rec.Body.String()
		require.True(t, strings.HasPrefix(body, "--rbxsig\r\n"))

		var script joinScript
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(body, "--rbxsig\r\n")), &script))
		assert.Equal(t, "builderman", script.UserName)
		assert.Equal(t, int64(42), script.UserID)
		assert.Equal(t, int64(100), script.PlaceID)
		assert.Equal(t, "10.0.0.5", script.MachineAddress)
		assert.Equal(t, 7777, script.ServerPort)
		assert.Equal(t, "gs-abc", script.GameID)
		assert.Equal(t, "https://example.test/Asset/CharacterFetch.ashx?userId=42", script.CharacterAppearance)
		assert.True(t, strings.HasSuffix(script.ClientTicket, ";"+first.AuthenticationTicket))
		assert.True(t, strings.HasSuffix(script.SessionID, "|"+first.AuthenticationTicket))
	})

	t.Run("other address", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "198.51.100.9:5555"
		assert.Equal(t, http.StatusForbidden, h.do(req).Code)
	})

	t.Run("job for another place", func(t *testing.T) {
		job, err := h.codec.EncodeServer(tickets.ServerTicket{ServerID: "gs-x", Domain: "10.0.0.9:7777", PlaceID: 200})
		require.NoError(t, err)
		q := url.Values{"ticket": {first.AuthenticationTicket}, "job": {job}}
		assert.Equal(t, http.StatusForbidden, h.do(httptest.NewRequest(http.MethodGet, "/Game/join.ashx?"+q.Encode(), nil)).Code)
	})

	t.Run("missing job", func(t *testing.T) {
		q := url.Values{"ticket": {first.AuthenticationTicket}}
		rec := h.do(httptest.NewRequest(http.MethodGet, "/Game/join.ashx?"+q.Encode(), nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestJoinScript_UnknownUser(t *testing.T) {
	h := newHarness(t)
	out := decodeLaunch(t, h.launch(t, "77", "100"))
	u, err := url.Parse(out.JoinScriptURL)
	require.NoError(t, err)

	rec := h.do(httptest.NewRequest(http.MethodGet, u.Path+"?"+u.RawQuery, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(userNotFound), decodeFailure(t, rec).ErrorType)
}

func TestValidateTicket(t *testing.T) {
	h := newHarness(t)
	first := decodeLaunch(t, h.launch(t, "42", "100"))
	h.events.next(t)

	validate := func(body string) *httptest.ResponseRecorder {
		return h.do(httptest.NewRequest(http.MethodPost, "/Game/ValidateTicket.ashx", strings.NewReader(body)))
	}
	payload := func(ticket, job string, userID int64) string {
		b, _ := json.Marshal(map[string]any{"ticket": ticket, "gameJobId": job, "expectedUserId": userID, "expectedUsername": "builderman"})
		return string(b)
	}

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "accepted", body: payload(first.AuthenticationTicket, *first.JobID, 42), want: "true"},
		{name: "wrong user", body: payload(first.AuthenticationTicket, *first.JobID, 43), want: "false"},
		{name: "swapped tickets", body: payload(*first.JobID, first.AuthenticationTicket, 42), want: "false"},
		{name: "not json", body: "ticket=abc", want: "false"},
		{name: "empty", body: "", want: "false"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validate(tt.body)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, rec.Body.String())
		})
	}

	// unreadable bodies publish nothing; the other three publish concurrently
	accepted := 0
	for i := 0; i < 3; i++ {
		ev := h.events.next(t)
		assert.Equal(t, queues.EventValidation, ev.Type)
		require.NotNil(t, ev.Accepted)
		if *ev.Accepted {
			accepted++
			assert.Equal(t, int64(42), ev.UserID)
			assert.Equal(t, int64(100), ev.PlaceID)
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestServerAssignment(t *testing.T) {
	h := newHarness(t)
	first := decodeLaunch(t, h.launch(t, "42", "100"))
	path := "/gs/assignment?job=" + url.QueryEscape(*first.JobID)

	tests := []struct {
		name     string
		auth     string
		path     string
		wantCode int
	}{
		{name: "authorized", auth: testServerAuth, path: path, wantCode: http.StatusOK},
		{name: "no auth", auth: "", path: path, wantCode: http.StatusBadRequest},
		{name: "wrong auth", auth: "gs-shared-kez", path: path, wantCode: http.StatusBadRequest},
		{name: "join ticket as job", auth: testServerAuth, path: "/gs/assignment?job=" + url.QueryEscape(first.AuthenticationTicket), wantCode: http.StatusBadRequest},
		{name: "missing job", auth: testServerAuth, path: "/gs/assignment", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := h.do(req)
			require.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}
			var got join.ServerAssignment
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			assert.Equal(t, join.ServerAssignment{PlaceID: 100, Domain: "10.0.0.5:7777", ServerID: "gs-abc"}, got)
		})
	}
}

func TestReportPlayer(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		sinkErr  error
		wantCode int
		wantSeen int
	}{
		{name: "join", body: `{"authorization":"gs-shared-key","eventType":"Join","userId":42,"placeId":100,"serverId":"gs-abc"}`, wantCode: http.StatusOK, wantSeen: 1},
		{name: "leave", body: `{"authorization":"gs-shared-key","eventType":"Leave","userId":42,"placeId":100,"serverId":"gs-abc"}`, wantCode: http.StatusOK, wantSeen: 1},
		{name: "bad auth", body: `{"authorization":"nope","eventType":"Join","userId":42,"placeId":100,"serverId":"gs-abc"}`, wantCode: http.StatusBadRequest},
		{name: "unexpected type", body: `{"authorization":"gs-shared-key","eventType":"Teleport","userId":42,"placeId":100,"serverId":"gs-abc"}`, wantCode: http.StatusBadRequest},
		{name: "not json", body: `{`, wantCode: http.StatusBadRequest},
		{name: "store down", body: `{"authorization":"gs-shared-key","eventType":"Join","userId":42,"placeId":100,"serverId":"gs-abc"}`, sinkErr: errors.New("redis down"), wantCode: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.sink.fail = tt.sinkErr
			rec := h.do(httptest.NewRequest(http.MethodPost, "/gs/players/report", strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Len(t, h.sink.got, tt.wantSeen)
		})
	}
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	h := newHarness(t)
	rec := h.do(httptest.NewRequest(http.MethodGet, "/Game/ValidateTicket.ashx", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
