// Package gateway serves the legacy client and game server HTTP endpoints on
// top of the join coordinator.
package gateway

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"agones-join-coordinator/join"
	"agones-join-coordinator/queues"
	"agones-join-coordinator/tickets"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

// UserHeader carries the authenticated user id set by the session layer in front of the gateway.
const UserHeader = "X-Authenticated-User-Id"

const publishTimeout = 2 * time.Second

type Coordinator interface {
	RequestJoin(ctx context.Context, userID, placeID int64, callerIP string) *join.PlacementResult
	RequestJoinWithTicket(ctx context.Context, ticket, callerIP string) *join.PlacementResult
	OpenJoinTicket(ticket, callerIP string) (*tickets.JoinTicket, error)
	DecodeServerAssignment(job string) (*join.ServerAssignment, error)
	Verify(ctx context.Context, req join.ValidateRequest) join.Verdict
	AppearanceURL(userID int64) string
	IssueJoinTicket(userID, placeID int64, callerIP string) (string, error)
}

// ActivitySink records player join/leave reports.
type ActivitySink interface {
	Apply(ctx context.Context, act *queues.PlayerActivity) error
}

// ServerControl stops game servers on their own request.
type ServerControl interface {
	ShutdownServer(ctx context.Context, serverID string) error
	DeleteServer(ctx context.Context, serverID string) error
}

// ServerLiveness tracks game server pings.
type ServerLiveness interface {
	SetServerPing(ctx context.Context, serverID string) error
	LastServerPing(ctx context.Context, serverID string) (time.Time, error)
	ForgetServer(ctx context.Context, serverID string) error
}

type Options struct {
	BaseURL string
	// ServerAuthorization is the shared key game servers present.
	ServerAuthorization string
	// ServerAliveWindow is how recent a ping must be for a server to count as alive.
	ServerAliveWindow time.Duration
	// DebugEndpoints exposes the local ticket launcher.
	DebugEndpoints bool
}

type Server struct {
	coord    Coordinator
	users    join.UserDirectory
	activity ActivitySink
	events   queues.Publisher
	servers  ServerControl
	liveness ServerLiveness
	opts     Options
	now      func() time.Time
}

func New(coord Coordinator, users join.UserDirectory, activity ActivitySink, events queues.Publisher, opts Options) *Server {
	if events == nil {
		events = queues.Discard{}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.ServerAliveWindow <= 0 {
		opts.ServerAliveWindow = time.Minute
	}
	return &Server{coord: coord, users: users, activity: activity, events: events, opts: opts, now: time.Now}
}

// WithServers enables the game server lifecycle routes.
func (s *Server) WithServers(ctl ServerControl, live ServerLiveness) *Server {
	s.servers = ctl
	s.liveness = live
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/Game/PlaceLauncher.ashx", handlerFunc(s.placeLauncher)).Methods(http.MethodGet)
	r.Handle("/placelauncher.ashx", handlerFunc(s.ticketLauncher)).Methods(http.MethodGet, http.MethodPost)
	r.Handle("/Game/join.ashx", handlerFunc(s.joinScript)).Methods(http.MethodGet)
	r.HandleFunc("/Game/ValidateTicket.ashx", s.validateTicket).Methods(http.MethodPost)
	if s.opts.DebugEndpoints {
		r.Handle("/game/get-join-script-debug", handlerFunc(s.debugLauncher)).Methods(http.MethodGet)
	}

	gs := r.PathPrefix("/gs").Subrouter()
	gs.Handle("/assignment", handlerFunc(s.assignment)).Methods(http.MethodGet)
	gs.Handle("/players/report", handlerFunc(s.reportPlayer)).Methods(http.MethodPost)
	gs.Handle("/ping", handlerFunc(s.serverPing)).Methods(http.MethodPost)
	gs.Handle("/activity", handlerFunc(s.serverActivity)).Methods(http.MethodPost)
	gs.Handle("/shutdown", handlerFunc(s.serverShutdown)).Methods(http.MethodPost)
	gs.Handle("/delete", handlerFunc(s.serverDelete)).Methods(http.MethodPost)
	return r
}

// checkServerAuth compares the presented key in constant time.
func (s *Server) checkServerAuth(r *http.Request, presented string) *httpError {
	if presented == "" {
		presented = r.Header.Get("Authorization")
	}
	if s.opts.ServerAuthorization == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(s.opts.ServerAuthorization)) != 1 {
		log.Warn().Str("path", r.URL.Path).Str("ip", callerIP(r)).Msg("gateway: game server authorization failed")
		return badRequest(unauthorized, "invalid server authorization")
	}
	return nil
}

func (s *Server) publish(ev *queues.JoinEvent) {
	ev.EnvelopeVersion = "1.0"
	ev.EventID = uuid.NewString()
	ev.At = s.now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.events.PublishEvent(ctx, ev); err != nil {
			log.Warn().Err(err).Str("type", ev.Type).Str("eventId", ev.EventID).Msg("gateway: failed to publish join event")
		}
	}()
}

func callerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
