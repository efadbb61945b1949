package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// serverRequest is the body of every /gs lifecycle call.
type serverRequest struct {
	Authorization string `json:"authorization"`
	ServerID      string `json:"serverId"`
}

type activityResponse struct {
	IsAlive   bool       `json:"isAlive"`
	UpdatedAt *time.Time `json:"updatedAt"`
}

type debugLaunchResponse struct {
	PlaceLauncher        string `json:"placeLauncher"`
	AuthenticationTicket string `json:"authenticationTicket"`
}

func (s *Server) readServerRequest(w http.ResponseWriter, r *http.Request) (*serverRequest, *httpError) {
	var body serverRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		return nil, &httpError{Code: http.StatusBadRequest, Type: payloadInvalid, Message: "payload is invalid", Cause: err}
	}
	if herr := s.checkServerAuth(r, body.Authorization); herr != nil {
		return nil, herr
	}
	if body.ServerID == "" {
		return nil, missing("serverId")
	}
	if s.servers == nil || s.liveness == nil {
		return nil, internal(errNoServers)
	}
	return &body, nil
}

func (s *Server) serverPing(w http.ResponseWriter, r *http.Request) *httpError {
	body, herr := s.readServerRequest(w, r)
	if herr != nil {
		return herr
	}
	if err := s.liveness.SetServerPing(r.Context(), body.ServerID); err != nil {
		return internal(err)
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) serverActivity(w http.ResponseWriter, r *http.Request) *httpError {
	body, herr := s.readServerRequest(w, r)
	if herr != nil {
		return herr
	}
	last, err := s.liveness.LastServerPing(r.Context(), body.ServerID)
	if err != nil {
		return internal(err)
	}
	var out activityResponse
	if !last.IsZero() {
		out.UpdatedAt = &last
		out.IsAlive = !last.Before(s.now().Add(-s.opts.ServerAliveWindow))
	}
	return writeJSON(w, out)
}

func (s *Server) serverShutdown(w http.ResponseWriter, r *http.Request) *httpError {
	return s.retireServer(w, r, "shutdown", func(ctx context.Context, id string) error { return s.servers.ShutdownServer(ctx, id) })
}

func (s *Server) serverDelete(w http.ResponseWriter, r *http.Request) *httpError {
	return s.retireServer(w, r, "delete", func(ctx context.Context, id string) error { return s.servers.DeleteServer(ctx, id) })
}

func (s *Server) retireServer(w http.ResponseWriter, r *http.Request, action string, stop func(context.Context, string) error) *httpError {
	body, herr := s.readServerRequest(w, r)
	if herr != nil {
		return herr
	}
	if err := stop(r.Context(), body.ServerID); err != nil {
		return internal(err)
	}
	if err := s.liveness.ForgetServer(r.Context(), body.ServerID); err != nil {
		log.Warn().Err(err).Str("serverId", body.ServerID).Msg("gateway: failed to clear server ping")
	}
	log.Info().Str("serverId", body.ServerID).Str("action", action).Msg("gateway: game server retired")
	w.WriteHeader(http.StatusOK)
	return nil
}

// debugLauncher mints a ticket for any user so a local client can join
// without a session. Only routed when debug endpoints are enabled.
func (s *Server) debugLauncher(w http.ResponseWriter, r *http.Request) *httpError {
	q := r.URL.Query()
	placeID, herr := positiveID(q, "placeId")
	if herr != nil {
		return herr
	}
	userID, herr := positiveID(q, "userId")
	if herr != nil {
		return herr
	}
	ticket, err := s.coord.IssueJoinTicket(userID, placeID, callerIP(r))
	if err != nil {
		return internal(err)
	}
	return writeJSON(w, debugLaunchResponse{
		PlaceLauncher:        s.opts.BaseURL + "/placelauncher.ashx?ticket=" + url.QueryEscape(ticket),
		AuthenticationTicket: ticket,
	})
}
