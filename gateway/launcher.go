package gateway

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"agones-join-coordinator/join"
	"agones-join-coordinator/queues"
)

const (
	waitingMessage = "Waiting for server"
	errorMessage   = "Unable to join game"
)

// launchResponse is the envelope the legacy client polls for.
type launchResponse struct {
	JobID                *string `json:"jobId"`
	Status               int     `json:"status"`
	JoinScriptURL        string  `json:"joinScriptUrl,omitempty"`
	AuthenticationURL    string  `json:"authenticationUrl,omitempty"`
	AuthenticationTicket string  `json:"authenticationTicket,omitempty"`
	Message              *string `json:"message"`
}

func (s *Server) placeLauncher(w http.ResponseWriter, r *http.Request) *httpError {
	userID, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(UserHeader)), 10, 64)
	if err != nil || userID <= 0 {
		return &httpError{Code: http.StatusUnauthorized, Type: unauthenticated, Message: "not authenticated"}
	}
	placeID, herr := positiveID(r.URL.Query(), "placeId")
	if herr != nil {
		return herr
	}

	res := s.coord.RequestJoin(r.Context(), userID, placeID, callerIP(r))
	return s.writeLaunch(w, res)
}

func positiveID(q url.Values, field string) (int64, *httpError) {
	raw := q.Get(field)
	if raw == "" {
		return 0, missing(field)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest(invalidParameter, "%s %q is invalid", field, raw)
	}
	return id, nil
}

func (s *Server) ticketLauncher(w http.ResponseWriter, r *http.Request) *httpError {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		return missing("ticket")
	}
	res := s.coord.RequestJoinWithTicket(r.Context(), ticket, callerIP(r))
	var vf *join.ValidationFailure
	if res.Status == join.StatusError && (errors.As(res.Failure, &vf) || isDecodeError(res.Failure)) {
		s.publishPlacement(res)
		return &httpError{Code: http.StatusForbidden, Type: ticketInvalid, Message: "ticket is not valid for this client", Cause: res.Failure}
	}
	return s.writeLaunch(w, res)
}

func (s *Server) writeLaunch(w http.ResponseWriter, res *join.PlacementResult) *httpError {
	s.publishPlacement(res)
	out := launchResponse{Status: res.Status.LegacyCode()}
	switch res.Status {
	case join.StatusJoining:
		job := res.Job
		out.JobID = &job
		out.JoinScriptURL = s.opts.BaseURL + "/Game/join.ashx?ticket=" + url.QueryEscape(res.Ticket) + "&job=" + url.QueryEscape(res.Job)
		out.AuthenticationURL = s.opts.BaseURL + "/Login/Negotiate.ashx"
		out.AuthenticationTicket = res.Ticket
	case join.StatusWaiting:
		msg := waitingMessage
		out.Message = &msg
	default:
		msg := errorMessage
		out.Message = &msg
	}
	return writeJSON(w, out)
}

func (s *Server) publishPlacement(res *join.PlacementResult) {
	s.publish(&queues.JoinEvent{
		Type:    queues.EventPlacement,
		UserID:  res.UserID,
		PlaceID: res.PlaceID,
		Job:     res.Job,
		Status:  string(res.Status),
	})
}
