package gateway

import (
	"encoding/json"
	"net/http"

	"agones-join-coordinator/join"
	"agones-join-coordinator/metrics"
	"agones-join-coordinator/queues"

	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 64 << 10

type validateTicketRequest struct {
	Ticket                string  `json:"ticket"`
	GameJobID             string  `json:"gameJobId"`
	ExpectedUserID        *int64  `json:"expectedUserId"`
	ExpectedUsername      *string `json:"expectedUsername"`
	ExpectedAppearanceURL *string `json:"expectedAppearanceUrl"`
}

type playerReport struct {
	Authorization string `json:"authorization"`
	queues.PlayerActivity
}

// validateTicket answers plain "true" or "false". Game servers crash on a 5xx,
// so nothing here may fail loudly.
func (s *Server) validateTicket(w http.ResponseWriter, r *http.Request) {
	accepted := false
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("gateway: ticket validation panicked")
			accepted = false
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if accepted {
			_, _ = w.Write([]byte("true"))
			return
		}
		_, _ = w.Write([]byte("false"))
	}()

	var body validateTicketRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		log.Warn().Err(err).Msg("gateway: unreadable ticket validation request")
		return
	}
	v := s.coord.Verify(r.Context(), join.ValidateRequest{
		JoinTicket:            body.Ticket,
		ServerTicket:          body.GameJobID,
		ExpectedUserID:        body.ExpectedUserID,
		ExpectedUsername:      body.ExpectedUsername,
		ExpectedAppearanceURL: body.ExpectedAppearanceURL,
	})
	accepted = v.Accepted

	verdict := v.Accepted
	ev := &queues.JoinEvent{Type: queues.EventValidation, UserID: v.UserID, PlaceID: v.PlaceID, Job: body.GameJobID, Accepted: &verdict}
	if ev.UserID == 0 && body.ExpectedUserID != nil {
		ev.UserID = *body.ExpectedUserID
	}
	s.publish(ev)
}

func (s *Server) assignment(w http.ResponseWriter, r *http.Request) *httpError {
	if herr := s.checkServerAuth(r, ""); herr != nil {
		return herr
	}
	job := r.URL.Query().Get("job")
	if job == "" {
		return missing("job")
	}
	a, err := s.coord.DecodeServerAssignment(job)
	if err != nil {
		return &httpError{Code: http.StatusBadRequest, Type: ticketInvalid, Message: "job is not valid", Cause: err}
	}
	return writeJSON(w, a)
}

func (s *Server) reportPlayer(w http.ResponseWriter, r *http.Request) *httpError {
	var body playerReport
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		return &httpError{Code: http.StatusBadRequest, Type: payloadInvalid, Message: "payload is invalid", Cause: err}
	}
	if herr := s.checkServerAuth(r, body.Authorization); herr != nil {
		return herr
	}
	act := body.PlayerActivity
	if err := act.Validate(); err != nil {
		return &httpError{Code: http.StatusBadRequest, Type: payloadInvalid, Message: err.Error()}
	}
	if s.activity == nil {
		return internal(errNoActivitySink)
	}
	if err := s.activity.Apply(r.Context(), &act); err != nil {
		return internal(err)
	}
	metrics.PlayerActivityTotal.WithLabelValues("gateway", string(act.EventType)).Inc()
	w.WriteHeader(http.StatusOK)
	return nil
}
