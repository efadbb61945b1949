package gateway

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agones-join-coordinator/tickets"

	"github.com/google/uuid"
)

const (
	scriptSignature = "--rbxsig\r\n"
	pingInterval    = 45
	chatStyle       = "ClassicAndBubble"
)

// joinScript is the connection description the client reads after the signature line.
type joinScript struct {
	ClientPort          int    `json:"ClientPort"`
	MachineAddress      string `json:"MachineAddress"`
	ServerPort          int    `json:"ServerPort"`
	PingURL             string `json:"PingUrl"`
	PingInterval        int    `json:"PingInterval"`
	UserName            string `json:"UserName"`
	SeleniumTestMode    bool   `json:"SeleniumTestMode"`
	UserID              int64  `json:"UserId"`
	SuperSafeChat       bool   `json:"SuperSafeChat"`
	CharacterAppearance string `json:"CharacterAppearance"`
	ClientTicket        string `json:"ClientTicket"`
	GameID              string `json:"GameId"`
	PlaceID             int64  `json:"PlaceId"`
	BaseURL             string `json:"BaseUrl"`
	ChatStyle           string `json:"ChatStyle"`
	SessionID           string `json:"SessionId"`
}

func (s *Server) joinScript(w http.ResponseWriter, r *http.Request) *httpError {
	q := r.URL.Query()
	ticket, job := q.Get("ticket"), q.Get("job")
	if ticket == "" {
		return missing("ticket")
	}
	if job == "" {
		return missing("job")
	}

	jt, err := s.coord.OpenJoinTicket(ticket, callerIP(r))
	if err != nil {
		return &httpError{Code: http.StatusForbidden, Type: ticketInvalid, Message: "ticket is not valid for this client", Cause: err}
	}
	assignment, err := s.coord.DecodeServerAssignment(job)
	if err != nil {
		return &httpError{Code: http.StatusForbidden, Type: ticketInvalid, Message: "job is not valid", Cause: err}
	}
	if assignment.PlaceID != jt.PlaceID {
		return &httpError{Code: http.StatusForbidden, Type: ticketInvalid, Message: "job is for another place"}
	}
	host, port, err := splitDomain(assignment.Domain)
	if err != nil {
		return internal(err)
	}
	if s.users == nil {
		return internal(errors.New("no user directory configured"))
	}
	username, err := s.users.GetUsername(r.Context(), jt.UserID)
	if err != nil {
		return &httpError{Code: http.StatusNotFound, Type: userNotFound, Message: "user not found", Cause: err}
	}

	now := s.now()
	script := joinScript{
		MachineAddress:      host,
		ServerPort:          port,
		PingInterval:        pingInterval,
		UserName:            username,
		UserID:              jt.UserID,
		CharacterAppearance: s.coord.AppearanceURL(jt.UserID),
		ClientTicket:        now.Format("01/02/2006 3:04 PM") + ";" + ticket,
		GameID:              assignment.ServerID,
		PlaceID:             assignment.PlaceID,
		BaseURL:             s.opts.BaseURL,
		ChatStyle:           chatStyle,
		SessionID:           sessionID(host, now, ticket),
	}
	b, err := json.Marshal(script)
	if err != nil {
		return internal(err)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(append([]byte(scriptSignature), b...))
	return nil
}

func sessionID(host string, now time.Time, ticket string) string {
	return strings.Join([]string{
		uuid.NewString(), uuid.Nil.String(), "0", host, "8", now.UTC().Format("2006-01-02T15:04:05.0000000Z"), "0", "null", ticket,
	}, "|")
}

func splitDomain(domain string) (string, int, error) {
	host, rawPort, err := net.SplitHostPort(domain)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func isDecodeError(err error) bool {
	var de *tickets.DecodeError
	return errors.As(err, &de)
}
