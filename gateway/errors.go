package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

type errorType string

const (
	missingParameter errorType = "missing_parameter"
	invalidParameter errorType = "invalid_parameter"
	payloadInvalid   errorType = "invalid_payload"
	unauthenticated  errorType = "unauthenticated"
	unauthorized     errorType = "unauthorized"
	ticketInvalid    errorType = "invalid_ticket"
	userNotFound     errorType = "user_not_found"
	internalError    errorType = "internal_error"
)

var (
	errNoActivitySink = errors.New("no activity sink configured")
	errNoServers      = errors.New("game server lifecycle is not configured")
)

// httpError is rendered as the failed request envelope.
type httpError struct {
	Code    int
	Type    errorType
	Message string
	// Cause is logged, never sent.
	Cause error
}

func (e *httpError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

type failedRequestResponse struct {
	Status    string `json:"status"`
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
}

func badRequest(t errorType, format string, args ...any) *httpError {
	return &httpError{Code: http.StatusBadRequest, Type: t, Message: fmt.Sprintf(format, args...)}
}

func missing(field string) *httpError {
	return badRequest(missingParameter, "required field %s is missing", field)
}

func internal(err error) *httpError {
	return &httpError{Code: http.StatusInternalServerError, Type: internalError, Message: "something went wrong", Cause: err}
}

// handlerFunc writes its own success response and returns an error otherwise.
type handlerFunc func(w http.ResponseWriter, r *http.Request) *httpError

func (h handlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	herr := h(w, r)
	if herr == nil {
		return
	}
	ev := log.Warn()
	if herr.Code >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(herr).Str("path", r.URL.Path).Int("code", herr.Code).Msg("gateway: request failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.Code)
	_ = json.NewEncoder(w).Encode(failedRequestResponse{
		Status:    "fail",
		ErrorType: string(herr.Type),
		Message:   herr.Message,
	})
}

func writeJSON(w http.ResponseWriter, v any) *httpError {
	b, err := json.Marshal(v)
	if err != nil {
		return internal(err)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
	return nil
}
