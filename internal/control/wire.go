package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"clustersched/internal/task"
	"clustersched/internal/task/engine"
	"clustersched/internal/task/scheduler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PrincipalHeader carries the caller identity on every request.
const PrincipalHeader = "X-Principal"

type idRequest struct {
	ID task.ID `json:"id"`
}

type runResponse struct {
	RunID string `json:"run_id"`
}

type addResponse struct {
	Added bool `json:"added"`
}

type pingResponse struct {
	Running    bool   `json:"running"`
	State      State  `json:"state"`
	StartError string `json:"start_error,omitempty"`
}

type startTimeResponse struct {
	Started time.Time `json:"started"`
}

type metricsRequest struct {
	Previous  *ServerMetrics `json:"previous,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type namesResponse struct {
	Names []string `json:"names"`
}

type clusterResponse struct {
	Cluster bool `json:"cluster"`
}

type executeRequest struct {
	Task      task.Definition `json:"task"`
	RunID     string          `json:"run_id"`
	Principal string          `json:"principal,omitempty"`
}

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

const (
	codeNotFound   = "not_found"
	codeReadOnly   = "read_only"
	codeNotRunning = "not_running"
	codeNotStarted = "not_started"
	codeForbidden  = "forbidden"
	codeBadRequest = "bad_request"
	codeNoRetry    = "no_retry"
	codeTimeout    = "timeout"
	codeInternal   = "internal"
)

func codeFor(err error) (int, string) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, scheduler.ErrReadOnly):
		return http.StatusConflict, codeReadOnly
	case errors.Is(err, scheduler.ErrNotRunning):
		return http.StatusConflict, codeNotRunning
	case errors.Is(err, ErrNotStarted), errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable, codeNotStarted
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, ErrBadRequest), errors.Is(err, task.ErrNameRequired):
		return http.StatusBadRequest, codeBadRequest
	case engine.IsNoRetry(err):
		return http.StatusUnprocessableEntity, codeNoRetry
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codeTimeout
	}
	return http.StatusInternalServerError, codeInternal
}

func errorForCode(code string) error {
	switch code {
	case codeNotFound:
		return task.ErrNotFound
	case codeReadOnly:
		return scheduler.ErrReadOnly
	case codeNotRunning:
		return scheduler.ErrNotRunning
	case codeNotStarted:
		return ErrNotStarted
	case codeForbidden:
		return ErrForbidden
	case codeBadRequest:
		return ErrBadRequest
	case codeTimeout:
		return context.DeadlineExceeded
	}
	return nil
}
