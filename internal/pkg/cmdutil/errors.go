package cmdutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/endorses/oapxray/internal/pkg/adminapi"
	"github.com/endorses/oapxray/internal/pkg/keystore"
	"github.com/endorses/oapxray/internal/pkg/trafficlog"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitGeneralError    = 1
	ExitConnectionError = 2
	ExitValidationError = 3
	ExitNotFoundError   = 4
	ExitConflictError   = 5
)

// ErrorResponse represents a JSON error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// OutputError writes an error response to stderr in JSON format and exits
func OutputError(err error, exitCode int) {
	resp := ErrorResponse{
		Error: err.Error(),
		Code:  exitCodeName(exitCode),
	}
	var apiErr *adminapi.APIError
	if errors.As(err, &apiErr) {
		resp.Error = apiErr.Message
	}

	data, _ := json.Marshal(resp)
	fmt.Fprintln(os.Stderr, string(data))
	os.Exit(exitCode)
}

// Fail is OutputError with the exit code chosen by ExitCodeFor.
func Fail(err error) {
	OutputError(err, ExitCodeFor(err))
}

// ExitCodeFor maps an error from the admin API or local stores to an exit code.
func ExitCodeFor(err error) int {
	var apiErr *adminapi.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusBadRequest:
			return ExitValidationError
		case http.StatusNotFound:
			return ExitNotFoundError
		case http.StatusConflict:
			return ExitConflictError
		case http.StatusBadGateway:
			return ExitConnectionError
		}
		return ExitGeneralError
	}

	switch {
	case errors.Is(err, trafficlog.ErrNotFound), errors.Is(err, keystore.ErrNotFound):
		return ExitNotFoundError
	case errors.Is(err, keystore.ErrInvalidSecret):
		return ExitValidationError
	}

	var urlErr interface{ Timeout() bool }
	if errors.As(err, &urlErr) {
		return ExitConnectionError
	}
	return ExitGeneralError
}

func exitCodeName(code int) string {
	switch code {
	case ExitSuccess:
		return "OK"
	case ExitConnectionError:
		return "UNAVAILABLE"
	case ExitValidationError:
		return "INVALID_ARGUMENT"
	case ExitNotFoundError:
		return "NOT_FOUND"
	case ExitConflictError:
		return "FAILED_PRECONDITION"
	default:
		return "UNKNOWN"
	}
}
