// Package respond writes JSON responses and maps domain errors to HTTP status codes.
package respond

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wolfman30/clinic-booking/internal/scheduling"
	"github.com/wolfman30/clinic-booking/pkg/logging"
)

// ErrorBody is the payload of every failed request.
type ErrorBody struct {
	Status int    `json:"status"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}

func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind scheduling.Kind) int {
	switch kind {
	case scheduling.KindNotFound:
		return http.StatusNotFound
	case scheduling.KindConflict:
		return http.StatusConflict
	case scheduling.KindValidation:
		return http.StatusUnprocessableEntity
	case scheduling.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error writes err using its taxonomy code. Uncoded errors are logged and
// reported as internal.
func Error(w http.ResponseWriter, logger *logging.Logger, err error) {
	err = scheduling.AsInternal(err)
	var coded *scheduling.Error
	if !errors.As(err, &coded) {
		coded = scheduling.ErrInternal
	}
	status := StatusFor(coded.Kind)
	message := err.Error()
	if coded.Kind == scheduling.KindInternal {
		if logger != nil {
			logger.Error("request failed", "error", scheduling.Cause(err))
		}
		message = coded.Message
	}
	JSON(w, status, ErrorBody{Status: status, Code: coded.Code, Error: message})
}

// BadRequest reports a malformed request body or parameter.
func BadRequest(w http.ResponseWriter, message string) {
	JSON(w, http.StatusBadRequest, ErrorBody{
		Status: http.StatusBadRequest,
		Code:   scheduling.ErrInvalidRequest.Code,
		Error:  message,
	})
}
