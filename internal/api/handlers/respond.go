package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/amaumene/sermonsync/internal/models"
	"github.com/sirupsen/logrus"
)

// errorResponse is the body of every failed request
type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps the engine's errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case models.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrListFull),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, models.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrCorrupt):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, logger *logrus.Logger, err error) {
	status := statusFor(err)
	entry := logger.WithError(err).WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// decode reads a JSON body into v, rejecting unknown fields
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", models.ErrInvalidInput, err)
	}
	return nil
}
