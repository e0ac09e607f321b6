package api

import (
	"errors"
	"net/http"

	"lakesink/internal/app"
	"lakesink/internal/changeevent"
	ce "lakesink/internal/cloudevents"
	"lakesink/internal/lake"
	"lakesink/internal/store"
)

// SuccessMessage is the body returned once a change event has landed.
const SuccessMessage = "This HTTP triggered function executed successfully."

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil, false)
		return
	}
	body, err := readChangeBody(w, r, maxIngestBodyBytes)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body is too large", nil, false)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read body", nil, false)
		return
	}
	if err := s.authorize(r, accessIngest, body); err != nil {
		writeDenied(w, err)
		return
	}

	sub := app.Submission{Body: body}
	if ce.IsCloudEvent(r) {
		data, env, err := ce.ParseRequest(r, body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil, false)
			return
		}
		sub.Body = data
		sub.SourceEventID = env.ID
	}

	d, err := s.service.Land(r.Context(), sub)
	if d.ID != "" {
		w.Header().Set("X-Delivery-Id", d.ID)
	}
	if err != nil {
		s.writeLandError(w, d, err)
		return
	}
	writeText(w, http.StatusOK, SuccessMessage)
}

func (s *Server) writeLandError(w http.ResponseWriter, d store.Delivery, err error) {
	var (
		parseErr  *changeevent.ParseError
		statusErr *lake.StatusError
		stepErr   *lake.StepError
	)
	step := ""
	if errors.As(err, &stepErr) {
		step = stepErr.Step
	}
	switch {
	case errors.As(err, &parseErr):
		writeError(w, http.StatusBadRequest, "INVALID_CHANGE_EVENT", err.Error(), map[string]interface{}{
			"field":      parseErr.Field,
			"identifier": d.Identifier,
		}, false)
	case errors.Is(err, lake.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "FILE_EXISTS", "file already exists", map[string]interface{}{
			"file": d.FileName,
		}, false)
	case errors.Is(err, lake.ErrTokenExchange):
		writeError(w, http.StatusBadGateway, "TOKEN_EXCHANGE_FAILED", err.Error(), map[string]interface{}{
			"file": d.FileName,
		}, true)
	case errors.As(err, &statusErr):
		writeError(w, http.StatusBadGateway, "UPSTREAM_STATUS", err.Error(), map[string]interface{}{
			"file":   d.FileName,
			"step":   step,
			"status": statusErr.StatusCode,
		}, statusErr.Retryable())
	default:
		s.logger.Error(err, "landing failed", "delivery_id", d.ID)
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), map[string]interface{}{
			"file": d.FileName,
			"step": step,
		}, true)
	}
}
