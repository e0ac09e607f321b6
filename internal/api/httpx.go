package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"lakesink/internal/store"
)

const maxIngestBodyBytes int64 = 1 << 20 // 1 MiB

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details"`
	Retryable bool        `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

func writeError(w http.ResponseWriter, status int, code, message string, details interface{}, retryable bool) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
	}})
}

// writeLedgerError maps delivery ledger failures onto the error envelope.
func writeLedgerError(w http.ResponseWriter, err error) {
	status, code, retryable := http.StatusInternalServerError, "INTERNAL", true
	if errors.Is(err, store.ErrInvalidInput) {
		status, code, retryable = http.StatusBadRequest, "INVALID_REQUEST", false
	} else if errors.Is(err, store.ErrNotFound) {
		status, code, retryable = http.StatusNotFound, "NOT_FOUND", false
	}
	writeError(w, status, code, err.Error(), nil, retryable)
}

// readChangeBody reads at most limit bytes; past that the read fails with
// *http.MaxBytesError.
func readChangeBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
}

// writeDenied answers a refused request: 429 when throttled, 401 otherwise.
func writeDenied(w http.ResponseWriter, err error) {
	if errors.Is(err, errRateLimited) {
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", err.Error(), nil, true)
		return
	}
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error(), nil, false)
}
