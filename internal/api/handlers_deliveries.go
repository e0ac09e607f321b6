package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "lakesink",
		"backend": s.service.Backend(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, accessRead, nil); err != nil {
		writeDenied(w, err)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a non-negative integer", nil, false)
			return
		}
		limit = n
	}
	items, err := s.service.Deliveries(r.Context(), limit)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) handleDeliveryByID(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, accessRead, nil); err != nil {
		writeDenied(w, err)
		return
	}
	d, err := s.service.Delivery(r.Context(), r.PathValue("id"))
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
