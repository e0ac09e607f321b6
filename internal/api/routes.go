package api

import "net/http"

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/changes", s.handleChanges)
	mux.HandleFunc("/api/changes", s.handleChanges)
	if s.deliveries {
		mux.HandleFunc("GET /v1/deliveries", s.handleDeliveries)
		mux.HandleFunc("GET /v1/deliveries/{id}", s.handleDeliveryByID)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}
