package api

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

type auditEvent struct {
	Time          string   `json:"time"`
	Decision      string   `json:"decision"`
	Mechanism     string   `json:"mechanism"`
	Actor         string   `json:"actor,omitempty"`
	Roles         []string `json:"roles,omitempty"`
	Method        string   `json:"method"`
	Path          string   `json:"path"`
	RemoteIP      string   `json:"remote_ip,omitempty"`
	RequestID     string   `json:"request_id,omitempty"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Reason        string   `json:"reason,omitempty"`
}

func (s *Server) auditAuth(r *http.Request, decision, mechanism, actor string, roles []string, reason string) {
	ev := auditEvent{
		Time:          time.Now().UTC().Format(time.RFC3339),
		Decision:      strings.TrimSpace(decision),
		Mechanism:     strings.TrimSpace(mechanism),
		Actor:         strings.TrimSpace(actor),
		Roles:         roles,
		Method:        r.Method,
		Path:          r.URL.Path,
		RemoteIP:      requestRemoteIP(r),
		RequestID:     strings.TrimSpace(r.Header.Get("X-Request-Id")),
		CorrelationID: strings.TrimSpace(r.Header.Get("X-Correlation-Id")),
		Reason:        strings.TrimSpace(reason),
	}
	s.audit.Info("audit_auth",
		"decision", ev.Decision,
		"mechanism", ev.Mechanism,
		"actor", ev.Actor,
		"roles", ev.Roles,
		"method", ev.Method,
		"path", ev.Path,
		"remote_ip", ev.RemoteIP,
		"request_id", ev.RequestID,
		"reason", ev.Reason,
	)
	s.writeAuditLine(ev)
}

func requestRemoteIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

// writeAuditLine appends the decision as one JSON line to the audit file, when configured.
func (s *Server) writeAuditLine(ev auditEvent) {
	path := strings.TrimSpace(s.auth.Audit.LogFile)
	if path == "" {
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		s.audit.Error(err, "encode audit event")
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		s.audit.Error(err, "open audit log", "path", path)
		return
	}
	defer f.Close()
	_, _ = f.Write(append(b, '\n'))
}
