package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// access is what a request wants to do with the service.
type access string

const (
	accessRead   access = "read"
	accessIngest access = "ingest"
)

const (
	roleViewer   = "viewer"
	roleProducer = "producer"
	roleAdmin    = "admin"
)

// grants lists the caller roles that allow each access when roles are enforced.
var grants = map[access][]string{
	accessRead:   {roleViewer, roleProducer, roleAdmin},
	accessIngest: {roleProducer, roleAdmin},
}

const defaultSignatureHeader = "X-Lakesink-Signature"

var (
	errRateLimited  = errors.New("rate limited")
	errBearer       = errors.New("missing or invalid bearer token")
	errSignature    = errors.New("invalid webhook signature")
	errRoleRequired = errors.New("caller has no role for this endpoint")
)

// authorize runs the gates in order: rate limit, caller roles, then the shared
// secrets configured for the access. body is only read for ingest signatures.
func (s *Server) authorize(r *http.Request, want access, body []byte) error {
	if s.rateLimiter != nil && !s.rateLimiter.Allow(r, string(want)) {
		return s.deny(r, "rate_limit", nil, errRateLimited)
	}
	c, err := s.identify(r)
	if err != nil {
		return s.deny(r, c.mechanism, nil, err)
	}
	if c.enforced && !c.hasAny(grants[want]...) {
		return s.deny(r, c.mechanism, c.roles, errRoleRequired)
	}

	mechanism := c.mechanism
	switch want {
	case accessRead:
		if token := strings.TrimSpace(s.auth.Read.Token); token != "" {
			if !matchBearer(r.Header.Get("Authorization"), token) {
				return s.deny(r, "bearer", nil, errBearer)
			}
			mechanism = "bearer"
		}
	case accessIngest:
		if token := strings.TrimSpace(s.auth.Ingest.Bearer.Token); token != "" {
			if !matchBearer(r.Header.Get("Authorization"), token) {
				return s.deny(r, "bearer", nil, errBearer)
			}
			mechanism = "bearer"
		}
		if secret := strings.TrimSpace(s.auth.Ingest.Webhook.Secret); secret != "" {
			if !signatureMatches(secret, body, r.Header.Get(s.auth.Ingest.Webhook.Header)) {
				return s.deny(r, "webhook-signature", nil, errSignature)
			}
			mechanism = "webhook-signature"
		}
	}
	if mechanism == "" {
		mechanism = "none"
	}
	s.auditAuth(r, "allow", mechanism, c.subject, c.roles, "")
	return nil
}

func (s *Server) deny(r *http.Request, mechanism string, roles []string, err error) error {
	s.auditAuth(r, "deny", mechanism, "", roles, err.Error())
	return err
}

// signatureMatches checks a "sha256=<hex>" HMAC of the raw body.
func signatureMatches(secret string, body []byte, header string) bool {
	algo, digest, ok := strings.Cut(strings.TrimSpace(header), "=")
	if !ok || !strings.EqualFold(algo, "sha256") {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(digest))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

func matchBearer(header, expected string) bool {
	token := bearerToken(header)
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func withAuthDefaults(in AuthConfig) AuthConfig {
	if strings.TrimSpace(in.Ingest.Webhook.Header) == "" {
		in.Ingest.Webhook.Header = defaultSignatureHeader
	}
	if strings.TrimSpace(in.OIDC.RolesHeader) == "" {
		in.OIDC.RolesHeader = "X-Auth-Roles"
	}
	if strings.TrimSpace(in.JWT.RolesClaim) == "" {
		in.JWT.RolesClaim = "roles"
	}
	if in.Rate.ReadPerMinute <= 0 {
		in.Rate.ReadPerMinute = 600
	}
	if in.Rate.IngestPerMinute <= 0 {
		in.Rate.IngestPerMinute = 600
	}
	return in
}
