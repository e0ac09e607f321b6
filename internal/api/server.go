package api

import (
	"net/http"

	"lakesink/internal/app"

	"github.com/go-logr/logr"
)

type AuthConfig struct {
	Read   BearerPolicy
	Ingest IngestPolicy
	OIDC   OIDCPolicy
	JWT    JWTPolicy
	Audit  AuditPolicy
	Rate   RateLimitPolicy
}

type BearerPolicy struct {
	Token string
}

type HMACPolicy struct {
	Header string
	Secret string
}

type IngestPolicy struct {
	Bearer  BearerPolicy
	Webhook HMACPolicy
}

// OIDCPolicy trusts a roles header set by an authenticating proxy.
type OIDCPolicy struct {
	Enabled     bool
	RolesHeader string
}

type JWTPolicy struct {
	Enabled           bool
	Issuer            string
	Audience          string
	RolesClaim        string
	HS256Secret       string
	RS256PublicKeyPEM string
}

type AuditPolicy struct {
	LogFile string
}

type RateLimitPolicy struct {
	Enabled         bool
	ReadPerMinute   int
	IngestPerMinute int
}

type ServerOptions struct {
	Auth    AuthConfig
	Logger  logr.Logger
	Metrics http.Handler

	// ExposeDeliveries registers the read-only ledger endpoints.
	ExposeDeliveries bool
}

type Server struct {
	service     *app.Service
	auth        AuthConfig
	rateLimiter *authRateLimiter
	deliveries  bool
	metrics     http.Handler
	logger      logr.Logger
	audit       logr.Logger
}

func NewServer(svc *app.Service, opts ServerOptions) *Server {
	auth := withAuthDefaults(opts.Auth)
	logger := opts.Logger.WithName("api")
	return &Server{
		service:     svc,
		auth:        auth,
		rateLimiter: newAuthRateLimiter(auth.Rate),
		deliveries:  opts.ExposeDeliveries,
		metrics:     opts.Metrics,
		logger:      logger,
		audit:       logger.WithName("audit"),
	}
}
