package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lakesink/internal/api"
	"lakesink/internal/app"
	"lakesink/internal/config"
	"lakesink/internal/lake"
	"lakesink/internal/migrate"
	"lakesink/internal/notify"
	"lakesink/internal/observability"
	"lakesink/internal/store"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	_ "github.com/jackc/pgx/v5/stdlib"

	_ "modernc.org/sqlite"
)

type Runtime struct {
	Handler  http.Handler
	Service  *app.Service
	Registry *prometheus.Registry
	Cleanup  func()
}

func NewRuntime(ctx context.Context, cfg config.Config, logger logr.Logger) (*Runtime, error) {
	writer, err := BuildWriter(cfg, logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	repo, closeRepo := buildRepository(ctx, cfg, logger)
	notifier, closeNotifier := buildNotifier(cfg, logger)
	cleanup := func() {
		closeNotifier()
		closeRepo()
	}

	svc, err := app.NewService(writer, repo, app.Options{
		Prefix:   cfg.Writer.FilePrefix,
		Notifier: notifier,
		Observer: observability.NewLakeMetrics(reg),
		Logger:   logger,
	})
	if err != nil {
		cleanup()
		return nil, err
	}

	server := api.NewServer(svc, api.ServerOptions{
		Auth: api.AuthConfig{
			Read: api.BearerPolicy{
				Token: cfg.Auth.Read.Token,
			},
			Ingest: api.IngestPolicy{
				Bearer: api.BearerPolicy{
					Token: cfg.Auth.Ingest.Bearer.Token,
				},
				Webhook: api.HMACPolicy{
					Header: cfg.Auth.Ingest.Webhook.Header,
					Secret: cfg.Auth.Ingest.Webhook.Secret,
				},
			},
			OIDC: api.OIDCPolicy{
				Enabled:     cfg.Auth.OIDC.Enabled,
				RolesHeader: cfg.Auth.OIDC.RolesHeader,
			},
			JWT: api.JWTPolicy{
				Enabled:           cfg.Auth.JWT.Enabled,
				Issuer:            cfg.Auth.JWT.Issuer,
				Audience:          cfg.Auth.JWT.Audience,
				RolesClaim:        cfg.Auth.JWT.RolesClaim,
				HS256Secret:       cfg.Auth.JWT.HS256Secret,
				RS256PublicKeyPEM: cfg.Auth.JWT.RS256PublicKeyPEM,
			},
			Audit: api.AuditPolicy{
				LogFile: cfg.Auth.Audit.LogFile,
			},
			Rate: api.RateLimitPolicy{
				Enabled:         cfg.Auth.RateLimit.Enabled,
				ReadPerMinute:   cfg.Auth.RateLimit.ReadPerMinute,
				IngestPerMinute: cfg.Auth.RateLimit.IngestPerMinute,
			},
		},
		ExposeDeliveries: cfg.ExposeDeliveries,
		Logger:           logger,
		Metrics:          promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	})

	metrics := observability.NewHTTPMetrics(reg)
	return &Runtime{
		Handler:  metrics.Wrap(server.Routes()),
		Service:  svc,
		Registry: reg,
		Cleanup:  cleanup,
	}, nil
}

// BuildWriter selects the lake backend named by cfg.Writer.Backend.
func BuildWriter(cfg config.Config, logger logr.Logger) (lake.Writer, error) {
	switch cfg.Writer.Backend {
	case config.BackendFilesystem:
		return lake.NewFilesystemWriter(cfg.Writer.LocalDir), nil
	case config.BackendDataLake:
		return lake.NewDataLakeWriter(lake.DataLakeOptions{
			AccountName: cfg.DataLake.AccountName,
			AccountKey:  cfg.DataLake.AccountKey,
			Container:   cfg.DataLake.Container,
			Directory:   cfg.DataLake.Directory,
			ServiceURL:  cfg.DataLake.ServiceURL,
		}, logger)
	case config.BackendOneLake:
		client := &http.Client{Timeout: cfg.HTTPTimeout}
		tokens, err := lake.NewTokenFetcher(lake.ClientCredentials{
			AppID:        cfg.OneLake.AppID,
			ClientSecret: cfg.OneLake.ClientSecret,
			DirectoryID:  cfg.OneLake.DirectoryID,
			Authority:    cfg.OneLake.Authority,
			Scope:        cfg.OneLake.Scope,
		}, client)
		if err != nil {
			return nil, err
		}
		return lake.NewOneLakeWriter(lake.OneLakeOptions{
			Endpoint:  cfg.OneLake.Endpoint,
			Workspace: cfg.OneLake.Workspace,
			Item:      cfg.OneLake.Item,
			Path:      cfg.OneLake.Path,
		}, tokens, client, logger)
	}
	return nil, fmt.Errorf("unknown writer backend %q", cfg.Writer.Backend)
}

func buildNotifier(cfg config.Config, logger logr.Logger) (notify.Notifier, func()) {
	brokers := cfg.KafkaBrokers()
	if len(brokers) == 0 {
		return notify.Nop{}, func() {}
	}
	k, err := notify.NewKafkaNotifier(notify.KafkaOptions{
		Brokers: brokers,
		Topic:   cfg.Kafka.Topic,
	}, logger)
	if err != nil {
		logger.Error(err, "kafka notifier init failed, landed files will not be announced")
		return notify.Nop{}, func() {}
	}
	logger.Info("announcing landed files", "topic", cfg.Kafka.Topic, "brokers", len(brokers))
	return k, func() { _ = k.Close() }
}

func buildRepository(ctx context.Context, cfg config.Config, logger logr.Logger) (store.Repository, func()) {
	logger = logger.WithName("ledger")
	if cfg.DBDriver == "" || cfg.DBDSN == "" {
		logger.Info("running with in-memory delivery ledger")
		return store.NewMemoryRepository(), func() {}
	}

	db, err := sql.Open(cfg.DBDriver, applyPostgresTLS(cfg))
	if err != nil {
		logger.Error(err, "db open failed, falling back to in-memory ledger")
		return store.NewMemoryRepository(), func() {}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		logger.Error(err, "db ping failed, falling back to in-memory ledger")
		_ = db.Close()
		return store.NewMemoryRepository(), func() {}
	}

	if cfg.DBMigrate {
		if err := migrate.NewRunner(nil).Apply(ctx, db, cfg.DBDialect); err != nil {
			logger.Error(err, "migration apply failed, falling back to in-memory ledger")
			_ = db.Close()
			return store.NewMemoryRepository(), func() {}
		}
	}

	repo, err := store.NewSQLRepository(db, cfg.DBDialect)
	if err != nil {
		logger.Error(err, "sql ledger init failed, falling back to in-memory ledger")
		_ = db.Close()
		return store.NewMemoryRepository(), func() {}
	}
	logger.Info("running with SQL delivery ledger", "dialect", cfg.DBDialect)
	return repo, func() { _ = db.Close() }
}

// applyPostgresTLS merges the LAKESINK_DB_SSL* settings into an explicit pgx DSN.
func applyPostgresTLS(cfg config.Config) string {
	if strings.ToLower(strings.TrimSpace(cfg.DBDriver)) != "pgx" {
		return cfg.DBDSN
	}
	params := map[string]string{
		"sslmode":     strings.TrimSpace(cfg.DB.SSLMode),
		"sslrootcert": strings.TrimSpace(cfg.DB.SSLRootCert),
		"sslcert":     strings.TrimSpace(cfg.DB.SSLCert),
		"sslkey":      strings.TrimSpace(cfg.DB.SSLKey),
	}
	u, err := url.Parse(cfg.DBDSN)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return cfg.DBDSN
	}
	q := u.Query()
	changed := false
	for key, value := range params {
		if value != "" {
			q.Set(key, value)
			changed = true
		}
	}
	if !changed {
		return cfg.DBDSN
	}
	u.RawQuery = q.Encode()
	return u.String()
}
