package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	BackendDataLake   = "datalake"
	BackendOneLake    = "onelake"
	BackendFilesystem = "filesystem"
)

type Config struct {
	Addr            string        `mapstructure:"addr"`
	DevInsecure     bool          `mapstructure:"dev_insecure"`
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	LogDebug        bool          `mapstructure:"log_debug"`

	// ExposeDeliveries serves the read-only delivery ledger over HTTP.
	ExposeDeliveries bool `mapstructure:"expose_deliveries"`

	DBDriver   string `mapstructure:"db_driver"`
	DBDSN      string `mapstructure:"db_dsn"`
	DBDialect  string `mapstructure:"db_dialect"`
	DBMigrate  bool   `mapstructure:"db_migrate"`
	DBHost     string `mapstructure:"db_host"`
	DBPort     string `mapstructure:"db_port"`
	DBName     string `mapstructure:"db_name"`
	DBUser     string `mapstructure:"db_user"`
	DBPassword string `mapstructure:"db_password"`

	Writer   WriterConfig   `mapstructure:"writer"`
	DataLake DataLakeConfig `mapstructure:"datalake"`
	OneLake  OneLakeConfig  `mapstructure:"onelake"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Auth     AuthConfig     `mapstructure:"auth"`
	DB       DBTLSConfig    `mapstructure:"db"`
	TLS      TLSConfig      `mapstructure:"tls"`
}

type WriterConfig struct {
	Backend    string `mapstructure:"backend"`
	FilePrefix string `mapstructure:"file_prefix"`
	LocalDir   string `mapstructure:"local_dir"`
}

// DataLakeConfig configures the account-key writer.
type DataLakeConfig struct {
	AccountName string `mapstructure:"account_name"`
	AccountKey  string `mapstructure:"account_key"`
	Container   string `mapstructure:"container"`
	Directory   string `mapstructure:"directory"`
	ServiceURL  string `mapstructure:"service_url"`
}

// OneLakeConfig configures the token-exchange writer.
type OneLakeConfig struct {
	AppID        string `mapstructure:"app_id"`
	ClientSecret string `mapstructure:"client_secret"`
	DirectoryID  string `mapstructure:"directory_id"`
	Authority    string `mapstructure:"authority"`
	Scope        string `mapstructure:"scope"`
	Endpoint     string `mapstructure:"endpoint"`
	Workspace    string `mapstructure:"workspace"`
	Item         string `mapstructure:"item"`
	Path         string `mapstructure:"path"`
}

type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

type AuthConfig struct {
	Read      BearerAuth    `mapstructure:"read"`
	Ingest    IngestAuth    `mapstructure:"ingest"`
	OIDC      OIDCAuth      `mapstructure:"oidc"`
	JWT       JWTAuth       `mapstructure:"jwt"`
	Audit     AuditAuth     `mapstructure:"audit"`
	RateLimit RateLimitAuth `mapstructure:"rate_limit"`
}

type BearerAuth struct {
	Token string `mapstructure:"token"`
}

type IngestAuth struct {
	Bearer  BearerAuth `mapstructure:"bearer"`
	Webhook HMACAuth   `mapstructure:"webhook"`
}

type HMACAuth struct {
	Header string `mapstructure:"header"`
	Secret string `mapstructure:"secret"`
}

type OIDCAuth struct {
	Enabled     bool   `mapstructure:"enabled"`
	RolesHeader string `mapstructure:"roles_header"`
}

type JWTAuth struct {
	Enabled           bool   `mapstructure:"enabled"`
	Issuer            string `mapstructure:"issuer"`
	Audience          string `mapstructure:"audience"`
	RolesClaim        string `mapstructure:"roles_claim"`
	HS256Secret       string `mapstructure:"hs256_secret"`
	RS256PublicKeyPEM string `mapstructure:"rs256_public_key_pem"`
}

type AuditAuth struct {
	LogFile string `mapstructure:"log_file"`
}

type RateLimitAuth struct {
	Enabled         bool `mapstructure:"enabled"`
	ReadPerMinute   int  `mapstructure:"read_per_min"`
	IngestPerMinute int  `mapstructure:"ingest_per_min"`
}

type DBTLSConfig struct {
	SSLMode     string `mapstructure:"sslmode"`
	SSLRootCert string `mapstructure:"sslrootcert"`
	SSLCert     string `mapstructure:"sslcert"`
	SSLKey      string `mapstructure:"sslkey"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// defaults lists every key so viper's AutomaticEnv reaches nested fields on Unmarshal.
var defaults = map[string]interface{}{
	"addr":                           ":8080",
	"dev_insecure":                   false,
	"http_timeout":                   30 * time.Second,
	"shutdown_timeout":               10 * time.Second,
	"log_debug":                      false,
	"expose_deliveries":              false,
	"db_driver":                      "",
	"db_dsn":                         "",
	"db_dialect":                     "",
	"db_migrate":                     true,
	"db_host":                        "",
	"db_port":                        "",
	"db_name":                        "",
	"db_user":                        "",
	"db_password":                    "",
	"writer.backend":                 BackendOneLake,
	"writer.file_prefix":             "",
	"writer.local_dir":               "./var/lake",
	"datalake.account_name":          "",
	"datalake.account_key":           "",
	"datalake.container":             "",
	"datalake.directory":             "",
	"datalake.service_url":           "",
	"onelake.app_id":                 "",
	"onelake.client_secret":          "",
	"onelake.directory_id":           "",
	"onelake.authority":              "https://login.microsoftonline.com",
	"onelake.scope":                  "https://storage.azure.com/.default",
	"onelake.endpoint":               "https://onelake.dfs.fabric.microsoft.com",
	"onelake.workspace":              "OneLake",
	"onelake.item":                   "Lakehouse02.Lakehouse",
	"onelake.path":                   "Files/Imported",
	"kafka.brokers":                  "",
	"kafka.topic":                    "lakesink.files.landed",
	"auth.read.token":                "",
	"auth.ingest.bearer.token":       "",
	"auth.ingest.webhook.header":     "X-Lakesink-Signature",
	"auth.ingest.webhook.secret":     "",
	"auth.oidc.enabled":              false,
	"auth.oidc.roles_header":         "X-Auth-Roles",
	"auth.jwt.enabled":               false,
	"auth.jwt.issuer":                "",
	"auth.jwt.audience":              "",
	"auth.jwt.roles_claim":           "roles",
	"auth.jwt.hs256_secret":          "",
	"auth.jwt.rs256_public_key_pem":  "",
	"auth.audit.log_file":            "",
	"auth.rate_limit.enabled":        false,
	"auth.rate_limit.read_per_min":   600,
	"auth.rate_limit.ingest_per_min": 600,
	"db.sslmode":                     "",
	"db.sslrootcert":                 "",
	"db.sslcert":                     "",
	"db.sslkey":                      "",
	"tls.enabled":                    false,
	"tls.cert_file":                  "",
	"tls.key_file":                   "",
}

// legacyEnv maps keys to the unprefixed variable names the function-app deployments use.
var legacyEnv = map[string]string{
	"datalake.account_name": "storage_account_name",
	"datalake.account_key":  "storage_account_key",
	"datalake.container":    "storage_container",
	"datalake.directory":    "storage_directory",
	"writer.file_prefix":    "storage_file_name",
	"onelake.app_id":        "app_id",
	"onelake.client_secret": "client_secret",
	"onelake.directory_id":  "directory_id",
}

func LoadFromEnv() Config {
	cfg, err := Load("")
	if err != nil {
		fmt.Printf("Warning: failed to unmarshal config: %v\n", err)
	}
	return cfg
}

// Load reads configuration from the environment, from configFile when set, or else
// from an optional config.yaml in . or /etc/lakesink/.
func Load(configFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LAKESINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, "LAKESINK_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/lakesink/")
		_ = v.ReadInConfig() // ignore if not found
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.Writer.Backend = strings.ToLower(strings.TrimSpace(cfg.Writer.Backend))
	if cfg.DBDialect == "" {
		cfg.DBDialect = dialectForDriver(cfg.DBDriver)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = buildDSNFromParts(cfg)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Addr) == "" {
		problems = append(problems, "LAKESINK_ADDR must not be empty")
	}
	if c.HTTPTimeout <= 0 {
		problems = append(problems, "LAKESINK_HTTP_TIMEOUT must be positive")
	}
	if strings.TrimSpace(c.Writer.FilePrefix) == "" {
		problems = append(problems, "storage_file_name (or LAKESINK_WRITER_FILE_PREFIX) must not be empty")
	}
	switch c.Writer.Backend {
	case BackendDataLake:
		if strings.TrimSpace(c.DataLake.AccountName) == "" || strings.TrimSpace(c.DataLake.AccountKey) == "" {
			problems = append(problems, "storage_account_name and storage_account_key are required for the datalake writer")
		}
		if strings.TrimSpace(c.DataLake.Container) == "" {
			problems = append(problems, "storage_container is required for the datalake writer")
		}
	case BackendOneLake:
		if strings.TrimSpace(c.OneLake.AppID) == "" || strings.TrimSpace(c.OneLake.ClientSecret) == "" || strings.TrimSpace(c.OneLake.DirectoryID) == "" {
			problems = append(problems, "app_id, client_secret and directory_id are required for the onelake writer")
		}
	case BackendFilesystem:
		if strings.TrimSpace(c.Writer.LocalDir) == "" {
			problems = append(problems, "LAKESINK_WRITER_LOCAL_DIR is required for the filesystem writer")
		}
	default:
		problems = append(problems, "LAKESINK_WRITER_BACKEND must be one of: datalake, onelake, filesystem")
	}
	if len(c.KafkaBrokers()) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		problems = append(problems, "LAKESINK_KAFKA_TOPIC is required when LAKESINK_KAFKA_BROKERS is set")
	}
	if c.DBDriver != "" && c.DBDSN == "" {
		problems = append(problems, "database connection is not configured; set LAKESINK_DB_DSN or LAKESINK_DB_HOST/LAKESINK_DB_PORT/LAKESINK_DB_NAME/LAKESINK_DB_USER/LAKESINK_DB_PASSWORD")
	}
	if c.DBDSN != "" && c.DBDriver == "" {
		problems = append(problems, "LAKESINK_DB_DRIVER is required when LAKESINK_DB_DSN is set")
	}
	if c.DBDriver != "" && dialectForDriver(c.DBDriver) == "" && c.DBDialect == "" {
		problems = append(problems, "LAKESINK_DB_DIALECT must be set for driver "+c.DBDriver)
	}
	if c.DBDSN == "" && hasAnyDBParts(c) && !hasAllDBParts(c) {
		problems = append(problems, "incomplete split DB config; set all of LAKESINK_DB_HOST/LAKESINK_DB_PORT/LAKESINK_DB_NAME/LAKESINK_DB_USER/LAKESINK_DB_PASSWORD")
	}
	if c.ExposeDeliveries && !c.DevInsecure {
		authConfigured := strings.TrimSpace(c.Auth.Read.Token) != "" || c.Auth.OIDC.Enabled || c.Auth.JWT.Enabled
		if !authConfigured {
			problems = append(problems, "LAKESINK_EXPOSE_DELIVERIES=true needs read auth; set LAKESINK_AUTH_READ_TOKEN or enable OIDC/JWT, or explicitly set LAKESINK_DEV_INSECURE=true for local development only")
		}
	}
	if c.Auth.JWT.Enabled {
		if strings.TrimSpace(c.Auth.JWT.Issuer) == "" {
			problems = append(problems, "LAKESINK_AUTH_JWT_ISSUER is required when LAKESINK_AUTH_JWT_ENABLED=true")
		}
		if strings.TrimSpace(c.Auth.JWT.Audience) == "" {
			problems = append(problems, "LAKESINK_AUTH_JWT_AUDIENCE is required when LAKESINK_AUTH_JWT_ENABLED=true")
		}
		if strings.TrimSpace(c.Auth.JWT.HS256Secret) == "" && strings.TrimSpace(c.Auth.JWT.RS256PublicKeyPEM) == "" {
			problems = append(problems, "one of LAKESINK_AUTH_JWT_HS256_SECRET or LAKESINK_AUTH_JWT_RS256_PUBLIC_KEY_PEM is required when LAKESINK_AUTH_JWT_ENABLED=true")
		}
	}
	if c.TLS.Enabled && strings.TrimSpace(c.TLS.CertFile) == "" {
		problems = append(problems, "LAKESINK_TLS_CERT_FILE is required when LAKESINK_TLS_ENABLED=true")
	}
	if c.TLS.Enabled && strings.TrimSpace(c.TLS.KeyFile) == "" {
		problems = append(problems, "LAKESINK_TLS_KEY_FILE is required when LAKESINK_TLS_ENABLED=true")
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New(strings.Join(problems, "; "))
}

// KafkaBrokers splits the comma separated broker list.
func (c Config) KafkaBrokers() []string {
	var out []string
	for _, b := range strings.Split(c.Kafka.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

type StartupSummary struct {
	RepositoryMode string
	WriterBackend  string
	FilePrefix     string
	Target         string
	Notifier       string
	Deliveries     bool
	OIDCEnabled    bool
	JWTEnabled     bool
	TLSEnabled     bool
	AuthRateLimit  bool
	DevInsecure    bool
}

func (c Config) Summary() StartupSummary {
	mode := "memory"
	if c.DBDriver != "" && c.DBDSN != "" {
		mode = "sql:" + c.DBDialect
	}
	notifier := "none"
	if brokers := c.KafkaBrokers(); len(brokers) > 0 {
		notifier = "kafka:" + c.Kafka.Topic
	}
	return StartupSummary{
		RepositoryMode: mode,
		WriterBackend:  c.Writer.Backend,
		FilePrefix:     c.Writer.FilePrefix,
		Target:         c.target(),
		Notifier:       notifier,
		Deliveries:     c.ExposeDeliveries,
		OIDCEnabled:    c.Auth.OIDC.Enabled,
		JWTEnabled:     c.Auth.JWT.Enabled,
		TLSEnabled:     c.TLS.Enabled,
		AuthRateLimit:  c.Auth.RateLimit.Enabled,
		DevInsecure:    c.DevInsecure,
	}
}

// target describes where files land, without credentials.
func (c Config) target() string {
	switch c.Writer.Backend {
	case BackendDataLake:
		return strings.Trim(c.DataLake.AccountName+"/"+c.DataLake.Container+"/"+strings.Trim(c.DataLake.Directory, "/"), "/")
	case BackendOneLake:
		return strings.TrimRight(c.OneLake.Endpoint, "/") + "/" + c.OneLake.Workspace + "/" + c.OneLake.Item + "/" + strings.Trim(c.OneLake.Path, "/")
	case BackendFilesystem:
		return c.Writer.LocalDir
	}
	return ""
}

func dialectForDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "pgx", "postgres", "postgresql":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	}
	return ""
}

func hasAnyDBParts(c Config) bool {
	return strings.TrimSpace(c.DBHost) != "" ||
		strings.TrimSpace(c.DBPort) != "" ||
		strings.TrimSpace(c.DBName) != "" ||
		strings.TrimSpace(c.DBUser) != "" ||
		strings.TrimSpace(c.DBPassword) != ""
}

func hasAllDBParts(c Config) bool {
	return strings.TrimSpace(c.DBHost) != "" &&
		strings.TrimSpace(c.DBPort) != "" &&
		strings.TrimSpace(c.DBName) != "" &&
		strings.TrimSpace(c.DBUser) != "" &&
		strings.TrimSpace(c.DBPassword) != ""
}

func buildDSNFromParts(c Config) string {
	if !hasAllDBParts(c) {
		return ""
	}
	port := strings.TrimSpace(c.DBPort)
	if _, err := strconv.Atoi(port); err != nil {
		return ""
	}
	sslMode := strings.TrimSpace(c.DB.SSLMode)
	if sslMode == "" {
		sslMode = "disable"
	}
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%s", c.DBHost, port),
		Path:   "/" + url.PathEscape(c.DBName),
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	for key, value := range map[string]string{
		"sslrootcert": c.DB.SSLRootCert,
		"sslcert":     c.DB.SSLCert,
		"sslkey":      c.DB.SSLKey,
	} {
		if strings.TrimSpace(value) != "" {
			q.Set(key, value)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
