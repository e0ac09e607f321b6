package lake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-logr/logr"
)

const (
	DefaultOneLakeEndpoint  = "https://onelake.dfs.fabric.microsoft.com"
	DefaultOneLakeWorkspace = "OneLake"
	DefaultOneLakeItem      = "Lakehouse02.Lakehouse"
	DefaultOneLakePath      = "Files/Imported"
)

const maxErrorBody = 4 << 10

type OneLakeOptions struct {
	Endpoint  string
	Workspace string
	Item      string
	Path      string
}

func (o OneLakeOptions) withDefaults() OneLakeOptions {
	if strings.TrimSpace(o.Endpoint) == "" {
		o.Endpoint = DefaultOneLakeEndpoint
	}
	if strings.TrimSpace(o.Workspace) == "" {
		o.Workspace = DefaultOneLakeWorkspace
	}
	if strings.TrimSpace(o.Item) == "" {
		o.Item = DefaultOneLakeItem
	}
	if strings.TrimSpace(o.Path) == "" {
		o.Path = DefaultOneLakePath
	}
	return o
}

// BearerSource hands out a bearer token for one write.
type BearerSource interface {
	Token(ctx context.Context) (string, error)
}

// OneLakeWriter writes files through the lakehouse DFS REST surface. A bearer token
// is fetched per file through Authenticate.
type OneLakeWriter struct {
	base   string
	tokens BearerSource
	client *http.Client
	logger logr.Logger
}

func NewOneLakeWriter(opts OneLakeOptions, tokens BearerSource, client *http.Client, logger logr.Logger) (*OneLakeWriter, error) {
	if tokens == nil {
		return nil, fmt.Errorf("onelake writer needs a token source")
	}
	opts = opts.withDefaults()
	endpoint, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/"))
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid onelake endpoint %q", opts.Endpoint)
	}
	if client == nil {
		client = http.DefaultClient
	}
	segments := []string{
		strings.Trim(opts.Workspace, "/"),
		strings.Trim(opts.Item, "/"),
		strings.Trim(opts.Path, "/"),
	}
	return &OneLakeWriter{
		base:   endpoint.String() + "/" + strings.Join(segments, "/"),
		tokens: tokens,
		client: client,
		logger: logger,
	}, nil
}

func (o *OneLakeWriter) Backend() string { return BackendOneLake }

// FileURL is the lakehouse URL of a file, without query.
func (o *OneLakeWriter) FileURL(name string) string {
	return o.base + "/" + url.PathEscape(name)
}

// Authenticate fetches a fresh token and returns a Writer bound to it.
func (o *OneLakeWriter) Authenticate(ctx context.Context) (Writer, error) {
	token, err := o.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	return &oneLakeSession{OneLakeWriter: o, token: token}, nil
}

func (o *OneLakeWriter) CreateFile(ctx context.Context, name string) error {
	s, err := o.Authenticate(ctx)
	if err != nil {
		return err
	}
	return s.CreateFile(ctx, name)
}

func (o *OneLakeWriter) AppendAndFlush(ctx context.Context, name string, data []byte) error {
	s, err := o.Authenticate(ctx)
	if err != nil {
		return err
	}
	return s.AppendAndFlush(ctx, name, data)
}

type oneLakeSession struct {
	*OneLakeWriter
	token string
}

func (s *oneLakeSession) CreateFile(ctx context.Context, name string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.FileURL(name)+"?resource=file", http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("If-None-Match", "*")
	req.ContentLength = 0

	status, body, err := s.do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.logger.Info("onelake create file", "file", name, "status", status)
	if status == http.StatusConflict {
		return fmt.Errorf("%s: %w", name, ErrAlreadyExists)
	}
	if status < 200 || status > 299 {
		return &StatusError{Op: name, StatusCode: status, Body: body}
	}
	return nil
}

func (s *oneLakeSession) AppendAndFlush(ctx context.Context, name string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, s.FileURL(name)+"?position=0&action=append&flush=true", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("x-ms-file-name", name)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	status, body, err := s.do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	s.logger.Info("onelake append file", "file", name, "status", status, "bytes", len(data))
	if status < 200 || status > 299 {
		return &StatusError{Op: name, StatusCode: status, Body: body}
	}
	return nil
}

func (o *OneLakeWriter) do(req *http.Request) (int, string, error) {
	res, err := o.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	return res.StatusCode, string(b), nil
}
