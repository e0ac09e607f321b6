package lake

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/h2non/gock.v1"
)

type lakeCall struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
	Header http.Header
}

type fakeLakehouse struct {
	mu     sync.Mutex
	calls  []lakeCall
	status map[string]int
}

func (f *fakeLakehouse) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, lakeCall{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Auth:   r.Header.Get("Authorization"),
		Body:   string(b),
		Header: r.Header.Clone(),
	})
	code := f.status[r.Method]
	f.mu.Unlock()
	if code == 0 {
		code = http.StatusOK
		if r.Method == http.MethodPut {
			code = http.StatusCreated
		}
	}
	w.WriteHeader(code)
}

func newTokenServer(t *testing.T, body string, forms *[]map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/dir-1/oauth2/v2.0/token" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if forms != nil {
			*forms = append(*forms, map[string]string{
				"content_type":  r.Header.Get("Content-Type"),
				"grant_type":    r.PostForm.Get("grant_type"),
				"client_id":     r.PostForm.Get("client_id"),
				"client_secret": r.PostForm.Get("client_secret"),
				"scope":         r.PostForm.Get("scope"),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOneLake(t *testing.T, tokenURL string, lake *fakeLakehouse) (*OneLakeWriter, *httptest.Server) {
	t.Helper()
	lakeSrv := httptest.NewServer(lake)
	t.Cleanup(lakeSrv.Close)
	fetcher, err := NewTokenFetcher(ClientCredentials{
		AppID:        "app-1",
		ClientSecret: "secret-1",
		DirectoryID:  "dir-1",
		Authority:    tokenURL,
	}, lakeSrv.Client())
	require.NoError(t, err)
	w, err := NewOneLakeWriter(OneLakeOptions{Endpoint: lakeSrv.URL}, fetcher, lakeSrv.Client(), logr.Discard())
	require.NoError(t, err)
	return w, lakeSrv
}

func TestOneLakeWriteCarriesBearerToken(t *testing.T) {
	var forms []map[string]string
	tokenSrv := newTokenServer(t, `{"access_token":"T","token_type":"Bearer","expires_in":3599}`, &forms)
	lake := &fakeLakehouse{}
	w, _ := newTestOneLake(t, tokenSrv.URL, lake)

	content := `{"operationType": "insert", "data": {"_id": {"$oid": "abc123"}, "x": 1}}`
	require.NoError(t, Write(context.Background(), w, "evt-abc123.txt", []byte(content), nil))

	require.Len(t, forms, 1, "one token exchange per file")
	assert.Equal(t, map[string]string{
		"content_type":  "application/x-www-form-urlencoded",
		"grant_type":    "client_credentials",
		"client_id":     "app-1",
		"client_secret": "secret-1",
		"scope":         DefaultTokenScope,
	}, forms[0])

	require.Len(t, lake.calls, 2)
	create, appendCall := lake.calls[0], lake.calls[1]

	assert.Equal(t, http.MethodPut, create.Method)
	assert.Equal(t, "/OneLake/Lakehouse02.Lakehouse/Files/Imported/evt-abc123.txt", create.Path)
	assert.Equal(t, "resource=file", create.Query)
	assert.Equal(t, "Bearer T", create.Auth)
	assert.Equal(t, "*", create.Header.Get("If-None-Match"))
	assert.Empty(t, create.Body)

	assert.Equal(t, http.MethodPatch, appendCall.Method)
	assert.Equal(t, create.Path, appendCall.Path)
	assert.Equal(t, "position=0&action=append&flush=true", appendCall.Query)
	assert.Equal(t, "Bearer T", appendCall.Auth)
	assert.Equal(t, "evt-abc123.txt", appendCall.Header.Get("x-ms-file-name"))
	assert.Equal(t, content, appendCall.Body)
}

func TestOneLakeWriteHaltsWithoutAccessToken(t *testing.T) {
	tokenSrv := newTokenServer(t, `{"error":"invalid_client","error_description":"bad secret"}`, nil)
	lake := &fakeLakehouse{}
	w, _ := newTestOneLake(t, tokenSrv.URL, lake)

	err := Write(context.Background(), w, "evt-abc123.txt", []byte("x"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenExchange)
	assert.Empty(t, lake.calls, "no file call may follow a failed token exchange")
}

func TestOneLakeWriteHaltsOnEmptyTokenBody(t *testing.T) {
	tokenSrv := newTokenServer(t, `{"token_type":"Bearer"}`, nil)
	lake := &fakeLakehouse{}
	w, _ := newTestOneLake(t, tokenSrv.URL, lake)

	err := Write(context.Background(), w, "evt-abc123.txt", []byte("x"), nil)
	assert.ErrorIs(t, err, ErrTokenExchange)
	assert.Empty(t, lake.calls)
}

func TestOneLakeStatusMapping(t *testing.T) {
	tokenSrv := newTokenServer(t, `{"access_token":"T"}`, nil)

	t.Run("existing file", func(t *testing.T) {
		lake := &fakeLakehouse{status: map[string]int{http.MethodPut: http.StatusConflict}}
		w, _ := newTestOneLake(t, tokenSrv.URL, lake)
		err := Write(context.Background(), w, "evt-1.txt", []byte("x"), nil)
		assert.ErrorIs(t, err, ErrAlreadyExists)
		assert.Len(t, lake.calls, 1)
	})

	t.Run("forbidden create", func(t *testing.T) {
		lake := &fakeLakehouse{status: map[string]int{http.MethodPut: http.StatusForbidden}}
		w, _ := newTestOneLake(t, tokenSrv.URL, lake)
		err := Write(context.Background(), w, "evt-1.txt", []byte("x"), nil)
		var status *StatusError
		require.True(t, errors.As(err, &status))
		assert.Equal(t, http.StatusForbidden, status.StatusCode)
		assert.Len(t, lake.calls, 1)
	})

	t.Run("failed append", func(t *testing.T) {
		lake := &fakeLakehouse{status: map[string]int{http.MethodPatch: http.StatusServiceUnavailable}}
		w, _ := newTestOneLake(t, tokenSrv.URL, lake)
		err := Write(context.Background(), w, "evt-1.txt", []byte("x"), nil)
		var step *StepError
		require.ErrorAs(t, err, &step)
		assert.Equal(t, "append", step.Step)
		var status *StatusError
		require.ErrorAs(t, err, &status)
		assert.True(t, status.Retryable())
		assert.True(t, strings.HasPrefix(err.Error(), "append: evt-1.txt: unexpected status 503"), err.Error())
	})
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

func TestOneLakeDefaultEndpoint(t *testing.T) {
	defer gock.Off()

	client := &http.Client{}
	gock.InterceptClient(client)
	defer gock.RestoreClient(client)

	const file = "/OneLake/Lakehouse02.Lakehouse/Files/Imported/evt-xyz789.txt"
	gock.New(DefaultOneLakeEndpoint).
		Put(file).
		MatchParam("resource", "file").
		MatchHeader("Authorization", "^Bearer T$").
		Reply(http.StatusCreated)
	gock.New(DefaultOneLakeEndpoint).
		Patch(file).
		MatchParam("position", "0").
		MatchParam("action", "append").
		MatchParam("flush", "true").
		MatchHeader("Authorization", "^Bearer T$").
		Reply(http.StatusOK)

	w, err := NewOneLakeWriter(OneLakeOptions{}, staticToken("T"), client, logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, DefaultOneLakeEndpoint+file, w.FileURL("evt-xyz789.txt"))

	err = Write(context.Background(), w, "evt-xyz789.txt", []byte(`{"operationType": "delete"}`), nil)
	require.NoError(t, err)
	assert.True(t, gock.IsDone())
}

func TestTokenURL(t *testing.T) {
	creds := ClientCredentials{DirectoryID: "tenant-1"}
	assert.Equal(t, "https://login.microsoftonline.com/tenant-1/oauth2/v2.0/token", creds.TokenURL())
	creds.Authority = "http://127.0.0.1:9999/"
	assert.Equal(t, "http://127.0.0.1:9999/tenant-1/oauth2/v2.0/token", creds.TokenURL())
}

func TestNewTokenFetcherRequiresCredentials(t *testing.T) {
	_, err := NewTokenFetcher(ClientCredentials{AppID: "a", DirectoryID: "d"}, nil)
	assert.Error(t, err)
}
