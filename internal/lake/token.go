package lake

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	DefaultAuthority  = "https://login.microsoftonline.com"
	DefaultTokenScope = "https://storage.azure.com/.default"
)

type ClientCredentials struct {
	AppID        string
	ClientSecret string
	DirectoryID  string
	// Authority defaults to DefaultAuthority.
	Authority string
	// Scope defaults to DefaultTokenScope.
	Scope string
}

// TokenURL is the v2.0 token endpoint of the directory.
func (c ClientCredentials) TokenURL() string {
	authority := strings.TrimRight(strings.TrimSpace(c.Authority), "/")
	if authority == "" {
		authority = DefaultAuthority
	}
	return authority + "/" + strings.TrimSpace(c.DirectoryID) + "/oauth2/v2.0/token"
}

// TokenFetcher exchanges client credentials for a bearer token on every call.
type TokenFetcher struct {
	config     *clientcredentials.Config
	httpClient *http.Client
}

func NewTokenFetcher(creds ClientCredentials, httpClient *http.Client) (*TokenFetcher, error) {
	if strings.TrimSpace(creds.AppID) == "" || strings.TrimSpace(creds.ClientSecret) == "" || strings.TrimSpace(creds.DirectoryID) == "" {
		return nil, fmt.Errorf("app id, client secret and directory id are required")
	}
	scope := strings.TrimSpace(creds.Scope)
	if scope == "" {
		scope = DefaultTokenScope
	}
	return &TokenFetcher{
		config: &clientcredentials.Config{
			ClientID:     creds.AppID,
			ClientSecret: creds.ClientSecret,
			TokenURL:     creds.TokenURL(),
			Scopes:       []string{scope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		httpClient: httpClient,
	}, nil
}

// Token posts a client_credentials grant. Tokens are not cached.
func (f *TokenFetcher) Token(ctx context.Context) (string, error) {
	if f.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}
	tok, err := f.config.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return "", fmt.Errorf("%w: response has no access_token", ErrTokenExchange)
	}
	return tok.AccessToken, nil
}
