package api

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

func validSig(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func getDeliveries(h http.Handler, headers map[string]string) int {
	req := httptest.NewRequest(http.MethodGet, "/v1/deliveries", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res.Code
}

func TestReadTokenAuth(t *testing.T) {
	h := newTestHandler(t, stubWriter{}, AuthConfig{Read: BearerPolicy{Token: "read-token"}})

	if code := getDeliveries(h, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", code)
	}
	if code := getDeliveries(h, map[string]string{"Authorization": "Bearer read-token"}); code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", code)
	}
}

func TestIngestTokenAndWebhookSignatureAuth(t *testing.T) {
	h := newTestHandler(t, stubWriter{}, AuthConfig{
		Ingest: IngestPolicy{
			Bearer:  BearerPolicy{Token: "ingest-token"},
			Webhook: HMACPolicy{Secret: "secret-123"},
		},
	})

	if res := postChange(h, "/v1/changes", scenarioA, nil); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth, got %d", res.Code)
	}
	res := postChange(h, "/v1/changes", scenarioA, map[string]string{
		"Authorization":        "Bearer ingest-token",
		"X-Lakesink-Signature": "sha256=deadbeef",
	})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with invalid signature, got %d", res.Code)
	}
	res = postChange(h, "/v1/changes", scenarioA, map[string]string{
		"Authorization":        "Bearer ingest-token",
		"X-Lakesink-Signature": validSig("secret-123", []byte(scenarioA)),
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid auth, got %d body=%s", res.Code, res.Body.String())
	}
}

func TestOIDCRoleHeaderAuth(t *testing.T) {
	h := newTestHandler(t, stubWriter{}, AuthConfig{OIDC: OIDCPolicy{Enabled: true}})

	if code := getDeliveries(h, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without roles, got %d", code)
	}
	if code := getDeliveries(h, map[string]string{"X-Auth-Roles": "Viewer"}); code != http.StatusOK {
		t.Fatalf("expected 200 with viewer role, got %d", code)
	}
	if res := postChange(h, "/v1/changes", scenarioA, map[string]string{"X-Auth-Roles": "viewer"}); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 ingest with viewer role, got %d", res.Code)
	}
	if res := postChange(h, "/v1/changes", scenarioA, map[string]string{"X-Auth-Roles": "viewer, producer"}); res.Code != http.StatusOK {
		t.Fatalf("expected 200 ingest with producer role, got %d", res.Code)
	}
}

func TestJWTRoleAuthHS256(t *testing.T) {
	h := newTestHandler(t, stubWriter{}, AuthConfig{
		JWT: JWTPolicy{
			Enabled:     true,
			Issuer:      "https://issuer.local",
			Audience:    "lakesink",
			HS256Secret: "jwt-secret",
		},
	})

	viewer := mustMakeJWT(t, jwt.SigningMethodHS256, []byte("jwt-secret"), "https://issuer.local", "lakesink", []string{"viewer"})
	if code := getDeliveries(h, map[string]string{"Authorization": "Bearer " + viewer}); code != http.StatusOK {
		t.Fatalf("expected 200 with viewer jwt, got %d", code)
	}
	if res := postChange(h, "/v1/changes", scenarioA, map[string]string{"Authorization": "Bearer " + viewer}); res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 ingest with viewer jwt, got %d", res.Code)
	}

	producer := mustMakeJWT(t, jwt.SigningMethodHS256, []byte("jwt-secret"), "https://issuer.local", "lakesink", []string{"producer"})
	if res := postChange(h, "/v1/changes", scenarioA, map[string]string{"Authorization": "Bearer " + producer}); res.Code != http.StatusOK {
		t.Fatalf("expected 200 ingest with producer jwt, got %d body=%s", res.Code, res.Body.String())
	}

	wrongAudience := mustMakeJWT(t, jwt.SigningMethodHS256, []byte("jwt-secret"), "https://issuer.local", "other", []string{"admin"})
	if code := getDeliveries(h, map[string]string{"Authorization": "Bearer " + wrongAudience}); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong audience, got %d", code)
	}
	forged := mustMakeJWT(t, jwt.SigningMethodHS256, []byte("not-the-secret"), "https://issuer.local", "lakesink", []string{"admin"})
	if code := getDeliveries(h, map[string]string{"Authorization": "Bearer " + forged}); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with forged jwt, got %d", code)
	}
}

func TestJWTRoleAuthRS256PEM(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pemText := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	h := newTestHandler(t, stubWriter{}, AuthConfig{
		JWT: JWTPolicy{
			Enabled:           true,
			Issuer:            "https://issuer.local",
			Audience:          "lakesink",
			RS256PublicKeyPEM: pemText,
		},
	})

	token := mustMakeJWT(t, jwt.SigningMethodRS256, privateKey, "https://issuer.local", "lakesink", []string{"admin"})
	if res := postChange(h, "/v1/changes", scenarioA, map[string]string{"Authorization": "Bearer " + token}); res.Code != http.StatusOK {
		t.Fatalf("expected 200 with rs256 admin token, got %d body=%s", res.Code, res.Body.String())
	}
	hs := mustMakeJWT(t, jwt.SigningMethodHS256, []byte("whatever"), "https://issuer.local", "lakesink", []string{"admin"})
	if code := getDeliveries(h, map[string]string{"Authorization": "Bearer " + hs}); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for hs256 token without secret, got %d", code)
	}
}

func TestAuthRateLimitIngest(t *testing.T) {
	h := newTestHandler(t, stubWriter{}, AuthConfig{
		Rate: RateLimitPolicy{Enabled: true, IngestPerMinute: 1},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/changes", strings.NewReader(scenarioA))
	req.RemoteAddr = "10.0.0.10:1234"
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", res.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/changes", strings.NewReader(scenarioB))
	req.RemoteAddr = "10.0.0.10:1234"
	res = httptest.NewRecorder()
	h.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	if code, retryable := decodeErrorCode(t, res); code != "RATE_LIMITED" || !retryable {
		t.Fatalf("unexpected rate limit error: %s %v", code, retryable)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/changes", strings.NewReader(scenarioB))
	req.RemoteAddr = "10.0.0.11:1234"
	res = httptest.NewRecorder()
	h.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected other ip to pass, got %d", res.Code)
	}
}

func TestAuditLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	h := newTestHandler(t, stubWriter{}, AuthConfig{
		Read:  BearerPolicy{Token: "read-token"},
		Audit: AuditPolicy{LogFile: path},
	})
	getDeliveries(h, map[string]string{"X-Request-Id": "req-1"})

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	line := string(b)
	for _, want := range []string{`"decision":"deny"`, `"mechanism":"bearer"`, `"request_id":"req-1"`, `"path":"/v1/deliveries"`} {
		if !strings.Contains(line, want) {
			t.Fatalf("audit line missing %s: %s", want, line)
		}
	}
}

func TestRoleGrants(t *testing.T) {
	cases := []struct {
		roles   string
		want    access
		allowed bool
	}{
		{"viewer", accessRead, true},
		{"viewer", accessIngest, false},
		{"producer", accessRead, true},
		{"producer", accessIngest, true},
		{"admin", accessIngest, true},
		{"reader writer", accessRead, false},
		{"VIEWER,viewer", accessRead, true},
	}
	for _, tc := range cases {
		c := caller{roles: parseRoleList(tc.roles), enforced: true}
		if got := c.hasAny(grants[tc.want]...); got != tc.allowed {
			t.Errorf("roles %q for %s: allowed=%v, want %v", tc.roles, tc.want, got, tc.allowed)
		}
	}
}

func TestParseRoleListDedups(t *testing.T) {
	got := parseRoleList(" Viewer, producer viewer,,ADMIN ")
	want := []string{"viewer", "producer", "admin"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("parseRoleList = %v, want %v", got, want)
	}
}

func mustMakeJWT(t *testing.T, method jwt.SigningMethod, key interface{}, iss, aud string, roles []string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":   iss,
		"aud":   aud,
		"sub":   "user-1",
		"exp":   time.Now().Add(10 * time.Minute).Unix(),
		"iat":   time.Now().Add(-1 * time.Minute).Unix(),
		"roles": roles,
	}
	raw, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return raw
}
