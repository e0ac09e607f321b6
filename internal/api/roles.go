package api

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// caller is who a request claims to be once a role source has vouched for it.
type caller struct {
	mechanism string
	subject   string
	roles     []string
	// enforced is false when no role source is configured.
	enforced bool
}

func (c caller) hasAny(roles ...string) bool {
	for _, role := range roles {
		if slices.Contains(c.roles, role) {
			return true
		}
	}
	return false
}

// identify resolves the caller from a signed JWT or, failing that, from the
// roles header of a trusted proxy. JWT wins when both are enabled.
func (s *Server) identify(r *http.Request) (caller, error) {
	switch {
	case s.auth.JWT.Enabled:
		c, err := s.callerFromJWT(r)
		c.mechanism, c.enforced = "jwt", true
		return c, err
	case s.auth.OIDC.Enabled:
		roles := parseRoleList(r.Header.Get(s.auth.OIDC.RolesHeader))
		if len(roles) == 0 {
			return caller{mechanism: "header", enforced: true}, errors.New("no roles in " + s.auth.OIDC.RolesHeader)
		}
		return caller{mechanism: "header", roles: roles, enforced: true}, nil
	}
	return caller{}, nil
}

func (s *Server) callerFromJWT(r *http.Request) (caller, error) {
	raw := bearerToken(r.Header.Get("Authorization"))
	if raw == "" {
		return caller{}, errBearer
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, s.verificationKey); err != nil {
		return caller{}, fmt.Errorf("jwt rejected: %w", err)
	}
	now := time.Now().Unix()
	switch {
	case !claims.VerifyIssuer(s.auth.JWT.Issuer, true):
		return caller{}, errors.New("jwt issuer mismatch")
	case !claims.VerifyAudience(s.auth.JWT.Audience, true):
		return caller{}, errors.New("jwt audience mismatch")
	case !claims.VerifyExpiresAt(now, true):
		return caller{}, errors.New("jwt expired")
	}
	roles := claimRoles(claims[s.auth.JWT.RolesClaim])
	if len(roles) == 0 {
		return caller{}, fmt.Errorf("jwt has no %q claim", s.auth.JWT.RolesClaim)
	}
	sub, _ := claims["sub"].(string)
	return caller{subject: strings.TrimSpace(sub), roles: roles}, nil
}

// verificationKey returns the key for the token's algorithm. Only HS256 and
// RS256 are accepted, and only when their key is configured.
func (s *Server) verificationKey(token *jwt.Token) (interface{}, error) {
	alg := token.Method.Alg()
	switch alg {
	case jwt.SigningMethodHS256.Alg():
		if secret := strings.TrimSpace(s.auth.JWT.HS256Secret); secret != "" {
			return []byte(secret), nil
		}
	case jwt.SigningMethodRS256.Alg():
		if text := strings.TrimSpace(s.auth.JWT.RS256PublicKeyPEM); text != "" {
			return rsaPublicKey(text)
		}
	default:
		return nil, fmt.Errorf("alg %s not accepted", alg)
	}
	return nil, fmt.Errorf("no key configured for alg %s", alg)
}

func rsaPublicKey(text string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, errors.New("rs256 key: no PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("rs256 key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("rs256 key: got %T", parsed)
	}
	return key, nil
}

// claimRoles accepts a roles claim as either one delimited string or an array
// of strings. Non-string array items are skipped.
func claimRoles(v interface{}) []string {
	switch v := v.(type) {
	case string:
		return parseRoleList(v)
	case []interface{}:
		var b strings.Builder
		for _, item := range v {
			if role, ok := item.(string); ok {
				b.WriteString(role)
				b.WriteByte(',')
			}
		}
		return parseRoleList(b.String())
	}
	return nil
}

// parseRoleList lowercases and dedups a comma or space separated role list.
func parseRoleList(raw string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		role := strings.ToLower(part)
		if !slices.Contains(out, role) {
			out = append(out, role)
		}
	}
	return out
}
