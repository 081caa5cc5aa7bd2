// Package auth gates tenant endpoints behind SMART-on-FHIR bearer tokens.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Claims are the token claims the gate understands: standard registered
// claims plus the SMART scope string.
type Claims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// scopesKey is the echo context key the middleware stores granted scopes
// under.
const scopesKey = "auth.scopes"

// Gate validates bearer tokens on protected tenant routes.
type Gate struct {
	secret []byte
	issuer string
	log    zerolog.Logger
}

// NewGate builds a gate verifying HS256 tokens signed with secret. issuer,
// when non-empty, must match the token's iss claim.
func NewGate(secret, issuer string, log zerolog.Logger) *Gate {
	return &Gate{
		secret: []byte(secret),
		issuer: issuer,
		log:    log.With().Str("component", "auth").Logger(),
	}
}

// Middleware returns the echo middleware enforcing the gate. Reads require
// any valid token; writes require a scope granting write access.
func (g *Gate) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, err := g.bearerToken(c.Request())
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
			}
			claims, err := g.verify(token)
			if err != nil {
				g.log.Debug().Err(err).Msg("token rejected")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			scopes := strings.Fields(claims.Scope)
			if isWrite(c.Request().Method) && !grantsWrite(scopes) {
				return echo.NewHTTPError(http.StatusForbidden, "token grants no write scope")
			}
			c.Set(scopesKey, scopes)
			return next(c)
		}
	}
}

func (g *Gate) bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get(echo.HeaderAuthorization)
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", fmt.Errorf("Authorization header is not a bearer token")
	}
	return header[len(prefix):], nil
}

func (g *Gate) verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return g.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	if g.issuer != "" {
		if iss, _ := claims.GetIssuer(); iss != g.issuer {
			return nil, fmt.Errorf("issuer %q not trusted", iss)
		}
	}
	return claims, nil
}

// Scopes returns the granted scopes stored by the middleware.
func Scopes(c echo.Context) []string {
	scopes, _ := c.Get(scopesKey).([]string)
	return scopes
}

func isWrite(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// grantsWrite accepts system/user/patient scopes with write or wildcard
// access: system/*.write, user/Patient.*, system/*.cruds.
func grantsWrite(scopes []string) bool {
	for _, s := range scopes {
		i := strings.LastIndexByte(s, '.')
		if i < 0 {
			continue
		}
		switch access := s[i+1:]; {
		case access == "write" || access == "*":
			return true
		case isGranular(access) && strings.ContainsAny(access, "cud"):
			// SMART v2 granular suffixes: any of c, u, d grants a write.
			return true
		}
	}
	return false
}

// isGranular reports whether access is a SMART v2 suffix drawn from "cruds".
func isGranular(access string) bool {
	if access == "" {
		return false
	}
	for _, r := range access {
		if !strings.ContainsRune("cruds", r) {
			return false
		}
	}
	return true
}

// WellKnown is the .well-known/smart-configuration document advertised per
// tenant.
func WellKnown(baseURL string) map[string]interface{} {
	return map[string]interface{}{
		"issuer":                   baseURL,
		"token_endpoint":           baseURL + "/token",
		"capabilities":             []string{"client-confidential-symmetric", "permission-v2"},
		"grant_types_supported":    []string{"client_credentials"},
		"scopes_supported":         []string{"system/*.read", "system/*.write", "system/*.cruds"},
		"response_types_supported": []string{"token"},
	}
}
