package httpapi

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopeRead  = "docs:read"
	ScopeWrite = "docs:write"

	tokenAudience = "relaydoc"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Database string
	Agent    string
	Scopes   map[string]struct{}
	Exp      int64
}

// docClaims is the JWT payload accepted by the server.
type docClaims struct {
	Database string `json:"database"`
	Agent    string `json:"agent"`
	Scopes   any    `json:"scopes"`
	jwt.RegisteredClaims
}

func authorizeBearer(authHeader, jwtSecret, database, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if database != "" && claims.Database != "*" && claims.Database != database {
		return tokenClaims{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "database mismatch",
		}
	}
	if requiredScope != "" {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  403,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var payload docClaims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	_, err := parser.ParseWithClaims(raw, &payload, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	})
	if err != nil {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: tokenErrorMessage(err)}
	}

	if payload.Database == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing database claim"}
	}
	if payload.Agent == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing agent claim"}
	}
	scopes := parseScopes(payload.Scopes)
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}

	return tokenClaims{
		Database: payload.Database,
		Agent:    payload.Agent,
		Scopes:   scopes,
		Exp:      payload.ExpiresAt.Unix(),
	}, nil
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "invalid jwt format"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "jwt signature mismatch"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "invalid aud claim"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "invalid exp claim"
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return "unsupported jwt algorithm"
	default:
		return "invalid token"
	}
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}

// IssueToken signs an HS256 token for database ("*" grants every database).
func IssueToken(secret, database, agent string, scopes []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now().UTC()
	claims := docClaims{
		Database: database,
		Agent:    agent,
		Scopes:   scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
