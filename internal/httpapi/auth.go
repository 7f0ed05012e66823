package httpapi

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenAudience = "patchsync"

	ScopeRead  = "sync:read"
	ScopeWrite = "sync:write"
	ScopeAdmin = "admin"

	// AnyProject in a token's project_id grants every project.
	AnyProject = "*"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// scopeList accepts scopes as a JSON array or a space separated string.
type scopeList []string

func (s *scopeList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	*s = strings.Fields(joined)
	return nil
}

type jwtClaims struct {
	ProjectID string    `json:"project_id"`
	UserID    int       `json:"user_id"`
	Scopes    scopeList `json:"scopes"`
	jwt.RegisteredClaims
}

type tokenClaims struct {
	ProjectID string
	UserID    int
	Scopes    map[string]struct{}
	Exp       int64
}

func (c tokenClaims) has(scope string) bool {
	_, ok := c.Scopes[scope]
	return ok
}

func (c tokenClaims) allowsProject(projectID string) bool {
	return c.ProjectID == AnyProject || c.ProjectID == projectID
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" && !claims.has(requiredScope) {
		return tokenClaims{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "missing required scope: " + requiredScope,
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

	var parsed jwtClaims
	_, err := jwt.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
	case errors.Is(err, jwt.ErrTokenMalformed):
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid jwt format"}
	default:
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "invalid token: " + err.Error()}
	}

	if parsed.ProjectID == "" {
		return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing project_id claim"}
	}
	scopes := map[string]struct{}{}
	for _, scope := range parsed.Scopes {
		if scope != "" {
			scopes[scope] = struct{}{}
		}
	}
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: 403, code: "forbidden", message: "no scopes granted"}
	}
	return tokenClaims{
		ProjectID: parsed.ProjectID,
		UserID:    parsed.UserID,
		Scopes:    scopes,
		Exp:       parsed.ExpiresAt.Unix(),
	}, nil
}

// IssueToken signs a bearer token accepted by the hub.
func IssueToken(secret, projectID string, userID int, scopes []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwtClaims{
		ProjectID: projectID,
		UserID:    userID,
		Scopes:    scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
