package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/GoCodeAlone/stagectl"
)

// Header names trusted when header roles are enabled.
const (
	HeaderRole  = "X-Stagectl-Role"
	HeaderActor = "X-Stagectl-Actor"
)

var (
	ErrTokenInvalid            = errors.New("token is invalid")
	ErrUnexpectedSigningMethod = errors.New("unexpected signing method")
)

// AuthConfig controls how callers are identified.
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens. Empty disables tokens.
	JWTSecret string
	// AllowHeaderRoles trusts the role and actor headers.
	AllowHeaderRoles bool
}

// authenticator resolves the caller of a request.
type authenticator struct {
	cfg AuthConfig
}

// caller returns the request's caller. A request without credentials is an
// anonymous caller with no roles. Invalid credentials are an error.
func (a authenticator) caller(r *http.Request) (stagectl.Caller, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || a.cfg.JWTSecret == "" {
			return stagectl.Caller{}, fmt.Errorf("%w: bearer tokens are not accepted", stagectl.ErrUnauthorized)
		}
		return a.fromToken(strings.TrimSpace(token))
	}
	if a.cfg.AllowHeaderRoles {
		if raw := r.Header.Get(HeaderRole); raw != "" {
			roles, err := parseRoles(strings.Split(raw, ","))
			if err != nil {
				return stagectl.Caller{}, err
			}
			return stagectl.Caller{Actor: r.Header.Get(HeaderActor), Roles: roles}, nil
		}
	}
	return stagectl.Caller{}, nil
}

func (a authenticator) fromToken(tokenString string) (stagectl.Caller, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: %v", ErrUnexpectedSigningMethod, token.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return stagectl.Caller{}, fmt.Errorf("%w: %w", stagectl.ErrUnauthorized, ErrTokenInvalid)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return stagectl.Caller{}, fmt.Errorf("%w: %w", stagectl.ErrUnauthorized, ErrTokenInvalid)
	}

	subject, _ := claims.GetSubject()
	var names []string
	switch v := claims["roles"].(type) {
	case string:
		names = strings.Split(v, ",")
	case []any:
		for _, role := range v {
			if s, ok := role.(string); ok {
				names = append(names, s)
			}
		}
	}
	roles, err := parseRoles(names)
	if err != nil {
		return stagectl.Caller{}, err
	}
	return stagectl.Caller{Actor: subject, Roles: roles}, nil
}

func parseRoles(names []string) ([]stagectl.Role, error) {
	roles := make([]stagectl.Role, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			continue
		}
		role, ok := stagectl.ParseRole(n)
		if !ok {
			return nil, fmt.Errorf("%w: unknown role %q", stagectl.ErrUnauthorized, n)
		}
		roles = append(roles, role)
	}
	return roles, nil
}

// identify attaches the caller to the request context.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := s.auth.caller(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(stagectl.WithCaller(r.Context(), c)))
	})
}

// requireMutate admits operators and maintainers.
func (s *Server) requireMutate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, _ := stagectl.CallerFrom(r.Context())
		switch {
		case len(c.Roles) == 0:
			s.writeError(w, r, fmt.Errorf("%w: no role presented", stagectl.ErrUnauthorized))
			return
		case !c.CanMutate():
			s.writeError(w, r, fmt.Errorf("%w: role %v", stagectl.ErrForbidden, c.Roles))
			return
		}
		next.ServeHTTP(w, r)
	})
}
