package auth

import (
	"errors"
	"net/http"
	"strings"
)

// Denial messages returned verbatim to clients.
const (
	MsgNotAuthenticated = "Not authenticated"
	MsgTokenInvalid     = "Token is invalid"
	MsgPermissionDenied = "Permission Denied"
)

// DecisionKind classifies a gate outcome.
type DecisionKind int

const (
	PassThrough DecisionKind = iota
	Authorized
	Denied
)

func (k DecisionKind) String() string {
	switch k {
	case PassThrough:
		return "pass_through"
	case Authorized:
		return "authorized"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Decision is computed per request and never cached.
type Decision struct {
	Kind    DecisionKind
	Claims  *Claims
	Message string
	Status  int
}

// TokenVerifier decodes bearer tokens.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// RoleSet is the set of roles a gated route accepts.
type RoleSet map[string]struct{}

// NewRoleSet builds a RoleSet, ignoring blanks.
func NewRoleSet(roles ...string) RoleSet {
	set := make(RoleSet, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r != "" {
			set[r] = struct{}{}
		}
	}
	return set
}

// Has reports membership.
func (s RoleSet) Has(role string) bool {
	_, ok := s[role]
	return ok
}

// DefaultAllowList holds the paths served without authentication.
var DefaultAllowList = []string{
	"/api/login",
	"/api/registration",
	"/api/g_login",
	"/api/g_authorize",
	"/healthz",
	"/readyz",
	"/metrics",
}

// Gate applies the access policy to inbound requests.
type Gate struct {
	tokens    TokenVerifier
	allowList map[string]struct{}
}

// NewGate returns a gate exempting allowList; nil means DefaultAllowList.
func NewGate(tokens TokenVerifier, allowList []string) *Gate {
	if allowList == nil {
		allowList = DefaultAllowList
	}
	set := make(map[string]struct{}, len(allowList))
	for _, p := range allowList {
		set[normalizePath(p)] = struct{}{}
	}
	return &Gate{tokens: tokens, allowList: set}
}

// Authorize decides whether r may reach its handler.
func (g *Gate) Authorize(r *http.Request, allowed RoleSet) Decision {
	if _, ok := g.allowList[normalizePath(r.URL.Path)]; ok {
		return Decision{Kind: PassThrough, Status: http.StatusOK}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return deny(MsgNotAuthenticated, http.StatusBadRequest)
	}
	claims, err := g.tokens.Verify(header)
	if err != nil {
		return deny(MsgTokenInvalid, http.StatusUnauthorized)
	}
	if !allowed.Has(claims.Role) {
		return deny(MsgPermissionDenied, http.StatusForbidden)
	}
	return Decision{Kind: Authorized, Claims: claims, Status: http.StatusOK}
}

// IsTokenError reports whether err came from token verification.
func IsTokenError(err error) bool {
	return errors.Is(err, ErrTokenMalformed) || errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenBadSignature)
}

func deny(msg string, status int) Decision {
	return Decision{Kind: Denied, Message: msg, Status: status}
}

func normalizePath(p string) string {
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}
