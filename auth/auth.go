// Package auth validates the opaque credential payload a client supplies at
// connection setup. The sync core only consumes the Authorizer interface;
// credential issuance lives elsewhere.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	syncErrors "github.com/aklyachkin/syncwire/errors"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidAdminSecret = errors.New("invalid admin secret")
	ErrWorkspaceDenied    = errors.New("no access to specified workspace")
)

// Info is the outcome of validating a connection payload.
type Info struct {
	Authenticated bool
	IsAdmin       bool
	UserID        string
}

// Authorizer validates the opaque payload presented at connection setup for
// access to a logical store. A nil error with Authenticated=false means the
// connection may proceed read-only; an error of kind auth rejects it.
type Authorizer interface {
	Authorize(ctx context.Context, storeID string, payload []byte) (*Info, error)
}

// payload is the decoded shape of the opaque credential blob. Legacy field
// aliases are accepted the way the original wire format allowed them.
type payload struct {
	JWTToken    string `json:"jwtToken"`
	JWT         string `json:"jwt"`
	AuthToken   string `json:"authToken"`
	Auth        string `json:"auth"`
	AdminSecret string `json:"adminSecret"`
	UserID      string `json:"userId"`
}

type workspaceClaim struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Config for the standard authorizer.
type Config struct {
	// JWTSecret verifies HS256 access tokens whose claims carry the user id
	// and workspace roles.
	JWTSecret string

	// AuthToken is the legacy shared token; matching it authenticates
	// without workspace scoping.
	AuthToken string

	// AdminSecret gates administrative operations. If AdminSecretHash is
	// set it takes precedence and AdminSecret is ignored.
	AdminSecret string

	// AdminSecretHash is an optional bcrypt hash of the admin secret, for
	// deployments that refuse to keep the plaintext in the environment.
	AdminSecretHash string
}

// PayloadAuthorizer implements Authorizer over Config.
type PayloadAuthorizer struct {
	cfg Config
}

var _ Authorizer = (*PayloadAuthorizer)(nil)

func New(cfg Config) *PayloadAuthorizer {
	return &PayloadAuthorizer{cfg: cfg}
}

// Authorize implements Authorizer. An empty payload yields an
// unauthenticated (read-only) session; a present but invalid credential is
// rejected with an auth error.
func (a *PayloadAuthorizer) Authorize(ctx context.Context, storeID string, raw []byte) (*Info, error) {
	info := &Info{}

	if len(raw) == 0 {
		return info, nil
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, syncErrors.NewAuthError("auth.Authorize", fmt.Errorf("malformed payload: %w", err))
	}

	token := p.JWTToken
	if token == "" {
		token = p.JWT
	}
	if token != "" {
		if err := a.verifyJWT(token, storeID, info); err != nil {
			return nil, syncErrors.NewAuthError("auth.Authorize", err)
		}
	}

	legacy := p.AuthToken
	if legacy == "" {
		legacy = p.Auth
	}
	if legacy != "" && !info.Authenticated {
		if a.cfg.AuthToken == "" || subtle.ConstantTimeCompare([]byte(legacy), []byte(a.cfg.AuthToken)) != 1 {
			return nil, syncErrors.NewAuthError("auth.Authorize", ErrInvalidToken)
		}
		info.Authenticated = true
		info.UserID = p.UserID
		if info.UserID == "" {
			info.UserID = "anonymous"
		}
	}

	if p.AdminSecret != "" {
		if !a.CheckAdminSecret(p.AdminSecret) {
			return nil, syncErrors.NewAuthError("auth.Authorize", ErrInvalidAdminSecret)
		}
		info.IsAdmin = true
		info.Authenticated = true
	}

	return info, nil
}

func (a *PayloadAuthorizer) verifyJWT(tokenString, storeID string, info *Info) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return ErrInvalidToken
	}

	workspaces := parseWorkspaces(claims["workspaces"])

	// The store id is the workspace id; a token scoped to workspaces must
	// list it.
	if len(workspaces) > 0 {
		var grant *workspaceClaim
		for i := range workspaces {
			if workspaces[i].ID == storeID {
				grant = &workspaces[i]
				break
			}
		}
		if grant == nil {
			return ErrWorkspaceDenied
		}
		info.IsAdmin = grant.Role == "admin"
	}

	info.Authenticated = true
	info.UserID = sub
	return nil
}

func parseWorkspaces(v interface{}) []workspaceClaim {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]workspaceClaim, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		var w workspaceClaim
		w.ID, _ = m["id"].(string)
		w.Role, _ = m["role"].(string)
		if w.ID != "" {
			out = append(out, w)
		}
	}
	return out
}

// CheckAdminSecret validates the separate administrative credential carried
// by AdminResetReq and AdminInfoReq.
func (a *PayloadAuthorizer) CheckAdminSecret(secret string) bool {
	if secret == "" {
		return false
	}
	if a.cfg.AdminSecretHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(a.cfg.AdminSecretHash), []byte(secret)) == nil
	}
	if a.cfg.AdminSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(a.cfg.AdminSecret)) == 1
}
