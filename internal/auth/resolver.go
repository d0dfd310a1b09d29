package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for any token that cannot be positively
// verified. Timeouts and non-200 responses from the auth service map to this
// error, never to an authenticated identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the resolved caller of a connection.
type Identity struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Email  string `json:"email"`
}

// TokenResolver resolves an opaque bearer credential to an identity.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

// HTTPResolver validates tokens against the external auth service.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPResolver creates a resolver calling the auth service at baseURL.
func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Resolve calls POST {base}/auth/validate-token with the credential.
func (r *HTTPResolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	body, _ := json.Marshal(map[string]string{"token": token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/auth/validate-token", bytes.NewReader(body))
	if err != nil {
		return nil, ErrUnauthenticated
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		log.Printf("[Auth] Token validation call failed: %v", err)
		return nil, ErrUnauthenticated
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[Auth] Token validation failed: %d", resp.StatusCode)
		return nil, ErrUnauthenticated
	}

	var result struct {
		Valid  bool   `json:"valid"`
		UserID string `json:"user_id"`
		Role   string `json:"role"`
		Email  string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || !result.Valid || result.UserID == "" {
		return nil, ErrUnauthenticated
	}

	return &Identity{UserID: result.UserID, Role: result.Role, Email: result.Email}, nil
}

// JWTResolver verifies HS256 tokens locally. Used when no external auth
// service is configured.
type JWTResolver struct {
	secret []byte
}

// NewJWTResolver creates a resolver with the given signing secret.
func NewJWTResolver(secret string) *JWTResolver {
	return &JWTResolver{secret: []byte(secret)}
}

// Resolve parses and verifies the token and extracts identity claims.
func (r *JWTResolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthenticated
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrUnauthenticated
	}

	id := &Identity{}
	if v, ok := claims["user_id"].(string); ok {
		id.UserID = v
	} else if v, ok := claims["sub"].(string); ok {
		id.UserID = v
	}
	if v, ok := claims["role"].(string); ok {
		id.Role = v
	}
	if v, ok := claims["email"].(string); ok {
		id.Email = v
	}
	if id.UserID == "" {
		return nil, ErrUnauthenticated
	}

	return id, nil
}
