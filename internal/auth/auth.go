// Package auth provides bearer-token authentication for the realtime
// websocket handshake and the REST Request Executor.
package auth

import (
	"fmt"
	"net/http"
	"os"
	"strings"
)

// AuthorizationHeader is the header carrying the bearer credential.
const AuthorizationHeader = "Authorization"

// Credentials holds the bearer token sent with every request.
type Credentials struct {
	Token string
}

// LoadCredentials builds credentials from an inline token or, when token
// is empty, from the first line of the file at tokenPath.
func LoadCredentials(token, tokenPath string) (*Credentials, error) {
	if token == "" && tokenPath == "" {
		return nil, fmt.Errorf("token or token path is required")
	}

	if token == "" {
		t, err := LoadToken(tokenPath)
		if err != nil {
			return nil, fmt.Errorf("load token: %w", err)
		}
		token = t
	}

	return &Credentials{Token: strings.TrimSpace(token)}, nil
}

// LoadToken reads a token file. Surrounding whitespace is ignored.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token, _, _ := strings.Cut(string(data), "\n")
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

// Value returns the Authorization header value.
func (c *Credentials) Value() string {
	return "Bearer " + c.Token
}

// Headers returns the authentication headers as a map, the shape the
// Request Executor merges into each call.
func (c *Credentials) Headers() map[string]string {
	if c == nil || c.Token == "" {
		return nil
	}
	return map[string]string{AuthorizationHeader: c.Value()}
}

// Apply sets the Authorization header on h. Nil credentials are a no-op.
func (c *Credentials) Apply(h http.Header) {
	if c == nil || c.Token == "" {
		return
	}
	h.Set(AuthorizationHeader, c.Value())
}
