// Package auth resolves connection credentials and validates them.
//
// It avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/url"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Credentials is what a client presents in CONNECT.
type Credentials struct {
	Token    string
	User     string
	Password string
}

func (c Credentials) Empty() bool {
	return c.Token == "" && c.User == "" && c.Password == ""
}

// FromURL extracts userinfo from an endpoint URL. A user without a password
// is treated as a token.
func FromURL(u *url.URL) Credentials {
	if u == nil || u.User == nil {
		return Credentials{}
	}
	user := u.User.Username()
	pass, ok := u.User.Password()
	if !ok {
		return Credentials{Token: user}
	}
	return Credentials{User: user, Password: pass}
}

// Resolve picks the credentials for one endpoint. Explicit configuration
// wins over URL userinfo.
func Resolve(configured Credentials, endpoint *url.URL) Credentials {
	if !configured.Empty() {
		return configured
	}
	return FromURL(endpoint)
}

// Redact returns endpoint without userinfo for logging.
func Redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.User == nil {
		return endpoint
	}
	u.User = nil
	return strings.TrimPrefix(u.String(), "//")
}

// Validator validates presented credentials.
type Validator interface {
	Validate(c Credentials) error
}

// StaticToken is a simple validator for a single shared token.
// It is intended only for development and tests.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(c Credentials) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(c.Token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// StaticUser accepts exactly one user/password pair.
type StaticUser struct {
	User     string
	Password string
}

func (s StaticUser) Validate(c Credentials) error {
	if s.User == "" {
		return ErrUnauthorized
	}
	userOK := subtle.ConstantTimeCompare([]byte(s.User), []byte(c.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(s.Password), []byte(c.Password)) == 1
	if !userOK || !passOK {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(c Credentials) error

func (f FuncValidator) Validate(c Credentials) error {
	return f(c)
}
