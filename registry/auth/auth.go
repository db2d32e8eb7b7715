// Package auth defines a standard interface for resolving the identity
// behind inbound requests.
//
// An identity controller has a simple interface to hide the complexity of
// the credential scheme in use. Implementations register themselves by name
// during init and are selected through the configuration:
//
//	controller, _ := auth.GetController("token", option)
//	identity, _ := controller.Resolve(ctx, r)
//
// Credential verification is delegated to an external identity service; the
// controllers here only extract and normalize the principal.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// TokenHeader is the request header carrying the caller's credential.
const TokenHeader = "X-Auth-Token"

// ErrInvalidCredential is returned when the auth token does not parse.
var ErrInvalidCredential = errors.New("invalid authorization credential")

// Identity carries the authenticated principal of a request. The zero value
// is the anonymous identity.
type Identity struct {
	// Name is the principal identifier, referenced by image ownership and
	// membership grants.
	Name string

	// Tenant is the project the principal acts under, when the credential
	// scheme carries one.
	Tenant string
}

// IsAnonymous reports whether the identity belongs to an unauthenticated
// caller.
func (i Identity) IsAnonymous() bool {
	return i.Name == ""
}

// Controller resolves the identity making a request.
type Controller interface {
	// Resolve returns the identity carried by the request credential. An
	// absent credential yields the anonymous identity, not an error; an
	// error is returned only for credentials that are present but
	// malformed.
	Resolve(ctx context.Context, r *http.Request) (Identity, error)
}

// InitFunc is the type of a Controller factory function and is used to
// register the constructor for different Controller backends.
type InitFunc func(options map[string]any) (Controller, error)

var controllers map[string]InitFunc

// Register is used to register an InitFunc for a Controller backend with
// the given name.
func Register(name string, initFunc InitFunc) error {
	if _, exists := controllers[name]; exists {
		return fmt.Errorf("name already registered: %s", name)
	}

	controllers[name] = initFunc

	return nil
}

// GetController constructs a Controller with the given options using the
// named backend.
func GetController(name string, options map[string]any) (Controller, error) {
	if initFunc, exists := controllers[name]; exists {
		return initFunc(options)
	}

	return nil, fmt.Errorf("no identity controller registered with name: %s", name)
}

func init() {
	controllers = make(map[string]InitFunc)
}
