// Package token implements an identity controller for opaque bearer-style
// tokens of the form "<principal>:<tenant>", as issued by the external
// identity service. The token is assumed to be pre-validated upstream; this
// controller only extracts the principal.
package token

import (
	"context"
	"net/http"
	"strings"

	"github.com/meridianhq/image-registry/registry/auth"
)

type controller struct {
	// realm is reported to unauthenticated clients, informational only.
	realm string
}

var _ auth.Controller = (*controller)(nil)

func newController(options map[string]any) (auth.Controller, error) {
	realm, _ := options["realm"].(string)

	return &controller{realm: realm}, nil
}

// Resolve extracts the principal from the X-Auth-Token header. A missing or
// empty header resolves to the anonymous identity.
func (*controller) Resolve(_ context.Context, r *http.Request) (auth.Identity, error) {
	raw := r.Header.Get(auth.TokenHeader)
	if raw == "" {
		return auth.Identity{}, nil
	}

	name, tenant, found := strings.Cut(raw, ":")
	if name == "" {
		return auth.Identity{}, auth.ErrInvalidCredential
	}
	if !found {
		tenant = name
	}

	return auth.Identity{Name: name, Tenant: tenant}, nil
}

func init() {
	_ = auth.Register("token", newController)
}
