package handlers

import (
	"context"
	"fmt"
	"strconv"

	dcontext "github.com/meridianhq/image-registry/context"
	"github.com/meridianhq/image-registry/registry/api/errcode"
	"github.com/meridianhq/image-registry/registry/api/urls"
	"github.com/meridianhq/image-registry/registry/auth"
)

// Context should contain the request specific context for use in across
// handlers. Resources that don't need to be shared across handlers should not
// be on this object.
type Context struct {
	// App points to the application structure that created this context.
	*App
	context.Context

	// Identity is the principal resolved from the request credentials. The
	// zero value is the anonymous caller.
	Identity auth.Identity

	// Errors is a collection of errors encountered in this request. Errors
	// here will be flushed by the dispatcher as the response body.
	Errors errcode.Errors

	urlBuilder *urls.Builder
}

// Value overrides context.Context.Value to ensure that calls are routed to
// request context first, then the app context.
func (ctx *Context) Value(key any) any {
	return ctx.Context.Value(key)
}

// getImageID extracts the image id target from the request vars. The route
// pattern constrains the var to digits, so a failed parse means the request
// never matched a real image and is reported as such.
func getImageID(ctx context.Context) (int64, error) {
	raw := dcontext.GetStringValue(ctx, "vars.image_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing image id %q: %w", raw, err)
	}
	return id, nil
}

// getMemberID extracts the member id target from the request vars.
func getMemberID(ctx context.Context) string {
	return dcontext.GetStringValue(ctx, "vars.member_id")
}
