package v1

import (
	"net/http"

	"github.com/meridianhq/image-registry/registry/api/errcode"
)

const errGroup = "image.api.v1"

var (
	// ErrorCodeImageUnknown is returned when an image is not known to the
	// registry or the caller is not permitted to know whether it exists.
	// Access denials deliberately share this code so that the response
	// never reveals the existence of a private image.
	ErrorCodeImageUnknown = errcode.Register(errGroup, errcode.ErrorDescriptor{
		Value:          "IMAGE_UNKNOWN",
		Message:        "image not found",
		Description:    `The image id given was not found, or the requesting identity may not view it.`,
		HTTPStatusCode: http.StatusNotFound,
	})

	// ErrorCodeValidation is returned when a request carries a malformed
	// body or metadata headers that cannot be parsed.
	ErrorCodeValidation = errcode.Register(errGroup, errcode.ErrorDescriptor{
		Value:          "VALIDATION_ERROR",
		Message:        "invalid request: %s",
		Description:    `The request body or metadata headers could not be parsed.`,
		HTTPStatusCode: http.StatusBadRequest,
	})
)
