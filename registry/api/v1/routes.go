// Package v1 describes the image API surface: route names, paths and the
// error codes returned in JSON error envelopes.
package v1

import "github.com/gorilla/mux"

// The following are the route names registered on the API router. Handlers
// are attached to these names by the application.
const (
	RouteNameBase         = "base"
	RouteNameImages       = "images"
	RouteNameImagesDetail = "images-detail"
	RouteNameImage        = "image"
	RouteNameImageMembers = "image-members"
	RouteNameImageMember  = "image-member"
)

// RoutePath maps route names to their path templates.
var RoutePath = map[string]string{
	RouteNameBase:         "/",
	RouteNameImages:       "/v1/images",
	RouteNameImagesDetail: "/v1/images/detail",
	RouteNameImage:        "/v1/images/{image_id:[0-9]+}",
	RouteNameImageMembers: "/v1/images/{image_id:[0-9]+}/members",
	RouteNameImageMember:  "/v1/images/{image_id:[0-9]+}/members/{member_id}",
}

// Router builds a gorilla router with named routes for the image API. The
// detail route must be registered ahead of the single image route so that
// "detail" is not captured as an image id.
func Router() *mux.Router {
	return RouterWithPrefix("")
}

// RouterWithPrefix builds a gorilla router with a configured prefix
// on all routes.
func RouterWithPrefix(prefix string) *mux.Router {
	rootRouter := mux.NewRouter().UseEncodedPath()
	router := rootRouter
	if prefix != "" {
		router = router.PathPrefix(prefix).Subrouter()
	}

	router.Path(RoutePath[RouteNameBase]).Name(RouteNameBase)
	router.Path(RoutePath[RouteNameImagesDetail]).Name(RouteNameImagesDetail)
	router.Path(RoutePath[RouteNameImages]).Name(RouteNameImages)
	router.Path(RoutePath[RouteNameImageMembers]).Name(RouteNameImageMembers)
	router.Path(RoutePath[RouteNameImageMember]).Name(RouteNameImageMember)
	router.Path(RoutePath[RouteNameImage]).Name(RouteNameImage)

	return rootRouter
}
