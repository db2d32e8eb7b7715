// Package urls provides builders for the URLs exposed by the image API,
// honoring reverse proxy forwarding headers.
package urls

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	v1 "github.com/meridianhq/image-registry/registry/api/v1"
)

// Builder creates registry API urls from a single base endpoint. It can be
// used to create urls for use in a registry client or server.
type Builder struct {
	root     *url.URL // url root (ie http://localhost/)
	router   *mux.Router
	relative bool
}

// NewBuilder creates a Builder with provided root url object.
func NewBuilder(root *url.URL, relative bool) *Builder {
	return &Builder{
		root:     root,
		router:   v1.Router(),
		relative: relative,
	}
}

// NewBuilderFromString workes identically to NewBuilder except it takes
// a string argument for the root, returning an error if it is not a valid
// url.
func NewBuilderFromString(root string, relative bool) (*Builder, error) {
	u, err := url.Parse(root)
	if err != nil {
		return nil, err
	}

	return NewBuilder(u, relative), nil
}

// NewBuilderFromRequest uses information from an *http.Request to
// construct the root url.
func NewBuilderFromRequest(r *http.Request, relative bool) *Builder {
	var (
		scheme = "http"
		host   = r.Host
	)

	if r.TLS != nil {
		scheme = "https"
	} else if len(r.URL.Scheme) > 0 {
		scheme = r.URL.Scheme
	}

	// Handle forwarded headers
	// Prefer "Forwarded" header as defined by rfc7239 if given, see
	// https://tools.ietf.org/html/rfc7239
	if forwarded := r.Header.Get("Forwarded"); len(forwarded) > 0 {
		forwardedHeader, _, err := parseForwardedHeader(forwarded)
		if err == nil {
			if fproto := forwardedHeader["proto"]; len(fproto) > 0 {
				scheme = fproto
			}
			if fhost := forwardedHeader["host"]; len(fhost) > 0 {
				host = fhost
			}
		}
	} else {
		if forwardedProto := r.Header.Get("X-Forwarded-Proto"); len(forwardedProto) > 0 {
			scheme = forwardedProto
		}
		if forwardedHost := r.Header.Get("X-Forwarded-Host"); len(forwardedHost) > 0 {
			// According to the Apache mod_proxy docs, X-Forwarded-Host can be a
			// comma-separated list of hosts, to which each proxy appends the
			// requested host. We want to grab the first from this comma-separated
			// list.
			hosts := strings.SplitN(forwardedHost, ",", 2)
			host = strings.TrimSpace(hosts[0])
		}
	}

	// Detect a reverse proxy path prefix by locating the versioned API path
	// within the request path. Everything before it, including the slash that
	// starts it, is the prefix.
	apiPath := routeDescriptorsMap[v1.RouteNameImages]

	requestPath := r.URL.Path
	index := strings.Index(requestPath, apiPath)

	u := &url.URL{
		Scheme: scheme,
		Host:   host,
	}

	if index > 0 {
		u.Path = requestPath[0 : index+1]
	}

	return NewBuilder(u, relative)
}

var routeDescriptorsMap = v1.RoutePath

// BuildBaseURL constructs a base url for the API, typically just "/v1/".
func (ub *Builder) BuildBaseURL() (string, error) {
	route := ub.cloneRoute(v1.RouteNameBase)

	baseURL, err := route.URL()
	if err != nil {
		return "", err
	}

	return baseURL.String(), nil
}

// BuildImagesURL constructs the url for the image collection.
func (ub *Builder) BuildImagesURL() (string, error) {
	route := ub.cloneRoute(v1.RouteNameImages)

	imagesURL, err := route.URL()
	if err != nil {
		return "", err
	}

	return imagesURL.String(), nil
}

// BuildImagesDetailURL constructs the url for the detailed image listing.
func (ub *Builder) BuildImagesDetailURL() (string, error) {
	route := ub.cloneRoute(v1.RouteNameImagesDetail)

	detailURL, err := route.URL()
	if err != nil {
		return "", err
	}

	return detailURL.String(), nil
}

// BuildImageURL constructs the url for a single image.
func (ub *Builder) BuildImageURL(id int64) (string, error) {
	route := ub.cloneRoute(v1.RouteNameImage)

	imageURL, err := route.URL("image_id", fmt.Sprintf("%d", id))
	if err != nil {
		return "", err
	}

	return imageURL.String(), nil
}

// BuildImageMembersURL constructs the url for an image's membership
// collection.
func (ub *Builder) BuildImageMembersURL(id int64) (string, error) {
	route := ub.cloneRoute(v1.RouteNameImageMembers)

	membersURL, err := route.URL("image_id", fmt.Sprintf("%d", id))
	if err != nil {
		return "", err
	}

	return membersURL.String(), nil
}

// BuildImageMemberURL constructs the url for a single membership grant.
func (ub *Builder) BuildImageMemberURL(id int64, member string) (string, error) {
	route := ub.cloneRoute(v1.RouteNameImageMember)

	memberURL, err := route.URL("image_id", fmt.Sprintf("%d", id), "member_id", member)
	if err != nil {
		return "", err
	}

	return memberURL.String(), nil
}

// clonedRoute returns a clone of the named route from the router. Routes
// must be cloned to avoid modifying them during url generation.
func (ub *Builder) cloneRoute(name string) clonedRoute {
	route := new(mux.Route)
	root := new(url.URL)

	*route = *ub.router.GetRoute(name) // clone the route
	*root = *ub.root

	return clonedRoute{Route: route, root: root, relative: ub.relative}
}

type clonedRoute struct {
	*mux.Route
	root     *url.URL
	relative bool
}

func (cr clonedRoute) URL(pairs ...string) (*url.URL, error) {
	routeURL, err := cr.Route.URL(pairs...)
	if err != nil {
		return nil, err
	}

	if cr.relative {
		return routeURL, nil
	}

	if routeURL.Scheme == "" && routeURL.User == nil && routeURL.Host == "" {
		routeURL.Path = routeURL.Path[1:]
	}

	url := cr.root.ResolveReference(routeURL)
	url.Scheme = cr.root.Scheme
	return url, nil
}
