package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/meridianhq/image-registry/registry/datastore/models"
)

// Image metadata travels in headers on the single-image routes: requests
// carry X-Image-Meta-* headers for writes, responses carry the x-image-meta-*
// set on reads. The JSON views below back the list and detail payloads.
const (
	metaNameHeader     = "X-Image-Meta-Name"
	metaSizeHeader     = "X-Image-Meta-Size"
	metaIsPublicHeader = "X-Image-Meta-Is-Public"
	metaOwnerHeader    = "X-Image-Meta-Owner"
	metaStatusHeader   = "X-Image-Meta-Status"
	metaIDHeader       = "X-Image-Meta-Id"
)

// imageMeta carries the subset of image fields settable through request
// headers. Nil fields were not present on the request.
type imageMeta struct {
	Name     *string
	Size     *int64
	IsPublic *bool
	Owner    *string
}

// parseImageMeta decodes the X-Image-Meta-* headers of a request. Unknown
// meta headers are ignored.
func parseImageMeta(h http.Header) (*imageMeta, error) {
	meta := &imageMeta{}

	if v := h.Get(metaNameHeader); v != "" {
		meta.Name = &v
	}
	if v := h.Get(metaSizeHeader); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("invalid %s value %q", metaSizeHeader, v)
		}
		meta.Size = &size
	}
	if v := h.Get(metaIsPublicHeader); v != "" {
		isPublic := parseMetaBool(v)
		meta.IsPublic = &isPublic
	}
	if v := h.Get(metaOwnerHeader); v != "" {
		meta.Owner = &v
	}

	return meta, nil
}

// parseMetaBool follows the tolerant convention of the original image API:
// a case-insensitive true/on/1/yes reads as true, anything else as false.
func parseMetaBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "on", "1", "yes":
		return true
	}
	return false
}

// formatMetaBool renders booleans the way the original image API does.
func formatMetaBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// writeImageMetaHeaders sets the full x-image-meta-* response header set for
// an image.
func writeImageMetaHeaders(h http.Header, img *models.Image) {
	h.Set(metaIDHeader, strconv.FormatInt(img.ID, 10))
	h.Set(metaNameHeader, img.Name)
	h.Set(metaSizeHeader, strconv.FormatInt(img.Size, 10))
	h.Set(metaIsPublicHeader, formatMetaBool(img.IsPublic))
	h.Set(metaOwnerHeader, img.Owner)
	h.Set(metaStatusHeader, img.Status.String())
}

// imageBrief is the listing view of an image.
type imageBrief struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// imageDetail is the full view of an image, used by the detail listing and
// the single-image JSON envelope.
type imageDetail struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	IsPublic bool   `json:"is_public"`
	Owner    string `json:"owner"`
	Status   string `json:"status"`
}

func newImageBrief(img *models.Image) imageBrief {
	return imageBrief{
		ID:   img.ID,
		Name: img.Name,
		Size: img.Size,
	}
}

func newImageDetail(img *models.Image) imageDetail {
	return imageDetail{
		ID:       img.ID,
		Name:     img.Name,
		Size:     img.Size,
		IsPublic: img.IsPublic,
		Owner:    img.Owner,
		Status:   img.Status.String(),
	}
}
