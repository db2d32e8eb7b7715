package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/handlers"

	dcontext "github.com/meridianhq/image-registry/context"
	"github.com/meridianhq/image-registry/registry/api/errcode"
	v1 "github.com/meridianhq/image-registry/registry/api/v1"
	"github.com/meridianhq/image-registry/registry/authorize"
	"github.com/meridianhq/image-registry/registry/datastore"
	"github.com/meridianhq/image-registry/registry/datastore/models"
)

// imageContentType is the media type served for raw image content.
const imageContentType = "application/octet-stream"

// imagesDispatcher constructs the handler for the image collection route.
func imagesDispatcher(ctx *Context, _ *http.Request) http.Handler {
	imagesHandler := &imagesHandler{Context: ctx}

	return handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(imagesHandler.ListImages),
		http.MethodPost: http.HandlerFunc(imagesHandler.CreateImage),
	}
}

// imagesDetailDispatcher constructs the handler for the detail listing route.
func imagesDetailDispatcher(ctx *Context, _ *http.Request) http.Handler {
	imagesHandler := &imagesHandler{Context: ctx}

	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(imagesHandler.ListImageDetails),
	}
}

// imageDispatcher constructs the handler for a single image route.
func imageDispatcher(ctx *Context, _ *http.Request) http.Handler {
	imageHandler := &imageHandler{Context: ctx}

	return handlers.MethodHandler{
		http.MethodGet:    http.HandlerFunc(imageHandler.GetImage),
		http.MethodHead:   http.HandlerFunc(imageHandler.HeadImage),
		http.MethodPut:    http.HandlerFunc(imageHandler.UpdateImage),
		http.MethodDelete: http.HandlerFunc(imageHandler.DeleteImage),
	}
}

// imagesHandler handles requests for the image collection.
type imagesHandler struct {
	*Context
}

// ListImages returns the brief listing of images visible to the caller. The
// result is always a JSON object with an images key, even when empty.
func (ih *imagesHandler) ListImages(w http.ResponseWriter, _ *http.Request) {
	images, err := ih.visibleImages()
	if err != nil {
		ih.Errors = append(ih.Errors, errcode.FromUnknownError(err))
		return
	}

	payload := make([]imageBrief, 0, len(images))
	for _, img := range images {
		payload = append(payload, newImageBrief(img))
	}

	serveJSON(w, http.StatusOK, map[string]any{"images": payload})
}

// ListImageDetails returns the detail listing of images visible to the
// caller.
func (ih *imagesHandler) ListImageDetails(w http.ResponseWriter, _ *http.Request) {
	images, err := ih.visibleImages()
	if err != nil {
		ih.Errors = append(ih.Errors, errcode.FromUnknownError(err))
		return
	}

	payload := make([]imageDetail, 0, len(images))
	for _, img := range images {
		payload = append(payload, ih.imageDetailCached(img))
	}

	serveJSON(w, http.StatusOK, map[string]any{"images": payload})
}

// visibleImages walks the store and filters records down to those the caller
// may see.
func (ih *imagesHandler) visibleImages() ([]*models.Image, error) {
	all, err := ih.store.List(ih)
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}

	visible := make([]*models.Image, 0, len(all))
	for _, img := range all {
		grants, err := ih.store.Members(ih, img.ID)
		if errors.Is(err, datastore.ErrNotFound) {
			// deleted while we were walking the listing
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading grants for image %d: %w", img.ID, err)
		}
		if ih.authorizer.Visible(ih.Identity, img, grants) {
			visible = append(visible, img)
		}
	}

	return visible, nil
}

// CreateImage registers a new image from the request metadata headers and
// body content, owned by the caller.
func (ih *imagesHandler) CreateImage(w http.ResponseWriter, r *http.Request) {
	meta, err := parseImageMeta(r.Header)
	if err != nil {
		ih.Errors = append(ih.Errors, v1.ErrorCodeValidation.WithArgs(err.Error()))
		return
	}
	if meta.Name == nil || *meta.Name == "" {
		ih.Errors = append(ih.Errors, v1.ErrorCodeValidation.WithArgs("image name is required"))
		return
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		ih.Errors = append(ih.Errors, errcode.FromUnknownError(fmt.Errorf("reading image content: %w", err)))
		return
	}

	img := &models.Image{
		Name:   *meta.Name,
		Size:   int64(len(content)),
		Owner:  ih.Identity.Name,
		Status: models.ImageStatusActive,
	}
	if meta.Size != nil {
		img.Size = *meta.Size
	}
	if meta.IsPublic != nil {
		img.IsPublic = *meta.IsPublic
	}

	if err := ih.store.Create(ih, img, content); err != nil {
		ih.Errors = append(ih.Errors, errcode.FromUnknownError(fmt.Errorf("creating image: %w", err)))
		return
	}

	ih.eventBridge(ih.Context, r).ImageCreated(img)

	location, err := ih.urlBuilder.BuildImageURL(img.ID)
	if err == nil {
		w.Header().Set("Location", location)
	} else {
		dcontext.GetLogger(ih).WithError(err).Warn("unable to build image location url")
	}
	writeImageMetaHeaders(w.Header(), img)
	serveJSON(w, http.StatusCreated, map[string]any{"image": newImageDetail(img)})
}

// imageHandler handles requests against a single image.
type imageHandler struct {
	*Context
}

// authorizedImage loads the image targeted by the request and checks op
// against it. Absent images and denied operations are indistinguishable:
// both surface as an unknown image.
func (ih *imageHandler) authorizedImage(op authorize.Operation) (*models.Image, []models.ImageMember) {
	id, err := getImageID(ih)
	if err != nil {
		ih.Errors = append(ih.Errors, v1.ErrorCodeImageUnknown)
		return nil, nil
	}

	img, err := ih.store.FindByID(ih, id)
	if err != nil {
		ih.Errors = append(ih.Errors, errcode.FromUnknownError(err))
		return nil, nil
	}
	if img == nil {
		ih.Errors = append(ih.Errors, v1.ErrorCodeImageUnknown)
		return nil, nil
	}

	grants, err := ih.store.Members(ih, id)
	if errors.Is(err, datastore.ErrNotFound) {
		ih.Errors = append(ih.Errors, v1.ErrorCodeImageUnknown)
		return nil, nil
	}
	if err != nil {
		ih.Errors = append(ih.Errors, errcode.FromUnknownError(err))
		return nil, nil
	}

	if ih.authorizer.Can(ih.Identity, op, img, grants) != authorize.Allowed {
		ih.Errors = append(ih.Errors, v1.ErrorCodeImageUnknown)
		return nil, nil
	}

	return img, grants
}

// GetImage serves the image content with the metadata header set.
func (ih *imageHandler) GetImage(w http.ResponseWriter, _ *http.Request) {
	img, _ := ih.authorizedImage(authorize.OpRead)
	if img == nil {
		return
	}

	content, err := ih.store.Content(ih, img.ID)
	if errors.Is(err, datastore.ErrNotFound) {
		ih.Errors = append(ih.Errors, v1.ErrorCodeImageUnknown)
		return
	}
	if err != nil {
		ih.Errors = append(ih.Errors, errcode.FromUnknownError(err))
		return
	}

	writeImageMetaHeaders(w.Header(), img)
	w.Header().Set("Content-Type", imageContentType)
	w.Header().Set("Content-Length", fmt.Sprint(len(content)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(content); err != nil {
		dcontext.GetLogger(ih).WithError(err).Error("error writing image content")
	}
}

// HeadImage serves the metadata header set without a body.
func (ih *imageHandler) HeadImage(w http.ResponseWriter, _ *http.Request) {
	img, _ := ih.authorizedImage(authorize.OpRead)
	if img == nil {
		return
	}

	writeImageMetaHeaders(w.Header(), img)
	w.Header().Set("Content-Type", imageContentType)
	w.WriteHeader(http.StatusOK)
}

// UpdateImage applies metadata header changes to an image. Only the owner may
// update; an attempted owner reassignment never fails, it simply does not
// happen.
func (ih *imageHandler) UpdateImage(w http.ResponseWriter, r *http.Request) {
	img, _ := ih.authorizedImage(authorize.OpUpdate)
	if img == nil {
		return
	}

	meta, err := parseImageMeta(r.Header)
	if err != nil {
		ih.Errors = append(ih.Errors, v1.ErrorCodeValidation.WithArgs(err.Error()))
		return
	}
	if meta.Owner != nil && *meta.Owner != img.Owner {
		dcontext.GetLogger(ih).WithField("image_id", img.ID).
			Info("ignoring owner reassignment on image update")
	}

	updated, err := ih.store.Update(ih, img.ID, func(img *models.Image) {
		if meta.Name != nil {
			img.Name = *meta.Name
		}
		if meta.Size != nil {
			img.Size = *meta.Size
		}
		if meta.IsPublic != nil {
			img.IsPublic = *meta.IsPublic
		}
	})
	if err != nil {
		ih.Errors = append(ih.Errors, errcode.FromUnknownError(err))
		return
	}

	ih.invalidateDetailCache(img.ID)
	ih.eventBridge(ih.Context, r).ImageUpdated(updated)

	writeImageMetaHeaders(w.Header(), updated)
	serveJSON(w, http.StatusOK, map[string]any{"image": newImageDetail(updated)})
}

// DeleteImage removes an image and its grants. Returns 200 with an empty
// body, matching the original image API.
func (ih *imageHandler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	img, _ := ih.authorizedImage(authorize.OpDelete)
	if img == nil {
		return
	}

	if err := ih.store.Delete(ih, img.ID); err != nil {
		ih.Errors = append(ih.Errors, errcode.FromUnknownError(err))
		return
	}

	ih.invalidateDetailCache(img.ID)
	ih.eventBridge(ih.Context, r).ImageDeleted(img)

	w.WriteHeader(http.StatusOK)
}

// serveJSON writes a JSON response body with the given status.
func serveJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		// headers are out already, nothing to do but log
		dcontext.GetLogger(dcontext.Background()).WithError(err).Error("error encoding json response")
	}
}
