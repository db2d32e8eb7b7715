package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/meridianhq/image-registry/registry/api/errcode"
	v1 "github.com/meridianhq/image-registry/registry/api/v1"
	"github.com/meridianhq/image-registry/registry/authorize"
	"github.com/meridianhq/image-registry/registry/datastore"
	"github.com/meridianhq/image-registry/registry/datastore/models"
)

// imageMembersDispatcher constructs the handler for the member collection of
// an image.
func imageMembersDispatcher(ctx *Context, _ *http.Request) http.Handler {
	membersHandler := &imageMembersHandler{imageHandler{Context: ctx}}

	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(membersHandler.ListMembers),
		http.MethodPut: http.HandlerFunc(membersHandler.ReplaceMembers),
	}
}

// imageMemberDispatcher constructs the handler for a single member of an
// image.
func imageMemberDispatcher(ctx *Context, _ *http.Request) http.Handler {
	membersHandler := &imageMembersHandler{imageHandler{Context: ctx}}

	return handlers.MethodHandler{
		http.MethodPut:    http.HandlerFunc(membersHandler.UpsertMember),
		http.MethodDelete: http.HandlerFunc(membersHandler.RemoveMember),
	}
}

// imageMembersHandler handles requests for membership grants on an image.
type imageMembersHandler struct {
	imageHandler
}

// memberView is the wire shape of a single membership grant.
type memberView struct {
	MemberID string `json:"member_id"`
	CanShare bool   `json:"can_share"`
}

// memberBody is the optional body of a single-grant upsert.
type memberBody struct {
	Member struct {
		CanShare bool `json:"can_share"`
	} `json:"member"`
}

// membershipsBody is the body of a bulk grant replacement.
type membershipsBody struct {
	Memberships []memberView `json:"memberships"`
}

// ListMembers returns the grants of an image in insertion order. Listing is
// an owner privilege; everyone else sees an unknown image.
func (mh *imageMembersHandler) ListMembers(w http.ResponseWriter, _ *http.Request) {
	_, grants := mh.authorizedImage(authorize.OpListMembers)
	if mh.Errors.Len() > 0 {
		return
	}

	payload := make([]memberView, 0, len(grants))
	for _, grant := range grants {
		payload = append(payload, memberView{
			MemberID: grant.MemberID,
			CanShare: grant.CanShare,
		})
	}

	serveJSON(w, http.StatusOK, map[string]any{"members": payload})
}

// UpsertMember adds or updates a single grant. Allowed for the owner and for
// members whose own grant carries can_share. The body is optional; its
// absence means can_share false.
func (mh *imageMembersHandler) UpsertMember(w http.ResponseWriter, r *http.Request) {
	img, _ := mh.authorizedImage(authorize.OpAddMember)
	if img == nil {
		return
	}

	canShare := false
	body, err := io.ReadAll(r.Body)
	if err != nil {
		mh.Errors = append(mh.Errors, errcode.FromUnknownError(err))
		return
	}
	if len(body) > 0 {
		var mb memberBody
		if err := json.Unmarshal(body, &mb); err != nil {
			mh.Errors = append(mh.Errors, v1.ErrorCodeValidation.WithArgs("malformed member body"))
			return
		}
		canShare = mb.Member.CanShare
	}

	memberID := getMemberID(mh)
	if err := mh.store.UpsertMember(mh, img.ID, memberID, canShare); err != nil {
		mh.memberMutationError(err)
		return
	}

	mh.invalidateDetailCache(img.ID)
	mh.eventBridge(mh.Context, r).MemberAdded(img, models.ImageMember{
		ImageID:  img.ID,
		MemberID: memberID,
		CanShare: canShare,
	})

	w.WriteHeader(http.StatusNoContent)
}

// ReplaceMembers swaps the full grant set of an image for the one in the
// request body. Owner-only.
func (mh *imageMembersHandler) ReplaceMembers(w http.ResponseWriter, r *http.Request) {
	img, _ := mh.authorizedImage(authorize.OpReplaceMembers)
	if img == nil {
		return
	}

	var mb membershipsBody
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&mb); err != nil {
		mh.Errors = append(mh.Errors, v1.ErrorCodeValidation.WithArgs("malformed memberships body"))
		return
	}

	grants := make([]models.ImageMember, 0, len(mb.Memberships))
	for _, m := range mb.Memberships {
		grants = append(grants, models.ImageMember{
			ImageID:  img.ID,
			MemberID: m.MemberID,
			CanShare: m.CanShare,
		})
	}

	if err := mh.store.ReplaceMembers(mh, img.ID, grants); err != nil {
		mh.memberMutationError(err)
		return
	}

	mh.invalidateDetailCache(img.ID)
	mh.eventBridge(mh.Context, r).MembersReplaced(img, grants)

	w.WriteHeader(http.StatusNoContent)
}

// RemoveMember deletes a single grant. Owner-only and idempotent: removing an
// absent grant still succeeds.
func (mh *imageMembersHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	img, _ := mh.authorizedImage(authorize.OpRemoveMember)
	if img == nil {
		return
	}

	memberID := getMemberID(mh)
	if err := mh.store.RemoveMember(mh, img.ID, memberID); err != nil {
		mh.memberMutationError(err)
		return
	}

	mh.invalidateDetailCache(img.ID)
	mh.eventBridge(mh.Context, r).MemberRemoved(img, memberID)

	w.WriteHeader(http.StatusNoContent)
}

// memberMutationError maps store errors from grant mutations onto API
// errors. A concurrent image deletion surfaces as an unknown image.
func (mh *imageMembersHandler) memberMutationError(err error) {
	if errors.Is(err, datastore.ErrNotFound) {
		mh.Errors = append(mh.Errors, v1.ErrorCodeImageUnknown)
		return
	}
	mh.Errors = append(mh.Errors, errcode.FromUnknownError(err))
}
