package authorize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meridianhq/image-registry/registry/auth"
	"github.com/meridianhq/image-registry/registry/datastore/models"
)

var (
	owner    = auth.Identity{Name: "pattieblack", Tenant: "pattieblack"}
	froggy   = auth.Identity{Name: "froggy", Tenant: "froggy"}
	bacon    = auth.Identity{Name: "bacon", Tenant: "bacon"}
	nobody   = auth.Identity{}
	allWrite = []Operation{OpUpdate, OpDelete, OpReplaceMembers, OpRemoveMember, OpListMembers}
)

func privateImage() *models.Image {
	return &models.Image{ID: 1, Name: "Image1", Owner: "pattieblack"}
}

func publicImage() *models.Image {
	img := privateImage()
	img.IsPublic = true
	return img
}

func grant(member string, canShare bool) models.ImageMember {
	return models.ImageMember{ImageID: 1, MemberID: member, CanShare: canShare}
}

func TestVisible(t *testing.T) {
	a := New()

	tests := []struct {
		name     string
		identity auth.Identity
		img      *models.Image
		grants   []models.ImageMember
		expected bool
	}{
		{"owner sees private image", owner, privateImage(), nil, true},
		{"non-owner does not see private image", froggy, privateImage(), nil, false},
		{"anonymous does not see private image", nobody, privateImage(), nil, false},
		{"anyone sees public image", froggy, publicImage(), nil, true},
		{"anonymous sees public image", nobody, publicImage(), nil, true},
		{"member sees shared image", froggy, privateImage(), []models.ImageMember{grant("froggy", false)}, true},
		{"non-member does not see shared image", bacon, privateImage(), []models.ImageMember{grant("froggy", true)}, false},
		{"nil image is never visible", owner, nil, nil, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, a.Visible(tc.identity, tc.img, tc.grants))
		})
	}
}

func TestCan_Read(t *testing.T) {
	a := New()

	assert.Equal(t, Allowed, a.Can(owner, OpRead, privateImage(), nil))
	assert.Equal(t, DeniedNotFound, a.Can(froggy, OpRead, privateImage(), nil))
	assert.Equal(t, Allowed, a.Can(froggy, OpRead, publicImage(), nil))
	assert.Equal(t, Allowed, a.Can(froggy, OpRead, privateImage(), []models.ImageMember{grant("froggy", false)}))
	assert.Equal(t, DeniedNotFound, a.Can(owner, OpRead, nil, nil))
}

func TestCan_WriteOperationsAreOwnerOnly(t *testing.T) {
	a := New()
	grants := []models.ImageMember{grant("froggy", true)}

	for _, op := range allWrite {
		t.Run(op.String(), func(t *testing.T) {
			assert.Equal(t, Allowed, a.Can(owner, op, privateImage(), nil))
			// can_share does not escalate beyond adding members
			assert.Equal(t, DeniedNotFound, a.Can(froggy, op, privateImage(), grants))
			assert.Equal(t, DeniedNotFound, a.Can(bacon, op, publicImage(), nil))
			assert.Equal(t, DeniedNotFound, a.Can(nobody, op, publicImage(), nil))
		})
	}
}

func TestCan_PublicImageDoesNotGrantWrites(t *testing.T) {
	a := New()

	// read visibility through the public flag never implies write access
	assert.Equal(t, DeniedNotFound, a.Can(froggy, OpUpdate, publicImage(), nil))
	assert.Equal(t, DeniedNotFound, a.Can(froggy, OpDelete, publicImage(), nil))
}

func TestCan_AddMember(t *testing.T) {
	a := New()

	assert.Equal(t, Allowed, a.Can(owner, OpAddMember, privateImage(), nil))

	sharer := []models.ImageMember{grant("froggy", true)}
	viewer := []models.ImageMember{grant("froggy", false)}

	assert.Equal(t, Allowed, a.Can(froggy, OpAddMember, privateImage(), sharer))
	assert.Equal(t, DeniedNotFound, a.Can(froggy, OpAddMember, privateImage(), viewer))
	assert.Equal(t, DeniedNotFound, a.Can(bacon, OpAddMember, privateImage(), sharer))
	assert.Equal(t, DeniedNotFound, a.Can(nobody, OpAddMember, publicImage(), nil))
}

func TestCan_OwnerNamedLikeAnonymous(t *testing.T) {
	a := New()

	// an image with an empty owner must not be writable anonymously
	img := &models.Image{ID: 1, Name: "orphan", Owner: ""}
	assert.Equal(t, DeniedNotFound, a.Can(nobody, OpUpdate, img, nil))
	assert.Equal(t, DeniedNotFound, a.Can(nobody, OpDelete, img, nil))
}

func TestOperationString(t *testing.T) {
	assert.Equal(t, "read", OpRead.String())
	assert.Equal(t, "replace_members", OpReplaceMembers.String())
	assert.Equal(t, "unknown", Operation(99).String())
}
