package models

import (
	"time"
)

// ImageStatus is the lifecycle status of an image record.
type ImageStatus string

const (
	// ImageStatusActive is the status of a fully created image. This engine
	// stores content synchronously on create, so images are never observed
	// in a queued or saving state.
	ImageStatusActive ImageStatus = "active"
	// ImageStatusDeleted marks a record that is being torn down.
	ImageStatusDeleted ImageStatus = "deleted"
)

// String implements fmt.Stringer.
func (s ImageStatus) String() string {
	return string(s)
}

// Image is an image metadata record. The content blob is owned by the
// store and is not part of the model.
type Image struct {
	ID        int64
	Name      string
	Size      int64
	Owner     string
	IsPublic  bool
	Status    ImageStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ImageMember is a membership grant giving a non-owner identity visibility
// of an image. CanShare additionally allows the grantee to extend grants to
// others.
type ImageMember struct {
	ImageID   int64
	MemberID  string
	CanShare  bool
	CreatedAt time.Time
}
