// Package datastore implements the image record store and the membership
// ledger. Records are kept in process memory: image ids are sequential and
// stable for the lifetime of the process, and the store owns the content
// blobs.
package datastore

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/meridianhq/image-registry/registry/datastore/models"
)

// ErrNotFound is returned by mutating operations against an image id that
// does not exist.
var ErrNotFound = errors.New("image not found")

// ImageReader is the interface that defines read operations for images and
// their membership grants.
type ImageReader interface {
	// FindByID returns the image with the given id, or (nil, nil) when no
	// such image exists.
	FindByID(ctx context.Context, id int64) (*models.Image, error)
	// List returns all images ordered by id. Filtering by visibility is the
	// caller's job.
	List(ctx context.Context) ([]*models.Image, error)
	// Content returns a copy of the image content blob.
	Content(ctx context.Context, id int64) ([]byte, error)
	// Members returns the membership grants of an image in insertion order.
	Members(ctx context.Context, id int64) ([]models.ImageMember, error)
}

// ImageWriter is the interface that defines write operations for images and
// their membership grants. All mutations against the same image id are
// serialized.
type ImageWriter interface {
	// Create persists a new image record together with its content blob,
	// assigning the next sequential id and the create/update timestamps.
	Create(ctx context.Context, image *models.Image, content []byte) error
	// Update applies fn to the image record under the image lock and bumps
	// the update timestamp.
	Update(ctx context.Context, id int64, fn func(*models.Image)) (*models.Image, error)
	// Delete removes an image, its content and its grants.
	Delete(ctx context.Context, id int64) error
	// UpsertMember adds a grant or updates the can_share flag of an
	// existing one.
	UpsertMember(ctx context.Context, id int64, memberID string, canShare bool) error
	// ReplaceMembers discards all grants of an image and installs the given
	// list in order.
	ReplaceMembers(ctx context.Context, id int64, members []models.ImageMember) error
	// RemoveMember deletes a grant. Removing an absent grant is not an
	// error.
	RemoveMember(ctx context.Context, id int64, memberID string) error
}

// ImageStore is the interface that an image store should conform to.
type ImageStore interface {
	ImageReader
	ImageWriter
}

// imageRecord bundles an image with the state the store owns on its behalf.
// The record mutex serializes mutations per image id.
type imageRecord struct {
	sync.Mutex

	image   models.Image
	content []byte
	members []models.ImageMember
}

type imageStore struct {
	clock clock.Clock

	// mu guards the record map and the id counter. Field-level access on a
	// record additionally requires the record lock.
	mu     sync.RWMutex
	lastID int64
	images map[int64]*imageRecord
}

// ImageStoreOption is used to pass options to NewImageStore.
type ImageStoreOption func(*imageStore)

// WithClock sets the clock used for record timestamps. Defaults to the real
// clock.
func WithClock(c clock.Clock) ImageStoreOption {
	return func(s *imageStore) {
		s.clock = c
	}
}

// NewImageStore builds a new empty image store.
func NewImageStore(opts ...ImageStoreOption) ImageStore {
	s := &imageStore{
		clock:  clock.New(),
		images: make(map[int64]*imageRecord),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *imageStore) record(id int64) *imageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.images[id]
}

func (s *imageStore) Create(_ context.Context, image *models.Image, content []byte) error {
	now := s.clock.Now()

	rec := &imageRecord{
		content: append([]byte(nil), content...),
	}

	s.mu.Lock()
	s.lastID++
	image.ID = s.lastID
	image.Status = models.ImageStatusActive
	image.CreatedAt = now
	image.UpdatedAt = now
	rec.image = *image
	s.images[image.ID] = rec
	s.mu.Unlock()

	return nil
}

func (s *imageStore) FindByID(_ context.Context, id int64) (*models.Image, error) {
	rec := s.record(id)
	if rec == nil {
		return nil, nil
	}

	rec.Lock()
	defer rec.Unlock()

	img := rec.image
	return &img, nil
}

func (s *imageStore) List(_ context.Context) ([]*models.Image, error) {
	s.mu.RLock()
	count := len(s.images)
	maxID := s.lastID
	s.mu.RUnlock()

	// ids are dense enough to walk in order, deleted ones are skipped
	images := make([]*models.Image, 0, count)
	for id := int64(1); id <= maxID; id++ {
		rec := s.record(id)
		if rec == nil {
			continue
		}
		rec.Lock()
		img := rec.image
		rec.Unlock()
		images = append(images, &img)
	}

	return images, nil
}

func (s *imageStore) Content(_ context.Context, id int64) ([]byte, error) {
	rec := s.record(id)
	if rec == nil {
		return nil, ErrNotFound
	}

	rec.Lock()
	defer rec.Unlock()

	return append([]byte(nil), rec.content...), nil
}

func (s *imageStore) Update(_ context.Context, id int64, fn func(*models.Image)) (*models.Image, error) {
	rec := s.record(id)
	if rec == nil {
		return nil, ErrNotFound
	}

	rec.Lock()
	defer rec.Unlock()

	fn(&rec.image)
	rec.image.UpdatedAt = s.clock.Now()

	img := rec.image
	return &img, nil
}

func (s *imageStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.images[id]
	if !ok {
		return ErrNotFound
	}

	// Take the record lock so an in-flight mutation completes before the
	// record goes away.
	rec.Lock()
	rec.image.Status = models.ImageStatusDeleted
	rec.Unlock()

	delete(s.images, id)
	return nil
}

func (s *imageStore) Members(_ context.Context, id int64) ([]models.ImageMember, error) {
	rec := s.record(id)
	if rec == nil {
		return nil, ErrNotFound
	}

	rec.Lock()
	defer rec.Unlock()

	return append([]models.ImageMember(nil), rec.members...), nil
}

func (s *imageStore) UpsertMember(_ context.Context, id int64, memberID string, canShare bool) error {
	rec := s.record(id)
	if rec == nil {
		return ErrNotFound
	}

	rec.Lock()
	defer rec.Unlock()

	for i := range rec.members {
		if rec.members[i].MemberID == memberID {
			rec.members[i].CanShare = canShare
			return nil
		}
	}

	rec.members = append(rec.members, models.ImageMember{
		ImageID:   id,
		MemberID:  memberID,
		CanShare:  canShare,
		CreatedAt: s.clock.Now(),
	})
	return nil
}

func (s *imageStore) ReplaceMembers(_ context.Context, id int64, members []models.ImageMember) error {
	rec := s.record(id)
	if rec == nil {
		return ErrNotFound
	}

	now := s.clock.Now()

	replacement := make([]models.ImageMember, 0, len(members))
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if seen[m.MemberID] {
			continue
		}
		seen[m.MemberID] = true
		replacement = append(replacement, models.ImageMember{
			ImageID:   id,
			MemberID:  m.MemberID,
			CanShare:  m.CanShare,
			CreatedAt: now,
		})
	}

	rec.Lock()
	defer rec.Unlock()

	rec.members = replacement
	return nil
}

func (s *imageStore) RemoveMember(_ context.Context, id int64, memberID string) error {
	rec := s.record(id)
	if rec == nil {
		return ErrNotFound
	}

	rec.Lock()
	defer rec.Unlock()

	for i := range rec.members {
		if rec.members[i].MemberID == memberID {
			rec.members = append(rec.members[:i], rec.members[i+1:]...)
			return nil
		}
	}

	return nil
}
