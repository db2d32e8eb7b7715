package datastore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/image-registry/registry/datastore/models"
)

func testImage(name, owner string) *models.Image {
	return &models.Image{
		Name:  name,
		Size:  5120,
		Owner: owner,
	}
}

func TestImageStore_Create(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	s := NewImageStore(WithClock(mock))
	ctx := context.Background()

	img := testImage("Image1", "pattieblack")
	require.NoError(t, s.Create(ctx, img, []byte("*")))

	assert.EqualValues(t, 1, img.ID)
	assert.Equal(t, models.ImageStatusActive, img.Status)
	assert.Equal(t, mock.Now(), img.CreatedAt)
	assert.Equal(t, mock.Now(), img.UpdatedAt)

	// ids are sequential
	img2 := testImage("Image2", "pattieblack")
	require.NoError(t, s.Create(ctx, img2, nil))
	assert.EqualValues(t, 2, img2.ID)
}

func TestImageStore_FindByID(t *testing.T) {
	s := NewImageStore()
	ctx := context.Background()

	img := testImage("Image1", "pattieblack")
	require.NoError(t, s.Create(ctx, img, []byte("test content")))

	found, err := s.FindByID(ctx, img.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, *img, *found)

	// mutating the returned copy must not leak into the store
	found.Owner = "froggy"
	again, err := s.FindByID(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, "pattieblack", again.Owner)
}

func TestImageStore_FindByID_NotFound(t *testing.T) {
	s := NewImageStore()

	found, err := s.FindByID(context.Background(), 42)
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestImageStore_Content(t *testing.T) {
	s := NewImageStore()
	ctx := context.Background()

	img := testImage("Image1", "pattieblack")
	require.NoError(t, s.Create(ctx, img, []byte("test content")))

	content, err := s.Content(ctx, img.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("test content"), content)

	_, err = s.Content(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestImageStore_List(t *testing.T) {
	s := NewImageStore()
	ctx := context.Background()

	images, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, images)

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, s.Create(ctx, testImage(name, "owner"), nil))
	}
	require.NoError(t, s.Delete(ctx, 2))

	images, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.EqualValues(t, 1, images[0].ID)
	assert.EqualValues(t, 3, images[1].ID)
}

func TestImageStore_Update(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	s := NewImageStore(WithClock(mock))
	ctx := context.Background()

	img := testImage("Image1", "pattieblack")
	require.NoError(t, s.Create(ctx, img, nil))

	mock.Add(time.Minute)
	updated, err := s.Update(ctx, img.ID, func(i *models.Image) {
		i.IsPublic = true
	})
	require.NoError(t, err)
	assert.True(t, updated.IsPublic)
	assert.Equal(t, img.CreatedAt, updated.CreatedAt)
	assert.Equal(t, img.CreatedAt.Add(time.Minute), updated.UpdatedAt)

	_, err = s.Update(ctx, 99, func(*models.Image) {})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestImageStore_Delete(t *testing.T) {
	s := NewImageStore()
	ctx := context.Background()

	img := testImage("Image1", "pattieblack")
	require.NoError(t, s.Create(ctx, img, nil))
	require.NoError(t, s.UpsertMember(ctx, img.ID, "froggy", false))

	require.NoError(t, s.Delete(ctx, img.ID))

	found, err := s.FindByID(ctx, img.ID)
	require.NoError(t, err)
	require.Nil(t, found)

	// grants die with the image
	_, err = s.Members(ctx, img.ID)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, s.Delete(ctx, img.ID), ErrNotFound)
}

func TestImageStore_Delete_DoesNotReuseIDs(t *testing.T) {
	s := NewImageStore()
	ctx := context.Background()

	img := testImage("Image1", "pattieblack")
	require.NoError(t, s.Create(ctx, img, nil))
	require.NoError(t, s.Delete(ctx, img.ID))

	img2 := testImage("Image2", "pattieblack")
	require.NoError(t, s.Create(ctx, img2, nil))
	assert.EqualValues(t, 2, img2.ID)
}

func TestImageStore_UpsertMember(t *testing.T) {
	s := NewImageStore()
	ctx := context.Background()

	img := testImage("Image1", "pattieblack")
	require.NoError(t, s.Create(ctx, img, nil))

	require.NoError(t, s.UpsertMember(ctx, img.ID, "froggy", false))
	require.NoError(t, s.UpsertMember(ctx, img.ID, "bacon", true))

	members, err := s.Members(ctx, img.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "froggy", members[0].MemberID)
	assert.False(t, members[0].CanShare)
	assert.Equal(t, "bacon", members[1].MemberID)
	assert.True(t, members[1].CanShare)

	// upsert of an existing member updates in place, preserving order
	require.NoError(t, s.UpsertMember(ctx, img.ID, "froggy", true))
	members, err = s.Members(ctx, img.ID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "froggy", members[0].MemberID)
	assert.True(t, members[0].CanShare)

	require.ErrorIs(t, s.UpsertMember(ctx, 99, "froggy", false), ErrNotFound)
}

func TestImageStore_ReplaceMembers(t *testing.T) {
	s := NewImageStore()
	ctx := context.Background()

	img := testImage("Image1", "pattieblack")
	require.NoError(t, s.Create(ctx, img, nil))
	require.NoError(t, s.UpsertMember(ctx, img.ID, "froggy", true))

	err := s.ReplaceMembers(ctx, img.ID, []models.ImageMember{
		{MemberID: "bacon", CanShare: false},
	})
	require.NoError(t, err)

	members, err := s.Members(ctx, img.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "bacon", members[0].MemberID)
	assert.EqualValues(t, img.ID, members[0].ImageID)

	// replace with nil clears the set
	require.NoError(t, s.ReplaceMembers(ctx, img.ID, nil))
	members, err = s.Members(ctx, img.ID)
	require.NoError(t, err)
	require.Empty(t, members)

	require.ErrorIs(t, s.ReplaceMembers(ctx, 99, nil), ErrNotFound)
}

func TestImageStore_ReplaceMembers_DropsDuplicates(t *testing.T) {
	s := NewImageStore()
	ctx := context.Background()

	img := testImage("Image1", "pattieblack")
	require.NoError(t, s.Create(ctx, img, nil))

	err := s.ReplaceMembers(ctx, img.ID, []models.ImageMember{
		{MemberID: "froggy", CanShare: true},
		{MemberID: "froggy", CanShare: false},
	})
	require.NoError(t, err)

	members, err := s.Members(ctx, img.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.True(t, members[0].CanShare)
}

func TestImageStore_RemoveMember(t *testing.T) {
	s := NewImageStore()
	ctx := context.Background()

	img := testImage("Image1", "pattieblack")
	require.NoError(t, s.Create(ctx, img, nil))
	require.NoError(t, s.UpsertMember(ctx, img.ID, "froggy", false))

	require.NoError(t, s.RemoveMember(ctx, img.ID, "froggy"))

	members, err := s.Members(ctx, img.ID)
	require.NoError(t, err)
	require.Empty(t, members)

	// removing an absent grant is idempotent
	require.NoError(t, s.RemoveMember(ctx, img.ID, "froggy"))

	require.ErrorIs(t, s.RemoveMember(ctx, 99, "froggy"), ErrNotFound)
}

func TestImageStore_ConcurrentCreateAssignsUniqueIDs(t *testing.T) {
	s := NewImageStore()
	ctx := context.Background()

	const n = 100
	ids := make(chan int64, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img := testImage("img", "owner")
			if err := s.Create(ctx, img, nil); err == nil {
				ids <- img.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, n)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	require.Len(t, seen, n)
}

func TestImageStore_ConcurrentMemberMutations(t *testing.T) {
	s := NewImageStore()
	ctx := context.Background()

	img := testImage("Image1", "pattieblack")
	require.NoError(t, s.Create(ctx, img, nil))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			switch i % 3 {
			case 0:
				_ = s.UpsertMember(ctx, img.ID, "froggy", i%2 == 0)
			case 1:
				_ = s.RemoveMember(ctx, img.ID, "froggy")
			default:
				_, _ = s.Members(ctx, img.ID)
			}
		}(i)
	}
	wg.Wait()

	members, err := s.Members(ctx, img.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(members), 1)
}
