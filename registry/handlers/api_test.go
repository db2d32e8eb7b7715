package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/image-registry/configuration"
	_ "github.com/meridianhq/image-registry/registry/auth/token"
	"github.com/meridianhq/image-registry/registry/datastore"
	"github.com/meridianhq/image-registry/registry/datastore/models"
)

type testEnv struct {
	t      *testing.T
	app    *App
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	config := &configuration.Configuration{}
	configuration.ApplyDefaults(config)
	config.Auth = configuration.Auth{"token": configuration.Parameters{}}

	app, err := NewApp(context.Background(), config)
	require.NoError(t, err)

	server := httptest.NewServer(app)
	t.Cleanup(server.Close)

	return &testEnv{t: t, app: app, server: server}
}

// do performs a request against the test server, authenticating as the given
// principal. An empty principal leaves the request anonymous.
func (env *testEnv) do(method, path, principal string, headers map[string]string, body []byte) *http.Response {
	env.t.Helper()

	req, err := http.NewRequest(method, env.server.URL+path, bytes.NewReader(body))
	require.NoError(env.t, err)

	if principal != "" {
		req.Header.Set("X-Auth-Token", fmt.Sprintf("%s:%s", principal, principal))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(env.t, err)
	env.t.Cleanup(func() { resp.Body.Close() })

	return resp
}

// createImage registers an image owned by principal and returns its id.
func (env *testEnv) createImage(principal, name string, isPublic bool, content []byte) int64 {
	env.t.Helper()

	headers := map[string]string{
		"X-Image-Meta-Name": name,
	}
	if isPublic {
		headers["X-Image-Meta-Is-Public"] = "true"
	}

	resp := env.do(http.MethodPost, "/v1/images", principal, headers, content)
	require.Equal(env.t, http.StatusCreated, resp.StatusCode)

	var envelope struct {
		Image struct {
			ID int64 `json:"id"`
		} `json:"image"`
	}
	require.NoError(env.t, json.NewDecoder(resp.Body).Decode(&envelope))

	return envelope.Image.ID
}

// addMember grants member access to an image as the given principal.
func (env *testEnv) addMember(principal string, imageID int64, memberID string, canShare bool) *http.Response {
	env.t.Helper()

	var body []byte
	if canShare {
		body = []byte(`{"member": {"can_share": true}}`)
	}

	return env.do(http.MethodPut, fmt.Sprintf("/v1/images/%d/members/%s", imageID, memberID), principal, nil, body)
}

func errorCodes(t *testing.T, resp *http.Response) []string {
	t.Helper()

	var envelope struct {
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))

	codes := make([]string, 0, len(envelope.Errors))
	for _, e := range envelope.Errors {
		codes = append(codes, e.Code)
	}
	return codes
}

func TestAPIBase(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(body))
}

func TestCreateImage(t *testing.T) {
	env := newTestEnv(t)

	content := bytes.Repeat([]byte("*"), 5120)
	resp := env.do(http.MethodPost, "/v1/images", "tenant1", map[string]string{
		"X-Image-Meta-Name": "Image1",
	}, content)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	assert.Equal(t, "1", resp.Header.Get("X-Image-Meta-Id"))
	assert.Equal(t, "Image1", resp.Header.Get("X-Image-Meta-Name"))
	assert.Equal(t, "5120", resp.Header.Get("X-Image-Meta-Size"))
	assert.Equal(t, "False", resp.Header.Get("X-Image-Meta-Is-Public"))
	assert.Equal(t, "tenant1", resp.Header.Get("X-Image-Meta-Owner"))
	assert.True(t, strings.HasSuffix(resp.Header.Get("Location"), "/v1/images/1"), "location: %s", resp.Header.Get("Location"))

	var envelope struct {
		Image struct {
			ID       int64  `json:"id"`
			Name     string `json:"name"`
			Size     int64  `json:"size"`
			IsPublic bool   `json:"is_public"`
			Owner    string `json:"owner"`
			Status   string `json:"status"`
		} `json:"image"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, int64(1), envelope.Image.ID)
	assert.Equal(t, "Image1", envelope.Image.Name)
	assert.Equal(t, int64(5120), envelope.Image.Size)
	assert.False(t, envelope.Image.IsPublic)
	assert.Equal(t, "tenant1", envelope.Image.Owner)
	assert.Equal(t, "active", envelope.Image.Status)

	// ids are sequential
	id := env.createImage("tenant1", "Image2", false, []byte("data"))
	assert.Equal(t, int64(2), id)
}

func TestCreateImage_RequiresName(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/v1/images", "tenant1", nil, []byte("data"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorCodes(t, resp), "VALIDATION_ERROR")
}

func TestCreateImage_SizeHeaderWins(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/v1/images", "tenant1", map[string]string{
		"X-Image-Meta-Name": "Image1",
		"X-Image-Meta-Size": "1024",
	}, []byte("data"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "1024", resp.Header.Get("X-Image-Meta-Size"))
}

func TestCreateImage_InvalidSizeHeader(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/v1/images", "tenant1", map[string]string{
		"X-Image-Meta-Name": "Image1",
		"X-Image-Meta-Size": "not-a-number",
	}, []byte("data"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorCodes(t, resp), "VALIDATION_ERROR")
}

func TestCreateImage_BooleanParsing(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		value    string
		expected string
	}{
		{"true", "True"},
		{"True", "True"},
		{"ON", "True"},
		{"1", "True"},
		{"yes", "True"},
		{"false", "False"},
		{"off", "False"},
		{"0", "False"},
		{"banana", "False"},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			resp := env.do(http.MethodPost, "/v1/images", "tenant1", map[string]string{
				"X-Image-Meta-Name":      "Image1",
				"X-Image-Meta-Is-Public": tt.value,
			}, []byte("data"))
			require.Equal(t, http.StatusCreated, resp.StatusCode)
			assert.Equal(t, tt.expected, resp.Header.Get("X-Image-Meta-Is-Public"))
		})
	}
}

func TestListImages_Empty(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/v1/images", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"images": []}`, string(body))
}

func TestListImages_Visibility(t *testing.T) {
	env := newTestEnv(t)

	privateID := env.createImage("tenant1", "private", false, []byte("a"))
	publicID := env.createImage("tenant1", "public", true, []byte("b"))
	sharedID := env.createImage("tenant1", "shared", false, []byte("c"))

	resp := env.addMember("tenant1", sharedID, "tenant2", false)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	listVisible := func(principal string) []int64 {
		resp := env.do(http.MethodGet, "/v1/images", principal, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var envelope struct {
			Images []struct {
				ID int64 `json:"id"`
			} `json:"images"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))

		ids := make([]int64, 0, len(envelope.Images))
		for _, img := range envelope.Images {
			ids = append(ids, img.ID)
		}
		return ids
	}

	assert.ElementsMatch(t, []int64{privateID, publicID, sharedID}, listVisible("tenant1"))
	assert.ElementsMatch(t, []int64{publicID, sharedID}, listVisible("tenant2"))
	assert.ElementsMatch(t, []int64{publicID}, listVisible("tenant3"))
	assert.ElementsMatch(t, []int64{publicID}, listVisible(""))
}

func TestListImageDetails(t *testing.T) {
	env := newTestEnv(t)

	env.createImage("tenant1", "Image1", true, []byte("data"))

	resp := env.do(http.MethodGet, "/v1/images/detail", "tenant1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Images []struct {
			ID       int64  `json:"id"`
			Name     string `json:"name"`
			Size     int64  `json:"size"`
			IsPublic bool   `json:"is_public"`
			Owner    string `json:"owner"`
			Status   string `json:"status"`
		} `json:"images"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Len(t, envelope.Images, 1)
	assert.Equal(t, "Image1", envelope.Images[0].Name)
	assert.True(t, envelope.Images[0].IsPublic)
	assert.Equal(t, "tenant1", envelope.Images[0].Owner)
	assert.Equal(t, "active", envelope.Images[0].Status)
}

func TestGetImage(t *testing.T) {
	env := newTestEnv(t)

	content := []byte("layer data")
	id := env.createImage("tenant1", "Image1", false, content)

	resp := env.do(http.MethodGet, fmt.Sprintf("/v1/images/%d", id), "tenant1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "Image1", resp.Header.Get("X-Image-Meta-Name"))
	assert.Equal(t, "False", resp.Header.Get("X-Image-Meta-Is-Public"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, body)
}

func TestHeadImage(t *testing.T) {
	env := newTestEnv(t)

	id := env.createImage("tenant1", "Image1", true, []byte("data"))

	resp := env.do(http.MethodHead, fmt.Sprintf("/v1/images/%d", id), "tenant1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "Image1", resp.Header.Get("X-Image-Meta-Name"))
	assert.Equal(t, "True", resp.Header.Get("X-Image-Meta-Is-Public"))
	assert.Equal(t, "tenant1", resp.Header.Get("X-Image-Meta-Owner"))
	assert.Equal(t, "active", resp.Header.Get("X-Image-Meta-Status"))
}

// Denied operations and missing images must be indistinguishable on the wire.
func TestImageAccessDenials(t *testing.T) {
	env := newTestEnv(t)

	id := env.createImage("tenant1", "private", false, []byte("data"))
	sharedID := env.createImage("tenant1", "shared", false, []byte("data"))
	resp := env.addMember("tenant1", sharedID, "tenant2", false)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	tests := []struct {
		name      string
		method    string
		path      string
		principal string
	}{
		{"stranger reads private image", http.MethodGet, fmt.Sprintf("/v1/images/%d", id), "tenant2"},
		{"anonymous reads private image", http.MethodGet, fmt.Sprintf("/v1/images/%d", id), ""},
		{"member updates readable image", http.MethodPut, fmt.Sprintf("/v1/images/%d", sharedID), "tenant2"},
		{"member deletes readable image", http.MethodDelete, fmt.Sprintf("/v1/images/%d", sharedID), "tenant2"},
		{"member lists members of readable image", http.MethodGet, fmt.Sprintf("/v1/images/%d/members", sharedID), "tenant2"},
		{"member replaces members of readable image", http.MethodPut, fmt.Sprintf("/v1/images/%d/members", sharedID), "tenant2"},
		{"member without can_share adds member", http.MethodPut, fmt.Sprintf("/v1/images/%d/members/tenant3", sharedID), "tenant2"},
		{"missing image", http.MethodGet, "/v1/images/42", "tenant1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(tt.method, tt.path, tt.principal, nil, nil)
			require.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Contains(t, errorCodes(t, resp), "IMAGE_UNKNOWN")
		})
	}

	// a denied update must leave the record untouched
	resp = env.do(http.MethodPut, fmt.Sprintf("/v1/images/%d", sharedID), "tenant2", map[string]string{
		"X-Image-Meta-Owner":     "tenant2",
		"X-Image-Meta-Is-Public": "true",
	}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(http.MethodGet, fmt.Sprintf("/v1/images/%d", sharedID), "tenant1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tenant1", resp.Header.Get("X-Image-Meta-Owner"))
	assert.Equal(t, "False", resp.Header.Get("X-Image-Meta-Is-Public"))
}

// vanishedStore simulates an image deleted between the initial record read
// and the follow-up reads against it.
type vanishedStore struct {
	datastore.ImageStore

	membersGone int64
	contentGone int64
}

func (s *vanishedStore) Members(ctx context.Context, id int64) ([]models.ImageMember, error) {
	if id == s.membersGone {
		return nil, datastore.ErrNotFound
	}
	return s.ImageStore.Members(ctx, id)
}

func (s *vanishedStore) Content(ctx context.Context, id int64) ([]byte, error) {
	if id == s.contentGone {
		return nil, datastore.ErrNotFound
	}
	return s.ImageStore.Content(ctx, id)
}

// An image deleted while the listing walk is in flight is simply left out of
// the result, it is not an error.
func TestListImages_ImageDeletedDuringWalk(t *testing.T) {
	env := newTestEnv(t)

	goneID := env.createImage("tenant1", "gone", false, []byte("data"))
	keptID := env.createImage("tenant1", "kept", false, []byte("data"))
	env.app.store = &vanishedStore{ImageStore: env.app.store, membersGone: goneID}

	resp := env.do(http.MethodGet, "/v1/images", "tenant1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Images []struct {
			ID int64 `json:"id"`
		} `json:"images"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Len(t, envelope.Images, 1)
	assert.Equal(t, keptID, envelope.Images[0].ID)
}

// An image deleted between the authorization check and the content read is
// reported as unknown, like any other absent image.
func TestGetImage_ImageDeletedDuringRead(t *testing.T) {
	env := newTestEnv(t)

	id := env.createImage("tenant1", "Image1", false, []byte("data"))
	env.app.store = &vanishedStore{ImageStore: env.app.store, contentGone: id}

	resp := env.do(http.MethodGet, fmt.Sprintf("/v1/images/%d", id), "tenant1", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, errorCodes(t, resp), "IMAGE_UNKNOWN")
}

func TestUpdateImage(t *testing.T) {
	env := newTestEnv(t)

	id := env.createImage("tenant1", "Image1", false, []byte("data"))

	resp := env.do(http.MethodPut, fmt.Sprintf("/v1/images/%d", id), "tenant1", map[string]string{
		"X-Image-Meta-Name":      "Renamed",
		"X-Image-Meta-Is-Public": "true",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "Renamed", resp.Header.Get("X-Image-Meta-Name"))
	assert.Equal(t, "True", resp.Header.Get("X-Image-Meta-Is-Public"))

	var envelope struct {
		Image struct {
			Name     string `json:"name"`
			IsPublic bool   `json:"is_public"`
		} `json:"image"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	assert.Equal(t, "Renamed", envelope.Image.Name)
	assert.True(t, envelope.Image.IsPublic)
}

// Owner reassignment through the update headers silently does not happen.
func TestUpdateImage_OwnerReassignmentIgnored(t *testing.T) {
	env := newTestEnv(t)

	id := env.createImage("tenant1", "Image1", false, []byte("data"))

	resp := env.do(http.MethodPut, fmt.Sprintf("/v1/images/%d", id), "tenant1", map[string]string{
		"X-Image-Meta-Owner": "tenant2",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tenant1", resp.Header.Get("X-Image-Meta-Owner"))
}

func TestDeleteImage(t *testing.T) {
	env := newTestEnv(t)

	id := env.createImage("tenant1", "Image1", false, []byte("data"))

	resp := env.do(http.MethodDelete, fmt.Sprintf("/v1/images/%d", id), "tenant1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(http.MethodGet, fmt.Sprintf("/v1/images/%d", id), "tenant1", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, errorCodes(t, resp), "IMAGE_UNKNOWN")
}

func TestMembers(t *testing.T) {
	env := newTestEnv(t)

	id := env.createImage("tenant1", "Image1", false, []byte("data"))

	// owner adds a member without body, can_share defaults to false
	resp := env.do(http.MethodPut, fmt.Sprintf("/v1/images/%d/members/tenant2", id), "tenant1", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(http.MethodGet, fmt.Sprintf("/v1/images/%d/members", id), "tenant1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Members []struct {
			MemberID string `json:"member_id"`
			CanShare bool   `json:"can_share"`
		} `json:"members"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Len(t, envelope.Members, 1)
	assert.Equal(t, "tenant2", envelope.Members[0].MemberID)
	assert.False(t, envelope.Members[0].CanShare)

	// the member can now read the image
	resp = env.do(http.MethodGet, fmt.Sprintf("/v1/images/%d", id), "tenant2", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMembers_CanShareDelegation(t *testing.T) {
	env := newTestEnv(t)

	id := env.createImage("tenant1", "Image1", false, []byte("data"))

	resp := env.addMember("tenant1", id, "tenant2", true)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// tenant2 holds can_share, so it may add further members
	resp = env.addMember("tenant2", id, "tenant3", false)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(http.MethodGet, fmt.Sprintf("/v1/images/%d", id), "tenant3", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMembers_Replace(t *testing.T) {
	env := newTestEnv(t)

	id := env.createImage("tenant1", "Image1", false, []byte("data"))

	resp := env.addMember("tenant1", id, "tenant2", false)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	body := []byte(`{"memberships": [{"member_id": "tenant3", "can_share": true}]}`)
	resp = env.do(http.MethodPut, fmt.Sprintf("/v1/images/%d/members", id), "tenant1", nil, body)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(http.MethodGet, fmt.Sprintf("/v1/images/%d/members", id), "tenant1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope struct {
		Members []struct {
			MemberID string `json:"member_id"`
			CanShare bool   `json:"can_share"`
		} `json:"members"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Len(t, envelope.Members, 1)
	assert.Equal(t, "tenant3", envelope.Members[0].MemberID)
	assert.True(t, envelope.Members[0].CanShare)

	// tenant2 lost access with the replacement
	resp = env.do(http.MethodGet, fmt.Sprintf("/v1/images/%d", id), "tenant2", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMembers_MalformedBody(t *testing.T) {
	env := newTestEnv(t)

	id := env.createImage("tenant1", "Image1", false, []byte("data"))

	resp := env.do(http.MethodPut, fmt.Sprintf("/v1/images/%d/members/tenant2", id), "tenant1", nil, []byte("{invalid"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorCodes(t, resp), "VALIDATION_ERROR")

	resp = env.do(http.MethodPut, fmt.Sprintf("/v1/images/%d/members", id), "tenant1", nil, []byte("{invalid"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorCodes(t, resp), "VALIDATION_ERROR")
}

func TestMembers_Remove(t *testing.T) {
	env := newTestEnv(t)

	id := env.createImage("tenant1", "Image1", false, []byte("data"))

	resp := env.addMember("tenant1", id, "tenant2", false)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(http.MethodDelete, fmt.Sprintf("/v1/images/%d/members/tenant2", id), "tenant1", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(http.MethodGet, fmt.Sprintf("/v1/images/%d", id), "tenant2", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// removing an absent grant still succeeds
	resp = env.do(http.MethodDelete, fmt.Sprintf("/v1/images/%d/members/tenant2", id), "tenant1", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestTokenParsing(t *testing.T) {
	env := newTestEnv(t)

	// principal and tenant split on the first colon
	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/v1/images", bytes.NewReader([]byte("data")))
	require.NoError(t, err)
	req.Header.Set("X-Auth-Token", "alice:project-a")
	req.Header.Set("X-Image-Meta-Name", "Image1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "alice", resp.Header.Get("X-Image-Meta-Owner"))
}

func TestTokenParsing_InvalidCredential(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/images", http.NoBody)
	require.NoError(t, err)
	req.Header.Set("X-Auth-Token", ":tenant")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
