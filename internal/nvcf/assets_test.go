package nvcf

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/phrazzld/nvcf-orchestrator/internal/testutils/fakenvcf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStager(t *testing.T, srv *fakenvcf.Server) *AssetStager {
	t.Helper()
	s, err := NewAssetStager(Endpoint(srv.URL), NewHTTPClient(5*time.Second), discardLogger())
	require.NoError(t, err)
	return s
}

func TestStageUploadsAsset(t *testing.T) {
	t.Parallel()

	srv := fakenvcf.New(t)
	stager := newTestStager(t, srv)

	id, err := stager.Stage(context.Background(), "tok", bytesLoader([]byte("pixels"), "image/jpeg"), "image")
	require.NoError(t, err)

	assert.Equal(t, []string{id}, srv.Created())
	assert.Equal(t, []byte("pixels"), srv.Uploaded(id))

	uploads := srv.Requests("/upload/")
	require.Len(t, uploads, 1)
	assert.Equal(t, "image/jpeg", uploads[0].Header.Get("Content-Type"))
	assert.Equal(t, "image", uploads[0].Header.Get("x-amz-meta-nvcf-asset-description"))
	assert.Empty(t, uploads[0].Header.Get("Authorization"), "presigned uploads carry no bearer token")
}

func TestStageFailures(t *testing.T) {
	t.Parallel()

	t.Run("loader error", func(t *testing.T) {
		t.Parallel()
		srv := fakenvcf.New(t)
		loader := func(context.Context) (*Asset, error) { return nil, errors.New("blob missing") }

		id, err := newTestStager(t, srv).Stage(context.Background(), "tok", loader, "image")
		assert.Empty(t, id)
		assert.ErrorIs(t, err, ErrAssetCreationFailure)
		assert.Empty(t, srv.Created())
	})

	t.Run("create rejected", func(t *testing.T) {
		t.Parallel()
		srv := fakenvcf.New(t)
		srv.FailCreate("image", http.StatusBadRequest)

		id, err := newTestStager(t, srv).Stage(context.Background(), "tok", bytesLoader([]byte("x"), "image/png"), "image")
		assert.Empty(t, id)
		assert.ErrorIs(t, err, ErrAssetCreationFailure)

		var e *Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, "image", e.Field)
		assert.Equal(t, http.StatusBadRequest, e.Status)
	})

	t.Run("upload rejected still reports id", func(t *testing.T) {
		t.Parallel()
		srv := fakenvcf.New(t)
		srv.FailUpload("image", http.StatusForbidden)

		id, err := newTestStager(t, srv).Stage(context.Background(), "tok", bytesLoader([]byte("x"), "image/png"), "image")
		assert.ErrorIs(t, err, ErrAssetUploadFailure)
		require.NotEmpty(t, id)
		assert.Equal(t, []string{id}, srv.Created())
	})

	t.Run("create without upload url still reports id", func(t *testing.T) {
		t.Parallel()
		srv := fakenvcf.New(t)
		srv.OmitUploadURL("image")
		stager := newTestStager(t, srv)

		staged, err := stager.StageAll(context.Background(), "tok", []AssetInput{
			{Field: "image", Loader: bytesLoader([]byte("x"), "image/png")},
		})
		assert.ErrorIs(t, err, ErrAssetCreationFailure)
		require.Len(t, staged, 1)
		assert.Equal(t, srv.Created(), []string{staged[0].ID})
		assert.Empty(t, srv.Requests("/upload/"))

		require.NoError(t, stager.Cleanup(context.Background(), "tok", []string{staged[0].ID}))
		assert.Equal(t, srv.Created(), srv.Deleted())
	})
}

func TestStageAllKeepsDeclarationOrder(t *testing.T) {
	t.Parallel()

	srv := fakenvcf.New(t)
	srv.FailCreate("middle", http.StatusInternalServerError)
	stager := newTestStager(t, srv)

	staged, err := stager.StageAll(context.Background(), "tok", []AssetInput{
		{Field: "first", Loader: bytesLoader([]byte("1"), "image/jpeg")},
		{Field: "middle", Loader: bytesLoader([]byte("2"), "image/jpeg")},
		{Field: "last", Loader: bytesLoader([]byte("3"), "image/jpeg")},
	})
	assert.ErrorIs(t, err, ErrAssetCreationFailure)
	require.Len(t, staged, 2)
	assert.Equal(t, "first", staged[0].Field)
	assert.Equal(t, "last", staged[1].Field)
	assert.ElementsMatch(t, srv.Created(), []string{staged[0].ID, staged[1].ID})

	none, err := stager.StageAll(context.Background(), "tok", nil)
	assert.NoError(t, err)
	assert.Empty(t, none)
}

func TestCleanupDeletesAllDespiteFailures(t *testing.T) {
	t.Parallel()

	srv := fakenvcf.New(t)
	srv.FailDelete(http.StatusInternalServerError)
	stager := newTestStager(t, srv)

	err := stager.Cleanup(context.Background(), "tok", []string{"a", "b", "c"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAssetDeleteFailure)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, srv.Deleted())

	assert.NoError(t, stager.Cleanup(context.Background(), "tok", nil))
}

func TestCleanupSucceeds(t *testing.T) {
	t.Parallel()

	srv := fakenvcf.New(t)
	stager := newTestStager(t, srv)

	require.NoError(t, stager.Cleanup(context.Background(), "tok", []string{"a", "b"}))
	assert.ElementsMatch(t, []string{"a", "b"}, srv.Deleted())

	for _, r := range srv.Requests("/v2/nvcf/assets/") {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
	}
}
