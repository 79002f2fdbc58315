package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 keeps objects in memory keyed by bucket/key.
type fakeS3 struct {
	mu           sync.Mutex
	objects      map[string][]byte
	contentTypes map[string]string
	putErr       error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, contentTypes: map[string]string{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[k] = data
	f.contentTypes[k] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3PutGet(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	store, err := NewS3(fake, "images")
	require.NoError(t, err)

	loc, err := store.Put(context.Background(), "/out/task-1.jpeg", []byte("img"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "s3://images/out/task-1.jpeg", loc)
	assert.Equal(t, "image/jpeg", fake.contentTypes["images/out/task-1.jpeg"])

	got, err := store.Get(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), got)

	got, err = store.Get(context.Background(), "out/task-1.jpeg")
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), got, "bare keys address the configured bucket")
}

func TestS3ReadsOtherBuckets(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	fake.objects["uploads/in.png"] = []byte("png")
	store, err := NewS3(fake, "images")
	require.NoError(t, err)

	got, err := store.Get(context.Background(), "s3://uploads/in.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), got)
}

func TestS3Errors(t *testing.T) {
	t.Parallel()

	fake := newFakeS3()
	store, err := NewS3(fake, "images")
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "s3://images/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, bad := range []string{"s3://", "s3://bucket-only", "s3:///key", ""} {
		_, err = store.Get(context.Background(), bad)
		assert.ErrorIs(t, err, ErrInvalidLocator, bad)
	}

	fake.putErr = errors.New("access denied")
	_, err = store.Put(context.Background(), "k", []byte("x"), "")
	assert.ErrorContains(t, err, "access denied")

	_, err = NewS3(nil, "b")
	assert.Error(t, err)
	_, err = NewS3(fake, "")
	assert.Error(t, err)
}
