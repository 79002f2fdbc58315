package nvcf

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/phrazzld/nvcf-orchestrator/internal/testutils/fakenvcf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder(NewHTTPClient(5*time.Second), discardLogger())
	require.NoError(t, err)
	return d
}

func TestDecodeInline(t *testing.T) {
	t.Parallel()

	img := []byte{0xff, 0xd8, 0xff, 0xe0, 'j', 'p', 'g'}
	body := `{"reqId":"req-1","response":{"outputs":[` +
		`{"name":"generated_image","datatype":"BYTES","shape":[1],"data":["` + base64.StdEncoding.EncodeToString(img) + `"]},` +
		`{"name":"profile","datatype":"BYTES","shape":[1],"data":["42"]}]}}`

	got, err := newTestDecoder(t).Decode(context.Background(), []byte(body), "")
	require.NoError(t, err)

	assert.Equal(t, img, got.Primary)
	assert.Equal(t, []string{"42"}, got.Auxiliary)
	assert.Equal(t, "req-1", got.RequestID)
}

func TestDecodeTopLevelOutputs(t *testing.T) {
	t.Parallel()

	body := `{"outputs":[{"name":"generated_image","data":["` + base64.StdEncoding.EncodeToString([]byte("img")) + `"]},` +
		`{"name":"profile","data":[{"step_ms":12}]}]}`

	got, err := newTestDecoder(t).Decode(context.Background(), []byte(body), "req-hdr")
	require.NoError(t, err)

	assert.Equal(t, []byte("img"), got.Primary)
	assert.Equal(t, []string{`{"step_ms":12}`}, got.Auxiliary, "non-string aux data is returned as raw JSON")
	assert.Equal(t, "req-hdr", got.RequestID)
}

func TestDecodeZipReference(t *testing.T) {
	t.Parallel()

	srv := fakenvcf.New(t)
	ref := srv.AddArchive("out.zip", map[string][]byte{
		ZipImageFileName: []byte("zipped-image"),
		"other.txt":      []byte("ignored"),
	})
	body := `{"reqId":"req-z","responseReference":"` + ref + `","response":{"outputs":[{"data":["x"]},{"data":["y"]}]}}`

	got, err := newTestDecoder(t).Decode(context.Background(), []byte(body), "")
	require.NoError(t, err)

	assert.Equal(t, []byte("zipped-image"), got.Primary)
	assert.NotNil(t, got.Auxiliary)
	assert.Empty(t, got.Auxiliary)
}

func TestDecodeFailures(t *testing.T) {
	t.Parallel()

	srv := fakenvcf.New(t)
	missingEntry := srv.AddArchive("wrong.zip", map[string][]byte{"other.jpg": []byte("x")})

	unavailable := fakenvcf.New(t)
	unavailableRef := unavailable.AddArchive("out.zip", map[string][]byte{ZipImageFileName: []byte("x")})
	unavailable.SetArchiveStatus(http.StatusForbidden)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `<html>gateway timeout</html>`},
		{name: "no outputs", body: `{"reqId":"r","response":{"outputs":[]}}`},
		{name: "primary not base64", body: `{"reqId":"r","outputs":[{"data":["%%%not base64%%%"]}]}`},
		{name: "primary not a string", body: `{"reqId":"r","outputs":[{"data":[12]}]}`},
		{name: "aux without data", body: `{"reqId":"r","outputs":[{"data":["aW1n"]},{"name":"profile","data":[]}]}`},
		{name: "archive without image entry", body: `{"reqId":"r","responseReference":"` + missingEntry + `"}`},
		{name: "archive download refused", body: `{"reqId":"r","responseReference":"` + unavailableRef + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := newTestDecoder(t).Decode(context.Background(), []byte(tt.body), "req-ctx")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrResponseDecodeFailure)

			var e *Error
			require.True(t, errors.As(err, &e))
			assert.NotEmpty(t, e.RequestID)
			assert.Equal(t, tt.body, e.Body)
		})
	}
}
