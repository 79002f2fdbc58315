package nvcf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	c := NewClassifier([]string{"fn-faceswap", "fn-faceswap-ip", ""}, "fn-sdxl")

	tests := []struct {
		name     string
		reason   string
		function string
		want     Kind
		ok       bool
	}{
		{
			name:     "cuda oom on any function",
			reason:   "RuntimeError: CUDA out of memory. Tried to allocate 20.00 MiB",
			function: "fn-anything",
			want:     KindRemoteOOM,
			ok:       true,
		},
		{
			name:     "oom error class",
			reason:   "torch.cuda.OutOfMemoryError",
			function: "fn-faceswap",
			want:     KindRemoteOOM,
			ok:       true,
		},
		{
			name:     "oom wins over nsfw",
			reason:   "NSFWRejection then CUDA out of memory. Tried to allocate 1 GiB",
			function: "fn-faceswap",
			want:     KindRemoteOOM,
			ok:       true,
		},
		{
			name:     "nsfw from faceswap",
			reason:   "error: nsfwrejection",
			function: "fn-faceswap",
			want:     KindNSFWRejectionFaceswap,
			ok:       true,
		},
		{
			name:     "nsfw from faceswap ip",
			reason:   "NSFWRejection: input image",
			function: "fn-faceswap-ip",
			want:     KindNSFWRejectionFaceswap,
			ok:       true,
		},
		{
			name:     "nsfw from flagship",
			reason:   "NsfwRejection",
			function: "fn-sdxl",
			want:     KindNSFWRejectionFlagship,
			ok:       true,
		},
		{
			name:     "nsfw generic",
			reason:   "nsfwrejection",
			function: "fn-other",
			want:     KindNSFWRejection,
			ok:       true,
		},
		{
			name:     "empty function id is never faceswap",
			reason:   "nsfwrejection",
			function: "",
			want:     KindNSFWRejection,
			ok:       true,
		},
		{
			name:     "function not found",
			reason:   "Specified function in account 'abc' is not found",
			function: "fn-missing",
			want:     KindFunctionNotFound,
			ok:       true,
		},
		{
			name:     "half of function not found marker",
			reason:   "Specified function in account 'abc' was deleted",
			function: "fn-missing",
			want:     KindUnknown,
		},
		{
			name:     "unrelated text",
			reason:   "internal server error",
			function: "fn-x",
			want:     KindUnknown,
		},
		{
			name: "empty reason",
			want: KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := c.Classify(tt.reason, tt.function)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestErrorMatchesSentinels(t *testing.T) {
	t.Parallel()

	err := error(&Error{Kind: KindNSFWRejectionFaceswap, FunctionID: "fn-faceswap", RequestID: "req-1"})

	assert.ErrorIs(t, err, ErrNSFWRejectionFaceswap)
	assert.ErrorIs(t, err, ErrNSFWRejection)
	assert.NotErrorIs(t, err, ErrNSFWRejectionFlagship)
	assert.NotErrorIs(t, err, ErrRemoteOOM)
	assert.Equal(t, KindNSFWRejectionFaceswap, KindOf(err))
	assert.Equal(t, "req-1", RequestIDOf(err))
	assert.Contains(t, err.Error(), "request=req-1")
	assert.Equal(t, "nsfw_rejection_faceswap", KindNSFWRejectionFaceswap.String())
	assert.Equal(t, KindUnknown, KindOf(assert.AnError))
}
