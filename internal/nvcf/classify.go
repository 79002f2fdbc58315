package nvcf

import "strings"

// Markers the remote service is known to embed in failure messages.
var (
	oomMarkers = []string{
		"OutOfMemoryError",
		"CUDA out of memory. Tried to allocate",
	}
	nsfwMarker             = "nsfwrejection"
	functionNotFoundPrefix = "Specified function in account"
	functionNotFoundSuffix = "is not found"
)

// Classifier maps free-text remote failure reasons onto specific failure kinds.
// It is safe for concurrent use.
type Classifier struct {
	faceswap map[string]struct{}
	flagship string
}

// NewClassifier returns a Classifier that reports NSFW rejections from any of
// faceswapIDs as KindNSFWRejectionFaceswap and from flagshipID as
// KindNSFWRejectionFlagship. Empty ids are ignored.
func NewClassifier(faceswapIDs []string, flagshipID string) *Classifier {
	c := &Classifier{faceswap: make(map[string]struct{}, len(faceswapIDs))}
	for _, id := range faceswapIDs {
		if id != "" {
			c.faceswap[id] = struct{}{}
		}
	}
	c.flagship = flagshipID
	return c
}

// Classify inspects reason and returns the most specific matching kind.
// Out-of-memory markers win over NSFW markers, which win over the
// function-not-found marker. ok is false when nothing matches.
func (c *Classifier) Classify(reason, functionID string) (kind Kind, ok bool) {
	for _, m := range oomMarkers {
		if strings.Contains(reason, m) {
			return KindRemoteOOM, true
		}
	}

	if strings.Contains(strings.ToLower(reason), nsfwMarker) {
		if _, fs := c.faceswap[functionID]; fs {
			return KindNSFWRejectionFaceswap, true
		}
		if c.flagship != "" && functionID == c.flagship {
			return KindNSFWRejectionFlagship, true
		}
		return KindNSFWRejection, true
	}

	if strings.Contains(reason, functionNotFoundPrefix) && strings.Contains(reason, functionNotFoundSuffix) {
		return KindFunctionNotFound, true
	}

	return KindUnknown, false
}
