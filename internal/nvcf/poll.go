package nvcf

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers exchanged with the remote service.
const (
	HeaderRequestID   = "NVCF-REQID"
	HeaderPollSeconds = "NVCF-POLL-SECONDS"
)

// jobHandle addresses an accepted job that is not yet terminal. Exactly one
// of requestID and redirectURL is set.
type jobHandle struct {
	requestID   string
	redirectURL string
}

func newJobHandle(requestID, redirectURL string) (jobHandle, bool) {
	if (requestID == "") == (redirectURL == "") {
		return jobHandle{}, false
	}
	return jobHandle{requestID: requestID, redirectURL: redirectURL}, true
}

func (h jobHandle) url(endpoint string) string {
	if h.redirectURL != "" {
		return h.redirectURL
	}
	return endpoint + "/pexec/status/" + h.requestID
}

// exchange is a fully drained HTTP response.
type exchange struct {
	status int
	header http.Header
	body   []byte
	req    *http.Request
	issued time.Time
}

// redirectTarget resolves the Location header against the request URL.
func (x *exchange) redirectTarget() string {
	loc := x.header.Get("Location")
	if loc == "" {
		return ""
	}
	if x.req == nil || x.req.URL == nil {
		return loc
	}
	u, err := x.req.URL.Parse(loc)
	if err != nil {
		return ""
	}
	return u.String()
}

// serverInterval parses a header carrying seconds, integral or fractional.
func serverInterval(h http.Header, name string) time.Duration {
	if name == "" {
		return 0
	}
	v := strings.TrimSpace(h.Get(name))
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
