package nvcf

import (
	"fmt"
	"net/http"
)

// Outcome is what a submit or poll response status means under a Dialect.
type Outcome int

// Outcomes. OutcomeFailure is the zero value so unknown statuses fail.
const (
	OutcomeFailure Outcome = iota
	OutcomeFulfilled
	OutcomePending
	OutcomeRedirect
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFulfilled:
		return "fulfilled"
	case OutcomePending:
		return "pending"
	case OutcomeRedirect:
		return "redirect"
	default:
		return "failure"
	}
}

// Dialect describes one status-code convention of the remote service.
// Deployments have shipped more than one; the client drives the same state
// machine for all of them.
type Dialect struct {
	Name     string
	Statuses map[int]Outcome
	// IntervalHeader, when set, names a response header carrying the
	// server-dictated minimum poll interval in seconds.
	IntervalHeader string
}

// Outcome classifies status. Statuses the dialect does not list are failures.
func (d Dialect) Outcome(status int) Outcome {
	return d.Statuses[status]
}

// Dialect names accepted by DialectByName.
const (
	DialectNameRedirect  = "redirect"
	DialectNameRequestID = "request-id"
)

// DialectRedirect treats 302 as "keep polling at the Location URL".
var DialectRedirect = Dialect{
	Name: DialectNameRedirect,
	Statuses: map[int]Outcome{
		http.StatusOK:       OutcomeFulfilled,
		http.StatusAccepted: OutcomePending,
		http.StatusFound:    OutcomeRedirect,
	},
}

// DialectRequestID treats 200 and 302 as fulfilled and polls 202s by request id.
var DialectRequestID = Dialect{
	Name: DialectNameRequestID,
	Statuses: map[int]Outcome{
		http.StatusOK:       OutcomeFulfilled,
		http.StatusFound:    OutcomeFulfilled,
		http.StatusAccepted: OutcomePending,
	},
	IntervalHeader: "Retry-After",
}

// DialectByName returns the dialect registered under name.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case DialectNameRedirect:
		return DialectRedirect, nil
	case DialectNameRequestID:
		return DialectRequestID, nil
	default:
		return Dialect{}, fmt.Errorf("unknown dialect %q", name)
	}
}
