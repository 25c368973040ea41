package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ID names one crawlable account.
type ID int32

// Outcome is the terminal classification of one crawl attempt.
type Outcome int32

// Outcome values. The numeric codes are persisted in result log segments and
// must stay distinct.
const (
	OutcomeSuccess        Outcome = 0
	OutcomeInvalidAccount Outcome = 1
	OutcomeNotFound       Outcome = 2
	OutcomeNotAuthorized  Outcome = 3
	OutcomeFailed         Outcome = 4
)

// ErrUnknownOutcome is returned when decoding an outcome code outside the known set.
var ErrUnknownOutcome = errors.New("unknown outcome code")

// String returns the canonical upper-case name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeInvalidAccount:
		return "INVALID_ACCOUNT"
	case OutcomeNotFound:
		return "NOT_FOUND"
	case OutcomeNotAuthorized:
		return "NOT_AUTHORIZED"
	case OutcomeFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("OUTCOME(%d)", int32(o))
	}
}

// Valid reports whether o is one of the defined outcomes.
func (o Outcome) Valid() bool {
	return o >= OutcomeSuccess && o <= OutcomeFailed
}

// ParseOutcome converts a persisted code back into an Outcome.
func ParseOutcome(code int32) (Outcome, error) {
	o := Outcome(code)
	if !o.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownOutcome, code)
	}
	return o, nil
}

// Result is the outcome of crawling one account. Followers is only populated
// when Outcome is OutcomeSuccess.
type Result struct {
	ID        ID
	Outcome   Outcome
	Followers []ID
}

// NewFailure builds a non-success result with no follower payload.
func NewFailure(id ID, outcome Outcome) Result {
	return Result{ID: id, Outcome: outcome}
}

// NewSuccess builds a success result carrying the discovered followers in order.
func NewSuccess(id ID, followers []ID) Result {
	return Result{ID: id, Outcome: OutcomeSuccess, Followers: followers}
}

// Successful reports whether the crawl enumerated the account completely.
func (r Result) Successful() bool {
	return r.Outcome == OutcomeSuccess
}

// PageStatus classifies a single follower-page response.
type PageStatus int

// Page classifications used by the per-account retry loop.
const (
	PageOK PageStatus = iota
	PageRateLimited
	PageUnauthorized
	PageForbidden
	PageNotFound
	PageError
)

// ClassifyStatus maps an upstream HTTP status code to a PageStatus.
func ClassifyStatus(code int) PageStatus {
	switch code {
	case http.StatusOK:
		return PageOK
	case http.StatusBadRequest, http.StatusTooManyRequests:
		return PageRateLimited
	case http.StatusUnauthorized:
		return PageUnauthorized
	case http.StatusForbidden:
		return PageForbidden
	case http.StatusNotFound:
		return PageNotFound
	default:
		return PageError
	}
}

// FollowerPage is one page of an account's follower list.
type FollowerPage struct {
	Status     PageStatus
	StatusCode int
	IDs        []ID
}

// Checkpoint is a throughput snapshot taken by the controller.
type Checkpoint struct {
	RunID      string
	RecordedAt time.Time
	Completed  int64
	Crawled    int
	Failed     int
	Pending    int
	Queued     int
	Sessions   int
	Elapsed    time.Duration
	Final      bool
}

// SegmentClosed describes a result log segment that has been rotated and compressed.
type SegmentClosed struct {
	Category string `json:"category"`
	Segment  int    `json:"segment"`
	Path     string `json:"path"`
	URI      string `json:"uri,omitempty"`
	Records  int64  `json:"records"`
}
