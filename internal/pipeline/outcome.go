package pipeline

import (
	"time"

	"inference-relay/internal/core"
)

const (
	KindSucceeded       = "succeeded"
	KindTimedOut        = "timed_out"
	KindTransportFailed = "transport_failed"
	KindMalformed       = "malformed"
	KindDecodeFailed    = "decode_failed"
)

// Outcome is the terminal result of one submission. The concrete type is one of
// Succeeded, TimedOut, TransportFailed, Malformed or DecodeFailed.
type Outcome interface {
	Kind() string

	outcome()
}

type Succeeded struct {
	Result core.InferenceResult

	// AppendErr is set when the record could not be stored. The success reply
	// is still sent.
	AppendErr error
}

type TimedOut struct {
	Timeout time.Duration
}

// TransportFailed covers non-200 responses (StatusCode set) and connection
// failures (StatusCode 0, Err set).
type TransportFailed struct {
	StatusCode int
	Body       string
	Err        error
}

type Malformed struct {
	Field  string
	Reason string
}

type DecodeFailed struct {
	Err error
}

func (Succeeded) Kind() string       { return KindSucceeded }
func (TimedOut) Kind() string        { return KindTimedOut }
func (TransportFailed) Kind() string { return KindTransportFailed }
func (Malformed) Kind() string       { return KindMalformed }
func (DecodeFailed) Kind() string    { return KindDecodeFailed }

func (Succeeded) outcome()       {}
func (TimedOut) outcome()        {}
func (TransportFailed) outcome() {}
func (Malformed) outcome()       {}
func (DecodeFailed) outcome()    {}
