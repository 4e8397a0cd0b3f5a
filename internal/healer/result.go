package healer

import (
	"github.com/blobmux/healer/internal/blobstore"
	"github.com/blobmux/healer/internal/syncqueue"
)

// Outcome is the terminal classification of one key within a pass.
type Outcome string

const (
	OutcomeAlreadyComplete Outcome = "already_complete"
	OutcomeHealed          Outcome = "healed"
	OutcomeFailed          Outcome = "failed"
)

// Reason explains a failed outcome.
type Reason string

const (
	ReasonSourceUnavailable Reason = "source_unavailable"
	ReasonReplicateError    Reason = "replicate_error"
)

// Result is the classification of one key.
type Result struct {
	Key     string
	Outcome Outcome
	Reason  Reason // set when Outcome is OutcomeFailed

	Claimed []blobstore.ID // replicas with queue or probe evidence
	Missing []blobstore.ID // replicas the pass had to copy to
	Source  blobstore.ID   // replica the blob was read from, if any
	Failed  []blobstore.ID // replicas whose put failed
	Bytes   int            // bytes written across replicas

	Err error

	entries []syncqueue.Entry
}

// Report summarises one healing pass.
type Report struct {
	PassID  string
	Fetched int // queue entries in the batch
	Deleted int // queue entries drained
	Results []Result
}

// Count returns the number of keys with outcome o.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Result returns the classification for key.
func (r *Report) Result(key string) (Result, bool) {
	for _, res := range r.Results {
		if res.Key == key {
			return res, true
		}
	}
	return Result{}, false
}
