package domain

import (
	"context"
	"errors"
)

// Outcome is the terminal state of a metered operation.
type Outcome string

const (
	// OutcomeCommitted: the generation call succeeded and the reserved
	// credit is final.
	OutcomeCommitted Outcome = "committed"
	// OutcomeRefunded: the generation call failed or was canceled and the
	// reserved credit was returned.
	OutcomeRefunded Outcome = "refunded"
)

var (
	// ErrCompensationPending means the refund could not be applied before
	// returning; the recovery sweep completes it from the durable
	// reservation record.
	ErrCompensationPending = errors.New("compensation_pending")
	// ErrCommitUnrecorded means generation succeeded but the commit record
	// could not be written; the outcome is unknown to durable state.
	ErrCommitUnrecorded = errors.New("commit_unrecorded")
)

// Service coordinates reserve -> generate -> commit/compensate around the
// external generation call, keyed by a caller-supplied operation id.
type Service interface {
	Run(ctx context.Context, userID, operationID string, payload []byte) (Outcome, error)
}
