package services

import "errors"

// Sentinel errors for the settlement engine. Handlers map these onto HTTP
// statuses with errors.Is; everything else is a 500.
var (
	// ErrRoundNotFound / ErrEntryNotFound: the referenced record does not
	// exist. Not retryable.
	ErrRoundNotFound = errors.New("round not found")
	ErrEntryNotFound = errors.New("entry not found")

	// ErrInvalidTransition: a lifecycle guard was violated (settling a
	// live round, starting a round with no questions, ...). The request
	// is wrong, not the state.
	ErrInvalidTransition = errors.New("invalid phase transition")

	// ErrValidation: malformed payout table, non-positive pool, bad
	// payment metadata. Rejected before any state mutation.
	ErrValidation = errors.New("validation failed")

	// ErrNoWinners: a commitment tree was requested over an empty winner
	// set. Fatal for that settle attempt, nothing is persisted.
	ErrNoWinners = errors.New("no winners to commit")

	// ErrSubmissionFailed: the on-chain submission reverted or timed out.
	// Local ranks/prizes remain valid; the submission alone is retried.
	ErrSubmissionFailed = errors.New("on-chain submission failed")
)
