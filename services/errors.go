package services

import "errors"

// maxErrorText bounds error text persisted on incidents and schedules.
const maxErrorText = 1000

var (
	// ErrInvalidMetric means a rule names a metric the engine does not know.
	ErrInvalidMetric = errors.New("invalid metric")
	// ErrSSRFBlocked means a webhook target points at a private or local
	// address and was not contacted.
	ErrSSRFBlocked = errors.New("webhook target blocked by ssrf policy")
	// ErrAlreadyAcknowledged means the incident is no longer open.
	ErrAlreadyAcknowledged = errors.New("incident already acknowledged")
	// ErrAlreadyResolved means the incident was already closed.
	ErrAlreadyResolved = errors.New("incident already resolved")
	// ErrNotFound covers both missing incidents and incidents outside the
	// caller's scope.
	ErrNotFound = errors.New("not found")
	// ErrDispatchFailure wraps transport errors from email or webhook sends.
	ErrDispatchFailure = errors.New("dispatch failed")
	// ErrInvalidOperator means a rule carries an unknown comparison.
	ErrInvalidOperator = errors.New("invalid threshold operator")
	// ErrOwnerNotFound means a rule's owner no longer exists, so there is
	// no scope to evaluate it under.
	ErrOwnerNotFound = errors.New("rule owner not found")
)

func errorText(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorText {
		msg = msg[:maxErrorText]
	}
	return msg
}
