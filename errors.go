package chatsession

import "errors"

// Sentinel errors returned by session operations. Callers match them with
// errors.Is; wrapped causes remain reachable through errors.Unwrap.
var (
	// ErrNoActiveSession is returned when no credential has been set.
	ErrNoActiveSession = errors.New("chatsession: no active session")

	// ErrAuthRejected is returned when the service refuses the credential
	// outright. It is terminal: a fresh credential must be obtained from
	// the external auth issuance endpoint.
	ErrAuthRejected = errors.New("chatsession: authentication rejected")

	// ErrAuthExpired is returned when a previously accepted credential is
	// rejected mid-session. The session refreshes and retries exactly once
	// before surfacing it.
	ErrAuthExpired = errors.New("chatsession: credential expired")

	// ErrConnectionRefused is returned when the streaming endpoint cannot
	// be reached. Retryable per the backoff policy.
	ErrConnectionRefused = errors.New("chatsession: connection refused")

	// ErrTimeout is returned when a connect or request attempt exceeds its
	// deadline. Retryable per the backoff policy.
	ErrTimeout = errors.New("chatsession: timed out")

	// ErrBackpressure is returned when the reconnect send queue is full.
	// The caller is responsible for retrying later.
	ErrBackpressure = errors.New("chatsession: send queue full")

	// ErrRequestFailed is returned once a call's retry budget is exhausted.
	// The last underlying cause is wrapped alongside it.
	ErrRequestFailed = errors.New("chatsession: request failed")

	// ErrSessionEnded is returned for any operation after the session has
	// reached its terminal state.
	ErrSessionEnded = errors.New("chatsession: session ended")
)
