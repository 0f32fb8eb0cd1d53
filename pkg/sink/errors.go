package sink

import "errors"

var (
	// ErrSinkUnavailable is returned when a send is rejected from cached
	// state (known-down connection or a topic missing from the startup
	// snapshot) without attempting any I/O.
	ErrSinkUnavailable = errors.New("sink unavailable")

	// ErrSinkSendFailure is returned when an attempted send times out or
	// fails at the transport. It also flips the cached connected flag to false.
	ErrSinkSendFailure = errors.New("sink send failure")
)
