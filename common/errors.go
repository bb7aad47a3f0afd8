package common

import "errors"

var (
	// ErrNoLeader is returned when no leader is known for the current term.
	ErrNoLeader = errors.New("no leader known")
	// ErrNotLeader is returned when an operation requires the local member to lead.
	ErrNotLeader = errors.New("local member is not the leader")
)

// ErrNoSuchEntry is returned when a log has no entry at the requested index.
var ErrNoSuchEntry = errors.New("no such log entry")

// ErrRetryableApply may be wrapped by an ApplyCallback to have the same
// entry applied again later. Any other apply error halts the member.
var ErrRetryableApply = errors.New("retryable apply failure")
