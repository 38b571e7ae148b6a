package fetch

import "errors"

// ErrUnknownTopicOrPartition is returned by a LogProvider when the
// requested partition does not exist locally; readiness treats this as
// case B and completes the fetch immediately.
var ErrUnknownTopicOrPartition = errors.New("fetch: unknown topic or partition")

// ErrNotLeaderForPartition is returned by a LogProvider when the local
// broker is no longer (or never was) the leader of the requested
// partition; readiness treats this as case A and completes immediately.
var ErrNotLeaderForPartition = errors.New("fetch: not leader for partition")
