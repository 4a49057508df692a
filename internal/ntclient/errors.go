// Package ntclient implements the NT4 client core: the messenger that
// correlates control messages with server replies, the pub/sub registry and
// topic state machines, and the Client that owns one messenger and one
// socket. Explicit ownership replaces the by-URL singletons of older NT
// client designs: callers who want instance lookup keep their own map.
package ntclient

import "errors"

// Sentinel errors for the client's failure kinds. Callers match them with
// errors.Is; call sites wrap them with context.
var (
	// ErrDuplicateTopic is returned when a topic or prefix name is
	// already registered on this client.
	ErrDuplicateTopic = errors.New("topic already registered")

	// ErrTypeMismatch is returned when a topic exists under the same
	// name with a different type.
	ErrTypeMismatch = errors.New("topic exists with different type")

	// ErrNotPublisher is returned by write operations on a topic this
	// client does not publish.
	ErrNotPublisher = errors.New("not the publisher of this topic")

	// ErrAlreadyPublished is returned when a publish reuses a known
	// pubuid without force.
	ErrAlreadyPublished = errors.New("pubuid already published")

	// ErrNotAnnounced is returned when the server does not answer a
	// publish with an announce within the timeout.
	ErrNotAnnounced = errors.New("publish not announced before timeout")

	// ErrNotAcknowledged is returned when the server does not ack a
	// setproperties within the timeout.
	ErrNotAcknowledged = errors.New("setproperties not acknowledged before timeout")

	// ErrCleaningUp is returned for operations attempted after Cleanup
	// has begun.
	ErrCleaningUp = errors.New("client is cleaning up")
)
